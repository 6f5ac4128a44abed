package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/werkstatt/pkg/api"
	"github.com/rhuss/werkstatt/pkg/sandbox"
	"github.com/rhuss/werkstatt/pkg/transport"
)

// Engine executes a function tool call inside a sandbox.
type Engine interface {
	Execute(ctx context.Context, req *sandbox.Request) (*api.ExecutionResult, error)
}

// Server bridges the tool registry to MCP. Each MCP session sees a
// snapshot of the registered tools taken when the session is created;
// tools registered later become visible to new sessions only. When two
// tools share a name, the newer registration wins.
type Server struct {
	store  transport.ToolStore
	engine Engine
	logger *slog.Logger
}

// New creates an MCP server surface backed by the given tool store and
// sandbox engine.
func New(store transport.ToolStore, engine Engine, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("mcpserver: store is required")
	}
	if engine == nil {
		return nil, errors.New("mcpserver: engine is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, engine: engine, logger: logger}, nil
}

// Handler returns the streamable-HTTP handler for this server, typically
// mounted at /mcp.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.buildServer(r.Context())
	}, nil)
}

// buildServer assembles an MCP server holding the current tool registry
// snapshot. A store failure yields a session without tools rather than a
// failed handshake.
func (s *Server) buildServer(ctx context.Context) *mcp.Server {
	srv := mcp.NewServer(
		&mcp.Implementation{Name: "werkstatt", Version: "1.0.0"},
		nil,
	)

	opts := transport.ListOptions{Limit: 100, Order: "asc"}
	for {
		page, err := s.store.ListTools(ctx, opts)
		if err != nil {
			s.logger.Error("listing tools for MCP session",
				slog.String("error", err.Error()))
			return srv
		}
		for _, tool := range page.Data {
			srv.AddTool(mcpTool(tool), s.toolHandler(tool))
		}
		if !page.HasMore {
			return srv
		}
		opts.After = page.LastID
	}
}

// mcpTool converts a registered function tool to its MCP description.
func mcpTool(tool *api.FunctionTool) *mcp.Tool {
	name := tool.Name
	if name == "" {
		name = tool.ID
	}

	schema := map[string]any{"type": "object"}
	if len(tool.InputSchema) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(tool.InputSchema, &parsed); err == nil {
			schema = parsed
		}
	}

	return &mcp.Tool{
		Name:        name,
		Description: tool.Description,
		InputSchema: schema,
	}
}

// toolHandler returns the call handler for one tool. Failures of every
// kind (bad arguments, sandbox rejections, tool-reported errors) surface
// as IsError results, not protocol errors, so the client session survives.
func (s *Server) toolHandler(tool *api.FunctionTool) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := rawArguments(req.Params.Arguments)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		result, err := s.engine.Execute(ctx, &sandbox.Request{
			ToolID:    tool.ID,
			ToolName:  tool.Name,
			Config:    &tool.FunctionToolConfig,
			Arguments: args,
		})
		if err != nil {
			s.logger.Warn("MCP tool call rejected",
				slog.String("tool_id", tool.ID),
				slog.String("error", err.Error()))
			return errorResult(err.Error()), nil
		}

		if !result.Success {
			msg := result.Error
			if msg == "" {
				msg = "tool execution failed"
			}
			return errorResult(msg), nil
		}

		text := "null"
		if len(result.Result) > 0 {
			text = string(result.Result)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, nil
	}
}

// rawArguments normalizes the SDK's argument payload to raw JSON.
func rawArguments(v any) (json.RawMessage, error) {
	switch args := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return args, nil
	case []byte:
		return json.RawMessage(args), nil
	default:
		return json.Marshal(args)
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}
