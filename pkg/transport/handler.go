package transport

import (
	"context"
	"encoding/json"

	"github.com/rhuss/werkstatt/pkg/api"
)

// ExecutionRunner handles the core run-execution operation. It is the
// primary handler contract: the transport resolves the tool, builds a
// RunRequest, and the runner drives the execution through the sandbox
// engine, writing lifecycle events or the final record to the
// ExecutionWriter.
type ExecutionRunner interface {
	RunExecution(ctx context.Context, req *RunRequest, w ExecutionWriter) error
}

// ExecutionRunnerFunc is an adapter that allows using an ordinary function
// as an ExecutionRunner.
type ExecutionRunnerFunc func(ctx context.Context, req *RunRequest, w ExecutionWriter) error

// RunExecution calls f(ctx, req, w).
func (f ExecutionRunnerFunc) RunExecution(ctx context.Context, req *RunRequest, w ExecutionWriter) error {
	return f(ctx, req, w)
}

// RunRequest carries one execution request from the transport to the runner.
// The tool has already been resolved from the store; unknown tools never
// reach the runner.
type RunRequest struct {
	Tool      *api.FunctionTool
	Arguments json.RawMessage

	// Stream selects SSE lifecycle events over a single JSON record.
	Stream bool
}

// ListOptions controls pagination, filtering, and ordering for list operations.
type ListOptions struct {
	After  string // Cursor: return items after this ID.
	Before string // Cursor: return items before this ID.
	Limit  int    // Maximum number of items to return (default 20, max 100).
	Tool   string // Filter executions by tool ID (list executions only).
	Order  string // Sort order: "asc" or "desc" (default "desc").
}

// ToolList holds a paginated list of registered function tools.
type ToolList struct {
	Object  string              `json:"object"`
	Data    []*api.FunctionTool `json:"data"`
	HasMore bool                `json:"has_more"`
	FirstID string              `json:"first_id"`
	LastID  string              `json:"last_id"`
}

// ExecutionList holds a paginated list of execution records.
type ExecutionList struct {
	Object  string           `json:"object"`
	Data    []*api.Execution `json:"data"`
	HasMore bool             `json:"has_more"`
	FirstID string           `json:"first_id"`
	LastID  string           `json:"last_id"`
}

// ToolStore handles persistence of registered function tools and the
// execution records they produce. Implementations scope reads and writes
// to the tenant carried in the context when one is set.
type ToolStore interface {
	// SaveTool persists a newly registered tool.
	SaveTool(ctx context.Context, tool *api.FunctionTool) error

	// GetTool retrieves a tool by ID. Returns storage.ErrNotFound if the
	// tool does not exist or has been deleted (soft delete).
	GetTool(ctx context.Context, id string) (*api.FunctionTool, error)

	// DeleteTool soft-deletes a tool by ID. Execution records referencing
	// the tool remain readable.
	DeleteTool(ctx context.Context, id string) error

	// ListTools returns a paginated list of registered tools.
	// Supports cursor-based pagination and ordering.
	ListTools(ctx context.Context, opts ListOptions) (*ToolList, error)

	// SaveExecution persists a new execution record.
	SaveExecution(ctx context.Context, exec *api.Execution) error

	// UpdateExecution replaces a stored execution record, keyed by ID.
	// Returns storage.ErrNotFound if no record with that ID exists.
	UpdateExecution(ctx context.Context, exec *api.Execution) error

	// GetExecution retrieves an execution record by ID.
	GetExecution(ctx context.Context, id string) (*api.Execution, error)

	// ListExecutions returns a paginated list of execution records,
	// optionally filtered by tool ID via ListOptions.Tool.
	ListExecutions(ctx context.Context, opts ListOptions) (*ExecutionList, error)

	// HealthCheck verifies the store connection is functional.
	HealthCheck(ctx context.Context) error

	// Close releases database connections and resources.
	Close() error
}

// ExecutionWriter abstracts streaming and non-streaming output for the
// runner. The transport layer creates an ExecutionWriter for each request
// and provides it to the runner. The runner uses WriteEvent for streaming
// executions or WriteExecution for non-streaming executions.
//
// WriteEvent and WriteExecution are mutually exclusive on a single writer
// instance. Calling WriteEvent after WriteExecution (or vice versa) returns
// an error. Calling WriteEvent after a terminal event (execution.completed,
// execution.failed, or execution.canceled) also returns an error.
type ExecutionWriter interface {
	// WriteEvent sends a single streaming event. Returns an error if called
	// after a terminal event has been sent or after WriteExecution was called.
	WriteEvent(ctx context.Context, event api.ExecutionEvent) error

	// WriteExecution sends a complete non-streaming execution record.
	// Returns an error if called after WriteEvent was called on this writer.
	WriteExecution(ctx context.Context, exec *api.Execution) error

	// Flush ensures buffered data is sent to the client. Returns an error
	// if the client has disconnected.
	Flush() error
}
