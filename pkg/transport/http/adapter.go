package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rhuss/werkstatt/pkg/api"
	"github.com/rhuss/werkstatt/pkg/auth"
	"github.com/rhuss/werkstatt/pkg/storage"
	"github.com/rhuss/werkstatt/pkg/transport"
)

// redactedToken replaces the remote sandbox credential in API responses.
// The stored tool keeps the full token so executions keep working; only
// the serialized view is masked.
const redactedToken = "********"

// Adapter serves the function tool API over HTTP.
// It routes requests to the appropriate handler and serializes responses.
type Adapter struct {
	runner   transport.ExecutionRunner
	store    transport.ToolStore // nil if stateless-only
	inflight *transport.InFlightRegistry
	mux      *http.ServeMux
	config   Config
	vcfg     api.ValidationConfig
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	Addr            string
	MaxBodySize     int64
	ShutdownTimeout int // seconds
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MaxBodySize:     10 << 20, // 10 MB
		ShutdownTimeout: 30,
	}
}

// NewAdapter creates an HTTP adapter with the given ExecutionRunner and options.
// The ToolStore is optional; when nil, tool and execution read endpoints return
// an error indicating the operation is not available.
// Middleware is applied to the ExecutionRunner in the given order.
func NewAdapter(runner transport.ExecutionRunner, store transport.ToolStore, cfg Config, middlewares ...transport.Middleware) *Adapter {
	// Apply middleware chain to the runner.
	if len(middlewares) > 0 {
		runner = transport.Chain(middlewares...)(runner)
	}

	a := &Adapter{
		runner:   runner,
		store:    store,
		inflight: transport.NewInFlightRegistry(),
		mux:      http.NewServeMux(),
		config:   cfg,
		vcfg:     api.DefaultValidationConfig(),
	}

	a.mux.HandleFunc("POST /v1/tools", a.handleRegisterTool)
	a.mux.HandleFunc("GET /v1/tools", a.handleListTools)
	a.mux.HandleFunc("GET /v1/tools/{id}", a.handleGetTool)
	a.mux.HandleFunc("DELETE /v1/tools/{id}", a.handleDeleteTool)
	a.mux.HandleFunc("POST /v1/tools/{id}/executions", a.handleExecuteTool)
	a.mux.HandleFunc("GET /v1/executions", a.handleListExecutions)
	a.mux.HandleFunc("GET /v1/executions/{id}", a.handleGetExecution)
	a.mux.HandleFunc("POST /v1/executions/{id}/cancel", a.handleCancelExecution)

	return a
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest. The returned handler includes
// HTTP-level middleware for request ID propagation.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(a.mux)
}

// httpRequestIDMiddleware is HTTP-level middleware that propagates the
// X-Request-ID header. If present in the request, it is forwarded to
// the response. After the handler runs, it checks the context for a
// request ID (set by the transport-level RequestID middleware) and adds
// it to the response headers if not already set.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If client sent X-Request-ID, propagate it into context.
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx := transport.ContextWithRequestID(r.Context(), id)
			r = r.WithContext(ctx)
		}
		// Use a response writer wrapper to capture and set the request ID
		// header before the first write.
		rw := &requestIDResponseWriter{ResponseWriter: w, r: r}
		next.ServeHTTP(rw, r)
	})
}

// requestIDResponseWriter wraps http.ResponseWriter to inject the
// X-Request-ID header before the first write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

func (w *requestIDResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.NewResponseController.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set("X-Request-ID", id)
	}
}

// handleRegisterTool handles POST /v1/tools.
func (a *Adapter) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "tool registration is not available (no store configured)"),
			http.StatusNotImplemented,
		)
		return
	}

	cfg, ok := a.decodeBody(w, r)
	if !ok {
		return
	}

	// The caller's identity fills the remote sandbox tenancy when the
	// tool itself does not name one.
	if cfg.Sandbox != nil && cfg.Sandbox.Provider == api.SandboxProviderRemote {
		if id := auth.IdentityFromContext(r.Context()); id != nil {
			if cfg.Sandbox.TeamID == "" {
				cfg.Sandbox.TeamID = id.TeamID()
			}
			if cfg.Sandbox.ProjectID == "" {
				cfg.Sandbox.ProjectID = id.ProjectID()
			}
		}
	}

	if apiErr := api.ValidateFunctionTool(cfg, a.vcfg); apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}

	tool := &api.FunctionTool{
		ID:                 api.NewToolID(),
		Object:             "function_tool",
		CreatedAt:          time.Now().Unix(),
		FunctionToolConfig: *cfg,
	}

	if err := a.store.SaveTool(r.Context(), tool); err != nil {
		a.writeStoreError(w, err, "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(redactTool(tool))
}

// decodeBody validates Content-Type, bounds the body size, and decodes a
// FunctionToolConfig. On failure it writes the error response and returns
// ok=false.
func (a *Adapter) decodeBody(w http.ResponseWriter, r *http.Request) (*api.FunctionToolConfig, bool) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var cfg api.FunctionToolConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return nil, false
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return nil, false
	}
	return &cfg, true
}

// handleGetTool handles GET /v1/tools/{id}.
func (a *Adapter) handleGetTool(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "tool retrieval is not available (no store configured)"),
			http.StatusNotImplemented,
		)
		return
	}

	id := r.PathValue("id")
	if !api.ValidateToolID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed tool ID"),
			http.StatusBadRequest,
		)
		return
	}

	tool, err := a.store.GetTool(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err, "tool "+id+" not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(redactTool(tool))
}

// handleDeleteTool handles DELETE /v1/tools/{id}. Deletion is soft:
// execution records referencing the tool stay readable.
func (a *Adapter) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "tool deletion is not available (no store configured)"),
			http.StatusNotImplemented,
		)
		return
	}

	id := r.PathValue("id")
	if !api.ValidateToolID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed tool ID"),
			http.StatusBadRequest,
		)
		return
	}

	if err := a.store.DeleteTool(r.Context(), id); err != nil {
		a.writeStoreError(w, err, "tool "+id+" not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListTools handles GET /v1/tools.
func (a *Adapter) handleListTools(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "tool listing is not available (no store configured)"),
			http.StatusNotImplemented,
		)
		return
	}

	opts, err := parseListOptions(r)
	if err != nil {
		transport.WriteErrorResponse(w, err, http.StatusBadRequest)
		return
	}

	result, storeErr := a.store.ListTools(r.Context(), opts)
	if storeErr != nil {
		a.writeStoreError(w, storeErr, "")
		return
	}

	for i, tool := range result.Data {
		result.Data[i] = redactTool(tool)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleExecuteTool handles POST /v1/tools/{id}/executions.
func (a *Adapter) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "tool execution is not available (no store configured)"),
			http.StatusNotImplemented,
		)
		return
	}

	id := r.PathValue("id")
	if !api.ValidateToolID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed tool ID"),
			http.StatusBadRequest,
		)
		return
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	// An empty body means no arguments, non-streaming.
	var req api.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	if apiErr := api.ValidateExecuteRequest(&req, a.vcfg); apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}

	tool, err := a.store.GetTool(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err, "tool "+id+" not found")
		return
	}

	run := &transport.RunRequest{
		Tool:      tool,
		Arguments: req.Arguments,
		Stream:    req.Stream,
	}

	if req.Stream {
		a.handleStreamingExecution(w, r, run)
		return
	}

	// Non-streaming: create ExecutionWriter and dispatch.
	rw := newSSEExecutionWriter(w, nil)
	if err := a.runner.RunExecution(r.Context(), run, rw); err != nil {
		a.writeHandlerError(w, rw, err)
		return
	}
}

// handleStreamingExecution handles streaming execute requests (stream: true).
// The execution is registered in the in-flight registry once its ID is known
// so a cancel request can abort it.
func (a *Adapter) handleStreamingExecution(w http.ResponseWriter, r *http.Request, run *transport.RunRequest) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var registeredID string
	rw := newSSEExecutionWriter(w, func(id string) {
		registeredID = id
		a.inflight.Register(id, cancel)
	})

	err := a.runner.RunExecution(ctx, run, rw)

	// Clean up in-flight registry after completion.
	if registeredID != "" {
		a.inflight.Remove(registeredID)
	}

	if err != nil {
		a.writeHandlerError(w, rw, err)
	}
}

// handleGetExecution handles GET /v1/executions/{id}.
func (a *Adapter) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "execution retrieval is not available (no store configured)"),
			http.StatusNotImplemented,
		)
		return
	}

	id := r.PathValue("id")
	if !api.ValidateExecutionID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed execution ID"),
			http.StatusBadRequest,
		)
		return
	}

	exec, err := a.store.GetExecution(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err, "execution "+id+" not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(exec)
}

// handleListExecutions handles GET /v1/executions.
func (a *Adapter) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "execution listing is not available (no store configured)"),
			http.StatusNotImplemented,
		)
		return
	}

	opts, err := parseListOptions(r)
	if err != nil {
		transport.WriteErrorResponse(w, err, http.StatusBadRequest)
		return
	}

	result, storeErr := a.store.ListExecutions(r.Context(), opts)
	if storeErr != nil {
		a.writeStoreError(w, storeErr, "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleCancelExecution handles POST /v1/executions/{id}/cancel.
// It first checks the in-flight registry (for aborting active streams),
// then falls back to the store to distinguish unknown executions from
// ones that already reached a terminal status.
func (a *Adapter) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateExecutionID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed execution ID"),
			http.StatusBadRequest,
		)
		return
	}

	// Check in-flight registry first.
	if a.inflight.Cancel(id) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Not in flight. Without a store there is nothing left to consult.
	if a.store == nil {
		transport.WriteAPIError(w, api.NewNotFoundError("execution "+id+" not found"))
		return
	}

	if _, err := a.store.GetExecution(r.Context(), id); err != nil {
		a.writeStoreError(w, err, "execution "+id+" not found")
		return
	}

	// The record exists but the execution is no longer cancelable.
	transport.WriteAPIError(w,
		api.NewInvalidRequestError("id", "execution "+id+" cannot be canceled"))
}

// parseListOptions extracts pagination parameters from query string.
func parseListOptions(r *http.Request) (transport.ListOptions, *api.APIError) {
	q := r.URL.Query()
	opts := transport.ListOptions{
		After:  q.Get("after"),
		Before: q.Get("before"),
		Tool:   q.Get("tool"),
		Order:  q.Get("order"),
	}

	if opts.After != "" && opts.Before != "" {
		return opts, api.NewInvalidRequestError("after", "cannot use both 'after' and 'before' cursors")
	}

	if opts.Order != "" && opts.Order != "asc" && opts.Order != "desc" {
		return opts, api.NewInvalidRequestError("order", "order must be 'asc' or 'desc'")
	}
	if opts.Order == "" {
		opts.Order = "desc"
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return opts, api.NewInvalidRequestError("limit", "limit must be a positive integer")
		}
		opts.Limit = limit
	}

	return opts, nil
}

// writeStoreError maps a store error to an HTTP response. notFoundMsg is
// used when the error is storage.ErrNotFound; an empty notFoundMsg means
// not-found is unexpected for this operation and falls through to the
// generic mapping.
func (a *Adapter) writeStoreError(w http.ResponseWriter, err error, notFoundMsg string) {
	if notFoundMsg != "" && errors.Is(err, storage.ErrNotFound) {
		transport.WriteAPIError(w, api.NewNotFoundError(notFoundMsg))
		return
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		transport.WriteAPIError(w, apiErr)
		return
	}
	transport.WriteAPIError(w, api.NewServerError(err.Error()))
}

// writeHandlerError writes an error response from the runner. If streaming
// has already started, it sends an execution.failed event. Otherwise it
// writes a standard JSON error response.
func (a *Adapter) writeHandlerError(w http.ResponseWriter, rw *sseExecutionWriter, err error) {
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		apiErr = api.NewServerError(err.Error())
	}

	if rw.hasStartedStreaming() {
		// Streaming has begun; send an execution.failed event.
		failEvent := api.ExecutionEvent{
			Type:  api.EventExecutionFailed,
			Error: apiErr,
		}
		rw.WriteEvent(context.Background(), failEvent)
		return
	}

	// No streaming started; return JSON error.
	transport.WriteAPIError(w, apiErr)
}

// redactTool returns a copy of the tool with the remote sandbox token
// masked. Tools without a sandbox token are returned unchanged.
func redactTool(tool *api.FunctionTool) *api.FunctionTool {
	if tool == nil || tool.Sandbox == nil || tool.Sandbox.Token == "" {
		return tool
	}
	clone := *tool
	sandboxClone := *tool.Sandbox
	sandboxClone.Token = redactedToken
	clone.Sandbox = &sandboxClone
	return &clone
}
