package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rhuss/werkstatt/pkg/api"
	"github.com/rhuss/werkstatt/pkg/sandbox"
	"github.com/rhuss/werkstatt/pkg/transport"
)

// Engine executes one sandboxed tool call. *factory.Factory is the
// production implementation.
type Engine interface {
	Execute(ctx context.Context, req *sandbox.Request) (*api.ExecutionResult, error)
}

// Runner drives executions between the transport layer and the sandbox
// engine. It implements transport.ExecutionRunner.
type Runner struct {
	engine Engine
	store  transport.ToolStore
}

// Ensure Runner implements transport.ExecutionRunner at compile time.
var _ transport.ExecutionRunner = (*Runner)(nil)

// New creates a new Runner. The engine must not be nil. The store can be
// nil for stateless operation; execution records then exist only in the
// response itself.
func New(engine Engine, store transport.ToolStore) (*Runner, error) {
	if engine == nil {
		return nil, fmt.Errorf("runner: engine must not be nil")
	}
	return &Runner{engine: engine, store: store}, nil
}

// RunExecution handles one execution request. For streaming requests it
// emits lifecycle events as the sandbox engine reports progress; for
// non-streaming requests it writes the completed record once. Failures
// that happened inside the sandbox come back as a failed record, not as
// an error: only requests the engine rejected before running anything
// (bad config, queue saturation, provisioning trouble) surface as errors
// for the transport to map onto an HTTP status.
func (r *Runner) RunExecution(ctx context.Context, req *transport.RunRequest, w transport.ExecutionWriter) error {
	tool := req.Tool
	if tool == nil || tool.Sandbox == nil {
		return api.NewInvalidRequestError("sandbox", "tool has no sandbox configuration")
	}

	exec := &api.Execution{
		ID:        api.NewExecutionID(),
		Object:    "execution",
		ToolID:    tool.ID,
		ToolName:  tool.Name,
		Provider:  tool.Sandbox.Provider,
		Status:    api.StatusQueued,
		Arguments: req.Arguments,
		CreatedAt: time.Now().Unix(),
	}
	r.saveExecution(ctx, exec)

	st := &streamState{}
	if req.Stream {
		if err := w.WriteEvent(ctx, lifecycleEvent(api.EventExecutionQueued, st.nextSeq(), exec, nil)); err != nil {
			exec.CompletedAt = time.Now().Unix()
			r.advance(ctx, exec, api.StatusCanceled)
			return err
		}
	}

	fingerprint := sandbox.Fingerprint(tool.Dependencies)

	// The engine calls notify inline from the executing goroutine, so no
	// locking is needed here. A failed event write is remembered and the
	// stream goes quiet; the execution itself keeps running so the record
	// still reaches a terminal state.
	var writeErr error
	notify := func(ev sandbox.Event) {
		switch ev.Type {
		case api.EventExecutionProvisioning:
			r.advance(ctx, exec, api.StatusProvisioning)
		case api.EventExecutionSandboxReady:
			exec.Fingerprint = fingerprint
		case api.EventExecutionRunning:
			r.advance(ctx, exec, api.StatusRunning)
		}
		if req.Stream && writeErr == nil {
			writeErr = w.WriteEvent(ctx, lifecycleEvent(ev.Type, st.nextSeq(), exec, ev.Reused))
		}
	}

	result, err := r.engine.Execute(ctx, &sandbox.Request{
		ToolID:    tool.ID,
		ToolName:  tool.Name,
		Config:    &tool.FunctionToolConfig,
		Arguments: req.Arguments,
		Notify:    notify,
	})

	if err != nil {
		if ctx.Err() != nil {
			return r.finish(ctx, req.Stream, exec, api.StatusCanceled, nil, st, w, writeErr)
		}
		exec.Result = sandbox.FailureResult(sandbox.KindOf(err), err.Error(), nil, 0)
		return r.finish(ctx, req.Stream, exec, api.StatusFailed, apiErrorFor(err), st, w, writeErr)
	}

	exec.Result = result
	status := api.StatusSucceeded
	if !result.Success {
		status = api.StatusFailed
	}
	return r.finish(ctx, req.Stream, exec, status, nil, st, w, writeErr)
}

// finish stamps the terminal state, persists the record, and writes the
// final output: the completed record for non-streaming requests, the
// terminal event for streaming ones. A non-nil failure is returned to
// the transport instead of a record when not streaming.
func (r *Runner) finish(ctx context.Context, stream bool, exec *api.Execution, status api.ExecutionStatus, failure *api.APIError, st *streamState, w transport.ExecutionWriter, writeErr error) error {
	exec.CompletedAt = time.Now().Unix()
	r.advance(ctx, exec, status)

	if !stream {
		if failure != nil {
			return failure
		}
		return w.WriteExecution(ctx, exec)
	}

	if writeErr != nil {
		return writeErr
	}

	event := api.ExecutionEvent{
		Type:           terminalEventType(status),
		SequenceNumber: st.nextSeq(),
		ExecutionID:    exec.ID,
		ToolID:         exec.ToolID,
		Provider:       exec.Provider,
		Execution:      exec,
	}
	if event.Type == api.EventExecutionFailed {
		event.Error = failure
		if event.Error == nil && exec.Result != nil {
			event.Error = api.NewSandboxError(exec.Result.ErrorKind, exec.Result.Error)
		}
	}
	return w.WriteEvent(ctx, event)
}

// advance moves the record to the next status and persists the change.
// Notifications arriving after a terminal state are dropped.
func (r *Runner) advance(ctx context.Context, exec *api.Execution, to api.ExecutionStatus) {
	if apiErr := api.ValidateExecutionTransition(exec.Status, to); apiErr != nil {
		slog.Debug("dropping execution status change",
			"execution", exec.ID, "from", exec.Status, "to", to)
		return
	}
	exec.Status = to
	r.persistUpdate(ctx, exec)
}

// saveExecution stores the initial record. Persistence failures degrade
// to stateless operation rather than failing the execution.
func (r *Runner) saveExecution(ctx context.Context, exec *api.Execution) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveExecution(ctx, exec); err != nil {
		slog.Warn("failed to store execution record", "execution", exec.ID, "error", err)
	}
}

// persistUpdate writes the current record state. The write is detached
// from the request context so a client disconnect still leaves a
// terminal record behind.
func (r *Runner) persistUpdate(ctx context.Context, exec *api.Execution) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateExecution(context.WithoutCancel(ctx), exec); err != nil {
		slog.Warn("failed to update execution record", "execution", exec.ID, "error", err)
	}
}

// apiErrorFor translates an engine rejection into the API error taxonomy:
// configuration problems are the caller's fault, queue saturation asks the
// caller to retry later, and everything else names the sandbox backend.
func apiErrorFor(err error) *api.APIError {
	kind := sandbox.KindOf(err)
	switch kind {
	case sandbox.KindConfiguration:
		return api.NewInvalidRequestError("sandbox", err.Error())
	case sandbox.KindQueueTimeout:
		return api.NewTooManyRequestsError(err.Error())
	default:
		return api.NewSandboxError(string(kind), err.Error())
	}
}
