package sandbox

import (
	"context"
	"encoding/json"

	"github.com/rhuss/werkstatt/pkg/api"
)

// Request is one tool-execution request as the providers see it.
type Request struct {
	// ToolID identifies the tool for log lines and result parsing.
	ToolID string

	// ToolName is the human-readable tool name, for logs only.
	ToolName string

	// Config is the validated tool definition, including the sandbox
	// variant that routed this request.
	Config *api.FunctionToolConfig

	// Arguments is the JSON arguments object for this call.
	Arguments json.RawMessage

	// Notify, when non-nil, receives lifecycle events as the execution
	// progresses. Calls are made inline; implementations must be fast.
	Notify Notifier
}

// Event is one execution lifecycle notification.
type Event struct {
	Type api.ExecutionEventType

	// Reused is set with the sandbox_ready event: true when a pooled
	// sandbox serves the call, false when one was just built.
	Reused *bool
}

// Notifier receives execution lifecycle events.
type Notifier func(Event)

// notify is a nil-safe send helper for providers.
func (r *Request) notify(eventType api.ExecutionEventType, reused *bool) {
	if r.Notify != nil {
		r.Notify(Event{Type: eventType, Reused: reused})
	}
}

// NotifyProvisioning reports that a sandbox is being located or built.
func (r *Request) NotifyProvisioning() {
	r.notify(api.EventExecutionProvisioning, nil)
}

// NotifySandboxReady reports that a sandbox is available for the call.
func (r *Request) NotifySandboxReady(reused bool) {
	r.notify(api.EventExecutionSandboxReady, &reused)
}

// NotifyRunning reports that the tool process has started.
func (r *Request) NotifyRunning() {
	r.notify(api.EventExecutionRunning, nil)
}

// Executor runs function tools inside one isolation flavor. Execute
// returns a completed envelope for every run that reached the sandbox,
// including failed ones: a non-zero exit, timeout, output-cap abort, or
// malformed result comes back as Success=false with ErrorKind set, and
// the sandbox involved has already been evicted. A non-nil error means
// no execution took place (configuration, provisioning, queue timeout).
type Executor interface {
	Execute(ctx context.Context, req *Request) (*api.ExecutionResult, error)

	// Close releases everything the executor owns. Safe to call once.
	Close(ctx context.Context) error
}

// FailureResult builds the failed-execution envelope for kind.
func FailureResult(kind ErrorKind, message string, logs []string, elapsedMs int64) *api.ExecutionResult {
	return &api.ExecutionResult{
		Success:         false,
		Error:           message,
		ErrorKind:       string(kind),
		Logs:            logs,
		ExecutionTimeMs: elapsedMs,
	}
}
