package api

// ExecutionEventType identifies the type of a streamed execution event.
type ExecutionEventType string

// Lifecycle events are emitted in order as an execution progresses.
// Terminal events (completed, failed, canceled) carry the full record.
const (
	EventExecutionQueued       ExecutionEventType = "execution.queued"
	EventExecutionProvisioning ExecutionEventType = "execution.provisioning"
	EventExecutionSandboxReady ExecutionEventType = "execution.sandbox_ready"
	EventExecutionRunning      ExecutionEventType = "execution.running"
	EventExecutionCompleted    ExecutionEventType = "execution.completed"
	EventExecutionFailed       ExecutionEventType = "execution.failed"
	EventExecutionCanceled     ExecutionEventType = "execution.canceled"
)

// ExecutionEvent represents a single server-sent event in a streamed
// execution.
type ExecutionEvent struct {
	Type           ExecutionEventType `json:"type"`
	SequenceNumber int                `json:"sequence_number"`
	ExecutionID    string             `json:"execution_id,omitempty"`
	ToolID         string             `json:"tool_id,omitempty"`
	Provider       SandboxProvider    `json:"provider,omitempty"`

	// Reused reports on sandbox_ready whether a pooled sandbox was reused
	// (true) or a fresh one was provisioned (false).
	Reused *bool `json:"reused,omitempty"`

	// Execution carries the full record on terminal events.
	Execution *Execution `json:"execution,omitempty"`

	// Error carries the failure description on execution.failed.
	Error *APIError `json:"error,omitempty"`
}

// IsTerminalEvent reports whether the event type ends a streamed execution.
func IsTerminalEvent(t ExecutionEventType) bool {
	switch t {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionCanceled:
		return true
	}
	return false
}
