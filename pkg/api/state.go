package api

import "fmt"

// ExecutionStatus tracks the lifecycle of an execution.
type ExecutionStatus string

const (
	// StatusQueued means the execution is waiting for a concurrency permit.
	StatusQueued ExecutionStatus = "queued"

	// StatusProvisioning means a sandbox is being created or fetched from
	// the pool, including dependency installation.
	StatusProvisioning ExecutionStatus = "provisioning"

	// StatusRunning means the tool code is executing inside the sandbox.
	StatusRunning ExecutionStatus = "running"

	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
	StatusCanceled  ExecutionStatus = "canceled"
)

// IsTerminal reports whether the status allows no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// ValidateExecutionTransition checks whether an execution status transition
// is valid. An empty "from" status represents the initial state before any
// status has been set. Terminal states (succeeded, failed, canceled) do not
// allow outgoing transitions.
func ValidateExecutionTransition(from, to ExecutionStatus) *APIError {
	valid := map[ExecutionStatus][]ExecutionStatus{
		"":                 {StatusQueued},
		StatusQueued:       {StatusProvisioning, StatusFailed, StatusCanceled},
		StatusProvisioning: {StatusRunning, StatusFailed, StatusCanceled},
		StatusRunning:      {StatusSucceeded, StatusFailed, StatusCanceled},
	}

	allowed, exists := valid[from]
	if !exists {
		return NewInvalidRequestError("status",
			fmt.Sprintf("invalid transition from %s to %s", from, to))
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return NewInvalidRequestError("status",
		fmt.Sprintf("invalid transition from %s to %s", from, to))
}
