package sandbox

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures. The kind decides what the caller
// may safely do next: everything except KindConfiguration is retryable,
// because the engine has already discarded whatever sandbox was involved.
type ErrorKind string

const (
	// KindConfiguration is a missing or unrecognized sandbox config.
	// Raised before any resource is touched.
	KindConfiguration ErrorKind = "configuration"

	// KindProvisioning is a failed environment creation or dependency
	// install. The partial sandbox is discarded; nothing was cached.
	KindProvisioning ErrorKind = "provisioning"

	// KindExecution is a non-zero exit, signal termination, or malformed
	// result. The pool entry for the fingerprint has been evicted.
	KindExecution ErrorKind = "execution"

	// KindTimeout is an execution that exceeded its configured time
	// budget and was forcibly terminated. Evicts like KindExecution.
	KindTimeout ErrorKind = "timeout"

	// KindQueueTimeout is a caller that waited too long for a
	// concurrency permit. No sandbox work was started.
	KindQueueTimeout ErrorKind = "queue_timeout"

	// KindOutputLimit is an execution aborted for exceeding the combined
	// stdout/stderr cap. Evicts like KindExecution.
	KindOutputLimit ErrorKind = "output_limit"
)

// Error is the engine's failure type. Kind carries the taxonomy class,
// Err the underlying cause (if any).
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("sandbox %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewConfigurationError reports an invalid sandbox configuration.
func NewConfigurationError(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// NewProvisioningError reports a failed environment creation or install.
func NewProvisioningError(message string, err error) *Error {
	return &Error{Kind: KindProvisioning, Message: message, Err: err}
}

// NewExecutionError reports a failed run inside the sandbox.
func NewExecutionError(message string, err error) *Error {
	return &Error{Kind: KindExecution, Message: message, Err: err}
}

// NewTimeoutError reports an execution killed for exceeding its budget.
func NewTimeoutError(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message}
}

// NewQueueTimeoutError reports a permit wait that hit its deadline.
func NewQueueTimeoutError(message string) *Error {
	return &Error{Kind: KindQueueTimeout, Message: message}
}

// NewOutputLimitError reports an execution aborted for output volume.
func NewOutputLimitError(message string) *Error {
	return &Error{Kind: KindOutputLimit, Message: message}
}

// KindOf extracts the ErrorKind from err. Errors outside the engine
// taxonomy report KindExecution, matching how unexpected failures during
// a run are treated for eviction purposes.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindExecution
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
