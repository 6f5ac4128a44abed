package runner

import "github.com/rhuss/werkstatt/pkg/api"

// streamState tracks the event sequence of one streamed execution.
type streamState struct {
	seq int // Next sequence number (monotonically increasing from 0).
}

// nextSeq returns the current sequence number and increments it.
func (s *streamState) nextSeq() int {
	n := s.seq
	s.seq++
	return n
}

// lifecycleEvent builds one non-terminal event for the execution.
func lifecycleEvent(t api.ExecutionEventType, seq int, exec *api.Execution, reused *bool) api.ExecutionEvent {
	return api.ExecutionEvent{
		Type:           t,
		SequenceNumber: seq,
		ExecutionID:    exec.ID,
		ToolID:         exec.ToolID,
		Provider:       exec.Provider,
		Reused:         reused,
	}
}

// terminalEventType maps a terminal status to its event type.
func terminalEventType(status api.ExecutionStatus) api.ExecutionEventType {
	switch status {
	case api.StatusSucceeded:
		return api.EventExecutionCompleted
	case api.StatusCanceled:
		return api.EventExecutionCanceled
	default:
		return api.EventExecutionFailed
	}
}
