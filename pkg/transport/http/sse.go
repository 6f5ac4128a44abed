package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rhuss/werkstatt/pkg/api"
	"github.com/rhuss/werkstatt/pkg/transport"
)

// writerState tracks the state of an SSE ExecutionWriter.
type writerState int

const (
	writerIdle      writerState = iota // Initial state, no writes yet
	writerStreaming                    // WriteEvent has been called at least once
	writerCompleted                    // Terminal event sent or WriteExecution called
)

// sseExecutionWriter implements transport.ExecutionWriter for HTTP/SSE
// responses. It handles both streaming (SSE) and non-streaming (JSON) output.
type sseExecutionWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu    sync.Mutex
	state writerState

	// onExecutionQueued is called when the execution.queued event is
	// written, providing the execution ID for in-flight registry
	// registration.
	onExecutionQueued func(id string)
}

var _ transport.ExecutionWriter = (*sseExecutionWriter)(nil)

// newSSEExecutionWriter creates a new ExecutionWriter wrapping an
// http.ResponseWriter. The onQueued callback is called with the execution ID
// when the execution.queued event is written (may be nil if not needed).
func newSSEExecutionWriter(w http.ResponseWriter, onQueued func(id string)) *sseExecutionWriter {
	return &sseExecutionWriter{
		w:                 w,
		rc:                http.NewResponseController(w),
		onExecutionQueued: onQueued,
	}
}

// WriteEvent sends a single SSE event. The event is formatted as:
//
//	event: {type}\n
//	data: {json}\n
//	\n
//
// After a terminal event, it also sends:
//
//	data: [DONE]\n
//	\n
func (s *sseExecutionWriter) WriteEvent(ctx context.Context, event api.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerCompleted {
		return errors.New("cannot write event: writer is completed")
	}

	// First event: set SSE headers.
	if s.state == writerIdle {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.state = writerStreaming
	}

	// Intercept execution.queued to extract the execution ID.
	if event.Type == api.EventExecutionQueued && event.ExecutionID != "" && s.onExecutionQueued != nil {
		s.onExecutionQueued(event.ExecutionID)
		s.onExecutionQueued = nil // Only call once.
	}

	// Serialize the event as JSON.
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Write SSE format.
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	// Flush immediately.
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	// If this was a terminal event, send [DONE] and mark completed.
	if api.IsTerminalEvent(event.Type) {
		if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
			return fmt.Errorf("failed to write [DONE]: %w", err)
		}
		if err := s.rc.Flush(); err != nil {
			return fmt.Errorf("failed to flush [DONE]: %w", err)
		}
		s.state = writerCompleted
	}

	return nil
}

// WriteExecution sends a complete non-streaming JSON execution record.
// This is mutually exclusive with WriteEvent.
func (s *sseExecutionWriter) WriteExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerStreaming {
		return errors.New("cannot write execution: streaming has already started")
	}
	if s.state == writerCompleted {
		return errors.New("cannot write execution: writer is completed")
	}

	s.w.Header().Set("Content-Type", "application/json")
	s.state = writerCompleted

	if err := json.NewEncoder(s.w).Encode(exec); err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}

	return nil
}

// Flush ensures buffered data is sent to the client.
func (s *sseExecutionWriter) Flush() error {
	return s.rc.Flush()
}

// hasStartedStreaming returns true if at least one SSE event has been written.
func (s *sseExecutionWriter) hasStartedStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != writerIdle
}
