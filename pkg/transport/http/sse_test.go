package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rhuss/werkstatt/pkg/api"
)

func TestWriteExecutionJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newSSEExecutionWriter(rec, nil)

	exec := &api.Execution{
		ID:     testExecID,
		Object: "execution",
		ToolID: testToolID,
		Status: api.StatusSucceeded,
	}

	if err := rw.WriteExecution(context.Background(), exec); err != nil {
		t.Fatalf("WriteExecution error: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var got api.Execution
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got.ID != testExecID {
		t.Errorf("ID = %q, want %q", got.ID, testExecID)
	}
	if got.Status != api.StatusSucceeded {
		t.Errorf("Status = %q, want %q", got.Status, api.StatusSucceeded)
	}
}

func TestWriteEventSSEFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newSSEExecutionWriter(rec, nil)

	event := api.ExecutionEvent{
		Type:           api.EventExecutionRunning,
		SequenceNumber: 3,
		ExecutionID:    testExecID,
		ToolID:         testToolID,
	}

	if err := rw.WriteEvent(context.Background(), event); err != nil {
		t.Fatalf("WriteEvent error: %v", err)
	}

	body := rec.Body.String()

	// Check SSE format: event: {type}\ndata: {json}\n\n
	if !strings.Contains(body, "event: execution.running\n") {
		t.Errorf("missing event type line in:\n%s", body)
	}
	if !strings.Contains(body, "data: ") {
		t.Errorf("missing data line in:\n%s", body)
	}

	// Extract and parse the JSON data.
	lines := strings.Split(body, "\n")
	for _, line := range lines {
		if strings.HasPrefix(line, "data: ") {
			jsonStr := strings.TrimPrefix(line, "data: ")
			var got api.ExecutionEvent
			if err := json.Unmarshal([]byte(jsonStr), &got); err != nil {
				t.Fatalf("failed to parse event JSON: %v", err)
			}
			if got.Type != api.EventExecutionRunning {
				t.Errorf("event type = %q, want %q", got.Type, api.EventExecutionRunning)
			}
			if got.ExecutionID != testExecID {
				t.Errorf("execution ID = %q, want %q", got.ExecutionID, testExecID)
			}
		}
	}
}

func TestWriteEventSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newSSEExecutionWriter(rec, nil)

	event := api.ExecutionEvent{Type: api.EventExecutionQueued, SequenceNumber: 0}
	rw.WriteEvent(context.Background(), event)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", cc, "no-cache")
	}
	if conn := rec.Header().Get("Connection"); conn != "keep-alive" {
		t.Errorf("Connection = %q, want %q", conn, "keep-alive")
	}
}

func TestWriteEventTerminalSendsDone(t *testing.T) {
	tests := []struct {
		name      string
		eventType api.ExecutionEventType
	}{
		{"completed", api.EventExecutionCompleted},
		{"failed", api.EventExecutionFailed},
		{"canceled", api.EventExecutionCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rw := newSSEExecutionWriter(rec, nil)

			event := api.ExecutionEvent{
				Type:      tt.eventType,
				Execution: &api.Execution{ID: testExecID},
			}
			if err := rw.WriteEvent(context.Background(), event); err != nil {
				t.Fatalf("WriteEvent error: %v", err)
			}

			body := rec.Body.String()
			if !strings.Contains(body, "data: [DONE]\n") {
				t.Errorf("missing [DONE] sentinel in:\n%s", body)
			}
		})
	}
}

func TestWriteEventAfterTerminalReturnsError(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newSSEExecutionWriter(rec, nil)

	// Send terminal event.
	rw.WriteEvent(context.Background(), api.ExecutionEvent{
		Type:      api.EventExecutionCompleted,
		Execution: &api.Execution{ID: testExecID},
	})

	// Attempt another write.
	err := rw.WriteEvent(context.Background(), api.ExecutionEvent{
		Type: api.EventExecutionRunning,
	})
	if err == nil {
		t.Error("expected error after terminal event, got nil")
	}
}

func TestWriteExecutionAfterWriteEventReturnsError(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newSSEExecutionWriter(rec, nil)

	// Start streaming.
	rw.WriteEvent(context.Background(), api.ExecutionEvent{
		Type: api.EventExecutionQueued,
	})

	// Attempt non-streaming record.
	err := rw.WriteExecution(context.Background(), &api.Execution{})
	if err == nil {
		t.Error("expected error for WriteExecution after WriteEvent, got nil")
	}
}

func TestWriteEventAfterWriteExecutionReturnsError(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newSSEExecutionWriter(rec, nil)

	// Send non-streaming record.
	rw.WriteExecution(context.Background(), &api.Execution{})

	// Attempt streaming event.
	err := rw.WriteEvent(context.Background(), api.ExecutionEvent{
		Type: api.EventExecutionRunning,
	})
	if err == nil {
		t.Error("expected error for WriteEvent after WriteExecution, got nil")
	}
}

func TestOnExecutionQueuedCallback(t *testing.T) {
	rec := httptest.NewRecorder()
	var capturedID string

	rw := newSSEExecutionWriter(rec, func(id string) {
		capturedID = id
	})

	event := api.ExecutionEvent{
		Type:        api.EventExecutionQueued,
		ExecutionID: testExecID,
	}
	rw.WriteEvent(context.Background(), event)

	if capturedID != testExecID {
		t.Errorf("captured ID = %q, want %q", capturedID, testExecID)
	}

	// A second execution.queued should not trigger the callback again.
	capturedID = ""
	rw.WriteEvent(context.Background(), api.ExecutionEvent{
		Type:        api.EventExecutionQueued,
		ExecutionID: "exec_second2345678901234567ab",
	})
	if capturedID != "" {
		t.Error("callback should only be called once")
	}
}
