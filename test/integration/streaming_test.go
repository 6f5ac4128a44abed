package integration

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/rhuss/werkstatt/pkg/api"
)

func TestStreamingExecution(t *testing.T) {
	requireNode(t)

	tool := registerTool(t, nativeTool("stream-answer", `export default () => ({ answer: 42 });`))

	reqBody := map[string]any{"stream": true}
	resp := postJSON(t, testEnv.BaseURL()+"/v1/tools/"+tool.ID+"/executions", reqBody)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBody(t, resp)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", contentType)
	}

	events := parseExecutionEvents(t, resp)

	if len(events) == 0 {
		t.Fatal("no SSE events received")
	}

	verifyLifecycle(t, events, api.EventExecutionCompleted)
}

func TestStreamingEventSequence(t *testing.T) {
	requireNode(t)

	tool := registerTool(t, nativeTool("stream-seq", `export default () => ({ ok: true });`))

	reqBody := map[string]any{"stream": true}
	resp := postJSON(t, testEnv.BaseURL()+"/v1/tools/"+tool.ID+"/executions", reqBody)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBody(t, resp)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	events := parseExecutionEvents(t, resp)

	if len(events) > 0 && events[0].Type != api.EventExecutionQueued {
		t.Errorf("first event type = %q, want %q", events[0].Type, api.EventExecutionQueued)
	}
	if len(events) > 0 && events[0].SequenceNumber != 0 {
		t.Errorf("first sequence_number = %d, want 0", events[0].SequenceNumber)
	}

	// Sequence numbers are strictly increasing.
	for i := 1; i < len(events); i++ {
		if events[i].SequenceNumber <= events[i-1].SequenceNumber {
			t.Errorf("sequence_number not increasing: event[%d]=%d, event[%d]=%d",
				i-1, events[i-1].SequenceNumber, i, events[i].SequenceNumber)
		}
	}

	// Lifecycle events identify the execution they belong to.
	for i, e := range events {
		if e.Execution != nil {
			continue // terminal events carry the record instead
		}
		if e.ExecutionID == "" {
			t.Errorf("event[%d] (%s) has empty execution_id", i, e.Type)
		}
		if e.ToolID != tool.ID {
			t.Errorf("event[%d] (%s) tool_id = %q, want %q", i, e.Type, e.ToolID, tool.ID)
		}
	}
}

func TestStreamingTerminalPayload(t *testing.T) {
	requireNode(t)

	tool := registerTool(t, nativeTool("stream-payload", `export default () => ({ answer: 42 });`))

	reqBody := map[string]any{"stream": true}
	resp := postJSON(t, testEnv.BaseURL()+"/v1/tools/"+tool.ID+"/executions", reqBody)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBody(t, resp)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	events := parseExecutionEvents(t, resp)
	if len(events) == 0 {
		t.Fatal("no SSE events received")
	}

	last := events[len(events)-1]
	if last.Type != api.EventExecutionCompleted {
		t.Fatalf("terminal event = %q, want %q", last.Type, api.EventExecutionCompleted)
	}
	if last.Execution == nil {
		t.Fatal("terminal event has nil execution")
	}
	if !api.ValidateExecutionID(last.Execution.ID) {
		t.Errorf("terminal execution ID = %q, want valid format", last.Execution.ID)
	}
	if last.Execution.Object != "execution" {
		t.Errorf("terminal execution.object = %q, want %q", last.Execution.Object, "execution")
	}
	if last.Execution.Status != api.StatusSucceeded {
		t.Errorf("terminal execution.status = %q, want %q", last.Execution.Status, api.StatusSucceeded)
	}
	if last.Execution.Result == nil || !last.Execution.Result.Success {
		t.Errorf("terminal execution.result = %+v, want a successful envelope", last.Execution.Result)
	}

	// The record is also retrievable after the stream ends.
	getResp := getURL(t, testEnv.BaseURL()+"/v1/executions/"+last.Execution.ID)
	if getResp.StatusCode != http.StatusOK {
		t.Errorf("GET after stream = %d, want 200", getResp.StatusCode)
	}
	getResp.Body.Close()
}

func TestStreamingSandboxReuse(t *testing.T) {
	requireNode(t)

	// Two streamed runs of the same tool share a dependency fingerprint;
	// the second run's sandbox_ready event reports the pooled workspace.
	tool := registerTool(t, nativeTool("stream-reuse", `export default () => ({ ok: true });`))

	stream := func() []api.ExecutionEvent {
		resp := postJSON(t, testEnv.BaseURL()+"/v1/tools/"+tool.ID+"/executions", map[string]any{"stream": true})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body := readBody(t, resp)
			t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
		}
		return parseExecutionEvents(t, resp)
	}

	stream()
	events := stream()

	var ready *api.ExecutionEvent
	for i := range events {
		if events[i].Type == api.EventExecutionSandboxReady {
			ready = &events[i]
			break
		}
	}
	if ready == nil {
		t.Fatal("no sandbox_ready event in second run")
	}
	if ready.Reused == nil {
		t.Fatal("sandbox_ready event has nil reused flag")
	}
	if !*ready.Reused {
		t.Error("second run reused = false, want true")
	}
}

func TestStreamingFailedExecution(t *testing.T) {
	requireNode(t)

	tool := registerTool(t, nativeTool("stream-boom", `export default () => { throw new Error("boom"); };`))

	reqBody := map[string]any{"stream": true}
	resp := postJSON(t, testEnv.BaseURL()+"/v1/tools/"+tool.ID+"/executions", reqBody)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBody(t, resp)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	events := parseExecutionEvents(t, resp)
	if len(events) == 0 {
		t.Fatal("no SSE events received")
	}

	verifyLifecycle(t, events, api.EventExecutionFailed)

	last := events[len(events)-1]
	if last.Error == nil {
		t.Fatal("failed event has nil error")
	}
	if !strings.Contains(last.Error.Message, "boom") {
		t.Errorf("failed event error = %q, want it to mention 'boom'", last.Error.Message)
	}
	if last.Execution == nil {
		t.Fatal("failed event has nil execution")
	}
	if last.Execution.Status != api.StatusFailed {
		t.Errorf("failed execution.status = %q, want %q", last.Execution.Status, api.StatusFailed)
	}
	if last.Execution.Result == nil || last.Execution.Result.ErrorKind != "execution" {
		t.Errorf("failed execution.result = %+v, want error_kind 'execution'", last.Execution.Result)
	}
}

func TestStreamingDoneSentinel(t *testing.T) {
	requireNode(t)

	tool := registerTool(t, nativeTool("stream-done", `export default () => ({ ok: true });`))

	reqBody := map[string]any{"stream": true}
	resp := postJSON(t, testEnv.BaseURL()+"/v1/tools/"+tool.ID+"/executions", reqBody)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBody(t, resp)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading stream body: %v", err)
	}
	body := string(raw)

	if !strings.Contains(body, "event: execution.queued\n") {
		t.Error("stream missing 'event: execution.queued' line")
	}
	if !strings.Contains(body, "data: [DONE]\n") {
		t.Error("stream missing 'data: [DONE]' sentinel")
	}
	if idx := strings.Index(body, "data: [DONE]"); idx >= 0 {
		if rest := strings.TrimSpace(body[idx+len("data: [DONE]"):]); rest != "" {
			t.Errorf("unexpected data after [DONE] sentinel: %q", rest)
		}
	}
}

// --- SSE parsing helpers ---

// parseExecutionEvents reads SSE events from an HTTP response until [DONE].
func parseExecutionEvents(t *testing.T, resp *http.Response) []api.ExecutionEvent {
	t.Helper()

	var events []api.ExecutionEvent
	scanner := bufio.NewScanner(resp.Body)

	var eventType string
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")

			// Check for DONE sentinel.
			if data == "[DONE]" {
				break
			}

			var event api.ExecutionEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				t.Logf("warning: failed to parse SSE event (event=%s): %v, data=%s", eventType, err, data)
				continue
			}

			// If the event type wasn't set via the type field in JSON,
			// use the SSE event type.
			if event.Type == "" && eventType != "" {
				event.Type = api.ExecutionEventType(eventType)
			}

			events = append(events, event)
			eventType = ""
		}
	}

	if err := scanner.Err(); err != nil {
		t.Logf("warning: scanner error: %v", err)
	}

	return events
}

// verifyLifecycle checks that the event sequence follows the expected
// lifecycle pattern ending in the given terminal event.
func verifyLifecycle(t *testing.T, events []api.ExecutionEvent, terminal api.ExecutionEventType) {
	t.Helper()

	if len(events) == 0 {
		t.Error("no events to verify")
		return
	}

	if events[0].Type != api.EventExecutionQueued {
		t.Errorf("first event = %q, want %q", events[0].Type, api.EventExecutionQueued)
	}

	lastEvent := events[len(events)-1]
	if lastEvent.Type != terminal {
		t.Errorf("last event = %q, want %q", lastEvent.Type, terminal)
	}

	// Check for required lifecycle event types.
	typesSeen := map[api.ExecutionEventType]bool{}
	for _, e := range events {
		typesSeen[e.Type] = true
	}

	requiredTypes := []api.ExecutionEventType{
		api.EventExecutionQueued,
		api.EventExecutionProvisioning,
		api.EventExecutionSandboxReady,
		api.EventExecutionRunning,
		terminal,
	}

	for _, rt := range requiredTypes {
		if !typesSeen[rt] {
			t.Errorf("missing required event type: %s", rt)
		}
	}
}
