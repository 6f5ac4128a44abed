package integration

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/rhuss/werkstatt/pkg/api"
)

func TestInvalidJSON(t *testing.T) {
	body := bytes.NewReader([]byte(`{invalid json`))
	resp, err := http.Post(
		testEnv.BaseURL()+"/v1/tools",
		"application/json",
		body,
	)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		body := readBody(t, resp)
		t.Errorf("expected 400, got %d: %s", resp.StatusCode, body)
	}

	var errResp api.ErrorResponse
	decodeJSON(t, resp, &errResp)

	if errResp.Error == nil {
		t.Fatal("error object is nil")
	}
	if errResp.Error.Type != api.ErrorTypeInvalidRequest {
		t.Errorf("error.type = %q, want %q", errResp.Error.Type, api.ErrorTypeInvalidRequest)
	}
}

func TestUnsupportedContentType(t *testing.T) {
	body := bytes.NewReader([]byte(`name=test`))
	resp, err := http.Post(
		testEnv.BaseURL()+"/v1/tools",
		"application/x-www-form-urlencoded",
		body,
	)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnsupportedMediaType {
		body := readBody(t, resp)
		t.Errorf("expected 415, got %d: %s", resp.StatusCode, body)
	}
}

func TestMalformedToolID(t *testing.T) {
	// Use an obviously invalid ID format.
	resp := getURL(t, testEnv.BaseURL()+"/v1/tools/not-a-valid-id")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		body := readBody(t, resp)
		t.Errorf("expected 400, got %d: %s", resp.StatusCode, body)
	}
}

func TestToolNotFound(t *testing.T) {
	// Use a valid format but nonexistent ID.
	resp := getURL(t, testEnv.BaseURL()+"/v1/tools/ft_aaaaaaaaaaaaaaaaaaaaaaaa")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		body := readBody(t, resp)
		t.Errorf("expected 404, got %d: %s", resp.StatusCode, body)
	}

	var errResp api.ErrorResponse
	decodeJSON(t, resp, &errResp)

	if errResp.Error == nil {
		t.Fatal("error object is nil")
	}
	if errResp.Error.Type != api.ErrorTypeNotFound {
		t.Errorf("error.type = %q, want %q", errResp.Error.Type, api.ErrorTypeNotFound)
	}
}

func TestDeleteToolNotFound(t *testing.T) {
	resp := deleteURL(t, testEnv.BaseURL()+"/v1/tools/ft_bbbbbbbbbbbbbbbbbbbbbbbb")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		body := readBody(t, resp)
		t.Errorf("expected 404, got %d: %s", resp.StatusCode, body)
	}
}

func TestExecuteToolNotFound(t *testing.T) {
	resp := postJSON(t, testEnv.BaseURL()+"/v1/tools/ft_cccccccccccccccccccccccc/executions", map[string]any{})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		body := readBody(t, resp)
		t.Errorf("expected 404, got %d: %s", resp.StatusCode, body)
	}

	var errResp api.ErrorResponse
	decodeJSON(t, resp, &errResp)

	if errResp.Error == nil {
		t.Fatal("error object is nil")
	}
	if errResp.Error.Type != api.ErrorTypeNotFound {
		t.Errorf("error.type = %q, want %q", errResp.Error.Type, api.ErrorTypeNotFound)
	}
}

func TestMalformedExecutionID(t *testing.T) {
	resp := getURL(t, testEnv.BaseURL()+"/v1/executions/not-an-execution")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		body := readBody(t, resp)
		t.Errorf("expected 400, got %d: %s", resp.StatusCode, body)
	}
}

func TestExecutionNotFound(t *testing.T) {
	resp := getURL(t, testEnv.BaseURL()+"/v1/executions/exec_aaaaaaaaaaaaaaaaaaaaaaaa")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		body := readBody(t, resp)
		t.Errorf("expected 404, got %d: %s", resp.StatusCode, body)
	}
}

func TestCancelExecutionNotFound(t *testing.T) {
	resp := postJSON(t, testEnv.BaseURL()+"/v1/executions/exec_dddddddddddddddddddddddd/cancel", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		body := readBody(t, resp)
		t.Errorf("expected 404, got %d: %s", resp.StatusCode, body)
	}
}

func TestCancelCompletedExecution(t *testing.T) {
	requireNode(t)

	// A terminal execution can no longer be canceled.
	tool := registerTool(t, nativeTool("cancel-done", `export default () => ({ ok: true });`))
	exec := executeTool(t, tool.ID, nil)

	resp := postJSON(t, testEnv.BaseURL()+"/v1/executions/"+exec.ID+"/cancel", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		body := readBody(t, resp)
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, body)
	}

	var errResp api.ErrorResponse
	decodeJSON(t, resp, &errResp)

	if errResp.Error == nil {
		t.Fatal("error object is nil")
	}
	if !strings.Contains(errResp.Error.Message, "cannot be canceled") {
		t.Errorf("error.message = %q, want it to mention 'cannot be canceled'", errResp.Error.Message)
	}
}

func TestErrorResponseFormat(t *testing.T) {
	// Any error response should follow the ErrorResponse schema.
	resp := getURL(t, testEnv.BaseURL()+"/v1/tools/not-valid")
	defer resp.Body.Close()

	var raw map[string]any
	decodeJSON(t, resp, &raw)

	// Must have "error" key at top level.
	errObj, ok := raw["error"]
	if !ok {
		t.Fatal("response missing 'error' key")
	}

	errMap, ok := errObj.(map[string]any)
	if !ok {
		t.Fatal("'error' is not an object")
	}

	// Must have "type" and "message".
	if _, ok := errMap["type"]; !ok {
		t.Error("error object missing 'type'")
	}
	if _, ok := errMap["message"]; !ok {
		t.Error("error object missing 'message'")
	}
}
