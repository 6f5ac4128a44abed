// Command demo registers sample function tools against a running
// werkstatt server and executes them, printing the API envelopes.
// Start a server first, e.g.: go run ./cmd/server
//
//	WERKSTATT_URL - Server base URL (default: http://localhost:8080)
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rhuss/werkstatt/pkg/api"
	"github.com/rhuss/werkstatt/pkg/transport"
)

var (
	baseURL = envOr("WERKSTATT_URL", "http://localhost:8080")

	// Covers a cold dependency install on a slow registry.
	client = &http.Client{Timeout: 120 * time.Second}
)

func main() {
	fmt.Println("=== werkstatt function tool demo ===")
	fmt.Printf("server: %s\n\n", baseURL)

	// 1. Register a dependency-free tool.
	answer := registerTool(api.FunctionToolConfig{
		Name:        "answer",
		Description: "Returns the answer to everything",
		ExecuteCode: "return { answer: 42 };",
		Sandbox: &api.SandboxConfig{
			Provider: api.SandboxProviderNative,
			Runtime:  api.RuntimeNode,
		},
	})
	fmt.Printf("[1] Registered %s (%s)\n", answer.Name, answer.ID)

	// 2. Execute it and print the envelope.
	exec := executeTool(answer.ID, nil)
	printEnvelope("[2] Execution envelope", exec)

	// 3. A tool that throws: the failure comes back as a completed
	// envelope with success=false, not as an HTTP error.
	boom := registerTool(api.FunctionToolConfig{
		Name:        "boom",
		Description: "Always fails",
		ExecuteCode: `throw new Error("boom");`,
		Sandbox: &api.SandboxConfig{
			Provider: api.SandboxProviderNative,
			Runtime:  api.RuntimeNode,
		},
	})
	fmt.Printf("[3] Registered %s (%s)\n", boom.Name, boom.ID)
	printEnvelope("[4] Failure envelope", executeTool(boom.ID, nil))

	// 4. A tool with a dependency. The first run installs left-pad into
	// a fresh sandbox; the second reuses it and should be much faster.
	padded := registerTool(api.FunctionToolConfig{
		Name:        "pad",
		Description: "Zero-pads a number",
		ExecuteCode: `const leftPad = require("left-pad"); return leftPad(String(args.n), 5, "0");`,
		Dependencies: map[string]string{
			"left-pad": "^1.3.0",
		},
		Sandbox: &api.SandboxConfig{
			Provider: api.SandboxProviderNative,
			Runtime:  api.RuntimeNode,
		},
	})
	fmt.Printf("[5] Registered %s (%s)\n", padded.Name, padded.ID)

	first := executeTool(padded.ID, json.RawMessage(`{"n": 7}`))
	second := executeTool(padded.ID, json.RawMessage(`{"n": 8}`))
	fmt.Printf("[6] Cold run:  %s in %d ms (%d log lines)\n",
		first.Result.Result, first.Result.ExecutionTimeMs, len(first.Result.Logs))
	fmt.Printf("    Warm run:  %s in %d ms (fingerprint %s)\n",
		second.Result.Result, second.Result.ExecutionTimeMs, second.Fingerprint)

	// 5. Stream one execution and print the raw event lines.
	fmt.Println("[7] Streaming execution:")
	streamTool(answer.ID)

	// 6. List the executions this demo produced.
	var list transport.ExecutionList
	getJSON("/v1/executions?limit=10", &list)
	fmt.Printf("[8] Stored executions: %d\n", len(list.Data))
	for _, e := range list.Data {
		fmt.Printf("    %s  %-9s  %s\n", e.ID, e.Status, e.ToolName)
	}

	fmt.Println("\n=== demo complete ===")
}

func registerTool(cfg api.FunctionToolConfig) *api.FunctionTool {
	var tool api.FunctionTool
	postJSON("/v1/tools", cfg, &tool)
	return &tool
}

func executeTool(toolID string, args json.RawMessage) *api.Execution {
	var exec api.Execution
	postJSON("/v1/tools/"+toolID+"/executions", api.ExecuteRequest{Arguments: args}, &exec)
	return &exec
}

// streamTool runs one streaming execution and echoes the SSE lines.
func streamTool(toolID string) {
	body, _ := json.Marshal(api.ExecuteRequest{Stream: true})
	resp, err := client.Post(baseURL+"/v1/tools/"+toolID+"/executions", "application/json", bytes.NewReader(body))
	if err != nil {
		fail("stream request: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			fmt.Printf("    %s\n", line)
		}
	}
}

func printEnvelope(label string, exec *api.Execution) {
	data, _ := json.MarshalIndent(exec, "", "  ")
	fmt.Printf("%s:\n%s\n", label, data)
}

func postJSON(path string, in, out any) {
	body, err := json.Marshal(in)
	if err != nil {
		fail("marshal request: %v", err)
	}
	resp, err := client.Post(baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		fail("POST %s: %v (is the server running?)", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp api.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&errResp)
		fail("POST %s: HTTP %d: %s", path, resp.StatusCode, errResp.Error.Message)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		fail("decode response from %s: %v", path, err)
	}
}

func getJSON(path string, out any) {
	resp, err := client.Get(baseURL + path)
	if err != nil {
		fail("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		fail("GET %s: HTTP %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		fail("decode response from %s: %v", path, err)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "demo failed: "+format+"\n", args...)
	os.Exit(1)
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
