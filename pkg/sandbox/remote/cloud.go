package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// lifecycleTimeout bounds sandbox create, file upload, and stop
	// calls. Command runs get their own deadline instead.
	lifecycleTimeout = 120 * time.Second

	// commandSlack pads the HTTP deadline past the remote command
	// timeout so the provider's own timeout reporting wins over a
	// client-side abort.
	commandSlack = 30 * time.Second
)

// Client reaches a hosted micro-VM provider over its REST API. A single
// client is safe for concurrent use and can serve several executors.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ Provisioner = (*Client)(nil)

// NewClient creates a provider client for baseURL. The client carries
// no overall timeout; every call gets a per-request deadline.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// CreateSandbox asks the provider for a fresh micro-VM and returns its id.
func (c *Client) CreateSandbox(ctx context.Context, cred Credential, spec SandboxSpec) (string, error) {
	body := CreateSandboxRequest{
		TeamID:         cred.TeamID,
		ProjectID:      cred.ProjectID,
		Runtime:        string(spec.Runtime),
		VCPUs:          spec.VCPUs,
		TimeoutSeconds: spec.TimeoutSeconds,
	}
	var resp CreateSandboxResponse
	if err := c.do(ctx, cred, http.MethodPost, "/v1/sandboxes", body, &resp, lifecycleTimeout); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("provider returned no sandbox id")
	}
	return resp.ID, nil
}

// WriteFiles uploads files into the sandbox working directory.
func (c *Client) WriteFiles(ctx context.Context, cred Credential, sandboxID string, files map[string][]byte) error {
	req := WriteFilesRequest{Files: make(map[string]string, len(files))}
	for name, content := range files {
		req.Files[name] = base64.StdEncoding.EncodeToString(content)
	}
	return c.do(ctx, cred, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/files", req, nil, lifecycleTimeout)
}

// RunCommand executes argv inside the sandbox. The provider enforces
// the timeout and reports expiry through the timed_out flag.
func (c *Client) RunCommand(ctx context.Context, cred Credential, sandboxID string, argv []string, timeout time.Duration) (*CommandResult, error) {
	req := RunCommandRequest{Argv: argv, TimeoutSeconds: int(timeout / time.Second)}
	var resp RunCommandResponse
	if err := c.do(ctx, cred, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/commands", req, &resp, timeout+commandSlack); err != nil {
		return nil, err
	}
	return &CommandResult{
		Stdout:     resp.Stdout,
		Stderr:     resp.Stderr,
		ExitCode:   resp.ExitCode,
		TimedOut:   resp.TimedOut,
		DurationMs: resp.DurationMs,
	}, nil
}

// StopSandbox releases the micro-VM.
func (c *Client) StopSandbox(ctx context.Context, cred Credential, sandboxID string) error {
	return c.do(ctx, cred, http.MethodDelete, "/v1/sandboxes/"+sandboxID, nil, nil, lifecycleTimeout)
}

// do sends one JSON request and decodes the response into out when
// non-nil. Any non-2xx status is an error carrying the response body.
func (c *Client) do(ctx context.Context, cred Credential, method, path string, in, out any, deadline time.Duration) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("provider at capacity (HTTP 429)")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
