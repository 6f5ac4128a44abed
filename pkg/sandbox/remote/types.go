package remote

// Wire types for the provider REST API. The hosted provider and the
// in-VM agent share the file and command shapes; only the sandbox
// lifecycle endpoints differ between the two.

// CreateSandboxRequest is the body for POST /v1/sandboxes.
type CreateSandboxRequest struct {
	TeamID         string `json:"team_id"`
	ProjectID      string `json:"project_id"`
	Runtime        string `json:"runtime"`
	VCPUs          int    `json:"vcpus"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// CreateSandboxResponse is the response for POST /v1/sandboxes.
type CreateSandboxResponse struct {
	ID string `json:"id"`
}

// WriteFilesRequest is the body for POST /v1/sandboxes/{id}/files and,
// on the agent, POST /v1/files. File contents are base64-encoded; names
// are taken relative to the sandbox working directory.
type WriteFilesRequest struct {
	Files map[string]string `json:"files"`
}

// RunCommandRequest is the body for POST /v1/sandboxes/{id}/commands
// and, on the agent, POST /v1/commands.
type RunCommandRequest struct {
	Argv           []string `json:"argv"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// RunCommandResponse is the command outcome. DurationMs is the
// provider-measured wall time, reported for observability.
type RunCommandResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}
