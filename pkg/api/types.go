package api

import "encoding/json"

// SandboxProvider selects the isolation mechanism for a function tool.
type SandboxProvider string

const (
	// SandboxProviderNative runs tool code in a local OS process with a
	// private filesystem workspace.
	SandboxProviderNative SandboxProvider = "native"

	// SandboxProviderRemote runs tool code in a provider-hosted micro-VM
	// reached through a remote API.
	SandboxProviderRemote SandboxProvider = "remote"
)

// SandboxRuntime identifies the language runtime used inside the sandbox.
type SandboxRuntime string

const (
	RuntimeNode       SandboxRuntime = "node"
	RuntimeTypeScript SandboxRuntime = "typescript"
)

// SandboxConfig is the tagged provider variant of a function tool. The
// provider field selects the executor; the remaining fields apply per
// provider. TeamID, ProjectID, and Token are required for (and only used
// by) the remote provider.
type SandboxConfig struct {
	Provider SandboxProvider `json:"provider"`
	Runtime  SandboxRuntime  `json:"runtime"`

	// TimeoutSeconds bounds a single execution. Zero means the configured
	// default; values above the system-wide cap are clamped to the cap.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// VCPUs is the requested vCPU allocation. It keys the concurrency gate
	// and sizes remote micro-VMs. Zero means the configured default;
	// values below 1 are coerced to 1.
	VCPUs int `json:"vcpus,omitempty"`

	// Remote provider credential.
	TeamID    string `json:"team_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Token     string `json:"token,omitempty"`
}

// FunctionToolConfig describes a tenant-supplied function tool: arbitrary
// source code with declared dependencies, executed inside a sandbox.
type FunctionToolConfig struct {
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// ExecuteCode is the source text of the function body. It may reference
	// an "args" binding carrying the call arguments and must produce the
	// tool's return value.
	ExecuteCode string `json:"execute_code"`

	// Dependencies maps package name to version range. The set of
	// (name, version) pairs determines the sandbox fingerprint.
	Dependencies map[string]string `json:"dependencies,omitempty"`

	Sandbox *SandboxConfig `json:"sandbox"`
}

// FunctionTool is a registered function tool as stored and returned by the
// API. The embedded config fields marshal flat alongside the identity fields.
type FunctionTool struct {
	ID        string `json:"id"`
	Object    string `json:"object"` // always "function_tool"
	CreatedAt int64  `json:"created_at"`

	FunctionToolConfig
}

// ToolOutcome is the structured payload the executed script prints as its
// result line. The success flag belongs to the tool code itself (a tool may
// complete its process successfully yet report a failed outcome) and is
// propagated as-is.
type ToolOutcome struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ExecutionResult is the outcome envelope returned for every execution.
// Logs holds the ordered stdout/stderr lines captured from the sandbox
// (including remote dependency-install output), excluding the result line.
type ExecutionResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`

	// ErrorKind classifies failures for retry decisions: one of
	// "configuration", "provisioning", "execution", "timeout",
	// "queue_timeout", "output_limit". Empty on success.
	ErrorKind string `json:"error_kind,omitempty"`

	Logs            []string `json:"logs"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
}

// Execution is a stored execution record.
type Execution struct {
	ID        string          `json:"id"`
	Object    string          `json:"object"` // always "execution"
	ToolID    string          `json:"tool_id"`
	ToolName  string          `json:"tool_name,omitempty"`
	Provider  SandboxProvider `json:"provider"`
	Status    ExecutionStatus `json:"status"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Result is populated once the execution reaches a terminal status.
	Result *ExecutionResult `json:"result,omitempty"`

	// Fingerprint is the dependency fingerprint of the sandbox that served
	// this execution, when one was reached.
	Fingerprint string `json:"fingerprint,omitempty"`

	CreatedAt   int64 `json:"created_at"`
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// ExecuteRequest is the request body for starting an execution.
type ExecuteRequest struct {
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Stream requests server-sent lifecycle events instead of a single
	// JSON envelope.
	Stream bool `json:"stream,omitempty"`
}
