package remote

import (
	"context"
	"time"

	"github.com/rhuss/werkstatt/pkg/api"
)

// Credential authenticates Provisioner calls for one tenant. The
// factory memoizes one remote executor per distinct (team, project).
type Credential struct {
	TeamID    string
	ProjectID string
	Token     string
}

// SandboxSpec describes the micro-VM to provision.
type SandboxSpec struct {
	Runtime        api.SandboxRuntime
	VCPUs          int
	TimeoutSeconds int
}

// CommandResult is the outcome of a command run inside a sandbox. The
// provider enforces the requested timeout on its side and reports it
// through TimedOut rather than an error. DurationMs is the
// provider-measured wall time.
type CommandResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	TimedOut   bool
	DurationMs int64
}

// Provisioner is the micro-VM provider API: create a sandbox, push
// files into its working directory, run commands there, stop it.
// Implementations are the hosted-provider HTTP client (Client) and the
// kubernetes claim provisioner. Every method takes the credential so a
// single Provisioner instance can serve several executors.
type Provisioner interface {
	CreateSandbox(ctx context.Context, cred Credential, spec SandboxSpec) (string, error)
	WriteFiles(ctx context.Context, cred Credential, sandboxID string, files map[string][]byte) error
	RunCommand(ctx context.Context, cred Credential, sandboxID string, argv []string, timeout time.Duration) (*CommandResult, error)
	StopSandbox(ctx context.Context, cred Credential, sandboxID string) error
}
