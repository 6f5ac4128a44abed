// Package native runs function tools in local OS processes. Each
// dependency fingerprint gets a private workspace directory with its
// own node_modules tree; tool code runs as the host user inside that
// directory with captured output, a graceful-then-forced timeout, and
// a cumulative output cap. No persistent interpreter is shared across
// tools.
package native

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rhuss/werkstatt/pkg/api"
	"github.com/rhuss/werkstatt/pkg/debug"
	"github.com/rhuss/werkstatt/pkg/sandbox"
)

const (
	// errTailBytes bounds how much captured stderr ends up in error
	// messages.
	errTailBytes = 2048

	// tsxVersion is installed alongside the tool's dependencies when
	// the TypeScript runtime is requested.
	tsxVersion = "^4.19.0"

	// DefaultKillGrace is how long a signaled process may linger before
	// the forced kill.
	DefaultKillGrace = 5 * time.Second
)

// Config holds the host-side knobs of the native provider.
type Config struct {
	// BaseDir is the parent directory for workspaces. Defaults to the
	// system temp directory.
	BaseDir string

	// NodeBin and NPMBin name the interpreter and package manager
	// binaries, resolved through PATH when not absolute.
	NodeBin string
	NPMBin  string

	// KillGrace is the window between SIGTERM and SIGKILL.
	KillGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDir == "" {
		c.BaseDir = os.TempDir()
	}
	if c.NodeBin == "" {
		c.NodeBin = "node"
	}
	if c.NPMBin == "" {
		c.NPMBin = "npm"
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	return c
}

// Executor is the native provider. One instance exists per process and
// serves every tool routed to the native sandbox variant.
type Executor struct {
	cfg      Config
	tunables sandbox.Tunables
	gates    *sandbox.GateRegistry
	pool     *sandbox.Pool
	codec    sandbox.ScriptCodec
}

var _ sandbox.Executor = (*Executor)(nil)

// New creates the native executor. The gate registry and pool are owned
// by the caller and may be shared with monitoring or shutdown code.
func New(cfg Config, tunables sandbox.Tunables, gates *sandbox.GateRegistry, pool *sandbox.Pool, codec sandbox.ScriptCodec) *Executor {
	return &Executor{
		cfg:      cfg.withDefaults(),
		tunables: tunables.WithDefaults(),
		gates:    gates,
		pool:     pool,
		codec:    codec,
	}
}

// Execute runs one tool call through the full native pipeline: serialize
// early (nothing is touched on a bad call), take a concurrency permit,
// get or build the workspace, run the script, parse the outcome. A
// successful run keeps the workspace cached; any failure on it evicts.
func (e *Executor) Execute(ctx context.Context, req *sandbox.Request) (*api.ExecutionResult, error) {
	cfg := req.Config
	sc := cfg.Sandbox

	style := sandbox.DetectModuleStyle(cfg.ExecuteCode, sc.Runtime)
	debug.Log("native", "module style detected", "tool", req.ToolID, "style", style)
	script, err := e.codec.Serialize(sandbox.ScriptCall{
		Code:      cfg.ExecuteCode,
		Arguments: req.Arguments,
		Style:     style,
	})
	if err != nil {
		return nil, sandbox.NewConfigurationError("serializing call for tool %s: %v", req.ToolID, err)
	}

	vcpus := e.tunables.EffectiveVCPUs(sc.VCPUs)
	release, err := e.gates.Acquire(ctx, vcpus)
	if err != nil {
		return nil, err
	}
	defer release()

	req.NotifyProvisioning()

	deps := effectiveDeps(cfg)
	fingerprint := sandbox.Fingerprint(deps)
	lease, err := e.pool.Acquire(ctx, fingerprint, deps, func(ctx context.Context) (sandbox.Handle, error) {
		return e.createWorkspace(ctx, deps, style)
	})
	if err != nil {
		var se *sandbox.Error
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, sandbox.NewProvisioningError("acquiring native sandbox", err)
	}
	req.NotifySandboxReady(lease.Reused)

	slog.Debug("native execution starting",
		"tool", req.ToolID,
		"fingerprint", fingerprint,
		"reused", lease.Reused,
		"vcpus", vcpus,
	)

	result := e.run(ctx, req, lease.Handle.(*workspace), script, sc, style)
	if result.Success {
		lease.Done(ctx)
	} else {
		lease.Fail(ctx)
		slog.Warn("native execution failed",
			"tool", req.ToolID,
			"fingerprint", fingerprint,
			"kind", result.ErrorKind,
			"error", result.Error,
		)
	}
	return result, nil
}

// run executes the serialized script inside the workspace. The workspace
// mutex serializes runs: one handle serves one execution at a time.
func (e *Executor) run(ctx context.Context, req *sandbox.Request, ws *workspace, script string, sc *api.SandboxConfig, style sandbox.ModuleStyle) *api.ExecutionResult {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ext := scriptExtension(style, sc.Runtime == api.RuntimeTypeScript)
	path, err := ws.writeScript(script, ext)
	if err != nil {
		return sandbox.FailureResult(sandbox.KindExecution, "writing execution script: "+err.Error(), nil, 0)
	}
	defer os.Remove(path)

	timeout := e.tunables.EffectiveTimeout(sc.TimeoutSeconds)
	req.NotifyRunning()

	// At TRACE the full serialized script is dumped for copy-paste
	// reproduction with a plain node invocation.
	if debug.TraceIsEnabled("native") {
		debug.Raw("native", script)
	}

	res := runProcess(ctx, runSpec{
		dir:  ws.dir,
		argv: e.commandFor(ws, path, sc.Runtime),
		env: []string{
			"PATH=" + os.Getenv("PATH"),
			"HOME=" + ws.homeDir(),
			"npm_config_cache=" + ws.cacheDir(),
		},
		timeout:   timeout,
		grace:     e.cfg.KillGrace,
		maxOutput: e.tunables.MaxOutputBytes,
	})

	logs := e.userLogs(res.Output.Lines())
	elapsed := res.Duration.Milliseconds()

	switch {
	case res.Output.Exceeded():
		return sandbox.FailureResult(sandbox.KindOutputLimit,
			fmt.Sprintf("combined output exceeded %d bytes", e.tunables.MaxOutputBytes), logs, elapsed)
	case res.TimedOut:
		return sandbox.FailureResult(sandbox.KindTimeout,
			fmt.Sprintf("execution exceeded the %s timeout", timeout), logs, elapsed)
	case res.Err != nil:
		detail := sandbox.Tail(res.Output.Stderr(), errTailBytes)
		if detail == "" {
			detail = res.Err.Error()
		}
		return sandbox.FailureResult(sandbox.KindExecution, detail, logs, elapsed)
	}

	outcome, err := e.codec.Parse(res.Output.Stdout(), req.ToolID)
	if err != nil {
		return sandbox.FailureResult(sandbox.KindExecution, err.Error(), logs, elapsed)
	}
	if !outcome.Success {
		return sandbox.FailureResult(sandbox.KindExecution, outcome.Error, logs, elapsed)
	}
	return &api.ExecutionResult{
		Success:         true,
		Result:          outcome.Result,
		Logs:            logs,
		ExecutionTimeMs: elapsed,
	}
}

// commandFor picks the interpreter invocation for the runtime. The
// TypeScript runtime goes through the workspace-local tsx binary that
// effectiveDeps guarantees is installed.
func (e *Executor) commandFor(ws *workspace, scriptPath string, runtime api.SandboxRuntime) []string {
	if runtime == api.RuntimeTypeScript {
		return []string{filepath.Join(ws.dir, "node_modules", ".bin", "tsx"), scriptPath}
	}
	return []string{e.cfg.NodeBin, scriptPath}
}

// userLogs drops harness result lines from the captured output.
func (e *Executor) userLogs(lines []string) []string {
	var out []string
	for _, line := range lines {
		if !e.codec.IsResultLine(line) {
			out = append(out, line)
		}
	}
	return out
}

// effectiveDeps is the install set for a tool: its declared dependencies
// plus the tsx loader when the TypeScript runtime asks for it. The
// fingerprint covers the effective set, so TypeScript and plain Node
// tools never share a workspace built without the loader.
func effectiveDeps(cfg *api.FunctionToolConfig) map[string]string {
	deps := make(map[string]string, len(cfg.Dependencies)+1)
	for name, version := range cfg.Dependencies {
		deps[name] = version
	}
	if cfg.Sandbox.Runtime == api.RuntimeTypeScript {
		if _, ok := deps["tsx"]; !ok {
			deps["tsx"] = tsxVersion
		}
	}
	return deps
}

// Close destroys every cached workspace.
func (e *Executor) Close(ctx context.Context) error {
	e.pool.Close(ctx)
	return nil
}
