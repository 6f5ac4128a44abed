// Package remote runs function tools in provider-hosted micro-VMs. The
// provider is reached through the Provisioner API (create sandbox,
// write files, run command, stop); isolation, process limits, and
// command timeouts live on the provider side. Each executor instance
// carries one (team, project, token) credential and keeps a private
// pool of warm sandboxes.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
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

	manifestName = "package.json"
	envFileName  = ".env"
)

// Config wires the remote executor's collaborators.
type Config struct {
	// Provisioner reaches the micro-VM provider. Required.
	Provisioner Provisioner

	// Credential authenticates every provider call made by this
	// executor instance.
	Credential Credential

	// Secrets resolves values for the environment variables the tool
	// source references. Nil falls back to placeholder-only values.
	Secrets SecretResolver
}

// Executor is the remote provider. The factory memoizes one instance
// per (team, project); its pool never mixes tenants.
type Executor struct {
	provisioner Provisioner
	cred        Credential
	secrets     SecretResolver
	tunables    sandbox.Tunables
	gates       *sandbox.GateRegistry
	pool        *sandbox.Pool
	codec       sandbox.ScriptCodec
}

var _ sandbox.Executor = (*Executor)(nil)

// New creates a remote executor bound to one tenant credential. The
// gate registry and pool are owned by the caller and may be shared with
// monitoring or shutdown code.
func New(cfg Config, tunables sandbox.Tunables, gates *sandbox.GateRegistry, pool *sandbox.Pool, codec sandbox.ScriptCodec) *Executor {
	if cfg.Secrets == nil {
		cfg.Secrets = PlaceholderResolver{}
	}
	return &Executor{
		provisioner: cfg.Provisioner,
		cred:        cfg.Credential,
		secrets:     cfg.Secrets,
		tunables:    tunables.WithDefaults(),
		gates:       gates,
		pool:        pool,
		codec:       codec,
	}
}

// instance is one provisioned micro-VM. The mutex serializes executions
// on it: an instance serves exactly one in-flight run at a time.
type instance struct {
	provisioner Provisioner
	cred        Credential
	id          string
	mu          sync.Mutex
}

var _ sandbox.Handle = (*instance)(nil)

// Destroy stops the remote sandbox.
func (i *instance) Destroy(ctx context.Context) error {
	return i.provisioner.StopSandbox(ctx, i.cred, i.id)
}

// Execute runs one tool call through the full remote pipeline: serialize
// early (no provider call on a bad request), take a concurrency permit,
// get or provision the micro-VM, upload and run the script, parse the
// outcome. A successful run keeps the sandbox pooled; any failure on it
// evicts and stops it.
func (e *Executor) Execute(ctx context.Context, req *sandbox.Request) (*api.ExecutionResult, error) {
	cfg := req.Config
	sc := cfg.Sandbox

	style := sandbox.DetectModuleStyle(cfg.ExecuteCode, sc.Runtime)
	debug.Log("remote", "module style detected", "tool", req.ToolID, "style", style)
	script, err := e.codec.Serialize(sandbox.ScriptCall{
		Code:      cfg.ExecuteCode,
		Arguments: req.Arguments,
		Style:     style,
	})
	if err != nil {
		return nil, sandbox.NewConfigurationError("serializing call for tool %s: %v", req.ToolID, err)
	}

	vcpus := e.tunables.EffectiveVCPUs(sc.VCPUs)
	timeout := e.tunables.EffectiveTimeout(sc.TimeoutSeconds)

	release, err := e.gates.Acquire(ctx, vcpus)
	if err != nil {
		return nil, err
	}
	defer release()

	req.NotifyProvisioning()

	deps := effectiveDeps(cfg)
	fingerprint := sandbox.Fingerprint(deps)

	var installLogs []string
	lease, err := e.pool.Acquire(ctx, fingerprint, deps, func(ctx context.Context) (sandbox.Handle, error) {
		inst, logs, err := e.provision(ctx, sc, deps, style, cfg.ExecuteCode, vcpus, timeout)
		if err != nil {
			return nil, err
		}
		installLogs = logs
		return inst, nil
	})
	if err != nil {
		var se *sandbox.Error
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, sandbox.NewProvisioningError("acquiring remote sandbox", err)
	}
	req.NotifySandboxReady(lease.Reused)

	inst := lease.Handle.(*instance)
	slog.Debug("remote execution starting",
		"tool", req.ToolID,
		"team", e.cred.TeamID,
		"project", e.cred.ProjectID,
		"sandbox", inst.id,
		"fingerprint", fingerprint,
		"reused", lease.Reused,
		"vcpus", vcpus,
	)

	result := e.run(ctx, req, inst, script, sc, style, timeout, installLogs)
	if result.Success {
		lease.Done(ctx)
	} else {
		lease.Fail(ctx)
		slog.Warn("remote execution failed",
			"tool", req.ToolID,
			"sandbox", inst.id,
			"kind", result.ErrorKind,
			"error", result.Error,
		)
	}
	return result, nil
}

// provision builds a fresh micro-VM for a dependency set: create the
// sandbox, upload the manifest and the environment file, install deps
// through the remote package manager. On any failure the half-built
// sandbox is stopped and nothing is cached. Install output becomes the
// leading log lines of the execution that triggered the build.
func (e *Executor) provision(ctx context.Context, sc *api.SandboxConfig, deps map[string]string, style sandbox.ModuleStyle, source string, vcpus int, timeout time.Duration) (*instance, []string, error) {
	id, err := e.provisioner.CreateSandbox(ctx, e.cred, SandboxSpec{
		Runtime:        sc.Runtime,
		VCPUs:          vcpus,
		TimeoutSeconds: int(timeout / time.Second),
	})
	if err != nil {
		return nil, nil, sandbox.NewProvisioningError("creating remote sandbox", err)
	}

	discard := func() {
		if err := e.provisioner.StopSandbox(context.Background(), e.cred, id); err != nil {
			slog.Warn("failed to stop discarded sandbox", "sandbox", id, "error", err)
		}
	}

	names := ScanEnvRefs(source)
	var values map[string]string
	if len(names) > 0 {
		values, err = e.secrets.Resolve(ctx, e.cred, names)
		if err != nil {
			discard()
			return nil, nil, sandbox.NewProvisioningError("resolving sandbox environment", err)
		}
	}

	m := manifest{
		Name:         "werkstatt-sandbox",
		Private:      true,
		Type:         string(style),
		Dependencies: deps,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		discard()
		return nil, nil, sandbox.NewProvisioningError("encoding manifest", err)
	}

	files := map[string][]byte{
		manifestName: data,
		envFileName:  renderEnvFile(names, values),
	}
	if err := e.provisioner.WriteFiles(ctx, e.cred, id, files); err != nil {
		discard()
		return nil, nil, sandbox.NewProvisioningError("uploading sandbox manifest", err)
	}

	var installLogs []string
	if len(deps) > 0 {
		// The install is bounded by the hard execution cap so a hanging
		// registry cannot pin a provisioning slot forever.
		argv := []string{"npm", "install", "--no-audit", "--no-fund", "--loglevel=error"}
		res, err := e.provisioner.RunCommand(ctx, e.cred, id, argv, e.tunables.ExecTimeoutMax)
		if err != nil {
			sandbox.RecordDependencyInstall("remote", false)
			discard()
			return nil, nil, sandbox.NewProvisioningError("installing dependencies", err)
		}
		installLogs = e.outputLines(res.Stdout, res.Stderr)
		debug.Log("install", "dependency install finished",
			"sandbox", id,
			"deps", len(deps),
			"exit_code", res.ExitCode,
			"duration_ms", res.DurationMs,
		)
		if res.TimedOut || res.ExitCode != 0 {
			sandbox.RecordDependencyInstall("remote", false)
			discard()
			detail := sandbox.Tail(res.Stderr, errTailBytes)
			if res.TimedOut {
				detail = fmt.Sprintf("install did not finish within %s", e.tunables.ExecTimeoutMax)
			}
			return nil, nil, sandbox.NewProvisioningError("dependency install failed: "+detail, nil)
		}
		sandbox.RecordDependencyInstall("remote", true)
	}

	return &instance{provisioner: e.provisioner, cred: e.cred, id: id}, installLogs, nil
}

// run uploads the serialized script into the micro-VM and executes it.
// The provider enforces the timeout remotely; the executor applies the
// same output cap and result-parsing contract as the native provider.
func (e *Executor) run(ctx context.Context, req *sandbox.Request, inst *instance, script string, sc *api.SandboxConfig, style sandbox.ModuleStyle, timeout time.Duration, installLogs []string) *api.ExecutionResult {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	name := "run" + scriptExtension(style, sc.Runtime == api.RuntimeTypeScript)
	if debug.TraceIsEnabled("remote") {
		debug.Raw("remote", script)
	}
	if err := e.provisioner.WriteFiles(ctx, e.cred, inst.id, map[string][]byte{name: []byte(script)}); err != nil {
		return sandbox.FailureResult(sandbox.KindExecution, "uploading execution script: "+err.Error(), installLogs, 0)
	}

	req.NotifyRunning()

	start := time.Now()
	res, err := e.provisioner.RunCommand(ctx, e.cred, inst.id, commandFor(name, sc.Runtime), timeout)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return sandbox.FailureResult(sandbox.KindExecution, "running tool process: "+err.Error(), installLogs, elapsed)
	}

	logs := append(installLogs, e.outputLines(res.Stdout, res.Stderr)...)

	switch {
	case int64(len(res.Stdout))+int64(len(res.Stderr)) > e.tunables.MaxOutputBytes:
		return sandbox.FailureResult(sandbox.KindOutputLimit,
			fmt.Sprintf("combined output exceeded %d bytes", e.tunables.MaxOutputBytes), logs, elapsed)
	case res.TimedOut:
		return sandbox.FailureResult(sandbox.KindTimeout,
			fmt.Sprintf("execution exceeded the %s timeout", timeout), logs, elapsed)
	case res.ExitCode != 0:
		detail := sandbox.Tail(res.Stderr, errTailBytes)
		if detail == "" {
			detail = fmt.Sprintf("process exited with status %d", res.ExitCode)
		}
		return sandbox.FailureResult(sandbox.KindExecution, detail, logs, elapsed)
	}

	outcome, err := e.codec.Parse(res.Stdout, req.ToolID)
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

// commandFor picks the interpreter invocation inside the micro-VM. The
// environment file uploaded at provisioning time is loaded on every
// run; the TypeScript runtime goes through the sandbox-local tsx that
// effectiveDeps guarantees is installed.
func commandFor(scriptName string, runtime api.SandboxRuntime) []string {
	if runtime == api.RuntimeTypeScript {
		return []string{"node", "--env-file=" + envFileName, "./node_modules/.bin/tsx", scriptName}
	}
	return []string{"node", "--env-file=" + envFileName, scriptName}
}

// outputLines splits captured output into log lines, dropping blanks
// and harness result lines.
func (e *Executor) outputLines(stdout, stderr string) []string {
	var out []string
	for _, chunk := range [2]string{stdout, stderr} {
		for _, line := range strings.Split(chunk, "\n") {
			if line == "" || e.codec.IsResultLine(line) {
				continue
			}
			out = append(out, line)
		}
	}
	return out
}

// manifest is the package.json uploaded into every sandbox, declaring
// the module style and the dependency set it was built for.
type manifest struct {
	Name         string            `json:"name"`
	Private      bool              `json:"private"`
	Type         string            `json:"type"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// scriptExtension picks the file extension that fixes Node's module
// interpretation regardless of the manifest a reused sandbox carries.
func scriptExtension(style sandbox.ModuleStyle, typescript bool) string {
	if typescript {
		return ".mts"
	}
	if style == sandbox.ModuleCommonJS {
		return ".cjs"
	}
	return ".mjs"
}

// effectiveDeps is the install set for a tool: its declared dependencies
// plus the tsx loader when the TypeScript runtime asks for it. The
// fingerprint covers the effective set, so TypeScript and plain Node
// tools never share a sandbox built without the loader.
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

// Close stops every pooled sandbox owned by this executor.
func (e *Executor) Close(ctx context.Context) error {
	e.pool.Close(ctx)
	return nil
}
