// Package factory routes function-tool executions to the right sandbox
// provider and owns the executors' lifecycle. The native executor is a
// process-wide singleton created on first use; remote executors are
// memoized per (team, project) so each tenant keeps its own private
// pool of warm micro-VMs.
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rhuss/werkstatt/pkg/api"
	"github.com/rhuss/werkstatt/pkg/sandbox"
	"github.com/rhuss/werkstatt/pkg/sandbox/native"
	"github.com/rhuss/werkstatt/pkg/sandbox/remote"
)

var (
	toolExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "werkstatt_tool_executions_total",
			Help: "Function tool executions by provider and outcome",
		},
		[]string{"provider", "status"},
	)

	toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "werkstatt_tool_execution_duration_seconds",
			Help:    "Function tool execution duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(toolExecutions, toolDuration)
}

// Config selects the providers available to the factory.
type Config struct {
	// Native configures the local-process provider.
	Native native.Config

	// Provisioner reaches the micro-VM provider. Tools using the remote
	// sandbox variant fail with a configuration error when nil.
	Provisioner remote.Provisioner

	// Secrets resolves environment values for remote sandboxes. Nil
	// falls back to placeholder-only values.
	Secrets remote.SecretResolver
}

// Factory is the single entry point for sandboxed execution. The gate
// registry and pool manager come from the hosting runtime so concurrency
// limits and sweep scheduling are shared across all executors.
type Factory struct {
	cfg      Config
	tunables sandbox.Tunables
	gates    *sandbox.GateRegistry
	manager  *sandbox.Manager
	codec    sandbox.ScriptCodec

	mu      sync.Mutex
	native  *native.Executor
	remotes map[string]*remote.Executor
}

// New creates a factory. No executor exists until the first execution
// asks for it.
func New(cfg Config, tunables sandbox.Tunables, gates *sandbox.GateRegistry, manager *sandbox.Manager, codec sandbox.ScriptCodec) *Factory {
	return &Factory{
		cfg:      cfg,
		tunables: tunables.WithDefaults(),
		gates:    gates,
		manager:  manager,
		codec:    codec,
		remotes:  make(map[string]*remote.Executor),
	}
}

// ExecuteFunctionTool runs one tool call without lifecycle
// notifications. Transports that stream execution events build the
// request themselves and go through Execute.
func (f *Factory) ExecuteFunctionTool(ctx context.Context, toolID string, args json.RawMessage, cfg *api.FunctionToolConfig) (*api.ExecutionResult, error) {
	return f.Execute(ctx, &sandbox.Request{
		ToolID:    toolID,
		ToolName:  cfg.Name,
		Config:    cfg,
		Arguments: args,
	})
}

// Execute routes the request to the provider its sandbox config names.
// An unrecognized or incomplete config fails before any resource is
// touched. Panics inside a provider surface as a failed execution
// envelope, never as a crash.
func (f *Factory) Execute(ctx context.Context, req *sandbox.Request) (result *api.ExecutionResult, err error) {
	cfg := req.Config
	if cfg == nil || cfg.Sandbox == nil {
		return nil, sandbox.NewConfigurationError("tool %s has no sandbox configuration", req.ToolID)
	}
	provider := string(cfg.Sandbox.Provider)

	executor, err := f.executorFor(cfg.Sandbox)
	if err != nil {
		toolExecutions.WithLabelValues(provider, string(sandbox.KindConfiguration)).Inc()
		return nil, err
	}

	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("sandbox executor panicked",
				"tool", req.ToolID,
				"provider", provider,
				"panic", rec,
			)
			result = sandbox.FailureResult(sandbox.KindExecution,
				fmt.Sprintf("internal error: executing tool %s panicked", req.ToolID),
				nil, time.Since(start).Milliseconds())
			err = nil

			toolExecutions.WithLabelValues(provider, "panic").Inc()
			toolDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
		}
	}()

	result, err = executor.Execute(ctx, req)

	toolExecutions.WithLabelValues(provider, outcomeStatus(result, err)).Inc()
	toolDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	return result, err
}

// outcomeStatus labels an execution outcome for metrics.
func outcomeStatus(result *api.ExecutionResult, err error) string {
	switch {
	case err != nil:
		return string(sandbox.KindOf(err))
	case result != nil && !result.Success:
		if result.ErrorKind != "" {
			return result.ErrorKind
		}
		return string(sandbox.KindExecution)
	default:
		return "success"
	}
}

// executorFor resolves the executor serving a sandbox config, creating
// and memoizing it on first use.
func (f *Factory) executorFor(sc *api.SandboxConfig) (sandbox.Executor, error) {
	switch sc.Provider {
	case api.SandboxProviderNative:
		return f.nativeExecutor(), nil
	case api.SandboxProviderRemote:
		return f.remoteExecutor(sc)
	default:
		return nil, sandbox.NewConfigurationError("unrecognized sandbox provider %q", sc.Provider)
	}
}

func (f *Factory) nativeExecutor() *native.Executor {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.native == nil {
		f.native = native.New(f.cfg.Native, f.tunables, f.gates, f.manager.NewPool("native"), f.codec)
		slog.Debug("native executor created")
	}
	return f.native
}

func (f *Factory) remoteExecutor(sc *api.SandboxConfig) (*remote.Executor, error) {
	if sc.TeamID == "" || sc.ProjectID == "" || sc.Token == "" {
		return nil, sandbox.NewConfigurationError("remote sandbox requires team_id, project_id, and token")
	}
	if f.cfg.Provisioner == nil {
		return nil, sandbox.NewConfigurationError("no remote sandbox provider is configured")
	}

	key := sc.TeamID + "/" + sc.ProjectID

	f.mu.Lock()
	defer f.mu.Unlock()
	if ex, ok := f.remotes[key]; ok {
		return ex, nil
	}
	ex := remote.New(remote.Config{
		Provisioner: f.cfg.Provisioner,
		Credential:  remote.Credential{TeamID: sc.TeamID, ProjectID: sc.ProjectID, Token: sc.Token},
		Secrets:     f.cfg.Secrets,
	}, f.tunables, f.gates, f.manager.NewPool("remote/"+key), f.codec)
	f.remotes[key] = ex
	slog.Debug("remote executor created", "team", sc.TeamID, "project", sc.ProjectID)
	return ex, nil
}

// Cleanup tears down every owned executor: the native singleton and all
// memoized remote executors, clearing the registry. Close failures are
// logged; the last one is returned. The factory stays usable, a later
// execution lazily recreates what it needs.
func (f *Factory) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	nat := f.native
	f.native = nil
	remotes := f.remotes
	f.remotes = make(map[string]*remote.Executor)
	f.mu.Unlock()

	var lastErr error
	if nat != nil {
		if err := nat.Close(ctx); err != nil {
			slog.Warn("failed to close native executor", "error", err)
			lastErr = err
		}
	}
	for key, ex := range remotes {
		if err := ex.Close(ctx); err != nil {
			slog.Warn("failed to close remote executor", "tenant", key, "error", err)
			lastErr = err
		}
	}
	return lastErr
}
