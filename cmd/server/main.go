// Command server runs the werkstatt function tool service.
//
// Configuration is layered: built-in defaults, an optional YAML file
// (-config flag, WERKSTATT_CONFIG, ./config.yaml, /etc/werkstatt/config.yaml),
// then WERKSTATT_* environment overrides. See pkg/config for the full
// reference.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/rhuss/werkstatt/pkg/auth"
	"github.com/rhuss/werkstatt/pkg/auth/apikey"
	authjwt "github.com/rhuss/werkstatt/pkg/auth/jwt"
	"github.com/rhuss/werkstatt/pkg/auth/noop"
	"github.com/rhuss/werkstatt/pkg/config"
	"github.com/rhuss/werkstatt/pkg/debug"
	"github.com/rhuss/werkstatt/pkg/mcpserver"
	"github.com/rhuss/werkstatt/pkg/observability"
	"github.com/rhuss/werkstatt/pkg/runner"
	"github.com/rhuss/werkstatt/pkg/sandbox"
	"github.com/rhuss/werkstatt/pkg/sandbox/factory"
	"github.com/rhuss/werkstatt/pkg/sandbox/jscodec"
	"github.com/rhuss/werkstatt/pkg/sandbox/native"
	"github.com/rhuss/werkstatt/pkg/sandbox/remote"
	"github.com/rhuss/werkstatt/pkg/sandbox/remote/kubernetes"
	"github.com/rhuss/werkstatt/pkg/storage/memory"
	"github.com/rhuss/werkstatt/pkg/storage/postgres"
	"github.com/rhuss/werkstatt/pkg/transport"
	transporthttp "github.com/rhuss/werkstatt/pkg/transport/http"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// Log level and debug categories come from the environment
	// (WERKSTATT_LOG_LEVEL, WERKSTATT_DEBUG).
	debug.Init("", "")
	if cats := debug.Categories(); len(cats) > 0 {
		slog.Info("debug categories enabled", "categories", cats)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create the store.
	store, closeStore, err := newStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	// Sandbox engine: shared tunables, per-vCPU concurrency gates, pool
	// manager with its background sweep.
	tun := tunablesFrom(cfg.Sandbox)
	gates := sandbox.NewGateRegistry(tun.QueueWaitTimeout)
	manager := sandbox.NewManager(tun)

	provisioner, err := newProvisioner(cfg.Sandbox.Remote)
	if err != nil {
		return err
	}

	eng := factory.New(factory.Config{
		Native: native.Config{
			BaseDir: cfg.Sandbox.Native.BaseDir,
			NodeBin: cfg.Sandbox.Native.NodeBin,
			NPMBin:  cfg.Sandbox.Native.NPMBin,
		},
		Provisioner: provisioner,
	}, tun, gates, manager, jscodec.New())

	runr, err := runner.New(eng, store)
	if err != nil {
		return fmt.Errorf("creating runner: %w", err)
	}

	// Create HTTP adapter.
	adapterCfg := transporthttp.DefaultConfig()
	adapterCfg.Addr = ":" + strconv.Itoa(cfg.Server.Port)
	adapter := transporthttp.NewAdapter(runr, store, adapterCfg,
		transport.Recovery(),
		transport.RequestID(),
		transport.Logging(slog.Default()),
	)

	// Build the outer mux: API, health, metrics, MCP.
	mux := http.NewServeMux()
	mux.Handle("/", adapter.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	if cfg.Observability.Metrics.Enabled {
		mux.Handle("GET "+cfg.Observability.Metrics.Path, promhttp.Handler())
	}
	if cfg.MCP.Enabled {
		mcpSrv, err := mcpserver.New(store, eng, slog.Default())
		if err != nil {
			return fmt.Errorf("creating MCP server: %w", err)
		}
		mux.Handle(cfg.MCP.Path, mcpSrv.Handler())
		slog.Info("MCP surface enabled", "path", cfg.MCP.Path)
	}

	handler := wrapAuth(mux, cfg.Auth, cfg.Observability.Metrics.Path)
	if cfg.Observability.Metrics.Enabled {
		handler = observability.MetricsMiddleware(handler)
	}

	srv := &http.Server{
		Addr:         adapterCfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in background.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting",
			"port", cfg.Server.Port,
			"storage", cfg.Storage.Type,
			"auth", cfg.Auth.Type,
			"remote_provider", cfg.Sandbox.Remote.Provider,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error, then tear down in order:
	// HTTP server, executors, pools. The store closes via defer.
	select {
	case <-ctx.Done():
		slog.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if cerr := eng.Cleanup(shutdownCtx); cerr != nil && err == nil {
			err = cerr
		}
		manager.Close(shutdownCtx)
		return err
	case err := <-errCh:
		return err
	}
}

// newStore builds the configured ToolStore and its close function.
func newStore(ctx context.Context, cfg config.StorageConfig) (transport.ToolStore, func(), error) {
	switch cfg.Type {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		slog.Info("storage enabled", "type", "postgres", "migrate", cfg.Postgres.MigrateOnStart)
		return store, func() { store.Close() }, nil
	default:
		slog.Info("storage enabled", "type", "memory", "max_executions", cfg.MaxExecutions)
		return memory.New(cfg.MaxExecutions), func() {}, nil
	}
}

// tunablesFrom maps the config knobs onto engine tunables. Unset knobs
// keep the engine defaults.
func tunablesFrom(cfg config.SandboxConfig) sandbox.Tunables {
	return sandbox.Tunables{
		ExecTimeout:      cfg.ExecTimeout,
		ExecTimeoutMax:   cfg.ExecTimeoutMax,
		DefaultVCPUs:     cfg.DefaultVCPUs,
		PoolTTL:          cfg.PoolTTL,
		PoolMaxUses:      cfg.PoolMaxUses,
		SweepInterval:    cfg.SweepInterval,
		MaxOutputBytes:   cfg.MaxOutputBytes,
		QueueWaitTimeout: cfg.QueueWaitTimeout,
	}.WithDefaults()
}

// newProvisioner builds the remote micro-VM provider named by the config,
// or nil when the remote variant is disabled.
func newProvisioner(cfg config.RemoteConfig) (remote.Provisioner, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "cloud":
		slog.Info("remote sandboxes enabled", "provider", "cloud", "base_url", cfg.BaseURL)
		return remote.NewClient(cfg.BaseURL), nil
	case "kubernetes":
		scheme, err := kubernetes.NewScheme()
		if err != nil {
			return nil, fmt.Errorf("building kubernetes scheme: %w", err)
		}
		restCfg, err := ctrlconfig.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("loading kubernetes config: %w", err)
		}
		c, err := client.New(restCfg, client.Options{Scheme: scheme})
		if err != nil {
			return nil, fmt.Errorf("creating kubernetes client: %w", err)
		}
		slog.Info("remote sandboxes enabled", "provider", "kubernetes",
			"template", cfg.Template, "namespace", cfg.Namespace)
		return kubernetes.NewProvisioner(c, cfg.Template, cfg.Namespace, cfg.ReadyTimeout), nil
	default:
		return nil, fmt.Errorf("unknown remote sandbox provider %q", cfg.Provider)
	}
}

// wrapAuth applies the configured authentication middleware. The metrics
// endpoint joins the bypass list so scrapers need no credentials.
func wrapAuth(next http.Handler, cfg config.AuthConfig, metricsPath string) http.Handler {
	var chain *auth.AuthChain
	switch cfg.Type {
	case "apikey":
		entries := make([]apikey.RawKeyEntry, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			entries = append(entries, apikey.RawKeyEntry{
				Key: k.Key,
				Identity: auth.Identity{
					Subject:     k.Subject,
					ServiceTier: k.ServiceTier,
					Metadata: map[string]string{
						"tenant_id":  k.TeamID,
						"team_id":    k.TeamID,
						"project_id": k.ProjectID,
					},
				},
			})
		}
		chain = &auth.AuthChain{
			Authenticators:  []auth.Authenticator{apikey.New(entries)},
			DefaultDecision: auth.No,
		}
	case "jwt":
		chain = &auth.AuthChain{
			Authenticators: []auth.Authenticator{authjwt.New(authjwt.Config{
				Issuer:   cfg.JWT.Issuer,
				Audience: cfg.JWT.Audience,
				JWKSURL:  cfg.JWT.JWKSURL,
			})},
			DefaultDecision: auth.No,
		}
	default:
		chain = &auth.AuthChain{Authenticators: []auth.Authenticator{&noop.Authenticator{}}}
	}

	var limiter auth.RateLimiter
	if cfg.RateLimitRPM > 0 {
		limiter = auth.NewInProcessLimiter(nil, cfg.RateLimitRPM)
	}

	bypass := auth.DefaultBypassEndpoints
	if metricsPath != "" && metricsPath != "/metrics" {
		bypass = append(append([]string{}, bypass...), metricsPath)
	}
	return auth.Middleware(chain, limiter, bypass)(next)
}
