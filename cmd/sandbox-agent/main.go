// Command sandbox-agent runs inside werkstatt micro-VM pods and serves
// the file and command API the kubernetes provisioner drives. The VM is
// the sandbox: every call operates on one persistent working directory
// whose state (manifest, node_modules, env file) survives across calls
// for the lifetime of the pod.
//
// Configuration:
//
//	AGENT_PORT           - Listen port (default: 8080)
//	AGENT_WORKDIR        - Working directory (default: a fresh temp dir)
//	AGENT_MAX_CONCURRENT - Max concurrent commands (default: 3)
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rhuss/werkstatt/pkg/sandbox/remote"
)

func main() {
	port := envOr("AGENT_PORT", "8080")
	workdir := envOr("AGENT_WORKDIR", "")
	maxConcurrent := envOrInt("AGENT_MAX_CONCURRENT", 3)

	if workdir == "" {
		dir, err := os.MkdirTemp("", "werkstatt-agent-*")
		if err != nil {
			slog.Error("failed to create working directory", "error", err)
			os.Exit(1)
		}
		workdir = dir
	} else if err := os.MkdirAll(workdir, 0o755); err != nil {
		slog.Error("failed to create working directory", "dir", workdir, "error", err)
		os.Exit(1)
	}

	srv := &agentServer{
		workdir:        workdir,
		runtimeVersion: detectNodeVersion(),
		maxConcurrent:  int32(maxConcurrent),
		startTime:      time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/files", srv.handleWriteFiles)
	mux.HandleFunc("POST /v1/commands", srv.handleRunCommand)
	mux.HandleFunc("GET /healthz", srv.handleHealth)

	httpSrv := &http.Server{
		Addr:        ":" + port,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// Must outlive the longest command the engine schedules, which
		// is the dependency install bounded by the execution cap.
		WriteTimeout: 360 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("sandbox agent starting",
			"port", port,
			"workdir", workdir,
			"runtime", srv.runtimeVersion,
			"max_concurrent", maxConcurrent,
		)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("agent failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
}

// --- Server ---

type agentServer struct {
	workdir        string
	runtimeVersion string
	maxConcurrent  int32
	currentLoad    atomic.Int32
	startTime      time.Time
}

// --- Files handler ---

func (s *agentServer) handleWriteFiles(w http.ResponseWriter, r *http.Request) {
	var req remote.WriteFilesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10*1024*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	for name, b64Content := range req.Files {
		content, err := base64.StdEncoding.DecodeString(b64Content)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to decode file %q: %v", name, err))
			return
		}
		path := filepath.Join(s.workdir, filepath.Base(name)) // Prevent path traversal.
		if err := os.WriteFile(path, content, 0o644); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to write file %q: %v", name, err))
			return
		}
	}

	slog.Debug("files written", "count", len(req.Files))
	w.WriteHeader(http.StatusNoContent)
}

// --- Command handler ---

func (s *agentServer) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	// Check capacity.
	current := s.currentLoad.Add(1)
	defer s.currentLoad.Add(-1)

	if current > s.maxConcurrent {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("at capacity (%d/%d concurrent commands)", current, s.maxConcurrent))
		return
	}

	var req remote.RunCommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if len(req.Argv) == 0 {
		writeError(w, http.StatusBadRequest, "argv is required")
		return
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = 30
	}

	slog.Info("command starting", "argv", strings.Join(req.Argv, " "), "timeout", req.TimeoutSeconds)

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(req.TimeoutSeconds)*time.Second)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = s.workdir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	timedOut := false
	if runErr != nil {
		// The deadline takes precedence over the exit error it causes.
		if ctx.Err() == context.DeadlineExceeded {
			timedOut = true
			exitCode = -1
		} else if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			if stderr.Len() == 0 {
				stderr.WriteString(runErr.Error())
			}
		}
	}

	slog.Info("command complete",
		"exit_code", exitCode,
		"timed_out", timedOut,
		"duration_ms", duration.Milliseconds(),
		"stdout_len", stdout.Len(),
		"stderr_len", stderr.Len(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(remote.RunCommandResponse{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode,
		TimedOut:   timedOut,
		DurationMs: duration.Milliseconds(),
	})
}

// --- Health handler ---

type healthResponse struct {
	Status         string `json:"status"`
	RuntimeVersion string `json:"runtime_version"`
	Capacity       int    `json:"capacity"`
	CurrentLoad    int    `json:"current_load"`
	UptimeSecs     int64  `json:"uptime_seconds"`
}

func (s *agentServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:         "healthy",
		RuntimeVersion: s.runtimeVersion,
		Capacity:       int(s.maxConcurrent),
		CurrentLoad:    int(s.currentLoad.Load()),
		UptimeSecs:     int64(time.Since(s.startTime).Seconds()),
	})
}

// detectNodeVersion returns the node version string, or "unknown" when
// the interpreter is missing. The agent still serves file writes then;
// command runs will fail with a clear exit error.
func detectNodeVersion() string {
	output, err := exec.Command("node", "--version").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(output))
}

// --- Helpers ---

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return defaultVal
	}
	return n
}
