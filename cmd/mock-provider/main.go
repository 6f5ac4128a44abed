// Command mock-provider runs a local stand-in for the hosted micro-VM
// provider API. Each sandbox is a temp directory on the host; commands
// run as local processes with node and npm from PATH. It exists so
// remote-mode development needs no cloud account: point the server at
// it with sandbox.remote.provider=cloud and its URL as base_url.
//
// Configuration:
//
//	MOCK_PORT          - Listen port (default: 9090)
//	MOCK_TOKEN         - Required bearer token; empty accepts any caller
//	MOCK_MAX_SANDBOXES - Sandbox cap, exceeding returns 429 (default: 0, unlimited)
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
	"sync"
	"syscall"
	"time"

	"github.com/rhuss/werkstatt/pkg/sandbox/remote"
)

func main() {
	port := envOr("MOCK_PORT", "9090")
	token := os.Getenv("MOCK_TOKEN")
	maxSandboxes := envOrInt("MOCK_MAX_SANDBOXES", 0)

	p := &mockProvider{
		token:        token,
		maxSandboxes: maxSandboxes,
		sandboxes:    make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes", p.handleCreate)
	mux.HandleFunc("POST /v1/sandboxes/{id}/files", p.handleWriteFiles)
	mux.HandleFunc("POST /v1/sandboxes/{id}/commands", p.handleRunCommand)
	mux.HandleFunc("DELETE /v1/sandboxes/{id}", p.handleStop)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock provider starting", "port", port, "auth", token != "", "max_sandboxes", maxSandboxes)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock provider failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock provider shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	p.removeAll()
}

// --- Provider state ---

type mockProvider struct {
	token        string
	maxSandboxes int

	mu        sync.Mutex
	nextID    int
	sandboxes map[string]string // id -> working directory
}

// authorized checks the bearer token when one is configured.
func (p *mockProvider) authorized(w http.ResponseWriter, r *http.Request) bool {
	if p.token == "" {
		return true
	}
	if r.Header.Get("Authorization") != "Bearer "+p.token {
		writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return false
	}
	return true
}

// dirFor resolves a sandbox id to its working directory.
func (p *mockProvider) dirFor(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dir, ok := p.sandboxes[id]
	return dir, ok
}

func (p *mockProvider) removeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, dir := range p.sandboxes {
		os.RemoveAll(dir)
		delete(p.sandboxes, id)
	}
}

// --- Handlers ---

func (p *mockProvider) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(w, r) {
		return
	}

	var req remote.CreateSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	dir, err := os.MkdirTemp("", "mock-sandbox-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create sandbox dir: "+err.Error())
		return
	}

	p.mu.Lock()
	if p.maxSandboxes > 0 && len(p.sandboxes) >= p.maxSandboxes {
		p.mu.Unlock()
		os.RemoveAll(dir)
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("at capacity (%d sandboxes)", p.maxSandboxes))
		return
	}
	p.nextID++
	id := fmt.Sprintf("sbx-%d", p.nextID)
	p.sandboxes[id] = dir
	p.mu.Unlock()

	slog.Info("sandbox created",
		"id", id,
		"team", req.TeamID,
		"project", req.ProjectID,
		"runtime", req.Runtime,
		"vcpus", req.VCPUs,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(remote.CreateSandboxResponse{ID: id})
}

func (p *mockProvider) handleWriteFiles(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(w, r) {
		return
	}

	dir, ok := p.dirFor(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown sandbox")
		return
	}

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
		path := filepath.Join(dir, filepath.Base(name)) // Prevent path traversal.
		if err := os.WriteFile(path, content, 0o644); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to write file %q: %v", name, err))
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (p *mockProvider) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(w, r) {
		return
	}

	dir, ok := p.dirFor(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown sandbox")
		return
	}

	var req remote.RunCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
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

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(req.TimeoutSeconds)*time.Second)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = dir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	timedOut := false
	if runErr != nil {
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
		"sandbox", r.PathValue("id"),
		"argv", strings.Join(req.Argv, " "),
		"exit_code", exitCode,
		"timed_out", timedOut,
		"duration_ms", duration.Milliseconds(),
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

func (p *mockProvider) handleStop(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(w, r) {
		return
	}

	id := r.PathValue("id")
	p.mu.Lock()
	dir, ok := p.sandboxes[id]
	delete(p.sandboxes, id)
	p.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "unknown sandbox")
		return
	}
	os.RemoveAll(dir)

	slog.Info("sandbox stopped", "id", id)
	w.WriteHeader(http.StatusNoContent)
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
