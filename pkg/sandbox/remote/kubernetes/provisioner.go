// Package kubernetes provisions micro-VMs as agent-sandbox pods managed
// through SandboxClaim CRDs. Each CreateSandbox call creates a claim,
// waits for the corresponding Sandbox to become ready, and from then on
// talks to the in-pod agent over HTTP for file and command operations.
// Pod sizing comes from the configured SandboxTemplate; the requested
// vCPU count only steers the concurrency gate on the engine side.
package kubernetes

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/rhuss/werkstatt/pkg/sandbox/remote"
)

const (
	// agentPort is where the in-pod agent listens.
	agentPort = 8080

	// agentCallTimeout bounds file uploads and claim-side operations.
	agentCallTimeout = 60 * time.Second

	// commandSlack pads the HTTP deadline past the agent-enforced
	// command timeout.
	commandSlack = 30 * time.Second
)

// Ensure Provisioner implements the provider API.
var _ remote.Provisioner = (*Provisioner)(nil)

// Provisioner implements the micro-VM provider API on top of
// agent-sandbox SandboxClaim CRDs. The sandbox id is the claim name.
type Provisioner struct {
	client       client.Client
	template     string
	namespace    string
	readyTimeout time.Duration

	httpClient *http.Client

	mu     sync.Mutex
	agents map[string]string // claim name -> agent base URL
}

// NewProvisioner creates a claim-based provisioner from configuration.
func NewProvisioner(c client.Client, template, namespace string, readyTimeout time.Duration) *Provisioner {
	return &Provisioner{
		client:       c,
		template:     template,
		namespace:    namespace,
		readyTimeout: readyTimeout,
		httpClient:   &http.Client{},
		agents:       make(map[string]string),
	}
}

// NewScheme returns a runtime.Scheme with the agent-sandbox types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register extensions types: %w", err)
	}
	return scheme, nil
}

// CreateSandbox creates a SandboxClaim, waits for the Sandbox to become
// ready, and records the in-pod agent URL for later calls.
func (p *Provisioner) CreateSandbox(ctx context.Context, cred remote.Credential, _ remote.SandboxSpec) (string, error) {
	claimName := generateClaimNameFn()

	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      claimName,
			Namespace: p.namespace,
			Labels: map[string]string{
				"werkstatt.dev/team":    cred.TeamID,
				"werkstatt.dev/project": cred.ProjectID,
			},
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{
				Name: p.template,
			},
		},
	}

	if err := p.client.Create(ctx, claim); err != nil {
		return "", fmt.Errorf("create SandboxClaim %q: %w", claimName, err)
	}

	slog.Debug("created SandboxClaim", "name", claimName, "namespace", p.namespace, "template", p.template)

	serviceFQDN, err := p.waitForReady(ctx, claimName)
	if err != nil {
		// Clean up the claim on error.
		p.deleteClaim(context.Background(), claimName)
		return "", err
	}

	agentURL := fmt.Sprintf("http://%s:%d", serviceFQDN, agentPort)
	p.mu.Lock()
	p.agents[claimName] = agentURL
	p.mu.Unlock()

	slog.Debug("sandbox ready", "name", claimName, "agent", agentURL)
	return claimName, nil
}

// WriteFiles uploads files into the pod's working directory through the
// agent.
func (p *Provisioner) WriteFiles(ctx context.Context, _ remote.Credential, sandboxID string, files map[string][]byte) error {
	base, err := p.agentURL(sandboxID)
	if err != nil {
		return err
	}
	req := remote.WriteFilesRequest{Files: make(map[string]string, len(files))}
	for name, content := range files {
		req.Files[name] = base64.StdEncoding.EncodeToString(content)
	}
	return p.postJSON(ctx, base+"/v1/files", req, nil, agentCallTimeout)
}

// RunCommand executes argv inside the pod through the agent, which
// enforces the timeout and reports expiry via the timed_out flag.
func (p *Provisioner) RunCommand(ctx context.Context, _ remote.Credential, sandboxID string, argv []string, timeout time.Duration) (*remote.CommandResult, error) {
	base, err := p.agentURL(sandboxID)
	if err != nil {
		return nil, err
	}
	req := remote.RunCommandRequest{Argv: argv, TimeoutSeconds: int(timeout / time.Second)}
	var resp remote.RunCommandResponse
	if err := p.postJSON(ctx, base+"/v1/commands", req, &resp, timeout+commandSlack); err != nil {
		return nil, err
	}
	return &remote.CommandResult{
		Stdout:     resp.Stdout,
		Stderr:     resp.Stderr,
		ExitCode:   resp.ExitCode,
		TimedOut:   resp.TimedOut,
		DurationMs: resp.DurationMs,
	}, nil
}

// StopSandbox deletes the claim backing the sandbox. Deletion errors
// are logged, not returned, matching the cleanup-path contract.
func (p *Provisioner) StopSandbox(ctx context.Context, _ remote.Credential, sandboxID string) error {
	p.mu.Lock()
	delete(p.agents, sandboxID)
	p.mu.Unlock()

	p.deleteClaim(ctx, sandboxID)
	return nil
}

// agentURL resolves the agent base URL recorded at creation time.
func (p *Provisioner) agentURL(sandboxID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	url, ok := p.agents[sandboxID]
	if !ok {
		return "", fmt.Errorf("unknown sandbox %q", sandboxID)
	}
	return url, nil
}

// waitForReady polls the Sandbox resource until its Ready condition is
// True and a serviceFQDN is published, or the timeout expires.
func (p *Provisioner) waitForReady(ctx context.Context, sandboxName string) (string, error) {
	deadline := time.After(p.readyTimeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("context cancelled waiting for Sandbox %q: %w", sandboxName, ctx.Err())
		case <-deadline:
			return "", fmt.Errorf("timeout waiting for Sandbox %q to become ready (waited %s)", sandboxName, p.readyTimeout)
		case <-ticker.C:
			box := &sandboxv1alpha1.Sandbox{}
			key := types.NamespacedName{Name: sandboxName, Namespace: p.namespace}
			if err := p.client.Get(ctx, key, box); err != nil {
				// Sandbox may not exist yet (controller hasn't created it). Keep polling.
				slog.Debug("waiting for Sandbox", "name", sandboxName, "error", err.Error())
				continue
			}

			if isReady(box) {
				if box.Status.ServiceFQDN == "" {
					continue // Ready but FQDN not yet populated.
				}
				return box.Status.ServiceFQDN, nil
			}
		}
	}
}

// isReady checks if the Sandbox has a Ready condition set to True.
func isReady(box *sandboxv1alpha1.Sandbox) bool {
	for _, c := range box.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// deleteClaim deletes a SandboxClaim. Errors are logged but not
// returned since this runs from release and cleanup paths.
func (p *Provisioner) deleteClaim(ctx context.Context, name string) {
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: p.namespace,
		},
	}
	if err := p.client.Delete(ctx, claim); err != nil {
		slog.Warn("failed to delete SandboxClaim", "name", name, "namespace", p.namespace, "error", err.Error())
		return
	}
	slog.Debug("deleted SandboxClaim", "name", name, "namespace", p.namespace)
}

// postJSON sends one JSON request to the agent and decodes the response
// into out when non-nil.
func (p *Provisioner) postJSON(ctx context.Context, url string, in, out any, deadline time.Duration) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("sandbox at capacity (HTTP 429)")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// generateClaimNameFn creates a unique name for a SandboxClaim.
// Replaceable in tests for deterministic naming.
var generateClaimNameFn = func() string {
	return fmt.Sprintf("werkstatt-vm-%d", time.Now().UnixNano())
}
