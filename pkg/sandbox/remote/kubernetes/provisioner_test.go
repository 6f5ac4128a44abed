package kubernetes

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/rhuss/werkstatt/pkg/sandbox/remote"
)

func testScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme, err := NewScheme()
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}
	return scheme
}

// simulateReady creates a Sandbox resource with Ready=True for the given
// claim name, standing in for the agent-sandbox controller.
func simulateReady(t *testing.T, c client.Client, name, namespace, fqdn string) {
	t.Helper()
	box := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
		},
	}
	if err := c.Create(context.Background(), box); err != nil {
		t.Fatalf("simulateReady: create sandbox: %v", err)
	}
	box.Status.ServiceFQDN = fqdn
	box.Status.Conditions = []metav1.Condition{
		{
			Type:               string(sandboxv1alpha1.SandboxConditionReady),
			Status:             metav1.ConditionTrue,
			LastTransitionTime: metav1.Now(),
			Reason:             "Ready",
		},
	}
	if err := c.Status().Update(context.Background(), box); err != nil {
		t.Fatalf("simulateReady: update status: %v", err)
	}
}

var testCred = remote.Credential{TeamID: "team-a", ProjectID: "proj-1"}

func TestCreateSandboxAndStop(t *testing.T) {
	scheme := testScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).WithStatusSubresource(&sandboxv1alpha1.Sandbox{}).Build()

	p := NewProvisioner(c, "node-template", "default", 5*time.Second)

	origGen := generateClaimNameFn
	generateClaimNameFn = func() string { return "test-vm-001" }
	defer func() { generateClaimNameFn = origGen }()

	go func() {
		time.Sleep(200 * time.Millisecond)
		simulateReady(t, c, "test-vm-001", "default", "vm-001.default.svc.cluster.local")
	}()

	id, err := p.CreateSandbox(context.Background(), testCred, remote.SandboxSpec{Runtime: "node", VCPUs: 1})
	if err != nil {
		t.Fatalf("CreateSandbox failed: %v", err)
	}
	if id != "test-vm-001" {
		t.Errorf("id = %q, want the claim name", id)
	}

	// The claim exists, references the template, and carries the tenant labels.
	claim := &extensionsv1alpha1.SandboxClaim{}
	if err := c.Get(context.Background(), client.ObjectKey{Name: "test-vm-001", Namespace: "default"}, claim); err != nil {
		t.Fatalf("SandboxClaim not found: %v", err)
	}
	if claim.Spec.TemplateRef.Name != "node-template" {
		t.Errorf("templateRef = %q, want node-template", claim.Spec.TemplateRef.Name)
	}
	if claim.Labels["werkstatt.dev/team"] != "team-a" || claim.Labels["werkstatt.dev/project"] != "proj-1" {
		t.Errorf("labels = %v", claim.Labels)
	}

	// The agent URL points at the published serviceFQDN.
	base, err := p.agentURL(id)
	if err != nil {
		t.Fatalf("agentURL: %v", err)
	}
	if base != "http://vm-001.default.svc.cluster.local:8080" {
		t.Errorf("agent URL = %q", base)
	}

	// Stop deletes the claim and forgets the agent.
	if err := p.StopSandbox(context.Background(), testCred, id); err != nil {
		t.Fatalf("StopSandbox failed: %v", err)
	}
	if err := c.Get(context.Background(), client.ObjectKey{Name: "test-vm-001", Namespace: "default"}, claim); err == nil {
		t.Error("SandboxClaim still exists after stop, expected deletion")
	}
	if _, err := p.agentURL(id); err == nil {
		t.Error("agent URL still resolvable after stop")
	}
}

func TestCreateSandboxReadyTimeout(t *testing.T) {
	scheme := testScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).WithStatusSubresource(&sandboxv1alpha1.Sandbox{}).Build()

	p := NewProvisioner(c, "node-template", "default", 1*time.Second)

	origGen := generateClaimNameFn
	generateClaimNameFn = func() string { return "test-vm-timeout" }
	defer func() { generateClaimNameFn = origGen }()

	// No Sandbox ever becomes ready.
	if _, err := p.CreateSandbox(context.Background(), testCred, remote.SandboxSpec{}); err == nil {
		t.Fatal("expected a ready timeout, got nil")
	}

	// The claim was cleaned up despite the timeout.
	claim := &extensionsv1alpha1.SandboxClaim{}
	if err := c.Get(context.Background(), client.ObjectKey{Name: "test-vm-timeout", Namespace: "default"}, claim); err == nil {
		t.Error("SandboxClaim still exists after timeout, expected cleanup")
	}
}

func TestCreateSandboxContextCancelled(t *testing.T) {
	scheme := testScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).WithStatusSubresource(&sandboxv1alpha1.Sandbox{}).Build()

	p := NewProvisioner(c, "node-template", "default", 30*time.Second)

	origGen := generateClaimNameFn
	generateClaimNameFn = func() string { return "test-vm-cancel" }
	defer func() { generateClaimNameFn = origGen }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	if _, err := p.CreateSandbox(ctx, testCred, remote.SandboxSpec{}); err == nil {
		t.Fatal("expected a cancellation error, got nil")
	}

	claim := &extensionsv1alpha1.SandboxClaim{}
	if err := c.Get(context.Background(), client.ObjectKey{Name: "test-vm-cancel", Namespace: "default"}, claim); err == nil {
		t.Error("SandboxClaim still exists after cancel, expected cleanup")
	}
}

// agentFixture registers a sandbox id against a local httptest agent so
// file and command calls can be exercised without a cluster.
func agentFixture(t *testing.T, p *Provisioner, id string, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p.mu.Lock()
	p.agents[id] = srv.URL
	p.mu.Unlock()
	return srv
}

func TestWriteFilesThroughAgent(t *testing.T) {
	scheme := testScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	p := NewProvisioner(c, "node-template", "default", time.Second)

	var got remote.WriteFilesRequest
	agentFixture(t, p, "vm-1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/files" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	err := p.WriteFiles(context.Background(), testCred, "vm-1", map[string][]byte{".env": []byte("A=1\n")})
	if err != nil {
		t.Fatalf("WriteFiles failed: %v", err)
	}
	decoded, _ := base64.StdEncoding.DecodeString(got.Files[".env"])
	if string(decoded) != "A=1\n" {
		t.Errorf("uploaded content = %q", decoded)
	}
}

func TestRunCommandThroughAgent(t *testing.T) {
	scheme := testScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	p := NewProvisioner(c, "node-template", "default", time.Second)

	agentFixture(t, p, "vm-1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/commands" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req remote.RunCommandRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.TimeoutSeconds != 5 {
			t.Errorf("timeout_seconds = %d", req.TimeoutSeconds)
		}
		json.NewEncoder(w).Encode(remote.RunCommandResponse{Stdout: "out", ExitCode: 2})
	}))

	res, err := p.RunCommand(context.Background(), testCred, "vm-1", []string{"node", "run.mjs"}, 5*time.Second)
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	if res.Stdout != "out" || res.ExitCode != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunCommandUnknownSandbox(t *testing.T) {
	scheme := testScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	p := NewProvisioner(c, "node-template", "default", time.Second)

	if _, err := p.RunCommand(context.Background(), testCred, "vm-missing", []string{"node"}, time.Second); err == nil {
		t.Fatal("expected an error for an unregistered sandbox")
	}
}

func TestIsReady(t *testing.T) {
	tests := []struct {
		name       string
		conditions []metav1.Condition
		want       bool
	}{
		{"no conditions", nil, false},
		{"ready true", []metav1.Condition{{Type: string(sandboxv1alpha1.SandboxConditionReady), Status: metav1.ConditionTrue}}, true},
		{"ready false", []metav1.Condition{{Type: string(sandboxv1alpha1.SandboxConditionReady), Status: metav1.ConditionFalse}}, false},
		{"other condition only", []metav1.Condition{{Type: "Available", Status: metav1.ConditionTrue}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box := &sandboxv1alpha1.Sandbox{
				Status: sandboxv1alpha1.SandboxStatus{Conditions: tt.conditions},
			}
			if got := isReady(box); got != tt.want {
				t.Errorf("isReady() = %v, want %v", got, tt.want)
			}
		})
	}
}
