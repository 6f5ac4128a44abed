package native

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rhuss/werkstatt/pkg/sandbox"
)

// workspace is one private directory tree holding an installed
// dependency set. The mutex serializes executions on it: a workspace
// serves exactly one in-flight run at a time.
type workspace struct {
	dir string
	mu  sync.Mutex
}

var _ sandbox.Handle = (*workspace)(nil)

func (w *workspace) homeDir() string  { return filepath.Join(w.dir, ".home") }
func (w *workspace) cacheDir() string { return filepath.Join(w.dir, ".npm-cache") }

// Destroy removes the workspace tree.
func (w *workspace) Destroy(context.Context) error {
	return os.RemoveAll(w.dir)
}

// manifest is the package.json written into every workspace, declaring
// the module style and the dependency set the workspace was built for.
type manifest struct {
	Name         string            `json:"name"`
	Private      bool              `json:"private"`
	Type         string            `json:"type"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// createWorkspace allocates a fresh workspace under baseDir, writes the
// manifest, and installs deps through npm when the set is non-empty.
// The install is scoped to the workspace: npm gets its own cache and
// HOME so nothing leaks into the host environment. On install failure
// the half-built workspace is removed and nothing is cached.
func (e *Executor) createWorkspace(ctx context.Context, deps map[string]string, style sandbox.ModuleStyle) (sandbox.Handle, error) {
	dir, err := os.MkdirTemp(e.cfg.BaseDir, "werkstatt-ws-")
	if err != nil {
		return nil, sandbox.NewProvisioningError("creating workspace directory", err)
	}

	discard := func() { _ = os.RemoveAll(dir) }

	for _, sub := range []string{".home", ".npm-cache"} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o700); err != nil {
			discard()
			return nil, sandbox.NewProvisioningError("preparing workspace directory", err)
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
		return nil, sandbox.NewProvisioningError("encoding manifest", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), data, 0o600); err != nil {
		discard()
		return nil, sandbox.NewProvisioningError("writing manifest", err)
	}

	ws := &workspace{dir: dir}
	if len(deps) > 0 {
		if err := e.installDependencies(ctx, ws); err != nil {
			sandbox.RecordDependencyInstall("native", false)
			discard()
			return nil, err
		}
		sandbox.RecordDependencyInstall("native", true)
	}
	return ws, nil
}

// installDependencies runs npm install inside the workspace. The install
// is bounded by the hard execution cap so a hanging registry cannot pin
// a provisioning slot forever.
func (e *Executor) installDependencies(ctx context.Context, ws *workspace) error {
	res := runProcess(ctx, runSpec{
		dir:  ws.dir,
		argv: []string{e.cfg.NPMBin, "install", "--no-audit", "--no-fund", "--loglevel=error"},
		env: []string{
			"PATH=" + os.Getenv("PATH"),
			"HOME=" + ws.homeDir(),
			"npm_config_cache=" + ws.cacheDir(),
		},
		timeout:   e.tunables.ExecTimeoutMax,
		grace:     e.cfg.KillGrace,
		maxOutput: e.tunables.MaxOutputBytes,
	})

	if res.Err != nil {
		detail := sandbox.Tail(res.Output.Stderr(), errTailBytes)
		if res.TimedOut {
			detail = fmt.Sprintf("install did not finish within %s", e.tunables.ExecTimeoutMax)
		}
		return sandbox.NewProvisioningError(
			fmt.Sprintf("dependency install failed: %s", detail), res.Err)
	}
	return nil
}

// scriptExtension picks the file extension that fixes Node's module
// interpretation regardless of the manifest a reused workspace carries.
func scriptExtension(style sandbox.ModuleStyle, typescript bool) string {
	if typescript {
		return ".mts"
	}
	if style == sandbox.ModuleCommonJS {
		return ".cjs"
	}
	return ".mjs"
}

// writeScript places the serialized call into the workspace under a
// per-execution name. The caller removes it after the run.
func (w *workspace) writeScript(script string, ext string) (string, error) {
	name := fmt.Sprintf("run_%d%s", time.Now().UnixNano(), ext)
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, []byte(script), 0o600); err != nil {
		return "", err
	}
	return path, nil
}
