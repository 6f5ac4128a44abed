package native

import (
	"context"
	"os/exec"
	"syscall"
	"time"

	"github.com/rhuss/werkstatt/pkg/sandbox"
)

// runSpec describes one bounded process run inside a workspace.
type runSpec struct {
	dir       string
	argv      []string
	env       []string
	timeout   time.Duration
	grace     time.Duration
	maxOutput int64
}

// runResult carries the raw outcome for the caller to classify.
type runResult struct {
	Output *sandbox.OutputBuffer

	// Err is nil only for a clean exit 0.
	Err error

	// TimedOut is set when the run's own deadline expired, as opposed
	// to the caller's context being canceled.
	TimedOut bool

	Duration time.Duration
}

// runProcess spawns the process with both streams captured under the
// cumulative output cap. Timeout handling is graceful-then-forced: the
// deadline sends SIGTERM, and a process that survives the grace window
// is killed. Crossing the output cap cancels the run the same way.
func runProcess(ctx context.Context, spec runSpec) *runResult {
	runCtx, cancel := context.WithTimeout(ctx, spec.timeout)
	defer cancel()

	buf := sandbox.NewOutputBuffer(spec.maxOutput, cancel)

	cmd := exec.CommandContext(runCtx, spec.argv[0], spec.argv[1:]...)
	cmd.Dir = spec.dir
	cmd.Env = spec.env
	cmd.Stdout = buf.StdoutWriter()
	cmd.Stderr = buf.StderrWriter()
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = spec.grace

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)
	buf.Flush()

	return &runResult{
		Output:   buf,
		Err:      err,
		TimedOut: runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil,
		Duration: duration,
	}
}
