package sandbox

import "time"

// Defaults for the engine knobs. Each can be overridden through Tunables.
const (
	DefaultExecTimeout      = 30 * time.Second
	DefaultExecTimeoutMax   = 300 * time.Second
	DefaultVCPUs            = 1
	DefaultPoolTTL          = 10 * time.Minute
	DefaultPoolMaxUses      = 50
	DefaultSweepInterval    = 60 * time.Second
	DefaultMaxOutputBytes   = 1 << 20 // 1 MiB combined stdout+stderr
	DefaultQueueWaitTimeout = 30 * time.Second
)

// Tunables bounds execution time, output volume, pooling, and queueing
// for every provider. The zero value is usable: WithDefaults fills each
// unset field with the package default.
type Tunables struct {
	// ExecTimeout applies when a tool does not set its own timeout.
	ExecTimeout time.Duration

	// ExecTimeoutMax caps per-tool timeouts. Requests above the cap are
	// clamped, not rejected.
	ExecTimeoutMax time.Duration

	// DefaultVCPUs is the vCPU allocation used when a tool does not set
	// one. Requested values below 1 are coerced to 1.
	DefaultVCPUs int

	// PoolTTL is the maximum age of a cached sandbox.
	PoolTTL time.Duration

	// PoolMaxUses is the number of successful executions a cached
	// sandbox serves before it is rebuilt.
	PoolMaxUses int

	// SweepInterval is how often the background sweep scans the pools.
	SweepInterval time.Duration

	// MaxOutputBytes caps combined stdout+stderr per execution.
	MaxOutputBytes int64

	// QueueWaitTimeout bounds the wait for a concurrency permit.
	QueueWaitTimeout time.Duration
}

// WithDefaults returns a copy with every unset field filled in.
func (t Tunables) WithDefaults() Tunables {
	if t.ExecTimeout <= 0 {
		t.ExecTimeout = DefaultExecTimeout
	}
	if t.ExecTimeoutMax <= 0 {
		t.ExecTimeoutMax = DefaultExecTimeoutMax
	}
	if t.DefaultVCPUs <= 0 {
		t.DefaultVCPUs = DefaultVCPUs
	}
	if t.PoolTTL <= 0 {
		t.PoolTTL = DefaultPoolTTL
	}
	if t.PoolMaxUses <= 0 {
		t.PoolMaxUses = DefaultPoolMaxUses
	}
	if t.SweepInterval <= 0 {
		t.SweepInterval = DefaultSweepInterval
	}
	if t.MaxOutputBytes <= 0 {
		t.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if t.QueueWaitTimeout <= 0 {
		t.QueueWaitTimeout = DefaultQueueWaitTimeout
	}
	return t
}

// EffectiveTimeout resolves a tool's requested timeout in seconds against
// the default and the hard cap.
func (t Tunables) EffectiveTimeout(requestedSeconds int) time.Duration {
	d := t.ExecTimeout
	if requestedSeconds > 0 {
		d = time.Duration(requestedSeconds) * time.Second
	}
	if d > t.ExecTimeoutMax {
		d = t.ExecTimeoutMax
	}
	return d
}

// EffectiveVCPUs resolves a tool's requested vCPU allocation, applying
// the default and coercing the result to at least 1.
func (t Tunables) EffectiveVCPUs(requested int) int {
	v := requested
	if v == 0 {
		v = t.DefaultVCPUs
	}
	if v < 1 {
		v = 1
	}
	return v
}
