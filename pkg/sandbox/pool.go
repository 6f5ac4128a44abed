package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	poolEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "werkstatt_sandbox_pool_entries",
			Help: "Warm sandboxes currently cached",
		},
		[]string{"pool"},
	)

	poolHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "werkstatt_sandbox_pool_hits_total",
			Help: "Executions served from a cached sandbox",
		},
		[]string{"pool"},
	)

	poolMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "werkstatt_sandbox_pool_misses_total",
			Help: "Executions that had to build a sandbox",
		},
		[]string{"pool"},
	)

	poolEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "werkstatt_sandbox_pool_evictions_total",
			Help: "Cached sandboxes destroyed, by reason",
		},
		[]string{"pool", "reason"},
	)
)

func init() {
	prometheus.MustRegister(poolEntries, poolHits, poolMisses, poolEvictions)
}

// Handle is the provider-specific resource behind a pool entry: a local
// workspace directory for the native provider, a running micro-VM for
// the remote one. Destroy releases it; the pool logs destruction errors
// and never propagates them.
type Handle interface {
	Destroy(ctx context.Context) error
}

// CreateFunc builds a new sandbox for a fingerprint, including dependency
// installation. An error means provisioning failed and nothing is cached.
type CreateFunc func(ctx context.Context) (Handle, error)

// entry is one cached sandbox. pins counts leases currently holding it;
// removed entries stay alive until the last pin is released, so an
// eviction never pulls a workspace out from under a running execution.
type entry struct {
	handle    Handle
	deps      map[string]string
	createdAt time.Time
	useCount  int
	pins      int
	removed   bool
}

// Pool caches warm sandboxes keyed by dependency fingerprint. At most
// one live entry exists per fingerprint. Entries expire after the TTL or
// after maxUses successful executions, whichever comes first; a failed
// execution evicts its entry unconditionally.
type Pool struct {
	name    string
	ttl     time.Duration
	maxUses int

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	flight singleflight.Group
}

// NewPool creates an empty pool. name labels log lines and metrics.
func NewPool(name string, ttl time.Duration, maxUses int) *Pool {
	return &Pool{
		name:    name,
		ttl:     ttl,
		maxUses: maxUses,
		entries: make(map[string]*entry),
	}
}

// Lease is a pinned sandbox handed to exactly one execution attempt.
// End it with Done after a successful run (counts the use, keeps the
// sandbox cached) or Fail after any execution failure (evicts it).
type Lease struct {
	Handle Handle

	// Reused is false when this lease's caller built the sandbox, true
	// when it came from the cache or from a creation another concurrent
	// caller performed.
	Reused bool

	pool        *Pool
	fingerprint string
	e           *entry
	once        sync.Once
}

// Done releases the lease after a successful execution.
func (l *Lease) Done(ctx context.Context) {
	l.once.Do(func() { l.pool.release(ctx, l, true) })
}

// Fail releases the lease after a failed execution, evicting the entry
// so the next call with this fingerprint builds a fresh sandbox.
func (l *Lease) Fail(ctx context.Context) {
	l.once.Do(func() { l.pool.release(ctx, l, false) })
}

// Acquire returns a leased sandbox for the fingerprint, building one via
// create when no valid cached entry exists. Creation is single-flighted
// per fingerprint: concurrent cold callers share one build, and a failed
// build is reported to all of them with nothing cached.
func (p *Pool) Acquire(ctx context.Context, fingerprint string, deps map[string]string, create CreateFunc) (*Lease, error) {
	for {
		lease, closed := p.cachedLease(ctx, fingerprint)
		if closed {
			return nil, NewProvisioningError("sandbox pool is shut down", nil)
		}
		if lease != nil {
			poolHits.WithLabelValues(p.name).Inc()
			return lease, nil
		}
		poolMisses.WithLabelValues(p.name).Inc()

		won := false
		v, err, _ := p.flight.Do(fingerprint, func() (any, error) {
			handle, err := create(ctx)
			if err != nil {
				return nil, err
			}
			won = true
			e := &entry{handle: handle, deps: deps, createdAt: time.Now()}

			var stale *entry
			p.mu.Lock()
			if old, ok := p.entries[fingerprint]; ok {
				stale = p.removeLocked(fingerprint, old, "replaced")
			}
			p.entries[fingerprint] = e
			poolEntries.WithLabelValues(p.name).Inc()
			p.mu.Unlock()

			if stale != nil {
				p.destroy(ctx, fingerprint, stale)
			}
			slog.Debug("sandbox created",
				"pool", p.name,
				"fingerprint", fingerprint,
				"dependencies", len(deps),
			)
			return e, nil
		})
		if err != nil {
			return nil, err
		}

		e := v.(*entry)
		p.mu.Lock()
		if cur, ok := p.entries[fingerprint]; ok && cur == e && !e.removed {
			e.pins++
			p.mu.Unlock()
			return &Lease{
				Handle:      e.handle,
				Reused:      !won,
				pool:        p,
				fingerprint: fingerprint,
				e:           e,
			}, nil
		}
		p.mu.Unlock()
		// The fresh entry was evicted before we could pin it (a very
		// short TTL and an aggressive sweep). Start over.
	}
}

// cachedLease pins and returns the entry for fingerprint if one exists
// and is still valid. A stale entry is removed on the way.
func (p *Pool) cachedLease(ctx context.Context, fingerprint string) (*Lease, bool) {
	var stale *entry

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, true
	}
	e, ok := p.entries[fingerprint]
	if ok {
		if reason := p.staleReason(e); reason != "" {
			stale = p.removeLocked(fingerprint, e, reason)
		} else {
			e.pins++
			p.mu.Unlock()
			return &Lease{
				Handle:      e.handle,
				Reused:      true,
				pool:        p,
				fingerprint: fingerprint,
				e:           e,
			}, false
		}
	}
	p.mu.Unlock()

	if stale != nil {
		p.destroy(ctx, fingerprint, stale)
	}
	return nil, false
}

// staleReason reports why an entry can no longer be served, or "".
func (p *Pool) staleReason(e *entry) string {
	if p.ttl > 0 && time.Since(e.createdAt) >= p.ttl {
		return "ttl"
	}
	if p.maxUses > 0 && e.useCount >= p.maxUses {
		return "max_uses"
	}
	return ""
}

// release ends a lease. Success counts a use; failure evicts the entry.
func (p *Pool) release(ctx context.Context, l *Lease, success bool) {
	var destroy *entry

	p.mu.Lock()
	l.e.pins--
	if success {
		l.e.useCount++
	} else if !l.e.removed {
		if cur, ok := p.entries[l.fingerprint]; ok && cur == l.e {
			p.removeLocked(l.fingerprint, l.e, "failure")
		}
	}
	if l.e.removed && l.e.pins == 0 {
		destroy = l.e
	}
	p.mu.Unlock()

	if destroy != nil {
		p.destroy(ctx, l.fingerprint, destroy)
	}
}

// Evict removes and destroys the entry for fingerprint if present.
func (p *Pool) Evict(ctx context.Context, fingerprint string, reason string) {
	var destroy *entry

	p.mu.Lock()
	if e, ok := p.entries[fingerprint]; ok {
		destroy = p.removeLocked(fingerprint, e, reason)
	}
	p.mu.Unlock()

	if destroy != nil {
		p.destroy(ctx, fingerprint, destroy)
	}
}

// Sweep evicts every entry past its TTL or use budget. Called on a fixed
// interval by the Manager, independent of the request path.
func (p *Pool) Sweep(ctx context.Context) {
	type victim struct {
		fingerprint string
		e           *entry
	}
	var destroy []victim

	p.mu.Lock()
	for fp, e := range p.entries {
		if reason := p.staleReason(e); reason != "" {
			if d := p.removeLocked(fp, e, reason); d != nil {
				destroy = append(destroy, victim{fp, d})
			}
		}
	}
	p.mu.Unlock()

	for _, v := range destroy {
		p.destroy(ctx, v.fingerprint, v.e)
	}
}

// Close evicts all entries and rejects further acquisitions.
func (p *Pool) Close(ctx context.Context) {
	type victim struct {
		fingerprint string
		e           *entry
	}
	var destroy []victim

	p.mu.Lock()
	p.closed = true
	for fp, e := range p.entries {
		if d := p.removeLocked(fp, e, "shutdown"); d != nil {
			destroy = append(destroy, victim{fp, d})
		}
	}
	p.mu.Unlock()

	for _, v := range destroy {
		p.destroy(ctx, v.fingerprint, v.e)
	}
}

// Len reports the number of cached entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// removeLocked takes an entry out of the map and reports it as the
// caller's to destroy if no lease still pins it. Pinned entries are
// destroyed by the final release instead. Caller holds p.mu.
func (p *Pool) removeLocked(fingerprint string, e *entry, reason string) *entry {
	if e.removed {
		return nil
	}
	e.removed = true
	delete(p.entries, fingerprint)
	poolEntries.WithLabelValues(p.name).Dec()
	poolEvictions.WithLabelValues(p.name, reason).Inc()
	slog.Debug("sandbox evicted",
		"pool", p.name,
		"fingerprint", fingerprint,
		"reason", reason,
		"age", time.Since(e.createdAt).Round(time.Millisecond),
		"uses", e.useCount,
	)
	if e.pins > 0 {
		return nil
	}
	return e
}

// destroy releases the underlying resource. Failures are logged and
// swallowed; they must never override an execution result.
func (p *Pool) destroy(ctx context.Context, fingerprint string, e *entry) {
	if err := e.handle.Destroy(ctx); err != nil {
		slog.Warn("sandbox destroy failed",
			"pool", p.name,
			"fingerprint", fingerprint,
			"error", err,
		)
	}
}
