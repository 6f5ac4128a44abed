package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Manager owns every sandbox pool in the process and runs the periodic
// sweep over them. It is constructed once by the hosting runtime and
// handed to the factory, so pooling state is shared without package
// globals and swappable in tests.
type Manager struct {
	ttl           time.Duration
	maxUses       int
	sweepInterval time.Duration

	mu    sync.Mutex
	pools []*Pool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a Manager and starts its sweep loop. Close stops
// the loop and destroys all cached sandboxes.
func NewManager(t Tunables) *Manager {
	t = t.WithDefaults()
	m := &Manager{
		ttl:           t.PoolTTL,
		maxUses:       t.PoolMaxUses,
		sweepInterval: t.SweepInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// NewPool registers and returns a pool carrying the manager's TTL and
// use budget. name labels the pool's log lines and metrics.
func (m *Manager) NewPool(name string) *Pool {
	p := NewPool(name, m.ttl, m.maxUses)
	m.mu.Lock()
	m.pools = append(m.pools, p)
	m.mu.Unlock()
	return p
}

func (m *Manager) sweepLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepAll()
		}
	}
}

func (m *Manager) sweepAll() {
	m.mu.Lock()
	pools := make([]*Pool, len(m.pools))
	copy(pools, m.pools)
	m.mu.Unlock()

	// Destruction can involve a remote API call; bound the whole pass.
	ctx, cancel := context.WithTimeout(context.Background(), m.sweepInterval)
	defer cancel()

	for _, p := range pools {
		p.Sweep(ctx)
	}
}

// Close stops the sweep loop and destroys every cached sandbox.
func (m *Manager) Close(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.done

	m.mu.Lock()
	pools := make([]*Pool, len(m.pools))
	copy(pools, m.pools)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close(ctx)
	}
	slog.Debug("sandbox pools closed", "pools", len(pools))
}
