package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/rhuss/werkstatt/pkg/debug"
)

var (
	gateQueueWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "werkstatt_sandbox_queue_wait_seconds",
			Help:    "Time spent waiting for a concurrency permit",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"vcpus"},
	)

	gateQueueTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "werkstatt_sandbox_queue_timeouts_total",
			Help: "Permit waits abandoned at the queue-wait timeout",
		},
		[]string{"vcpus"},
	)

	gateActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "werkstatt_sandbox_active_executions",
			Help: "Executions currently holding a concurrency permit",
		},
		[]string{"vcpus"},
	)
)

func init() {
	prometheus.MustRegister(gateQueueWait, gateQueueTimeouts, gateActive)
}

// GateRegistry holds one counting semaphore per distinct vCPU allocation.
// A class with K vCPUs admits K concurrent executions; waiters beyond
// that queue FIFO and give up after the queue-wait timeout. Gates are
// created lazily and live for the registry's lifetime. There is no
// fairness across classes: each class has an independent permit pool.
type GateRegistry struct {
	waitTimeout time.Duration

	mu    sync.Mutex
	gates map[int]*semaphore.Weighted
}

// NewGateRegistry creates a registry whose waiters time out after
// waitTimeout in the queue.
func NewGateRegistry(waitTimeout time.Duration) *GateRegistry {
	return &GateRegistry{
		waitTimeout: waitTimeout,
		gates:       make(map[int]*semaphore.Weighted),
	}
}

func (g *GateRegistry) gate(vcpus int) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()

	sem, ok := g.gates[vcpus]
	if !ok {
		sem = semaphore.NewWeighted(int64(vcpus))
		g.gates[vcpus] = sem
	}
	return sem
}

// Acquire obtains one permit from the gate for the given vCPU class,
// blocking until a permit is free, the queue-wait timeout elapses, or
// ctx is canceled. vcpus values below 1 are coerced to 1. On success the
// returned release function must be called exactly once; it is safe to
// call from a deferred statement on every path.
func (g *GateRegistry) Acquire(ctx context.Context, vcpus int) (release func(), err error) {
	if vcpus < 1 {
		vcpus = 1
	}
	label := strconv.Itoa(vcpus)
	sem := g.gate(vcpus)

	waitCtx, cancel := context.WithTimeout(ctx, g.waitTimeout)
	defer cancel()

	start := time.Now()
	if err := sem.Acquire(waitCtx, 1); err != nil {
		if waitCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			gateQueueTimeouts.WithLabelValues(label).Inc()
			return nil, NewQueueTimeoutError(fmt.Sprintf(
				"no concurrency permit for %d vCPU(s) within %s", vcpus, g.waitTimeout))
		}
		// Caller went away while queued.
		return nil, ctx.Err()
	}

	gateQueueWait.WithLabelValues(label).Observe(time.Since(start).Seconds())
	gateActive.WithLabelValues(label).Inc()
	debug.Log("gate", "permit acquired",
		"vcpus", vcpus,
		"wait", time.Since(start).Round(time.Millisecond),
	)

	var once sync.Once
	return func() {
		once.Do(func() {
			gateActive.WithLabelValues(label).Dec()
			sem.Release(1)
		})
	}, nil
}
