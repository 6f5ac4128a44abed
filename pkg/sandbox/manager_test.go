package sandbox

import (
	"context"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// TestManager
// ---------------------------------------------------------------------------

func TestManagerBackgroundSweep(t *testing.T) {
	m := NewManager(Tunables{
		PoolTTL:       20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		PoolMaxUses:   50,
	})
	defer m.Close(context.Background())

	ctx := context.Background()
	p := m.NewPool("native")
	f := &handleFactory{}

	l, err := p.Acquire(ctx, "fp1", nil, f.create)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	h := l.Handle.(*fakeHandle)
	l.Done(ctx)

	// The sweep loop must clear the expired entry without any further
	// request touching the pool.
	deadline := time.Now().Add(2 * time.Second)
	for p.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if p.Len() != 0 {
		t.Fatal("background sweep never evicted the expired sandbox")
	}
	if !h.destroyed.Load() {
		t.Error("expected the swept sandbox to be destroyed")
	}
}

func TestManagerCloseDestroysEverything(t *testing.T) {
	m := NewManager(Tunables{})
	ctx := context.Background()

	p1 := m.NewPool("native")
	p2 := m.NewPool("remote")
	f := &handleFactory{}

	l1, _ := p1.Acquire(ctx, "fp1", nil, f.create)
	h1 := l1.Handle.(*fakeHandle)
	l1.Done(ctx)
	l2, _ := p2.Acquire(ctx, "fp2", nil, f.create)
	h2 := l2.Handle.(*fakeHandle)
	l2.Done(ctx)

	m.Close(ctx)

	if !h1.destroyed.Load() || !h2.destroyed.Load() {
		t.Error("expected Close to destroy sandboxes in every pool")
	}
}
