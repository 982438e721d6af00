package ack

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newCoordinator(t *testing.T, clk clock.Clock) *Coordinator {
	t.Helper()
	c, err := New(Config{Clock: clk, Threshold: DefaultThreshold, SweepInterval: DefaultSweepInterval})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConfigValidate(t *testing.T) {
	tests := []Config{
		{Threshold: time.Second, SweepInterval: time.Second},
		{Clock: clock.WallClock, SweepInterval: time.Second},
		{Clock: clock.WallClock, Threshold: time.Second},
	}
	for i, cfg := range tests {
		if _, err := New(cfg); !errors.Is(err, errors.NotValid) {
			t.Errorf("#%d: expected not valid, got %v", i, err)
		}
	}
}

func TestResolveCompletesOnce(t *testing.T) {
	c := newCoordinator(t, clock.WallClock)
	id := c.NextID()
	w := c.Create(id)
	if c.Pending() != 1 {
		t.Fatalf("expected one pending ack")
	}
	c.Resolve(id)
	c.Resolve(id)
	c.Resolve(id + 100)
	if err := w.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if c.Pending() != 0 {
		t.Errorf("ack still pending")
	}
	// a late cancel does not change the outcome
	c.Cancel(id)
	if err := w.Wait(context.Background()); err != nil {
		t.Errorf("second Wait: %v", err)
	}
}

func TestNextIDIsUnique(t *testing.T) {
	c := newCoordinator(t, clock.WallClock)
	seen := make(map[int32]bool)
	for i := 0; i < 1000; i++ {
		id := c.NextID()
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}

func TestSweepExpiresOldWaiters(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	c := newCoordinator(t, clk)
	w := c.Create(c.NextID())

	for i := 0; i < 5; i++ {
		if err := clk.WaitAdvance(DefaultSweepInterval, time.Second, 1); err != nil {
			t.Fatal(err)
		}
	}
	// make sure the fifth sweep ran before checking
	if err := clk.WaitAdvance(0, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	if c.Pending() != 1 {
		t.Fatalf("waiter expired before the threshold")
	}

	fresh := c.Create(c.NextID())
	if err := clk.WaitAdvance(DefaultSweepInterval, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Wait(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if c.Pending() != 1 {
		t.Errorf("only the old waiter should expire, pending=%d", c.Pending())
	}
	c.Resolve(fresh.ID())
	if err := fresh.Wait(ctx); err != nil {
		t.Errorf("fresh waiter: %v", err)
	}
}

func TestWaitCancelledByContext(t *testing.T) {
	c := newCoordinator(t, clock.WallClock)
	w := c.Create(c.NextID())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context cancellation, got %v", err)
	}
	if c.Pending() != 0 {
		t.Error("cancelled waiter left pending")
	}
}

func TestCloseCancelsWaiters(t *testing.T) {
	c, err := New(Config{Clock: clock.WallClock, Threshold: time.Minute, SweepInterval: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	w := c.Create(1)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected closed, got %v", err)
	}
	if err := c.Create(2).Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("create after close: %v", err)
	}
}
