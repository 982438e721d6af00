package event

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCleanerRunsInReverseOrder(t *testing.T) {
	c := NewIsolatedCleaner()
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		c.Add(CallableFunc(func(context.Context) error {
			order = append(order, i)
			return nil
		}))
	}
	if errs := c.Run(context.Background()); len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Errorf("expected reverse order, got %v", order)
	}

	// a second run and late registrations are ignored
	c.Add(CallableFunc(func(context.Context) error {
		t.Error("late cleaner invoked")
		return nil
	}))
	c.Run(context.Background())
	if len(order) != 3 {
		t.Errorf("cleaners ran twice: %v", order)
	}
}

func TestCleanerCollectsErrorsAndTimeouts(t *testing.T) {
	c := NewIsolatedCleaner()
	c.timeout = 10 * time.Millisecond
	boom := errors.New("boom")
	c.Add(CallableFunc(func(context.Context) error { return boom }))
	c.Add(CallableFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	errs := c.Run(context.Background())
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %v", errs)
	}
	if !errors.Is(errs[0], context.DeadlineExceeded) || !errors.Is(errs[1], boom) {
		t.Errorf("unexpected errors %v", errs)
	}
}

func TestShutdownExitCode(t *testing.T) {
	c := NewIsolatedCleaner()
	c.Add(CallableFunc(func(context.Context) error { return errors.New("x") }))
	loggerStopped := false
	c.loggerShutdown = CallableFunc(func(context.Context) error {
		loggerStopped = true
		return nil
	})
	code := -1
	c.exit = func(c int) { code = c }
	c.Shutdown(0)
	if code != 1 || !loggerStopped {
		t.Errorf("expected exit 1 with logger stopped, got %d %v", code, loggerStopped)
	}
}
