package event

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
)

const DefaultCleanTimeout = 10 * time.Second

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	runOnce        sync.Once
	cleaning       bool
	timeout        time.Duration
	loggerShutdown Callable
	exit           func(code int)
	errs           []error
}

var cleanerInstance = NewIsolatedCleaner()

// NewCleaner returns the process wide cleaner.
func NewCleaner() *Cleaner {
	return cleanerInstance
}

// NewIsolatedCleaner returns a cleaner that is not shared with the rest of the process.
func NewIsolatedCleaner() *Cleaner {
	return &Cleaner{timeout: DefaultCleanTimeout, exit: os.Exit}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Run invokes every registered callable once, newest first, each bounded by
// the cleaner timeout. Subsequent calls return the first result.
func (c *Cleaner) Run(ctx context.Context) []error {
	c.runOnce.Do(func() {
		c.mu.Lock()
		c.cleaning = true
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		for i := len(cleanersCopy) - 1; i >= 0; i-- {
			callable := cleanersCopy[i]
			func() {
				logger.DebugF("Invoking cleaner #%d (%T)", i+1, callable)
				timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
				defer cancel()
				if err := callable.Invoke(timeoutCtx); err != nil {
					logger.ErrorF("Cleaner #%d (%T) failed: %v", i+1, callable, err)
					c.errs = append(c.errs, err)
				}
			}()
		}

		if len(c.errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(c.errs))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
	})
	return c.errs
}

// Init runs the cleanup on SIGINT or SIGTERM, then stops the logger and exits.
func (c *Cleaner) Init(loggerShutdown Callable) {
	c.initOnce.Do(func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		c.loggerShutdown = loggerShutdown

		go func() {
			<-ctx.Done()
			stop()
			logger.Info("Received interrupt signal, shutting down")
			c.Shutdown(0)
		}()
	})
}

// Shutdown runs the cleanup, stops the logger and exits with code.
func (c *Cleaner) Shutdown(code int) {
	errs := c.Run(context.Background())
	logger.Info("Cleanup finished, server offline")
	if c.loggerShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
		}
	}
	if code == 0 && len(errs) > 0 {
		code = 1
	}
	c.exit(code)
}
