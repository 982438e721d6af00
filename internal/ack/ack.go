// Package ack tracks requests sent to other servers until they acknowledge
// them or a sweep expires them.
package ack

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
)

const (
	ErrTimeout = errors.ConstError("ack timed out")
	ErrClosed  = errors.ConstError("ack coordinator closed")

	DefaultThreshold     = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

type Config struct {
	Clock         clock.Clock
	Threshold     time.Duration
	SweepInterval time.Duration
}

func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Threshold <= 0 {
		return errors.NotValidf("non-positive Threshold")
	}
	if c.SweepInterval <= 0 {
		return errors.NotValidf("non-positive SweepInterval")
	}
	return nil
}

// Waiter completes exactly once.
type Waiter struct {
	id      int32
	created time.Time
	owner   *Coordinator
	done    chan struct{}
	once    sync.Once
	err     error
}

func (w *Waiter) ID() int32 {
	return w.id
}

func (w *Waiter) complete(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// Wait blocks until the ack arrives, the waiter expires, the coordinator
// closes or ctx is done. A cancelled wait removes the waiter.
func (w *Waiter) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		w.owner.remove(w.id, ctx.Err())
		<-w.done
		return w.err
	}
}

type Coordinator struct {
	cfg    Config
	tomb   tomb.Tomb
	nextID atomic.Int32

	mu      sync.Mutex
	pending map[int32]*Waiter
	closed  bool
}

// New starts the sweep worker. Stop it with Close.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c := &Coordinator{cfg: cfg, pending: make(map[int32]*Waiter)}
	c.tomb.Go(c.loop)
	return c, nil
}

// NextID returns a fresh id for a request.
func (c *Coordinator) NextID() int32 {
	return c.nextID.Add(1)
}

// Create registers a waiter for id. On a closed coordinator the waiter is
// already failed with ErrClosed.
func (c *Coordinator) Create(id int32) *Waiter {
	w := &Waiter{id: id, created: c.cfg.Clock.Now(), owner: c, done: make(chan struct{})}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		w.complete(ErrClosed)
		return w
	}
	if old, ok := c.pending[id]; ok {
		old.complete(errors.AlreadyExistsf("ack %d", id))
	}
	c.pending[id] = w
	return w
}

// Resolve completes the waiter for id. Unknown or finished ids are ignored.
func (c *Coordinator) Resolve(id int32) {
	c.remove(id, nil)
}

// Cancel fails the waiter for id with ErrClosed.
func (c *Coordinator) Cancel(id int32) {
	c.remove(id, ErrClosed)
}

func (c *Coordinator) remove(id int32, err error) {
	c.mu.Lock()
	w, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		w.complete(err)
	}
}

// Pending counts outstanding waiters.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) loop() error {
	timer := c.cfg.Clock.NewTimer(c.cfg.SweepInterval)
	defer timer.Stop()
	for {
		select {
		case <-c.tomb.Dying():
			return tomb.ErrDying
		case <-timer.Chan():
			if expired := c.sweep(); expired > 0 {
				logger.WarnF("Expired %d acks older than %s", expired, c.cfg.Threshold)
			}
			timer.Reset(c.cfg.SweepInterval)
		}
	}
}

func (c *Coordinator) sweep() int {
	now := c.cfg.Clock.Now()
	var expired []*Waiter
	c.mu.Lock()
	for id, w := range c.pending {
		if now.Sub(w.created) >= c.cfg.Threshold {
			delete(c.pending, id)
			expired = append(expired, w)
		}
	}
	c.mu.Unlock()
	for _, w := range expired {
		w.complete(ErrTimeout)
	}
	return len(expired)
}

// Close stops the sweep and fails every outstanding waiter with ErrClosed.
func (c *Coordinator) Close() error {
	c.tomb.Kill(nil)
	err := c.tomb.Wait()

	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[int32]*Waiter)
	c.mu.Unlock()
	for _, w := range pending {
		w.complete(ErrClosed)
	}
	return errors.Trace(err)
}
