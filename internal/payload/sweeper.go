package payload

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
)

const (
	DefaultCleanupTTL      = time.Second
	DefaultCleanupInterval = 6 * time.Hour

	sweepTimeout = time.Minute
)

// Expirer deletes stored frames older than a given age.
type Expirer interface {
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

type SweeperConfig struct {
	Store    Expirer
	Clock    clock.Clock
	TTL      time.Duration
	Interval time.Duration
	// OnSweep, when set, receives the number of deleted rows.
	OnSweep func(deleted int64)
}

func (c SweeperConfig) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.TTL <= 0 {
		return errors.NotValidf("non-positive TTL")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	return nil
}

// Sweeper periodically deletes expired frames on its own timer.
type Sweeper struct {
	cfg  SweeperConfig
	tomb tomb.Tomb
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Sweeper{cfg: cfg}
	s.tomb.Go(s.loop)
	return s, nil
}

func (s *Sweeper) loop() error {
	timer := s.cfg.Clock.NewTimer(s.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-s.tomb.Dying():
			return tomb.ErrDying
		case <-timer.Chan():
			s.sweep()
			timer.Reset(s.cfg.Interval)
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(s.tomb.Context(nil), sweepTimeout)
	defer cancel()
	deleted, err := s.cfg.Store.DeleteOlderThan(ctx, s.cfg.TTL)
	if err != nil {
		// the next tick tries again
		logger.WarnF("Payload cleanup failed: %v", err)
		return
	}
	logger.DebugF("Payload cleanup removed %d rows", deleted)
	if s.cfg.OnSweep != nil {
		s.cfg.OnSweep(deleted)
	}
}

func (s *Sweeper) Kill() {
	s.tomb.Kill(nil)
}

func (s *Sweeper) Wait() error {
	return s.tomb.Wait()
}

// Close stops the sweeper and waits for a running sweep to finish.
func (s *Sweeper) Close() error {
	s.Kill()
	return errors.Trace(s.Wait())
}
