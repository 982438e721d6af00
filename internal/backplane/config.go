package backplane

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/ack"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/channel"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/codec"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/listener"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/payload"
)

const (
	DefaultQueueSize = 1024
	DefaultFanOut    = 64
)

// Config holds the collaborators of a Coordinator. Zero durations and sizes
// are replaced by defaults in New.
type Config struct {
	Namer *channel.Namer
	// ServerID defaults to the host name joined with a random suffix.
	ServerID string
	Dial     listener.Dialer
	Payload  payload.Strategy
	Codecs   *codec.Registry
	Clock    clock.Clock
	Metrics  *metrics.Collector

	AckThreshold     time.Duration
	AckSweepInterval time.Duration
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	QueueSize        int
	FanOut           int

	// OnInitialized runs once, after the first successful initialization.
	OnInitialized func()
}

func (c Config) Validate() error {
	if c.Namer == nil {
		return errors.NotValidf("nil Namer")
	}
	if c.Dial == nil {
		return errors.NotValidf("nil Dial")
	}
	if c.Payload == nil {
		return errors.NotValidf("nil Payload")
	}
	if c.Codecs == nil || len(c.Codecs.Names()) == 0 {
		return errors.NotValidf("empty Codecs")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.QueueSize < 0 || c.FanOut < 0 {
		return errors.NotValidf("negative QueueSize or FanOut")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ServerID == "" {
		c.ServerID = NewServerID()
	}
	if c.AckThreshold <= 0 {
		c.AckThreshold = ack.DefaultThreshold
	}
	if c.AckSweepInterval <= 0 {
		c.AckSweepInterval = ack.DefaultSweepInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = listener.DefaultRetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = listener.DefaultMaxRetryDelay
		if c.MaxRetryDelay < c.RetryDelay {
			c.MaxRetryDelay = c.RetryDelay
		}
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.FanOut == 0 {
		c.FanOut = DefaultFanOut
	}
	return c
}

// NewServerID returns hostname_<random hex>.
func NewServerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "server"
	}
	return host + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
