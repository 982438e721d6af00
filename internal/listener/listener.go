// Package listener owns the dedicated LISTEN connection of a server.
//
// A single pump goroutine is the only user of the connection once it is
// started. Subscribe and Unsubscribe record the channel in the tracked set,
// queue the matching statement and wake the pump, which applies queued
// statements in one batch. When the connection fails the pump dials a new
// one with backoff and listens to the whole tracked set again.
package listener

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
)

const (
	// ErrClosed is returned by operations on a closed listener.
	ErrClosed = errors.ConstError("listener closed")

	DefaultRetryDelay    = 100 * time.Millisecond
	DefaultMaxRetryDelay = 10 * time.Second

	closeTimeout = 5 * time.Second
)

type Notification struct {
	Channel string
	Payload string
	PID     uint32
}

// Conn is the subset of a Postgres connection the listener needs.
type Conn interface {
	Exec(ctx context.Context, sql string) error
	WaitForNotification(ctx context.Context) (*Notification, error)
	Close(ctx context.Context) error
}

type Dialer func(ctx context.Context) (Conn, error)

// Handler receives notifications on the pump goroutine. It must not call
// Flush or Close.
type Handler func(Notification)

type State int

const (
	Closed State = iota
	Connecting
	Listening
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

type Config struct {
	Dial          Dialer
	Handler       Handler
	Clock         clock.Clock
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// OnReconnect, when set, is called after every successful reconnect.
	OnReconnect func()
}

func (c Config) Validate() error {
	if c.Dial == nil {
		return errors.NotValidf("nil Dial")
	}
	if c.Handler == nil {
		return errors.NotValidf("nil Handler")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.RetryDelay <= 0 {
		return errors.NotValidf("non-positive RetryDelay")
	}
	if c.MaxRetryDelay < c.RetryDelay {
		return errors.NotValidf("MaxRetryDelay below RetryDelay")
	}
	return nil
}

type opKind int

const (
	opListen opKind = iota
	opUnlisten
	opUnlistenAll
)

type op struct {
	kind    opKind
	channel string
}

func (o op) sql() string {
	switch o.kind {
	case opListen:
		return "LISTEN " + pgx.Identifier{o.channel}.Sanitize()
	case opUnlisten:
		return "UNLISTEN " + pgx.Identifier{o.channel}.Sanitize()
	}
	return "UNLISTEN *"
}

func batch(ops []op) string {
	statements := make([]string, len(ops))
	for i, o := range ops {
		statements[i] = o.sql()
	}
	return strings.Join(statements, ";")
}

func listenAll(channels []string) string {
	ops := make([]op, len(channels))
	for i, ch := range channels {
		ops[i] = op{kind: opListen, channel: ch}
	}
	return batch(ops)
}

type Listener struct {
	cfg  Config
	tomb tomb.Tomb

	startMu sync.Mutex

	// mu is the gate for everything below.
	mu       sync.Mutex
	state    State
	queueing bool
	started  bool
	closed   bool
	conn     Conn
	tracked  set.Strings
	ops      []op
	barriers []chan struct{}
	wake     context.CancelFunc
}

func New(cfg Config) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Listener{cfg: cfg, tracked: set.NewStrings()}, nil
}

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Tracked returns the sorted set of channels the listener keeps listened.
func (l *Listener) Tracked() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracked.SortedValues()
}

// EnsureReady dials the connection, listens to every tracked channel and
// starts the pump. It is a no-op once the pump runs; from then on the pump
// owns reconnection.
func (l *Listener) EnsureReady(ctx context.Context) error {
	l.startMu.Lock()
	defer l.startMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.state = Connecting
	l.queueing = true
	l.mu.Unlock()

	conn, err := l.cfg.Dial(ctx)
	if err != nil {
		l.abortStart()
		return errors.Annotate(err, "opening listen connection")
	}
	if err := l.resubscribe(ctx, conn); err != nil {
		closeConn(conn)
		l.abortStart()
		return errors.Annotate(err, "listening to tracked channels")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		closeConn(conn)
		return ErrClosed
	}
	l.conn = conn
	l.started = true
	l.state = Listening
	l.tomb.Go(l.loop)
	logger.DebugF("Listener ready with %d channels", l.tracked.Size())
	return nil
}

// Subscribe starts listening to channel. Subscribing twice is a no-op.
func (l *Listener) Subscribe(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.tracked.Contains(channel) {
		return
	}
	l.tracked.Add(channel)
	l.enqueueLocked(op{kind: opListen, channel: channel})
}

// Unsubscribe stops listening to channel. Unknown channels are ignored.
func (l *Listener) Unsubscribe(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.tracked.Contains(channel) {
		return
	}
	l.tracked.Remove(channel)
	l.enqueueLocked(op{kind: opUnlisten, channel: channel})
}

// UnsubscribeAll forgets every tracked channel.
func (l *Listener) UnsubscribeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.tracked = set.NewStrings()
	l.enqueueLocked(op{kind: opUnlistenAll})
}

func (l *Listener) enqueueLocked(o op) {
	if !l.queueing {
		// the first connect listens to the tracked set
		return
	}
	l.ops = append(l.ops, o)
	l.wakeLocked()
}

func (l *Listener) wakeLocked() {
	if l.wake != nil {
		l.wake()
		l.wake = nil
	}
}

// Flush returns once every Subscribe and Unsubscribe issued before the call
// is in effect on the live connection. It returns immediately when the
// listener has not been started.
func (l *Listener) Flush(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if !l.queueing {
		l.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	l.barriers = append(l.barriers, done)
	l.wakeLocked()
	l.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-l.tomb.Dying():
		return ErrClosed
	}
}

// Close stops the pump, unlistens everything and closes the connection.
func (l *Listener) Close(ctx context.Context) error {
	l.startMu.Lock()
	defer l.startMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	started := l.started
	l.wakeLocked()
	l.mu.Unlock()

	var err error
	l.tomb.Kill(nil)
	if started {
		err = l.tomb.Wait()
	}

	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.state = Closed
	l.queueing = false
	l.barriers = nil
	l.ops = nil
	l.mu.Unlock()

	if conn != nil {
		if uerr := conn.Exec(ctx, "UNLISTEN *"); uerr != nil {
			logger.DebugF("Unlisten on close failed: %v", uerr)
		}
		if cerr := conn.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return errors.Trace(err)
}

// abortStart resets a failed EnsureReady. Barriers are released since
// nothing is live to flush.
func (l *Listener) abortStart() {
	l.mu.Lock()
	barriers := l.barriers
	l.state = Closed
	l.queueing = false
	l.ops = nil
	l.barriers = nil
	l.mu.Unlock()
	for _, b := range barriers {
		close(b)
	}
}

// resubscribe listens to the full tracked set on conn and then discards the
// queued statements and barriers it subsumes.
func (l *Listener) resubscribe(ctx context.Context, conn Conn) error {
	l.mu.Lock()
	channels := l.tracked.SortedValues()
	pendingOps := len(l.ops)
	pendingBarriers := len(l.barriers)
	l.mu.Unlock()

	if len(channels) > 0 {
		if err := conn.Exec(ctx, listenAll(channels)); err != nil {
			return errors.Trace(err)
		}
	}

	l.mu.Lock()
	l.ops = l.ops[pendingOps:]
	released := l.barriers[:pendingBarriers]
	l.barriers = l.barriers[pendingBarriers:]
	l.mu.Unlock()
	for _, b := range released {
		close(b)
	}
	return nil
}

func (l *Listener) loop() error {
	for {
		select {
		case <-l.tomb.Dying():
			return tomb.ErrDying
		default:
		}

		l.mu.Lock()
		conn := l.conn
		ops := l.ops
		barriers := l.barriers
		l.ops = nil
		l.barriers = nil
		l.mu.Unlock()

		if len(ops) > 0 {
			if err := conn.Exec(l.tomb.Context(nil), batch(ops)); err != nil {
				l.mu.Lock()
				l.barriers = append(barriers, l.barriers...)
				l.mu.Unlock()
				if err := l.reconnect(err); err != nil {
					return err
				}
				continue
			}
		}
		for _, b := range barriers {
			close(b)
		}

		waitCtx, cancel := context.WithCancel(l.tomb.Context(nil))
		l.mu.Lock()
		if len(l.ops) > 0 || len(l.barriers) > 0 {
			l.mu.Unlock()
			cancel()
			continue
		}
		l.wake = cancel
		l.mu.Unlock()

		n, err := conn.WaitForNotification(waitCtx)
		woken := waitCtx.Err() != nil
		l.mu.Lock()
		l.wake = nil
		l.mu.Unlock()
		cancel()

		if err != nil {
			select {
			case <-l.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			if woken {
				continue
			}
			if err := l.reconnect(err); err != nil {
				return err
			}
			continue
		}
		if n != nil {
			l.cfg.Handler(*n)
		}
	}
}

func (l *Listener) reconnect(cause error) error {
	logger.WarnF("Listen connection lost, reconnecting: %v", cause)

	l.mu.Lock()
	old := l.conn
	l.conn = nil
	l.state = Reconnecting
	l.mu.Unlock()
	if old != nil {
		closeConn(old)
	}

	ctx := l.tomb.Context(nil)
	var fresh Conn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			conn, err := l.cfg.Dial(ctx)
			if err != nil {
				return errors.Trace(err)
			}
			if err := l.resubscribe(ctx, conn); err != nil {
				closeConn(conn)
				return errors.Trace(err)
			}
			fresh = conn
			return nil
		},
		Attempts:    -1,
		Delay:       l.cfg.RetryDelay,
		MaxDelay:    l.cfg.MaxRetryDelay,
		BackoffFunc: retry.ExpBackoff(l.cfg.RetryDelay, l.cfg.MaxRetryDelay, 2, true),
		Clock:       l.cfg.Clock,
		Stop:        l.tomb.Dying(),
		NotifyFunc: func(err error, attempt int) {
			logger.WarnF("Reconnect attempt %d failed: %v", attempt, err)
		},
	})
	if err != nil {
		if retry.IsRetryStopped(err) {
			return tomb.ErrDying
		}
		return errors.Annotate(err, "reconnecting listen connection")
	}

	l.mu.Lock()
	l.conn = fresh
	l.state = Listening
	tracked := l.tracked.Size()
	l.mu.Unlock()

	logger.InfoF("Listen connection restored, %d channels listened", tracked)
	if l.cfg.OnReconnect != nil {
		l.cfg.OnReconnect()
	}
	return nil
}

func closeConn(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		logger.DebugF("Closing listen connection: %v", err)
	}
}
