// Package backplane fans client messages out across servers sharing one
// Postgres database through LISTEN/NOTIFY.
package backplane

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/ack"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/channel"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/connection"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/listener"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/results"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/subscription"
)

// Session is a client connection handed to the coordinator by the host.
type Session = connection.Session

const (
	ErrClosed              = errors.ConstError("backplane closed")
	ErrSessionDisconnected = errors.ConstError("session disconnected")
	ErrCodecMismatch       = errors.ConstError("completion codec not supported")
	ErrResultType          = errors.ConstError("invocation result has an unexpected type")
)

type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// handlerFunc processes a resolved frame that arrived on channel.
type handlerFunc func(ctx context.Context, channel string, data []byte)

// Coordinator routes messages between the sessions of this server and the
// rest of the cluster. Locks are taken in the order subscriptions, handler
// table, listener; the dispatcher never waits on the listener.
type Coordinator struct {
	cfg      Config
	channels *channel.Channels
	listener *listener.Listener
	subs     *subscription.Manager
	sessions *connection.ConnectionManager
	acks     *ack.Coordinator
	results  *results.Manager

	hmu      sync.RWMutex
	handlers map[string]handlerFunc

	queue chan listener.Notification
	tomb  tomb.Tomb

	initMu   sync.Mutex
	state    State
	lifetime bool
	initOnce sync.Once
}

func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	cfg = cfg.withDefaults()

	c := &Coordinator{
		cfg:      cfg,
		channels: channel.NewChannels(cfg.Namer, cfg.ServerID),
		subs:     subscription.NewManager(),
		sessions: connection.NewConnectionManager(),
		results:  results.NewManager(),
		handlers: make(map[string]handlerFunc),
		queue:    make(chan listener.Notification, cfg.QueueSize),
	}
	l, err := listener.New(listener.Config{
		Dial:          cfg.Dial,
		Handler:       c.enqueue,
		Clock:         cfg.Clock,
		RetryDelay:    cfg.RetryDelay,
		MaxRetryDelay: cfg.MaxRetryDelay,
		OnReconnect:   cfg.Metrics.Reconnected,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	acks, err := ack.New(ack.Config{
		Clock:         cfg.Clock,
		Threshold:     cfg.AckThreshold,
		SweepInterval: cfg.AckSweepInterval,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.listener = l
	c.acks = acks
	c.tomb.Go(c.dispatch)
	return c, nil
}

func (c *Coordinator) ServerID() string {
	return c.cfg.ServerID
}

func (c *Coordinator) Channels() *channel.Channels {
	return c.channels
}

func (c *Coordinator) State() State {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.state
}

// Stats reports the gauges exported by the metrics collector.
func (c *Coordinator) Stats() metrics.State {
	return metrics.State{
		LocalSessions:      c.sessions.Len(),
		ListenedChannels:   len(c.listener.Tracked()),
		PendingAcks:        c.acks.Pending(),
		PendingInvocations: c.results.Pending(),
	}
}

// EnsureInitialized opens the listening connection and subscribes the
// channels that live as long as the coordinator. A failure leaves the
// coordinator uninitialized so the next caller retries.
func (c *Coordinator) EnsureInitialized(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	switch c.state {
	case Ready:
		return nil
	case Stopped:
		return ErrClosed
	}
	c.state = Initializing
	if !c.lifetime {
		c.registerLifetime()
		c.lifetime = true
	}
	if err := c.listener.EnsureReady(ctx); err != nil {
		c.state = Uninitialized
		logger.WarnF("Backplane %s failed to initialize, will retry: %v", c.cfg.ServerID, err)
		return errors.Annotate(err, "initializing backplane")
	}
	c.state = Ready
	logger.InfoF("Backplane %s ready", c.cfg.ServerID)
	c.initOnce.Do(c.runOnInitialized)
	return nil
}

func (c *Coordinator) runOnInitialized() {
	if c.cfg.OnInitialized == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("OnInitialized callback panicked: %v", r)
		}
	}()
	c.cfg.OnInitialized()
}

func (c *Coordinator) registerLifetime() {
	lifetime := map[string]handlerFunc{
		c.channels.All():             c.handleAll,
		c.channels.GroupManagement(): c.handleGroupCommand,
		c.channels.OwnAck():          c.handleAck,
		c.channels.OwnReturn():       c.handleCompletion,
	}
	for ch, h := range lifetime {
		c.setHandler(ch, h)
		c.listener.Subscribe(ch)
	}
}

func (c *Coordinator) setHandler(ch string, h handlerFunc) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[ch] = h
}

func (c *Coordinator) removeHandler(ch string) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	delete(c.handlers, ch)
}

func (c *Coordinator) handler(ch string) handlerFunc {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	return c.handlers[ch]
}

// subscribeWith returns the first-interest callback installing h.
func (c *Coordinator) subscribeWith(h handlerFunc) func(string) {
	return func(ch string) {
		c.setHandler(ch, h)
		c.listener.Subscribe(ch)
	}
}

func (c *Coordinator) unsubscribe(ch string) {
	c.removeHandler(ch)
	c.listener.Unsubscribe(ch)
}

// initializeLazily is called on every entry point. Delivery to local sessions
// and publishing keep working while the listener is down.
func (c *Coordinator) initializeLazily(ctx context.Context) error {
	err := c.EnsureInitialized(ctx)
	if errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// OnConnected registers a session and subscribes its session and user
// channels. It returns once the subscriptions are applied.
func (c *Coordinator) OnConnected(ctx context.Context, s Session) error {
	if err := c.initializeLazily(ctx); err != nil {
		return err
	}
	c.sessions.AddConnection(s)
	c.subs.AddInterest(c.channels.Session(s.ID()), s, c.subscribeWith(c.sessionHandler(s.ID())))
	if s.UserID() != "" {
		c.subs.AddInterest(c.channels.User(s.UserID()), s, c.subscribeWith(c.handleScoped))
	}
	logger.DebugF("[%s] Session connected, user %q codec %s", s.ID(), s.UserID(), s.Codec())
	if err := c.listener.Flush(ctx); err != nil {
		logger.WarnF("[%s] Session subscriptions not confirmed: %v", s.ID(), err)
	}
	return nil
}

// OnDisconnected drops every local interest of the session and fails the
// invocations bound to it.
func (c *Coordinator) OnDisconnected(_ context.Context, sessionID string) {
	entry, ok := c.sessions.RemoveConnection(sessionID)
	if !ok {
		return
	}
	c.subs.RemoveInterest(c.channels.Session(sessionID), sessionID, c.unsubscribe)
	if user := entry.Session.UserID(); user != "" {
		c.subs.RemoveInterest(c.channels.User(user), sessionID, c.unsubscribe)
	}
	for _, group := range entry.Groups() {
		entry.RemoveGroup(group)
		c.subs.RemoveInterest(c.channels.Group(group), sessionID, c.unsubscribe)
	}
	if n := c.results.FailSession(sessionID, ErrSessionDisconnected); n > 0 {
		logger.DebugF("[%s] Failed %d pending invocations on disconnect", sessionID, n)
	}
	logger.DebugF("[%s] Session disconnected", sessionID)
}

func (c *Coordinator) local(sessionID string) (*connection.Entry, bool) {
	return c.sessions.GetConnection(sessionID)
}

// enqueue runs on the listener pump. It blocks while the queue is full.
func (c *Coordinator) enqueue(n listener.Notification) {
	select {
	case c.queue <- n:
	case <-c.tomb.Dying():
	}
}

func (c *Coordinator) dispatch() error {
	for {
		select {
		case <-c.tomb.Dying():
			return tomb.ErrDying
		case n := <-c.queue:
			c.handleNotification(n)
		}
	}
}

func (c *Coordinator) handleNotification(n listener.Notification) {
	h := c.handler(n.Channel)
	if h == nil {
		c.cfg.Metrics.Dropped("unknown_channel")
		logger.DebugF("Dropping notification on unhandled channel %s", n.Channel)
		return
	}
	ctx := c.tomb.Context(context.Background())
	data, err := c.cfg.Payload.Resolve(ctx, n.Payload)
	if err != nil {
		c.cfg.Metrics.Dropped("unresolvable")
		logger.WarnF("Dropping notification on %s: %v", n.Channel, err)
		return
	}
	h(ctx, n.Channel, data)
}

// Close stops routing, closes the listener and fails everything pending.
func (c *Coordinator) Close(ctx context.Context) error {
	c.initMu.Lock()
	if c.state == Stopped {
		c.initMu.Unlock()
		return nil
	}
	c.state = Stopped
	c.initMu.Unlock()

	c.tomb.Kill(nil)
	err := c.tomb.Wait()
	if lerr := c.listener.Close(ctx); lerr != nil && err == nil {
		err = lerr
	}
	if aerr := c.acks.Close(); aerr != nil && err == nil {
		err = aerr
	}
	c.results.Close(ErrClosed)
	logger.InfoF("Backplane %s closed", c.cfg.ServerID)
	return errors.Trace(err)
}
