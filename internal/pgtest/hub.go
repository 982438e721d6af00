// Package pgtest is an in-memory stand-in for the Postgres features the
// backplane uses: LISTEN, UNLISTEN, pg_notify and the payload side table.
package pgtest

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/listener"
)

// MaxPayload mirrors the server side NOTIFY payload limit.
const MaxPayload = 8000

// Hub connects fake connections, notifiers and stores of one "database".
type Hub struct {
	mu         sync.Mutex
	conns      map[*Conn]struct{}
	statements []string
	dials      int
	failDials  int
	failExecs  int
	notifyErr  error
	notified   int
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*Conn]struct{})}
}

// Dialer returns a listener.Dialer opening connections on the hub.
func (h *Hub) Dialer() listener.Dialer {
	return func(ctx context.Context) (listener.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		h.dials++
		if h.failDials > 0 {
			h.failDials--
			return nil, errors.New("connection refused")
		}
		c := &Conn{
			hub:      h,
			channels: set.NewStrings(),
			queue:    make(chan listener.Notification, 4096),
			broken:   make(chan struct{}),
		}
		h.conns[c] = struct{}{}
		return c, nil
	}
}

// FailDials makes the next n dials fail.
func (h *Hub) FailDials(n int) {
	h.mu.Lock()
	h.failDials = n
	h.mu.Unlock()
}

// FailExecs makes the next n statements batches fail and break their connection.
func (h *Hub) FailExecs(n int) {
	h.mu.Lock()
	h.failExecs = n
	h.mu.Unlock()
}

// FailNotify makes every notify fail with err until called with nil.
func (h *Hub) FailNotify(err error) {
	h.mu.Lock()
	h.notifyErr = err
	h.mu.Unlock()
}

func (h *Hub) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// Notified counts successful notifications.
func (h *Hub) Notified() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notified
}

// BreakConnections severs every open connection.
func (h *Hub) BreakConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.breakLocked()
	}
}

// Statements returns every executed statement in order.
func (h *Hub) Statements() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.statements...)
}

// ResetStatements clears the statement log.
func (h *Hub) ResetStatements() {
	h.mu.Lock()
	h.statements = nil
	h.mu.Unlock()
}

// CountStatements counts executed statements equal to stmt.
func (h *Hub) CountStatements(stmt string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for _, s := range h.statements {
		if s == stmt {
			count++
		}
	}
	return count
}

// Listeners counts open connections listening to channel.
func (h *Hub) Listeners(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for c := range h.conns {
		if c.channels.Contains(channel) {
			count++
		}
	}
	return count
}

// OpenConnections counts connections that are neither closed nor broken.
func (h *Hub) OpenConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Notify delivers payload to every connection listening to channel.
func (h *Hub) Notify(_ context.Context, channel, payload string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.notifyErr != nil {
		return h.notifyErr
	}
	if len(payload) >= MaxPayload {
		return errors.Errorf("payload string too long")
	}
	h.notified++
	for c := range h.conns {
		if c.channels.Contains(channel) {
			select {
			case c.queue <- listener.Notification{Channel: channel, Payload: payload, PID: 1}:
			default:
				// the server drops the backend when its queue overflows
				c.breakLocked()
			}
		}
	}
	return nil
}

// Conn is a fake listen connection.
type Conn struct {
	hub      *Hub
	channels set.Strings
	queue    chan listener.Notification
	broken   chan struct{}
	gone     bool
}

func (c *Conn) breakLocked() {
	if c.gone {
		return
	}
	c.gone = true
	close(c.broken)
	delete(c.hub.conns, c)
}

func (c *Conn) Exec(ctx context.Context, sql string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.gone {
		return errors.New("conn closed")
	}
	if h.failExecs > 0 {
		h.failExecs--
		c.breakLocked()
		return errors.New("server closed the connection unexpectedly")
	}
	for _, stmt := range strings.Split(sql, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		h.statements = append(h.statements, stmt)
		switch {
		case stmt == "UNLISTEN *":
			c.channels = set.NewStrings()
		case strings.HasPrefix(stmt, "UNLISTEN "):
			c.channels.Remove(unquote(strings.TrimPrefix(stmt, "UNLISTEN ")))
		case strings.HasPrefix(stmt, "LISTEN "):
			c.channels.Add(unquote(strings.TrimPrefix(stmt, "LISTEN ")))
		default:
			return errors.Errorf("unsupported statement %q", stmt)
		}
	}
	return nil
}

func (c *Conn) WaitForNotification(ctx context.Context) (*listener.Notification, error) {
	select {
	case n := <-c.queue:
		return &n, nil
	default:
	}
	select {
	case n := <-c.queue:
		return &n, nil
	case <-c.broken:
		return nil, errors.New("unexpected EOF")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Close(context.Context) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.breakLocked()
	return nil
}

func unquote(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if len(identifier) >= 2 && identifier[0] == '"' && identifier[len(identifier)-1] == '"' {
		return strings.ReplaceAll(identifier[1:len(identifier)-1], `""`, `"`)
	}
	return identifier
}

// Store is a fake payload side table that notifies through its hub.
type Store struct {
	hub *Hub
	Now func() time.Time

	mu     sync.Mutex
	nextID int64
	rows   map[int64]row
	loads  int
}

type row struct {
	payload []byte
	created time.Time
}

func NewStore(hub *Hub) *Store {
	return &Store{hub: hub, Now: time.Now, rows: make(map[int64]row)}
}

func (s *Store) Tag() string {
	return "id:"
}

func (s *Store) InsertAndNotify(ctx context.Context, channel string, data []byte) error {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.rows[id] = row{payload: append([]byte(nil), data...), created: s.Now()}
	s.mu.Unlock()
	if err := s.hub.Notify(ctx, channel, s.Tag()+strconv.FormatInt(id, 10)); err != nil {
		s.mu.Lock()
		delete(s.rows, id)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) Load(_ context.Context, ref string) ([]byte, error) {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return nil, errors.NotValidf("payload reference %q", ref)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	r, ok := s.rows[id]
	if !ok {
		return nil, errors.NotFoundf("payload %d", id)
	}
	return r.payload, nil
}

func (s *Store) DeleteOlderThan(_ context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.Now().Add(-age)
	var deleted int64
	for id, r := range s.rows {
		if r.created.Before(cutoff) {
			delete(s.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

// Rows counts stored payloads.
func (s *Store) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Loads counts Load calls.
func (s *Store) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}
