// Package connection keeps the sessions connected to this server.
package connection

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/juju/collections/set"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
)

// Session is a client connection owned by the host. Write must be safe for
// concurrent use; Done is closed when the client disconnects.
type Session interface {
	ID() string
	// UserID is empty for anonymous sessions.
	UserID() string
	// Codec names the codec the session negotiated.
	Codec() string
	Write(ctx context.Context, frame []byte) error
	Done() <-chan struct{}
}

// Entry is a connected session and its group memberships.
type Entry struct {
	Session Session

	mu     sync.Mutex
	groups set.Strings
}

// AddGroup reports whether the session was not in the group yet.
func (e *Entry) AddGroup(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.groups.Contains(name) {
		return false
	}
	e.groups.Add(name)
	return true
}

// RemoveGroup reports whether the session was in the group.
func (e *Entry) RemoveGroup(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.groups.Contains(name) {
		return false
	}
	e.groups.Remove(name)
	return true
}

func (e *Entry) InGroup(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groups.Contains(name)
}

// Groups returns the sorted group names.
func (e *Entry) Groups() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groups.SortedValues()
}

// ConnectionManager indexes local sessions by id.
type ConnectionManager struct {
	connections sync.Map
	count       atomic.Int64
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{}
}

// AddConnection registers s. A session with the same id is replaced.
func (cm *ConnectionManager) AddConnection(s Session) *Entry {
	entry := &Entry{Session: s, groups: set.NewStrings()}
	if _, loaded := cm.connections.Swap(s.ID(), entry); !loaded {
		cm.count.Add(1)
	}
	logger.DebugF("Session %s connected", s.ID())
	return entry
}

// RemoveConnection unregisters the session and returns its entry.
func (cm *ConnectionManager) RemoveConnection(sessionID string) (*Entry, bool) {
	value, ok := cm.connections.LoadAndDelete(sessionID)
	if !ok {
		return nil, false
	}
	cm.count.Add(-1)
	logger.DebugF("Session %s disconnected", sessionID)
	return value.(*Entry), true
}

func (cm *ConnectionManager) GetConnection(sessionID string) (*Entry, bool) {
	if value, ok := cm.connections.Load(sessionID); ok {
		return value.(*Entry), true
	}
	return nil, false
}

// Range calls f for every session until f returns false.
func (cm *ConnectionManager) Range(f func(*Entry) bool) {
	cm.connections.Range(func(_, value any) bool {
		return f(value.(*Entry))
	})
}

func (cm *ConnectionManager) Len() int {
	return int(cm.count.Load())
}

// Send writes frame to s and logs failures. A closed session is not an error
// worth more than a debug line.
func Send(ctx context.Context, s Session, frame []byte) error {
	select {
	case <-s.Done():
		logger.DebugF("[%s] Dropping %d bytes for closed session", s.ID(), len(frame))
		return nil
	default:
	}
	if err := s.Write(ctx, frame); err != nil {
		logger.WarnF("[%s] Fail to send data, details: %v", s.ID(), err)
		return err
	}
	logger.DebugF("[%s] Send %d bytes to session", s.ID(), len(frame))
	return nil
}
