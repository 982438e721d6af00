// Package results tracks invocations that await a completion from a session.
package results

import (
	"sync"

	"github.com/juju/errors"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/codec"
)

// Outcome is what a pending invocation completes with. Codec names the codec
// that encoded Completion.Result. Err is set when no completion arrived.
type Outcome struct {
	Codec      string
	Completion codec.Completion
	Err        error
}

type entry struct {
	sessionID string
	complete  func(Outcome)
}

// Manager completes each registered invocation exactly once.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*entry
	closed  error
}

func NewManager() *Manager {
	return &Manager{pending: make(map[string]*entry)}
}

// Add registers invocation id bound to sessionID. complete runs once, outside
// the manager's lock.
func (m *Manager) Add(id, sessionID string, complete func(Outcome)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed != nil {
		return errors.Trace(m.closed)
	}
	if _, ok := m.pending[id]; ok {
		return errors.AlreadyExistsf("invocation %q", id)
	}
	m.pending[id] = &entry{sessionID: sessionID, complete: complete}
	return nil
}

func (m *Manager) take(id string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	return e, ok
}

// Complete finishes invocation id. It reports false for unknown ids.
func (m *Manager) Complete(id string, o Outcome) bool {
	e, ok := m.take(id)
	if ok {
		e.complete(o)
	}
	return ok
}

// CompleteFrom finishes invocation id only when it is bound to sessionID.
func (m *Manager) CompleteFrom(sessionID, id string, o Outcome) error {
	m.mu.Lock()
	e, ok := m.pending[id]
	if ok && e.sessionID != sessionID {
		m.mu.Unlock()
		return errors.Forbiddenf("session %q answering invocation %q of session %q", sessionID, id, e.sessionID)
	}
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return errors.NotFoundf("invocation %q", id)
	}
	e.complete(o)
	return nil
}

// Remove drops invocation id without completing it.
func (m *Manager) Remove(id string) bool {
	_, ok := m.take(id)
	return ok
}

// FailSession completes every invocation bound to sessionID with err.
func (m *Manager) FailSession(sessionID string, err error) int {
	m.mu.Lock()
	var failed []*entry
	for id, e := range m.pending {
		if e.sessionID == sessionID {
			delete(m.pending, id)
			failed = append(failed, e)
		}
	}
	m.mu.Unlock()
	for _, e := range failed {
		e.complete(Outcome{Err: err})
	}
	return len(failed)
}

func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close fails every pending invocation with err and rejects new ones.
func (m *Manager) Close(err error) {
	m.mu.Lock()
	m.closed = err
	pending := m.pending
	m.pending = make(map[string]*entry)
	m.mu.Unlock()
	for _, e := range pending {
		e.complete(Outcome{Err: err})
	}
}
