// Package subscription reference counts local interest in shared channels.
package subscription

import (
	"sort"
	"sync"
)

// Session is the part of a local session the manager needs.
type Session interface {
	ID() string
	Done() <-chan struct{}
}

// Manager maps channels to the local sessions interested in them. The
// first and last transition callbacks run while the manager's lock is held,
// so a subscribe can never overtake the unsubscribe of an earlier
// generation. Callbacks must not call back into the Manager.
type Manager struct {
	mu       sync.Mutex
	channels map[string]map[string]Session
}

func NewManager() *Manager {
	return &Manager{channels: make(map[string]map[string]Session)}
}

// AddInterest registers s on channel and calls onFirst when s is the first
// session. Sessions that already disconnected are ignored. It reports
// whether s was added.
func (m *Manager) AddInterest(channel string, s Session, onFirst func(channel string)) bool {
	select {
	case <-s.Done():
		return false
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, ok := m.channels[channel]
	if !ok {
		sessions = make(map[string]Session)
		m.channels[channel] = sessions
	}
	if _, exists := sessions[s.ID()]; exists {
		return false
	}
	sessions[s.ID()] = s
	if len(sessions) == 1 && onFirst != nil {
		onFirst(channel)
	}
	return true
}

// RemoveInterest unregisters the session and calls onLast when no session
// remains. It reports whether the session was registered.
func (m *Manager) RemoveInterest(channel, sessionID string, onLast func(channel string)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, ok := m.channels[channel]
	if !ok {
		return false
	}
	if _, exists := sessions[sessionID]; !exists {
		return false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(m.channels, channel)
		if onLast != nil {
			onLast(channel)
		}
	}
	return true
}

// Sessions returns a snapshot of the sessions interested in channel.
func (m *Manager) Sessions(channel string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := m.channels[channel]
	result := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, s)
	}
	return result
}

func (m *Manager) Count(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels[channel])
}

// Channels returns the sorted channels with at least one session.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		result = append(result, ch)
	}
	sort.Strings(result)
	return result
}
