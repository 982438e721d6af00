package subscription

import (
	"fmt"
	"sync"
	"testing"
)

type fakeSession struct {
	id   string
	done chan struct{}
}

func newSession(id string) *fakeSession {
	return &fakeSession{id: id, done: make(chan struct{})}
}

func (s *fakeSession) ID() string            { return s.id }
func (s *fakeSession) Done() <-chan struct{} { return s.done }

type transport struct {
	mu      sync.Mutex
	listens map[string]int
	unlists map[string]int
	active  map[string]bool
}

func newTransport() *transport {
	return &transport{listens: map[string]int{}, unlists: map[string]int{}, active: map[string]bool{}}
}

func (t *transport) subscribe(ch string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listens[ch]++
	t.active[ch] = true
}

func (t *transport) unsubscribe(ch string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unlists[ch]++
	t.active[ch] = false
}

func TestReferenceCounting(t *testing.T) {
	m := NewManager()
	tr := newTransport()
	const n = 5
	sessions := make([]*fakeSession, n)
	for i := range sessions {
		sessions[i] = newSession(fmt.Sprint(i))
		if !m.AddInterest("group_alpha", sessions[i], tr.subscribe) {
			t.Fatalf("session %d not added", i)
		}
	}
	if m.AddInterest("group_alpha", sessions[0], tr.subscribe) {
		t.Error("duplicate interest added")
	}
	if tr.listens["group_alpha"] != 1 {
		t.Fatalf("expected exactly one LISTEN, got %d", tr.listens["group_alpha"])
	}
	if m.Count("group_alpha") != n || len(m.Sessions("group_alpha")) != n {
		t.Errorf("unexpected count %d", m.Count("group_alpha"))
	}

	for i := 0; i < n-1; i++ {
		m.RemoveInterest("group_alpha", sessions[i].ID(), tr.unsubscribe)
	}
	if tr.unlists["group_alpha"] != 0 {
		t.Fatalf("UNLISTEN issued with one session left")
	}
	if m.RemoveInterest("group_alpha", "missing", tr.unsubscribe) {
		t.Error("unknown session removed")
	}
	m.RemoveInterest("group_alpha", sessions[n-1].ID(), tr.unsubscribe)
	if tr.unlists["group_alpha"] != 1 {
		t.Errorf("expected exactly one UNLISTEN, got %d", tr.unlists["group_alpha"])
	}
	if len(m.Channels()) != 0 {
		t.Errorf("channel entry left behind: %v", m.Channels())
	}
}

func TestDisconnectedSessionIgnored(t *testing.T) {
	m := NewManager()
	tr := newTransport()
	s := newSession("gone")
	close(s.done)
	if m.AddInterest("user_1", s, tr.subscribe) {
		t.Error("disconnected session added")
	}
	if tr.listens["user_1"] != 0 {
		t.Error("LISTEN issued for disconnected session")
	}
}

// A fast join/leave/join race must leave the transport state matching the
// interest map.
func TestConcurrentJoinLeave(t *testing.T) {
	m := NewManager()
	tr := newTransport()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		s := newSession(fmt.Sprint(i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.AddInterest("group_g", s, tr.subscribe)
				m.RemoveInterest("group_g", s.ID(), tr.unsubscribe)
			}
		}()
	}
	wg.Wait()
	if m.Count("group_g") != 0 || tr.active["group_g"] {
		t.Errorf("transport active=%v with %d sessions", tr.active["group_g"], m.Count("group_g"))
	}
	if tr.listens["group_g"] != tr.unlists["group_g"] {
		t.Errorf("unbalanced %d listens and %d unlistens", tr.listens["group_g"], tr.unlists["group_g"])
	}
}
