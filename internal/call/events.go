package call

import (
	"sync"

	"github.com/1ureka/telecall/internal/util"
)

const subscriptionBuffer = 64

// Subscription receives every session event from the moment it is created
// until Close. A subscriber that falls behind loses events rather than
// stalling the sessions.
type Subscription struct {
	C <-chan Event

	c    chan Event
	m    *Manager
	once sync.Once
}

func (m *Manager) Subscribe() *Subscription {
	c := make(chan Event, subscriptionBuffer)
	sub := &Subscription{C: c, c: c, m: m}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	return sub
}

// Close stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.m.mu.Lock()
		delete(s.m.subs, s)
		close(s.c)
		s.m.mu.Unlock()
	})
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs {
		select {
		case sub.c <- ev:
		default:
			util.LogWarning("call: subscriber behind, dropping %s event", ev.State)
		}
	}
}
