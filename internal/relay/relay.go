// Package relay moves small JSON payloads between parties over a pub/sub
// backend. Three interchangeable backends exist: a WebSocket hub, Redis
// pub/sub and an in-process hub for tests and single-process setups.
package relay

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/telecall/internal/metrics"
)

var (
	ErrDisconnected = errors.New("relay disconnected")
	ErrClosed       = errors.New("relay client closed")
	ErrForbidden    = errors.New("topic not owned by this party")
)

// Handler receives one payload published on a subscribed topic. It runs on
// the client's delivery goroutine and must not block.
type Handler func(data []byte)

// Client is a connection to the relay. Payloads must be valid JSON.
type Client interface {
	// Publish sends data to every subscriber of topic. It fails with
	// ErrDisconnected while the connection is down.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe registers fn for topic. Subscriptions survive reconnects.
	Subscribe(topic string, fn Handler) (cancel func(), err error)

	// State returns the current connection state.
	State() State

	// OnState registers fn to be called on every state change.
	OnState(fn func(State))

	Close() error
}

// State is the connection state of a Client.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	// StateDown means the retry budget is exhausted. The client keeps
	// retrying at the maximum backoff and may still come back.
	StateDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateDown:
		return "down"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Backoff is a bounded exponential reconnect schedule.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	// Budget is the number of consecutive failed attempts after which the
	// client reports StateDown.
	Budget int
}

func (b Backoff) withDefaults() Backoff {
	out := b
	if out.Min <= 0 {
		out.Min = 500 * time.Millisecond
	}
	if out.Max < out.Min {
		out.Max = 10 * time.Second
	}
	if out.Factor < 1 {
		out.Factor = 2
	}
	if out.Budget <= 0 {
		out.Budget = 6
	}
	return out
}

// Delay returns the wait before retry number attempt, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Min) * math.Pow(b.Factor, float64(attempt-1))
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// failure returns the state to report after attempt consecutive failures.
func (b Backoff) failure(attempt int) State {
	if attempt >= b.withDefaults().Budget {
		return StateDown
	}
	return StateDisconnected
}

// registry tracks topic handlers for one client.
type registry struct {
	mu     sync.RWMutex
	nextID int
	topics map[string]map[int]Handler
}

func newRegistry() *registry {
	return &registry{topics: make(map[string]map[int]Handler)}
}

// add registers fn and reports whether it is the first handler for topic.
func (r *registry) add(topic string, fn Handler) (id int, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	hs, ok := r.topics[topic]
	if !ok {
		hs = make(map[int]Handler)
		r.topics[topic] = hs
	}
	hs[r.nextID] = fn
	return r.nextID, !ok
}

// remove drops handler id and reports whether topic has no handlers left.
func (r *registry) remove(topic string, id int) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hs, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, ok := hs[id]; !ok {
		return false
	}
	delete(hs, id)
	if len(hs) == 0 {
		delete(r.topics, topic)
		return true
	}
	return false
}

func (r *registry) has(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[topic]
	return ok
}

func (r *registry) list() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	return out
}

func (r *registry) dispatch(topic string, data []byte) {
	r.mu.RLock()
	hs := make([]Handler, 0, len(r.topics[topic]))
	for _, fn := range r.topics[topic] {
		hs = append(hs, fn)
	}
	r.mu.RUnlock()

	for _, fn := range hs {
		fn(data)
	}
}

// stateBox holds the current state and its listeners.
type stateBox struct {
	backend string

	mu  sync.Mutex
	cur State
	fns []func(State)
}

func (s *stateBox) get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *stateBox) on(fn func(State)) {
	s.mu.Lock()
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
}

// set records st and notifies listeners if it changed. Closed is sticky.
func (s *stateBox) set(st State) {
	s.mu.Lock()
	if s.cur == st || s.cur == StateClosed {
		s.mu.Unlock()
		return
	}
	s.cur = st
	fns := slices.Clone(s.fns)
	s.mu.Unlock()

	metrics.RelayStateChangesTotal.WithLabelValues(s.backend, st.String()).Inc()
	for _, fn := range fns {
		fn(st)
	}
}
