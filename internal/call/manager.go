package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/telecall/internal/directory"
	"github.com/1ureka/telecall/internal/metrics"
	"github.com/1ureka/telecall/internal/profile"
	"github.com/1ureka/telecall/internal/signaling"
	"github.com/1ureka/telecall/internal/util"
)

const (
	maxEarlyCalls   = 8
	maxEarlyPerCall = 32
)

// Config tunes a Manager. Zero durations take their defaults.
type Config struct {
	// Self is the local party id.
	Self string

	RingTimeout    time.Duration // 30s
	ConnectTimeout time.Duration // 30s
	// EndedGrace keeps a terminal session around for late commands.
	EndedGrace           time.Duration // 3s
	NegotiationTolerance int           // 3
	DirectoryTimeout     time.Duration // 5s
	ProfileTimeout       time.Duration // 1.5s

	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.EndedGrace <= 0 {
		c.EndedGrace = 3 * time.Second
	}
	if c.NegotiationTolerance <= 0 {
		c.NegotiationTolerance = 3
	}
	if c.DirectoryTimeout <= 0 {
		c.DirectoryTimeout = 5 * time.Second
	}
	if c.ProfileTimeout <= 0 {
		c.ProfileTimeout = 1500 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Deps are the collaborators of a Manager. Profiles and Notifier are
// optional.
type Deps struct {
	Directory directory.Directory
	Signaling Signaler
	Links     LinkFactory
	Media     MediaFactory
	Profiles  profile.Lookup
	Notifier  Notifier
}

// Manager owns the call sessions of one party. At most one of them is
// non-terminal at any time.
type Manager struct {
	cfg      Config
	clock    clock.Clock
	dir      directory.Directory
	sig      Signaler
	newLink  LinkFactory
	newMedia MediaFactory
	profiles profile.Lookup
	notifier Notifier

	mu       sync.Mutex
	sessions map[string]*Session
	active   *Session
	dialing  bool
	early    map[string]*heldCall
	subs     map[*Subscription]struct{}
	handle   *signaling.Handle
	closed   bool
}

func NewManager(cfg Config, deps Deps) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		clock:    cfg.Clock,
		dir:      deps.Directory,
		sig:      deps.Signaling,
		newLink:  deps.Links,
		newMedia: deps.Media,
		profiles: deps.Profiles,
		notifier: deps.Notifier,
		sessions: make(map[string]*Session),
		early:    make(map[string]*heldCall),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Start subscribes to signaling addressed to the local party.
func (m *Manager) Start() error {
	h, err := m.sig.Subscribe(m.cfg.Self, m.route)
	if err != nil {
		return fmt.Errorf("subscribe signaling: %w", err)
	}
	m.sig.OnDown(m.transportDown)

	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()
	util.LogInfo("call: manager ready for %s", m.cfg.Self)
	return nil
}

// Close ends every live session and stops routing signaling.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	h := m.handle
	sessions := m.all()
	m.mu.Unlock()

	for _, s := range sessions {
		ask(s, func() struct{} { s.end(); return struct{}{} })
		s.retire()
	}
	if h != nil {
		h.Release()
	}
}

// StartCall dials receiver. It returns once the offer is on its way, or
// with ErrAlreadyInCall, ErrPeerBusy or ErrMediaUnavailable.
func (m *Manager) StartCall(ctx context.Context, receiver string, video bool) (*Session, error) {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return nil, ErrClosed
	case m.active != nil || m.dialing:
		m.mu.Unlock()
		return nil, ErrAlreadyInCall
	}
	m.dialing = true
	m.mu.Unlock()

	callType := directory.CallAudio
	if video {
		callType = directory.CallVideo
	}
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DirectoryTimeout)
	rec, err := m.dir.Create(dctx, directory.NewCall{CallerID: m.cfg.Self, ReceiverID: receiver, Type: callType})
	cancel()
	if err != nil {
		m.mu.Lock()
		m.dialing = false
		m.mu.Unlock()
		switch {
		case errors.Is(err, directory.ErrAlreadyInCall):
			return nil, ErrAlreadyInCall
		case errors.Is(err, directory.ErrPeerBusy):
			return nil, ErrPeerBusy
		}
		return nil, fmt.Errorf("create call: %w", err)
	}

	s := newSession(m, rec, RoleCaller)
	m.mu.Lock()
	m.dialing = false
	m.active = s
	m.sessions[rec.ID] = s
	m.mu.Unlock()
	metrics.CallsStartedTotal.WithLabelValues(string(RoleCaller)).Inc()
	metrics.ActiveSessions.Inc()

	go func() {
		name := profile.Resolve(context.Background(), m.profiles, receiver, m.cfg.ProfileTimeout)
		s.setPeerName(name)
	}()

	wait, ok := ask(s, func() <-chan error { return s.dial(video) })
	if !ok {
		return nil, ErrCallEnded
	}
	select {
	case err := <-wait:
		if err != nil {
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		return s, ctx.Err()
	}
}

// Incoming surfaces rec as a ringing call. It is a no-op for calls already
// known, and while another call is live.
func (m *Manager) Incoming(rec directory.Record) {
	if rec.ReceiverID != m.cfg.Self || rec.Status.Terminal() {
		return
	}

	m.mu.Lock()
	if m.closed || m.sessions[rec.ID] != nil {
		m.mu.Unlock()
		return
	}
	if m.active != nil || m.dialing {
		m.mu.Unlock()
		util.LogWarning("call: busy, ignoring incoming call %s from %s", util.ShortID(rec.ID), rec.CallerID)
		return
	}
	s := newSession(m, rec, RoleReceiver)
	m.sessions[rec.ID] = s
	m.active = s
	held := m.early[rec.ID]
	delete(m.early, rec.ID)
	m.mu.Unlock()
	metrics.CallsStartedTotal.WithLabelValues(string(RoleReceiver)).Inc()
	metrics.ActiveSessions.Inc()

	if held != nil {
		for _, msg := range held.msgs {
			if msg.From != rec.CallerID {
				metrics.SignalsDiscardedTotal.WithLabelValues("foreign").Inc()
				continue
			}
			s.post(func() { s.onSignal(msg) })
		}
	}
	go func() {
		name := profile.Resolve(context.Background(), m.profiles, rec.CallerID, m.cfg.ProfileTimeout)
		s.post(func() { s.ring(name) })
	}()
}

// RecordChanged applies a record update seen on the relay.
func (m *Manager) RecordChanged(rec directory.Record) {
	m.mu.Lock()
	s := m.sessions[rec.ID]
	if s == nil && rec.Status.Terminal() {
		delete(m.early, rec.ID)
	}
	m.mu.Unlock()

	if s != nil {
		s.post(func() { s.onRecord(rec) })
	}
}

// route hands an inbound message to its session. Messages for a call not
// yet surfaced are checked against the directory and held back.
func (m *Manager) route(msg signaling.Message) {
	m.mu.Lock()
	s := m.sessions[msg.CallID]
	m.mu.Unlock()

	if s != nil {
		s.post(func() { s.onSignal(msg) })
		return
	}
	go m.holdEarly(msg)
}

func (m *Manager) holdEarly(msg signaling.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DirectoryTimeout)
	rec, err := m.dir.Get(ctx, msg.CallID)
	cancel()
	switch {
	case errors.Is(err, directory.ErrNotFound) && msg.To == m.cfg.Self:
		// The record may live only in the caller's directory, with its
		// notification still in flight. Incoming checks the sender.
	case err != nil || rec.Status.Terminal() || rec.ReceiverID != m.cfg.Self || rec.CallerID != msg.From:
		metrics.SignalsDiscardedTotal.WithLabelValues("unknown_call").Inc()
		util.LogDebug("call: dropping %s for unknown call %s", msg.Kind, util.ShortID(msg.CallID))
		return
	}

	now := m.clock.Now()
	m.mu.Lock()
	if s := m.sessions[msg.CallID]; s != nil {
		m.mu.Unlock()
		s.post(func() { s.onSignal(msg) })
		return
	}
	for id, h := range m.early {
		if now.After(h.expires) {
			delete(m.early, id)
		}
	}
	held := m.early[msg.CallID]
	if (held == nil && len(m.early) >= maxEarlyCalls) || (held != nil && len(held.msgs) >= maxEarlyPerCall) {
		m.mu.Unlock()
		metrics.SignalsDiscardedTotal.WithLabelValues("early_overflow").Inc()
		return
	}
	if held == nil {
		held = &heldCall{expires: now.Add(m.cfg.RingTimeout)}
		m.early[msg.CallID] = held
	}
	held.msgs = append(held.msgs, msg)
	m.mu.Unlock()
}

// heldCall buffers signaling for a call that has not been surfaced yet.
// It is dropped once the call could no longer ring.
type heldCall struct {
	msgs    []signaling.Message
	expires time.Time
}

func (m *Manager) transportDown() {
	util.LogError("call: relay retry budget spent")
	m.mu.Lock()
	sessions := m.all()
	m.mu.Unlock()
	for _, s := range sessions {
		s.post(s.onTransportDown)
	}
}

func (m *Manager) accept(ctx context.Context, s *Session) error {
	m.mu.Lock()
	busy := m.active != nil && m.active != s
	m.mu.Unlock()
	if busy {
		return ErrAlreadyInCall
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DirectoryTimeout)
	rec, err := m.dir.ActiveFor(dctx, m.cfg.Self)
	cancel()
	switch {
	case err == nil && rec.ID != s.id:
		return ErrAlreadyInCall
	case err != nil && !errors.Is(err, directory.ErrNotFound):
		util.LogWarning("call: active call lookup: %v", err)
	}

	wait, ok := ask(s, s.accept)
	if !ok || wait == nil {
		return nil
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ended is called by a session once it is terminal.
func (m *Manager) ended(s *Session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
	metrics.ActiveSessions.Dec()

	m.clock.AfterFunc(m.cfg.EndedGrace, func() {
		m.mu.Lock()
		if m.sessions[s.id] == s {
			delete(m.sessions, s.id)
		}
		m.mu.Unlock()
		s.retire()
	})
}

func (m *Manager) all() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Current returns the live session, if any.
func (m *Manager) Current() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != nil
}

// Session returns a known session by call id, including recently ended
// ones.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) current() (*Session, error) {
	s, ok := m.Current()
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

func (m *Manager) Accept(ctx context.Context) error {
	s, err := m.current()
	if err != nil {
		return err
	}
	return s.Accept(ctx)
}

func (m *Manager) Reject() error {
	s, err := m.current()
	if err != nil {
		return err
	}
	s.Reject()
	return nil
}

func (m *Manager) End() error {
	s, err := m.current()
	if err != nil {
		return err
	}
	s.End()
	return nil
}

func (m *Manager) ToggleMute() (bool, error) {
	s, err := m.current()
	if err != nil {
		return false, err
	}
	return s.ToggleMute(), nil
}

func (m *Manager) ToggleSpeaker() (bool, error) {
	s, err := m.current()
	if err != nil {
		return false, err
	}
	return s.ToggleSpeaker(), nil
}

func (m *Manager) ToggleCamera() (bool, error) {
	s, err := m.current()
	if err != nil {
		return false, err
	}
	return s.ToggleCamera(), nil
}

// History returns the latest calls of the local party, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]directory.Record, error) {
	return m.dir.History(ctx, m.cfg.Self, limit)
}
