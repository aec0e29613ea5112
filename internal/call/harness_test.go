package call

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/telecall/internal/directory"
	"github.com/1ureka/telecall/internal/media"
	"github.com/1ureka/telecall/internal/peer"
	"github.com/1ureka/telecall/internal/profile"
	"github.com/1ureka/telecall/internal/relay"
	"github.com/1ureka/telecall/internal/signaling"
	"github.com/1ureka/telecall/internal/watcher"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeLink stands in for a pion link: descriptions are canned and any
// payload containing "bad" is rejected.
type fakeLink struct {
	ev peer.Events

	mu      sync.Mutex
	remote  bool
	applied []string
	sending map[webrtc.RTPCodecType]bool
	ops     []string
	closed  int
}

func (l *fakeLink) AddLocalMedia([]webrtc.TrackLocal) error {
	l.mu.Lock()
	l.ops = append(l.ops, "add")
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) CreateOffer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"fake-offer"}`), nil
}

func (l *fakeLink) CreateAnswer(offer json.RawMessage) (json.RawMessage, error) {
	if strings.Contains(string(offer), "bad") {
		return nil, errors.New("bad offer")
	}
	l.mu.Lock()
	l.remote = true
	l.mu.Unlock()
	return json.RawMessage(`{"type":"answer","sdp":"fake-answer"}`), nil
}

func (l *fakeLink) ApplyRemoteAnswer(answer json.RawMessage) error {
	if strings.Contains(string(answer), "bad") {
		return errors.New("bad answer")
	}
	l.mu.Lock()
	l.remote = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) ApplyRemoteCandidate(c json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.remote {
		return peer.ErrNoRemoteDescription
	}
	l.applied = append(l.applied, string(c))
	return nil
}

func (l *fakeLink) SetSending(kind webrtc.RTPCodecType, enabled bool) error {
	state := "off"
	if enabled {
		state = "on"
	}
	l.mu.Lock()
	l.sending[kind] = enabled
	l.ops = append(l.ops, kind.String()+"="+state)
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) opLog() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed++
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) hasRemote() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

func (l *fakeLink) candidates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.applied...)
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) connect() { go l.ev.OnConnected() }

func (l *fakeLink) fail() { go l.ev.OnFailed(errors.New("ice failed")) }

type fakeLinks struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (f *fakeLinks) factory(ev peer.Events) (PeerLink, error) {
	l := &fakeLink{ev: ev, sending: make(map[webrtc.RTPCodecType]bool)}
	f.mu.Lock()
	f.links = append(f.links, l)
	f.mu.Unlock()
	return l, nil
}

func (f *fakeLinks) last(t *testing.T) *fakeLink {
	t.Helper()
	var l *fakeLink
	waitFor(t, "peer link", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.links) == 0 {
			return false
		}
		l = f.links[len(f.links)-1]
		return true
	})
	return l
}

type fakeStream struct{}

func (fakeStream) Tracks() []webrtc.TrackLocal { return nil }
func (fakeStream) HasVideo() bool { return false }
func (fakeStream) Close() error { return nil }

// gatedCapturer holds every capture until release is closed.
type gatedCapturer struct{ release chan struct{} }

func (c gatedCapturer) Capture(ctx context.Context, _ bool) (media.Stream, error) {
	select {
	case <-c.release:
		return fakeStream{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeCapturer struct{ err error }

func (c fakeCapturer) Capture(context.Context, bool) (media.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return fakeStream{}, nil
}

// countingDir counts the status writes of one party.
type countingDir struct {
	directory.Directory

	mu     sync.Mutex
	writes map[directory.Status]int
}

func (d *countingDir) Transition(ctx context.Context, id string, status directory.Status) (directory.Record, error) {
	d.mu.Lock()
	d.writes[status]++
	d.mu.Unlock()
	return d.Directory.Transition(ctx, id, status)
}

func (d *countingDir) count(status directory.Status) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes[status]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) collect(sub *Subscription) {
	for ev := range sub.C {
		e.mu.Lock()
		e.events = append(e.events, ev)
		e.mu.Unlock()
	}
}

func (e *eventLog) find(state State) (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.State == state {
			return ev, true
		}
	}
	return Event{}, false
}

func (e *eventLog) wait(t *testing.T, state State) Event {
	t.Helper()
	var ev Event
	waitFor(t, string(state)+" event", func() bool {
		var ok bool
		ev, ok = e.find(state)
		return ok
	})
	return ev
}

func (e *eventLog) states() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]State, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.State
	}
	return out
}

type harness struct {
	t     *testing.T
	clock *clock.Mock
	hub   *relay.MemoryHub
	dir   *directory.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return &harness{t: t, clock: clk, hub: relay.NewMemoryHub(), dir: directory.NewMemory(clk)}
}

type party struct {
	id     string
	client *relay.MemoryClient
	sig    *signaling.Transport
	dir    *countingDir
	links  *fakeLinks
	events *eventLog
	mgr    *Manager
}

var names = profile.Static{"alice": "Alice Chen", "bob": "Bob Okafor", "carol": "Carol Diaz"}

// party joins id on the shared directory.
func (h *harness) party(id string, capture media.Capturer) *party {
	h.t.Helper()
	return h.join(id, capture, h.dir)
}

// ownParty joins id with a directory of its own, as agents running on
// separate machines do.
func (h *harness) ownParty(id string, capture media.Capturer) *party {
	h.t.Helper()
	return h.join(id, capture, directory.NewMemory(h.clock))
}

func (h *harness) join(id string, capture media.Capturer, store directory.Directory) *party {
	t := h.t
	t.Helper()
	if capture == nil {
		capture = fakeCapturer{}
	}

	client := h.hub.Connect()
	p := &party{
		id:     id,
		client: client,
		sig:    signaling.New(client),
		dir: &countingDir{
			Directory: directory.NewNotifying(store, client),
			writes:    make(map[directory.Status]int),
		},
		links:  &fakeLinks{},
		events: &eventLog{},
	}
	p.mgr = NewManager(Config{Self: id, Clock: h.clock}, Deps{
		Directory: p.dir,
		Signaling: p.sig,
		Links:     p.links.factory,
		Media:     Endpoints(capture, nil),
		Profiles:  names,
	})
	if err := p.mgr.Start(); err != nil {
		t.Fatal(err)
	}
	sub := p.mgr.Subscribe()
	go p.events.collect(sub)

	w := watcher.New(watcher.Config{Self: id, Clock: h.clock}, client, p.mgr)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		w.Stop()
		p.mgr.Close()
		sub.Close()
		client.Close()
	})
	return p
}

// inLoop runs fn on the session goroutine, which also proves every input
// queued before it has been handled.
func inLoop[T any](t *testing.T, s *Session, fn func() T) T {
	t.Helper()
	v, ok := ask(s, fn)
	if !ok {
		t.Fatal("session retired")
	}
	return v
}

// connectCall runs alice -> bob up to Active on both sides.
func connectCall(t *testing.T, alice, bob *party) *Session {
	t.Helper()
	ctx := context.Background()

	s, err := alice.mgr.StartCall(ctx, bob.id, false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	bob.events.wait(t, StateRinging)
	if err := bob.mgr.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	alice.events.wait(t, StateConnecting)

	aliceLink, bobLink := alice.links.last(t), bob.links.last(t)
	waitFor(t, "answer applied", aliceLink.hasRemote)
	aliceLink.connect()
	bobLink.connect()
	alice.events.wait(t, StateActive)
	bob.events.wait(t, StateActive)
	return s
}
