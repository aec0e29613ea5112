package peer

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
)

func offlineConfig() Config {
	return Config{ICEServers: []string{}, IncludeLoopback: true}
}

func TestCandidateBeforeRemoteDescription(t *testing.T) {
	l, err := New(offlineConfig(), Events{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host","sdpMid":"0"}`)
	if err := l.ApplyRemoteCandidate(cand); !errors.Is(err, ErrNoRemoteDescription) {
		t.Fatalf("got %v, want ErrNoRemoteDescription", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	l, err := New(offlineConfig(), Events{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := l.CreateOffer(); !errors.Is(err, ErrClosed) {
		t.Fatalf("CreateOffer after Close: %v", err)
	}
	if err := l.ApplyRemoteCandidate(json.RawMessage(`{}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("ApplyRemoteCandidate after Close: %v", err)
	}
}

func TestRejectsWrongDescriptionType(t *testing.T) {
	a, _ := New(offlineConfig(), Events{})
	defer a.Close()
	b, _ := New(offlineConfig(), Events{})
	defer b.Close()

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := b.ApplyRemoteAnswer(offer); err == nil {
		t.Fatal("offer accepted as an answer")
	}
	if _, err := b.CreateAnswer(json.RawMessage(`"not an sdp"`)); err == nil {
		t.Fatal("garbage accepted as an offer")
	}
}

func TestGraceWindowFailsOnce(t *testing.T) {
	clk := clock.NewMock()
	var failures atomic.Int32

	cfg := offlineConfig()
	cfg.Clock = clk
	cfg.DisconnectedGrace = 10 * time.Second
	l, err := New(cfg, Events{OnFailed: func(error) { failures.Add(1) }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	// Recovery inside the window is not a failure.
	l.handleState(webrtc.PeerConnectionStateDisconnected)
	clk.Add(9 * time.Second)
	l.handleState(webrtc.PeerConnectionStateConnected)
	clk.Add(5 * time.Second)
	if n := failures.Load(); n != 0 {
		t.Fatalf("failed after recovery: %d", n)
	}

	l.handleState(webrtc.PeerConnectionStateDisconnected)
	clk.Add(10 * time.Second)
	l.handleState(webrtc.PeerConnectionStateFailed)
	if n := failures.Load(); n != 1 {
		t.Fatalf("failures = %d, want exactly 1", n)
	}
}

func TestConnectedFiresOnce(t *testing.T) {
	var n atomic.Int32
	l, _ := New(offlineConfig(), Events{OnConnected: func() { n.Add(1) }})
	defer l.Close()

	l.handleState(webrtc.PeerConnectionStateConnected)
	l.handleState(webrtc.PeerConnectionStateDisconnected)
	l.handleState(webrtc.PeerConnectionStateConnected)
	if n.Load() != 1 {
		t.Fatalf("OnConnected fired %d times", n.Load())
	}
}

// candidateRelay forwards one side's candidates to the other, holding them
// back until the other side has a remote description.
type candidateRelay struct {
	mu      sync.Mutex
	target  *Link
	pending []json.RawMessage
}

func (r *candidateRelay) onSignal(_ string, payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.target == nil {
		r.pending = append(r.pending, payload)
		return
	}
	if err := r.target.ApplyRemoteCandidate(payload); errors.Is(err, ErrNoRemoteDescription) {
		r.pending = append(r.pending, payload)
	}
}

func (r *candidateRelay) ready(target *Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = target
	for _, c := range r.pending {
		_ = target.ApplyRemoteCandidate(c)
	}
	r.pending = nil
}

func TestLoopbackLinksConnect(t *testing.T) {
	toB, toA := &candidateRelay{}, &candidateRelay{}
	aUp, bUp := make(chan struct{}), make(chan struct{})

	a, err := New(offlineConfig(), Events{OnSignal: toB.onSignal, OnConnected: func() { close(aUp) }})
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	defer a.Close()
	b, err := New(offlineConfig(), Events{OnSignal: toA.onSignal, OnConnected: func() { close(bUp) }})
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	defer b.Close()

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answer, err := b.CreateAnswer(offer)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	toB.ready(b)
	if err := a.ApplyRemoteAnswer(answer); err != nil {
		t.Fatalf("ApplyRemoteAnswer: %v", err)
	}
	toA.ready(a)

	for name, ch := range map[string]chan struct{}{"a": aUp, "b": bUp} {
		select {
		case <-ch:
		case <-time.After(15 * time.Second):
			t.Fatalf("%s never connected (state %s)", name, a.ConnectionState())
		}
	}
}
