// Package peer wraps one pion PeerConnection carrying a call's audio and
// video. It turns negotiation intents into pion calls and reports upward
// only trickled candidates, connected and failed.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/telecall/internal/util"
)

var (
	// ErrNoRemoteDescription is returned for a candidate that arrives
	// before the remote description. Callers buffer and replay.
	ErrNoRemoteDescription = errors.New("remote description not set")
	ErrClosed              = errors.New("peer link closed")
	ErrConnectionFailed    = errors.New("peer connection failed")
)

// SignalCandidate is the kind of every signal a Link emits.
const SignalCandidate = "ice-candidate"

// Events are the callbacks of a Link. They are fixed at construction and
// run on pion's goroutines, so they must not block. Nil callbacks are
// skipped.
type Events struct {
	// OnSignal carries a locally gathered candidate to the remote side.
	OnSignal func(kind string, payload json.RawMessage)
	// OnConnected fires once, the first time ICE and DTLS are up.
	OnConnected func()
	// OnFailed fires at most once, on pion failure or when the link stays
	// disconnected past the grace window.
	OnFailed func(err error)
	// OnTrack delivers each remote track.
	OnTrack func(track *webrtc.TrackRemote)
	// OnRemoteMedia reports the remote side pausing or resuming a kind.
	OnRemoteMedia func(kind webrtc.RTPCodecType, enabled bool)
}

// Link is one peer connection plus its control DataChannel.
type Link struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	events Events
	clock  clock.Clock
	grace  time.Duration

	openSignal chan struct{}
	done       chan struct{}

	mu         sync.Mutex
	control    map[string]controlMessage
	senders    map[webrtc.RTPCodecType]*webrtc.RTPSender
	tracks     map[webrtc.RTPCodecType]webrtc.TrackLocal
	graceTimer *clock.Timer
	closed     bool

	connectedOnce sync.Once
	failedOnce    sync.Once
	closeOnce     sync.Once
	closeErr      error
}

// New creates a Link. Nothing is negotiated until CreateOffer or
// CreateAnswer.
func New(cfg Config, ev Events) (*Link, error) {
	cfg = cfg.withDefaults()

	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	dc, err := newControlChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	l := &Link{
		pc:         pc,
		dc:         dc,
		events:     ev,
		clock:      cfg.Clock,
		grace:      cfg.DisconnectedGrace,
		openSignal: make(chan struct{}),
		done:       make(chan struct{}),
		control:    make(map[string]controlMessage),
		senders:    make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		tracks:     make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(l.openSignal) })
	})
	dc.OnMessage(l.handleControl)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || ev.OnSignal == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		ev.OnSignal(SignalCandidate, data)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogDebug("peer: remote %s track %s", track.Kind(), track.Codec().MimeType)
		if ev.OnTrack != nil {
			ev.OnTrack(track)
		}
	})

	pc.OnConnectionStateChange(l.handleState)

	return l, nil
}

func (l *Link) handleState(state webrtc.PeerConnectionState) {
	util.LogDebug("peer: connection state %s", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.stopGrace()
		l.connectedOnce.Do(func() {
			if l.events.OnConnected != nil {
				l.events.OnConnected()
			}
		})
	case webrtc.PeerConnectionStateDisconnected:
		l.startGrace()
	case webrtc.PeerConnectionStateFailed:
		l.stopGrace()
		l.fail(ErrConnectionFailed)
	}
}

func (l *Link) startGrace() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.graceTimer != nil {
		return
	}
	l.graceTimer = l.clock.AfterFunc(l.grace, func() {
		l.fail(fmt.Errorf("%w: disconnected for over %s", ErrConnectionFailed, l.grace))
	})
}

func (l *Link) stopGrace() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimer = nil
	}
}

func (l *Link) fail(err error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	l.failedOnce.Do(func() {
		if l.events.OnFailed != nil {
			l.events.OnFailed(err)
		}
	})
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddLocalMedia attaches local tracks. It must run before CreateOffer or
// CreateAnswer.
func (l *Link) AddLocalMedia(tracks []webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	for _, track := range tracks {
		sender, err := l.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		l.senders[track.Kind()] = sender
		l.tracks[track.Kind()] = track
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// SetSending pauses or resumes the local track of kind. The remote side
// is told over the control channel.
func (l *Link) SetSending(kind webrtc.RTPCodecType, enabled bool) error {
	l.mu.Lock()
	sender, ok := l.senders[kind]
	track := l.tracks[kind]
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return nil
	}

	next := track
	if !enabled {
		next = nil
	}
	if err := sender.ReplaceTrack(next); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}

	l.sendControl(controlMessage{Kind: kind.String(), Enabled: enabled})
	return nil
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// CreateOffer sets and returns the local offer. Kinds without a local
// track get a receive-only transceiver so the remote side can still send.
func (l *Link) CreateOffer() (json.RawMessage, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}

	l.mu.Lock()
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, ok := l.senders[kind]; ok {
			continue
		}
		if _, err := l.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			util.LogWarning("peer: add recvonly %s transceiver: %v", kind, err)
		}
	}
	l.mu.Unlock()

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	return json.Marshal(offer)
}

// CreateAnswer applies the remote offer, then sets and returns the answer.
func (l *Link) CreateAnswer(offer json.RawMessage) (json.RawMessage, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}

	desc, err := decodeDescription(offer, webrtc.SDPTypeOffer)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	return json.Marshal(answer)
}

// ApplyRemoteAnswer applies the answer to an offer made by CreateOffer.
func (l *Link) ApplyRemoteAnswer(answer json.RawMessage) error {
	if l.isClosed() {
		return ErrClosed
	}

	desc, err := decodeDescription(answer, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// ApplyRemoteCandidate adds a remote candidate. It fails with
// ErrNoRemoteDescription until a remote description is set.
func (l *Link) ApplyRemoteCandidate(candidate json.RawMessage) error {
	if l.isClosed() {
		return ErrClosed
	}
	if l.pc.RemoteDescription() == nil {
		return ErrNoRemoteDescription
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func decodeDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("decode %s: %w", want, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("expected %s, got %s", want, desc.Type)
	}
	return desc, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// ConnectionState returns the current PeerConnection state.
func (l *Link) ConnectionState() webrtc.PeerConnectionState {
	return l.pc.ConnectionState()
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close releases the DataChannel and PeerConnection. Only the first call
// does any work; later calls return the same result.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		if l.graceTimer != nil {
			l.graceTimer.Stop()
			l.graceTimer = nil
		}
		l.mu.Unlock()
		close(l.done)

		l.closeErr = errors.Join(l.dc.Close(), l.pc.Close())
	})
	return l.closeErr
}
