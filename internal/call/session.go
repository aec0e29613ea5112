package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/telecall/internal/directory"
	"github.com/1ureka/telecall/internal/media"
	"github.com/1ureka/telecall/internal/metrics"
	"github.com/1ureka/telecall/internal/peer"
	"github.com/1ureka/telecall/internal/profile"
	"github.com/1ureka/telecall/internal/signaling"
	"github.com/1ureka/telecall/internal/util"
)

const (
	inboxSize     = 256
	maxCandidates = 128
)

// Session is one call seen from the local party.
//
// Every input (user commands, signaling, link callbacks, timers, media
// results) is queued to the session goroutine and handled one at a time.
// Slow work such as capture and ICE runs elsewhere and comes back as a new
// input, so a hangup is never stuck behind it.
type Session struct {
	id       string
	role     Role
	peerID   string
	callType directory.CallType
	m        *Manager
	log      util.Tagged

	ctx      context.Context
	cancel   context.CancelFunc
	inbox    chan func()
	quit     chan struct{}
	quitOnce sync.Once

	mu        sync.Mutex
	snap      Event
	startedAt time.Time
	final     int

	// Owned by the session goroutine.
	state             State
	record            directory.Record
	link              PeerLink
	media             MediaEndpoint
	mediaGen          int
	localReady        bool
	remoteOffer       json.RawMessage
	haveRemote        bool
	pendingCandidates []json.RawMessage
	negotiationErrors int
	ringTimer         *clock.Timer
	connectTimer      *clock.Timer
	waiters           []chan error
	tornDown          bool
}

func newSession(m *Manager, rec directory.Record, role Role) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       rec.ID,
		role:     role,
		peerID:   rec.Peer(m.cfg.Self),
		callType: rec.Type,
		m:        m,
		log:      util.Tag(rec.ID),
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan func(), inboxSize),
		quit:     make(chan struct{}),
		state:    StateIdle,
		record:   rec,
	}
	s.snap = Event{
		CallID:   rec.ID,
		State:    StateIdle,
		Role:     role,
		PeerID:   s.peerID,
		PeerName: profile.Placeholder,
		CallType: rec.Type,
		Status:   rec.Status,
		At:       m.clock.Now(),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post queues fn for the session goroutine. It reports false once the
// session has been retired.
func (s *Session) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// ask runs fn on the session goroutine and returns its result.
func ask[T any](s *Session, fn func() T) (T, bool) {
	var zero T
	reply := make(chan T, 1)
	if !s.post(func() { reply <- fn() }) {
		return zero, false
	}
	select {
	case v := <-reply:
		return v, true
	case <-s.quit:
		select {
		case v := <-reply:
			return v, true
		default:
			return zero, false
		}
	}
}

func (s *Session) retire() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Session) ID() string { return s.id }
func (s *Session) Role() Role { return s.role }
func (s *Session) PeerID() string { return s.peerID }

// Snapshot returns the latest event of the session with the duration of an
// active call brought up to date.
func (s *Session) Snapshot() Event {
	now := s.m.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.snap
	if ev.State == StateActive && !s.startedAt.IsZero() {
		ev.DurationSeconds = seconds(now.Sub(s.startedAt))
	}
	return ev
}

// Accept answers a ringing incoming call. It returns once local media is
// ready or the call failed. Outside Ringing it does nothing.
func (s *Session) Accept(ctx context.Context) error { return s.m.accept(ctx, s) }

// Reject declines a ringing incoming call.
func (s *Session) Reject() { s.post(s.reject) }

// End hangs up. Ending a terminal session does nothing.
func (s *Session) End() { s.post(s.end) }

// ToggleMute flips the microphone and reports whether it is now muted.
func (s *Session) ToggleMute() bool {
	v, _ := ask(s, func() bool { return s.toggle(webrtc.RTPCodecTypeAudio, false) })
	return v
}

// ToggleSpeaker flips remote audio playback and reports whether it is on.
func (s *Session) ToggleSpeaker() bool {
	v, _ := ask(s, func() bool { return s.toggle(webrtc.RTPCodecTypeAudio, true) })
	return v
}

// ToggleCamera flips the camera and reports whether it is now off.
func (s *Session) ToggleCamera() bool {
	v, _ := ask(s, func() bool { return s.toggle(webrtc.RTPCodecTypeVideo, false) })
	return v
}

// enter moves to state and emits the event for it.
func (s *Session) enter(state State, reason Reason) {
	s.state = state
	now := s.m.clock.Now()

	s.mu.Lock()
	if s.record.StartedAt != nil {
		s.startedAt = *s.record.StartedAt
	}
	s.snap.State = state
	s.snap.Reason = reason
	s.snap.Status = s.record.Status
	s.snap.At = now
	switch {
	case state.Terminal():
		s.snap.DurationSeconds = s.final
	case !s.startedAt.IsZero():
		s.snap.DurationSeconds = seconds(now.Sub(s.startedAt))
	}
	ev := s.snap
	s.mu.Unlock()

	if reason != "" {
		s.log.Info("%s (%s)", state, reason)
	} else {
		s.log.Info("%s", state)
	}
	s.m.emit(ev)
}

func (s *Session) setPeerName(name string) {
	s.mu.Lock()
	s.snap.PeerName = name
	s.mu.Unlock()
}

func (s *Session) waiter() <-chan error {
	ch := make(chan error, 1)
	s.waiters = append(s.waiters, ch)
	return ch
}

func (s *Session) release(err error) {
	for _, ch := range s.waiters {
		ch <- err
	}
	s.waiters = nil
}

// dial starts an outgoing call. The record already exists.
func (s *Session) dial(video bool) <-chan error {
	wait := s.waiter()
	s.enter(StateDialing, "")
	s.armRing()
	if err := s.openLink(); err != nil {
		s.finish(ending{state: StateFailed, status: directory.StatusEnded, reason: ReasonConnectionFailed, hangup: &signaling.Hangup{}, err: err})
		return wait
	}
	s.acquire(video)
	return wait
}

// ring surfaces an incoming call, unless it ended before it got here.
func (s *Session) ring(name string) {
	if s.state != StateIdle {
		return
	}
	s.setPeerName(name)
	s.writeStatus(directory.StatusRinging)
	if s.record.Status.Terminal() {
		s.finish(ending{state: StateEnded, reason: reasonFor(s.record.Status)})
		return
	}
	s.enter(StateRinging, "")
	s.armRing()
	if s.m.notifier != nil {
		go s.m.notifier.NotifyIncomingCall(name)
	}
}

func (s *Session) accept() <-chan error {
	if s.role != RoleReceiver || s.state != StateRinging {
		s.log.Debug("accept ignored in %s", s.state)
		return nil
	}
	wait := s.waiter()
	stopTimer(s.ringTimer)
	s.enter(StateConnecting, "")
	s.armConnect()
	if err := s.openLink(); err != nil {
		s.finish(ending{state: StateFailed, status: directory.StatusEnded, reason: ReasonConnectionFailed, hangup: &signaling.Hangup{}, err: err})
		return wait
	}
	s.acquire(s.callType == directory.CallVideo)
	return wait
}

func (s *Session) reject() {
	if s.role != RoleReceiver || s.state != StateRinging {
		s.log.Debug("reject ignored in %s", s.state)
		return
	}
	s.finish(ending{
		state:  StateEnded,
		status: directory.StatusRejected,
		reason: ReasonRejected,
		hangup: &signaling.Hangup{Reason: signaling.HangupRejected},
	})
}

func (s *Session) end() {
	if s.state.Terminal() {
		return
	}
	s.finish(ending{state: StateEnded, status: directory.StatusEnded, reason: ReasonHangup, hangup: &signaling.Hangup{}})
}

func (s *Session) toggle(kind webrtc.RTPCodecType, speaker bool) bool {
	if s.media == nil || s.state.Terminal() {
		return false
	}
	if speaker {
		return s.media.ToggleSpeaker()
	}

	var off bool
	if kind == webrtc.RTPCodecTypeVideo {
		off = s.media.ToggleCamera()
	} else {
		off = s.media.ToggleMute()
	}
	s.applySending(kind, !off)
	return off
}

func (s *Session) applySending(kind webrtc.RTPCodecType, enabled bool) {
	if s.link == nil {
		return
	}
	if err := s.link.SetSending(kind, enabled); err != nil {
		s.log.Debug("set sending %s: %v", kind, err)
	}
}

func (s *Session) openLink() error {
	if s.media == nil {
		s.media = s.m.newMedia()
	}
	ep := s.media
	link, err := s.m.newLink(peer.Events{
		OnSignal: func(kind string, payload json.RawMessage) {
			s.post(func() { s.sendLocal(signaling.Kind(kind), payload) })
		},
		OnConnected: func() { s.post(s.onConnected) },
		OnFailed: func(err error) {
			s.post(func() { s.onLinkFailed(err) })
		},
		OnTrack: func(track *webrtc.TrackRemote) { ep.AttachRemote(track) },
		OnRemoteMedia: func(kind webrtc.RTPCodecType, enabled bool) {
			s.log.Debug("remote %s enabled=%v", kind, enabled)
		},
	})
	if err != nil {
		return fmt.Errorf("open peer link: %w", err)
	}
	s.link = link
	return nil
}

// acquire captures local media off the session goroutine. The result comes
// back tagged with the current generation; teardown bumps it so a late
// result is dropped, and the stopped endpoint releases the stream itself.
func (s *Session) acquire(video bool) {
	gen := s.mediaGen
	ep := s.media
	ctx := s.ctx
	go func() {
		stream, err := ep.GetLocalStream(ctx, video)
		s.post(func() { s.onMedia(gen, stream, err) })
	}()
}

func (s *Session) onMedia(gen int, stream media.Stream, err error) {
	if gen != s.mediaGen || s.state.Terminal() {
		s.log.Debug("dropping late media result")
		return
	}
	if err != nil {
		s.finish(ending{
			state:  StateFailed,
			status: directory.StatusEnded,
			reason: ReasonMediaUnavailable,
			hangup: &signaling.Hangup{},
			err:    fmt.Errorf("%w: %w", ErrMediaUnavailable, err),
		})
		return
	}
	if err := s.link.AddLocalMedia(stream.Tracks()); err != nil {
		s.finish(ending{state: StateFailed, status: directory.StatusEnded, reason: ReasonNegotiationFailed, hangup: &signaling.Hangup{}, err: err})
		return
	}
	// Toggles made while capturing found no sender to pause.
	s.applySending(webrtc.RTPCodecTypeAudio, !s.media.Muted())
	if stream.HasVideo() {
		s.applySending(webrtc.RTPCodecTypeVideo, !s.media.CameraOff())
	}
	s.localReady = true

	if s.role == RoleCaller {
		sdp, err := s.link.CreateOffer()
		if err != nil {
			s.finish(ending{state: StateFailed, status: directory.StatusEnded, reason: ReasonNegotiationFailed, hangup: &signaling.Hangup{}, err: err})
			return
		}
		s.sendLocal(signaling.KindOffer, sdp)
	} else {
		s.answer()
	}
	s.release(nil)
}

// answer replies to the stored offer once local media is on the link.
func (s *Session) answer() {
	if !s.localReady || s.remoteOffer == nil || s.haveRemote || s.state != StateConnecting {
		return
	}
	sdp, err := s.link.CreateAnswer(s.remoteOffer)
	if err != nil {
		s.remoteOffer = nil
		s.negotiationError("answer", err)
		return
	}
	s.haveRemote = true
	s.sendLocal(signaling.KindAnswer, sdp)
	s.replayCandidates()
}

func (s *Session) onSignal(msg signaling.Message) {
	if s.state.Terminal() {
		metrics.SignalsDiscardedTotal.WithLabelValues("late").Inc()
		s.log.Debug("dropping %s after %s", msg.Kind, s.state)
		return
	}
	if msg.From != s.peerID {
		metrics.SignalsDiscardedTotal.WithLabelValues("foreign").Inc()
		return
	}

	switch msg.Kind {
	case signaling.KindOffer:
		if s.role != RoleReceiver {
			s.negotiationError("offer", errors.New("offer sent to the caller"))
			return
		}
		if s.haveRemote {
			return
		}
		s.remoteOffer = msg.Payload
		s.answer()

	case signaling.KindAnswer:
		if s.role != RoleCaller {
			s.negotiationError("answer", errors.New("answer sent to the receiver"))
			return
		}
		if s.haveRemote || s.link == nil {
			return
		}
		if err := s.link.ApplyRemoteAnswer(msg.Payload); err != nil {
			s.negotiationError("answer", err)
			return
		}
		s.haveRemote = true
		stopTimer(s.ringTimer)
		s.enter(StateConnecting, "")
		s.armConnect()
		s.replayCandidates()

	case signaling.KindCandidate:
		s.applyCandidate(msg.Payload)

	case signaling.KindHangup:
		var h signaling.Hangup
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &h); err != nil {
				s.log.Debug("hangup payload: %v", err)
			}
		}
		switch h.Reason {
		case signaling.HangupRejected:
			s.finish(ending{state: StateEnded, status: directory.StatusRejected, reason: ReasonRemoteRejected})
		case signaling.HangupMissed:
			s.finish(ending{state: StateEnded, status: directory.StatusMissed, reason: ReasonMissed})
		default:
			s.finish(ending{state: StateEnded, status: directory.StatusEnded, reason: ReasonRemoteHangup})
		}
	}
}

func (s *Session) applyCandidate(c json.RawMessage) {
	if !s.haveRemote || s.link == nil {
		s.holdCandidate(c)
		return
	}
	err := s.link.ApplyRemoteCandidate(c)
	switch {
	case err == nil:
	case errors.Is(err, peer.ErrNoRemoteDescription):
		s.holdCandidate(c)
	default:
		s.negotiationError("candidate", err)
	}
}

func (s *Session) holdCandidate(c json.RawMessage) {
	if len(s.pendingCandidates) >= maxCandidates {
		s.log.Warn("candidate buffer full, dropping")
		return
	}
	s.pendingCandidates = append(s.pendingCandidates, c)
}

func (s *Session) replayCandidates() {
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	for _, c := range pending {
		if s.state.Terminal() {
			return
		}
		s.applyCandidate(c)
	}
}

func (s *Session) negotiationError(kind string, err error) {
	s.negotiationErrors++
	metrics.NegotiationErrorsTotal.WithLabelValues(kind).Inc()
	s.log.Warn("negotiation %s: %v (%d/%d)", kind, err, s.negotiationErrors, s.m.cfg.NegotiationTolerance)
	if s.negotiationErrors > s.m.cfg.NegotiationTolerance {
		s.finish(ending{state: StateFailed, status: directory.StatusEnded, reason: ReasonNegotiationFailed, hangup: &signaling.Hangup{}, err: err})
	}
}

func (s *Session) onConnected() {
	if s.state != StateConnecting {
		return
	}
	stopTimer(s.connectTimer)
	s.writeStatus(directory.StatusConnected)
	if s.record.Status.Terminal() {
		s.finish(ending{state: StateEnded, reason: reasonFor(s.record.Status)})
		return
	}
	s.enter(StateActive, "")
}

func (s *Session) onLinkFailed(err error) {
	if s.state.Terminal() {
		return
	}
	s.log.Warn("peer link failed: %v", err)
	s.finish(ending{state: StateFailed, status: directory.StatusEnded, reason: ReasonConnectionFailed, hangup: &signaling.Hangup{}, err: err})
}

func (s *Session) onRingTimeout() {
	if s.state != StateDialing && s.state != StateRinging {
		return
	}
	s.finish(ending{
		state:  StateEnded,
		status: directory.StatusMissed,
		reason: ReasonMissed,
		hangup: &signaling.Hangup{Reason: signaling.HangupMissed},
	})
}

func (s *Session) onConnectTimeout() {
	if s.state != StateConnecting {
		return
	}
	s.finish(ending{
		state:  StateFailed,
		status: directory.StatusEnded,
		reason: ReasonConnectionFailed,
		hangup: &signaling.Hangup{},
		err:    errors.New("peer link did not connect in time"),
	})
}

func (s *Session) onTransportDown() {
	if s.state.Terminal() {
		return
	}
	s.finish(ending{state: StateFailed, status: directory.StatusEnded, reason: ReasonTransportFailed, err: errors.New("relay unavailable")})
}

// onRecord applies a record update seen on the relay. A terminal record
// ends the session even when the hangup message never arrived.
func (s *Session) onRecord(rec directory.Record) {
	if rec.ID != s.id || s.state.Terminal() {
		return
	}
	if rec.Status != s.record.Status && !s.record.Status.CanTransitionTo(rec.Status) {
		return
	}
	s.record = rec
	if rec.Status.Terminal() {
		// Writing the status again records the end in the local directory
		// when it is not the one the peer wrote to.
		s.finish(ending{state: StateEnded, status: rec.Status, reason: reasonFor(rec.Status)})
		return
	}
	s.mu.Lock()
	s.snap.Status = rec.Status
	s.mu.Unlock()
}

// ending describes a terminal transition. An empty status skips the
// directory write and a nil hangup sends nothing to the peer.
type ending struct {
	state  State
	status directory.Status
	reason Reason
	hangup *signaling.Hangup
	err    error
}

func (s *Session) finish(e ending) {
	if s.state.Terminal() {
		return
	}
	s.teardown()

	if e.hangup != nil {
		payload, _ := json.Marshal(e.hangup)
		s.sendLocal(signaling.KindHangup, payload)
	}
	if e.status != "" {
		s.writeStatus(e.status)
	}

	final := 0
	if s.record.DurationSeconds != nil {
		final = *s.record.DurationSeconds
	}
	s.mu.Lock()
	s.final = final
	s.mu.Unlock()

	s.enter(e.state, e.reason)

	err := e.err
	if err == nil {
		err = ErrCallEnded
	}
	s.release(err)

	metrics.CallsEndedTotal.WithLabelValues(string(s.record.Status), string(e.reason)).Inc()
	if s.record.StartedAt != nil {
		metrics.CallDurationSeconds.Observe(float64(final))
	}
	s.m.ended(s)
}

// teardown releases the link, the media and the timers exactly once.
func (s *Session) teardown() {
	if s.tornDown {
		return
	}
	s.tornDown = true
	s.mediaGen++
	stopTimer(s.ringTimer)
	stopTimer(s.connectTimer)
	s.cancel()

	if s.link != nil {
		if err := s.link.Close(); err != nil {
			s.log.Debug("close peer link: %v", err)
		}
	}
	if s.media != nil {
		if err := s.media.Stop(); err != nil {
			s.log.Debug("stop media: %v", err)
		}
	}
}

func (s *Session) writeStatus(status directory.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), s.m.cfg.DirectoryTimeout)
	defer cancel()

	rec, err := s.m.dir.Transition(ctx, s.id, status)
	if errors.Is(err, directory.ErrNotFound) {
		// The record was created in the peer's directory.
		if _, aerr := s.m.dir.Adopt(ctx, s.record); aerr != nil {
			s.log.Warn("adopt record: %v", aerr)
		} else {
			rec, err = s.m.dir.Transition(ctx, s.id, status)
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, directory.ErrTerminal), errors.Is(err, directory.ErrInvalidTransition):
		s.log.Debug("record already %s, wanted %s", rec.Status, status)
	default:
		s.log.Warn("mark %s: %v", status, err)
		if next, aerr := s.record.Advance(status, s.m.clock.Now().UTC()); aerr == nil {
			s.record = next
		}
		return
	}
	if rec.ID != "" {
		s.record = rec
	}
}

func (s *Session) sendLocal(kind signaling.Kind, payload json.RawMessage) {
	if kind != signaling.KindHangup && s.state.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.m.cfg.DirectoryTimeout)
	defer cancel()

	err := s.m.sig.Send(ctx, signaling.Message{
		CallID:  s.id,
		From:    s.m.cfg.Self,
		To:      s.peerID,
		Kind:    kind,
		Payload: payload,
	})
	if err != nil {
		s.log.Warn("send %s: %v", kind, err)
	}
}

func (s *Session) armRing() {
	s.ringTimer = s.m.clock.AfterFunc(s.m.cfg.RingTimeout, func() { s.post(s.onRingTimeout) })
}

func (s *Session) armConnect() {
	s.connectTimer = s.m.clock.AfterFunc(s.m.cfg.ConnectTimeout, func() { s.post(s.onConnectTimeout) })
}

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

func reasonFor(status directory.Status) Reason {
	switch status {
	case directory.StatusRejected:
		return ReasonRemoteRejected
	case directory.StatusMissed:
		return ReasonMissed
	default:
		return ReasonRemoteHangup
	}
}

func seconds(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d.Round(time.Second) / time.Second)
}
