// Package call runs the lifecycle of one-to-one calls. Each Session is a
// single goroutine that serializes user commands, inbound signaling and
// peer link events, so no two transitions ever interleave. The Manager
// routes signaling to sessions and keeps at most one non-terminal session
// for the local party.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/telecall/internal/directory"
	"github.com/1ureka/telecall/internal/media"
	"github.com/1ureka/telecall/internal/peer"
	"github.com/1ureka/telecall/internal/signaling"
)

var (
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrAlreadyInCall    = errors.New("already in a call")
	ErrPeerBusy         = errors.New("peer is in another call")
	ErrNoSession        = errors.New("no call session")
	ErrCallEnded        = errors.New("call ended before it was set up")
	ErrClosed           = errors.New("call manager closed")
)

// State is the lifecycle state of a Session.
type State string

const (
	StateIdle       State = "idle"
	StateDialing    State = "dialing"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// Terminal reports whether s is Ended or Failed.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// Reason explains a terminal state.
type Reason string

const (
	ReasonHangup            Reason = "hangup"
	ReasonRemoteHangup      Reason = "remote_hangup"
	ReasonRejected          Reason = "rejected"
	ReasonRemoteRejected    Reason = "remote_rejected"
	ReasonMissed            Reason = "missed"
	ReasonConnectionFailed  Reason = "connection_failed"
	ReasonTransportFailed   Reason = "transport_failed"
	ReasonMediaUnavailable  Reason = "media_unavailable"
	ReasonNegotiationFailed Reason = "negotiation_failed"
)

// Event is emitted on every state transition of a Session.
type Event struct {
	CallID          string             `json:"callId"`
	State           State              `json:"state"`
	Role            Role               `json:"role"`
	PeerID          string             `json:"peerId"`
	PeerName        string             `json:"peerName"`
	CallType        directory.CallType `json:"callType"`
	Status          directory.Status   `json:"status"`
	DurationSeconds int                `json:"durationSeconds"`
	Reason          Reason             `json:"reason,omitempty"`
	At              time.Time          `json:"at"`
}

// PeerLink is the slice of *peer.Link a Session drives.
type PeerLink interface {
	AddLocalMedia(tracks []webrtc.TrackLocal) error
	CreateOffer() (json.RawMessage, error)
	CreateAnswer(offer json.RawMessage) (json.RawMessage, error)
	ApplyRemoteAnswer(answer json.RawMessage) error
	ApplyRemoteCandidate(candidate json.RawMessage) error
	SetSending(kind webrtc.RTPCodecType, enabled bool) error
	Close() error
}

// LinkFactory creates a PeerLink reporting to ev.
type LinkFactory func(ev peer.Events) (PeerLink, error)

// PeerLinks returns a LinkFactory building real pion links from cfg.
func PeerLinks(cfg peer.Config) LinkFactory {
	return func(ev peer.Events) (PeerLink, error) { return peer.New(cfg, ev) }
}

// MediaEndpoint is the slice of *media.Endpoint a Session drives.
type MediaEndpoint interface {
	GetLocalStream(ctx context.Context, wantsVideo bool) (media.Stream, error)
	ToggleMute() bool
	ToggleSpeaker() bool
	ToggleCamera() bool
	Muted() bool
	CameraOff() bool
	AttachRemote(track media.RemoteTrack)
	Stop() error
}

// MediaFactory creates the MediaEndpoint of one session.
type MediaFactory func() MediaEndpoint

// Endpoints returns a MediaFactory capturing with c into sink.
func Endpoints(c media.Capturer, sink media.Sink) MediaFactory {
	return func() MediaEndpoint { return media.NewEndpoint(c, sink) }
}

// Signaler is the signaling surface the Manager uses, satisfied by
// *signaling.Transport.
type Signaler interface {
	Send(ctx context.Context, msg signaling.Message) error
	Subscribe(party string, onMessage func(signaling.Message)) (*signaling.Handle, error)
	OnDown(fn func())
}

// Notifier surfaces an incoming call outside the event stream. It is best
// effort.
type Notifier interface {
	NotifyIncomingCall(peerName string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(peerName string)

func (f NotifierFunc) NotifyIncomingCall(peerName string) { f(peerName) }
