// Package media owns local capture for one call and the playback side of
// the remote tracks.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/telecall/internal/util"
)

var (
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrStopped           = errors.New("media endpoint stopped")
)

// Stream is a set of captured local tracks.
type Stream interface {
	Tracks() []webrtc.TrackLocal
	HasVideo() bool
	Close() error
}

// Capturer opens capture devices. Errors must wrap ErrPermissionDenied or
// ErrDeviceUnavailable.
type Capturer interface {
	Capture(ctx context.Context, wantsVideo bool) (Stream, error)
}

// RemoteTrack is the read side of a remote track, satisfied by
// *webrtc.TrackRemote.
type RemoteTrack interface {
	Kind() webrtc.RTPCodecType
	Read(b []byte) (int, interceptor.Attributes, error)
}

// Sink plays remote media. Packets are only valid for the duration of the
// call.
type Sink interface {
	WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet)
}

type discardSink struct{}

func (discardSink) WriteRTP(webrtc.RTPCodecType, *rtp.Packet) {}

// Endpoint is the media side of one call. It is safe for concurrent use.
type Endpoint struct {
	capturer Capturer
	sink     Sink

	mu        sync.Mutex
	stream    Stream
	muted     bool
	speaker   bool
	cameraOff bool
	stopped   bool
}

// NewEndpoint returns an Endpoint capturing with c. A nil sink discards
// remote media.
func NewEndpoint(c Capturer, sink Sink) *Endpoint {
	if sink == nil {
		sink = discardSink{}
	}
	return &Endpoint{capturer: c, sink: sink, speaker: true}
}

// GetLocalStream captures audio, plus video when wantsVideo. It returns the
// existing stream on repeated calls.
func (e *Endpoint) GetLocalStream(ctx context.Context, wantsVideo bool) (Stream, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	if e.stream != nil {
		s := e.stream
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	s, err := e.capturer.Capture(ctx, wantsVideo)
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) && !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		// Stop ran while capturing; nobody will release this stream.
		_ = s.Close()
		return nil, ErrStopped
	}
	e.stream = s
	e.cameraOff = !s.HasVideo()
	return s, nil
}

// ToggleMute flips the microphone and returns true when now muted.
func (e *Endpoint) ToggleMute() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = !e.muted
	return e.muted
}

// ToggleSpeaker flips remote audio playback and returns true when the
// speaker is now on.
func (e *Endpoint) ToggleSpeaker() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speaker = !e.speaker
	return e.speaker
}

// ToggleCamera flips the camera and returns true when it is now off. A
// stream without video stays off.
func (e *Endpoint) ToggleCamera() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream != nil && !e.stream.HasVideo() {
		e.cameraOff = true
		return true
	}
	e.cameraOff = !e.cameraOff
	return e.cameraOff
}

// Muted, SpeakerOn and CameraOff report the current toggle states.
func (e *Endpoint) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

func (e *Endpoint) SpeakerOn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaker
}

func (e *Endpoint) CameraOff() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cameraOff
}

// AttachRemote pumps a remote track into the sink until the track ends.
// Audio is dropped while the speaker is off, malformed packets always.
func (e *Endpoint) AttachRemote(track RemoteTrack) {
	kind := track.Kind()
	go func() {
		buf := make([]byte, 1500)
		pkt := &rtp.Packet{}
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				util.LogDebug("media: remote %s track ended: %v", kind, err)
				return
			}

			e.mu.Lock()
			drop := e.stopped || (kind == webrtc.RTPCodecTypeAudio && !e.speaker)
			e.mu.Unlock()
			if drop {
				continue
			}
			if err := pkt.Unmarshal(buf[:n]); err != nil {
				util.LogDebug("media: bad %s packet: %v", kind, err)
				continue
			}
			e.sink.WriteRTP(kind, pkt)
		}
	}()
}

// Stop releases the local stream. It is safe to call more than once.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	s := e.stream
	e.stream = nil
	e.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Close()
}
