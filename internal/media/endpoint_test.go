package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

func TestGetLocalStreamErrors(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want error
	}{
		{"permission", ErrPermissionDenied, ErrPermissionDenied},
		{"no device", ErrDeviceUnavailable, ErrDeviceUnavailable},
		{"driver error", errors.New("v4l2: busy"), ErrDeviceUnavailable},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEndpoint(Synthetic{Err: tc.err}, nil)
			_, err := e.GetLocalStream(context.Background(), false)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestGetLocalStreamReusesStream(t *testing.T) {
	e := NewEndpoint(Synthetic{}, nil)
	defer e.Stop()

	s1, err := e.GetLocalStream(context.Background(), true)
	if err != nil {
		t.Fatalf("GetLocalStream: %v", err)
	}
	s2, _ := e.GetLocalStream(context.Background(), true)
	if s1 != s2 {
		t.Fatal("second call captured again")
	}
	if len(s1.Tracks()) != 1 || s1.Tracks()[0].Kind() != webrtc.RTPCodecTypeAudio {
		t.Fatalf("unexpected tracks: %v", s1.Tracks())
	}
}

func TestToggles(t *testing.T) {
	e := NewEndpoint(Synthetic{}, nil)
	defer e.Stop()
	if _, err := e.GetLocalStream(context.Background(), true); err != nil {
		t.Fatalf("GetLocalStream: %v", err)
	}

	if !e.ToggleMute() || e.ToggleMute() {
		t.Fatal("mute should flip on then off")
	}
	if e.ToggleSpeaker() || !e.ToggleSpeaker() {
		t.Fatal("speaker starts on and should flip off then on")
	}
	// The synthetic stream has no video, so the camera stays off.
	if !e.ToggleCamera() || !e.ToggleCamera() {
		t.Fatal("camera without video must stay off")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	e := NewEndpoint(Synthetic{}, nil)
	if _, err := e.GetLocalStream(context.Background(), false); err != nil {
		t.Fatalf("GetLocalStream: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if _, err := e.GetLocalStream(context.Background(), false); !errors.Is(err, ErrStopped) {
		t.Fatalf("capture after Stop: %v", err)
	}
}

type blockingCapturer struct {
	release chan struct{}
	stream  *closeCounter
}

type closeCounter struct {
	mu     sync.Mutex
	closed int
}

func (c *closeCounter) Tracks() []webrtc.TrackLocal { return nil }

func (c *closeCounter) HasVideo() bool { return false }

func (c *closeCounter) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (b *blockingCapturer) Capture(context.Context, bool) (Stream, error) {
	<-b.release
	return b.stream, nil
}

// A stream that arrives after Stop is released, not leaked.
func TestStopDuringCapture(t *testing.T) {
	bc := &blockingCapturer{release: make(chan struct{}), stream: &closeCounter{}}
	e := NewEndpoint(bc, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := e.GetLocalStream(context.Background(), false)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = e.Stop()
	close(bc.release)

	if err := <-errc; !errors.Is(err, ErrStopped) {
		t.Fatalf("got %v, want ErrStopped", err)
	}
	bc.stream.mu.Lock()
	defer bc.stream.mu.Unlock()
	if bc.stream.closed != 1 {
		t.Fatalf("late stream closed %d times", bc.stream.closed)
	}
}

type fakeRemote struct {
	kind    webrtc.RTPCodecType
	packets chan []byte
}

func (f *fakeRemote) Kind() webrtc.RTPCodecType { return f.kind }

func (f *fakeRemote) Read(b []byte) (int, interceptor.Attributes, error) {
	p, ok := <-f.packets
	if !ok {
		return 0, nil, io.EOF
	}
	return copy(b, p), nil, nil
}

func packet(t *testing.T, seq uint16) []byte {
	t.Helper()
	p := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, SSRC: 7},
		Payload: []byte{0xf8, 0xff, 0xfe},
	}
	b, err := p.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

type countingSink struct {
	mu   sync.Mutex
	n    int
	seqs []uint16
}

func (s *countingSink) WriteRTP(_ webrtc.RTPCodecType, pkt *rtp.Packet) {
	s.mu.Lock()
	s.n++
	s.seqs = append(s.seqs, pkt.SequenceNumber)
	s.mu.Unlock()
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func TestSpeakerOffDropsRemoteAudio(t *testing.T) {
	sink := &countingSink{}
	e := NewEndpoint(Synthetic{}, sink)
	remote := &fakeRemote{kind: webrtc.RTPCodecTypeAudio, packets: make(chan []byte)}
	e.AttachRemote(remote)

	remote.packets <- packet(t, 1)
	remote.packets <- packet(t, 2) // the first packet has been handled once this send completes
	e.ToggleSpeaker()
	remote.packets <- packet(t, 3)
	remote.packets <- packet(t, 4)
	close(remote.packets)

	time.Sleep(20 * time.Millisecond)
	if n := sink.count(); n < 1 || n > 2 {
		t.Fatalf("sink got %d packets, want the ones before the speaker went off", n)
	}
}

func TestMalformedRemotePacketsAreDropped(t *testing.T) {
	sink := &countingSink{}
	e := NewEndpoint(Synthetic{}, sink)
	remote := &fakeRemote{kind: webrtc.RTPCodecTypeVideo, packets: make(chan []byte)}
	e.AttachRemote(remote)

	remote.packets <- packet(t, 10)
	remote.packets <- []byte{0x80}
	remote.packets <- packet(t, 11)
	close(remote.packets)

	time.Sleep(20 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.seqs) != 2 || sink.seqs[0] != 10 || sink.seqs[1] != 11 {
		t.Fatalf("sink got %v, want [10 11]", sink.seqs)
	}
}
