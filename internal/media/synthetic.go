package media

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single Opus frame of silence, 20ms long.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// Synthetic captures a silent Opus track instead of a microphone. It never
// provides video. Setting Err makes every Capture fail with it.
type Synthetic struct {
	Err   error
	Clock clock.Clock
}

func (s Synthetic) Capture(ctx context.Context, _ bool) (Stream, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "synthetic-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}

	st := &syntheticStream{audio: track, done: make(chan struct{})}
	go st.pump(clk)
	return st, nil
}

type syntheticStream struct {
	audio *webrtc.TrackLocalStaticSample

	done chan struct{}
	once sync.Once
}

func (s *syntheticStream) pump(clk clock.Clock) {
	ticker := clk.Ticker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.audio.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frameDuration})
		case <-s.done:
			return
		}
	}
}

func (s *syntheticStream) Tracks() []webrtc.TrackLocal { return []webrtc.TrackLocal{s.audio} }

func (s *syntheticStream) HasVideo() bool { return false }

func (s *syntheticStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
