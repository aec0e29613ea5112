//go:build linux

// Package device captures the local camera and microphone through
// pion/mediadevices (V4L2 and malgo on Linux).
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/telecall/internal/media"
	"github.com/1ureka/telecall/internal/util"
)

// Capturer opens real devices. The zero value is ready to use.
type Capturer struct{}

var _ media.Capturer = Capturer{}

func (Capturer) Capture(ctx context.Context, wantsVideo bool) (media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	selector, err := codecSelector()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrDeviceUnavailable, err)
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no capture devices found", media.ErrDeviceUnavailable)
	}
	for _, d := range devices {
		util.LogDebug("media: device kind=%v label=%q", d.Kind, d.Label)
	}

	// GetUserMedia fails as a unit, so a broken camera must not cost the
	// call its audio: retry audio-only.
	attempts := []bool{false}
	if wantsVideo {
		attempts = []bool{true, false}
	}

	var lastErr error
	for _, video := range attempts {
		constraints := mediadevices.MediaStreamConstraints{
			Codec: selector,
			Audio: func(*mediadevices.MediaTrackConstraints) {},
		}
		if video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		s, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			util.LogWarning("media: capture (video=%v) failed: %v", video, err)
			lastErr = err
			continue
		}
		return newStream(s.GetTracks(), video), nil
	}
	return nil, classify(lastErr)
}

func codecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// classify maps driver errors onto the media error taxonomy.
func classify(err error) error {
	if err == nil {
		return media.ErrDeviceUnavailable
	}
	if errors.Is(err, os.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", media.ErrDeviceUnavailable, err)
}

type stream struct {
	tracks   []mediadevices.Track
	hasVideo bool
}

func newStream(tracks []mediadevices.Track, video bool) *stream {
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				util.LogWarning("media: local %s track ended: %v", t.Kind(), err)
			}
		})
	}
	return &stream{tracks: tracks, hasVideo: video}
}

func (s *stream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *stream) HasVideo() bool { return s.hasVideo }

func (s *stream) Close() error {
	var errs []error
	for _, t := range s.tracks {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}
