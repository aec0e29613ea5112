//go:build !linux

// Package device captures the local camera and microphone. Capture is only
// implemented on Linux.
package device

import (
	"context"
	"fmt"
	"runtime"

	"github.com/1ureka/telecall/internal/media"
)

type Capturer struct{}

var _ media.Capturer = Capturer{}

func (Capturer) Capture(context.Context, bool) (media.Stream, error) {
	return nil, fmt.Errorf("%w: no capture driver on %s", media.ErrDeviceUnavailable, runtime.GOOS)
}
