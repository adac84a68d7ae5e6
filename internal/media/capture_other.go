//go:build !linux

package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Acquirer on non-Linux platforms: camera/mic capture via pion/mediadevices
// requires platform-specific drivers (V4L2/malgo/X11 on Linux); elsewhere
// every acquisition reports ErrDeviceUnavailable and calls proceed
// receive-only if the coordinator allows it.
type Acquirer struct{}

func NewAcquirer() (*Acquirer, error) {
	return &Acquirer{}, nil
}

func (a *Acquirer) Populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (a *Acquirer) Acquire(wantVideo bool) (*LocalMedia, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrDeviceUnavailable)
}

func (a *Acquirer) AcquireScreen(onStopped func()) (*ScreenCapture, error) {
	return nil, fmt.Errorf("%w: no screen capture on this platform", ErrDeviceUnavailable)
}
