//go:build linux

package media

import (
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Acquirer captures local devices via pion/mediadevices (V4L2 + malgo + X11
// on Linux). One Acquirer serves the whole process; each Acquire returns an
// independently owned handle.
type Acquirer struct {
	codec *mediadevices.CodecSelector
}

func NewAcquirer() (*Acquirer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Acquirer{
		codec: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Populate registers the acquirer's codecs on a MediaEngine so negotiated
// sessions can carry the captured tracks.
func (a *Acquirer) Populate(me *webrtc.MediaEngine) error {
	a.codec.Populate(me)
	return nil
}

// Acquire requests the microphone, and the camera when wantVideo is set.
// Denial or absence of either requested device fails the whole acquisition
// with ErrDeviceUnavailable — the caller surfaces it and aborts the attempt.
func (a *Acquirer) Acquire(wantVideo bool) (*LocalMedia, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: a.codec}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if wantVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder
			// and breaks SDP negotiation. Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 — higher resolutions increase VP8 encoding latency.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	lm := &LocalMedia{}
	for _, track := range stream.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local track ended: %v", err)
			}
		})
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			lm.audio = track
		case webrtc.RTPCodecTypeVideo:
			lm.video = track
		}
	}

	log.Printf("MEDIA: captured local media (video=%v)", lm.video != nil)
	return lm, nil
}

// AcquireScreen captures the screen for sharing. onStopped fires when the
// user ends the capture through a platform-level control rather than through
// the in-call toggle; the coordinator treats that as a "stop sharing" intent.
func (a *Acquirer) AcquireScreen(onStopped func()) (*ScreenCapture, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: a.codec,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	sc := &ScreenCapture{}
	for _, track := range stream.GetVideoTracks() {
		sc.track = track
		track.OnEnded(func(err error) {
			if sc.stoppedExternally() {
				log.Printf("MEDIA: screen capture stopped by platform (%v)", err)
				if onStopped != nil {
					onStopped()
				}
			}
		})
		break
	}
	if sc.track == nil {
		return nil, fmt.Errorf("%w: display capture produced no video track", ErrDeviceUnavailable)
	}

	log.Printf("MEDIA: screen capture started")
	return sc, nil
}
