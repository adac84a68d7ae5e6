// Package media acquires and releases local capture devices (microphone,
// camera, screen). Handles are exclusively owned by the active call session;
// all toggling goes through the call coordinator, never through this package
// directly.
package media

import (
	"errors"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// ErrDeviceUnavailable means the platform denied or lacks a capture device.
// Fatal for the call attempt; surfaced to the user, never retried
// automatically.
var ErrDeviceUnavailable = errors.New("media device unavailable")

// LocalMedia owns the microphone and (optionally) camera tracks for one call.
type LocalMedia struct {
	mu     sync.Mutex
	audio  mediadevices.Track
	video  mediadevices.Track
	closed bool
}

// AudioTrack returns the captured microphone track, or nil when audio capture
// was not part of this acquisition.
func (m *LocalMedia) AudioTrack() webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audio == nil {
		return nil
	}
	return m.audio
}

// VideoTrack returns the captured camera track, or nil for audio-only calls.
func (m *LocalMedia) VideoTrack() webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video == nil {
		return nil
	}
	return m.video
}

// Close stops every owned track. Idempotent — the coordinator can reach this
// from both an explicit hang-up and a transport failure racing with it.
func (m *LocalMedia) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	audio, video := m.audio, m.video
	m.mu.Unlock()

	if audio != nil {
		if err := audio.Close(); err != nil {
			log.Printf("MEDIA: close audio track: %v", err)
		}
	}
	if video != nil {
		if err := video.Close(); err != nil {
			log.Printf("MEDIA: close video track: %v", err)
		}
	}
}

// ScreenCapture owns one screen-share track. The platform can end it from
// outside (user stops sharing via a system control); that path fires the
// onStopped observer passed to AcquireScreen, not an error.
type ScreenCapture struct {
	mu     sync.Mutex
	track  mediadevices.Track
	closed bool
}

func (s *ScreenCapture) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return nil
	}
	return s.track
}

// Close stops the capture. Idempotent. A deliberate Close does not fire the
// unsolicited-stop observer.
func (s *ScreenCapture) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	track := s.track
	s.mu.Unlock()

	if track != nil {
		if err := track.Close(); err != nil {
			log.Printf("MEDIA: close screen track: %v", err)
		}
	}
}

// stoppedExternally reports whether an OnEnded callback arrived before any
// deliberate Close, and marks the capture closed so the later Close is a no-op.
func (s *ScreenCapture) stoppedExternally() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}
