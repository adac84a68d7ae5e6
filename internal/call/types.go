// Package call holds the authoritative call state machine. It reconciles
// local user intent (start/answer/decline/end/toggle) with remote signaling
// events and transport state changes, all serialized on a single run loop.
// Coupling to the rest of peerline is via the small ports below; the concrete
// adapters live in internal/app/run.go, the only place that imports both sides.
package call

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peerline/internal/negotiate"
	"github.com/petervdpas/peerline/internal/proto"
)

var (
	// ErrBusy rejects StartCall while another call is active. At most one
	// active session per local participant.
	ErrBusy = errors.New("another call is already active")

	// ErrBadPhase rejects an intent that is not valid in the current phase.
	ErrBadPhase = errors.New("not valid in current call phase")

	// ErrClosed means the manager has been shut down.
	ErrClosed = errors.New("call manager closed")
)

// Phase is the call session phase. ended/declined are terminal statuses
// recorded to the store; the machine itself returns to idle.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseOutgoingRinging Phase = "outgoing-ringing"
	PhaseIncomingRinging Phase = "incoming-ringing"
	PhaseConnected       Phase = "connected"
)

// Signaler is the outbound half of the signaling binding. Fire-and-forget:
// an error means the local publish failed, and callers only log it.
type Signaler interface {
	SendTo(targetUserID string, msg proto.SignalingMsg) error
}

// LocalMedia is an owned set of capture tracks for one call.
type LocalMedia interface {
	AudioTrack() webrtc.TrackLocal
	VideoTrack() webrtc.TrackLocal
	Close()
}

// ScreenCapture is an owned screen-share track.
type ScreenCapture interface {
	Track() webrtc.TrackLocal
	Close()
}

// Media acquires local capture devices. Acquisition failure is terminal for
// the call attempt (media.ErrDeviceUnavailable), never retried automatically.
type Media interface {
	Acquire(wantVideo bool) (LocalMedia, error)
	// AcquireScreen starts screen capture. onStopped fires if the user ends
	// the capture through a platform-level control; it must be treated as a
	// "stop sharing" intent, not an error.
	AcquireScreen(onStopped func()) (ScreenCapture, error)
}

// Negotiator drives offer/answer and candidate exchange for one session.
// Satisfied by *negotiate.Negotiator.
type Negotiator interface {
	CreateOffer(audio, video webrtc.TrackLocal) (webrtc.SessionDescription, error)
	AcceptOffer(remote webrtc.SessionDescription, audio, video webrtc.TrackLocal) (webrtc.SessionDescription, error)
	ApplyAnswer(remote webrtc.SessionDescription) error
	AddRemoteCandidate(candidate string) error
	ReplaceVideoTrack(track webrtc.TrackLocal) error
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	Close()
}

// NegotiatorEvents are the per-session callbacks the manager hands to the
// factory. They fire from transport goroutines; the manager re-serializes
// them onto its run loop.
type NegotiatorEvents struct {
	OnLocalCandidate func(candidate string)
	OnRemoteTrack    func(kind, id string)
	OnStateChange    func(state negotiate.State)
}

// NegotiatorFactory builds a fresh Negotiator for each call session.
type NegotiatorFactory func(ev NegotiatorEvents) (Negotiator, error)

// CallStore is the best-effort audit trail. Write failures are logged and
// never block or reverse a call.
type CallStore interface {
	CreateCallRecord(id, callerID, calleeID string) error
	UpdateCallStatus(id, status string) error
}

// Directory resolves a peer ID to a display label for UI snapshots.
// Read-only; returns "" for unknown peers.
type Directory interface {
	Label(peerID string) string
}
