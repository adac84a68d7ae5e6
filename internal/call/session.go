package call

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// session is the live record of one call attempt. Owned exclusively by the
// manager's run loop; never revived — a new call gets a new id.
type session struct {
	id        string
	callerID  string
	calleeID  string
	remoteID  string // the counterpart, whichever side we are
	outgoing  bool
	createdAt time.Time

	// remoteOffer is retained from offer receipt until AnswerCall or
	// DeclineCall consumes it. Media is deliberately not acquired before
	// the user answers.
	remoteOffer *webrtc.SessionDescription

	// pendingCandidates holds remote candidates that trickle in while the
	// call is still ringing and no negotiator exists yet. AnswerCall
	// flushes them right after accepting the offer.
	pendingCandidates []string

	neg    Negotiator
	media  LocalMedia
	screen ScreenCapture

	muted         bool
	videoEnabled  bool
	screenSharing bool

	// answered is set once the answer has been sent or applied. With the
	// transport-gated policy the phase flips to connected only when the
	// transport confirms; answered marks the pending flip.
	answered bool
	live     bool
}

// Snapshot is the read-only view the UI surfaces consume. They issue only
// the named intents back and never reach into media handles or the
// negotiator.
type Snapshot struct {
	Phase         Phase  `json:"phase"`
	CallID        string `json:"callId,omitempty"`
	RemoteID      string `json:"remoteId,omitempty"`
	RemoteLabel   string `json:"remoteLabel,omitempty"`
	Muted         bool   `json:"muted"`
	VideoEnabled  bool   `json:"videoEnabled"`
	ScreenSharing bool   `json:"screenSharing"`
	Live          bool   `json:"live"`
}

// Event is one entry in the recent call lifecycle log, kept for diagnostics.
type Event struct {
	TS     time.Time `json:"ts"`
	CallID string    `json:"callId,omitempty"`
	Note   string    `json:"note"`
}
