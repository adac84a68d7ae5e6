
package proto

import "time"

const (
	PresenceTopic = "peerline.presence.v1"
	MdnsTag       = "peerline-mdns"

	// Prefix for per-user signaling inbox topics. Every peer subscribes to
	// its own inbox; callers publish offers there, callees publish answers
	// and declines back to the caller's inbox.
	callTopicPrefix = "peerline.call.v1."
)

// CallTopic returns the signaling inbox topic for a peer.
func CallTopic(peerID string) string {
	return callTopicPrefix + peerID
}

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// Signaling message kinds. One inbox topic multiplexes all of them.
const (
	KindOffer     = "offer"
	KindAnswer    = "answer"
	KindCandidate = "candidate"
	KindDeclined  = "declined"
	KindEnded     = "ended"
)

// PresenceMsg announces a peer's presence and call-relevant profile fields
// on the shared presence topic.
type PresenceMsg struct {
	Type          string `json:"type"` // online|update|offline
	PeerID        string `json:"peerId"`
	Label         string `json:"label,omitempty"`
	AvatarHash    string `json:"avatarHash,omitempty"`
	VideoDisabled bool   `json:"videoDisabled,omitempty"` // Peer has video calls disabled
	TS            int64  `json:"ts"`
}

// SignalingMsg is the discriminated union carried on call inbox topics.
// Kind selects which optional fields are meaningful: offer/answer carry
// SDP+SDPType, candidate carries Candidate, declined/ended carry none.
type SignalingMsg struct {
	Kind       string `json:"kind"`
	CallID     string `json:"callId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId,omitempty"`
	SDP        string `json:"sdp,omitempty"`
	SDPType    string `json:"sdpType,omitempty"` // "offer" or "answer"
	Candidate  string `json:"candidate,omitempty"`
	TS         int64  `json:"ts,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
