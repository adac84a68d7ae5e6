// Package negotiate wraps a single pion PeerConnection and drives the
// offer/answer and trickle-ICE exchange for one call session.
package negotiate

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// State is the negotiator's connectivity state as surfaced to the call
// coordinator. disconnected is transient and must not tear down the call;
// failed is fatal and routes into the same cleanup path as a hang-up.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Callbacks fire asynchronously from pion's internal goroutines as events
// occur. OnLocalCandidate must forward each candidate to the peer
// immediately (trickle, not batched).
type Callbacks struct {
	OnLocalCandidate func(candidate string)
	OnRemoteTrack    func(track *webrtc.TrackRemote)
	OnStateChange    func(state State)
}

// EnginePopulator registers the codecs the local capture stack produces.
// media.Acquirer satisfies this.
type EnginePopulator interface {
	Populate(*webrtc.MediaEngine) error
}

// Negotiator owns one PeerConnection for the lifetime of one call session.
// A new call gets a new Negotiator; Close is terminal.
type Negotiator struct {
	pc *webrtc.PeerConnection
	cb Callbacks

	mu          sync.Mutex
	remoteSet   bool
	pending     []string // candidates received before the remote description
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal // retained so mute can restore without reacquiring
	videoTrack  webrtc.TrackLocal
	closed      bool
}

// New builds the PeerConnection: codecs from the capture stack, default
// interceptors, and generous ICE timeouts so a brief NAT hiccup does not
// immediately terminate the call (the default 5 s disconnectedTimeout is far
// too short for relay paths).
func New(pop EnginePopulator, stunServers []string, cb Callbacks) (*Negotiator, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := pop.Populate(mediaEngine); err != nil {
		return nil, fmt.Errorf("populate media engine: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	n := &Negotiator{pc: pc, cb: cb}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-candidates marker
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Printf("RTC: encode local candidate: %v", err)
			return
		}
		if n.cb.OnLocalCandidate != nil {
			n.cb.OnLocalCandidate(string(b))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("RTC: remote track %s (%s)", track.ID(), track.Kind())
		if n.cb.OnRemoteTrack != nil {
			n.cb.OnRemoteTrack(track)
		}
		go n.consumeRemote(track)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		state, ok := mapState(s)
		if !ok {
			return
		}
		if n.cb.OnStateChange != nil {
			n.cb.OnStateChange(state)
		}
	})

	return n, nil
}

func mapState(s webrtc.PeerConnectionState) (State, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return StateClosed, true
	}
	return "", false
}

// attachTracks adds the local tracks, or recvonly transceivers where a track
// is missing so CreateOffer/CreateAnswer still produces valid m-lines with
// ICE credentials.
func (n *Negotiator) attachTracks(audio, video webrtc.TrackLocal) error {
	if audio != nil {
		sender, err := n.pc.AddTrack(audio)
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		n.audioSender = sender
		n.audioTrack = audio
	} else {
		if _, err := n.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}

	if video != nil {
		sender, err := n.pc.AddTrack(video)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		n.videoSender = sender
		n.videoTrack = video
	} else {
		if _, err := n.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}

	return nil
}

// CreateOffer attaches the local tracks, produces an offer and sets it as the
// local description. Candidates trickle out afterwards via OnLocalCandidate.
func (n *Negotiator) CreateOffer(audio, video webrtc.TrackLocal) (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.attachTracks(audio, video); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

// AcceptOffer attaches the local tracks, applies the remote offer and
// produces the answer, flushing any candidates that arrived early.
func (n *Negotiator) AcceptOffer(remote webrtc.SessionDescription, audio, video webrtc.TrackLocal) (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.attachTracks(audio, video); err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := n.pc.SetRemoteDescription(remote); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	n.remoteSet = true
	n.flushPendingLocked()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

// ApplyAnswer completes the initiator side of negotiation.
func (n *Negotiator) ApplyAnswer(remote webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.remoteSet = true
	n.flushPendingLocked()
	return nil
}

// AddRemoteCandidate is safe to call before the remote description is set:
// early candidates are buffered and flushed once the description lands.
// Signaling gives no ordering guarantee between an offer and its candidates.
func (n *Negotiator) AddRemoteCandidate(candidate string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.remoteSet {
		n.pending = append(n.pending, candidate)
		return nil
	}
	return n.addCandidateLocked(candidate)
}

func (n *Negotiator) flushPendingLocked() {
	for _, c := range n.pending {
		if err := n.addCandidateLocked(c); err != nil {
			log.Printf("RTC: flush buffered candidate: %v", err)
		}
	}
	n.pending = nil
}

func (n *Negotiator) addCandidateLocked(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := n.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// ReplaceVideoTrack swaps the outbound video track in place — no new
// offer/answer exchange. This is what keeps screen-share toggling fast and
// invisible to the remote side's session state.
func (n *Negotiator) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.videoSender == nil {
		return fmt.Errorf("no outbound video sender")
	}
	if err := n.videoSender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	n.videoTrack = track
	return nil
}

// SetAudioEnabled pauses or resumes the outbound audio without touching the
// capture device: the sender's track is swapped to nil and back, so toggling
// is instantaneous and reversible.
func (n *Negotiator) SetAudioEnabled(enabled bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.audioSender == nil {
		return fmt.Errorf("no outbound audio sender")
	}
	if enabled {
		return n.audioSender.ReplaceTrack(n.audioTrack)
	}
	return n.audioSender.ReplaceTrack(nil)
}

// SetVideoEnabled mirrors SetAudioEnabled for the camera track.
func (n *Negotiator) SetVideoEnabled(enabled bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.videoSender == nil {
		return fmt.Errorf("no outbound video sender")
	}
	if enabled {
		return n.videoSender.ReplaceTrack(n.videoTrack)
	}
	return n.videoSender.ReplaceTrack(nil)
}

// Close releases the transport. Idempotent — reachable from both explicit
// hang-up and the failed-state callback racing with it.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	if err := n.pc.Close(); err != nil {
		log.Printf("RTC: close peer connection: %v", err)
	}
}

// consumeRemote drains RTP from an inbound track and, for video, requests a
// keyframe every few seconds so late-joining renderers can decode. Renderers
// that want the media attach through OnRemoteTrack; this loop keeps the
// receiver's buffers moving either way.
func (n *Negotiator) consumeRemote(track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go n.pliLoop(track)
	}

	var pkt rtp.Packet
	var packets, bytes uint64
	buf := make([]byte, 1500)
	for {
		sz, _, err := track.Read(buf)
		if err != nil {
			log.Printf("RTC: remote track %s done (%d packets, %d bytes)", track.ID(), packets, bytes)
			return
		}
		if err := pkt.Unmarshal(buf[:sz]); err != nil {
			continue
		}
		packets++
		bytes += uint64(len(pkt.Payload))
	}
}

func (n *Negotiator) pliLoop(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		err := n.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
	}
}
