package call

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peerline/internal/negotiate"
	"github.com/petervdpas/peerline/internal/proto"
	"github.com/petervdpas/peerline/internal/util"
)

// Audit statuses written to the CallStore at phase transitions.
const (
	statusCalling   = "calling"
	statusConnected = "connected"
	statusEnded     = "ended"
	statusDeclined  = "declined"
)

// Policy is the tunable part of call behavior; it can change at runtime via
// SetPolicy (config hot-reload).
type Policy struct {
	// RingingTimeout auto-cancels an unanswered ringing call. Without it a
	// caller whose offer or whose peer's decline got lost would ring forever.
	RingingTimeout time.Duration

	// GateOnTransport delays the connected phase until the transport
	// confirms connectivity. Default false: the answer round-trip already
	// proves mutual consent, so the phase flips optimistically and the
	// transport's connected event only drives the Live flag.
	GateOnTransport bool
}

// Manager is the single logical actor owning call state for one local user.
// All intents and async events funnel through one ops channel and execute
// serialized on the run loop, so no transition ever interleaves with another.
type Manager struct {
	sig    Signaler
	media  Media
	newNeg NegotiatorFactory
	store  CallStore
	dir    Directory

	selfID    string
	wantVideo bool // acquire camera by default (profile can disable video calls)

	ops  chan func()
	done chan struct{}
	once sync.Once

	// Owned by the run loop; no other goroutine touches these.
	phase     Phase
	sess      *session
	ringTimer *time.Timer
	policy    Policy

	snapMu sync.Mutex
	snap   Snapshot

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}

	events *util.RingBuffer[Event]
}

// New creates a Manager and starts its run loop. The caller feeds inbound
// signaling via HandleSignal and tears down with Close.
func New(sig Signaler, media Media, newNeg NegotiatorFactory, store CallStore, dir Directory, selfID string, wantVideo bool, policy Policy) *Manager {
	if policy.RingingTimeout <= 0 {
		policy.RingingTimeout = 60 * time.Second
	}
	m := &Manager{
		sig:       sig,
		media:     media,
		newNeg:    newNeg,
		store:     store,
		dir:       dir,
		selfID:    selfID,
		wantVideo: wantVideo,
		ops:       make(chan func(), 64),
		done:      make(chan struct{}),
		phase:     PhaseIdle,
		policy:    policy,
		subs:      make(map[chan Snapshot]struct{}),
		events:    util.NewRingBuffer[Event](64),
	}
	m.snap = Snapshot{Phase: PhaseIdle, VideoEnabled: true}
	go m.run()
	return m
}

// Close shuts the manager down, ending any active call first.
func (m *Manager) Close() {
	_ = m.EndCall()
	m.once.Do(func() { close(m.done) })
}

func (m *Manager) run() {
	for {
		select {
		case <-m.done:
			return
		case fn := <-m.ops:
			fn()
		}
	}
}

// do runs fn on the loop and waits for its result. Used by the intents that
// suspend (device prompts, description generation) before the state visibly
// changes.
func (m *Manager) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case m.ops <- func() { reply <- fn() }:
	case <-m.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrClosed
	}
}

// post schedules fn on the loop without waiting. Used for async events:
// signaling messages, negotiator callbacks, timer expiry.
func (m *Manager) post(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.done:
	}
}

// --- intents ------------------------------------------------------------

// StartCall initiates an outgoing call: acquire media, persist the record,
// create and send the offer. Returns without waiting for an answer; the
// phase is outgoing-ringing on return.
func (m *Manager) StartCall(calleeID string) error {
	return m.do(func() error {
		if m.phase != PhaseIdle {
			return ErrBusy
		}

		lm, err := m.media.Acquire(m.wantVideo)
		if err != nil {
			return fmt.Errorf("start call: %w", err)
		}

		sess := &session{
			id:           uuid.NewString(),
			callerID:     m.selfID,
			calleeID:     calleeID,
			remoteID:     calleeID,
			outgoing:     true,
			createdAt:    time.Now(),
			media:        lm,
			videoEnabled: m.wantVideo,
		}

		neg, err := m.newNeg(m.eventsFor(sess.id, calleeID))
		if err != nil {
			lm.Close()
			return fmt.Errorf("start call: %w", err)
		}
		sess.neg = neg

		offer, err := neg.CreateOffer(lm.AudioTrack(), lm.VideoTrack())
		if err != nil {
			neg.Close()
			lm.Close()
			return fmt.Errorf("start call: %w", err)
		}

		if err := m.store.CreateCallRecord(sess.id, m.selfID, calleeID); err != nil {
			log.Printf("CALL [%s]: record create failed (continuing): %v", sess.id, err)
		}

		m.sendSignal(calleeID, proto.SignalingMsg{
			Kind:    proto.KindOffer,
			CallID:  sess.id,
			SDP:     offer.SDP,
			SDPType: offer.Type.String(),
		})

		m.sess = sess
		m.setPhase(PhaseOutgoingRinging)
		m.armRingTimer(sess.id)
		log.Printf("CALL [%s]: calling %s", sess.id, calleeID)
		return nil
	})
}

// AnswerCall accepts the ringing incoming call: acquire media, accept the
// retained offer, send the answer back. With the default policy the phase
// flips to connected immediately; the transport-gated policy waits for the
// transport's connected event.
func (m *Manager) AnswerCall() error {
	return m.do(func() error {
		if m.phase != PhaseIncomingRinging || m.sess == nil || m.sess.remoteOffer == nil {
			return ErrBadPhase
		}
		sess := m.sess

		lm, err := m.media.Acquire(m.wantVideo)
		if err != nil {
			// Abort cleanly back to idle; no signaling is sent for a
			// device failure.
			m.teardown(statusEnded, false)
			return fmt.Errorf("answer call: %w", err)
		}
		sess.media = lm
		sess.videoEnabled = m.wantVideo

		neg, err := m.newNeg(m.eventsFor(sess.id, sess.remoteID))
		if err != nil {
			m.teardown(statusEnded, false)
			return fmt.Errorf("answer call: %w", err)
		}
		sess.neg = neg

		answer, err := neg.AcceptOffer(*sess.remoteOffer, lm.AudioTrack(), lm.VideoTrack())
		if err != nil {
			m.teardown(statusEnded, false)
			return fmt.Errorf("answer call: %w", err)
		}
		sess.remoteOffer = nil
		sess.answered = true

		for _, c := range sess.pendingCandidates {
			if err := neg.AddRemoteCandidate(c); err != nil {
				log.Printf("CALL [%s]: add buffered candidate: %v", sess.id, err)
			}
		}
		sess.pendingCandidates = nil

		m.sendSignal(sess.remoteID, proto.SignalingMsg{
			Kind:    proto.KindAnswer,
			CallID:  sess.id,
			SDP:     answer.SDP,
			SDPType: answer.Type.String(),
		})

		m.stopRingTimer()
		if m.policy.GateOnTransport {
			log.Printf("CALL [%s]: answered, awaiting transport", sess.id)
			m.publish()
		} else {
			m.markConnected()
		}
		return nil
	})
}

// DeclineCall rejects the ringing incoming call. No media was ever acquired,
// so nothing to release; the retained offer is discarded.
func (m *Manager) DeclineCall() error {
	return m.do(func() error {
		if m.phase != PhaseIncomingRinging || m.sess == nil {
			return ErrBadPhase
		}
		log.Printf("CALL [%s]: declined", m.sess.id)
		m.teardown(statusDeclined, false)
		return nil
	})
}

// EndCall hangs up the active call: send ended, close the negotiator,
// release media, return to idle. Idempotent — calling it with no active
// call is a no-op, because explicit hang-up can race the transport-failed
// callback.
func (m *Manager) EndCall() error {
	return m.do(func() error {
		if m.phase == PhaseIdle || m.sess == nil {
			return nil
		}
		log.Printf("CALL [%s]: ending", m.sess.id)
		m.teardown(statusEnded, true)
		return nil
	})
}

// ToggleMute flips outbound audio. Valid only while media is held. The
// device stays open; the sender's track is paused in place, so toggling is
// instantaneous and reversible with no signaling.
func (m *Manager) ToggleMute() error {
	return m.do(func() error {
		sess := m.sess
		if sess == nil || sess.media == nil || sess.neg == nil {
			return ErrBadPhase
		}
		muted := !sess.muted
		if err := sess.neg.SetAudioEnabled(!muted); err != nil {
			return fmt.Errorf("toggle mute: %w", err)
		}
		sess.muted = muted
		log.Printf("CALL [%s]: muted=%v", sess.id, muted)
		m.publish()
		return nil
	})
}

// ToggleVideo flips outbound video the same way as ToggleMute.
func (m *Manager) ToggleVideo() error {
	return m.do(func() error {
		sess := m.sess
		if sess == nil || sess.media == nil || sess.neg == nil {
			return ErrBadPhase
		}
		enabled := !sess.videoEnabled
		if err := sess.neg.SetVideoEnabled(enabled); err != nil {
			return fmt.Errorf("toggle video: %w", err)
		}
		sess.videoEnabled = enabled
		log.Printf("CALL [%s]: videoEnabled=%v", sess.id, enabled)
		m.publish()
		return nil
	})
}

// ToggleScreenShare swaps the outbound video between camera and screen by
// replacing the track in place — no new offer/answer exchange. Valid only
// while connected.
func (m *Manager) ToggleScreenShare() error {
	return m.do(func() error {
		if m.phase != PhaseConnected || m.sess == nil {
			return ErrBadPhase
		}
		sess := m.sess

		if sess.screenSharing {
			if err := sess.neg.ReplaceVideoTrack(sess.media.VideoTrack()); err != nil {
				return fmt.Errorf("stop screen share: %w", err)
			}
			if sess.screen != nil {
				sess.screen.Close()
				sess.screen = nil
			}
			sess.screenSharing = false
			log.Printf("CALL [%s]: screen share stopped", sess.id)
			m.publish()
			return nil
		}

		id := sess.id
		screen, err := m.media.AcquireScreen(func() {
			m.post(func() { m.screenStopped(id) })
		})
		if err != nil {
			return fmt.Errorf("start screen share: %w", err)
		}
		if err := sess.neg.ReplaceVideoTrack(screen.Track()); err != nil {
			screen.Close()
			return fmt.Errorf("start screen share: %w", err)
		}
		sess.screen = screen
		sess.screenSharing = true
		log.Printf("CALL [%s]: screen share started", sess.id)
		m.publish()
		return nil
	})
}

// screenStopped handles the platform ending the capture out from under us
// (user stopped sharing via a system control). The camera track was never
// released, so it goes straight back on the wire.
func (m *Manager) screenStopped(callID string) {
	sess := m.sess
	if sess == nil || sess.id != callID || !sess.screenSharing {
		return
	}
	log.Printf("CALL [%s]: screen share stopped by platform", callID)
	if err := sess.neg.ReplaceVideoTrack(sess.media.VideoTrack()); err != nil {
		log.Printf("CALL [%s]: restore camera track: %v", callID, err)
	}
	if sess.screen != nil {
		sess.screen.Close()
		sess.screen = nil
	}
	sess.screenSharing = false
	m.record(callID, "screen share stopped externally")
	m.publish()
}

// --- inbound signaling --------------------------------------------------

// HandleSignal routes one inbound signaling message. Safe to call from any
// goroutine; processing is serialized on the run loop. Messages for unknown
// call IDs are dropped — they are echoes of calls already torn down.
func (m *Manager) HandleSignal(msg proto.SignalingMsg) {
	m.post(func() {
		switch msg.Kind {
		case proto.KindOffer:
			m.handleOffer(msg)
		case proto.KindAnswer:
			m.handleAnswer(msg)
		case proto.KindCandidate:
			m.handleCandidate(msg)
		case proto.KindDeclined:
			m.handleDeclined(msg)
		case proto.KindEnded:
			m.handleEnded(msg)
		default:
			log.Printf("SIGNAL: unknown kind %q from %s", msg.Kind, msg.FromUserID)
		}
	})
}

func (m *Manager) handleOffer(msg proto.SignalingMsg) {
	if m.phase != PhaseIdle {
		// Busy. The caller's ringing timeout handles the silence.
		log.Printf("CALL: offer from %s ignored (phase %s)", msg.FromUserID, m.phase)
		return
	}
	if msg.SDP == "" {
		return
	}

	// Media is deliberately not acquired here: no camera/mic permission
	// prompt before the user has agreed to the call.
	m.sess = &session{
		id:        msg.CallID,
		callerID:  msg.FromUserID,
		calleeID:  m.selfID,
		remoteID:  msg.FromUserID,
		createdAt: time.Now(),
		remoteOffer: &webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  msg.SDP,
		},
	}
	if err := m.store.CreateCallRecord(msg.CallID, msg.FromUserID, m.selfID); err != nil {
		log.Printf("CALL [%s]: record create failed (continuing): %v", msg.CallID, err)
	}
	m.setPhase(PhaseIncomingRinging)
	m.armRingTimer(msg.CallID)
	log.Printf("CALL [%s]: incoming from %s", msg.CallID, msg.FromUserID)
}

func (m *Manager) handleAnswer(msg proto.SignalingMsg) {
	sess := m.sess
	if m.phase != PhaseOutgoingRinging || sess == nil || sess.id != msg.CallID {
		return
	}
	err := sess.neg.ApplyAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  msg.SDP,
	})
	if err != nil {
		log.Printf("CALL [%s]: apply answer: %v", sess.id, err)
		m.teardown(statusEnded, true)
		return
	}
	sess.answered = true
	m.stopRingTimer()
	if m.policy.GateOnTransport {
		log.Printf("CALL [%s]: answer received, awaiting transport", sess.id)
		m.publish()
	} else {
		m.markConnected()
	}
}

func (m *Manager) handleCandidate(msg proto.SignalingMsg) {
	sess := m.sess
	if sess == nil || sess.id != msg.CallID {
		return
	}
	if sess.neg == nil {
		// The caller trickles most candidates right after the offer,
		// while this side is still ringing. Hold them for AnswerCall.
		sess.pendingCandidates = append(sess.pendingCandidates, msg.Candidate)
		return
	}
	if err := sess.neg.AddRemoteCandidate(msg.Candidate); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", sess.id, err)
	}
}

func (m *Manager) handleDeclined(msg proto.SignalingMsg) {
	sess := m.sess
	if m.phase != PhaseOutgoingRinging || sess == nil || sess.id != msg.CallID {
		return
	}
	// The other side already knows; no outbound ended.
	log.Printf("CALL [%s]: declined by %s", sess.id, msg.FromUserID)
	m.teardown(statusDeclined, false)
}

func (m *Manager) handleEnded(msg proto.SignalingMsg) {
	sess := m.sess
	if m.phase == PhaseIdle || sess == nil || sess.id != msg.CallID {
		return
	}
	log.Printf("CALL [%s]: ended by %s", sess.id, msg.FromUserID)
	m.teardown(statusEnded, false)
}

// --- negotiator events --------------------------------------------------

// eventsFor builds the per-session callbacks. Local candidates go straight
// out (trickle, fire-and-forget); everything else re-enters the run loop.
func (m *Manager) eventsFor(callID, remoteID string) NegotiatorEvents {
	return NegotiatorEvents{
		OnLocalCandidate: func(candidate string) {
			m.sendSignal(remoteID, proto.SignalingMsg{
				Kind:      proto.KindCandidate,
				CallID:    callID,
				Candidate: candidate,
			})
		},
		OnRemoteTrack: func(kind, id string) {
			m.post(func() {
				m.record(callID, fmt.Sprintf("remote %s track %s", kind, id))
			})
		},
		OnStateChange: func(state negotiate.State) {
			m.post(func() { m.transportState(callID, state) })
		},
	}
}

// transportState applies a connectivity change. disconnected is transient
// and must not tear down an otherwise healthy call; failed is fatal and
// routes through the same teardown as a hang-up, without an outbound ended.
func (m *Manager) transportState(callID string, state negotiate.State) {
	sess := m.sess
	if sess == nil || sess.id != callID {
		return
	}
	m.record(callID, "transport "+string(state))

	switch state {
	case negotiate.StateConnected:
		sess.live = true
		if m.policy.GateOnTransport && sess.answered && m.phase != PhaseConnected {
			m.markConnected()
			return
		}
		log.Printf("CALL [%s]: transport live", callID)
		m.publish()
	case negotiate.StateDisconnected:
		sess.live = false
		log.Printf("CALL [%s]: transport disconnected (transient)", callID)
		m.publish()
	case negotiate.StateFailed:
		log.Printf("CALL [%s]: transport failed", callID)
		m.teardown(statusEnded, false)
	case negotiate.StateClosed:
		// Reached via our own Close during teardown; nothing to do.
	}
}

// --- state helpers (run loop only) --------------------------------------

func (m *Manager) markConnected() {
	m.setPhase(PhaseConnected)
	if err := m.store.UpdateCallStatus(m.sess.id, statusConnected); err != nil {
		log.Printf("CALL [%s]: record update failed (continuing): %v", m.sess.id, err)
	}
	log.Printf("CALL [%s]: connected to %s", m.sess.id, m.sess.remoteID)
}

// teardown is the single cleanup path: every exit — hang-up, decline,
// remote ended, transport failure, ringing timeout, device failure unwind —
// funnels through here, so each resource is released at most once.
func (m *Manager) teardown(status string, sendEnded bool) {
	sess := m.sess
	if sess == nil {
		return
	}
	m.stopRingTimer()

	if sendEnded {
		m.sendSignal(sess.remoteID, proto.SignalingMsg{
			Kind:   proto.KindEnded,
			CallID: sess.id,
		})
	}
	if sess.screen != nil {
		sess.screen.Close()
	}
	if sess.media != nil {
		sess.media.Close()
	}
	if sess.neg != nil {
		sess.neg.Close()
	}
	if err := m.store.UpdateCallStatus(sess.id, status); err != nil {
		log.Printf("CALL [%s]: record update failed (continuing): %v", sess.id, err)
	}
	m.record(sess.id, "teardown: "+status)

	m.sess = nil
	m.setPhase(PhaseIdle)
}

// sendSignal publishes without blocking any UI-visible transition on
// delivery. A publish failure is logged and swallowed — the bus gives no
// delivery confirmation anyway.
func (m *Manager) sendSignal(target string, msg proto.SignalingMsg) {
	if err := m.sig.SendTo(target, msg); err != nil {
		log.Printf("CALL [%s]: send %s: %v", msg.CallID, msg.Kind, err)
	}
}

func (m *Manager) armRingTimer(callID string) {
	m.stopRingTimer()
	d := m.policy.RingingTimeout
	m.ringTimer = time.AfterFunc(d, func() {
		m.post(func() { m.ringTimeout(callID) })
	})
}

func (m *Manager) stopRingTimer() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// ringTimeout auto-cancels a call that never got an answer or decline. For
// an outgoing call the proactive ended tells the callee to stop ringing; an
// incoming call is dropped silently — the caller timed out on its own side.
func (m *Manager) ringTimeout(callID string) {
	sess := m.sess
	if sess == nil || sess.id != callID {
		return
	}
	if m.phase != PhaseOutgoingRinging && m.phase != PhaseIncomingRinging {
		return
	}
	log.Printf("CALL [%s]: ringing timed out", callID)
	m.teardown(statusEnded, sess.outgoing)
}

// --- observation --------------------------------------------------------

func (m *Manager) setPhase(p Phase) {
	m.phase = p
	m.publish()
}

// publish recomputes the snapshot and fans it out to subscribers without
// blocking the run loop on a slow consumer.
func (m *Manager) publish() {
	snap := Snapshot{Phase: m.phase, VideoEnabled: true}
	if sess := m.sess; sess != nil {
		snap.CallID = sess.id
		snap.RemoteID = sess.remoteID
		snap.RemoteLabel = m.dir.Label(sess.remoteID)
		snap.Muted = sess.muted
		snap.VideoEnabled = sess.videoEnabled || sess.media == nil
		snap.ScreenSharing = sess.screenSharing
		snap.Live = sess.live
	}

	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()

	m.subMu.Lock()
	for ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	m.subMu.Unlock()
}

// Snapshot returns the current UI-facing view.
func (m *Manager) Snapshot() Snapshot {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.snap
}

// Subscribe registers for snapshot updates. The cancel func must be called
// exactly once on teardown.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		delete(m.subs, ch)
		m.subMu.Unlock()
	}
}

// Events returns the recent lifecycle log, oldest first.
func (m *Manager) Events() []Event {
	return m.events.Snapshot()
}

func (m *Manager) record(callID, note string) {
	m.events.Push(Event{TS: time.Now(), CallID: callID, Note: note})
}

// SetPolicy applies new call policy, e.g. after a config reload. Affects
// subsequent calls; an already-armed ring timer keeps its old duration.
func (m *Manager) SetPolicy(p Policy) {
	if p.RingingTimeout <= 0 {
		p.RingingTimeout = 60 * time.Second
	}
	m.post(func() { m.policy = p })
}
