package call

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peerline/internal/negotiate"
	"github.com/petervdpas/peerline/internal/proto"
)

// --- fakes ---------------------------------------------------------------

var errDevice = errors.New("media device unavailable")

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeTrack) ID() string                            { return t.id }
func (t *fakeTrack) RID() string                           { return "" }
func (t *fakeTrack) StreamID() string                      { return "test" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType             { return t.kind }

type fakeLocalMedia struct {
	mu     sync.Mutex
	audio  *fakeTrack
	video  *fakeTrack
	closes int
}

func (m *fakeLocalMedia) AudioTrack() webrtc.TrackLocal { return m.audio }
func (m *fakeLocalMedia) VideoTrack() webrtc.TrackLocal { return m.video }
func (m *fakeLocalMedia) Close() {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
}

func (m *fakeLocalMedia) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

type fakeScreen struct {
	mu     sync.Mutex
	track  *fakeTrack
	closes int
}

func (s *fakeScreen) Track() webrtc.TrackLocal { return s.track }
func (s *fakeScreen) Close() {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
}

type fakeMedia struct {
	mu         sync.Mutex
	failNext   bool
	acquires   int
	handles    []*fakeLocalMedia
	screens    []*fakeScreen
	screenStop func()
}

func (f *fakeMedia) Acquire(wantVideo bool) (LocalMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return nil, errDevice
	}
	f.acquires++
	lm := &fakeLocalMedia{audio: &fakeTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio}}
	if wantVideo {
		lm.video = &fakeTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo}
	}
	f.handles = append(f.handles, lm)
	return lm, nil
}

func (f *fakeMedia) AcquireScreen(onStopped func()) (ScreenCapture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return nil, errDevice
	}
	sc := &fakeScreen{track: &fakeTrack{id: "screen", kind: webrtc.RTPCodecTypeVideo}}
	f.screens = append(f.screens, sc)
	f.screenStop = onStopped
	return sc, nil
}

func (f *fakeMedia) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires
}

func (f *fakeMedia) lastHandle() *fakeLocalMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

type fakeNegotiator struct {
	mu         sync.Mutex
	ev         NegotiatorEvents
	offers     int
	answers    int
	applied    int
	candidates []string
	replaced   []webrtc.TrackLocal
	audioSet   []bool
	videoSet   []bool
	closes     int
}

func (n *fakeNegotiator) CreateOffer(audio, video webrtc.TrackLocal) (webrtc.SessionDescription, error) {
	n.mu.Lock()
	n.offers++
	n.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (n *fakeNegotiator) AcceptOffer(remote webrtc.SessionDescription, audio, video webrtc.TrackLocal) (webrtc.SessionDescription, error) {
	n.mu.Lock()
	n.answers++
	n.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (n *fakeNegotiator) ApplyAnswer(remote webrtc.SessionDescription) error {
	n.mu.Lock()
	n.applied++
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) AddRemoteCandidate(candidate string) error {
	n.mu.Lock()
	n.candidates = append(n.candidates, candidate)
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	n.mu.Lock()
	n.replaced = append(n.replaced, track)
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) SetAudioEnabled(enabled bool) error {
	n.mu.Lock()
	n.audioSet = append(n.audioSet, enabled)
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) SetVideoEnabled(enabled bool) error {
	n.mu.Lock()
	n.videoSet = append(n.videoSet, enabled)
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) Close() {
	n.mu.Lock()
	n.closes++
	n.mu.Unlock()
}

func (n *fakeNegotiator) closeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closes
}

func (n *fakeNegotiator) lastReplaced() webrtc.TrackLocal {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.replaced) == 0 {
		return nil
	}
	return n.replaced[len(n.replaced)-1]
}

type fakeStore struct {
	mu       sync.Mutex
	fail     bool
	created  []string
	statuses map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: make(map[string][]string)}
}

func (s *fakeStore) CreateCallRecord(id, callerID, calleeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.created = append(s.created, id)
	return nil
}

func (s *fakeStore) UpdateCallStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.statuses[id] = append(s.statuses[id], status)
	return nil
}

type fakeDir struct{}

func (fakeDir) Label(string) string { return "Bob" }

// router delivers signaling between managers under test, recording what each
// side sends on the way through.
type router struct {
	mu    sync.Mutex
	nodes map[string]*Manager
}

func newRouter() *router { return &router{nodes: make(map[string]*Manager)} }

func (r *router) register(id string, m *Manager) {
	r.mu.Lock()
	r.nodes[id] = m
	r.mu.Unlock()
}

type routedSignaler struct {
	self string
	r    *router

	mu   sync.Mutex
	sent []proto.SignalingMsg
}

func (s *routedSignaler) SendTo(target string, msg proto.SignalingMsg) error {
	msg.FromUserID = s.self
	msg.ToUserID = target
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	s.r.mu.Lock()
	m := s.r.nodes[target]
	s.r.mu.Unlock()
	if m != nil {
		m.HandleSignal(msg)
	}
	return nil
}

func (s *routedSignaler) countKind(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func (s *routedSignaler) lastKind(kind string) (proto.SignalingMsg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].Kind == kind {
			return s.sent[i], true
		}
	}
	return proto.SignalingMsg{}, false
}

// node bundles one manager with its fakes.
type node struct {
	id    string
	sig   *routedSignaler
	med   *fakeMedia
	store *fakeStore
	mgr   *Manager

	mu  sync.Mutex
	neg *fakeNegotiator
}

func newNode(t *testing.T, r *router, id string, policy Policy) *node {
	t.Helper()
	n := &node{
		id:    id,
		sig:   &routedSignaler{self: id, r: r},
		med:   &fakeMedia{},
		store: newFakeStore(),
	}
	factory := func(ev NegotiatorEvents) (Negotiator, error) {
		fn := &fakeNegotiator{ev: ev}
		n.mu.Lock()
		n.neg = fn
		n.mu.Unlock()
		return fn, nil
	}
	n.mgr = New(n.sig, n.med, factory, n.store, fakeDir{}, id, true, policy)
	t.Cleanup(n.mgr.Close)
	r.register(id, n.mgr)
	return n
}

func (n *node) negotiator() *fakeNegotiator {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.neg
}

func waitPhase(t *testing.T, m *Manager, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().Phase == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("phase %q never reached, stuck at %q", want, m.Snapshot().Phase)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- tests ---------------------------------------------------------------

func TestStartCallRings(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	snap := x.mgr.Snapshot()
	if snap.Phase != PhaseOutgoingRinging {
		t.Fatalf("phase = %q, want outgoing-ringing", snap.Phase)
	}
	if snap.RemoteID != "y" {
		t.Fatalf("remote = %q, want y", snap.RemoteID)
	}
	if x.med.acquireCount() != 1 {
		t.Fatalf("acquires = %d, want 1", x.med.acquireCount())
	}
	offer, ok := x.sig.lastKind(proto.KindOffer)
	if !ok || offer.SDP == "" || offer.CallID == "" {
		t.Fatalf("no usable offer sent: %+v", offer)
	}
	x.store.mu.Lock()
	created := len(x.store.created)
	x.store.mu.Unlock()
	if created != 1 {
		t.Fatalf("records created = %d, want 1", created)
	}
}

func TestStartCallWhileActiveIsBusy(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := x.mgr.StartCall("z"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second StartCall = %v, want ErrBusy", err)
	}
}

func TestStartCallDeviceUnavailableUnwinds(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})
	x.med.failNext = true

	err := x.mgr.StartCall("y")
	if !errors.Is(err, errDevice) {
		t.Fatalf("StartCall = %v, want device error", err)
	}
	if got := x.mgr.Snapshot().Phase; got != PhaseIdle {
		t.Fatalf("phase = %q, want idle after unwind", got)
	}
	if n := x.sig.countKind(proto.KindOffer); n != 0 {
		t.Fatalf("offers sent = %d, want 0 — no orphaned signaling on device failure", n)
	}
	x.store.mu.Lock()
	created := len(x.store.created)
	x.store.mu.Unlock()
	if created != 0 {
		t.Fatalf("records created = %d, want 0 — no half-open session record", created)
	}
}

// Scenario A: full happy path across two managers.
func TestCallConnectsBothSides(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})
	y := newNode(t, r, "y", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPhase(t, y.mgr, PhaseIncomingRinging)

	ysnap := y.mgr.Snapshot()
	if ysnap.RemoteID != "x" {
		t.Fatalf("callee remote = %q, want x", ysnap.RemoteID)
	}
	if ysnap.RemoteLabel != "Bob" {
		t.Fatalf("callee remote label = %q, want Bob", ysnap.RemoteLabel)
	}
	if y.med.acquireCount() != 0 {
		t.Fatal("callee acquired media before answering")
	}

	if err := y.mgr.AnswerCall(); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	if got := y.mgr.Snapshot().Phase; got != PhaseConnected {
		t.Fatalf("callee phase = %q, want connected immediately after answer", got)
	}
	waitPhase(t, x.mgr, PhaseConnected)

	for _, n := range []*node{x, y} {
		snap := n.mgr.Snapshot()
		if snap.Muted {
			t.Errorf("%s: muted at call start", n.id)
		}
		if !snap.VideoEnabled {
			t.Errorf("%s: video disabled at call start", n.id)
		}
	}
}

// Scenario B: decline releases the caller's already-acquired media.
func TestDeclineReleasesCallerMedia(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})
	y := newNode(t, r, "y", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPhase(t, y.mgr, PhaseIncomingRinging)

	if err := y.mgr.DeclineCall(); err != nil {
		t.Fatalf("DeclineCall: %v", err)
	}
	waitPhase(t, x.mgr, PhaseIdle)

	if got := x.med.lastHandle().closeCount(); got != 1 {
		t.Fatalf("caller media closes = %d, want 1", got)
	}
	// The decliner already knows; the caller must not echo an ended back.
	if n := x.sig.countKind(proto.KindEnded); n != 0 {
		t.Fatalf("caller sent %d ended after decline, want 0", n)
	}
	if n := y.med.acquireCount(); n != 0 {
		t.Fatalf("decliner acquired media %d times, want 0", n)
	}
}

func TestDeclineNeverAcquiresMedia(t *testing.T) {
	r := newRouter()
	y := newNode(t, r, "y", Policy{})

	y.mgr.HandleSignal(proto.SignalingMsg{
		Kind: proto.KindOffer, CallID: "c1", FromUserID: "x", SDP: "v=0 offer",
	})
	waitPhase(t, y.mgr, PhaseIncomingRinging)

	if err := y.mgr.DeclineCall(); err != nil {
		t.Fatalf("DeclineCall: %v", err)
	}
	if y.med.acquireCount() != 0 {
		t.Fatal("declined call acquired media")
	}
	if n := y.sig.countKind(proto.KindDeclined); n != 1 {
		t.Fatalf("declined messages = %d, want 1", n)
	}
	y.store.mu.Lock()
	got := y.store.statuses["c1"]
	y.store.mu.Unlock()
	if len(got) != 1 || got[0] != "declined" {
		t.Fatalf("audit statuses = %v, want [declined]", got)
	}
}

func TestEndCallIdempotent(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	handle := x.med.lastHandle()

	if err := x.mgr.EndCall(); err != nil {
		t.Fatalf("first EndCall: %v", err)
	}
	if err := x.mgr.EndCall(); err != nil {
		t.Fatalf("second EndCall: %v", err)
	}

	if got := handle.closeCount(); got != 1 {
		t.Fatalf("media closes = %d, want exactly 1", got)
	}
	if n := x.sig.countKind(proto.KindEnded); n != 1 {
		t.Fatalf("ended messages = %d, want exactly 1", n)
	}
	if got := x.negotiator().closeCount(); got != 1 {
		t.Fatalf("negotiator closes = %d, want exactly 1", got)
	}
}

func TestRemoteEndedCleansUpWithoutEcho(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})
	y := newNode(t, r, "y", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPhase(t, y.mgr, PhaseIncomingRinging)
	if err := y.mgr.AnswerCall(); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	waitPhase(t, x.mgr, PhaseConnected)

	if err := x.mgr.EndCall(); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	waitPhase(t, y.mgr, PhaseIdle)

	if n := y.sig.countKind(proto.KindEnded); n != 0 {
		t.Fatalf("remote-ended side sent %d ended, want 0", n)
	}
	if got := y.med.lastHandle().closeCount(); got != 1 {
		t.Fatalf("callee media closes = %d, want 1", got)
	}
}

// Scenario C: transport failure tears down locally, no outbound ended.
func TestTransportFailedTearsDown(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})
	y := newNode(t, r, "y", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPhase(t, y.mgr, PhaseIncomingRinging)
	if err := y.mgr.AnswerCall(); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	waitPhase(t, x.mgr, PhaseConnected)

	before := x.sig.countKind(proto.KindEnded)
	x.negotiator().ev.OnStateChange(negotiate.StateFailed)
	waitPhase(t, x.mgr, PhaseIdle)

	if got := x.med.lastHandle().closeCount(); got != 1 {
		t.Fatalf("media closes = %d, want 1", got)
	}
	if after := x.sig.countKind(proto.KindEnded); after != before {
		t.Fatalf("transport failure sent %d ended messages", after-before)
	}
}

func TestDisconnectedIsTransient(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})
	y := newNode(t, r, "y", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPhase(t, y.mgr, PhaseIncomingRinging)
	if err := y.mgr.AnswerCall(); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	waitPhase(t, x.mgr, PhaseConnected)

	x.negotiator().ev.OnStateChange(negotiate.StateConnected)
	waitFor(t, "live flag", func() bool { return x.mgr.Snapshot().Live })

	x.negotiator().ev.OnStateChange(negotiate.StateDisconnected)
	waitFor(t, "live flag drop", func() bool { return !x.mgr.Snapshot().Live })

	if got := x.mgr.Snapshot().Phase; got != PhaseConnected {
		t.Fatalf("phase = %q after transient disconnect, want connected", got)
	}
	if got := x.med.lastHandle().closeCount(); got != 0 {
		t.Fatalf("media closed on transient disconnect")
	}
}

// Scenario D: double mute toggle is a no-op overall and never reacquires.
func TestToggleMuteTwice(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})
	y := newNode(t, r, "y", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPhase(t, y.mgr, PhaseIncomingRinging)
	if err := y.mgr.AnswerCall(); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}

	if err := x.mgr.ToggleMute(); err != nil {
		t.Fatalf("ToggleMute: %v", err)
	}
	if !x.mgr.Snapshot().Muted {
		t.Fatal("not muted after first toggle")
	}
	if err := x.mgr.ToggleMute(); err != nil {
		t.Fatalf("ToggleMute: %v", err)
	}
	if x.mgr.Snapshot().Muted {
		t.Fatal("still muted after second toggle")
	}

	neg := x.negotiator()
	neg.mu.Lock()
	audioSet := append([]bool(nil), neg.audioSet...)
	neg.mu.Unlock()
	if len(audioSet) != 2 || audioSet[0] != false || audioSet[1] != true {
		t.Fatalf("audio enabled sequence = %v, want [false true]", audioSet)
	}
	if x.med.acquireCount() != 1 {
		t.Fatalf("acquires = %d, toggling must not reacquire", x.med.acquireCount())
	}
}

func TestToggleMuteRequiresMedia(t *testing.T) {
	r := newRouter()
	y := newNode(t, r, "y", Policy{})

	if err := y.mgr.ToggleMute(); !errors.Is(err, ErrBadPhase) {
		t.Fatalf("ToggleMute while idle = %v, want ErrBadPhase", err)
	}

	y.mgr.HandleSignal(proto.SignalingMsg{
		Kind: proto.KindOffer, CallID: "c1", FromUserID: "x", SDP: "v=0 offer",
	})
	waitPhase(t, y.mgr, PhaseIncomingRinging)
	if err := y.mgr.ToggleMute(); !errors.Is(err, ErrBadPhase) {
		t.Fatalf("ToggleMute while ringing without media = %v, want ErrBadPhase", err)
	}
}

func TestScreenShareRoundTrip(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})
	y := newNode(t, r, "y", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPhase(t, y.mgr, PhaseIncomingRinging)
	if err := y.mgr.AnswerCall(); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	waitPhase(t, x.mgr, PhaseConnected)

	neg := x.negotiator()
	offersBefore := func() int {
		neg.mu.Lock()
		defer neg.mu.Unlock()
		return neg.offers + neg.answers
	}()

	if err := x.mgr.ToggleScreenShare(); err != nil {
		t.Fatalf("enable screen share: %v", err)
	}
	if !x.mgr.Snapshot().ScreenSharing {
		t.Fatal("screenSharing flag not set")
	}
	if got := neg.lastReplaced(); got == nil || got.ID() != "screen" {
		t.Fatalf("outbound track = %v, want screen", got)
	}

	if err := x.mgr.ToggleScreenShare(); err != nil {
		t.Fatalf("disable screen share: %v", err)
	}
	if x.mgr.Snapshot().ScreenSharing {
		t.Fatal("screenSharing flag still set")
	}
	if got := neg.lastReplaced(); got == nil || got.ID() != "cam" {
		t.Fatalf("outbound track = %v, want camera restored", got)
	}

	offersAfter := func() int {
		neg.mu.Lock()
		defer neg.mu.Unlock()
		return neg.offers + neg.answers
	}()
	if offersAfter != offersBefore {
		t.Fatal("screen share toggling triggered renegotiation")
	}
	if got := x.med.screens[0]; got.closes != 1 {
		t.Fatalf("screen capture closes = %d, want 1", got.closes)
	}
}

func TestScreenShareUnsolicitedStop(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})
	y := newNode(t, r, "y", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPhase(t, y.mgr, PhaseIncomingRinging)
	if err := y.mgr.AnswerCall(); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	waitPhase(t, x.mgr, PhaseConnected)

	if err := x.mgr.ToggleScreenShare(); err != nil {
		t.Fatalf("enable screen share: %v", err)
	}

	// Platform-level stop, e.g. the user ends capture via a system control.
	x.med.screenStop()
	waitFor(t, "screen share flag reset", func() bool {
		return !x.mgr.Snapshot().ScreenSharing
	})
	if got := x.negotiator().lastReplaced(); got == nil || got.ID() != "cam" {
		t.Fatalf("outbound track = %v, want camera restored", got)
	}
}

func TestScreenShareRequiresConnected(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := x.mgr.ToggleScreenShare(); !errors.Is(err, ErrBadPhase) {
		t.Fatalf("ToggleScreenShare while ringing = %v, want ErrBadPhase", err)
	}
}

func TestRingingTimeoutAutoCancels(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{RingingTimeout: 30 * time.Millisecond})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPhase(t, x.mgr, PhaseIdle)

	if n := x.sig.countKind(proto.KindEnded); n != 1 {
		t.Fatalf("ended messages = %d, want 1 (proactive cancel)", n)
	}
	if got := x.med.lastHandle().closeCount(); got != 1 {
		t.Fatalf("media closes = %d, want 1", got)
	}
}

func TestOfferWhileBusyIgnored(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	x.mgr.HandleSignal(proto.SignalingMsg{
		Kind: proto.KindOffer, CallID: "other", FromUserID: "z", SDP: "v=0 offer",
	})

	time.Sleep(20 * time.Millisecond)
	snap := x.mgr.Snapshot()
	if snap.Phase != PhaseOutgoingRinging || snap.RemoteID != "y" {
		t.Fatalf("busy offer changed state: %+v", snap)
	}
}

func TestUnknownCallSignalsDropped(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})

	// Candidates and lifecycle messages for unknown call IDs must be inert.
	x.mgr.HandleSignal(proto.SignalingMsg{Kind: proto.KindCandidate, CallID: "ghost", FromUserID: "z", Candidate: "{}"})
	x.mgr.HandleSignal(proto.SignalingMsg{Kind: proto.KindEnded, CallID: "ghost", FromUserID: "z"})
	x.mgr.HandleSignal(proto.SignalingMsg{Kind: proto.KindAnswer, CallID: "ghost", FromUserID: "z", SDP: "v=0"})

	time.Sleep(20 * time.Millisecond)
	if got := x.mgr.Snapshot().Phase; got != PhaseIdle {
		t.Fatalf("phase = %q, want idle", got)
	}
}

func TestCandidateRoutedToActiveSession(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	callID := x.mgr.Snapshot().CallID

	x.mgr.HandleSignal(proto.SignalingMsg{
		Kind: proto.KindCandidate, CallID: callID, FromUserID: "y", Candidate: `{"candidate":"candidate:1"}`,
	})
	neg := x.negotiator()
	waitFor(t, "candidate delivery", func() bool {
		neg.mu.Lock()
		defer neg.mu.Unlock()
		return len(neg.candidates) == 1
	})
}

func TestCandidateBeforeAnswerApplied(t *testing.T) {
	r := newRouter()
	y := newNode(t, r, "y", Policy{})

	y.mgr.HandleSignal(proto.SignalingMsg{
		Kind: proto.KindOffer, CallID: "c1", FromUserID: "x", SDP: "v=0 offer",
	})
	waitPhase(t, y.mgr, PhaseIncomingRinging)

	// Candidates trickle in while the callee is still ringing; no
	// negotiator exists yet. They must survive until the answer.
	for _, c := range []string{`{"candidate":"candidate:1"}`, `{"candidate":"candidate:2"}`} {
		y.mgr.HandleSignal(proto.SignalingMsg{
			Kind: proto.KindCandidate, CallID: "c1", FromUserID: "x", Candidate: c,
		})
	}

	if err := y.mgr.AnswerCall(); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}

	neg := y.negotiator()
	neg.mu.Lock()
	got := append([]string(nil), neg.candidates...)
	neg.mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("candidates applied after answer = %d, want 2: %v", len(got), got)
	}
	if got[0] != `{"candidate":"candidate:1"}` {
		t.Fatalf("buffered candidates out of order: %v", got)
	}
}

func TestGateOnTransportDelaysConnected(t *testing.T) {
	r := newRouter()
	y := newNode(t, r, "y", Policy{GateOnTransport: true})

	y.mgr.HandleSignal(proto.SignalingMsg{
		Kind: proto.KindOffer, CallID: "c1", FromUserID: "x", SDP: "v=0 offer",
	})
	waitPhase(t, y.mgr, PhaseIncomingRinging)

	if err := y.mgr.AnswerCall(); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	if got := y.mgr.Snapshot().Phase; got != PhaseIncomingRinging {
		t.Fatalf("phase = %q right after gated answer, want incoming-ringing", got)
	}

	y.negotiator().ev.OnStateChange(negotiate.StateConnected)
	waitPhase(t, y.mgr, PhaseConnected)
}

func TestStorageFailureNeverAbortsCall(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})
	x.store.mu.Lock()
	x.store.fail = true
	x.store.mu.Unlock()

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall with failing store: %v", err)
	}
	if got := x.mgr.Snapshot().Phase; got != PhaseOutgoingRinging {
		t.Fatalf("phase = %q, want outgoing-ringing", got)
	}
	if err := x.mgr.EndCall(); err != nil {
		t.Fatalf("EndCall with failing store: %v", err)
	}
}

func TestLocalCandidatesTrickleOut(t *testing.T) {
	r := newRouter()
	x := newNode(t, r, "x", Policy{})

	if err := x.mgr.StartCall("y"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	x.negotiator().ev.OnLocalCandidate(`{"candidate":"candidate:1"}`)
	x.negotiator().ev.OnLocalCandidate(`{"candidate":"candidate:2"}`)

	waitFor(t, "candidates sent", func() bool {
		return x.sig.countKind(proto.KindCandidate) == 2
	})
}
