// Package app wires the peer node together: config, p2p, storage, media,
// the call manager and the control bridge. It is the only package that
// imports both internal/call and the concrete collaborators, so all the
// small port adapters live here.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peerline/internal/call"
	"github.com/petervdpas/peerline/internal/config"
	"github.com/petervdpas/peerline/internal/media"
	"github.com/petervdpas/peerline/internal/negotiate"
	"github.com/petervdpas/peerline/internal/p2p"
	"github.com/petervdpas/peerline/internal/proto"
	"github.com/petervdpas/peerline/internal/signaling"
	"github.com/petervdpas/peerline/internal/state"
	"github.com/petervdpas/peerline/internal/storage"
	"github.com/petervdpas/peerline/internal/ui"
	"github.com/petervdpas/peerline/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts the peer node and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	// Recent log lines stay queryable through the bridge.
	logBuf := ui.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	peers := state.NewPeerTable()

	self := p2p.SelfProfile{
		Label:         func() string { return cfg.Profile.Label },
		AvatarHash:    func() string { return "" },
		VideoDisabled: func() bool { return cfg.Profile.VideoDisabled },
	}

	keyPath := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyPath, cfg.P2P.MdnsTag, peers, self)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()
	log.Printf("P2P: peer id %s", node.ID())
	for _, a := range node.LanAddrs() {
		log.Printf("P2P: listening on %s", a)
	}

	db, err := storage.Open(opt.PeerDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	log.Printf("STORE: database at %s", db.Path())

	acq, err := media.NewAcquirer()
	if err != nil {
		return fmt.Errorf("init media: %w", err)
	}

	bus := signaling.NewPubSubBus(node)
	binding := signaling.New(bus, node.ID())

	newNeg := func(ev call.NegotiatorEvents) (call.Negotiator, error) {
		return negotiate.New(acq, cfg.Call.STUNServers, negotiate.Callbacks{
			OnLocalCandidate: ev.OnLocalCandidate,
			OnRemoteTrack: func(track *webrtc.TrackRemote) {
				if ev.OnRemoteTrack != nil {
					ev.OnRemoteTrack(track.Kind().String(), track.ID())
				}
			},
			OnStateChange: ev.OnStateChange,
		})
	}

	mgr := call.New(
		signalerAdapter{binding: binding},
		mediaAdapter{acq: acq},
		newNeg,
		db,
		peerDirectory{peers: peers},
		node.ID(),
		!cfg.Profile.VideoDisabled,
		callPolicy(cfg.Call),
	)
	defer mgr.Close()

	// The inbox subscription is scoped to the whole user session, not to any
	// single call; it is torn down exactly once on shutdown.
	inbox, cancelInbox, err := binding.BindInbox(ctx)
	if err != nil {
		return fmt.Errorf("bind signaling inbox: %w", err)
	}
	defer cancelInbox()
	go func() {
		for msg := range inbox {
			mgr.HandleSignal(msg)
		}
	}()

	// Live-reload call policy on config edits; everything else needs a restart.
	if err := config.Watch(ctx, opt.CfgPath, func(nc config.Config) {
		mgr.SetPolicy(callPolicy(nc.Call))
	}); err != nil {
		log.Printf("CONFIG: watch disabled: %v", err)
	}

	if cfg.Bridge.Addr != "" {
		bridge := ui.NewBridge(cfg.Bridge.Addr, node.ID(), mgr, peers, db.RecentCalls, logBuf)
		go func() {
			if err := bridge.Run(ctx); err != nil {
				log.Printf("UI: bridge stopped: %v", err)
			}
		}()
	}

	node.RunPresenceLoop(ctx, nil)
	node.Publish(ctx, proto.TypeOnline)

	go func() {
		t := time.NewTicker(time.Duration(cfg.Presence.HeartbeatSec) * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				node.Publish(ctx, proto.TypeUpdate)
			}
		}
	}()

	go func() {
		t := time.NewTicker(1 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				peers.PruneOlderThan(
					time.Now().Add(-time.Duration(cfg.Presence.TTLSec) * time.Second))
			}
		}
	}()

	<-ctx.Done()
	log.Println("PEER: shutting down, sending offline message")
	node.Publish(context.Background(), proto.TypeOffline)
	return nil
}

func callPolicy(c config.Call) call.Policy {
	return call.Policy{
		RingingTimeout:  time.Duration(c.RingingTimeoutSec) * time.Second,
		GateOnTransport: c.GateOnTransport,
	}
}

// signalerAdapter narrows signaling.Binding to the call package's port.
// Background context: an outbound ended during shutdown must still go out.
type signalerAdapter struct {
	binding *signaling.Binding
}

func (s signalerAdapter) SendTo(target string, msg proto.SignalingMsg) error {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	return s.binding.SendTo(ctx, target, msg)
}

// mediaAdapter lifts the concrete acquirer to the call package's interfaces.
type mediaAdapter struct {
	acq *media.Acquirer
}

func (a mediaAdapter) Acquire(wantVideo bool) (call.LocalMedia, error) {
	lm, err := a.acq.Acquire(wantVideo)
	if err != nil {
		return nil, err
	}
	return lm, nil
}

func (a mediaAdapter) AcquireScreen(onStopped func()) (call.ScreenCapture, error) {
	sc, err := a.acq.AcquireScreen(onStopped)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// peerDirectory resolves display labels from the presence table.
type peerDirectory struct {
	peers *state.PeerTable
}

func (d peerDirectory) Label(peerID string) string {
	if p, ok := d.peers.Get(peerID); ok {
		return p.Label
	}
	return ""
}
