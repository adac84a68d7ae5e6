
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/petervdpas/peerline/internal/proto"
	"github.com/petervdpas/peerline/internal/state"
	"github.com/petervdpas/peerline/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	manet "github.com/multiformats/go-multiaddr/net"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

// SelfProfile supplies the presence fields this node announces. Functions so
// the current values are read at publish time, not captured at startup.
type SelfProfile struct {
	Label         func() string
	AvatarHash    func() string
	VideoDisabled func() bool
}

// Node owns the libp2p host and the gossipsub mesh. Presence flows over a
// shared topic; the signaling layer joins per-user call topics through Topics().
type Node struct {
	Host host.Host

	ps       *pubsub.PubSub
	presence *pubsub.Topic
	sub      *pubsub.Subscription

	self  SelfProfile
	peers *state.PeerTable
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func New(ctx context.Context, listenPort int, keyFile, mdnsTag string, peers *state.PeerTable, self SelfProfile) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", keyFile)
	} else {
		log.Printf("Loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	// LAN discovery via mDNS.
	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	presence, err := ps.Join(proto.PresenceTopic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	sub, err := presence.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	return &Node{
		Host:     h,
		ps:       ps,
		presence: presence,
		sub:      sub,
		self:     self,
		peers:    peers,
	}, nil
}

func (n *Node) Close() error {
	n.sub.Cancel()
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// JoinTopic joins a gossipsub topic by name. The signaling layer uses this to
// open per-user call inbox topics; callers own the returned topic handle.
func (n *Node) JoinTopic(name string) (*pubsub.Topic, error) {
	return n.ps.Join(name)
}

// Publish announces this node's presence with the given type
// (online, update, or offline).
func (n *Node) Publish(ctx context.Context, typ string) {
	msg := proto.PresenceMsg{
		Type:   typ,
		PeerID: n.ID(),
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		msg.Label = n.self.Label()
		msg.AvatarHash = n.self.AvatarHash()
		msg.VideoDisabled = n.self.VideoDisabled()
	}

	b, _ := json.Marshal(msg)
	_ = n.presence.Publish(ctx, b)
}

// RunPresenceLoop consumes the presence topic and keeps the peer table
// current. Runs until ctx is cancelled.
func (n *Node) RunPresenceLoop(ctx context.Context, onEvent func(msg proto.PresenceMsg)) {
	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}

			var pm proto.PresenceMsg
			if err := json.Unmarshal(m.Data, &pm); err != nil {
				continue
			}
			if pm.PeerID == "" || pm.Type == "" {
				continue
			}
			if pm.PeerID == n.ID() {
				continue
			}

			switch pm.Type {
			case proto.TypeOnline, proto.TypeUpdate:
				n.peers.Upsert(pm.PeerID, pm.Label, pm.AvatarHash, pm.VideoDisabled)
			case proto.TypeOffline:
				n.peers.Remove(pm.PeerID)
			}

			if onEvent != nil {
				onEvent(pm)
			}
		}
	}()
}

// LanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses, for display in the startup banner.
func (n *Node) LanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}
