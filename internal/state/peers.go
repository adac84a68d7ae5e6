
package state

import (
	"sync"
	"time"
)

// SeenPeer is one entry in the online peer directory. The call coordinator
// reads it to label incoming calls and to refuse video calls to peers that
// advertise video_disabled.
type SeenPeer struct {
	Label         string
	AvatarHash    string
	VideoDisabled bool
	LastSeen      time.Time
}

type PeerEvent struct {
	Type   string              `json:"type"` // update|remove
	PeerID string              `json:"peer_id,omitempty"`
	Peer   *SeenPeer           `json:"peer,omitempty"`
	Peers  map[string]SeenPeer `json:"peers,omitempty"`
}

// PeerTable tracks peers currently announcing presence.
type PeerTable struct {
	mu        sync.Mutex
	peers     map[string]SeenPeer
	listeners []chan PeerEvent
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers:     map[string]SeenPeer{},
		listeners: make([]chan PeerEvent, 0),
	}
}

func (t *PeerTable) Upsert(id, label, avatarHash string, videoDisabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer := SeenPeer{
		Label:         label,
		AvatarHash:    avatarHash,
		VideoDisabled: videoDisabled,
		LastSeen:      time.Now(),
	}
	t.peers[id] = peer
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &peer})
}

func (t *PeerTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
}

func (t *PeerTable) Get(id string) (SeenPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	return sp, ok
}

func (t *PeerTable) Snapshot() map[string]SeenPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]SeenPeer, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// PruneOlderThan removes peers whose last presence heartbeat predates cutoff.
func (t *PeerTable) PruneOlderThan(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sp := range t.peers {
		if sp.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
		}
	}
}

func (t *PeerTable) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PeerTable) notifyListeners(evt PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
