// Package ui exposes the local control surface: a localhost websocket that
// pushes call snapshots and the online peer list, and accepts the named call
// intents as JSON commands. It never touches media handles or the negotiator;
// everything goes through the call manager.
package ui

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/peerline/internal/call"
	"github.com/petervdpas/peerline/internal/state"
	"github.com/petervdpas/peerline/internal/storage"
)

// Controller is the slice of the call manager the bridge is allowed to use.
type Controller interface {
	StartCall(calleeID string) error
	AnswerCall() error
	DeclineCall() error
	EndCall() error
	ToggleMute() error
	ToggleVideo() error
	ToggleScreenShare() error
	Snapshot() call.Snapshot
	Subscribe() (<-chan call.Snapshot, func())
	Events() []call.Event
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Localhost-only listener; the origin check would reject file:// UIs.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HistoryFunc fetches recent call records for the hello frame.
type HistoryFunc func(limit int) ([]storage.CallRecord, error)

// Bridge serves the control websocket for one peer node.
type Bridge struct {
	addr    string
	selfID  string
	ctrl    Controller
	peers   *state.PeerTable
	history HistoryFunc
	logs    *LogBuffer

	srv *http.Server
}

func NewBridge(addr, selfID string, ctrl Controller, peers *state.PeerTable, history HistoryFunc, logs *LogBuffer) *Bridge {
	return &Bridge{addr: addr, selfID: selfID, ctrl: ctrl, peers: peers, history: history, logs: logs}
}

// Run serves until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.serveWS)
	if b.logs != nil {
		mux.HandleFunc("/logs", b.logs.serveLogsJSON)
	}

	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return err
	}
	b.srv = &http.Server{Handler: mux}
	log.Printf("UI: control bridge on ws://%s/ws", ln.Addr())

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.srv.Shutdown(shutCtx)
	}()

	if err := b.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// outbound frames pushed to the UI.
type frame struct {
	Type    string               `json:"type"` // hello|call|peers|error
	SelfID  string               `json:"selfId,omitempty"`
	Call    *call.Snapshot       `json:"call,omitempty"`
	Peers   map[string]peerInfo  `json:"peers,omitempty"`
	Events  []call.Event         `json:"events,omitempty"`
	History []storage.CallRecord `json:"history,omitempty"`
	Intent  string               `json:"intent,omitempty"`
	Error   string               `json:"error,omitempty"`
}

type peerInfo struct {
	Label         string `json:"label"`
	VideoDisabled bool   `json:"videoDisabled,omitempty"`
}

// command is what the UI sends: one of the named intents, nothing else.
type command struct {
	Intent string `json:"intent"`
	Target string `json:"target,omitempty"` // startCall only
}

func (b *Bridge) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("UI: upgrade: %v", err)
		return
	}
	defer conn.Close()
	log.Printf("UI: client connected from %s", conn.RemoteAddr())

	snaps, cancelSnaps := b.ctrl.Subscribe()
	defer cancelSnaps()
	peerEvents := b.peers.Subscribe()
	defer b.peers.Unsubscribe(peerEvents)

	// Writer goroutine owns the connection for writes; gorilla allows at
	// most one concurrent writer. done stops every helper when the read
	// loop exits.
	done := make(chan struct{})
	defer close(done)
	out := make(chan frame, 16)
	go func() {
		for {
			select {
			case <-done:
				return
			case f := <-out:
				if err := conn.WriteJSON(f); err != nil {
					return
				}
			}
		}
	}()

	send := func(f frame) {
		select {
		case out <- f:
		case <-done:
		}
	}

	send(b.helloFrame())

	go func() {
		for {
			select {
			case s, ok := <-snaps:
				if !ok {
					return
				}
				send(frame{Type: "call", Call: &s})
			case _, ok := <-peerEvents:
				if !ok {
					return
				}
				send(frame{Type: "peers", Peers: b.peerInfos()})
			case <-done:
				return
			}
		}
	}()

	for {
		var cmd command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("UI: read: %v", err)
			}
			return
		}
		if err := b.apply(cmd); err != nil {
			send(frame{Type: "error", Intent: cmd.Intent, Error: err.Error()})
		}
	}
}

// helloFrame is the initial full state push: call snapshot, online peers,
// recent lifecycle events and the persisted call history.
func (b *Bridge) helloFrame() frame {
	snap := b.ctrl.Snapshot()
	f := frame{Type: "hello", SelfID: b.selfID, Call: &snap, Peers: b.peerInfos(), Events: b.ctrl.Events()}
	if b.history != nil {
		recs, err := b.history(20)
		if err != nil {
			log.Printf("UI: call history: %v", err)
		} else {
			f.History = recs
		}
	}
	return f
}

func (b *Bridge) apply(cmd command) error {
	switch cmd.Intent {
	case "startCall":
		if cmd.Target == "" {
			return errors.New("startCall requires target")
		}
		return b.ctrl.StartCall(cmd.Target)
	case "answerCall":
		return b.ctrl.AnswerCall()
	case "declineCall":
		return b.ctrl.DeclineCall()
	case "endCall":
		return b.ctrl.EndCall()
	case "toggleMute":
		return b.ctrl.ToggleMute()
	case "toggleVideo":
		return b.ctrl.ToggleVideo()
	case "toggleScreenShare":
		return b.ctrl.ToggleScreenShare()
	default:
		return errors.New("unknown intent " + cmd.Intent)
	}
}

func (b *Bridge) peerInfos() map[string]peerInfo {
	snap := b.peers.Snapshot()
	out := make(map[string]peerInfo, len(snap))
	for id, p := range snap {
		out[id] = peerInfo{Label: p.Label, VideoDisabled: p.VideoDisabled}
	}
	return out
}
