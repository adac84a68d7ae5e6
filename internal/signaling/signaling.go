// Package signaling routes call signaling messages between two peers over a
// broadcast bus. Delivery is best-effort: a message published to a topic with
// no current subscriber is silently dropped, and no ordering is guaranteed
// between an offer and the candidates that trail it — the negotiator must
// tolerate candidates arriving first.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/petervdpas/peerline/internal/proto"
)

// Bus is the underlying broadcast transport: named topics, fire-and-forget
// publish, subscription with explicit teardown. The production implementation
// is gossipsub (pubsub.go); tests use an in-memory bus.
type Bus interface {
	// Subscribe starts listening on a topic. The cancel func releases the
	// subscription; it must be called exactly once on teardown.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)

	// Publish sends data to a topic. Callers must not expect delivery
	// confirmation.
	Publish(ctx context.Context, topic string, data []byte) error
}

// Binding is one user's attachment to the signaling mesh: an inbox
// subscription on the local user's call topic, plus outbound publishing to
// any remote user's topic.
type Binding struct {
	bus    Bus
	selfID string
}

func New(bus Bus, selfID string) *Binding {
	return &Binding{bus: bus, selfID: selfID}
}

// BindInbox subscribes to the local user's call topic and returns a channel
// of decoded signaling messages. Messages from self and undecodable payloads
// are dropped. The cancel func tears down the subscription; it is scoped to
// the user session, not to any single call.
func (b *Binding) BindInbox(ctx context.Context) (<-chan proto.SignalingMsg, func(), error) {
	raw, cancel, err := b.bus.Subscribe(ctx, proto.CallTopic(b.selfID))
	if err != nil {
		return nil, nil, fmt.Errorf("bind inbox: %w", err)
	}

	out := make(chan proto.SignalingMsg, 32)
	go func() {
		defer close(out)
		for data := range raw {
			var msg proto.SignalingMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("SIGNAL: dropping undecodable message: %v", err)
				continue
			}
			if msg.Kind == "" || msg.CallID == "" || msg.FromUserID == "" {
				continue
			}
			if msg.FromUserID == b.selfID {
				continue
			}
			select {
			case out <- msg:
			default:
				log.Printf("SIGNAL: inbox full, dropping %s for call %s", msg.Kind, msg.CallID)
			}
		}
	}()

	return out, cancel, nil
}

// SendTo publishes a signaling message to the target user's call topic.
// Fire-and-forget: an error means the local publish failed, never that the
// remote side did not receive it.
func (b *Binding) SendTo(ctx context.Context, targetUserID string, msg proto.SignalingMsg) error {
	msg.FromUserID = b.selfID
	msg.ToUserID = targetUserID
	if msg.TS == 0 {
		msg.TS = proto.NowMillis()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	if err := b.bus.Publish(ctx, proto.CallTopic(targetUserID), data); err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.Kind, targetUserID, err)
	}
	return nil
}
