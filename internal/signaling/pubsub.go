package signaling

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// TopicJoiner is the only surface this package needs from the p2p node.
type TopicJoiner interface {
	JoinTopic(name string) (*pubsub.Topic, error)
}

// PubSubBus adapts gossipsub topics to the Bus interface. Topic handles are
// cached because gossipsub allows a topic to be joined only once per host;
// both the inbox subscription and outbound sends to the same peer share one
// handle.
type PubSubBus struct {
	node TopicJoiner

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func NewPubSubBus(node TopicJoiner) *PubSubBus {
	return &PubSubBus{
		node:   node,
		topics: make(map[string]*pubsub.Topic),
	}
}

func (b *PubSubBus) join(name string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t, err := b.node.JoinTopic(name)
	if err != nil {
		return nil, err
	}
	b.topics[name] = t
	return t, nil
}

func (b *PubSubBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	t, err := b.join(topic)
	if err != nil {
		return nil, nil, err
	}

	sub, err := t.Subscribe()
	if err != nil {
		return nil, nil, err
	}

	subCtx, cancelCtx := context.WithCancel(ctx)
	out := make(chan []byte, 32)

	go func() {
		defer close(out)
		for {
			m, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			select {
			case out <- m.Data:
			default:
				// Slow consumer: drop rather than stall the mesh reader.
			}
		}
	}()

	cancel := func() {
		cancelCtx()
		sub.Cancel()
	}
	return out, cancel, nil
}

func (b *PubSubBus) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := b.join(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}
