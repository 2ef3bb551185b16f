package node

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// pubsubAdapter narrows gossipsub to the name system's collaborator
// shape, caching joined topics since a topic may be joined only once.
type pubsubAdapter struct {
	ctx context.Context
	ps  *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func newPubsubAdapter(ctx context.Context, ps *pubsub.PubSub) *pubsubAdapter {
	return &pubsubAdapter{ctx: ctx, ps: ps, topics: make(map[string]*pubsub.Topic)}
}

func (a *pubsubAdapter) topic(name string) (*pubsub.Topic, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.topics[name]; ok {
		return t, nil
	}
	t, err := a.ps.Join(name)
	if err != nil {
		return nil, err
	}
	a.topics[name] = t
	return t, nil
}

func (a *pubsubAdapter) Publish(topic string, data []byte) error {
	t, err := a.topic(topic)
	if err != nil {
		return err
	}
	return t.Publish(a.ctx, data)
}

func (a *pubsubAdapter) Subscribe(topic string, handler func(from peer.ID, data []byte)) error {
	t, err := a.topic(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return err
	}
	go func() {
		defer sub.Cancel()
		for {
			msg, err := sub.Next(a.ctx)
			if err != nil {
				return
			}
			handler(msg.ReceivedFrom, msg.Data)
		}
	}()
	return nil
}
