// Package bus fans frames out to live subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses frames, which is the
// contract WebSocket clients and progress watchers sign up for. Durable
// history lives in the store, not here.
package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetlab/slm/internal/protocol"
)

// TopicGlobal carries every node lifecycle event.
const TopicGlobal = "events:global"

// NodeTopic carries events for one node.
func NodeTopic(nodeID string) string { return "events:node:" + nodeID }

// JobTopic carries progress frames for one job.
func JobTopic(jobID string) string { return "jobs:" + jobID }

const subscriberBuffer = 64

// Subscription receives frames for a set of topics on C until
// Unsubscribe closes it.
type Subscription struct {
	id     string
	topics []string
	C      chan protocol.StreamFrame
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string { return s.id }

// Topics returns the topics this subscription listens on.
func (s *Subscription) Topics() []string { return s.topics }

// Bus is a topic-keyed broadcast broker.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool
	log    zerolog.Logger
}

// New creates an empty bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		topics: make(map[string]map[*Subscription]struct{}),
		log:    log.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers a new subscription for the given topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		id:     uuid.New().String(),
		topics: topics,
		C:      make(chan protocol.StreamFrame, subscriberBuffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	for _, topic := range topics {
		set, ok := b.topics[topic]
		if !ok {
			set = make(map[*Subscription]struct{})
			b.topics[topic] = set
		}
		set[sub] = struct{}{}
	}
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to
// call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub)
}

// Publish delivers the frame to every subscriber of the topic. Slow
// subscribers are skipped, never waited on.
func (b *Bus) Publish(topic string, frame protocol.StreamFrame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.topics[topic] {
		select {
		case sub.C <- frame:
		default:
			b.log.Warn().
				Str("topic", topic).
				Str("subscriber", sub.id).
				Str("frame_type", frame.Type).
				Msg("subscriber buffer full, dropping frame")
		}
	}
}

// SubscriberCount reports how many subscriptions a topic has.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close drops every subscription. Publishes after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[*Subscription]struct{})
	for _, set := range b.topics {
		for sub := range set {
			seen[sub] = struct{}{}
		}
	}
	for sub := range seen {
		close(sub.C)
	}
	b.topics = make(map[string]map[*Subscription]struct{})
}

// remove must be called with the write lock held.
func (b *Bus) remove(sub *Subscription) {
	found := false
	for _, topic := range sub.topics {
		if set, ok := b.topics[topic]; ok {
			if _, member := set[sub]; member {
				delete(set, sub)
				found = true
				if len(set) == 0 {
					delete(b.topics, topic)
				}
			}
		}
	}
	if found {
		close(sub.C)
	}
}
