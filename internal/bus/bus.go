// Package bus is a synchronous in-process topic bus. The dispatcher publishes
// typed payloads and each store subscribes to the topics it owns.
package bus

import (
	"context"
	"sort"
	"sync"
)

type Topic string

const (
	TopicConnectionState  Topic = "connection.state"
	TopicPing             Topic = "heartbeat.ping"
	TopicSnapshotRequired Topic = "snapshot.required"
	TopicStatus           Topic = "status.update"
	TopicMetrics          Topic = "metrics.update"
	TopicDomainEvent      Topic = "events.domain"
	TopicAlert            Topic = "alerts.incoming"
	TopicEntityUpdates    Topic = "world.entities"
	TopicWorldChanged     Topic = "world.changed"
)

type Handler func(ctx context.Context, payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers every published payload to the current subscribers of its
// topic, in subscription order, on the publishing goroutine.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	handlers  map[Topic][]subscription
	published map[Topic]uint64
}

func New() *Bus {
	return &Bus{
		handlers:  make(map[Topic][]subscription),
		published: make(map[Topic]uint64),
	}
}

// Subscribe registers handler for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	if b == nil || handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}
}

func (b *Bus) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish returns the number of handlers that received the payload.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	b.published[topic]++
	subs := append([]subscription(nil), b.handlers[topic]...)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.handler(ctx, payload)
	}
	return len(subs)
}

// Subscribe registers a handler that only sees payloads of type T. Payloads
// of any other type published on the topic are skipped.
func Subscribe[T any](b *Bus, topic Topic, handler func(ctx context.Context, payload T)) func() {
	return b.Subscribe(topic, func(ctx context.Context, payload any) {
		typed, ok := payload.(T)
		if !ok {
			return
		}
		handler(ctx, typed)
	})
}

type TopicStats struct {
	Topic       Topic  `json:"topic"`
	Published   uint64 `json:"published"`
	Subscribers int    `json:"subscribers"`
}

func (b *Bus) Stats() []TopicStats {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[Topic]struct{}, len(b.published)+len(b.handlers))
	for topic := range b.published {
		seen[topic] = struct{}{}
	}
	for topic := range b.handlers {
		seen[topic] = struct{}{}
	}
	stats := make([]TopicStats, 0, len(seen))
	for topic := range seen {
		stats = append(stats, TopicStats{
			Topic:       topic,
			Published:   b.published[topic],
			Subscribers: len(b.handlers[topic]),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Topic < stats[j].Topic })
	return stats
}
