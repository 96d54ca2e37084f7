// Package bus is the asynchronous message fabric between the agent's
// background context and its foreground views. Topics are plain strings,
// delivery is at-least-once per subscriber, and handlers are expected to be
// idempotent — messages are unordered relative to each other.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Topics published by the auth subsystem.
const (
	TopicTokenRefreshed = "token-refreshed"
	TopicAuthInvalid    = "auth-invalid"
)

// Handler consumes one published message.
type Handler func(ctx context.Context, payload any)

type subscription struct {
	id      int
	handler Handler
}

// Bus fans messages out to per-topic subscribers.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID int

	wg sync.WaitGroup
}

// New constructs an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[string][]subscription),
	}
}

// Subscribe registers a handler for topic and returns its unsubscribe
// function. Unsubscribing is removal by identity; other handlers on the topic
// are unaffected.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, sub := range list {
			if sub.id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers payload to every current subscriber of topic. Delivery is
// asynchronous; a panicking handler is isolated and logged.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	list := make([]subscription, len(b.subs[topic]))
	copy(list, b.subs[topic])
	b.mu.RUnlock()

	for _, sub := range list {
		b.wg.Add(1)
		go func(sub subscription) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("bus handler panicked", "topic", topic, "panic", r)
				}
			}()
			sub.handler(context.Background(), payload)
		}(sub)
	}
}

// Close waits for in-flight deliveries to drain.
func (b *Bus) Close() {
	b.wg.Wait()
}
