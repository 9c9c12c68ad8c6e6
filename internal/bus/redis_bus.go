package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"guild-sync/internal/events"
)

// Bus is a thin publish/subscribe layer over Redis channels. Delivery fans out
// to every live subscriber; it is at-least-once from the consumer's point of
// view, so handlers must tolerate duplicates.
type Bus struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Handler processes one decoded event. It must not block the subscription loop
// for long; slow work belongs in the handler's own goroutine.
type Handler func(ctx context.Context, channel string, ev events.Event)

// Subscription owns the underlying Redis subscription; Close stops delivery.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// Close unsubscribes and waits for the delivery loop to drain.
func (s *Subscription) Close() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Publish sends an event envelope on the named channel. It is fire-and-forget
// beyond transport errors: no delivery confirmation is awaited.
func (b *Bus) Publish(ctx context.Context, channel string, ev events.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a handler on one or more channels and starts the delivery
// loop. Malformed payloads are logged and skipped; the loop never stops on a
// handler's behalf.
func (b *Bus) Subscribe(ctx context.Context, handler Handler, channels ...string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channels...)
	// Force the SUBSCRIBE round-trip so a bad address fails here, not silently.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			var ev events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("bus: drop malformed event on %s: %v", msg.Channel, err)
				continue
			}
			handler(ctx, msg.Channel, ev)
		}
	}()
	return sub, nil
}
