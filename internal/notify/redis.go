package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel carrying pool changes.
const DefaultChannel = "amm:pool_changes"

// RedisBus is a thin pub/sub wrapper over go-redis.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus creates a bus on an existing client.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

// Publish sends a raw payload to a channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of raw payloads. The subscription and the
// returned channel are closed when ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := b.rdb.Subscribe(ctx, channel)

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Publisher is the write side of a bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// BusNotifier publishes change events as JSON so every engine instance's
// Bridge can forward them to its own WebSocket clients.
type BusNotifier struct {
	bus     Publisher
	channel string
}

// NewBusNotifier creates a notifier on channel (DefaultChannel if empty).
func NewBusNotifier(bus Publisher, channel string) *BusNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &BusNotifier{bus: bus, channel: channel}
}

func (n *BusNotifier) Notify(ctx context.Context, ev ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	return n.bus.Publish(ctx, n.channel, data)
}

var (
	_ Publisher = (*RedisBus)(nil)
	_ Notifier  = (*BusNotifier)(nil)
)
