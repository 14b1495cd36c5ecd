package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPusher publishes events so every instance can relay them to its own clients
type RedisPusher struct {
	client *redis.Client
	prefix string
}

// NewRedisPusher creates a pusher publishing on prefix + channel
func NewRedisPusher(client *redis.Client, prefix string) *RedisPusher {
	return &RedisPusher{client: client, prefix: prefix}
}

// Trigger publishes the JSON envelope of the event
func (p *RedisPusher) Trigger(ctx context.Context, channel, event string, payload any) error {
	data, err := json.Marshal(Message{Channel: channel, Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := p.client.Publish(ctx, p.prefix+channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification on %s: %w", channel, err)
	}
	return nil
}

// Relay forwards every message published under the prefix to local, typically the
// WebSocket hub, until ctx is cancelled
func (p *RedisPusher) Relay(ctx context.Context, local Pusher) error {
	sub := p.client.PSubscribe(ctx, p.prefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				continue
			}
			_ = local.Trigger(ctx, m.Channel, m.Event, m.Payload)
		}
	}
}
