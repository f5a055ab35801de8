package notification

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publisher publishes a message on a pub/sub channel.
type Publisher interface {
	Publish(ctx context.Context, channel, message string) error
}

// RedisNotifier publishes alerts as JSON on a Redis channel.
type RedisNotifier struct {
	pub     Publisher
	channel string
}

// NewRedisNotifier creates a notifier publishing on channel.
func NewRedisNotifier(pub Publisher, channel string) *RedisNotifier {
	return &RedisNotifier{pub: pub, channel: channel}
}

func (r *RedisNotifier) Send(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("redis notify: marshal: %w", err)
	}
	if err := r.pub.Publish(ctx, r.channel, string(data)); err != nil {
		return fmt.Errorf("redis notify: %w", err)
	}
	return nil
}
