package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/vitalpath/journey/internal/logger"
)

// Bus publishes and receives cache invalidations over a Redis pub/sub channel.
// Messages carry the bare cache key.
type Bus struct {
	client  *redis.Client
	channel string
}

// NewBus binds a bus to channel.
func NewBus(client *redis.Client, channel string) *Bus {
	return &Bus{client: client, channel: channel}
}

// Publish announces that key changed.
func (b *Bus) Publish(ctx context.Context, key string) error {
	if err := b.client.Publish(ctx, b.channel, key).Err(); err != nil {
		return fmt.Errorf("publish on %q: %w", b.channel, err)
	}
	return nil
}

// Subscribe calls onInvalidate for every message until ctx is cancelled.
// It returns after the subscription is confirmed so callers can rely on
// receiving messages published afterwards; delivery runs in a goroutine.
func (b *Bus) Subscribe(ctx context.Context, onInvalidate func(key string)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe to %q: %w", b.channel, err)
	}

	log := logger.FromContext(ctx)
	log.Info("listening for cache invalidations", slog.String("channel", b.channel))

	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					log.Warn("invalidation channel closed", slog.String("channel", b.channel))
					return
				}
				onInvalidate(msg.Payload)
			}
		}
	}()
	return nil
}
