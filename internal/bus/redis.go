package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"vigil/internal/logger"
	"vigil/internal/metrics"
)

// RedisBus uses Redis PUBLISH/SUBSCRIBE on the same deployment that stores
// the rule cache.
type RedisBus struct {
	client     redis.UniversalClient
	bufferSize int
}

// NewRedisBus shares client with the cache store; Close leaves it open.
func NewRedisBus(client redis.UniversalClient, bufferSize int) *RedisBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &RedisBus{client: client, bufferSize: bufferSize}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, msg Message) error {
	data, err := msg.encode()
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	published()
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	ps := b.client.Subscribe(ctx, channel)
	// wait for the subscription confirmation so no message published after
	// Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	in := ps.Channel(redis.WithChannelSize(b.bufferSize))
	out := make(chan Message, b.bufferSize)

	go func() {
		defer close(out)
		defer ps.Close()

		log := logger.WithComponent("redis_bus")
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				msg, err := decode([]byte(m.Payload))
				if err != nil {
					log.Warn().Err(err).Str("channel", m.Channel).Msg("dropping malformed invalidation")
					metrics.InvalidationsTotal.WithLabelValues("dropped").Inc()
					continue
				}
				deliver(out, msg)
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Close() error { return nil }
