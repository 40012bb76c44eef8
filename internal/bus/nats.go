package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"vigil/internal/logger"
	"vigil/internal/metrics"
)

// NATSBus publishes invalidations over core NATS subjects. Core NATS is
// at-most-once, which is all a hint channel needs.
type NATSBus struct {
	conn       *nats.Conn
	bufferSize int
	owned      bool
}

// DialNATS connects with reconnect handling and logs connection state changes.
func DialNATS(url, clientName string) (*nats.Conn, error) {
	log := logger.WithComponent("nats")

	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn().Err(err).Str("subject", subject).Msg("nats async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return conn, nil
}

// NewNATSBus wraps a connection. When owned is true Close also closes conn.
func NewNATSBus(conn *nats.Conn, bufferSize int, owned bool) *NATSBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &NATSBus{conn: conn, bufferSize: bufferSize, owned: owned}
}

func (b *NATSBus) Publish(_ context.Context, channel string, msg Message) error {
	data, err := msg.encode()
	if err != nil {
		return err
	}
	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	published()
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	// NATS drops into this buffer without blocking and flags a slow consumer
	// when it is full.
	raw := make(chan *nats.Msg, b.bufferSize)
	sub, err := b.conn.ChanSubscribe(channel, raw)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	if err := b.conn.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan Message, b.bufferSize)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()

		log := logger.WithComponent("nats_bus")
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-raw:
				msg, err := decode(m.Data)
				if err != nil {
					log.Warn().Err(err).Str("subject", m.Subject).Msg("dropping malformed invalidation")
					metrics.InvalidationsTotal.WithLabelValues("dropped").Inc()
					continue
				}
				deliver(out, msg)
			}
		}
	}()
	return out, nil
}

func (b *NATSBus) Close() error {
	if b.owned {
		b.conn.Close()
	}
	return nil
}
