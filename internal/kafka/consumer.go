package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"vigil/internal/config"
	"vigil/internal/logger"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BatchHandler processes one fetched batch. Errors are logged; the batch is
// committed either way so a poison batch cannot stall the partition.
type BatchHandler func(ctx context.Context, msgs []kafka.Message) error

// NewReader builds a consumer-group reader for topic.
func NewReader(brokers []string, groupID, topic string, cfg config.ConsumerConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.BatchTimeout,
		CommitInterval: 0, // explicit commits after each batch
	})
}

// Consumer reads messages into batches of up to batchSize, waiting at most
// batchTimeout after the first message of a batch.
type Consumer struct {
	reader       MessageReader
	topic        string
	batchSize    int
	batchTimeout time.Duration
	handler      BatchHandler
	log          zerolog.Logger
}

func NewConsumer(reader MessageReader, topic string, cfg config.ConsumerConfig, handler BatchHandler) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 500 * time.Millisecond
	}
	return &Consumer{
		reader:       reader,
		topic:        topic,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		handler:      handler,
		log:          logger.WithComponent("kafka_consumer").With().Str("topic", topic).Logger(),
	}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation and
// the reader error otherwise. The reader is closed on return.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.log.Warn().Err(err).Msg("reader close failed")
		}
	}()

	c.log.Info().Int("batch_size", c.batchSize).Dur("batch_timeout", c.batchTimeout).Msg("consumer started")

	for {
		batch, err := c.nextBatch(ctx)
		if len(batch) > 0 {
			c.dispatch(ctx, batch)
		}
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info().Msg("consumer stopped")
				return nil
			}
			c.log.Error().Err(err).Msg("fetch failed")
			return err
		}
	}
}

// nextBatch blocks for the first message, then fills the batch until it is
// full or the batch timeout passes.
func (c *Consumer) nextBatch(ctx context.Context) ([]kafka.Message, error) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}

	batch := make([]kafka.Message, 0, c.batchSize)
	batch = append(batch, first)

	fillCtx, cancel := context.WithTimeout(ctx, c.batchTimeout)
	defer cancel()

	for len(batch) < c.batchSize {
		msg, err := c.reader.FetchMessage(fillCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return batch, nil
			}
			return batch, err
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

func (c *Consumer) dispatch(ctx context.Context, batch []kafka.Message) {
	// finish the in-flight batch even if shutdown started while filling it
	workCtx := context.WithoutCancel(ctx)

	if err := c.handler(workCtx, batch); err != nil {
		c.log.Error().Err(err).Int("batch_size", len(batch)).Msg("batch handler failed")
	}

	commitCtx, cancel := context.WithTimeout(workCtx, 10*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(commitCtx, batch...); err != nil {
		c.log.Error().Err(err).Int("batch_size", len(batch)).Msg("offset commit failed")
	}
}
