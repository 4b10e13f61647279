package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// consumerGroupID is shared by every gateway-hosting process so the log's
// partitions distribute across instances.
const consumerGroupID = "presenced.lifecycle"

const (
	maxApplyAttempts   = 5
	defaultBaseBackoff = time.Second
	maxBackoff         = 60 * time.Second
)

var (
	errMissingApplier = errors.New("lifecycle: coordination applier is required")
	errMissingReaders = errors.New("lifecycle: topic readers are required")
)

// messageReader abstracts kafka.Reader for tests.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// stateApplier is the slice of the coordination store the consumer writes
// through.
type stateApplier interface {
	MarkStale(ctx context.Context, tenantID, entity, id, busyBy string) error
	ClearStale(ctx context.Context, tenantID, entity, id string) error
	IncrementVersion(ctx context.Context, tenantID, entity, id string) (int64, error)
	LastAppliedOffset(ctx context.Context, topic string, partition int) (int64, bool, error)
	SetLastAppliedOffset(ctx context.Context, topic string, partition int, offset int64) error
}

// deadLetterer captures messages that exhausted their retries.
type deadLetterer interface {
	Capture(ctx context.Context, topic string, partition int, offset int64, key, payload []byte, terminalErr error) error
}

// ConsumerConfig describes the dependencies for the lifecycle consumer.
type ConsumerConfig struct {
	Brokers     []string
	Applier     stateApplier
	DeadLetters deadLetterer
	Logger      *zap.Logger

	// MutatingReader and MutatedReader override the kafka readers, used by
	// tests. When nil they are built from Brokers.
	MutatingReader messageReader
	MutatedReader  messageReader

	// BaseBackoff overrides the first retry delay, used by tests.
	BaseBackoff time.Duration
}

// Consumer folds lifecycle events into the coordination store: MUTATING
// sets the stale marker, MUTATED clears it and bumps the version counter.
// Failed applies retry with exponential backoff; exhausted messages go to
// the dead-letter store. Offsets already applied are skipped so redelivery
// after a crash cannot double-increment the counter.
type Consumer struct {
	mutating    messageReader
	mutated     messageReader
	applier     stateApplier
	deadLetters deadLetterer
	baseBackoff time.Duration
	logger      *zap.Logger
}

// NewConsumer validates the configuration and returns a Consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}

	mutating := cfg.MutatingReader
	mutated := cfg.MutatedReader
	if mutating == nil || mutated == nil {
		if len(cfg.Brokers) == 0 {
			return nil, errMissingReaders
		}
		mutating = newTopicReader(cfg.Brokers, TopicMutating)
		mutated = newTopicReader(cfg.Brokers, TopicMutated)
	}

	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Consumer{
		mutating:    mutating,
		mutated:     mutated,
		applier:     cfg.Applier,
		deadLetters: cfg.DeadLetters,
		baseBackoff: baseBackoff,
		logger:      logger,
	}, nil
}

func newTopicReader(brokers []string, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     consumerGroupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		StartOffset: kafka.FirstOffset,
	})
}

// Run consumes both topics until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.consumeLoop(ctx, TopicMutating, c.mutating)
	}()
	go func() {
		defer wg.Done()
		c.consumeLoop(ctx, TopicMutated, c.mutated)
	}()
	wg.Wait()
}

func (c *Consumer) consumeLoop(ctx context.Context, topic string, reader messageReader) {
	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("lifecycle fetch failed",
				zap.String("topic", topic),
				zap.Error(err))
			if !sleepContext(ctx, c.baseBackoff) {
				return
			}
			continue
		}

		if err := c.Handle(ctx, topic, message); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("lifecycle message abandoned",
				zap.String("topic", topic),
				zap.Int64("offset", message.Offset),
				zap.Error(err))
		}

		if err := reader.CommitMessages(ctx, message); err != nil && ctx.Err() == nil {
			c.logger.Warn("lifecycle commit failed",
				zap.String("topic", topic),
				zap.Int64("offset", message.Offset),
				zap.Error(err))
		}
	}
}

// Handle applies one message with bounded retries. Messages whose offset
// was already applied are skipped. A message that exhausts its retries is
// captured as a dead letter; the returned error then reports the terminal
// apply failure only if the capture itself also failed.
func (c *Consumer) Handle(ctx context.Context, topic string, message kafka.Message) error {
	applied, ok, err := c.applier.LastAppliedOffset(ctx, topic, message.Partition)
	if err != nil {
		c.logger.Warn("applied offset lookup failed, proceeding without dedup", zap.Error(err))
	} else if ok && message.Offset <= applied {
		c.logger.Info("skipping already applied message",
			zap.String("topic", topic),
			zap.Int("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.Int64("applied", applied))
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		lastErr = c.apply(ctx, topic, message)
		if lastErr == nil {
			if err := c.applier.SetLastAppliedOffset(ctx, topic, message.Partition, message.Offset); err != nil {
				c.logger.Warn("applied offset record failed", zap.Error(err))
			}
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}

		c.logger.Warn("lifecycle apply failed",
			zap.String("topic", topic),
			zap.Int64("offset", message.Offset),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt < maxApplyAttempts {
			if !sleepContext(ctx, backoffDelay(c.baseBackoff, attempt)) {
				return lastErr
			}
		}
	}

	if c.deadLetters != nil {
		if err := c.deadLetters.Capture(ctx, topic, message.Partition, message.Offset, message.Key, message.Value, lastErr); err != nil {
			return fmt.Errorf("lifecycle: dead letter capture: %w (apply: %v)", err, lastErr)
		}
		return nil
	}
	return lastErr
}

func (c *Consumer) apply(ctx context.Context, topic string, message kafka.Message) error {
	event, err := DecodeEvent(message.Value)
	if err != nil {
		return err
	}

	switch topic {
	case TopicMutating:
		if err := c.applier.MarkStale(ctx, event.TenantID, event.Entity, event.ID, event.UserID); err != nil {
			return err
		}
		c.logger.Info("processed pre-mutation event",
			zap.String("entity", event.Entity),
			zap.String("entity_id", event.ID),
			zap.String("user_id", event.UserID),
			zap.Int64("offset", message.Offset))
		return nil

	case TopicMutated:
		if err := c.applier.ClearStale(ctx, event.TenantID, event.Entity, event.ID); err != nil {
			return err
		}
		if _, err := c.applier.IncrementVersion(ctx, event.TenantID, event.Entity, event.ID); err != nil {
			return err
		}
		c.logger.Info("processed post-mutation event",
			zap.String("entity", event.Entity),
			zap.String("entity_id", event.ID),
			zap.String("user_id", event.UserID),
			zap.Int64("offset", message.Offset))
		return nil

	default:
		return fmt.Errorf("lifecycle: unexpected topic %q", topic)
	}
}

// Close closes the underlying kafka readers.
func (c *Consumer) Close() error {
	var firstErr error
	for _, reader := range []messageReader{c.mutating, c.mutated} {
		if closer, ok := reader.(*kafka.Reader); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
