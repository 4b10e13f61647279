package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var errMissingBrokers = errors.New("lifecycle: at least one broker address is required")

// messageWriter abstracts kafka.Writer for tests.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// ProducerConfig describes the dependencies for the lifecycle producer.
type ProducerConfig struct {
	Brokers []string
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Producer publishes pre- and post-mutation signals. Publishes are
// fire-and-forget from the write pipeline's point of view; delivery
// guarantees come from the log, ordering from the routing key.
type Producer struct {
	mutating messageWriter
	mutated  messageWriter
	clock    func() time.Time
	logger   *zap.Logger
}

// NewProducer builds a Producer with one hash-balanced writer per topic.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errMissingBrokers
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Producer{
		mutating: newTopicWriter(cfg.Brokers, TopicMutating),
		mutated:  newTopicWriter(cfg.Brokers, TopicMutated),
		clock:    clock,
		logger:   logger,
	}, nil
}

func newTopicWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// PublishPreMutation announces that the write pipeline is about to mutate
// the record.
func (p *Producer) PublishPreMutation(ctx context.Context, tenantID, entity, id, userID string) error {
	event := Event{
		EventType: EventTypeMutating,
		TenantID:  tenantID,
		Entity:    entity,
		ID:        id,
		UserID:    userID,
		Timestamp: nowMillis(p.clock),
	}
	if err := p.publish(ctx, p.mutating, event); err != nil {
		return fmt.Errorf("lifecycle: publish pre-mutation: %w", err)
	}
	return nil
}

// PublishPostMutation announces that the mutation committed at the given
// version.
func (p *Producer) PublishPostMutation(ctx context.Context, tenantID, entity, id, userID string, version int64) error {
	event := Event{
		EventType: EventTypeMutated,
		TenantID:  tenantID,
		Entity:    entity,
		ID:        id,
		UserID:    userID,
		Timestamp: nowMillis(p.clock),
		Version:   version,
	}
	if err := p.publish(ctx, p.mutated, event); err != nil {
		return fmt.Errorf("lifecycle: publish post-mutation: %w", err)
	}
	return nil
}

func (p *Producer) publish(ctx context.Context, writer messageWriter, event Event) error {
	payload, err := event.Encode()
	if err != nil {
		return err
	}

	err = writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.RoutingKey()),
		Value: payload,
	})
	if err != nil {
		return err
	}

	p.logger.Debug("lifecycle event published",
		zap.String("event_type", event.EventType),
		zap.String("key", event.RoutingKey()))
	return nil
}

// Close flushes and closes the underlying writers.
func (p *Producer) Close() error {
	var firstErr error
	for _, writer := range []messageWriter{p.mutating, p.mutated} {
		if closer, ok := writer.(*kafka.Writer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
