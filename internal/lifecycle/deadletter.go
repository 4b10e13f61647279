package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDeadLetterDB = errors.New("lifecycle: database handle is required")
	// ErrDeadLetterNotFound indicates a replay request for an unknown record.
	ErrDeadLetterNotFound = errors.New("lifecycle: dead letter record not found")
)

// DeadLetterMessage is the persisted record of a message that exhausted its
// retries, kept for manual inspection and replay.
type DeadLetterMessage struct {
	ID            string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	OriginalTopic string    `gorm:"column:original_topic;size:190;not null;index:idx_dead_letters_topic" json:"originalTopic"`
	Partition     int       `gorm:"column:partition;not null" json:"partition"`
	Offset        int64     `gorm:"column:offset;not null" json:"offset"`
	MessageKey    string    `gorm:"column:message_key;size:190;not null" json:"messageKey"`
	Payload       string    `gorm:"column:payload;type:text;not null" json:"payload"`
	ErrorMessage  string    `gorm:"column:error_message;type:text;not null" json:"errorMessage"`
	ConsumerGroup string    `gorm:"column:consumer_group;size:190;not null" json:"consumerGroup"`
	CreatedAt     time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (DeadLetterMessage) TableName() string {
	return "dead_letter_messages"
}

// DeadLetterStoreConfig describes the dependencies for the dead-letter store.
type DeadLetterStoreConfig struct {
	Database *gorm.DB
	// Writer publishes to per-message topics: the dead-letter topic on
	// capture, the original topic on replay. Nil disables publishing and
	// keeps only the database record.
	Writer messageWriter
	Clock  func() time.Time
	Logger *zap.Logger
}

// DeadLetterStore persists exhausted messages and replays them back to
// their original topic.
type DeadLetterStore struct {
	db     *gorm.DB
	writer messageWriter
	clock  func() time.Time
	logger *zap.Logger
}

// NewDeadLetterStore validates the configuration and returns the store.
func NewDeadLetterStore(cfg DeadLetterStoreConfig) (*DeadLetterStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDeadLetterDB
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterStore{db: cfg.Database, writer: cfg.Writer, clock: clock, logger: logger}, nil
}

// NewDeadLetterWriter returns a kafka writer without a fixed topic, suitable
// for DeadLetterStoreConfig.Writer: each message names its own destination.
func NewDeadLetterWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// Capture stores the exhausted message and, when a writer is configured,
// forwards it to the topic's dead-letter counterpart.
func (s *DeadLetterStore) Capture(ctx context.Context, topic string, partition int, offset int64, key, payload []byte, terminalErr error) error {
	record := DeadLetterMessage{
		ID:            uuid.NewString(),
		OriginalTopic: topic,
		Partition:     partition,
		Offset:        offset,
		MessageKey:    string(key),
		Payload:       string(payload),
		ErrorMessage:  terminalErr.Error(),
		ConsumerGroup: consumerGroupID,
		CreatedAt:     s.clock().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("lifecycle: store dead letter: %w", err)
	}

	s.logger.Error("message dead-lettered",
		zap.String("topic", topic),
		zap.Int("partition", partition),
		zap.Int64("offset", offset),
		zap.String("key", record.MessageKey),
		zap.String("error", record.ErrorMessage),
		zap.String("dead_letter_id", record.ID))

	if s.writer == nil {
		return nil
	}
	err := s.writer.WriteMessages(ctx, kafka.Message{
		Topic: DeadLetterTopic(topic),
		Key:   key,
		Value: payload,
	})
	if err != nil {
		// The database record is the durable copy; a failed topic forward
		// is logged, not fatal.
		s.logger.Warn("dead letter topic publish failed", zap.Error(err))
	}
	return nil
}

// List returns the most recent dead-letter records, newest first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]DeadLetterMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []DeadLetterMessage
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list dead letters: %w", err)
	}
	return records, nil
}

// Replay re-publishes a stored message to its original topic and deletes
// the record. The message re-enters ordinary consumption; replay is not
// idempotent with respect to the version counter beyond the consumer's own
// offset dedup.
func (s *DeadLetterStore) Replay(ctx context.Context, id string) error {
	if s.writer == nil {
		return errors.New("lifecycle: replay requires a configured writer")
	}

	var record DeadLetterMessage
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrDeadLetterNotFound
	}
	if err != nil {
		return fmt.Errorf("lifecycle: load dead letter: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Topic: record.OriginalTopic,
		Key:   []byte(record.MessageKey),
		Value: []byte(record.Payload),
	})
	if err != nil {
		return fmt.Errorf("lifecycle: replay dead letter: %w", err)
	}

	if err := s.db.WithContext(ctx).Delete(&record).Error; err != nil {
		return fmt.Errorf("lifecycle: delete replayed dead letter: %w", err)
	}

	s.logger.Info("dead letter replayed",
		zap.String("dead_letter_id", record.ID),
		zap.String("topic", record.OriginalTopic))
	return nil
}
