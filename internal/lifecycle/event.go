// Package lifecycle connects the write pipeline to every presence-aware
// process instance through a partitioned, at-least-once event log. The
// producer announces a mutation before it starts and after it commits; the
// consumer group folds both signals into the coordination store so any
// process can answer "is this record busy, and at what version".
package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topic names. Routing by tenant:entity:id keeps the MUTATING/MUTATED pair
// for one record on one partition, which is what guarantees their order.
const (
	TopicMutating = "entities.lifecycle.mutating"
	TopicMutated  = "entities.lifecycle.mutated"

	// DeadLetterSuffix is appended to a topic name to form its dead-letter
	// counterpart.
	DeadLetterSuffix = ".dlt"
)

// Event types carried in the payload.
const (
	EventTypeMutating = "MUTATING"
	EventTypeMutated  = "MUTATED"
)

// Event is the lifecycle payload published around every mutation.
type Event struct {
	EventType string `json:"eventType"`
	TenantID  string `json:"tenantId"`
	Entity    string `json:"entity"`
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
	Version   int64  `json:"version,omitempty"`
}

// RoutingKey returns the partition key for the event's record.
func (e Event) RoutingKey() string {
	return fmt.Sprintf("%s:%s:%s", e.TenantID, e.Entity, e.ID)
}

// Encode serializes the event payload.
func (e Event) Encode() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: encode event: %w", err)
	}
	return payload, nil
}

// DecodeEvent parses a lifecycle payload.
func DecodeEvent(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("lifecycle: decode event: %w", err)
	}
	if event.TenantID == "" || event.Entity == "" || event.ID == "" {
		return Event{}, fmt.Errorf("lifecycle: event missing record coordinates")
	}
	return event, nil
}

// DeadLetterTopic returns the dead-letter topic for the given topic.
func DeadLetterTopic(topic string) string {
	return topic + DeadLetterSuffix
}

func nowMillis(clock func() time.Time) int64 {
	return clock().UTC().UnixMilli()
}
