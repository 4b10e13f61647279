package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/relaypoint/presenced/internal/coordination"
)

func newTestApplier(t *testing.T) *coordination.Store {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := coordination.NewStore(coordination.StoreConfig{Client: client})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func newTestConsumer(t *testing.T, applier stateApplier, deadLetters deadLetterer) *Consumer {
	t.Helper()

	consumer, err := NewConsumer(ConsumerConfig{
		Applier:        applier,
		DeadLetters:    deadLetters,
		MutatingReader: &fakeReader{},
		MutatedReader:  &fakeReader{},
		BaseBackoff:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected consumer error: %v", err)
	}
	return consumer
}

type fakeReader struct{}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	return nil
}

func mustMessage(t *testing.T, event Event, partition int, offset int64) kafka.Message {
	t.Helper()
	payload, err := event.Encode()
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	return kafka.Message{
		Partition: partition,
		Offset:    offset,
		Key:       []byte(event.RoutingKey()),
		Value:     payload,
	}
}

func TestHandleMutatingSetsStaleMarker(t *testing.T) {
	applier := newTestApplier(t)
	consumer := newTestConsumer(t, applier, nil)
	ctx := context.Background()

	message := mustMessage(t, Event{
		EventType: EventTypeMutating,
		TenantID:  "tenant-a",
		Entity:    "Order",
		ID:        "123",
		UserID:    "user-9",
		Timestamp: 1700000000000,
	}, 0, 1)

	if err := consumer.Handle(ctx, TopicMutating, message); err != nil {
		t.Fatalf("unexpected handle error: %v", err)
	}

	stale, err := applier.IsStale(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected stale error: %v", err)
	}
	if !stale {
		t.Fatal("expected entity to be stale after MUTATING")
	}
	busyBy, err := applier.BusyBy(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected busy error: %v", err)
	}
	if busyBy != "user-9" {
		t.Fatalf("expected busy user user-9, got %q", busyBy)
	}
}

func TestHandleMutatedClearsStaleAndIncrementsVersion(t *testing.T) {
	applier := newTestApplier(t)
	consumer := newTestConsumer(t, applier, nil)
	ctx := context.Background()

	preMutation := mustMessage(t, Event{
		EventType: EventTypeMutating,
		TenantID:  "tenant-a",
		Entity:    "Order",
		ID:        "123",
		UserID:    "user-9",
	}, 0, 1)
	if err := consumer.Handle(ctx, TopicMutating, preMutation); err != nil {
		t.Fatalf("unexpected handle error: %v", err)
	}

	postMutation := mustMessage(t, Event{
		EventType: EventTypeMutated,
		TenantID:  "tenant-a",
		Entity:    "Order",
		ID:        "123",
		UserID:    "user-9",
		Version:   7,
	}, 0, 1)
	if err := consumer.Handle(ctx, TopicMutated, postMutation); err != nil {
		t.Fatalf("unexpected handle error: %v", err)
	}

	stale, err := applier.IsStale(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected stale error: %v", err)
	}
	if stale {
		t.Fatal("expected stale marker to clear after MUTATED")
	}

	version, ok, err := applier.Version(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected version error: %v", err)
	}
	if !ok || version != 1 {
		t.Fatalf("expected version 1, got %d (present=%v)", version, ok)
	}
}

func TestHandleSequentialMutationsProduceMonotonicVersions(t *testing.T) {
	applier := newTestApplier(t)
	consumer := newTestConsumer(t, applier, nil)
	ctx := context.Background()

	for offset := int64(1); offset <= 4; offset++ {
		message := mustMessage(t, Event{
			EventType: EventTypeMutated,
			TenantID:  "tenant-a",
			Entity:    "Order",
			ID:        "123",
			UserID:    "user-9",
		}, 0, offset)
		if err := consumer.Handle(ctx, TopicMutated, message); err != nil {
			t.Fatalf("unexpected handle error at offset %d: %v", offset, err)
		}
	}

	version, ok, err := applier.Version(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected version error: %v", err)
	}
	if !ok || version != 4 {
		t.Fatalf("expected version 4 after 4 events, got %d", version)
	}
}

func TestHandleSkipsRedeliveredOffset(t *testing.T) {
	applier := newTestApplier(t)
	consumer := newTestConsumer(t, applier, nil)
	ctx := context.Background()

	message := mustMessage(t, Event{
		EventType: EventTypeMutated,
		TenantID:  "tenant-a",
		Entity:    "Order",
		ID:        "123",
		UserID:    "user-9",
	}, 0, 5)

	if err := consumer.Handle(ctx, TopicMutated, message); err != nil {
		t.Fatalf("unexpected handle error: %v", err)
	}
	// Redelivery of the same offset after a crash must not double-apply.
	if err := consumer.Handle(ctx, TopicMutated, message); err != nil {
		t.Fatalf("unexpected handle error: %v", err)
	}

	version, _, err := applier.Version(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected version error: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected redelivery to be skipped, version is %d", version)
	}
}

type failingApplier struct {
	failures int
	calls    int
	inner    stateApplier
}

func (a *failingApplier) MarkStale(ctx context.Context, tenantID, entity, id, busyBy string) error {
	a.calls++
	if a.calls <= a.failures {
		return errors.New("injected store failure")
	}
	return a.inner.MarkStale(ctx, tenantID, entity, id, busyBy)
}

func (a *failingApplier) ClearStale(ctx context.Context, tenantID, entity, id string) error {
	return a.inner.ClearStale(ctx, tenantID, entity, id)
}

func (a *failingApplier) IncrementVersion(ctx context.Context, tenantID, entity, id string) (int64, error) {
	return a.inner.IncrementVersion(ctx, tenantID, entity, id)
}

func (a *failingApplier) LastAppliedOffset(ctx context.Context, topic string, partition int) (int64, bool, error) {
	return a.inner.LastAppliedOffset(ctx, topic, partition)
}

func (a *failingApplier) SetLastAppliedOffset(ctx context.Context, topic string, partition int, offset int64) error {
	return a.inner.SetLastAppliedOffset(ctx, topic, partition, offset)
}

type recordingDeadLetterer struct {
	captured []string
}

func (d *recordingDeadLetterer) Capture(ctx context.Context, topic string, partition int, offset int64, key, payload []byte, terminalErr error) error {
	d.captured = append(d.captured, topic)
	return nil
}

func TestHandleRetriesTransientFailure(t *testing.T) {
	applier := &failingApplier{failures: 2, inner: newTestApplier(t)}
	consumer := newTestConsumer(t, applier, nil)

	message := mustMessage(t, Event{
		EventType: EventTypeMutating,
		TenantID:  "tenant-a",
		Entity:    "Order",
		ID:        "123",
		UserID:    "user-9",
	}, 0, 1)

	if err := consumer.Handle(context.Background(), TopicMutating, message); err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if applier.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", applier.calls)
	}
}

func TestHandleExhaustedRetriesRouteToDeadLetter(t *testing.T) {
	applier := &failingApplier{failures: maxApplyAttempts + 1, inner: newTestApplier(t)}
	deadLetters := &recordingDeadLetterer{}
	consumer := newTestConsumer(t, applier, deadLetters)

	message := mustMessage(t, Event{
		EventType: EventTypeMutating,
		TenantID:  "tenant-a",
		Entity:    "Order",
		ID:        "123",
		UserID:    "user-9",
	}, 0, 1)

	if err := consumer.Handle(context.Background(), TopicMutating, message); err != nil {
		t.Fatalf("expected dead-lettered message to be handled, got %v", err)
	}
	if applier.calls != maxApplyAttempts {
		t.Fatalf("expected %d attempts, got %d", maxApplyAttempts, applier.calls)
	}
	if len(deadLetters.captured) != 1 || deadLetters.captured[0] != TopicMutating {
		t.Fatalf("expected one dead letter for %s, got %v", TopicMutating, deadLetters.captured)
	}
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	applier := newTestApplier(t)
	deadLetters := &recordingDeadLetterer{}
	consumer := newTestConsumer(t, applier, deadLetters)

	message := kafka.Message{Partition: 0, Offset: 1, Value: []byte("{not json")}
	if err := consumer.Handle(context.Background(), TopicMutating, message); err != nil {
		t.Fatalf("expected malformed payload to dead-letter, got %v", err)
	}
	if len(deadLetters.captured) != 1 {
		t.Fatalf("expected malformed payload in dead letters, got %d", len(deadLetters.captured))
	}
}

func TestBackoffDelayCapsAtMaximum(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 1, expected: time.Second},
		{attempt: 2, expected: 2 * time.Second},
		{attempt: 3, expected: 4 * time.Second},
		{attempt: 7, expected: maxBackoff},
		{attempt: 40, expected: maxBackoff},
	}

	for _, tt := range tests {
		if got := backoffDelay(time.Second, tt.attempt); got != tt.expected {
			t.Fatalf("attempt %d: expected %s, got %s", tt.attempt, tt.expected, got)
		}
	}
}
