package coordination

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := NewStore(StoreConfig{
		Client:       client,
		PresenceTTL:  60 * time.Second,
		FieldLockTTL: 120 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store, server
}

func TestNewStoreRequiresClient(t *testing.T) {
	if _, err := NewStore(StoreConfig{}); err == nil {
		t.Fatal("expected error for missing client")
	}
}

func TestSubscribeAddsMemberWithTTL(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()

	if err := store.Subscribe(ctx, "user-1", "tenant-a", "Order", "123"); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	if err := store.Subscribe(ctx, "user-2", "tenant-a", "Order", "123"); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	members, err := store.Members(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected members error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	server.FastForward(61 * time.Second)

	members, err = store.Members(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected members error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected presence set to expire, got %d members", len(members))
	}
}

func TestHeartbeatRefreshesSharedTTL(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()

	if err := store.Subscribe(ctx, "user-1", "tenant-a", "Order", "123"); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	if err := store.Subscribe(ctx, "user-2", "tenant-a", "Order", "123"); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	server.FastForward(50 * time.Second)

	// A beat from one member extends visibility for every member of the set.
	if err := store.Heartbeat(ctx, "user-1", "tenant-a", "Order", "123"); err != nil {
		t.Fatalf("unexpected heartbeat error: %v", err)
	}

	server.FastForward(50 * time.Second)

	members, err := store.Members(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected members error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected both members to survive, got %d", len(members))
	}
}

func TestHeartbeatResubscribesExpiredUser(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()

	if err := store.Subscribe(ctx, "user-1", "tenant-a", "Order", "123"); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	server.FastForward(61 * time.Second)

	if err := store.Heartbeat(ctx, "user-1", "tenant-a", "Order", "123"); err != nil {
		t.Fatalf("unexpected heartbeat error: %v", err)
	}

	members, err := store.Members(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected members error: %v", err)
	}
	if len(members) != 1 || members[0] != "user-1" {
		t.Fatalf("expected user-1 to be re-subscribed, got %v", members)
	}
}

func TestFieldLockMutualExclusion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	acquired, owner, err := store.AcquireFieldLock(ctx, "user-1", "tenant-a", "Order", "123", "amount")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if !acquired || owner != "user-1" {
		t.Fatalf("expected user-1 to acquire, got acquired=%v owner=%s", acquired, owner)
	}

	acquired, owner, err = store.AcquireFieldLock(ctx, "user-2", "tenant-a", "Order", "123", "amount")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if acquired {
		t.Fatal("expected second acquisition to be refused")
	}
	if owner != "user-1" {
		t.Fatalf("expected refusal to name owner user-1, got %s", owner)
	}

	// A different field on the same entity is independent.
	acquired, _, err = store.AcquireFieldLock(ctx, "user-2", "tenant-a", "Order", "123", "status")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if !acquired {
		t.Fatal("expected lock on a different field to succeed")
	}
}

func TestFieldLockConcurrentAcquisitionSingleWinner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const contenders = 8
	var wg sync.WaitGroup
	successes := make(chan string, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", n)
			acquired, _, err := store.AcquireFieldLock(ctx, userID, "tenant-a", "Order", "123", "amount")
			if err != nil {
				t.Errorf("unexpected acquire error: %v", err)
				return
			}
			if acquired {
				successes <- userID
			}
		}(i)
	}
	wg.Wait()
	close(successes)

	winners := make([]string, 0, 1)
	for userID := range successes {
		winners = append(winners, userID)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}

	owner, err := store.FieldLockOwner(ctx, "tenant-a", "Order", "123", "amount")
	if err != nil {
		t.Fatalf("unexpected owner error: %v", err)
	}
	if owner != winners[0] {
		t.Fatalf("expected owner %s, got %s", winners[0], owner)
	}
}

func TestReleaseFieldLockOwnershipGated(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, err := store.AcquireFieldLock(ctx, "user-1", "tenant-a", "Order", "123", "amount"); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}

	// Release by a non-owner never removes the lock.
	if err := store.ReleaseFieldLock(ctx, "user-2", "tenant-a", "Order", "123", "amount"); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	owner, err := store.FieldLockOwner(ctx, "tenant-a", "Order", "123", "amount")
	if err != nil {
		t.Fatalf("unexpected owner error: %v", err)
	}
	if owner != "user-1" {
		t.Fatalf("expected lock to survive foreign release, owner is %q", owner)
	}

	if err := store.ReleaseFieldLock(ctx, "user-1", "tenant-a", "Order", "123", "amount"); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	owner, err = store.FieldLockOwner(ctx, "tenant-a", "Order", "123", "amount")
	if err != nil {
		t.Fatalf("unexpected owner error: %v", err)
	}
	if owner != "" {
		t.Fatalf("expected lock to be released, owner is %q", owner)
	}

	// Releasing an absent lock is a benign no-op.
	if err := store.ReleaseFieldLock(ctx, "user-1", "tenant-a", "Order", "123", "amount"); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
}

func TestFieldLockExpiresAndRefreshes(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()

	if _, _, err := store.AcquireFieldLock(ctx, "user-1", "tenant-a", "Order", "123", "amount"); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}

	server.FastForward(100 * time.Second)

	// Refresh by the owner restarts the TTL window.
	if err := store.RefreshFieldLock(ctx, "user-1", "tenant-a", "Order", "123", "amount"); err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}

	server.FastForward(100 * time.Second)

	owner, err := store.FieldLockOwner(ctx, "tenant-a", "Order", "123", "amount")
	if err != nil {
		t.Fatalf("unexpected owner error: %v", err)
	}
	if owner != "user-1" {
		t.Fatalf("expected refreshed lock to survive, owner is %q", owner)
	}

	server.FastForward(121 * time.Second)

	owner, err = store.FieldLockOwner(ctx, "tenant-a", "Order", "123", "amount")
	if err != nil {
		t.Fatalf("unexpected owner error: %v", err)
	}
	if owner != "" {
		t.Fatalf("expected lock to expire, owner is %q", owner)
	}

	acquired, _, err := store.AcquireFieldLock(ctx, "user-2", "tenant-a", "Order", "123", "amount")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquisition to succeed after expiry")
	}
}

func TestStaleMarkerLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	stale, err := store.IsStale(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected stale error: %v", err)
	}
	if stale {
		t.Fatal("expected entity to start not stale")
	}

	if err := store.MarkStale(ctx, "tenant-a", "Order", "123", "user-9"); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}

	stale, err = store.IsStale(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected stale error: %v", err)
	}
	if !stale {
		t.Fatal("expected entity to be stale")
	}
	busyBy, err := store.BusyBy(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected busy error: %v", err)
	}
	if busyBy != "user-9" {
		t.Fatalf("expected busy user user-9, got %q", busyBy)
	}

	if err := store.ClearStale(ctx, "tenant-a", "Order", "123"); err != nil {
		t.Fatalf("unexpected clear error: %v", err)
	}

	stale, err = store.IsStale(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected stale error: %v", err)
	}
	if stale {
		t.Fatal("expected stale marker to be cleared")
	}
	busyBy, err = store.BusyBy(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected busy error: %v", err)
	}
	if busyBy != "" {
		t.Fatalf("expected busy user to be cleared, got %q", busyBy)
	}
}

func TestStaleMarkerSafetyTTL(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()

	if err := store.MarkStale(ctx, "tenant-a", "Order", "123", "user-9"); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}

	server.FastForward(5*time.Minute + time.Second)

	stale, err := store.IsStale(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected stale error: %v", err)
	}
	if stale {
		t.Fatal("expected stale marker to expire after the safety window")
	}
}

func TestVersionCounterMonotonic(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Version(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected version error: %v", err)
	}
	if ok {
		t.Fatal("expected no version before the first increment")
	}

	for i := int64(1); i <= 5; i++ {
		version, err := store.IncrementVersion(ctx, "tenant-a", "Order", "123")
		if err != nil {
			t.Fatalf("unexpected increment error: %v", err)
		}
		if version != i {
			t.Fatalf("expected version %d, got %d", i, version)
		}
	}

	version, ok, err := store.Version(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected version error: %v", err)
	}
	if !ok || version != 5 {
		t.Fatalf("expected stored version 5, got %d (present=%v)", version, ok)
	}
}

func TestSnapshotCombinesState(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Subscribe(ctx, "user-1", "tenant-a", "Order", "123"); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	if err := store.MarkStale(ctx, "tenant-a", "Order", "123", "user-9"); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if _, err := store.IncrementVersion(ctx, "tenant-a", "Order", "123"); err != nil {
		t.Fatalf("unexpected increment error: %v", err)
	}

	snapshot, err := store.Snapshot(ctx, "tenant-a", "Order", "123")
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	if len(snapshot.Users) != 1 || snapshot.Users[0] != "user-1" {
		t.Fatalf("unexpected users: %v", snapshot.Users)
	}
	if !snapshot.Stale {
		t.Fatal("expected snapshot to report stale")
	}
	if snapshot.BusyBy != "user-9" {
		t.Fatalf("expected busy user user-9, got %q", snapshot.BusyBy)
	}
	if snapshot.Version == nil || *snapshot.Version != 1 {
		t.Fatalf("unexpected version: %v", snapshot.Version)
	}
}

func TestAppliedOffsetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.LastAppliedOffset(ctx, "entities.lifecycle.mutated", 0)
	if err != nil {
		t.Fatalf("unexpected offset error: %v", err)
	}
	if ok {
		t.Fatal("expected no applied offset initially")
	}

	if err := store.SetLastAppliedOffset(ctx, "entities.lifecycle.mutated", 0, 42); err != nil {
		t.Fatalf("unexpected offset write error: %v", err)
	}

	offset, ok, err := store.LastAppliedOffset(ctx, "entities.lifecycle.mutated", 0)
	if err != nil {
		t.Fatalf("unexpected offset error: %v", err)
	}
	if !ok || offset != 42 {
		t.Fatalf("expected offset 42, got %d (present=%v)", offset, ok)
	}
}
