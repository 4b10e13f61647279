// Package coordination implements the shared ephemeral state that every
// process instance reads and writes through Redis: live-viewer sets,
// field-level edit locks, the stale/busy marker set by the lifecycle
// consumer, and the soft version counter. Every operation is a single
// round-trip built on an atomic Redis primitive, so correctness never
// depends on in-process coordination.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultPresenceTTL  = 60 * time.Second
	defaultFieldLockTTL = 120 * time.Second

	// staleTTL bounds how long a stuck write pipeline can keep an entity
	// marked busy when the MUTATED event never arrives.
	staleTTL = 5 * time.Minute

	// versionTTL keeps the soft counter around long enough for clients to
	// compare versions across a working day. The persistence layer owns the
	// real revision.
	versionTTL = 24 * time.Hour
)

var errMissingClient = errors.New("coordination: redis client is required")

// StoreConfig describes the dependencies and tunables for the Store.
type StoreConfig struct {
	Client       *redis.Client
	PresenceTTL  time.Duration
	FieldLockTTL time.Duration
	Logger       *zap.Logger
}

// Store exposes presence, field-lock, stale-marker and version operations
// over a shared Redis backend.
type Store struct {
	client       *redis.Client
	presenceTTL  time.Duration
	fieldLockTTL time.Duration
	logger       *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}

	presenceTTL := cfg.PresenceTTL
	if presenceTTL <= 0 {
		presenceTTL = defaultPresenceTTL
	}
	fieldLockTTL := cfg.FieldLockTTL
	if fieldLockTTL <= 0 {
		fieldLockTTL = defaultFieldLockTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		client:       cfg.Client,
		presenceTTL:  presenceTTL,
		fieldLockTTL: fieldLockTTL,
		logger:       logger,
	}, nil
}

// Open connects to Redis at the given URL and returns a Store backed by it.
func Open(cfg StoreConfig, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("coordination: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("coordination: connect to redis: %w", err)
	}

	cfg.Client = client
	return NewStore(cfg)
}

// Subscribe adds the user to the entity's presence set and refreshes the
// set's sliding TTL.
func (s *Store) Subscribe(ctx context.Context, userID, tenantID, entity, id string) error {
	key := usersKey(tenantID, entity, id)
	if err := s.client.SAdd(ctx, key, userID).Err(); err != nil {
		return fmt.Errorf("coordination: subscribe: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.presenceTTL).Err(); err != nil {
		return fmt.Errorf("coordination: refresh presence ttl: %w", err)
	}

	s.logger.Debug("user subscribed",
		zap.String("user_id", userID),
		zap.String("tenant_id", tenantID),
		zap.String("entity", entity),
		zap.String("entity_id", id))
	return nil
}

// Unsubscribe removes the user from the entity's presence set.
func (s *Store) Unsubscribe(ctx context.Context, userID, tenantID, entity, id string) error {
	key := usersKey(tenantID, entity, id)
	if err := s.client.SRem(ctx, key, userID).Err(); err != nil {
		return fmt.Errorf("coordination: unsubscribe: %w", err)
	}

	s.logger.Debug("user unsubscribed",
		zap.String("user_id", userID),
		zap.String("tenant_id", tenantID),
		zap.String("entity", entity),
		zap.String("entity_id", id))
	return nil
}

// Heartbeat refreshes the presence set's TTL for a subscribed user. A
// heartbeat from a user that is no longer a member re-subscribes them, which
// covers the window where the whole set expired between beats.
func (s *Store) Heartbeat(ctx context.Context, userID, tenantID, entity, id string) error {
	key := usersKey(tenantID, entity, id)

	isMember, err := s.client.SIsMember(ctx, key, userID).Result()
	if err != nil {
		return fmt.Errorf("coordination: heartbeat membership check: %w", err)
	}
	if !isMember {
		s.logger.Warn("heartbeat from unsubscribed user, re-subscribing",
			zap.String("user_id", userID),
			zap.String("entity", entity),
			zap.String("entity_id", id))
		return s.Subscribe(ctx, userID, tenantID, entity, id)
	}

	if err := s.client.Expire(ctx, key, s.presenceTTL).Err(); err != nil {
		return fmt.Errorf("coordination: refresh presence ttl: %w", err)
	}
	return nil
}

// Members returns every user currently subscribed to the entity.
func (s *Store) Members(ctx context.Context, tenantID, entity, id string) ([]string, error) {
	members, err := s.client.SMembers(ctx, usersKey(tenantID, entity, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("coordination: presence members: %w", err)
	}
	return members, nil
}

// AcquireFieldLock attempts to take the exclusive field lock via SET NX. It
// returns true when the caller now owns the lock; on refusal it returns
// false together with the current owner.
func (s *Store) AcquireFieldLock(ctx context.Context, userID, tenantID, entity, id, field string) (bool, string, error) {
	key := fieldLockKey(tenantID, entity, id, field)

	acquired, err := s.client.SetNX(ctx, key, userID, s.fieldLockTTL).Result()
	if err != nil {
		return false, "", fmt.Errorf("coordination: acquire field lock: %w", err)
	}
	if acquired {
		s.logger.Info("field lock acquired",
			zap.String("user_id", userID),
			zap.String("field", field),
			zap.String("entity", entity),
			zap.String("entity_id", id))
		return true, userID, nil
	}

	owner, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Lock expired between SET NX and GET; the caller retries.
		owner = ""
	} else if err != nil {
		return false, "", fmt.Errorf("coordination: read field lock owner: %w", err)
	}

	s.logger.Warn("field lock refused",
		zap.String("user_id", userID),
		zap.String("field", field),
		zap.String("owner", owner))
	return false, owner, nil
}

// ReleaseFieldLock deletes the field lock if the caller owns it. Releasing a
// lock that does not exist, or one owned by somebody else, is a no-op; a
// foreign lock is never removed.
func (s *Store) ReleaseFieldLock(ctx context.Context, userID, tenantID, entity, id, field string) error {
	key := fieldLockKey(tenantID, entity, id, field)

	owner, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("coordination: read field lock owner: %w", err)
	}

	if owner != userID {
		s.logger.Warn("field lock release denied",
			zap.String("user_id", userID),
			zap.String("owner", owner),
			zap.String("field", field))
		return nil
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("coordination: release field lock: %w", err)
	}

	s.logger.Info("field lock released",
		zap.String("user_id", userID),
		zap.String("field", field),
		zap.String("entity", entity),
		zap.String("entity_id", id))
	return nil
}

// RefreshFieldLock extends the TTL of a field lock held by the caller.
// Refreshing somebody else's lock is a no-op.
func (s *Store) RefreshFieldLock(ctx context.Context, userID, tenantID, entity, id, field string) error {
	key := fieldLockKey(tenantID, entity, id, field)

	owner, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("coordination: read field lock owner: %w", err)
	}
	if owner != userID {
		return nil
	}

	if err := s.client.Expire(ctx, key, s.fieldLockTTL).Err(); err != nil {
		return fmt.Errorf("coordination: refresh field lock: %w", err)
	}
	return nil
}

// FieldLockOwner returns the current owner of the field lock, or empty when
// the field is unlocked.
func (s *Store) FieldLockOwner(ctx context.Context, tenantID, entity, id, field string) (string, error) {
	owner, err := s.client.Get(ctx, fieldLockKey(tenantID, entity, id, field)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("coordination: field lock owner: %w", err)
	}
	return owner, nil
}

// MarkStale flags the entity as mid-mutation and records the mutating user.
// Both keys carry the safety-net TTL so a lost MUTATED event cannot wedge an
// entity in the busy state forever.
func (s *Store) MarkStale(ctx context.Context, tenantID, entity, id, busyBy string) error {
	if err := s.client.Set(ctx, staleKey(tenantID, entity, id), "true", staleTTL).Err(); err != nil {
		return fmt.Errorf("coordination: mark stale: %w", err)
	}
	if busyBy != "" {
		if err := s.client.Set(ctx, busyByKey(tenantID, entity, id), busyBy, staleTTL).Err(); err != nil {
			return fmt.Errorf("coordination: record busy user: %w", err)
		}
	}

	s.logger.Info("entity marked stale",
		zap.String("entity", entity),
		zap.String("entity_id", id),
		zap.String("busy_by", busyBy))
	return nil
}

// ClearStale removes the stale marker and the busy-user record.
func (s *Store) ClearStale(ctx context.Context, tenantID, entity, id string) error {
	if err := s.client.Del(ctx, staleKey(tenantID, entity, id), busyByKey(tenantID, entity, id)).Err(); err != nil {
		return fmt.Errorf("coordination: clear stale: %w", err)
	}

	s.logger.Info("entity stale cleared",
		zap.String("entity", entity),
		zap.String("entity_id", id))
	return nil
}

// IsStale reports whether the entity is currently flagged as mid-mutation.
func (s *Store) IsStale(ctx context.Context, tenantID, entity, id string) (bool, error) {
	value, err := s.client.Get(ctx, staleKey(tenantID, entity, id)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("coordination: stale check: %w", err)
	}
	return value == "true", nil
}

// BusyBy returns the user currently mutating the entity, or empty when the
// entity is not busy.
func (s *Store) BusyBy(ctx context.Context, tenantID, entity, id string) (string, error) {
	value, err := s.client.Get(ctx, busyByKey(tenantID, entity, id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("coordination: busy user: %w", err)
	}
	return value, nil
}

// IncrementVersion bumps the entity's soft version counter and renews its
// retention window.
func (s *Store) IncrementVersion(ctx context.Context, tenantID, entity, id string) (int64, error) {
	key := versionKey(tenantID, entity, id)

	version, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("coordination: increment version: %w", err)
	}
	if err := s.client.Expire(ctx, key, versionTTL).Err(); err != nil {
		return 0, fmt.Errorf("coordination: refresh version ttl: %w", err)
	}

	s.logger.Info("entity version incremented",
		zap.String("entity", entity),
		zap.String("entity_id", id),
		zap.Int64("version", version))
	return version, nil
}

// Version returns the entity's soft version counter. The second return value
// is false when no counter exists.
func (s *Store) Version(ctx context.Context, tenantID, entity, id string) (int64, bool, error) {
	value, err := s.client.Get(ctx, versionKey(tenantID, entity, id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("coordination: read version: %w", err)
	}

	version, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("coordination: parse version: %w", err)
	}
	return version, true, nil
}

// Snapshot captures the full coordination state for an entity in the shape
// the gateways report to clients.
type Snapshot struct {
	Users   []string
	Stale   bool
	BusyBy  string
	Version *int64
}

// Snapshot reads presence, stale marker, busy user and version in one call.
func (s *Store) Snapshot(ctx context.Context, tenantID, entity, id string) (Snapshot, error) {
	users, err := s.Members(ctx, tenantID, entity, id)
	if err != nil {
		return Snapshot{}, err
	}
	stale, err := s.IsStale(ctx, tenantID, entity, id)
	if err != nil {
		return Snapshot{}, err
	}
	busyBy, err := s.BusyBy(ctx, tenantID, entity, id)
	if err != nil {
		return Snapshot{}, err
	}
	version, ok, err := s.Version(ctx, tenantID, entity, id)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{Users: users, Stale: stale, BusyBy: busyBy}
	if ok {
		snapshot.Version = &version
	}
	return snapshot, nil
}

// LastAppliedOffset returns the highest log offset already applied for a
// topic partition. The second return value is false when nothing has been
// applied yet.
func (s *Store) LastAppliedOffset(ctx context.Context, topic string, partition int) (int64, bool, error) {
	value, err := s.client.Get(ctx, appliedOffsetKey(topic, partition)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("coordination: read applied offset: %w", err)
	}

	offset, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("coordination: parse applied offset: %w", err)
	}
	return offset, true, nil
}

// SetLastAppliedOffset records the log offset whose effects are now visible
// in the store, so a redelivered message can be detected and skipped.
func (s *Store) SetLastAppliedOffset(ctx context.Context, topic string, partition int, offset int64) error {
	if err := s.client.Set(ctx, appliedOffsetKey(topic, partition), offset, versionTTL).Err(); err != nil {
		return fmt.Errorf("coordination: record applied offset: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
