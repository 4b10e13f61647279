// Package locks implements the durable, advisory record-level edit claims.
// A claim survives process restarts, is renewed by its owner, can be taken
// over after expiry, and is reclaimed by a periodic sweep when abandoned.
package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("locks: database handle is required")

// ServiceConfig describes the dependencies for the lock service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service coordinates durable edit locks through the relational store.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// AcquireOrRenew takes, renews or takes over the lock for the scope.
//
// No existing row: a new claim owned by userID is created. An expired row:
// ownership transfers to userID. An unexpired row owned by userID: the
// expiry is extended. An unexpired row owned by somebody else: a
// ConflictError carrying the existing claim.
func (s *Service) AcquireOrRenew(ctx context.Context, scope LockScope, userID string, ttl time.Duration) (EditLock, error) {
	owner := strings.TrimSpace(userID)
	if owner == "" || len(owner) > maxIdentifierLength {
		return EditLock{}, fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	if ttl <= 0 {
		return EditLock{}, fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}

	var acquired EditLock
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC()

		var existing EditLock
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", scope.TenantID, scope.EntityType, scope.EntityID).
			Take(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			acquired = EditLock{
				TenantID:   scope.TenantID,
				EntityType: scope.EntityType,
				EntityID:   scope.EntityID,
				UserID:     owner,
				LockKind:   LockKindSoft,
				AcquiredAt: now,
				ExpiresAt:  now.Add(ttl),
			}
			if err := tx.Create(&acquired).Error; err != nil {
				return fmt.Errorf("locks: create lock: %w", err)
			}
			s.logger.Info("lock acquired",
				zap.String("tenant_id", scope.TenantID),
				zap.String("entity_type", scope.EntityType),
				zap.String("entity_id", scope.EntityID),
				zap.String("user_id", owner))
			return nil
		}
		if err != nil {
			return fmt.Errorf("locks: load lock: %w", err)
		}

		if existing.Expired(now) {
			existing.UserID = owner
			existing.AcquiredAt = now
			existing.ExpiresAt = now.Add(ttl)
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("locks: take over lock: %w", err)
			}
			s.logger.Info("expired lock taken over",
				zap.String("tenant_id", scope.TenantID),
				zap.String("entity_type", scope.EntityType),
				zap.String("entity_id", scope.EntityID),
				zap.String("user_id", owner))
			acquired = existing
			return nil
		}

		if existing.UserID == owner {
			existing.ExpiresAt = now.Add(ttl)
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("locks: renew lock: %w", err)
			}
			s.logger.Debug("lock renewed",
				zap.String("tenant_id", scope.TenantID),
				zap.String("entity_type", scope.EntityType),
				zap.String("entity_id", scope.EntityID),
				zap.String("user_id", owner))
			acquired = existing
			return nil
		}

		return &ConflictError{Existing: existing}
	})
	if txErr != nil {
		return EditLock{}, txErr
	}
	return acquired, nil
}

// Release deletes the claim for the scope. Only the owner, or a caller with
// admin rights, may release; anyone else gets a ConflictError. Releasing a
// scope with no claim returns false without an error.
func (s *Service) Release(ctx context.Context, scope LockScope, userID string, isAdmin bool) (bool, error) {
	released := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing EditLock
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", scope.TenantID, scope.EntityType, scope.EntityID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("locks: load lock: %w", err)
		}

		if existing.UserID != userID && !isAdmin {
			return &ConflictError{Existing: existing}
		}

		if err := tx.Delete(&existing).Error; err != nil {
			return fmt.Errorf("locks: delete lock: %w", err)
		}
		released = true
		s.logger.Info("lock released",
			zap.String("tenant_id", scope.TenantID),
			zap.String("entity_type", scope.EntityType),
			zap.String("entity_id", scope.EntityID),
			zap.String("user_id", userID),
			zap.Bool("admin", isAdmin))
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return released, nil
}

// Status returns the active claim for the scope, or nil when no unexpired
// claim exists. An expired row still present in the table is reported as
// absent; the sweep removes it later.
func (s *Service) Status(ctx context.Context, scope LockScope) (*EditLock, error) {
	var existing EditLock
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", scope.TenantID, scope.EntityType, scope.EntityID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locks: load lock: %w", err)
	}
	if existing.Expired(s.clock().UTC()) {
		return nil, nil
	}
	return &existing, nil
}

// SweepExpired deletes every claim past its expiry and returns the number
// of rows removed. Safe to run concurrently from multiple processes.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", s.clock().UTC()).
		Delete(&EditLock{})
	if result.Error != nil {
		return 0, fmt.Errorf("locks: sweep expired: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("expired locks swept", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// RunSweeper blocks, running SweepExpired on the interval until the context
// is cancelled. This is the only path that reclaims locks abandoned without
// an explicit release or a later acquire attempt.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("lock sweep failed", zap.Error(err))
			}
		}
	}
}
