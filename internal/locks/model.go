package locks

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LockKindSoft is the only lock kind currently issued: an advisory claim
// that a different user may take over once it expires.
const LockKindSoft = "soft"

const maxIdentifierLength = 190

var (
	// ErrInvalidTenantID indicates an empty or oversized tenant identifier.
	ErrInvalidTenantID = errors.New("locks: invalid tenant id")
	// ErrInvalidEntityType indicates an empty or oversized entity type.
	ErrInvalidEntityType = errors.New("locks: invalid entity type")
	// ErrInvalidEntityID indicates an empty or oversized entity identifier.
	ErrInvalidEntityID = errors.New("locks: invalid entity id")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("locks: invalid user id")
	// ErrInvalidTTL indicates a non-positive lock lifetime.
	ErrInvalidTTL = errors.New("locks: invalid ttl")
)

// EditLock is the persisted advisory claim on a whole record. At most one
// row may exist per (tenant, entity type, entity id); the composite unique
// index enforces it.
type EditLock struct {
	ID         uint      `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	TenantID   string    `gorm:"column:tenant_id;size:190;not null;uniqueIndex:idx_edit_locks_scope,priority:1" json:"tenantId"`
	EntityType string    `gorm:"column:entity_type;size:190;not null;uniqueIndex:idx_edit_locks_scope,priority:2" json:"entityType"`
	EntityID   string    `gorm:"column:entity_id;size:190;not null;uniqueIndex:idx_edit_locks_scope,priority:3" json:"entityId"`
	UserID     string    `gorm:"column:user_id;size:190;not null" json:"userId"`
	LockKind   string    `gorm:"column:lock_kind;size:32;not null;default:'soft'" json:"lockKind"`
	AcquiredAt time.Time `gorm:"column:acquired_at;not null" json:"acquiredAt"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null;index:idx_edit_locks_expiry" json:"expiresAt"`
}

// TableName provides the explicit table binding for GORM.
func (EditLock) TableName() string {
	return "edit_locks"
}

// Expired reports whether the claim has lapsed at the given instant.
func (l EditLock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// ConflictError is returned when a lock operation collides with an unexpired
// claim held by a different user. It carries the existing record so callers
// can surface the current owner.
type ConflictError struct {
	Existing EditLock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("locks: entity locked by %s until %s", e.Existing.UserID, e.Existing.ExpiresAt.UTC().Format(time.RFC3339))
}

// LockScope is a validated (tenant, entity type, entity id) triple.
type LockScope struct {
	TenantID   string
	EntityType string
	EntityID   string
}

// NewLockScope validates the raw identifiers and returns a LockScope.
func NewLockScope(tenantID, entityType, entityID string) (LockScope, error) {
	tenant := strings.TrimSpace(tenantID)
	if tenant == "" || len(tenant) > maxIdentifierLength {
		return LockScope{}, fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}
	kind := strings.TrimSpace(entityType)
	if kind == "" || len(kind) > maxIdentifierLength {
		return LockScope{}, fmt.Errorf("%w: %q", ErrInvalidEntityType, entityType)
	}
	id := strings.TrimSpace(entityID)
	if id == "" || len(id) > maxIdentifierLength {
		return LockScope{}, fmt.Errorf("%w: %q", ErrInvalidEntityID, entityID)
	}
	return LockScope{TenantID: tenant, EntityType: kind, EntityID: id}, nil
}
