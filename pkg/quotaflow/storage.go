package quotaflow

import (
	"context"
	"time"
)

// Storage defines the persistence contract for the engine. Implementations
// must make TryIncrement and the override transitions for the same
// (business, dimension) key linearizable with respect to each other; different
// keys must never block each other.
type Storage interface {
	// GetBusiness retrieves a business by identifier.
	// Returns ErrBusinessNotFound for unknown identifiers.
	GetBusiness(ctx context.Context, businessID string) (*Business, error)

	// PutBusiness creates or replaces a business record.
	PutBusiness(ctx context.Context, b *Business) error

	// ListBusinesses returns all known businesses in unspecified order.
	ListBusinesses(ctx context.Context) ([]*Business, error)

	// SetSuspended sets the external suspension flag for a business.
	SetSuspended(ctx context.Context, businessID string, suspended bool) error

	// TouchActivity updates the business's last-activity timestamp.
	TouchActivity(ctx context.Context, businessID string, at time.Time) error

	// GetUsage retrieves usage for a specific period.
	// Returns nil, nil when no usage has been recorded for that period.
	GetUsage(ctx context.Context, businessID string, dim Dimension, period Period) (*Usage, error)

	// TryIncrement atomically checks current usage plus the amount against the
	// supplied limit and commits the increment only when it fits. When denied,
	// the counter is left unchanged. This is the concurrency-critical
	// operation: check and commit must be a single linearizable step.
	TryIncrement(ctx context.Context, req *IncrementRequest) (*IncrementResult, error)

	// GetOverride retrieves an override by identifier.
	// Returns ErrOverrideNotFound for unknown identifiers.
	GetOverride(ctx context.Context, overrideID string) (*Override, error)

	// ActiveOverride returns the override currently stored as active for the
	// key, or nil, nil when there is none. Expiry is the engine's concern:
	// the record returned here may already be past its expiration.
	ActiveOverride(ctx context.Context, businessID string, dim Dimension) (*Override, error)

	// CreateOverride inserts the override as active and, in the same atomic
	// step, transitions any prior active override for the same key to revoked.
	CreateOverride(ctx context.Context, o *Override) error

	// RevokeOverride marks an active override revoked.
	// Returns ErrOverrideNotActive when the override exists but is not active,
	// ErrOverrideNotFound when it does not exist.
	RevokeOverride(ctx context.Context, overrideID, revokedBy string, at time.Time) error

	// MarkOverrideExpired transitions an active override to expired. Called by
	// the engine on a lazy read that observes a past expiration; losing a race
	// with a concurrent transition is not an error.
	MarkOverrideExpired(ctx context.Context, overrideID string, at time.Time) error

	// ListOverrides returns all overrides for a business, newest first.
	ListOverrides(ctx context.Context, businessID string) ([]*Override, error)

	// InsertViolation stores a new violation record.
	InsertViolation(ctx context.Context, v *Violation) error

	// GetViolation retrieves a violation by identifier.
	// Returns ErrViolationNotFound for unknown identifiers.
	GetViolation(ctx context.Context, violationID string) (*Violation, error)

	// ResolveViolation stamps a resolution note and time on a violation.
	// Resolution does not reverse the denial.
	ResolveViolation(ctx context.Context, violationID, note string, at time.Time) error

	// ListViolations returns all violations for a business, newest first.
	ListViolations(ctx context.Context, businessID string) ([]*Violation, error)
}

// IncrementRequest is the input to Storage.TryIncrement.
type IncrementRequest struct {
	BusinessID string
	Dimension  Dimension
	Amount     int64
	Limit      int64
	Period     Period
	Now        time.Time
}

// IncrementResult is the outcome of Storage.TryIncrement.
type IncrementResult struct {
	// NewUsed is the usage after the operation. When the increment was denied
	// it equals the usage before the attempt.
	NewUsed int64

	// Allowed indicates whether the increment was committed.
	Allowed bool
}

// AuditLogEntry records a single administrative or quota-changing action.
type AuditLogEntry struct {
	ID         string
	BusinessID string
	Dimension  Dimension
	Action     string
	Amount     int64
	Actor      string
	Reason     string
	Timestamp  time.Time
}

// AuditLogger is optionally implemented by storage backends to persist an
// audit trail of override and suspension changes. The engine logs entries
// best-effort; audit failures never fail the underlying operation.
type AuditLogger interface {
	LogAuditEntry(ctx context.Context, entry *AuditLogEntry) error

	// GetAuditLogs returns entries for a business, newest first.
	GetAuditLogs(ctx context.Context, businessID string, limit int) ([]*AuditLogEntry, error)
}
