// Package postgres provides a PostgreSQL implementation of the
// quotaflow.Storage interface. The ledger check-and-increment runs inside a
// transaction with SELECT FOR UPDATE, and the single-active-override
// invariant is backed by a partial unique index on (business_id, dimension)
// WHERE status = 'active'.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quotaflow/quotaflow/pkg/quotaflow"
)

// Storage implements quotaflow.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// MaxRetries bounds retries on serialization and unique-constraint
	// conflicts (default: 5). Exhausting it surfaces
	// quotaflow.ErrRetryExhausted.
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		MaxRetries:      5,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 5
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// EnsureSchema creates the required tables and indexes if they do not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS businesses (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			org_number    TEXT NOT NULL,
			tier          SMALLINT NOT NULL,
			suspended     BOOLEAN NOT NULL DEFAULT FALSE,
			last_activity TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
		)`,
		`CREATE TABLE IF NOT EXISTS quota_usage (
			business_id TEXT NOT NULL,
			dimension   TEXT NOT NULL,
			period_key  TEXT NOT NULL,
			used        BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (business_id, dimension, period_key)
		)`,
		`CREATE TABLE IF NOT EXISTS limit_overrides (
			id             TEXT PRIMARY KEY,
			business_id    TEXT NOT NULL,
			dimension      TEXT NOT NULL,
			original_limit BIGINT NOT NULL,
			new_limit      BIGINT NOT NULL,
			reason         TEXT NOT NULL,
			requested_by   TEXT NOT NULL DEFAULT '',
			approved_by    TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			expires_at     TIMESTAMPTZ,
			status         TEXT NOT NULL,
			emergency      BOOLEAN NOT NULL DEFAULT FALSE,
			note           TEXT NOT NULL DEFAULT '',
			revoked_by     TEXT NOT NULL DEFAULT '',
			revoked_at     TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS limit_overrides_single_active
			ON limit_overrides (business_id, dimension)
			WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS limit_overrides_business
			ON limit_overrides (business_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS quota_violations (
			id              TEXT PRIMARY KEY,
			business_id     TEXT NOT NULL,
			dimension       TEXT NOT NULL,
			limit_amount    BIGINT NOT NULL,
			attempted       BIGINT NOT NULL,
			exceedance      BIGINT NOT NULL,
			occurred_at     TIMESTAMPTZ NOT NULL,
			severity        TEXT NOT NULL,
			resolution_note TEXT NOT NULL DEFAULT '',
			resolved_at     TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS quota_violations_business
			ON quota_violations (business_id, occurred_at DESC)`,
		`CREATE TABLE IF NOT EXISTS quota_audit_log (
			id          TEXT PRIMARY KEY,
			business_id TEXT NOT NULL,
			dimension   TEXT NOT NULL DEFAULT '',
			action      TEXT NOT NULL,
			amount      BIGINT NOT NULL DEFAULT 0,
			actor       TEXT NOT NULL DEFAULT '',
			reason      TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS quota_audit_log_business
			ON quota_audit_log (business_id, created_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *Storage) Close() {
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetBusiness implements quotaflow.Storage.
func (s *Storage) GetBusiness(ctx context.Context, businessID string) (*quotaflow.Business, error) {
	var b quotaflow.Business
	var tier int16
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, org_number, tier, suspended, last_activity
			FROM businesses WHERE id = $1`,
		businessID).Scan(&b.ID, &b.Name, &b.OrgNumber, &tier, &b.Suspended, &b.LastActivity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, quotaflow.ErrBusinessNotFound
		}
		return nil, fmt.Errorf("failed to get business: %w", err)
	}
	b.Tier = quotaflow.Tier(tier)
	return &b, nil
}

// PutBusiness implements quotaflow.Storage.
func (s *Storage) PutBusiness(ctx context.Context, b *quotaflow.Business) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("invalid business")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO businesses (id, name, org_number, tier, suspended, last_activity)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				org_number = EXCLUDED.org_number,
				tier = EXCLUDED.tier,
				suspended = EXCLUDED.suspended,
				last_activity = EXCLUDED.last_activity`,
		b.ID, b.Name, b.OrgNumber, int16(b.Tier), b.Suspended, b.LastActivity)
	if err != nil {
		return fmt.Errorf("failed to store business: %w", err)
	}
	return nil
}

// ListBusinesses implements quotaflow.Storage.
func (s *Storage) ListBusinesses(ctx context.Context) ([]*quotaflow.Business, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, org_number, tier, suspended, last_activity FROM businesses`)
	if err != nil {
		return nil, fmt.Errorf("failed to list businesses: %w", err)
	}
	defer rows.Close()

	var out []*quotaflow.Business
	for rows.Next() {
		var b quotaflow.Business
		var tier int16
		if err := rows.Scan(&b.ID, &b.Name, &b.OrgNumber, &tier, &b.Suspended, &b.LastActivity); err != nil {
			return nil, fmt.Errorf("failed to scan business: %w", err)
		}
		b.Tier = quotaflow.Tier(tier)
		out = append(out, &b)
	}
	return out, rows.Err()
}

// SetSuspended implements quotaflow.Storage.
func (s *Storage) SetSuspended(ctx context.Context, businessID string, suspended bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE businesses SET suspended = $1 WHERE id = $2`, suspended, businessID)
	if err != nil {
		return fmt.Errorf("failed to set suspension: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return quotaflow.ErrBusinessNotFound
	}
	return nil
}

// TouchActivity implements quotaflow.Storage.
func (s *Storage) TouchActivity(ctx context.Context, businessID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE businesses SET last_activity = GREATEST(last_activity, $1) WHERE id = $2`,
		at, businessID)
	if err != nil {
		return fmt.Errorf("failed to touch activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return quotaflow.ErrBusinessNotFound
	}
	return nil
}

// GetUsage implements quotaflow.Storage. Rows for past periods stay in the
// table but are never consulted: the period key in the query changes at the
// boundary, which is what makes rollover lazy.
func (s *Storage) GetUsage(ctx context.Context, businessID string, dim quotaflow.Dimension, period quotaflow.Period) (*quotaflow.Usage, error) {
	usage := &quotaflow.Usage{BusinessID: businessID, Dimension: dim, Period: period}
	err := s.pool.QueryRow(ctx,
		`SELECT used, updated_at FROM quota_usage
			WHERE business_id = $1 AND dimension = $2 AND period_key = $3`,
		businessID, dim, period.Key()).Scan(&usage.Used, &usage.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return usage, nil
}

// TryIncrement implements quotaflow.Storage. The row is upserted first so the
// subsequent SELECT FOR UPDATE always finds it; the check and the update then
// run under the row lock, so no interleaving can overshoot the limit.
func (s *Storage) TryIncrement(ctx context.Context, req *quotaflow.IncrementRequest) (*quotaflow.IncrementResult, error) {
	if req.Amount < 0 {
		return nil, quotaflow.ErrInvalidAmount
	}

	var res *quotaflow.IncrementResult
	err := s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		_, err = tx.Exec(ctx,
			`INSERT INTO quota_usage (business_id, dimension, period_key, used, updated_at)
				VALUES ($1, $2, $3, 0, $4)
				ON CONFLICT (business_id, dimension, period_key) DO NOTHING`,
			req.BusinessID, req.Dimension, req.Period.Key(), req.Now)
		if err != nil {
			return fmt.Errorf("failed to ensure usage row: %w", err)
		}

		var used int64
		err = tx.QueryRow(ctx,
			`SELECT used FROM quota_usage
				WHERE business_id = $1 AND dimension = $2 AND period_key = $3
				FOR UPDATE`,
			req.BusinessID, req.Dimension, req.Period.Key()).Scan(&used)
		if err != nil {
			return fmt.Errorf("failed to lock usage row: %w", err)
		}

		newUsed := used + req.Amount
		if newUsed > req.Limit {
			res = &quotaflow.IncrementResult{NewUsed: used, Allowed: false}
			return tx.Commit(ctx)
		}

		_, err = tx.Exec(ctx,
			`UPDATE quota_usage SET used = $1, updated_at = $2
				WHERE business_id = $3 AND dimension = $4 AND period_key = $5`,
			newUsed, req.Now, req.BusinessID, req.Dimension, req.Period.Key())
		if err != nil {
			return fmt.Errorf("failed to update usage: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit: %w", err)
		}
		res = &quotaflow.IncrementResult{NewUsed: newUsed, Allowed: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetOverride implements quotaflow.Storage.
func (s *Storage) GetOverride(ctx context.Context, overrideID string) (*quotaflow.Override, error) {
	o, err := scanOverride(s.pool.QueryRow(ctx,
		selectOverride+` WHERE id = $1`, overrideID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, quotaflow.ErrOverrideNotFound
		}
		return nil, fmt.Errorf("failed to get override: %w", err)
	}
	return o, nil
}

// ActiveOverride implements quotaflow.Storage.
func (s *Storage) ActiveOverride(ctx context.Context, businessID string, dim quotaflow.Dimension) (*quotaflow.Override, error) {
	o, err := scanOverride(s.pool.QueryRow(ctx,
		selectOverride+` WHERE business_id = $1 AND dimension = $2 AND status = 'active'`,
		businessID, dim))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active override: %w", err)
	}
	return o, nil
}

// CreateOverride implements quotaflow.Storage. Revoking the previous active
// override and inserting the new one commit in one transaction; the partial
// unique index turns a concurrent create for the same key into a conflict,
// which is retried within the budget.
func (s *Storage) CreateOverride(ctx context.Context, o *quotaflow.Override) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("invalid override")
	}

	return s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		_, err = tx.Exec(ctx,
			`UPDATE limit_overrides
				SET status = 'revoked', revoked_by = $1, revoked_at = $2
				WHERE business_id = $3 AND dimension = $4 AND status = 'active'`,
			o.ApprovedBy, o.CreatedAt, o.BusinessID, o.Dimension)
		if err != nil {
			return fmt.Errorf("failed to revoke previous override: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO limit_overrides
				(id, business_id, dimension, original_limit, new_limit, reason,
				requested_by, approved_by, created_at, expires_at, status,
				emergency, note, revoked_by, revoked_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, '', NULL)`,
			o.ID, o.BusinessID, o.Dimension, o.OriginalLimit, o.NewLimit, o.Reason,
			o.RequestedBy, o.ApprovedBy, o.CreatedAt, o.ExpiresAt, o.Status,
			o.Emergency, o.Note)
		if err != nil {
			return fmt.Errorf("failed to insert override: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// RevokeOverride implements quotaflow.Storage.
func (s *Storage) RevokeOverride(ctx context.Context, overrideID, revokedBy string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE limit_overrides
			SET status = 'revoked', revoked_by = $1, revoked_at = $2
			WHERE id = $3 AND status = 'active'`,
		revokedBy, at, overrideID)
	if err != nil {
		return fmt.Errorf("failed to revoke override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM limit_overrides WHERE id = $1)`,
			overrideID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check override: %w", err)
		}
		if !exists {
			return quotaflow.ErrOverrideNotFound
		}
		return quotaflow.ErrOverrideNotActive
	}
	return nil
}

// MarkOverrideExpired implements quotaflow.Storage. Losing the race with a
// concurrent revoke or expiry is not an error.
func (s *Storage) MarkOverrideExpired(ctx context.Context, overrideID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE limit_overrides SET status = 'expired'
			WHERE id = $1 AND status = 'active'`,
		overrideID)
	if err != nil {
		return fmt.Errorf("failed to expire override: %w", err)
	}
	return nil
}

// ListOverrides implements quotaflow.Storage.
func (s *Storage) ListOverrides(ctx context.Context, businessID string) ([]*quotaflow.Override, error) {
	rows, err := s.pool.Query(ctx,
		selectOverride+` WHERE business_id = $1 ORDER BY created_at DESC`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	var out []*quotaflow.Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertViolation implements quotaflow.Storage.
func (s *Storage) InsertViolation(ctx context.Context, v *quotaflow.Violation) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("invalid violation")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO quota_violations
			(id, business_id, dimension, limit_amount, attempted, exceedance,
			occurred_at, severity, resolution_note, resolved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', NULL)`,
		v.ID, v.BusinessID, v.Dimension, v.Limit, v.Attempted, v.Exceedance,
		v.OccurredAt, v.Severity)
	if err != nil {
		return fmt.Errorf("failed to insert violation: %w", err)
	}
	return nil
}

// GetViolation implements quotaflow.Storage.
func (s *Storage) GetViolation(ctx context.Context, violationID string) (*quotaflow.Violation, error) {
	v, err := scanViolation(s.pool.QueryRow(ctx,
		selectViolation+` WHERE id = $1`, violationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, quotaflow.ErrViolationNotFound
		}
		return nil, fmt.Errorf("failed to get violation: %w", err)
	}
	return v, nil
}

// ResolveViolation implements quotaflow.Storage.
func (s *Storage) ResolveViolation(ctx context.Context, violationID, note string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quota_violations SET resolution_note = $1, resolved_at = $2 WHERE id = $3`,
		note, at, violationID)
	if err != nil {
		return fmt.Errorf("failed to resolve violation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return quotaflow.ErrViolationNotFound
	}
	return nil
}

// ListViolations implements quotaflow.Storage.
func (s *Storage) ListViolations(ctx context.Context, businessID string) ([]*quotaflow.Violation, error) {
	rows, err := s.pool.Query(ctx,
		selectViolation+` WHERE business_id = $1 ORDER BY occurred_at DESC`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var out []*quotaflow.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LogAuditEntry implements quotaflow.AuditLogger.
func (s *Storage) LogAuditEntry(ctx context.Context, entry *quotaflow.AuditLogEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO quota_audit_log
			(id, business_id, dimension, action, amount, actor, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.BusinessID, entry.Dimension, entry.Action, entry.Amount,
		entry.Actor, entry.Reason, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// GetAuditLogs implements quotaflow.AuditLogger.
func (s *Storage) GetAuditLogs(ctx context.Context, businessID string, limit int) ([]*quotaflow.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, business_id, dimension, action, amount, actor, reason, created_at
			FROM quota_audit_log
			WHERE business_id = $1 ORDER BY created_at DESC LIMIT $2`,
		businessID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*quotaflow.AuditLogEntry
	for rows.Next() {
		var e quotaflow.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.BusinessID, &e.Dimension, &e.Action,
			&e.Amount, &e.Actor, &e.Reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// withRetry retries fn on serialization failures, deadlocks, and unique
// conflicts up to the configured budget.
func (s *Storage) withRetry(ctx context.Context, fn func() error) error {
	for i := 0; i < s.config.MaxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return quotaflow.ErrRetryExhausted
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505": // serialization failure, deadlock, unique violation
		return true
	}
	return false
}

const selectOverride = `SELECT id, business_id, dimension, original_limit, new_limit,
	reason, requested_by, approved_by, created_at, expires_at, status, emergency,
	note, revoked_by, revoked_at FROM limit_overrides`

const selectViolation = `SELECT id, business_id, dimension, limit_amount, attempted,
	exceedance, occurred_at, severity, resolution_note, resolved_at FROM quota_violations`

func scanOverride(row pgx.Row) (*quotaflow.Override, error) {
	var o quotaflow.Override
	err := row.Scan(&o.ID, &o.BusinessID, &o.Dimension, &o.OriginalLimit, &o.NewLimit,
		&o.Reason, &o.RequestedBy, &o.ApprovedBy, &o.CreatedAt, &o.ExpiresAt, &o.Status,
		&o.Emergency, &o.Note, &o.RevokedBy, &o.RevokedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanViolation(row pgx.Row) (*quotaflow.Violation, error) {
	var v quotaflow.Violation
	err := row.Scan(&v.ID, &v.BusinessID, &v.Dimension, &v.Limit, &v.Attempted,
		&v.Exceedance, &v.OccurredAt, &v.Severity, &v.ResolutionNote, &v.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
