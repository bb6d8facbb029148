package quotaflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Engine is the single entry point for admission decisions, override
// lifecycle, and reporting snapshots. It is safe for concurrent use;
// per-(business, dimension) linearizability is delegated to the Storage
// implementation.
type Engine struct {
	storage Storage
	catalog *LimitCatalog
	config  Config
}

// New creates an engine with the given storage and configuration.
// The catalog is required and has already been validated by NewLimitCatalog.
func New(storage Storage, config Config) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Catalog == nil {
		return nil, &ConfigurationError{Reason: "limit catalog is required"}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.WarningThreshold <= 0 || config.WarningThreshold >= 1 {
		config.WarningThreshold = DefaultWarningThreshold
	}

	return &Engine{
		storage: storage,
		catalog: config.Catalog,
		config:  config,
	}, nil
}

// EffectiveLimit resolves the limit in force for a (business, dimension) at
// the current instant: the active override's limit if one exists and has not
// expired, otherwise the tier's base limit. Expiry is evaluated lazily here;
// an override whose expiration has passed is treated as expired for every
// read even before any write-time cleanup runs.
func (e *Engine) EffectiveLimit(ctx context.Context, businessID string, dim Dimension) (int64, *Override, error) {
	b, err := e.storage.GetBusiness(ctx, businessID)
	if err != nil {
		return 0, nil, err
	}
	return e.effectiveLimitFor(ctx, b, dim)
}

func (e *Engine) effectiveLimitFor(ctx context.Context, b *Business, dim Dimension) (int64, *Override, error) {
	base, err := e.catalog.BaseLimit(b.Tier, dim)
	if err != nil {
		return 0, nil, err
	}

	ovr, err := e.storage.ActiveOverride(ctx, b.ID, dim)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to resolve active override: %w", err)
	}
	if ovr == nil {
		return base, nil, nil
	}

	now := e.config.Clock.Now()
	if ovr.ExpiredAt(now) {
		// Write-behind cleanup; the read result does not depend on it.
		if err := e.storage.MarkOverrideExpired(ctx, ovr.ID, now); err != nil {
			e.config.Logger.Warn("failed to mark override expired",
				Field{"overrideId", ovr.ID}, Field{"error", err.Error()})
		} else {
			e.config.Metrics.RecordOverrideEvent(dim, "expired")
		}
		return base, nil, nil
	}

	return ovr.NewLimit, ovr, nil
}

// Admit answers whether the given usage amount is allowed for the business on
// the dimension, committing it to the ledger when it is. A denial is a normal
// outcome, not an engine failure: it records a classified violation and
// returns Allowed=false with the violation identifier attached. The ledger is
// never partially updated.
func (e *Engine) Admit(ctx context.Context, businessID string, dim Dimension, amount int64) (*Decision, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if !dim.Valid() {
		return nil, &ConfigurationError{Dimension: dim, Reason: "unknown dimension"}
	}

	b, err := e.storage.GetBusiness(ctx, businessID)
	if err != nil {
		return nil, err
	}

	limit, ovr, err := e.effectiveLimitFor(ctx, b, dim)
	if err != nil {
		return nil, err
	}

	now := e.config.Clock.Now()
	period := CurrentPeriod(dim, now)

	start := time.Now()
	res, err := e.storage.TryIncrement(ctx, &IncrementRequest{
		BusinessID: businessID,
		Dimension:  dim,
		Amount:     amount,
		Limit:      limit,
		Period:     period,
		Now:        now,
	})
	e.config.Metrics.RecordStorageOperation("try_increment", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		Allowed: res.Allowed,
		Used:    res.NewUsed,
		Limit:   limit,
	}
	if ovr != nil {
		decision.OverrideID = ovr.ID
	}
	e.config.Metrics.RecordAdmission(dim, b.Tier, amount, res.Allowed)

	if !res.Allowed {
		// Attempted total is what the ledger would have held had the
		// admission gone through.
		v := NewViolation(businessID, dim, limit, res.NewUsed+amount, now)
		if err := e.storage.InsertViolation(ctx, v); err != nil {
			return nil, fmt.Errorf("failed to record violation: %w", err)
		}
		decision.ViolationID = v.ID
		e.config.Metrics.RecordViolation(dim, v.Severity)
		e.config.Logger.Info("admission denied",
			Field{"businessId", businessID},
			Field{"dimension", string(dim)},
			Field{"amount", amount},
			Field{"limit", limit},
			Field{"severity", string(v.Severity)})
		return decision, nil
	}

	if err := e.storage.TouchActivity(ctx, businessID, now); err != nil {
		e.config.Logger.Warn("failed to update last activity",
			Field{"businessId", businessID}, Field{"error", err.Error()})
	}

	if e.config.WarningHandler != nil && limit > 0 &&
		float64(res.NewUsed) >= e.config.WarningThreshold*float64(limit) {
		e.config.WarningHandler.OnWarning(ctx, businessID, dim, res.NewUsed, limit)
	}

	return decision, nil
}

// CurrentUsage returns the usage accumulated in the active period for the
// dimension. A stored counter from a previous period is never consulted: the
// period key changes at the boundary, so rollover is read-triggered and
// needs no sweeper.
func (e *Engine) CurrentUsage(ctx context.Context, businessID string, dim Dimension) (int64, error) {
	if _, err := e.storage.GetBusiness(ctx, businessID); err != nil {
		return 0, err
	}
	period := CurrentPeriod(dim, e.config.Clock.Now())
	usage, err := e.storage.GetUsage(ctx, businessID, dim, period)
	if err != nil {
		return 0, err
	}
	if usage == nil {
		return 0, nil
	}
	return usage.Used, nil
}

// CreateOverride validates and applies a new limit override. Any existing
// active override for the same (business, dimension) is revoked in the same
// atomic step, so the most recent approved override always wins and at most
// one stays active per key.
func (e *Engine) CreateOverride(ctx context.Context, req OverrideRequest) (*Override, error) {
	if !req.Dimension.Valid() {
		return nil, &ValidationError{Field: "dimension", Reason: "unknown dimension"}
	}
	if req.Reason == "" {
		return nil, &ValidationError{Field: "reason", Reason: "must not be empty"}
	}

	b, err := e.storage.GetBusiness(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}

	current, _, err := e.effectiveLimitFor(ctx, b, req.Dimension)
	if err != nil {
		return nil, err
	}
	if req.NewLimit <= current {
		return nil, &ValidationError{
			Field:  "newLimit",
			Reason: fmt.Sprintf("must be strictly greater than the current effective limit %d", current),
		}
	}

	now := e.config.Clock.Now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, &ValidationError{Field: "expirationDate", Reason: "must be in the future"}
	}

	ovr := &Override{
		ID:            uuid.NewString(),
		BusinessID:    req.BusinessID,
		Dimension:     req.Dimension,
		OriginalLimit: current,
		NewLimit:      req.NewLimit,
		Reason:        req.Reason,
		RequestedBy:   req.RequestedBy,
		ApprovedBy:    req.ApprovedBy,
		CreatedAt:     now,
		ExpiresAt:     req.ExpiresAt,
		Status:        OverrideActive,
		Emergency:     req.Emergency,
		Note:          req.Note,
	}

	if err := e.storage.CreateOverride(ctx, ovr); err != nil {
		return nil, fmt.Errorf("failed to create override: %w", err)
	}

	e.config.Metrics.RecordOverrideEvent(req.Dimension, "created")
	e.audit(ctx, &AuditLogEntry{
		BusinessID: req.BusinessID,
		Dimension:  req.Dimension,
		Action:     "override_created",
		Amount:     req.NewLimit,
		Actor:      req.ApprovedBy,
		Reason:     req.Reason,
		Timestamp:  now,
	})
	e.config.Logger.Info("override created",
		Field{"overrideId", ovr.ID},
		Field{"businessId", req.BusinessID},
		Field{"dimension", string(req.Dimension)},
		Field{"newLimit", req.NewLimit},
		Field{"emergency", req.Emergency})

	return ovr, nil
}

// RevokeOverride marks an active override revoked. Revoking an override that
// is already expired or revoked is an error, not a silent no-op.
func (e *Engine) RevokeOverride(ctx context.Context, overrideID, revokedBy string) error {
	ovr, err := e.storage.GetOverride(ctx, overrideID)
	if err != nil {
		return err
	}

	now := e.config.Clock.Now()
	if err := e.storage.RevokeOverride(ctx, overrideID, revokedBy, now); err != nil {
		return err
	}

	e.config.Metrics.RecordOverrideEvent(ovr.Dimension, "revoked")
	e.audit(ctx, &AuditLogEntry{
		BusinessID: ovr.BusinessID,
		Dimension:  ovr.Dimension,
		Action:     "override_revoked",
		Actor:      revokedBy,
		Timestamp:  now,
	})
	e.config.Logger.Info("override revoked",
		Field{"overrideId", overrideID}, Field{"by", revokedBy})
	return nil
}

// ResolveViolation stamps a resolution note and time on a violation.
func (e *Engine) ResolveViolation(ctx context.Context, violationID, note string) error {
	if note == "" {
		return &ValidationError{Field: "note", Reason: "must not be empty"}
	}
	return e.storage.ResolveViolation(ctx, violationID, note, e.config.Clock.Now())
}

// ListViolations returns all violations for a business, newest first,
// including their resolution state.
func (e *Engine) ListViolations(ctx context.Context, businessID string) ([]*Violation, error) {
	if _, err := e.storage.GetBusiness(ctx, businessID); err != nil {
		return nil, err
	}
	return e.storage.ListViolations(ctx, businessID)
}

// RegisterBusiness creates or replaces a business record. Tier assignment is
// external input; the engine never changes it on its own.
func (e *Engine) RegisterBusiness(ctx context.Context, b *Business) error {
	if b == nil || b.ID == "" {
		return &ValidationError{Field: "businessId", Reason: "must not be empty"}
	}
	if !b.Tier.Valid() {
		return &ValidationError{Field: "currentTier", Reason: "must be 1, 2, or 3"}
	}
	return e.storage.PutBusiness(ctx, b)
}

// SetSuspended sets the externally-controlled suspension flag.
func (e *Engine) SetSuspended(ctx context.Context, businessID string, suspended bool) error {
	if err := e.storage.SetSuspended(ctx, businessID, suspended); err != nil {
		return err
	}
	e.audit(ctx, &AuditLogEntry{
		BusinessID: businessID,
		Action:     "suspension_changed",
		Reason:     fmt.Sprintf("suspended=%t", suspended),
		Timestamp:  e.config.Clock.Now(),
	})
	return nil
}

// Report assembles the full reporting snapshot for one business: per-dimension
// usage against effective limits, overrides, violations, and the derived
// status. Reads take no write locks and tolerate being stale by one operation.
func (e *Engine) Report(ctx context.Context, businessID string) (*BusinessReport, error) {
	b, err := e.storage.GetBusiness(ctx, businessID)
	if err != nil {
		return nil, err
	}
	return e.reportFor(ctx, b)
}

func (e *Engine) reportFor(ctx context.Context, b *Business) (*BusinessReport, error) {
	now := e.config.Clock.Now()

	usage := make([]DimensionUsage, 0, len(Dimensions()))
	for _, dim := range Dimensions() {
		limit, _, err := e.effectiveLimitFor(ctx, b, dim)
		if err != nil {
			return nil, err
		}
		u, err := e.storage.GetUsage(ctx, b.ID, dim, CurrentPeriod(dim, now))
		if err != nil {
			return nil, err
		}
		var used int64
		if u != nil {
			used = u.Used
		}
		usage = append(usage, DimensionUsage{Dimension: dim, Used: used, Limit: limit})
	}

	overrides, err := e.storage.ListOverrides(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	violations, err := e.storage.ListViolations(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	return &BusinessReport{
		Business:   *b,
		Status:     DeriveStatus(b.Suspended, usage, e.config.WarningThreshold),
		Usage:      usage,
		Overrides:  overrides,
		Violations: violations,
	}, nil
}

// reportConcurrency bounds the parallel per-business snapshot assembly in
// ListReports.
const reportConcurrency = 8

// ListReports assembles snapshots for every business, sorted by status
// priority (suspended, limit_exceeded, approaching_limit, normal) with ties
// broken by business identifier.
func (e *Engine) ListReports(ctx context.Context) ([]*BusinessReport, error) {
	businesses, err := e.storage.ListBusinesses(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]*BusinessReport, len(businesses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reportConcurrency)
	for i, b := range businesses {
		i, b := i, b
		g.Go(func() error {
			r, err := e.reportFor(gctx, b)
			if err != nil {
				return err
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	SortReports(reports)
	return reports, nil
}

// audit writes an audit entry when the storage backend supports it. Audit
// failures are logged and never fail the underlying operation.
func (e *Engine) audit(ctx context.Context, entry *AuditLogEntry) {
	al, ok := e.storage.(AuditLogger)
	if !ok {
		return
	}
	entry.ID = uuid.NewString()
	if err := al.LogAuditEntry(ctx, entry); err != nil {
		e.config.Logger.Warn("failed to write audit entry",
			Field{"action", entry.Action}, Field{"error", err.Error()})
	}
}
