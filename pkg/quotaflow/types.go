package quotaflow

import (
	"context"
	"time"
)

// Tier identifies a business subscription tier. Tiers are assigned by an
// external onboarding system; the engine only uses them to select base limits.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t >= Tier1 && t <= Tier3
}

// Dimension is one of the independent quota axes a business is measured on.
// The set is closed so that catalog, ledger, and override keys are guaranteed
// to agree at compile time.
type Dimension string

const (
	// DimensionDailyPayout is the total payout amount per calendar day.
	DimensionDailyPayout Dimension = "dailyPayout"
	// DimensionMonthlyTransactions is the transaction count per calendar month.
	DimensionMonthlyTransactions Dimension = "monthlyTransactions"
	// DimensionCustomerVolume is the total number of registered customers.
	// It has no reset period.
	DimensionCustomerVolume Dimension = "customerVolume"
)

// Dimensions returns all known dimensions in declaration order.
func Dimensions() []Dimension {
	return []Dimension{DimensionDailyPayout, DimensionMonthlyTransactions, DimensionCustomerVolume}
}

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	switch d {
	case DimensionDailyPayout, DimensionMonthlyTransactions, DimensionCustomerVolume:
		return true
	}
	return false
}

// ResetPeriod returns the period type over which usage for this dimension
// accumulates before resetting.
func (d Dimension) ResetPeriod() PeriodType {
	switch d {
	case DimensionDailyPayout:
		return PeriodTypeDaily
	case DimensionMonthlyTransactions:
		return PeriodTypeMonthly
	default:
		return PeriodTypeNone
	}
}

// Unit returns the unit of measure for amounts on this dimension.
func (d Dimension) Unit() string {
	switch d {
	case DimensionDailyPayout:
		return "minor_currency_units"
	case DimensionMonthlyTransactions:
		return "transactions"
	case DimensionCustomerVolume:
		return "customers"
	default:
		return ""
	}
}

// PeriodType defines how a usage counter resets over time.
type PeriodType string

const (
	// PeriodTypeDaily resets at each UTC midnight.
	PeriodTypeDaily PeriodType = "daily"
	// PeriodTypeMonthly resets at the start of each UTC calendar month.
	PeriodTypeMonthly PeriodType = "monthly"
	// PeriodTypeNone never resets.
	PeriodTypeNone PeriodType = "none"
)

// Period represents an accounting period with start and end times.
// A PeriodTypeNone period has zero Start and End.
type Period struct {
	Start time.Time
	End   time.Time
	Type  PeriodType
}

// Key returns a stable string key for this period. Usage counters are stored
// under this key, which is what makes period rollover lazy: a new period has
// a new key, so the previous counter is simply never consulted again.
func (p Period) Key() string {
	switch p.Type {
	case PeriodTypeDaily:
		return p.Start.UTC().Format("2006-01-02")
	case PeriodTypeMonthly:
		return p.Start.UTC().Format("2006-01")
	case PeriodTypeNone:
		return "all"
	default:
		return p.Start.UTC().Format("2006-01-02")
	}
}

// Business is a tenant tracked by the engine. Identity, display fields, and
// tier are owned by an external system; Suspended is an injected
// administrative flag, never derived here.
type Business struct {
	ID           string
	Name         string
	OrgNumber    string
	Tier         Tier
	Suspended    bool
	LastActivity time.Time
}

// Usage is the accumulated consumption for one (business, dimension, period).
type Usage struct {
	BusinessID string
	Dimension  Dimension
	Used       int64
	Period     Period
	UpdatedAt  time.Time
}

// OverrideStatus is the lifecycle state of a limit override.
type OverrideStatus string

const (
	OverrideActive  OverrideStatus = "active"
	OverrideExpired OverrideStatus = "expired"
	OverrideRevoked OverrideStatus = "revoked"
)

// Override is an administrative replacement of a dimension's base limit,
// either time-bounded (ExpiresAt set) or permanent (ExpiresAt nil).
// At most one override per (business, dimension) is active at any instant.
type Override struct {
	ID            string
	BusinessID    string
	Dimension     Dimension
	OriginalLimit int64
	NewLimit      int64
	Reason        string
	RequestedBy   string
	ApprovedBy    string
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	Status        OverrideStatus
	Emergency     bool
	Note          string
	RevokedBy     string
	RevokedAt     *time.Time
}

// ExpiredAt reports whether the override's expiration has passed as of now.
// Permanent overrides never expire.
func (o *Override) ExpiredAt(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// OverrideRequest carries the caller-supplied fields for a new override.
// Authorization has already happened upstream; the engine only validates shape
// and business rules.
type OverrideRequest struct {
	BusinessID  string
	Dimension   Dimension
	NewLimit    int64
	Reason      string
	RequestedBy string
	ApprovedBy  string
	ExpiresAt   *time.Time
	Emergency   bool
	Note        string
}

// Severity classifies how far a denied admission overshot the effective limit.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// Violation records a denied admission whose attempted amount exceeded the
// effective limit in force at the time.
type Violation struct {
	ID             string
	BusinessID     string
	Dimension      Dimension
	Limit          int64
	Attempted      int64
	Exceedance     int64
	OccurredAt     time.Time
	Severity       Severity
	ResolutionNote string
	ResolvedAt     *time.Time
}

// Resolved reports whether the violation has been administratively resolved.
func (v *Violation) Resolved() bool {
	return v.ResolvedAt != nil
}

// BusinessStatus is the derived per-business standing.
type BusinessStatus string

const (
	StatusNormal           BusinessStatus = "normal"
	StatusApproachingLimit BusinessStatus = "approaching_limit"
	StatusLimitExceeded    BusinessStatus = "limit_exceeded"
	StatusSuspended        BusinessStatus = "suspended"
)

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed indicates whether the usage was committed to the ledger.
	Allowed bool

	// Used is the usage after the admission (unchanged when denied).
	Used int64

	// Limit is the effective limit the decision was made against.
	Limit int64

	// ViolationID identifies the violation recorded on denial; empty when allowed.
	ViolationID string

	// OverrideID identifies the active override that supplied the limit, if any.
	OverrideID string
}

// DimensionUsage is a read-only snapshot of one dimension's standing, used by
// status derivation and reporting.
type DimensionUsage struct {
	Dimension Dimension
	Used      int64
	Limit     int64
}

// BusinessReport is the full reporting snapshot for one business. It is
// assembled read-only and may be stale by one operation relative to the ledger.
type BusinessReport struct {
	Business   Business
	Status     BusinessStatus
	Usage      []DimensionUsage
	Overrides  []*Override
	Violations []*Violation
}

// WarningHandler is called when an allowed admission crosses the
// approaching-limit threshold for its dimension.
type WarningHandler interface {
	OnWarning(ctx context.Context, businessID string, dim Dimension, used, limit int64)
}

// Config holds engine configuration.
type Config struct {
	// Catalog supplies base limits per tier and dimension (required).
	Catalog *LimitCatalog

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking engine operations (default: NoopMetrics).
	Metrics Metrics

	// Clock supplies the current instant (default: UTC wall clock).
	Clock Clock

	// WarningHandler is called when an allowed admission crosses
	// WarningThreshold (optional).
	WarningHandler WarningHandler

	// WarningThreshold is the usage fraction that counts as approaching the
	// limit (default: 0.75).
	WarningThreshold float64
}
