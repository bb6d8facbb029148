package quotaflow

import (
	"time"

	"github.com/google/uuid"
)

// Severity thresholds on the exceedance ratio (attempted − limit) / limit.
// Boundary values belong to the higher tier.
const (
	majorRatio    = 0.10
	criticalRatio = 0.50
)

// ClassifySeverity classifies a violation by how far the attempted amount
// overshot the limit, relative to the limit itself.
func ClassifySeverity(limit, attempted int64) Severity {
	if limit <= 0 {
		return SeverityCritical
	}
	ratio := float64(attempted-limit) / float64(limit)
	switch {
	case ratio >= criticalRatio:
		return SeverityCritical
	case ratio >= majorRatio:
		return SeverityMajor
	default:
		return SeverityMinor
	}
}

// NewViolation builds a classified violation record for a denied admission.
// The attempted amount must exceed the limit; exceedance is always positive.
func NewViolation(businessID string, dim Dimension, limit, attempted int64, now time.Time) *Violation {
	return &Violation{
		ID:         uuid.NewString(),
		BusinessID: businessID,
		Dimension:  dim,
		Limit:      limit,
		Attempted:  attempted,
		Exceedance: attempted - limit,
		OccurredAt: now,
		Severity:   ClassifySeverity(limit, attempted),
	}
}
