package api

import (
	"time"

	"github.com/quotaflow/quotaflow/pkg/quotaflow"
)

// BusinessResponse is the reporting view of a single business. Field names are
// the stable wire contract external consumers depend on.
type BusinessResponse struct {
	BusinessID         string                    `json:"businessId"`
	BusinessName       string                    `json:"businessName"`
	OrganizationNumber string                    `json:"organizationNumber"`
	CurrentTier        int                       `json:"currentTier"`
	Dimensions         map[string]DimensionUsage `json:"dimensions"`
	Overrides          []OverrideResponse        `json:"overrides"`
	Violations         []ViolationResponse       `json:"violations"`
	Status             string                    `json:"status"`
	LastActivity       time.Time                 `json:"lastActivity"`
}

// DimensionUsage is the per-dimension standing within a business response.
type DimensionUsage struct {
	Limit      int64   `json:"limit"`
	Used       int64   `json:"used"`
	Remaining  int64   `json:"remaining"`
	Percentage float64 `json:"percentage"`
}

// OverrideResponse is the wire view of a limit override.
type OverrideResponse struct {
	OverrideID     string     `json:"overrideId"`
	BusinessID     string     `json:"businessId"`
	Dimension      string     `json:"dimension"`
	OriginalLimit  int64      `json:"originalLimit"`
	NewLimit       int64      `json:"newLimit"`
	Reason         string     `json:"reason"`
	Duration       string     `json:"duration"` // "temporary" or "permanent"
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`
	Status         string     `json:"status"`
	IsEmergency    bool       `json:"isEmergency"`
	CreatedAt      time.Time  `json:"createdAt"`
	RevokedBy      string     `json:"revokedBy,omitempty"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
}

// ViolationResponse is the wire view of a quota violation, including its
// resolution state.
type ViolationResponse struct {
	ViolationID    string     `json:"violationId"`
	BusinessID     string     `json:"businessId"`
	Dimension      string     `json:"dimension"`
	Limit          int64      `json:"limit"`
	Attempted      int64      `json:"attempted"`
	Exceedance     int64      `json:"exceedance"`
	Severity       string     `json:"severity"`
	OccurredAt     time.Time  `json:"occurredAt"`
	Resolved       bool       `json:"resolved"`
	ResolutionNote string     `json:"resolutionNote,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// CreateOverrideRequest is the input for the override creation command.
type CreateOverrideRequest struct {
	BusinessID     string     `json:"businessId"`
	Dimension      string     `json:"dimension"`
	NewLimit       int64      `json:"newLimit"`
	Reason         string     `json:"reason"`
	Duration       string     `json:"duration"` // "temporary" or "permanent"
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`
	IsEmergency    bool       `json:"isEmergency,omitempty"`
}

// RevokeOverrideRequest is the input for the override revocation command.
type RevokeOverrideRequest struct {
	OverrideID string `json:"overrideId"`
}

// ResolveViolationRequest is the input for the violation resolution command.
type ResolveViolationRequest struct {
	Note string `json:"note"`
}

// AdmitRequest is the input for an admission check.
type AdmitRequest struct {
	BusinessID string `json:"businessId"`
	Dimension  string `json:"dimension"`
	Amount     int64  `json:"amount"`
}

// AdmitResponse is the outcome of an admission check.
type AdmitResponse struct {
	Allowed     bool   `json:"allowed"`
	Used        int64  `json:"used"`
	Limit       int64  `json:"limit"`
	ViolationID string `json:"violationId,omitempty"`
	OverrideID  string `json:"overrideId,omitempty"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

const (
	durationTemporary = "temporary"
	durationPermanent = "permanent"
)

func toOverrideResponse(o *quotaflow.Override) OverrideResponse {
	duration := durationPermanent
	if o.ExpiresAt != nil {
		duration = durationTemporary
	}
	return OverrideResponse{
		OverrideID:     o.ID,
		BusinessID:     o.BusinessID,
		Dimension:      string(o.Dimension),
		OriginalLimit:  o.OriginalLimit,
		NewLimit:       o.NewLimit,
		Reason:         o.Reason,
		Duration:       duration,
		ExpirationDate: o.ExpiresAt,
		Status:         string(o.Status),
		IsEmergency:    o.Emergency,
		CreatedAt:      o.CreatedAt,
		RevokedBy:      o.RevokedBy,
		RevokedAt:      o.RevokedAt,
	}
}

func toViolationResponse(v *quotaflow.Violation) ViolationResponse {
	return ViolationResponse{
		ViolationID:    v.ID,
		BusinessID:     v.BusinessID,
		Dimension:      string(v.Dimension),
		Limit:          v.Limit,
		Attempted:      v.Attempted,
		Exceedance:     v.Exceedance,
		Severity:       string(v.Severity),
		OccurredAt:     v.OccurredAt,
		Resolved:       v.Resolved(),
		ResolutionNote: v.ResolutionNote,
		ResolvedAt:     v.ResolvedAt,
	}
}

func toBusinessResponse(r *quotaflow.BusinessReport) BusinessResponse {
	dims := make(map[string]DimensionUsage, len(r.Usage))
	for _, u := range r.Usage {
		remaining := u.Limit - u.Used
		if remaining < 0 {
			remaining = 0
		}
		dims[string(u.Dimension)] = DimensionUsage{
			Limit:      u.Limit,
			Used:       u.Used,
			Remaining:  remaining,
			Percentage: quotaflow.ClampPercentage(quotaflow.UsagePercentage(u.Used, u.Limit)),
		}
	}

	overrides := make([]OverrideResponse, 0, len(r.Overrides))
	for _, o := range r.Overrides {
		overrides = append(overrides, toOverrideResponse(o))
	}
	violations := make([]ViolationResponse, 0, len(r.Violations))
	for _, v := range r.Violations {
		violations = append(violations, toViolationResponse(v))
	}

	return BusinessResponse{
		BusinessID:         r.Business.ID,
		BusinessName:       r.Business.Name,
		OrganizationNumber: r.Business.OrgNumber,
		CurrentTier:        int(r.Business.Tier),
		Dimensions:         dims,
		Overrides:          overrides,
		Violations:         violations,
		Status:             string(r.Status),
		LastActivity:       r.Business.LastActivity,
	}
}
