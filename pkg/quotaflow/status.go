package quotaflow

import "sort"

// UsagePercentage returns 100 × used / limit, unclamped. The status
// comparisons below always use the raw values; clamping is display-only.
func UsagePercentage(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return 100 * float64(used) / float64(limit)
}

// ClampPercentage bounds a percentage to [0, 100] for display.
func ClampPercentage(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// DeriveStatus computes the business-level status from the suspension flag and
// per-dimension snapshots, in strict priority order: suspended beats
// limit_exceeded beats approaching_limit beats normal.
func DeriveStatus(suspended bool, usage []DimensionUsage, warningThreshold float64) BusinessStatus {
	if suspended {
		return StatusSuspended
	}
	if warningThreshold <= 0 {
		warningThreshold = DefaultWarningThreshold
	}

	approaching := false
	for _, u := range usage {
		if u.Limit > 0 && u.Used >= u.Limit {
			return StatusLimitExceeded
		}
		if u.Limit > 0 && float64(u.Used) >= warningThreshold*float64(u.Limit) {
			approaching = true
		}
	}
	if approaching {
		return StatusApproachingLimit
	}
	return StatusNormal
}

// DefaultWarningThreshold is the usage fraction at which a dimension counts as
// approaching its limit.
const DefaultWarningThreshold = 0.75

// statusRank orders statuses worst first, matching the derivation priority.
func statusRank(s BusinessStatus) int {
	switch s {
	case StatusSuspended:
		return 0
	case StatusLimitExceeded:
		return 1
	case StatusApproachingLimit:
		return 2
	default:
		return 3
	}
}

// SortReports orders reports by status priority (suspended first, then
// limit_exceeded, approaching_limit, normal), ties broken by business
// identifier so the ordering is deterministic.
func SortReports(reports []*BusinessReport) {
	sort.Slice(reports, func(i, j int) bool {
		ri, rj := statusRank(reports[i].Status), statusRank(reports[j].Status)
		if ri != rj {
			return ri < rj
		}
		return reports[i].Business.ID < reports[j].Business.ID
	})
}
