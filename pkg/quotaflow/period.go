package quotaflow

import "time"

// CurrentPeriod returns the accounting period that contains now for the given
// dimension's reset cadence. For PeriodTypeNone the period is unbounded and
// its key is stable forever.
func CurrentPeriod(dim Dimension, now time.Time) Period {
	switch dim.ResetPeriod() {
	case PeriodTypeDaily:
		start := startOfDayUTC(now)
		return Period{Start: start, End: start.Add(24 * time.Hour), Type: PeriodTypeDaily}

	case PeriodTypeMonthly:
		start := startOfMonthUTC(now)
		return Period{Start: start, End: start.AddDate(0, 1, 0), Type: PeriodTypeMonthly}

	default:
		return Period{Type: PeriodTypeNone}
	}
}

// startOfDayUTC returns 00:00:00 UTC of the day containing t.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}

// startOfMonthUTC returns 00:00:00 UTC of the first day of the month containing t.
func startOfMonthUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), 1, 0, 0, 0, 0, time.UTC)
}
