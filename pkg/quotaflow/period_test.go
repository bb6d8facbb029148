package quotaflow_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quotaflow/quotaflow/pkg/quotaflow"
)

func TestCurrentPeriod_Daily(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	p := quotaflow.CurrentPeriod(quotaflow.DimensionDailyPayout, now)

	assert.Equal(t, quotaflow.PeriodTypeDaily, p.Type)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), p.End)
	assert.Equal(t, "2026-03-10", p.Key())
}

func TestCurrentPeriod_Monthly(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	p := quotaflow.CurrentPeriod(quotaflow.DimensionMonthlyTransactions, now)

	assert.Equal(t, quotaflow.PeriodTypeMonthly, p.Type)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), p.End)
	assert.Equal(t, "2026-03", p.Key())
}

func TestCurrentPeriod_None(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	p := quotaflow.CurrentPeriod(quotaflow.DimensionCustomerVolume, now)

	assert.Equal(t, quotaflow.PeriodTypeNone, p.Type)
	assert.Equal(t, "all", p.Key())

	// The key is stable across any instant.
	later := quotaflow.CurrentPeriod(quotaflow.DimensionCustomerVolume, now.AddDate(5, 0, 0))
	assert.Equal(t, p.Key(), later.Key())
}

func TestPeriodKey_ChangesAtBoundary(t *testing.T) {
	before := time.Date(2026, 3, 10, 23, 59, 59, 0, time.UTC)
	after := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	assert.NotEqual(t,
		quotaflow.CurrentPeriod(quotaflow.DimensionDailyPayout, before).Key(),
		quotaflow.CurrentPeriod(quotaflow.DimensionDailyPayout, after).Key())

	endOfMonth := time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC)
	newMonth := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	assert.NotEqual(t,
		quotaflow.CurrentPeriod(quotaflow.DimensionMonthlyTransactions, endOfMonth).Key(),
		quotaflow.CurrentPeriod(quotaflow.DimensionMonthlyTransactions, newMonth).Key())
}

func TestCurrentPeriod_TimezoneIndependent(t *testing.T) {
	// The same instant expressed in different zones maps to the same period.
	utc := time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC)
	oslo := utc.In(time.FixedZone("CET", 3600))

	assert.Equal(t,
		quotaflow.CurrentPeriod(quotaflow.DimensionDailyPayout, utc).Key(),
		quotaflow.CurrentPeriod(quotaflow.DimensionDailyPayout, oslo).Key())
}
