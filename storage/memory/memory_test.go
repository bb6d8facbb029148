package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quotaflow/quotaflow/pkg/quotaflow"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func dailyPeriod(now time.Time) quotaflow.Period {
	return quotaflow.CurrentPeriod(quotaflow.DimensionDailyPayout, now)
}

func TestBusinessCRUD(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetBusiness(ctx, "biz1")
	if !errors.Is(err, quotaflow.ErrBusinessNotFound) {
		t.Errorf("Expected ErrBusinessNotFound, got %v", err)
	}

	b := &quotaflow.Business{ID: "biz1", Name: "Acme", OrgNumber: "999888777", Tier: quotaflow.Tier2}
	if err := s.PutBusiness(ctx, b); err != nil {
		t.Fatalf("PutBusiness failed: %v", err)
	}

	got, err := s.GetBusiness(ctx, "biz1")
	if err != nil {
		t.Fatalf("GetBusiness failed: %v", err)
	}
	if got.Name != "Acme" || got.Tier != quotaflow.Tier2 {
		t.Errorf("Unexpected business: %+v", got)
	}

	// The store holds a copy; mutating the returned value changes nothing.
	got.Name = "Mutated"
	again, _ := s.GetBusiness(ctx, "biz1")
	if again.Name != "Acme" {
		t.Error("Expected stored business to be isolated from returned copy")
	}

	if err := s.SetSuspended(ctx, "biz1", true); err != nil {
		t.Fatalf("SetSuspended failed: %v", err)
	}
	got, _ = s.GetBusiness(ctx, "biz1")
	if !got.Suspended {
		t.Error("Expected business to be suspended")
	}

	if err := s.SetSuspended(ctx, "ghost", true); !errors.Is(err, quotaflow.ErrBusinessNotFound) {
		t.Errorf("Expected ErrBusinessNotFound, got %v", err)
	}
}

func TestTouchActivity_Monotonic(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.PutBusiness(ctx, &quotaflow.Business{ID: "biz1", Tier: quotaflow.Tier1}); err != nil {
		t.Fatalf("PutBusiness failed: %v", err)
	}

	if err := s.TouchActivity(ctx, "biz1", testNow); err != nil {
		t.Fatalf("TouchActivity failed: %v", err)
	}
	// An older timestamp never rewinds the last-activity mark.
	if err := s.TouchActivity(ctx, "biz1", testNow.Add(-time.Hour)); err != nil {
		t.Fatalf("TouchActivity failed: %v", err)
	}

	b, _ := s.GetBusiness(ctx, "biz1")
	if !b.LastActivity.Equal(testNow) {
		t.Errorf("Expected last activity %v, got %v", testNow, b.LastActivity)
	}
}

func TestTryIncrement(t *testing.T) {
	s := New()
	ctx := context.Background()
	period := dailyPeriod(testNow)

	res, err := s.TryIncrement(ctx, &quotaflow.IncrementRequest{
		BusinessID: "biz1",
		Dimension:  quotaflow.DimensionDailyPayout,
		Amount:     300,
		Limit:      1000,
		Period:     period,
		Now:        testNow,
	})
	if err != nil {
		t.Fatalf("TryIncrement failed: %v", err)
	}
	if !res.Allowed || res.NewUsed != 300 {
		t.Errorf("Unexpected result: %+v", res)
	}

	// Denial leaves the counter untouched and reports the prior usage.
	res, err = s.TryIncrement(ctx, &quotaflow.IncrementRequest{
		BusinessID: "biz1",
		Dimension:  quotaflow.DimensionDailyPayout,
		Amount:     800,
		Limit:      1000,
		Period:     period,
		Now:        testNow,
	})
	if err != nil {
		t.Fatalf("TryIncrement failed: %v", err)
	}
	if res.Allowed {
		t.Error("Expected denial")
	}
	if res.NewUsed != 300 {
		t.Errorf("Expected usage to stay at 300, got %d", res.NewUsed)
	}

	usage, err := s.GetUsage(ctx, "biz1", quotaflow.DimensionDailyPayout, period)
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage == nil || usage.Used != 300 {
		t.Errorf("Unexpected usage: %+v", usage)
	}

	_, err = s.TryIncrement(ctx, &quotaflow.IncrementRequest{
		BusinessID: "biz1",
		Dimension:  quotaflow.DimensionDailyPayout,
		Amount:     -1,
		Limit:      1000,
		Period:     period,
		Now:        testNow,
	})
	if !errors.Is(err, quotaflow.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
}

func TestTryIncrement_LazyRollover(t *testing.T) {
	s := New()
	ctx := context.Background()

	day1 := dailyPeriod(testNow)
	day2 := dailyPeriod(testNow.Add(24 * time.Hour))

	if _, err := s.TryIncrement(ctx, &quotaflow.IncrementRequest{
		BusinessID: "biz1",
		Dimension:  quotaflow.DimensionDailyPayout,
		Amount:     900,
		Limit:      1000,
		Period:     day1,
		Now:        testNow,
	}); err != nil {
		t.Fatalf("TryIncrement failed: %v", err)
	}

	// Reading yesterday's period after the boundary finds nothing.
	usage, err := s.GetUsage(ctx, "biz1", quotaflow.DimensionDailyPayout, day2)
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage != nil {
		t.Errorf("Expected no usage for the new period, got %+v", usage)
	}

	// The first write of the new period starts from zero.
	res, err := s.TryIncrement(ctx, &quotaflow.IncrementRequest{
		BusinessID: "biz1",
		Dimension:  quotaflow.DimensionDailyPayout,
		Amount:     1000,
		Limit:      1000,
		Period:     day2,
		Now:        testNow.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("TryIncrement failed: %v", err)
	}
	if !res.Allowed || res.NewUsed != 1000 {
		t.Errorf("Expected fresh counter after rollover, got %+v", res)
	}
}

func TestTryIncrement_ConcurrentExactCount(t *testing.T) {
	s := New()
	ctx := context.Background()
	period := dailyPeriod(testNow)

	const goroutines = 200
	var wg sync.WaitGroup
	allowed := make(chan bool, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.TryIncrement(ctx, &quotaflow.IncrementRequest{
				BusinessID: "biz1",
				Dimension:  quotaflow.DimensionDailyPayout,
				Amount:     1,
				Limit:      150,
				Period:     period,
				Now:        testNow,
			})
			allowed <- err == nil && res.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != 150 {
		t.Errorf("Expected exactly 150 admissions, got %d", count)
	}

	usage, _ := s.GetUsage(ctx, "biz1", quotaflow.DimensionDailyPayout, period)
	if usage.Used != 150 {
		t.Errorf("Expected usage 150, got %d", usage.Used)
	}
}

func newOverride(id string, expiresAt *time.Time) *quotaflow.Override {
	return &quotaflow.Override{
		ID:            id,
		BusinessID:    "biz1",
		Dimension:     quotaflow.DimensionDailyPayout,
		OriginalLimit: 1000,
		NewLimit:      2000,
		Reason:        "test",
		CreatedAt:     testNow,
		ExpiresAt:     expiresAt,
		Status:        quotaflow.OverrideActive,
	}
}

func TestCreateOverride_SingleActive(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateOverride(ctx, newOverride("ovr1", nil)); err != nil {
		t.Fatalf("CreateOverride failed: %v", err)
	}

	second := newOverride("ovr2", nil)
	second.CreatedAt = testNow.Add(time.Minute)
	if err := s.CreateOverride(ctx, second); err != nil {
		t.Fatalf("CreateOverride failed: %v", err)
	}

	active, err := s.ActiveOverride(ctx, "biz1", quotaflow.DimensionDailyPayout)
	if err != nil {
		t.Fatalf("ActiveOverride failed: %v", err)
	}
	if active == nil || active.ID != "ovr2" {
		t.Errorf("Expected ovr2 active, got %+v", active)
	}

	first, err := s.GetOverride(ctx, "ovr1")
	if err != nil {
		t.Fatalf("GetOverride failed: %v", err)
	}
	if first.Status != quotaflow.OverrideRevoked {
		t.Errorf("Expected ovr1 revoked, got %v", first.Status)
	}
	if first.RevokedAt == nil {
		t.Error("Expected revocation timestamp on superseded override")
	}

	overrides, err := s.ListOverrides(ctx, "biz1")
	if err != nil {
		t.Fatalf("ListOverrides failed: %v", err)
	}
	if len(overrides) != 2 {
		t.Fatalf("Expected 2 overrides, got %d", len(overrides))
	}
	if overrides[0].ID != "ovr2" {
		t.Errorf("Expected newest first, got %s", overrides[0].ID)
	}
}

func TestRevokeOverride(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateOverride(ctx, newOverride("ovr1", nil)); err != nil {
		t.Fatalf("CreateOverride failed: %v", err)
	}

	if err := s.RevokeOverride(ctx, "ovr1", "admin", testNow); err != nil {
		t.Fatalf("RevokeOverride failed: %v", err)
	}

	active, err := s.ActiveOverride(ctx, "biz1", quotaflow.DimensionDailyPayout)
	if err != nil {
		t.Fatalf("ActiveOverride failed: %v", err)
	}
	if active != nil {
		t.Error("Expected no active override after revoke")
	}

	got, _ := s.GetOverride(ctx, "ovr1")
	if got.Status != quotaflow.OverrideRevoked || got.RevokedBy != "admin" {
		t.Errorf("Unexpected override state: %+v", got)
	}

	if err := s.RevokeOverride(ctx, "ovr1", "admin", testNow); !errors.Is(err, quotaflow.ErrOverrideNotActive) {
		t.Errorf("Expected ErrOverrideNotActive, got %v", err)
	}
	if err := s.RevokeOverride(ctx, "ghost", "admin", testNow); !errors.Is(err, quotaflow.ErrOverrideNotFound) {
		t.Errorf("Expected ErrOverrideNotFound, got %v", err)
	}
}

func TestMarkOverrideExpired(t *testing.T) {
	s := New()
	ctx := context.Background()

	expiry := testNow.Add(time.Hour)
	if err := s.CreateOverride(ctx, newOverride("ovr1", &expiry)); err != nil {
		t.Fatalf("CreateOverride failed: %v", err)
	}

	if err := s.MarkOverrideExpired(ctx, "ovr1", expiry); err != nil {
		t.Fatalf("MarkOverrideExpired failed: %v", err)
	}

	got, _ := s.GetOverride(ctx, "ovr1")
	if got.Status != quotaflow.OverrideExpired {
		t.Errorf("Expected expired, got %v", got.Status)
	}

	// Losing the race to another transition is tolerated.
	if err := s.MarkOverrideExpired(ctx, "ovr1", expiry); err != nil {
		t.Errorf("Expected nil for already-transitioned override, got %v", err)
	}

	if err := s.MarkOverrideExpired(ctx, "ghost", expiry); !errors.Is(err, quotaflow.ErrOverrideNotFound) {
		t.Errorf("Expected ErrOverrideNotFound, got %v", err)
	}
}

func TestViolations(t *testing.T) {
	s := New()
	ctx := context.Background()

	v1 := quotaflow.NewViolation("biz1", quotaflow.DimensionDailyPayout, 1000, 1100, testNow)
	v2 := quotaflow.NewViolation("biz1", quotaflow.DimensionDailyPayout, 1000, 1600, testNow.Add(time.Minute))
	if err := s.InsertViolation(ctx, v1); err != nil {
		t.Fatalf("InsertViolation failed: %v", err)
	}
	if err := s.InsertViolation(ctx, v2); err != nil {
		t.Fatalf("InsertViolation failed: %v", err)
	}

	list, err := s.ListViolations(ctx, "biz1")
	if err != nil {
		t.Fatalf("ListViolations failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 violations, got %d", len(list))
	}
	if list[0].ID != v2.ID {
		t.Error("Expected newest violation first")
	}

	if err := s.ResolveViolation(ctx, v1.ID, "handled", testNow.Add(time.Hour)); err != nil {
		t.Fatalf("ResolveViolation failed: %v", err)
	}
	got, err := s.GetViolation(ctx, v1.ID)
	if err != nil {
		t.Fatalf("GetViolation failed: %v", err)
	}
	if !got.Resolved() || got.ResolutionNote != "handled" {
		t.Errorf("Unexpected violation state: %+v", got)
	}

	if err := s.ResolveViolation(ctx, "ghost", "note", testNow); !errors.Is(err, quotaflow.ErrViolationNotFound) {
		t.Errorf("Expected ErrViolationNotFound, got %v", err)
	}
}

func TestAuditLog(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, action := range []string{"override_created", "override_revoked", "suspension_changed"} {
		err := s.LogAuditEntry(ctx, &quotaflow.AuditLogEntry{
			ID:         string(rune('a' + i)),
			BusinessID: "biz1",
			Action:     action,
			Timestamp:  testNow.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("LogAuditEntry failed: %v", err)
		}
	}

	entries, err := s.GetAuditLogs(ctx, "biz1", 2)
	if err != nil {
		t.Fatalf("GetAuditLogs failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "suspension_changed" {
		t.Errorf("Expected newest first, got %s", entries[0].Action)
	}
}

func TestClear(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.PutBusiness(ctx, &quotaflow.Business{ID: "biz1", Tier: quotaflow.Tier1}); err != nil {
		t.Fatalf("PutBusiness failed: %v", err)
	}
	s.Clear()

	if _, err := s.GetBusiness(ctx, "biz1"); !errors.Is(err, quotaflow.ErrBusinessNotFound) {
		t.Errorf("Expected store to be empty after Clear, got %v", err)
	}
}
