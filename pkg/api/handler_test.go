package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quotaflow/quotaflow/pkg/quotaflow"
	"github.com/quotaflow/quotaflow/storage/memory"
)

const testBusinessID = "biz-123"

// Helper to create a test engine on in-memory storage.
func newTestEngine(t *testing.T) *quotaflow.Engine {
	t.Helper()
	catalog, err := quotaflow.NewLimitCatalog(map[quotaflow.Tier]map[quotaflow.Dimension]int64{
		quotaflow.Tier1: {
			quotaflow.DimensionDailyPayout:         50000,
			quotaflow.DimensionMonthlyTransactions: 1000,
			quotaflow.DimensionCustomerVolume:      500,
		},
		quotaflow.Tier2: {
			quotaflow.DimensionDailyPayout:         200000,
			quotaflow.DimensionMonthlyTransactions: 10000,
			quotaflow.DimensionCustomerVolume:      5000,
		},
		quotaflow.Tier3: {
			quotaflow.DimensionDailyPayout:         1000000,
			quotaflow.DimensionMonthlyTransactions: 100000,
			quotaflow.DimensionCustomerVolume:      50000,
		},
	})
	if err != nil {
		t.Fatalf("NewLimitCatalog failed: %v", err)
	}

	engine, err := quotaflow.New(memory.New(), quotaflow.Config{Catalog: catalog})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = engine.RegisterBusiness(context.Background(), &quotaflow.Business{
		ID:        testBusinessID,
		Name:      "Acme Payments AB",
		OrgNumber: "556677-8899",
		Tier:      quotaflow.Tier1,
	})
	if err != nil {
		t.Fatalf("RegisterBusiness failed: %v", err)
	}
	return engine
}

func newTestHandler(t *testing.T) (*Handler, *quotaflow.Engine) {
	t.Helper()
	engine := newTestEngine(t)
	handler, err := NewHandler(Config{
		Engine:   engine,
		GetActor: FromHeader("X-Admin-User"),
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return handler, engine
}

func doJSON(t *testing.T, handler *Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Admin-User", "admin")
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_RequiresEngine(t *testing.T) {
	_, err := NewHandler(Config{})
	if err == nil {
		t.Fatal("Expected error for missing engine")
	}
}

func TestGetBusiness(t *testing.T) {
	handler, engine := newTestHandler(t)

	if _, err := engine.Admit(context.Background(), testBusinessID, quotaflow.DimensionDailyPayout, 40000); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	rec := doJSON(t, handler, http.MethodGet, "/businesses/"+testBusinessID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp BusinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.BusinessID != testBusinessID {
		t.Errorf("Unexpected businessId %q", resp.BusinessID)
	}
	if resp.BusinessName != "Acme Payments AB" {
		t.Errorf("Unexpected businessName %q", resp.BusinessName)
	}
	if resp.OrganizationNumber != "556677-8899" {
		t.Errorf("Unexpected organizationNumber %q", resp.OrganizationNumber)
	}
	if resp.CurrentTier != 1 {
		t.Errorf("Unexpected currentTier %d", resp.CurrentTier)
	}
	if resp.Status != string(quotaflow.StatusApproachingLimit) {
		t.Errorf("Unexpected status %q", resp.Status)
	}

	payout, ok := resp.Dimensions["dailyPayout"]
	if !ok {
		t.Fatal("Expected dailyPayout dimension in response")
	}
	if payout.Limit != 50000 || payout.Used != 40000 || payout.Remaining != 10000 {
		t.Errorf("Unexpected dimension values: %+v", payout)
	}
	if payout.Percentage != 80 {
		t.Errorf("Expected percentage 80, got %v", payout.Percentage)
	}
}

func TestGetBusiness_NotFound(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/businesses/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
}

func TestListBusinesses_SortedByStatus(t *testing.T) {
	handler, engine := newTestHandler(t)
	ctx := context.Background()

	err := engine.RegisterBusiness(ctx, &quotaflow.Business{
		ID: "aaa-suspended", Name: "Suspendia", Tier: quotaflow.Tier1,
	})
	if err != nil {
		t.Fatalf("RegisterBusiness failed: %v", err)
	}
	if err := engine.SetSuspended(ctx, "aaa-suspended", true); err != nil {
		t.Fatalf("SetSuspended failed: %v", err)
	}

	rec := doJSON(t, handler, http.MethodGet, "/businesses", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp []BusinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("Expected 2 businesses, got %d", len(resp))
	}
	if resp[0].BusinessID != "aaa-suspended" || resp[0].Status != string(quotaflow.StatusSuspended) {
		t.Errorf("Expected suspended business first, got %+v", resp[0])
	}
}

func TestAdmit(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/admit", AdmitRequest{
		BusinessID: testBusinessID,
		Dimension:  "dailyPayout",
		Amount:     60000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp AdmitResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Allowed {
		t.Error("Expected denial above the limit")
	}
	if resp.ViolationID == "" {
		t.Error("Expected a violation ID on denial")
	}
}

func TestCreateOverride(t *testing.T) {
	handler, engine := newTestHandler(t)

	expiry := time.Now().UTC().Add(7 * 24 * time.Hour)
	rec := doJSON(t, handler, http.MethodPost, "/overrides", CreateOverrideRequest{
		BusinessID:     testBusinessID,
		Dimension:      "monthlyTransactions",
		NewLimit:       1300,
		Reason:         "campaign week",
		Duration:       "temporary",
		ExpirationDate: &expiry,
		IsEmergency:    true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp OverrideResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OverrideID == "" {
		t.Error("Expected generated overrideId")
	}
	if resp.Duration != "temporary" {
		t.Errorf("Expected temporary duration, got %q", resp.Duration)
	}
	if !resp.IsEmergency {
		t.Error("Expected isEmergency to round-trip")
	}
	if resp.OriginalLimit != 1000 {
		t.Errorf("Expected originalLimit 1000, got %d", resp.OriginalLimit)
	}

	limit, _, err := engine.EffectiveLimit(context.Background(), testBusinessID, quotaflow.DimensionMonthlyTransactions)
	if err != nil {
		t.Fatalf("EffectiveLimit failed: %v", err)
	}
	if limit != 1300 {
		t.Errorf("Expected effective limit 1300, got %d", limit)
	}
}

func TestCreateOverride_Validation(t *testing.T) {
	handler, _ := newTestHandler(t)

	tests := []struct {
		name string
		req  CreateOverrideRequest
	}{
		{
			name: "empty reason",
			req: CreateOverrideRequest{
				BusinessID: testBusinessID,
				Dimension:  "dailyPayout",
				NewLimit:   60000,
				Duration:   "permanent",
			},
		},
		{
			name: "new limit not above current",
			req: CreateOverrideRequest{
				BusinessID: testBusinessID,
				Dimension:  "dailyPayout",
				NewLimit:   50000,
				Reason:     "no-op",
				Duration:   "permanent",
			},
		},
		{
			name: "bad duration",
			req: CreateOverrideRequest{
				BusinessID: testBusinessID,
				Dimension:  "dailyPayout",
				NewLimit:   60000,
				Reason:     "raise",
				Duration:   "forever",
			},
		},
		{
			name: "temporary without expiration",
			req: CreateOverrideRequest{
				BusinessID: testBusinessID,
				Dimension:  "dailyPayout",
				NewLimit:   60000,
				Reason:     "raise",
				Duration:   "temporary",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, handler, http.MethodPost, "/overrides", tt.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRevokeOverride(t *testing.T) {
	handler, engine := newTestHandler(t)

	ovr, err := engine.CreateOverride(context.Background(), quotaflow.OverrideRequest{
		BusinessID: testBusinessID,
		Dimension:  quotaflow.DimensionDailyPayout,
		NewLimit:   60000,
		Reason:     "raise",
	})
	if err != nil {
		t.Fatalf("CreateOverride failed: %v", err)
	}

	rec := doJSON(t, handler, http.MethodPost, "/overrides/revoke", RevokeOverrideRequest{OverrideID: ovr.ID})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	// Second revoke conflicts with the lifecycle state.
	rec = doJSON(t, handler, http.MethodPost, "/overrides/revoke", RevokeOverrideRequest{OverrideID: ovr.ID})
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/overrides/revoke", RevokeOverrideRequest{OverrideID: "ghost"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
}

func TestListViolationsAndResolve(t *testing.T) {
	handler, engine := newTestHandler(t)
	ctx := context.Background()

	decision, err := engine.Admit(ctx, testBusinessID, quotaflow.DimensionDailyPayout, 60000)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected denial")
	}

	rec := doJSON(t, handler, http.MethodGet, "/businesses/"+testBusinessID+"/violations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var violations []ViolationResponse
	if err := json.NewDecoder(rec.Body).Decode(&violations); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("Expected 1 violation, got %d", len(violations))
	}
	if violations[0].Resolved {
		t.Error("Expected unresolved violation")
	}
	if violations[0].Exceedance != 10000 {
		t.Errorf("Expected exceedance 10000, got %d", violations[0].Exceedance)
	}
	// 10000/50000 = 0.20
	if violations[0].Severity != string(quotaflow.SeverityMajor) {
		t.Errorf("Expected major severity, got %q", violations[0].Severity)
	}

	rec = doJSON(t, handler, http.MethodPost, "/violations/"+decision.ViolationID+"/resolve",
		ResolveViolationRequest{Note: "customer contacted"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/businesses/"+testBusinessID+"/violations", nil)
	violations = nil
	if err := json.NewDecoder(rec.Body).Decode(&violations); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !violations[0].Resolved || violations[0].ResolutionNote != "customer contacted" {
		t.Errorf("Expected resolved violation, got %+v", violations[0])
	}
}
