package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quotaflow/quotaflow/pkg/quotaflow"
	"github.com/quotaflow/quotaflow/storage/memory"
)

func newTestEngine(t *testing.T) *quotaflow.Engine {
	t.Helper()
	catalog, err := quotaflow.NewLimitCatalog(map[quotaflow.Tier]map[quotaflow.Dimension]int64{
		quotaflow.Tier1: {
			quotaflow.DimensionDailyPayout:         1000,
			quotaflow.DimensionMonthlyTransactions: 100,
			quotaflow.DimensionCustomerVolume:      50,
		},
		quotaflow.Tier2: {
			quotaflow.DimensionDailyPayout:         10000,
			quotaflow.DimensionMonthlyTransactions: 1000,
			quotaflow.DimensionCustomerVolume:      500,
		},
		quotaflow.Tier3: {
			quotaflow.DimensionDailyPayout:         100000,
			quotaflow.DimensionMonthlyTransactions: 10000,
			quotaflow.DimensionCustomerVolume:      5000,
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
		ID:   "biz1",
		Tier: quotaflow.Tier1,
	})
	if err != nil {
		t.Fatalf("RegisterBusiness failed: %v", err)
	}
	return engine
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_AllowsWithinLimit(t *testing.T) {
	engine := newTestEngine(t)
	mw := Middleware(Config{
		Engine:        engine,
		GetBusinessID: FromHeader("X-Business-ID"),
		GetDimension:  FixedDimension(quotaflow.DimensionMonthlyTransactions),
		GetAmount:     FixedAmount(1),
	})

	handler := mw(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/tx", nil)
	req.Header.Set("X-Business-ID", "biz1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	used, err := engine.CurrentUsage(context.Background(), "biz1", quotaflow.DimensionMonthlyTransactions)
	if err != nil {
		t.Fatalf("CurrentUsage failed: %v", err)
	}
	if used != 1 {
		t.Errorf("Expected usage 1, got %d", used)
	}
}

func TestMiddleware_DeniesOverLimit(t *testing.T) {
	engine := newTestEngine(t)
	mw := Middleware(Config{
		Engine:        engine,
		GetBusinessID: FromHeader("X-Business-ID"),
		GetDimension:  FixedDimension(quotaflow.DimensionMonthlyTransactions),
		GetAmount:     FixedAmount(101),
	})

	handler := mw(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/tx", nil)
	req.Header.Set("X-Business-ID", "biz1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}

	// The denied request never reached the ledger.
	used, err := engine.CurrentUsage(context.Background(), "biz1", quotaflow.DimensionMonthlyTransactions)
	if err != nil {
		t.Fatalf("CurrentUsage failed: %v", err)
	}
	if used != 0 {
		t.Errorf("Expected usage 0 after denial, got %d", used)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	engine := newTestEngine(t)
	mw := Middleware(Config{
		Engine:        engine,
		GetBusinessID: FromHeader("X-Business-ID"),
		GetDimension:  FixedDimension(quotaflow.DimensionMonthlyTransactions),
		GetAmount:     FixedAmount(1),
	})

	handler := mw(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/tx", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_CustomOnDenied(t *testing.T) {
	engine := newTestEngine(t)
	called := false
	mw := Middleware(Config{
		Engine:        engine,
		GetBusinessID: FromHeader("X-Business-ID"),
		GetDimension:  FixedDimension(quotaflow.DimensionMonthlyTransactions),
		GetAmount:     FixedAmount(101),
		OnDenied: func(w http.ResponseWriter, r *http.Request, decision *quotaflow.Decision) {
			called = true
			w.WriteHeader(http.StatusPaymentRequired)
		},
	})

	handler := mw(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/tx", nil)
	req.Header.Set("X-Business-ID", "biz1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("Expected OnDenied to be called")
	}
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected custom status, got %d", rec.Code)
	}
}

func TestFromContext(t *testing.T) {
	engine := newTestEngine(t)
	mw := Middleware(Config{
		Engine:        engine,
		GetBusinessID: FromContext(BusinessIDKey),
		GetDimension:  FixedDimension(quotaflow.DimensionMonthlyTransactions),
		GetAmount:     FixedAmount(1),
	})

	handler := mw(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/tx", nil)
	req = req.WithContext(WithBusinessID(req.Context(), "biz1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
}
