// Package http provides HTTP middleware for quota admission enforcement
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/quotaflow/quotaflow/pkg/quotaflow"
)

// BusinessIDExtractor extracts the business ID from an HTTP request.
// Return empty string if the caller is not identified.
type BusinessIDExtractor func(r *http.Request) string

// DimensionExtractor extracts the quota dimension from an HTTP request.
type DimensionExtractor func(r *http.Request) quotaflow.Dimension

// AmountExtractor calculates the usage amount to admit from the request.
// For example: count transactions as 1, or parse a payout amount from the body.
type AmountExtractor func(r *http.Request) (int64, error)

// Config holds middleware configuration
type Config struct {
	// Engine is the quota engine instance (required)
	Engine *quotaflow.Engine

	// GetBusinessID extracts business ID from request (required)
	GetBusinessID BusinessIDExtractor

	// GetDimension extracts the quota dimension from request (required)
	GetDimension DimensionExtractor

	// GetAmount calculates usage amount from request (required)
	GetAmount AmountExtractor

	// OnDenied is called when admission is denied
	// If nil, returns 429 Too Many Requests with a JSON body
	OnDenied func(w http.ResponseWriter, r *http.Request, decision *quotaflow.Decision)

	// OnUnauthorized is called when no business ID can be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that admits requests against the
// quota engine before calling the next handler. A denied admission stops the
// request; the ledger is only incremented when the request proceeds.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			businessID := config.GetBusinessID(r)
			if businessID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			dim := config.GetDimension(r)
			amount, err := config.GetAmount(r)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			decision, err := config.Engine.Admit(r.Context(), businessID, dim, amount)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !decision.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, decision)
				} else {
					writeDenied(w, dim, decision)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces quota admission
// (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func writeDenied(w http.ResponseWriter, dim quotaflow.Dimension, decision *quotaflow.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":       "quota exceeded",
		"dimension":   string(dim),
		"used":        decision.Used,
		"limit":       decision.Limit,
		"violationId": decision.ViolationID,
	})
}

// Common extractors for convenience

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(r *http.Request) (int64, error) {
		return amount, nil
	}
}

// FixedDimension returns a DimensionExtractor that always returns a fixed
// dimension
func FixedDimension(dim quotaflow.Dimension) DimensionExtractor {
	return func(r *http.Request) quotaflow.Dimension {
		return dim
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// BusinessIDKey is the context key for business ID
	BusinessIDKey ContextKey = "quota:businessID"
)

// FromContext returns a BusinessIDExtractor that gets business ID from
// request context
func FromContext(key ContextKey) BusinessIDExtractor {
	return func(r *http.Request) string {
		if businessID, ok := r.Context().Value(key).(string); ok {
			return businessID
		}
		return ""
	}
}

// FromHeader returns a BusinessIDExtractor that gets business ID from a header
func FromHeader(headerName string) BusinessIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithBusinessID adds business ID to request context
func WithBusinessID(ctx context.Context, businessID string) context.Context {
	return context.WithValue(ctx, BusinessIDKey, businessID)
}
