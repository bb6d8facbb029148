// Package gin provides Gin middleware for quota admission enforcement
package gin

import (
	"fmt"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/quotaflow/quotaflow/pkg/quotaflow"
)

// BusinessIDExtractor extracts the business ID from a Gin context.
// Return empty string if the caller is not identified.
type BusinessIDExtractor func(c *gongin.Context) string

// DimensionExtractor extracts the quota dimension from a Gin context.
type DimensionExtractor func(c *gongin.Context) quotaflow.Dimension

// AmountExtractor calculates the usage amount to admit from the Gin context.
// For example: count transactions as 1, or parse a payout amount from the body.
type AmountExtractor func(c *gongin.Context) (int64, error)

// Config holds middleware configuration
type Config struct {
	// Engine is the quota engine instance (required)
	Engine *quotaflow.Engine

	// GetBusinessID extracts business ID from context (required)
	GetBusinessID BusinessIDExtractor

	// GetDimension extracts the quota dimension from context (required)
	GetDimension DimensionExtractor

	// GetAmount calculates usage amount from context (required)
	GetAmount AmountExtractor

	// DeniedStatusCode is the HTTP status code to return when admission is
	// denied. Default: 429 (Too Many Requests)
	DeniedStatusCode int

	// OnDenied is called when admission is denied
	// If nil, uses default response: DeniedStatusCode JSON with usage info
	OnDenied func(c *gongin.Context, decision *quotaflow.Decision)

	// OnUnauthorized is called when no business ID can be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that admits requests against the quota
// engine before the handler runs
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("quotaflow/gin: Config.Engine is required")
	}
	if cfg.GetBusinessID == nil {
		panic("quotaflow/gin: Config.GetBusinessID is required")
	}
	if cfg.GetDimension == nil {
		panic("quotaflow/gin: Config.GetDimension is required")
	}
	if cfg.GetAmount == nil {
		panic("quotaflow/gin: Config.GetAmount is required")
	}

	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusTooManyRequests
	}

	return func(c *gongin.Context) {
		businessID := cfg.GetBusinessID(c)
		if businessID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		dim := cfg.GetDimension(c)
		amount, err := cfg.GetAmount(c)
		if err != nil || amount < 0 {
			if err == nil {
				err = fmt.Errorf("invalid amount: %d", amount)
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		decision, err := cfg.Engine.Admit(c.Request.Context(), businessID, dim, amount)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !decision.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, decision)
			} else {
				c.JSON(cfg.DeniedStatusCode, gongin.H{
					"error":       "quota exceeded",
					"dimension":   string(dim),
					"used":        decision.Used,
					"limit":       decision.Limit,
					"violationId": decision.ViolationID,
				})
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// Convenience extractors for Business ID

// FromContext returns a BusinessIDExtractor that gets business ID from Gin
// context values. This is the recommended approach for integrating with auth
// middleware that sets tenant information via c.Set("BusinessID", "...").
func FromContext(key string) BusinessIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a BusinessIDExtractor that gets business ID from a header
func FromHeader(headerName string) BusinessIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a BusinessIDExtractor that gets business ID from a route
// parameter
func FromParam(paramName string) BusinessIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Dimension

// FixedDimension returns a DimensionExtractor that always returns a fixed
// dimension
func FixedDimension(dim quotaflow.Dimension) DimensionExtractor {
	return func(*gongin.Context) quotaflow.Dimension {
		return dim
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(*gongin.Context) (int64, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a
// function
func DynamicCost(costFunc func(*gongin.Context) int64) AmountExtractor {
	return func(c *gongin.Context) (int64, error) {
		return costFunc(c), nil
	}
}
