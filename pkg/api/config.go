package api

import (
	"fmt"
	"net/http"

	"github.com/quotaflow/quotaflow/pkg/quotaflow"
)

// Config holds configuration for the admin API handler.
type Config struct {
	// Engine is the quota engine instance (required).
	Engine *quotaflow.Engine

	// GetActor extracts the acting administrator's identity from the request.
	// Used to stamp RequestedBy/ApprovedBy/RevokedBy on override commands.
	// If nil, commands carry an empty actor.
	GetActor func(*http.Request) string

	// OnError handles errors. If nil, errors are mapped to the default JSON
	// error envelope with a status code derived from the error kind.
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional; if nil, nothing is logged.
	Logger quotaflow.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	return nil
}

// NewHandler creates a new admin API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &quotaflow.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// FromHeader returns a GetActor function that extracts the actor identity
// from a header.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetActor function that extracts the actor identity
// from the request context.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if actor, ok := r.Context().Value(key).(string); ok {
			return actor
		}
		return ""
	}
}
