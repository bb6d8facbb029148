package quotaflow

import (
	"errors"
	"fmt"
)

var (
	// ErrBusinessNotFound is returned for an unknown business identifier.
	ErrBusinessNotFound = errors.New("business not found")

	// ErrOverrideNotFound is returned for an unknown override identifier.
	ErrOverrideNotFound = errors.New("override not found")

	// ErrViolationNotFound is returned for an unknown violation identifier.
	ErrViolationNotFound = errors.New("violation not found")

	// ErrOverrideNotActive is returned when revoking an override that is not
	// currently active.
	ErrOverrideNotActive = errors.New("override not active")

	// ErrInvalidAmount is returned for negative admission amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrRetryExhausted is returned when storage contention exceeded the
	// bounded retry budget. The whole admission call is safe to retry:
	// TryIncrement has no partial side effects.
	ErrRetryExhausted = errors.New("concurrency retry budget exhausted")

	// ErrStorageUnavailable is returned when storage is unavailable.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ValidationError describes a malformed override request. It is reported to
// the caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConfigurationError indicates a missing or inconsistent catalog entry. It is
// fatal: the engine refuses to serve the affected tier or dimension until the
// catalog is corrected.
type ConfigurationError struct {
	Tier      Tier
	Dimension Dimension
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("catalog misconfigured for tier %d, dimension %q: %s", e.Tier, e.Dimension, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
