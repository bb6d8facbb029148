package quotaflow

import "time"

// Metrics defines the interface for tracking engine operations.
type Metrics interface {
	// RecordAdmission records an admission attempt.
	RecordAdmission(dim Dimension, tier Tier, amount int64, allowed bool)

	// RecordViolation records a recorded violation by severity.
	RecordViolation(dim Dimension, severity Severity)

	// RecordOverrideEvent records an override lifecycle event
	// ("created", "revoked", "expired").
	RecordOverrideEvent(dim Dimension, event string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAdmission(dim Dimension, tier Tier, amount int64, allowed bool) {}

func (n *NoopMetrics) RecordViolation(dim Dimension, severity Severity) {}

func (n *NoopMetrics) RecordOverrideEvent(dim Dimension, event string) {}

func (n *NoopMetrics) RecordStorageOperation(op string, duration time.Duration, err error) {}
