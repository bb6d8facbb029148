package quotaflow

import "time"

// Clock supplies the current instant. Injecting it keeps lazy override expiry
// and period rollover deterministic under test.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, reading UTC wall time.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
