package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quotaflow/quotaflow/pkg/quotaflow"
)

// Metrics implements quotaflow.Metrics using Prometheus.
type Metrics struct {
	admissionsTotal    *prometheus.CounterVec
	admissionAmount    *prometheus.HistogramVec
	violationsTotal    *prometheus.CounterVec
	overrideEvents     *prometheus.CounterVec
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		admissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Total number of admission attempts.",
		}, []string{"dimension", "tier", "allowed"}),

		admissionAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_amount",
			Help:      "Distribution of admitted usage amounts.",
			Buckets:   []float64{1, 10, 100, 1000, 10000, 100000, 1000000},
		}, []string{"dimension", "tier"}),

		violationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Total number of recorded limit violations.",
		}, []string{"dimension", "severity"}),

		overrideEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "override_events_total",
			Help:      "Total number of override lifecycle events.",
		}, []string{"dimension", "event"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordAdmission(dim quotaflow.Dimension, tier quotaflow.Tier, amount int64, allowed bool) {
	tierLabel := strconv.Itoa(int(tier))
	m.admissionsTotal.WithLabelValues(string(dim), tierLabel, strconv.FormatBool(allowed)).Inc()
	if allowed {
		m.admissionAmount.WithLabelValues(string(dim), tierLabel).Observe(float64(amount))
	}
}

func (m *Metrics) RecordViolation(dim quotaflow.Dimension, severity quotaflow.Severity) {
	m.violationsTotal.WithLabelValues(string(dim), string(severity)).Inc()
}

func (m *Metrics) RecordOverrideEvent(dim quotaflow.Dimension, event string) {
	m.overrideEvents.WithLabelValues(string(dim), event).Inc()
}

func (m *Metrics) RecordStorageOperation(op string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(op).Inc()
	}
}
