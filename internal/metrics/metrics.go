package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateguard_checks_total",
			Help: "Total number of enforcement checks",
		},
		[]string{"operation", "algorithm", "outcome"},
	)

	CheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateguard_check_duration_seconds",
			Help:    "Enforcement check duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
		[]string{"operation", "algorithm"},
	)

	DenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateguard_denials_total",
			Help: "Total number of denied requests",
		},
		[]string{"operation", "subject_id"},
	)

	DegradedChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateguard_degraded_checks_total",
			Help: "Total number of checks that failed open",
		},
		[]string{"operation", "reason"},
	)

	StoreErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateguard_store_errors_total",
			Help: "Total number of shared counter store errors",
		},
	)

	FallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateguard_fallback_total",
			Help: "Total number of checks served by the local fallback store",
		},
	)

	StoreAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateguard_store_available",
			Help: "Shared counter store availability (1=available, 0=unavailable)",
		},
	)

	UsageDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateguard_usage_records_dropped_total",
			Help: "Usage records dropped because the dispatch buffer was full",
		},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateguard_alerts_total",
			Help: "Abuse alerts fired, by level",
		},
		[]string{"level"},
	)
)

func RecordCheck(operation, algorithm, outcome string, durationSec float64) {
	ChecksTotal.WithLabelValues(operation, algorithm, outcome).Inc()
	CheckDuration.WithLabelValues(operation, algorithm).Observe(durationSec)
}

func RecordDenial(operation, subjectID string) {
	DenialsTotal.WithLabelValues(operation, subjectID).Inc()
}

func RecordDegraded(operation, reason string) {
	DegradedChecksTotal.WithLabelValues(operation, reason).Inc()
}

func RecordStoreError() {
	StoreErrorsTotal.Inc()
}

func RecordFallback() {
	FallbackTotal.Inc()
}

func SetStoreAvailable(available bool) {
	if available {
		StoreAvailable.Set(1)
	} else {
		StoreAvailable.Set(0)
	}
}

func RecordUsageDropped() {
	UsageDropped.Inc()
}

func RecordAlert(level string) {
	AlertsTotal.WithLabelValues(level).Inc()
}
