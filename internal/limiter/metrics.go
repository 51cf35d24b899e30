package limiter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quotagate",
			Subsystem: "limiter",
			Name:      "decisions_total",
			Help:      "Total admission decisions by class and outcome",
		},
		[]string{"class", "result"},
	)

	// Store failures are tracked separately from allow/deny: a sustained
	// fail-open rate means the limiter is not limiting anything, and
	// operators need to see that.
	storeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quotagate",
			Subsystem: "limiter",
			Name:      "store_errors_total",
			Help:      "Shared-store failures by operation, each one a fail-open or degraded read",
		},
		[]string{"operation"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quotagate",
			Subsystem: "limiter",
			Name:      "operation_duration_seconds",
			Help:      "Time spent on shared-store operations",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"operation"},
	)
)

const (
	resultAllowed  = "allowed"
	resultDenied   = "denied"
	resultFailOpen = "fail_open"
)
