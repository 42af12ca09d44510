package restx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector records attempts, retries and give-ups of executed
// requests. A nil *MetricsCollector records nothing. It is safe for
// concurrent use.
type MetricsCollector struct {
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	giveUpsTotal    *prometheus.CounterVec
	buildErrors     *prometheus.CounterVec
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		attemptsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "restx_attempts_total",
				Help: "Total number of request attempts",
			},
			[]string{"operation", "method", "status_code"},
		),
		attemptDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "restx_attempt_duration_seconds",
				Help:    "Duration of request attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "method"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "restx_retries_total",
				Help: "Total number of retries granted by the retry handler",
			},
			[]string{"operation", "attempt"},
		),
		giveUpsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "restx_give_ups_total",
				Help: "Total number of requests the retry handler gave up on",
			},
			[]string{"operation"},
		),
		buildErrors: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "restx_build_errors_total",
				Help: "Total number of invocations that failed before dispatch",
			},
			[]string{"operation"},
		),
	}
}

// RecordAttempt records one attempt. statusCode is 0 for transport failures.
func (mc *MetricsCollector) RecordAttempt(operation, method string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}

	mc.attemptsTotal.WithLabelValues(operation, method, status).Inc()
	mc.attemptDuration.WithLabelValues(operation, method).Observe(duration.Seconds())
}

// RecordRetry records that attempt was granted.
func (mc *MetricsCollector) RecordRetry(operation string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// RecordGiveUp records a request whose last error was returned to the caller.
func (mc *MetricsCollector) RecordGiveUp(operation string) {
	if mc == nil {
		return
	}

	mc.giveUpsTotal.WithLabelValues(operation).Inc()
}

// RecordBuildError records an invocation rejected by the request builder.
func (mc *MetricsCollector) RecordBuildError(operation string) {
	if mc == nil {
		return
	}

	mc.buildErrors.WithLabelValues(operation).Inc()
}
