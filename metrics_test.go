package restx

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMetrics struct {
	registry  *prometheus.Registry
	collector *MetricsCollector
}

func newTestMetrics(t *testing.T) *testMetrics {
	t.Helper()

	registry := prometheus.NewRegistry()

	return &testMetrics{
		registry:  registry,
		collector: NewMetricsCollectorWithRegistry(registry),
	}
}

func (m *testMetrics) counter(t *testing.T, name string, labels ...string) float64 {
	t.Helper()

	var vec *prometheus.CounterVec
	switch name {
	case "restx_attempts_total":
		vec = m.collector.attemptsTotal
	case "restx_retries_total":
		vec = m.collector.retriesTotal
	case "restx_give_ups_total":
		vec = m.collector.giveUpsTotal
	case "restx_build_errors_total":
		vec = m.collector.buildErrors
	default:
		t.Fatalf("unknown counter %s", name)
	}

	return testutil.ToFloat64(vec.WithLabelValues(labels...))
}

func TestMetricsCollector_Record(t *testing.T) {
	m := newTestMetrics(t)

	m.collector.RecordAttempt("listUsers", "GET", 200, 15*time.Millisecond)
	m.collector.RecordAttempt("listUsers", "GET", 200, 20*time.Millisecond)
	m.collector.RecordAttempt("listUsers", "GET", 0, time.Millisecond)
	m.collector.RecordRetry("listUsers", 2)
	m.collector.RecordGiveUp("listUsers")
	m.collector.RecordBuildError("createUser")

	assert.Equal(t, 2.0, m.counter(t, "restx_attempts_total", "listUsers", "GET", "200"))
	assert.Equal(t, 1.0, m.counter(t, "restx_attempts_total", "listUsers", "GET", "error"))
	assert.Equal(t, 1.0, m.counter(t, "restx_retries_total", "listUsers", "2"))
	assert.Equal(t, 1.0, m.counter(t, "restx_give_ups_total", "listUsers"))
	assert.Equal(t, 1.0, m.counter(t, "restx_build_errors_total", "createUser"))

	count, err := testutil.GatherAndCount(m.registry, "restx_attempt_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsCollector_NilIsNoop(t *testing.T) {
	var mc *MetricsCollector

	assert.NotPanics(t, func() {
		mc.RecordAttempt("op", "GET", 200, time.Second)
		mc.RecordRetry("op", 2)
		mc.RecordGiveUp("op")
		mc.RecordBuildError("op")
	})
}

func TestNewMetricsCollectorWithRegistry_DuplicatePanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetricsCollectorWithRegistry(registry)

	assert.Panics(t, func() { NewMetricsCollectorWithRegistry(registry) })
}
