package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewWithRegistry("test-service", prometheus.NewRegistry())
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestRecordEventIngested(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordEventIngested("svc", "blockchain", "nft_sale", 10*time.Millisecond)

	assert.Equal(t, float64(1), counterValue(t, m.EventIngestionTotal.WithLabelValues("svc", "blockchain", "nft_sale")))
}

func TestSetQueueDepthAndThroughput(t *testing.T) {
	m := newTestMetrics(t)
	m.SetQueueDepth("svc", "blockchain", 42)
	m.SetQueueThroughput("svc", "blockchain", 3.5)

	assert.Equal(t, float64(42), gaugeValue(t, m.QueueDepth.WithLabelValues("svc", "blockchain")))
	assert.Equal(t, 3.5, gaugeValue(t, m.QueueThroughput.WithLabelValues("svc", "blockchain")))
}

func TestSetResourceUtilization(t *testing.T) {
	m := newTestMetrics(t)
	m.SetResourceUtilization(55, 70, 12)

	assert.Equal(t, float64(55), gaugeValue(t, m.CPUUtilization))
	assert.Equal(t, float64(70), gaugeValue(t, m.MemoryUtilization))
	assert.Equal(t, float64(12), gaugeValue(t, m.NetworkUtilization))
}

func TestRecordDeadLetteredAndError(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordDeadLettered("svc", "dead_letter")
	m.RecordDeadLettered("svc", "dead_letter")
	m.RecordError("svc", "connection", "high")

	assert.Equal(t, float64(2), counterValue(t, m.EventsDeadLettered.WithLabelValues("svc", "dead_letter")))
	assert.Equal(t, float64(1), counterValue(t, m.ErrorsTotal.WithLabelValues("svc", "connection", "high")))
}

func TestUpdateUptime(t *testing.T) {
	m := newTestMetrics(t)
	start := time.Now().Add(-5 * time.Second)
	m.UpdateUptime(start)

	assert.GreaterOrEqual(t, gaugeValue(t, m.ServiceUptime), 5.0)
}

func TestGlobalIsSingleton(t *testing.T) {
	a := Global()
	b := Global()
	assert.Same(t, a, b)
}

func TestEnabled_RespectsExplicitOverride(t *testing.T) {
	t.Setenv("METRICS_ENABLED", "true")
	assert.True(t, Enabled())

	t.Setenv("METRICS_ENABLED", "false")
	assert.False(t, Enabled())
}
