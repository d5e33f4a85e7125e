// Package metrics provides Prometheus metrics collection for the pipeline's
// named performance signals.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nftwatch/eventpipeline/infrastructure/runtime"
)

// Metrics holds every Prometheus collector the pipeline records against.
type Metrics struct {
	EventIngestionTotal   *prometheus.CounterVec
	EventIngestionLatency *prometheus.HistogramVec

	QueueDepth      *prometheus.GaugeVec
	QueueThroughput *prometheus.GaugeVec

	UpdateCalculationTime *prometheus.HistogramVec
	EndToEndLatency       *prometheus.HistogramVec

	CPUUtilization     prometheus.Gauge
	MemoryUtilization  prometheus.Gauge
	NetworkUtilization prometheus.Gauge

	EventsDeadLettered *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec

	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventIngestionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "event_ingestion_rate",
				Help: "Total number of events ingested, by source and kind",
			},
			[]string{"service", "source", "kind"},
		),
		EventIngestionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "event_ingestion_latency_seconds",
				Help:    "Time from adapter receipt to normalized event emission",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"service", "source"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current number of events pending in a topic queue",
			},
			[]string{"service", "topic"},
		),
		QueueThroughput: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_throughput",
				Help: "EWMA-smoothed events-per-second drained from a topic queue",
			},
			[]string{"service", "topic"},
		),
		UpdateCalculationTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "update_calculation_time_seconds",
				Help:    "Time a dispatched handler spends recomputing entity state",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"service", "kind"},
		),
		EndToEndLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "end_to_end_latency_seconds",
				Help:    "Time from event receipt by the adapter to dispatch completion",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service", "topic"},
		),
		CPUUtilization: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cpu_utilization_percent",
				Help: "Sampled process CPU utilization percentage",
			},
		),
		MemoryUtilization: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_utilization_percent",
				Help: "Sampled process memory utilization percentage",
			},
		),
		NetworkUtilization: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "network_utilization_percent",
				Help: "Sampled network interface utilization percentage",
			},
		),
		EventsDeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_dead_lettered_total",
				Help: "Total number of events moved to the dead-letter topic",
			},
			[]string{"service", "topic"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors recorded by the error handler",
			},
			[]string{"service", "category", "severity"},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.EventIngestionTotal,
			m.EventIngestionLatency,
			m.QueueDepth,
			m.QueueThroughput,
			m.UpdateCalculationTime,
			m.EndToEndLatency,
			m.CPUUtilization,
			m.MemoryUtilization,
			m.NetworkUtilization,
			m.EventsDeadLettered,
			m.ErrorsTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

func (m *Metrics) RecordEventIngested(service, source, kind string, latency time.Duration) {
	m.EventIngestionTotal.WithLabelValues(service, source, kind).Inc()
	m.EventIngestionLatency.WithLabelValues(service, source).Observe(latency.Seconds())
}

func (m *Metrics) SetQueueDepth(service, topic string, depth int) {
	m.QueueDepth.WithLabelValues(service, topic).Set(float64(depth))
}

func (m *Metrics) SetQueueThroughput(service, topic string, eventsPerSecond float64) {
	m.QueueThroughput.WithLabelValues(service, topic).Set(eventsPerSecond)
}

func (m *Metrics) RecordUpdateCalculation(service, kind string, d time.Duration) {
	m.UpdateCalculationTime.WithLabelValues(service, kind).Observe(d.Seconds())
}

func (m *Metrics) RecordEndToEndLatency(service, topic string, d time.Duration) {
	m.EndToEndLatency.WithLabelValues(service, topic).Observe(d.Seconds())
}

func (m *Metrics) SetResourceUtilization(cpuPct, memPct, netPct float64) {
	m.CPUUtilization.Set(cpuPct)
	m.MemoryUtilization.Set(memPct)
	m.NetworkUtilization.Set(netPct)
}

func (m *Metrics) RecordDeadLettered(service, topic string) {
	m.EventsDeadLettered.WithLabelValues(service, topic).Inc()
}

func (m *Metrics) RecordError(service, category, severity string) {
	m.ErrorsTotal.WithLabelValues(service, category, severity).Inc()
}

func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
