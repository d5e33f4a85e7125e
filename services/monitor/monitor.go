// Package monitor implements the performance monitor: periodic metric
// sampling, two-level threshold alerts, rolling-window anomaly detection
// (3σ), and linear-regression trend detection.
package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/nftwatch/eventpipeline/infrastructure/logging"
)

// Sample is one observed metric value.
type Sample struct {
	Name      string
	Value     float64
	Timestamp time.Time
	Labels    map[string]string
}

// Threshold is a two-level alerting band for one metric.
type Threshold struct {
	Warning  float64
	Critical float64
	// Inverted metrics (e.g. throughput) alert when the value falls below
	// the threshold rather than above it.
	Inverted bool
}

// Alert is an emitted threshold, anomaly, or trend signal.
type Alert struct {
	Metric    string
	Kind      string // "threshold" | "anomaly" | "trend"
	Severity  string
	Message   string
	Value     float64
	Timestamp time.Time
}

// Config is the monitor's tunable surface.
type Config struct {
	CollectionFrequency time.Duration
	RetentionPeriod     time.Duration
	TrendWindow         time.Duration
	Thresholds          map[string]Threshold
}

const (
	anomalyWindowSize = 10
	anomalySigma      = 3.0
	trendSlopeAlert   = 0.01
)

func DefaultConfig() Config {
	return Config{
		CollectionFrequency: 5 * time.Second,
		RetentionPeriod:     24 * time.Hour,
		TrendWindow:         time.Hour,
		Thresholds: map[string]Threshold{
			"event_ingestion_rate": {Warning: 50, Critical: 10, Inverted: true},
			"queue_depth":          {Warning: 5000, Critical: 9000},
			"end_to_end_latency":   {Warning: 2, Critical: 5},
			"cpu_utilization":      {Warning: 75, Critical: 90},
			"memory_utilization":   {Warning: 75, Critical: 90},
			"queue_throughput":     {Warning: 10, Critical: 2, Inverted: true},
		},
	}
}

type series struct {
	mu      sync.Mutex
	samples []Sample
}

func (s *series) add(sample Sample, retention time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, sample)
	cutoff := sample.Timestamp.Add(-retention)
	i := 0
	for ; i < len(s.samples); i++ {
		if s.samples[i].Timestamp.After(cutoff) {
			break
		}
	}
	s.samples = s.samples[i:]
}

func (s *series) last(n int) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.samples) {
		n = len(s.samples)
	}
	out := make([]Sample, n)
	copy(out, s.samples[len(s.samples)-n:])
	return out
}

func (s *series) window(since time.Time) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, 0, len(s.samples))
	for _, smp := range s.samples {
		if smp.Timestamp.After(since) {
			out = append(out, smp)
		}
	}
	return out
}

// Monitor collects metric samples and evaluates alerts against them.
type Monitor struct {
	cfg     Config
	logger  *logging.Logger
	service string

	mu      sync.Mutex
	series  map[string]*series
	onAlert []func(Alert)
	latest  map[string]Sample

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, logger *logging.Logger, service string) *Monitor {
	if cfg.CollectionFrequency <= 0 {
		cfg.CollectionFrequency = 5 * time.Second
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = 24 * time.Hour
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = time.Hour
	}
	return &Monitor{
		cfg:     cfg,
		logger:  logger,
		service: service,
		series:  make(map[string]*series),
		latest:  make(map[string]Sample),
		stopCh:  make(chan struct{}),
	}
}

// OnAlert registers a callback invoked for every alert the monitor emits.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = append(m.onAlert, fn)
}

// Record ingests one sample and evaluates it for threshold, anomaly, and
// trend signals.
func (m *Monitor) Record(name string, value float64, labels map[string]string) {
	sample := Sample{Name: name, Value: value, Timestamp: time.Now(), Labels: labels}

	m.mu.Lock()
	s, ok := m.series[name]
	if !ok {
		s = &series{}
		m.series[name] = s
	}
	m.latest[name] = sample
	m.mu.Unlock()

	s.add(sample, m.cfg.RetentionPeriod)

	m.evaluateThreshold(sample)
	m.evaluateAnomaly(name, s)
	m.evaluateTrend(name, s)
}

func (m *Monitor) evaluateThreshold(sample Sample) {
	m.mu.Lock()
	th, ok := m.cfg.Thresholds[sample.Name]
	m.mu.Unlock()
	if !ok {
		return
	}

	breach := func(limit float64) bool {
		if th.Inverted {
			return sample.Value < limit
		}
		return sample.Value > limit
	}

	switch {
	case breach(th.Critical):
		m.emit(Alert{Metric: sample.Name, Kind: "threshold", Severity: "critical", Value: sample.Value, Timestamp: sample.Timestamp,
			Message: "critical threshold breached"})
	case breach(th.Warning):
		m.emit(Alert{Metric: sample.Name, Kind: "threshold", Severity: "warning", Value: sample.Value, Timestamp: sample.Timestamp,
			Message: "warning threshold breached"})
	}
}

func (m *Monitor) evaluateAnomaly(name string, s *series) {
	window := s.last(anomalyWindowSize + 1)
	if len(window) <= anomalyWindowSize {
		return
	}

	history := window[:anomalyWindowSize]
	latest := window[anomalyWindowSize]

	mean, stddev := meanStdDev(history)

	// A perfectly flat baseline makes any departure an anomaly; otherwise
	// measure the departure in standard deviations.
	deviations := math.Inf(1)
	if stddev != 0 {
		deviations = math.Abs(latest.Value-mean) / stddev
	} else if latest.Value == mean {
		return
	}

	if deviations > anomalySigma {
		m.emit(Alert{
			Metric: name, Kind: "anomaly", Severity: "high", Value: latest.Value, Timestamp: latest.Timestamp,
			Message: "value deviates more than 3 standard deviations from rolling mean",
		})
	}
}

func (m *Monitor) evaluateTrend(name string, s *series) {
	since := time.Now().Add(-m.cfg.TrendWindow)
	window := s.window(since)
	if len(window) < 3 {
		return
	}

	slope := linearRegressionSlope(window)
	if math.Abs(slope) > trendSlopeAlert {
		direction := "increasing"
		if slope < 0 {
			direction = "decreasing"
		}
		m.emit(Alert{
			Metric: name, Kind: "trend", Severity: "medium", Value: slope, Timestamp: time.Now(),
			Message: name + " trend is " + direction,
		})
	}
}

func (m *Monitor) emit(a Alert) {
	m.mu.Lock()
	hooks := append([]func(Alert){}, m.onAlert...)
	m.mu.Unlock()

	for _, hook := range hooks {
		hook(a)
	}

	if m.logger != nil {
		m.logger.WithFields(map[string]interface{}{
			"metric": a.Metric, "kind": a.Kind, "severity": a.Severity, "value": a.Value,
		}).Warn(a.Message)
	}
}

// Latest returns the most recently recorded sample for every metric name.
func (m *Monitor) Latest() map[string]Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Sample, len(m.latest))
	for k, v := range m.latest {
		out[k] = v
	}
	return out
}

// meanStdDev computes the population mean and standard deviation of a
// sample window.
func meanStdDev(samples []Sample) (mean, stddev float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s.Value
	}
	mean = sum / float64(len(samples))

	variance := 0.0
	for _, s := range samples {
		d := s.Value - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	return mean, math.Sqrt(variance)
}

// linearRegressionSlope fits (timestamp, value) pairs with ordinary
// least-squares and returns the slope in value-per-second.
func linearRegressionSlope(samples []Sample) float64 {
	n := float64(len(samples))
	if n < 2 {
		return 0
	}

	t0 := samples[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		x := s.Timestamp.Sub(t0).Seconds()
		y := s.Value
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Start runs a periodic collection loop that samples collectFn on the
// configured frequency until the context is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context, collectFn func() map[string]float64) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CollectionFrequency)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				for name, value := range collectFn() {
					m.Record(name, value, nil)
				}
			}
		}
	}()
}

// Stop halts the collection loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}
