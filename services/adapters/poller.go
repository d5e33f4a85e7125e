package adapters

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nftwatch/eventpipeline/domain/event"
	ierrors "github.com/nftwatch/eventpipeline/infrastructure/errors"
	"github.com/nftwatch/eventpipeline/infrastructure/fallback"
	"github.com/nftwatch/eventpipeline/infrastructure/logging"
	"github.com/nftwatch/eventpipeline/infrastructure/resilience"
)

// EntityRef names one entity a poller provider should fetch a snapshot for.
type EntityRef struct {
	EntityType event.EntityType
	EntityID   string
}

// Provider fetches current metric snapshots for a set of monitored entities.
// The returned map is keyed by entity key ("entityType:entityId") to a set
// of metric name -> value pairs.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, entities []EntityRef) (map[string]map[string]float64, error)
}

// ThresholdKind selects how a metric's significance is evaluated.
type ThresholdKind string

const (
	ThresholdPercent  ThresholdKind = "percent"
	ThresholdAbsolute ThresholdKind = "absolute"
	ThresholdSigma    ThresholdKind = "sigma"
	ThresholdAlways   ThresholdKind = "always"
)

// MetricSpec maps one provider metric to an event kind and its
// significance rule.
type MetricSpec struct {
	Metric    string
	Kind      event.Kind
	Rule      ThresholdKind
	Threshold float64
	// HistoryWindow bounds the rolling sample window for sigma metrics.
	HistoryWindow int
}

type snapshotEntry struct {
	values  map[string]float64
	history map[string][]float64
}

// PollerConfig is the pull adapter's tunable surface.
type PollerConfig struct {
	PollInterval time.Duration
	MaxRetries   int
	InitialDelay time.Duration
	Source       event.Source
	Metrics      []MetricSpec
}

// PollerAdapter polls one or more Providers on a fixed interval, diffing
// against the prior snapshot and emitting a normalized event whenever a
// metric crosses its configured significance threshold.
type PollerAdapter struct {
	cfg       PollerConfig
	providers []Provider
	entities  func() []EntityRef
	sink      Sink
	errs      *ierrors.Handler
	logger    *logging.Logger
	name      string

	onLifecycle func(LifecycleSignal)

	mu        sync.Mutex
	snapshots map[string]map[string]*snapshotEntry // provider -> entityKey -> entry

	// lastGood caches each provider's last successful snapshot so a transient
	// fetch failure degrades to stale data instead of a dropped poll cycle.
	lastGood *fallback.Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPollerAdapter(name string, cfg PollerConfig, providers []Provider, entities func() []EntityRef, sink Sink, errs *ierrors.Handler, logger *logging.Logger) *PollerAdapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	return &PollerAdapter{
		cfg: cfg, providers: providers, entities: entities, sink: sink, errs: errs, logger: logger, name: name,
		snapshots: make(map[string]map[string]*snapshotEntry),
		lastGood:  fallback.NewHandler(fallback.DefaultConfig()),
		stopCh:    make(chan struct{}),
	}
}

func (a *PollerAdapter) OnLifecycle(fn func(LifecycleSignal)) { a.onLifecycle = fn }

func (a *PollerAdapter) emit(kind LifecycleKind, err error) {
	if a.onLifecycle == nil {
		return
	}
	a.onLifecycle(LifecycleSignal{Adapter: a.name, Kind: kind, Err: err, Timestamp: time.Now()})
}

// Start runs the poll loop until Stop is called.
func (a *PollerAdapter) Start(ctx context.Context) {
	a.emit(LifecycleStarted, nil)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case <-ticker.C:
				a.pollOnce(ctx)
			}
		}
	}()
}

func (a *PollerAdapter) pollOnce(ctx context.Context) {
	entities := a.entities()
	for _, provider := range a.providers {
		provider := provider
		retryCfg := resilience.RetryConfig{
			MaxAttempts:  a.cfg.MaxRetries,
			InitialDelay: a.cfg.InitialDelay,
			MaxDelay:     a.cfg.InitialDelay * 16,
			Multiplier:   2,
		}
		result := a.lastGood.Execute(ctx,
			func(ctx context.Context) (interface{}, error) {
				return fetchWithRetry(ctx, retryCfg, provider, entities)
			},
			func(ctx context.Context) (interface{}, error) {
				if cached, ok := a.lastGood.GetCache(provider.Name()); ok {
					return cached, nil
				}
				return nil, fmt.Errorf("no cached snapshot for provider %s", provider.Name())
			},
		)
		if result.Err != nil {
			if a.errs != nil {
				a.errs.HandleError(fmt.Errorf("dependency_error: provider %s fetch failed: %w", provider.Name(), result.Err),
					map[string]interface{}{"adapter": a.name, "provider": provider.Name()})
			}
			a.emit(LifecycleError, result.Err)
			continue
		}
		snapshot := result.Value.(map[string]map[string]float64)
		if result.Source == "fallback" {
			if a.logger != nil {
				a.logger.WithFields(map[string]interface{}{"adapter": a.name, "provider": provider.Name()}).Warn("provider_fetch_failed_using_cached_snapshot")
			}
		} else {
			a.lastGood.SetCache(provider.Name(), snapshot, 2*a.cfg.PollInterval)
		}
		a.diffAndEmit(provider.Name(), snapshot)
	}
}

func fetchWithRetry(ctx context.Context, cfg resilience.RetryConfig, provider Provider, entities []EntityRef) (map[string]map[string]float64, error) {
	var result map[string]map[string]float64
	err := resilience.Retry(ctx, cfg, func() error {
		snap, err := provider.Fetch(ctx, entities)
		if err != nil {
			return err
		}
		result = snap
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *PollerAdapter) diffAndEmit(providerName string, snapshot map[string]map[string]float64) {
	a.mu.Lock()
	perEntity, ok := a.snapshots[providerName]
	if !ok {
		perEntity = make(map[string]*snapshotEntry)
		a.snapshots[providerName] = perEntity
	}

	type emission struct {
		entityKey  string
		spec       MetricSpec
		previous   float64
		current    float64
		deviations float64
	}
	var toEmit []emission

	for entityKey, values := range snapshot {
		entry, ok := perEntity[entityKey]
		if !ok {
			entry = &snapshotEntry{values: map[string]float64{}, history: map[string][]float64{}}
			perEntity[entityKey] = entry
		}

		for _, spec := range a.cfg.Metrics {
			current, present := values[spec.Metric]
			if !present {
				continue
			}
			previous, hadPrevious := entry.values[spec.Metric]

			window := spec.HistoryWindow
			if window <= 0 {
				window = 10
			}
			hist := append(entry.history[spec.Metric], current)
			if len(hist) > window {
				hist = hist[len(hist)-window:]
			}
			entry.history[spec.Metric] = hist

			if hadPrevious && significant(spec, previous, current, hist) {
				toEmit = append(toEmit, emission{
					entityKey: entityKey, spec: spec, previous: previous, current: current,
					deviations: sigmaDeviations(current, hist),
				})
			}
			entry.values[spec.Metric] = current
		}
	}
	a.mu.Unlock()

	for _, e := range toEmit {
		a.sink.Ingest(a.normalize(e.entityKey, e.spec, e.previous, e.current, e.deviations))
	}
}

// sigmaDeviations reports how many standard deviations current sits from
// the rolling-window mean, or 0 when the window is too short to say.
func sigmaDeviations(current float64, history []float64) float64 {
	if len(history) < 3 {
		return 0
	}
	mean, stddev := meanStdDevFloats(history)
	if stddev == 0 {
		return 0
	}
	return math.Abs(current-mean) / stddev
}

func significant(spec MetricSpec, previous, current float64, history []float64) bool {
	switch spec.Rule {
	case ThresholdAlways:
		return current != 0
	case ThresholdAbsolute:
		return math.Abs(current-previous) >= spec.Threshold
	case ThresholdSigma:
		if len(history) < 3 {
			return false
		}
		mean, stddev := meanStdDevFloats(history)
		if stddev == 0 {
			return false
		}
		return math.Abs(current-mean)/stddev >= spec.Threshold
	case ThresholdPercent:
		fallthrough
	default:
		if previous == 0 {
			return current != 0
		}
		return math.Abs((current-previous)/previous)*100 >= spec.Threshold
	}
}

func meanStdDevFloats(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func (a *PollerAdapter) normalize(entityKey string, spec MetricSpec, previous, current, deviations float64) *event.Event {
	entityType, entityID := splitEntityKey(entityKey)

	var payload event.Payload
	switch a.cfg.Source {
	case event.SourceSocialMedia:
		payload = event.SocialMediaPayload{
			Platform:       a.name,
			Magnitude:      math.Abs(current - previous),
			PreviousValue:  previous,
			CurrentValue:   current,
			SentimentScore: current,
		}
	default:
		pct := 0.0
		if previous != 0 {
			pct = (current - previous) / previous * 100
		}
		payload = event.MarketConditionPayload{
			PercentChange: pct,
			PreviousPrice: previous,
			CurrentPrice:  current,
			VolumeRatio:   deviations,
		}
	}

	return &event.Event{
		ID:         fmt.Sprintf("%s-%s-%d", entityKey, spec.Metric, time.Now().UnixNano()),
		Kind:       spec.Kind,
		EntityType: entityType,
		EntityID:   entityID,
		Source:     a.cfg.Source,
		Timestamp:  time.Now().UnixMilli(),
		Data:       payload,
		ReceivedAt: time.Now(),
	}
}

func splitEntityKey(key string) (event.EntityType, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return event.EntityType(key[:i]), key[i+1:]
		}
	}
	return event.EntityWildcard, key
}

// EntityKey builds the canonical (entityType, entityId) snapshot key.
func EntityKey(ref EntityRef) string {
	return string(ref.EntityType) + ":" + ref.EntityID
}

// Stop halts the poll loop.
func (a *PollerAdapter) Stop() {
	close(a.stopCh)
	a.wg.Wait()
	a.emit(LifecycleStopped, nil)
}
