package adapters

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/nftwatch/eventpipeline/domain/event"
	ierrors "github.com/nftwatch/eventpipeline/infrastructure/errors"
	"github.com/nftwatch/eventpipeline/infrastructure/logging"
	"github.com/nftwatch/eventpipeline/infrastructure/ratelimit"
)

// webhookKindFields lists the required data fields per fraud-detection
// webhook type. A payload missing any of them is a validation error.
var webhookKindFields = map[string][]string{
	"image_analysis":      {"nftId", "analysisResults"},
	"similarity_score":    {"nftId", "similarityScore"},
	"wash_trading":        {"nftId", "detectionResults"},
	"metadata_validation": {"nftId", "validationResults"},
}

var webhookKindToEventKind = map[string]event.Kind{
	"image_analysis":      event.KindFraudImageAnalysis,
	"similarity_score":    event.KindFraudSimilarityScore,
	"wash_trading":        event.KindFraudWashTrading,
	"metadata_validation": event.KindFraudMetadataValidation,
}

type webhookItem struct {
	id      string
	kind    string
	ts      int64
	data    gjson.Result
	attempt int
}

// WebhookConfig is the push adapter's tunable surface.
type WebhookConfig struct {
	MaxQueueSize      int
	BatchSize         int
	DrainInterval     time.Duration
	MaxRetries        int
	BackoffMultiplier float64
	RateLimit         ratelimit.RateLimitConfig

	// EnabledKinds gates ingestion per webhook type. Nil means every known
	// type is enabled; a payload whose type maps to false is acknowledged
	// and dropped without entering the pending queue.
	EnabledKinds map[string]bool
}

func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		MaxQueueSize:      1000,
		BatchSize:         20,
		DrainInterval:     time.Second,
		MaxRetries:        3,
		BackoffMultiplier: 2,
		RateLimit:         ratelimit.DefaultConfig(),
	}
}

// WebhookAdapter receives fraud-detection payloads over HTTP, deduplicates
// and batches them, and emits normalized events onto the sink.
type WebhookAdapter struct {
	cfg    WebhookConfig
	sink   Sink
	errs   *ierrors.Handler
	logger *logging.Logger
	name   string

	onLifecycle func(LifecycleSignal)

	mu      sync.Mutex
	pending []webhookItem
	seen    map[string]struct{}
	timers  []*time.Timer
	stopped bool

	limiter *ratelimit.KeyedLimiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewWebhookAdapter(cfg WebhookConfig, sink Sink, errs *ierrors.Handler, logger *logging.Logger) *WebhookAdapter {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	return &WebhookAdapter{
		cfg: cfg, sink: sink, errs: errs, logger: logger, name: "fraud_detection_webhook",
		seen:    make(map[string]struct{}),
		limiter: ratelimit.NewKeyed(cfg.RateLimit),
		stopCh:  make(chan struct{}),
	}
}

// OnLifecycle registers a callback for started/stopped/error/retryScheduled signals.
func (a *WebhookAdapter) OnLifecycle(fn func(LifecycleSignal)) { a.onLifecycle = fn }

func (a *WebhookAdapter) emit(kind LifecycleKind, err error) {
	if a.onLifecycle == nil {
		return
	}
	a.onLifecycle(LifecycleSignal{Adapter: a.name, Kind: kind, Err: err, Timestamp: time.Now()})
}

// RegisterRoutes mounts the webhook HTTP endpoint on router.
func (a *WebhookAdapter) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/fraud-detection", a.handleWebhook).Methods(http.MethodPost)
}

func (a *WebhookAdapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Timestamp int64           `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.reject(w, err)
		return
	}

	required, known := webhookKindFields[body.Type]
	if !known {
		a.reject(w, fmt.Errorf("validation_error: unknown webhook type %q", body.Type))
		return
	}

	if a.cfg.EnabledKinds != nil && !a.cfg.EnabledKinds[body.Type] {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if !a.limiter.Allow(body.Type) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	data := gjson.ParseBytes(body.Data)
	for _, field := range required {
		if !data.Get(field).Exists() {
			a.reject(w, fmt.Errorf("validation_error: missing required field %q for type %q", field, body.Type))
			return
		}
	}

	a.mu.Lock()
	if _, dup := a.seen[body.ID]; dup {
		a.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if len(a.pending) >= a.cfg.MaxQueueSize {
		oldest := a.pending[0]
		delete(a.seen, oldest.id)
		a.pending = a.pending[1:]
	}
	a.pending = append(a.pending, webhookItem{id: body.ID, kind: body.Type, ts: body.Timestamp, data: data})
	a.seen[body.ID] = struct{}{}
	a.mu.Unlock()

	w.WriteHeader(http.StatusAccepted)
}

func (a *WebhookAdapter) reject(w http.ResponseWriter, err error) {
	if a.errs != nil {
		a.errs.HandleError(err, map[string]interface{}{"adapter": a.name})
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}

// Start runs the periodic drain worker until Stop is called.
func (a *WebhookAdapter) Start() {
	a.emit(LifecycleStarted, nil)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopCh:
				return
			case <-ticker.C:
				a.drainBatch()
			}
		}
	}()
}

func (a *WebhookAdapter) drainBatch() {
	a.mu.Lock()
	n := a.cfg.BatchSize
	if n > len(a.pending) {
		n = len(a.pending)
	}
	batch := make([]webhookItem, n)
	copy(batch, a.pending[:n])
	a.pending = a.pending[n:]
	for _, item := range batch {
		delete(a.seen, item.id)
	}
	a.mu.Unlock()

	for _, item := range batch {
		a.process(item)
	}
}

func (a *WebhookAdapter) process(item webhookItem) {
	evt, err := a.normalize(item)
	if err != nil {
		a.retry(item)
		return
	}
	a.sink.Ingest(evt)
}

func (a *WebhookAdapter) normalize(item webhookItem) (*event.Event, error) {
	nftID := item.data.Get("nftId").String()
	if nftID == "" {
		return nil, fmt.Errorf("data_error: item %s missing nftId at normalization", item.id)
	}

	payload := event.FraudDetectionPayload{
		ModelVersion:    item.kind,
		ConfidenceScore: item.data.Get("confidence").Float(),
		Evidence:        map[string]string{},
	}
	if ids := item.data.Get("similarNfts"); ids.Exists() {
		for _, r := range ids.Array() {
			payload.RelatedTokenIDs = append(payload.RelatedTokenIDs, r.String())
		}
	}

	return &event.Event{
		ID:         item.id,
		Kind:       webhookKindToEventKind[item.kind],
		EntityType: event.EntityNFT,
		EntityID:   nftID,
		Source:     event.SourceFraudDetection,
		Timestamp:  item.ts,
		Data:       payload,
		ReceivedAt: time.Now(),
	}, nil
}

// retry re-queues a failed item after an exponential backoff delay, or
// drops it and emits an error lifecycle signal ("updateFailed") once
// MaxRetries is exceeded.
func (a *WebhookAdapter) retry(item webhookItem) {
	item.attempt++
	if item.attempt > a.cfg.MaxRetries {
		a.emit(LifecycleError, fmt.Errorf("updateFailed: webhook item %s dropped after %d attempts", item.id, item.attempt-1))
		return
	}

	delay := time.Duration(math.Pow(a.cfg.BackoffMultiplier, float64(item.attempt))) * time.Second
	a.emit(LifecycleRetryScheduled, nil)

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	timer := time.AfterFunc(delay, func() {
		a.mu.Lock()
		if !a.stopped {
			a.pending = append(a.pending, item)
			a.seen[item.id] = struct{}{}
		}
		a.mu.Unlock()
	})
	a.timers = append(a.timers, timer)
	a.mu.Unlock()
}

// Stop halts the drain worker and cancels every pending retry timer.
func (a *WebhookAdapter) Stop() {
	a.mu.Lock()
	a.stopped = true
	for _, timer := range a.timers {
		timer.Stop()
	}
	a.timers = nil
	a.mu.Unlock()

	close(a.stopCh)
	a.wg.Wait()
	a.emit(LifecycleStopped, nil)
}
