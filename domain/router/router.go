// Package router makes the per-event admission decision: whether an event
// should trigger an entity-state update and/or a notification, gated by a
// per-entity cooldown and a probabilistic (or, in deterministic mode,
// token-bucket) threshold sample.
package router

import (
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nftwatch/eventpipeline/domain/event"
)

// Decision is the router's verdict for one event.
type Decision struct {
	ShouldUpdate         bool
	ShouldNotify         bool
	UpdatePriority       int
	NotificationPriority int
}

// Thresholds pairs the update/notification gates for one event kind.
type Thresholds struct {
	Update       float64
	Notification float64
}

// Config is the router's tunable surface. Thresholds carries both the
// update and notification gates for a kind, so one map covers both
// configuration surfaces.
type Config struct {
	UpdateThresholds   map[event.Kind]Thresholds
	EnableSmartRouting bool
	CooldownPeriods    map[event.EntityType]time.Duration

	// DeterministicMode replaces the uniform-random gate with a
	// per-(entityType,eventType) token bucket, per the compatibility flag
	// called out for implementations that need reproducible routing.
	DeterministicMode bool
}

var defaultThresholds = Thresholds{Update: 0.5, Notification: 0.3}

// DefaultConfig supplies the cooldowns named in the router algorithm and a
// conservative 0.5/0.3 threshold pair for kinds not explicitly listed.
func DefaultConfig() Config {
	return Config{
		UpdateThresholds: map[event.Kind]Thresholds{
			event.KindNFTSale:          {Update: 0.6, Notification: 0.4},
			event.KindFraudWashTrading: {Update: 0.7, Notification: 0.6},
		},
		EnableSmartRouting: true,
		CooldownPeriods: map[event.EntityType]time.Duration{
			event.EntityNFT:        60 * time.Second,
			event.EntityCollection: 300 * time.Second,
			event.EntityCreator:    600 * time.Second,
			event.EntityMarket:     900 * time.Second,
		},
	}
}

type smartReduction struct {
	updateReduction float64
	notifyReduction float64
	predicate       func(signals map[string]float64) bool
}

var smartReductions = map[event.Kind]smartReduction{
	event.KindNFTSale: {
		updateReduction: 0.2, notifyReduction: 0.3,
		predicate: func(s map[string]float64) bool { return s["value"] > 10 },
	},
	event.KindFraudWashTrading: {
		updateReduction: 0.3, notifyReduction: 0.4,
		predicate: func(s map[string]float64) bool { return s["confidenceScore"] > 0.8 },
	},
}

var notifyBonusByCategory = map[string]float64{
	"fraud":  1,
	"market": 0.5,
}

// Router holds the per-entity cooldown ledger. Safe for concurrent use. Two
// goroutines racing on the same entity's cooldown may both be admitted; the
// race is benign, worst case one extra event passes the gate.
type Router struct {
	cfg Config

	mu         sync.Mutex
	lastUpdate map[string]time.Time
	buckets    map[string]*rate.Limiter
	rng        *rand.Rand
}

// New constructs a Router. seed seeds the uniform random source used by the
// default probabilistic gate (deterministic mode does not draw from it), so
// tests can pass a fixed seed for reproducible routing; pass
// time.Now().UnixNano() in production.
func New(cfg Config, seed int64) *Router {
	return &Router{
		cfg:        cfg,
		lastUpdate: make(map[string]time.Time),
		buckets:    make(map[string]*rate.Limiter),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Route computes the admission decision for evt as of now.
func (r *Router) Route(evt *event.Event, now time.Time) Decision {
	entityKey := evt.EntityKey()

	r.mu.Lock()
	last, seen := r.lastUpdate[entityKey]
	cooldown := r.cfg.CooldownPeriods[evt.EntityType]
	r.mu.Unlock()

	if seen && now.Sub(last) < cooldown {
		return Decision{}
	}

	th := r.thresholdsFor(evt.Kind)

	var signals map[string]float64
	if evt.Data != nil {
		signals = evt.Data.Signals()
	}

	if r.cfg.EnableSmartRouting {
		if red, ok := smartReductions[evt.Kind]; ok && red.predicate(signals) {
			th.Update = clampReduction(th.Update, red.updateReduction)
			th.Notification = clampReduction(th.Notification, red.notifyReduction)
		}
	}

	updateSample, notifySample := r.samples(evt)

	decision := Decision{}
	decision.ShouldUpdate = updateSample < th.Update
	if decision.ShouldUpdate {
		decision.UpdatePriority = evt.PriorityOrDefault(defaultPriorityFloor)
		decision.ShouldNotify = notifySample < th.Notification
		if decision.ShouldNotify {
			bonus := notificationBonus(evt.Kind)
			np := float64(evt.PriorityOrDefault(defaultPriorityFloor)) + bonus
			if np > 10 {
				np = 10
			}
			decision.NotificationPriority = int(np)
		}

		r.mu.Lock()
		r.lastUpdate[entityKey] = now
		r.mu.Unlock()
	}

	return decision
}

const defaultPriorityFloor = 5

func (r *Router) thresholdsFor(kind event.Kind) Thresholds {
	if t, ok := r.cfg.UpdateThresholds[kind]; ok {
		return t
	}
	return defaultThresholds
}

func clampReduction(threshold, reduction float64) float64 {
	if reduction > threshold {
		reduction = threshold
	}
	return threshold - reduction
}

func notificationBonus(kind event.Kind) float64 {
	switch {
	case isFraudKind(kind):
		return 1
	case isPriceKind(kind):
		return 0.5
	default:
		return 0
	}
}

func isFraudKind(kind event.Kind) bool {
	switch kind {
	case event.KindFraudImageAnalysis, event.KindFraudSimilarityScore,
		event.KindFraudWashTrading, event.KindFraudMetadataValidation:
		return true
	}
	return false
}

func isPriceKind(kind event.Kind) bool {
	switch kind {
	case event.KindNFTSale, event.KindCollectionPriceUpdate, event.KindMarketFloorPriceChange:
		return true
	}
	return false
}

// samples draws the update/notify gate samples, either from the uniform
// random source (default) or from the deterministic token bucket keyed by
// (entityType, eventType).
func (r *Router) samples(evt *event.Event) (updateSample, notifySample float64) {
	if !r.cfg.DeterministicMode {
		r.mu.Lock()
		u := r.rng.Float64()
		n := r.rng.Float64()
		r.mu.Unlock()
		return u, n
	}

	key := string(evt.EntityType) + "|" + string(evt.Kind)
	r.mu.Lock()
	limiter, ok := r.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Second), 1)
		r.buckets[key] = limiter
	}
	r.mu.Unlock()

	if limiter.Allow() {
		return 0, 0
	}
	return 1, 1
}
