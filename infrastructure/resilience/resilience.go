// Package resilience provides fault tolerance patterns for the pipeline's
// ingestion adapters and outbound calls, backed by
// github.com/sony/gobreaker/v2 (circuit breaking) and
// github.com/cenkalti/backoff/v4 (retry with exponential backoff).
//
// A flapping Neo RPC node, a webhook sender that starts erroring on every
// delivery, or a social/market data provider having an outage should not be
// retried forever at full rate. The circuit breaker trips after a run of
// consecutive failures and gives the upstream a cooldown window before
// letting traffic through again.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/nftwatch/eventpipeline/infrastructure/logging"
)

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State mirrors gobreaker's three-state machine: closed (calls pass
// through), open (calls are rejected immediately), half-open (a limited
// number of probe calls are allowed through to test recovery).
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// ---------------------------------------------------------------------------
// Circuit Breaker
// ---------------------------------------------------------------------------

// Config tunes a CircuitBreaker.
type Config struct {
	MaxFailures   int           // consecutive failures before opening
	Timeout       time.Duration // time in open state before half-open
	HalfOpenMax   int           // max probe requests allowed in half-open
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults for an adapter guarding an
// external dependency of unknown reliability.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker, exposing an Execute(ctx, fn)
// call shape so adapters can guard any blocking external call (an RPC poll,
// a provider fetch, a webhook callback) the same way.
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// New creates a CircuitBreaker backed by sony/gobreaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}

	maxFailures := uint32(cfg.MaxFailures)
	halfOpenMax := uint32(cfg.HalfOpenMax)

	settings := gobreaker.Settings{
		MaxRequests: halfOpenMax,
		Interval:    0, // counts reset on state change, not on a rolling interval
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}

	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}

	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State reports the breaker's current state.
func (cb *CircuitBreaker) State() State {
	return State(cb.gb.State())
}

// Execute runs fn under circuit breaker protection. The ctx parameter is
// accepted for call-site symmetry with Retry; gobreaker itself doesn't
// observe cancellation, so callers needing a hard deadline on fn should
// still derive one from ctx before calling Execute.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		return translateBreakerError(err)
	}
	return nil
}

func translateBreakerError(err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return ErrCircuitOpen
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrTooManyRequests
	default:
		return err
	}
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

// RetryConfig configures bounded exponential-backoff retry.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, randomization factor applied to each interval
}

// DefaultRetryConfig returns a three-attempt backoff suitable for a single
// blocking dependency call (a poller provider fetch, a dead-lettered
// handler retry).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retry executes fn with exponential backoff via cenkalti/backoff, honoring
// ctx cancellation between attempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = cfg.Jitter
	// The attempt budget is governed by MaxAttempts, not wall-clock time.
	bo.MaxElapsedTime = 0

	// the first call isn't itself a "retry", so MaxRetries trails MaxAttempts by one.
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.MaxAttempts-1)), ctx)

	return backoff.Retry(fn, policy)
}

// ---------------------------------------------------------------------------
// Adapter circuit-breaker presets
// ---------------------------------------------------------------------------

// SourceCircuitBreakerConfig configures a CircuitBreaker guarding one of the
// pipeline's ingestion sources (a Neo RPC endpoint, a webhook sender, a
// social/market data provider) and logs every state transition.
type SourceCircuitBreakerConfig struct {
	MaxFailures    int
	TimeoutSeconds int
	HalfOpenMax    int
	Logger         *logging.Logger
}

// DefaultSourceCBConfig suits a poller provider or webhook sender of
// moderate, unknown reliability.
func DefaultSourceCBConfig(logger *logging.Logger) Config {
	return SourceCBConfig(SourceCircuitBreakerConfig{
		MaxFailures:    5,
		TimeoutSeconds: 30,
		HalfOpenMax:    3,
		Logger:         logger,
	})
}

// StrictSourceCBConfig suits a source the pipeline depends on for every
// event (the blockchain RPC endpoint) where a sustained outage should trip
// fast rather than keep spending retry budget against a dead node.
func StrictSourceCBConfig(logger *logging.Logger) Config {
	return SourceCBConfig(SourceCircuitBreakerConfig{
		MaxFailures:    3,
		TimeoutSeconds: 60,
		HalfOpenMax:    1,
		Logger:         logger,
	})
}

// LenientSourceCBConfig suits a best-effort source (an optional social
// listening provider) that can tolerate more transient failures before the
// breaker opens.
func LenientSourceCBConfig(logger *logging.Logger) Config {
	return SourceCBConfig(SourceCircuitBreakerConfig{
		MaxFailures:    10,
		TimeoutSeconds: 15,
		HalfOpenMax:    5,
		Logger:         logger,
	})
}

// SourceCBConfig builds a Config from SourceCircuitBreakerConfig, wiring the
// logger (if any) to record every open/half-open/closed transition.
func SourceCBConfig(cfg SourceCircuitBreakerConfig) Config {
	cbConfig := Config{
		MaxFailures: cfg.MaxFailures,
		Timeout:     SecondsToDuration(cfg.TimeoutSeconds),
		HalfOpenMax: cfg.HalfOpenMax,
	}

	if cbConfig.MaxFailures <= 0 {
		cbConfig.MaxFailures = 5
	}
	if cbConfig.Timeout <= 0 {
		cbConfig.Timeout = 30 * time.Second
	}
	if cbConfig.HalfOpenMax <= 0 {
		cbConfig.HalfOpenMax = 3
	}

	if cfg.Logger != nil {
		cbConfig.OnStateChange = func(from, to State) {
			cfg.Logger.WithFields(map[string]interface{}{
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Warn("source_circuit_breaker_state_changed")
		}
	}

	return cbConfig
}

// SecondsToDuration converts a whole-seconds config value to a Duration.
func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
