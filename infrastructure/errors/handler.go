package errors

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nftwatch/eventpipeline/infrastructure/logging"
	"github.com/nftwatch/eventpipeline/infrastructure/resilience"
)

// Record is a ledger entry: a classified error plus its retry/resolution
// bookkeeping.
type Record struct {
	ID                 string
	Category           Category
	Severity           Severity
	Message            string
	Timestamp          time.Time
	Context            map[string]interface{}
	RetryCount         int
	Resolved           bool
	ResolvedAt         time.Time
	ResolutionStrategy string
}

// RetryPolicy names the retry shape for one category.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

func (p RetryPolicy) toResilience() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  p.MaxRetries + 1,
		InitialDelay: p.InitialDelay,
		MaxDelay:     p.MaxDelay,
		Multiplier:   p.BackoffFactor,
	}
}

var defaultRetryPolicies = map[Category]RetryPolicy{
	CategoryConnection: {MaxRetries: 5, InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 60 * time.Second},
	CategoryProcessing: {MaxRetries: 3, InitialDelay: 2 * time.Second, BackoffFactor: 1.5, MaxDelay: 30 * time.Second},
	CategoryData:       {MaxRetries: 2, InitialDelay: 3 * time.Second, BackoffFactor: 1.5, MaxDelay: 15 * time.Second},
	CategorySystem:     {MaxRetries: 4, InitialDelay: 5 * time.Second, BackoffFactor: 2, MaxDelay: 120 * time.Second},
	CategoryTimeout:    {MaxRetries: 3, InitialDelay: 500 * time.Millisecond, BackoffFactor: 3, MaxDelay: 30 * time.Second},
	CategoryValidation: {MaxRetries: 1, InitialDelay: time.Second, BackoffFactor: 1, MaxDelay: time.Second},
	CategoryDependency: {MaxRetries: 4, InitialDelay: 2 * time.Second, BackoffFactor: 1.5, MaxDelay: 45 * time.Second},
}

// FallbackStrategy is a named recovery action attempted once an error's
// retry budget is exhausted.
type FallbackStrategy struct {
	Name      string
	Condition func(*Record) bool
	Action    func(ctx context.Context, rec *Record) error
}

// Handler is the central error ledger: it classifies, retains, retries, and
// falls back on errors raised anywhere in the pipeline.
type Handler struct {
	logger *logging.Logger

	mu        sync.Mutex
	records   map[string]*Record
	policies  map[Category]RetryPolicy
	fallbacks []FallbackStrategy
	retention time.Duration

	// existsFunc reports whether an eventId referenced by a record still
	// corresponds to a live, tracked event. Nil means no event-tracking
	// oracle is wired and the cross-check is skipped.
	existsFunc func(eventID string) bool
}

// NewHandler constructs an error ledger using the default per-category
// retry policies and a 7-day resolved-record retention window.
func NewHandler(logger *logging.Logger) *Handler {
	policies := make(map[Category]RetryPolicy, len(defaultRetryPolicies))
	for k, v := range defaultRetryPolicies {
		policies[k] = v
	}
	return &Handler{
		logger:    logger,
		records:   make(map[string]*Record),
		policies:  policies,
		retention: 7 * 24 * time.Hour,
	}
}

// SetEventOracle wires the event-existence check used by VerifySystemState.
func (h *Handler) SetEventOracle(fn func(eventID string) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.existsFunc = fn
}

// RegisterFallback adds a fallback strategy, tried in registration order.
func (h *Handler) RegisterFallback(fs FallbackStrategy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fallbacks = append(h.fallbacks, fs)
}

// HandleError classifies err, stores a ledger record, and returns its id.
// Severity derived per AssignSeverity; a critical record is logged
// immediately regardless of retry state.
func (h *Handler) HandleError(err error, ctx map[string]interface{}) string {
	cat := Classify(err)
	sev := AssignSeverity(cat, ctx)

	rec := &Record{
		ID:        uuid.NewString(),
		Category:  cat,
		Severity:  sev,
		Message:   err.Error(),
		Timestamp: time.Now(),
		Context:   ctx,
	}

	h.mu.Lock()
	h.records[rec.ID] = rec
	h.mu.Unlock()

	fields := map[string]interface{}{
		"errorId":  rec.ID,
		"category": string(cat),
		"severity": string(sev),
	}
	for k, v := range ctx {
		fields[k] = v
	}

	if h.logger != nil {
		entry := h.logger.WithFields(fields)
		if sev == SeverityCritical {
			entry.Error("error_recorded: critical severity")
		} else {
			entry.Warn("error_recorded")
		}
	}

	return rec.ID
}

// Retry re-invokes op under the category's retry policy, stamping attempt
// counts onto the ledger record. When the retry budget is exhausted, the
// first matching fallback strategy is applied and the record is marked
// resolved with its name.
func (h *Handler) Retry(ctx context.Context, errorID string, op func(ctx context.Context) error) error {
	h.mu.Lock()
	rec, ok := h.records[errorID]
	h.mu.Unlock()
	if !ok {
		return ErrRecordNotFound
	}

	h.mu.Lock()
	policy, hasPolicy := h.policies[rec.Category]
	h.mu.Unlock()
	if !hasPolicy {
		policy = RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 30 * time.Second}
	}

	rcfg := policy.toResilience()
	retryErr := resilience.Retry(ctx, rcfg, func() error {
		h.mu.Lock()
		rec.RetryCount++
		h.mu.Unlock()
		return op(ctx)
	})

	if retryErr == nil {
		return nil
	}

	h.mu.Lock()
	fallbacks := append([]FallbackStrategy(nil), h.fallbacks...)
	h.mu.Unlock()

	for _, fs := range fallbacks {
		if fs.Condition == nil || fs.Condition(rec) {
			actionErr := fs.Action(ctx, rec)
			h.mu.Lock()
			rec.Resolved = actionErr == nil
			rec.ResolvedAt = time.Now()
			rec.ResolutionStrategy = fs.Name
			h.mu.Unlock()
			return actionErr
		}
	}

	return retryErr
}

// Resolve marks the record as resolved under the named strategy. Reports
// whether the record existed.
func (h *Handler) Resolve(id, strategy string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[id]
	if !ok {
		return false
	}
	rec.Resolved = true
	rec.ResolvedAt = time.Now()
	rec.ResolutionStrategy = strategy
	return true
}

// Record returns the ledger entry for id, if present.
func (h *Handler) Record(id string) (*Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[id]
	return rec, ok
}

// Stats summarizes the ledger for the status report.
type Stats struct {
	Total      int
	ByCategory map[Category]int
	BySeverity map[Severity]int
	Unresolved int
}

func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Stats{ByCategory: map[Category]int{}, BySeverity: map[Severity]int{}}
	for _, rec := range h.records {
		s.Total++
		s.ByCategory[rec.Category]++
		s.BySeverity[rec.Severity]++
		if !rec.Resolved {
			s.Unresolved++
		}
	}
	return s
}

// Recent returns up to n most recently recorded errors, newest first by
// Timestamp.
func (h *Handler) Recent(n int) []*Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*Record, 0, len(h.records))
	for _, rec := range h.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Evict drops resolved records older than the retention window.
func (h *Handler) Evict(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	evicted := 0
	for id, rec := range h.records {
		if rec.Resolved && now.Sub(rec.ResolvedAt) > h.retention {
			delete(h.records, id)
			evicted++
		}
	}
	return evicted
}

// StateConsistency is the result of VerifySystemState.
type StateConsistency struct {
	Consistent bool
	Issues     []string
}

// VerifySystemState runs the error handler's cross-checks: every
// unresolved record whose context carries an eventId must reference a
// live event, if an event-existence oracle has been wired.
func (h *Handler) VerifySystemState(queueDepths map[string]int) StateConsistency {
	issues := []string{}

	for topic, depth := range queueDepths {
		if depth < 0 {
			issues = append(issues, "negative queue depth for topic "+topic)
		}
	}

	h.mu.Lock()
	oracle := h.existsFunc
	records := make([]*Record, 0, len(h.records))
	for _, rec := range h.records {
		records = append(records, rec)
	}
	h.mu.Unlock()

	if oracle != nil {
		for _, rec := range records {
			if rec.Resolved {
				continue
			}
			eventID, ok := rec.Context["eventId"].(string)
			if !ok {
				continue
			}
			if !oracle(eventID) {
				issues = append(issues, "unresolved error "+rec.ID+" references missing event "+eventID)
			}
		}
	}

	return StateConsistency{Consistent: len(issues) == 0, Issues: issues}
}

// ErrRecordNotFound is returned by Retry when the error id is unknown.
var ErrRecordNotFound = recordNotFoundErr{}

type recordNotFoundErr struct{}

func (recordNotFoundErr) Error() string { return "error record not found" }
