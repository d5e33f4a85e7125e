// Package capacity implements the capacity manager: metric-driven
// auto-scaling of the worker pool, priority-floor load shedding, cooldown
// optimization strategies, and timestamped scheduled capacity changes.
package capacity

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nftwatch/eventpipeline/infrastructure/logging"
	"github.com/nftwatch/eventpipeline/infrastructure/state"
)

// Allocation is the capacity manager's current resource grant.
type Allocation struct {
	ProcessingUnits  int
	MemoryMB         int
	ConcurrencyLevel int
}

// ScalingRule names a metric-driven auto-scaling rule.
type ScalingRule struct {
	Name        string
	Metric      string
	ScaleUp     float64
	ScaleDown   float64
	Cooldown    time.Duration
	MinCapacity int
	MaxCapacity int
	Increment   int

	lastFired time.Time
}

// OptimizationStrategy is a condition/action pair with its own cooldown,
// applied independently of the scaling rules (e.g. raising batch size
// under high queue depth).
type OptimizationStrategy struct {
	Name      string
	Cooldown  time.Duration
	Condition func(snapshot map[string]float64) bool
	Action    func(snapshot map[string]float64)

	lastFired time.Time
}

// ScheduledChange is a timestamped partial-allocation override.
type ScheduledChange struct {
	At               time.Time
	ProcessingUnits  *int
	MemoryMB         *int
	ConcurrencyLevel *int
	applied          bool
}

// QueueController is the narrow interface the capacity manager needs from
// the queue manager: applying new concurrency and the load-shedding floor.
type QueueController interface {
	SetConcurrency(partitionCount int)
	SetPriorityFloor(floor int)
}

// Config is the capacity manager's tunable surface.
type Config struct {
	CheckInterval         time.Duration
	InitialAllocation     Allocation
	LoadSheddingThreshold float64
	ScalingRules          []ScalingRule

	// Persist, when set, durably records the current allocation so a
	// restarted manager resumes from its last grant instead of always
	// starting cold at InitialAllocation.
	Persist *state.PersistentState
}

const allocationStateKey = "allocation"

func DefaultConfig() Config {
	return Config{
		CheckInterval: 10 * time.Second,
		InitialAllocation: Allocation{
			ProcessingUnits:  4,
			MemoryMB:         1024,
			ConcurrencyLevel: 4,
		},
		LoadSheddingThreshold: 90,
		ScalingRules: []ScalingRule{
			{
				Name: "cpu", Metric: "cpu_utilization",
				ScaleUp: 75, ScaleDown: 30, Cooldown: 30 * time.Second,
				MinCapacity: 1, MaxCapacity: 16, Increment: 1,
			},
		},
	}
}

const (
	priorityFloorMedium = 4
	priorityFloorLow    = 0
)

// Manager owns the current allocation and reacts to metric snapshots from
// the performance monitor.
type Manager struct {
	cfg    Config
	logger *logging.Logger
	queue  QueueController

	mu         sync.Mutex
	allocation Allocation
	shedding   bool
	optimizers []OptimizationStrategy
	scheduled  []ScheduledChange

	cron *cron.Cron
}

func New(cfg Config, queue QueueController, logger *logging.Logger) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.LoadSheddingThreshold <= 0 {
		cfg.LoadSheddingThreshold = 90
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		queue:      queue,
		allocation: cfg.InitialAllocation,
		cron:       cron.New(),
	}
}

// persistAllocation saves the current allocation to the configured backing
// store, if any. Failures are logged, not propagated: persistence is
// best-effort resumption, not a correctness requirement for this tick.
func (m *Manager) persistAllocation() {
	if m.cfg.Persist == nil {
		return
	}
	if err := m.cfg.Persist.SaveJSON(context.Background(), allocationStateKey, m.allocation); err != nil && m.logger != nil {
		m.logger.WithError(err).Warn("capacity_allocation_persist_failed")
	}
}

// restoreAllocation loads the last persisted allocation, if one exists,
// overriding InitialAllocation. Called once from Start.
func (m *Manager) restoreAllocation(ctx context.Context) {
	if m.cfg.Persist == nil {
		return
	}
	var restored Allocation
	if err := m.cfg.Persist.LoadJSON(ctx, allocationStateKey, &restored); err != nil {
		return
	}

	m.mu.Lock()
	m.allocation = restored
	m.mu.Unlock()

	if m.queue != nil {
		m.queue.SetConcurrency(restored.ConcurrencyLevel)
	}
	if m.logger != nil {
		m.logger.WithFields(map[string]interface{}{"processingUnits": restored.ProcessingUnits}).Info("capacity_allocation_restored")
	}
}

// AddOptimizationStrategy registers a cooldown-gated optimization.
func (m *Manager) AddOptimizationStrategy(s OptimizationStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optimizers = append(m.optimizers, s)
}

// ScheduleChange adds a timestamped allocation override, applied by the
// periodic check loop once its time arrives. expr is an optional cron
// expression; when non-empty the change recurs on that schedule instead of
// firing once at At.
func (m *Manager) ScheduleChange(change ScheduledChange, expr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if expr == "" {
		m.scheduled = append(m.scheduled, change)
		return nil
	}

	_, err := m.cron.AddFunc(expr, func() {
		m.applyScheduledChange(change)
	})
	return err
}

// Allocation returns the current resource grant.
func (m *Manager) Allocation() Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocation
}

// ObserveSnapshot evaluates one metrics snapshot: auto-scaling rules (at
// most one fires per snapshot), load shedding, and optimization strategies.
func (m *Manager) ObserveSnapshot(snapshot map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyScalingRules(snapshot)
	m.applyLoadShedding(snapshot)
	m.applyOptimizations(snapshot)
}

func (m *Manager) applyScalingRules(snapshot map[string]float64) {
	now := time.Now()
	for i := range m.cfg.ScalingRules {
		rule := &m.cfg.ScalingRules[i]
		value, ok := snapshot[rule.Metric]
		if !ok {
			continue
		}
		if now.Sub(rule.lastFired) < rule.Cooldown {
			continue
		}

		switch {
		case value > rule.ScaleUp && m.allocation.ProcessingUnits < rule.MaxCapacity:
			m.scale(rule, rule.Increment)
			rule.lastFired = now
			return
		case value < rule.ScaleDown && m.allocation.ProcessingUnits > rule.MinCapacity:
			m.scale(rule, -rule.Increment)
			rule.lastFired = now
			return
		}
	}
}

func (m *Manager) scale(rule *ScalingRule, delta int) {
	units := m.allocation.ProcessingUnits + delta
	if units < rule.MinCapacity {
		units = rule.MinCapacity
	}
	if units > rule.MaxCapacity {
		units = rule.MaxCapacity
	}

	ratio := float64(units) / float64(maxInt(m.allocation.ProcessingUnits, 1))
	m.allocation.ProcessingUnits = units
	m.allocation.MemoryMB = int(float64(m.allocation.MemoryMB) * ratio)
	m.allocation.ConcurrencyLevel = units

	if m.queue != nil {
		m.queue.SetConcurrency(units)
	}

	if m.logger != nil {
		m.logger.WithFields(map[string]interface{}{
			"rule": rule.Name, "processingUnits": units,
		}).Info("capacity_scaled")
	}

	m.persistAllocation()
}

func (m *Manager) applyLoadShedding(snapshot map[string]float64) {
	cpu := snapshot["cpu_utilization"]
	mem := snapshot["memory_utilization"]

	over := cpu > m.cfg.LoadSheddingThreshold || mem > m.cfg.LoadSheddingThreshold
	under := cpu < m.cfg.LoadSheddingThreshold && mem < m.cfg.LoadSheddingThreshold

	if over && !m.shedding {
		m.shedding = true
		if m.queue != nil {
			m.queue.SetPriorityFloor(priorityFloorMedium)
		}
		if m.logger != nil {
			m.logger.WithFields(map[string]interface{}{"floor": priorityFloorMedium}).Warn("load_shedding_engaged")
		}
	} else if under && m.shedding {
		m.shedding = false
		if m.queue != nil {
			m.queue.SetPriorityFloor(priorityFloorLow)
		}
		if m.logger != nil {
			m.logger.WithFields(map[string]interface{}{"floor": priorityFloorLow}).Info("load_shedding_disengaged")
		}
	}
}

func (m *Manager) applyOptimizations(snapshot map[string]float64) {
	now := time.Now()
	for i := range m.optimizers {
		opt := &m.optimizers[i]
		if now.Sub(opt.lastFired) < opt.Cooldown {
			continue
		}
		if opt.Condition(snapshot) {
			opt.Action(snapshot)
			opt.lastFired = now
		}
	}
}

func (m *Manager) applyScheduledChange(change ScheduledChange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if change.ProcessingUnits != nil {
		m.allocation.ProcessingUnits = *change.ProcessingUnits
	}
	if change.MemoryMB != nil {
		m.allocation.MemoryMB = *change.MemoryMB
	}
	if change.ConcurrencyLevel != nil {
		m.allocation.ConcurrencyLevel = *change.ConcurrencyLevel
		if m.queue != nil {
			m.queue.SetConcurrency(*change.ConcurrencyLevel)
		}
	}

	for i := range m.cfg.ScalingRules {
		rule := &m.cfg.ScalingRules[i]
		if m.allocation.ProcessingUnits < rule.MinCapacity {
			m.allocation.ProcessingUnits = rule.MinCapacity
		}
		if m.allocation.ProcessingUnits > rule.MaxCapacity {
			m.allocation.ProcessingUnits = rule.MaxCapacity
		}
	}

	m.persistAllocation()
}

// ApplyAllocation immediately overrides the current allocation, re-clamped
// against every scaling rule's min/max bounds. This is the operator-driven
// path behind the scale_capacity intervention, as opposed to the
// metric-driven path in applyScalingRules or the timestamped path in
// applyScheduledChange.
func (m *Manager) ApplyAllocation(a Allocation) {
	m.applyScheduledChange(ScheduledChange{
		ProcessingUnits:  &a.ProcessingUnits,
		MemoryMB:         &a.MemoryMB,
		ConcurrencyLevel: &a.ConcurrencyLevel,
	})
}

// ScheduledChanges returns every pending one-shot scheduled change.
func (m *Manager) ScheduledChanges() []ScheduledChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ScheduledChange, len(m.scheduled))
	copy(out, m.scheduled)
	return out
}

// Start runs the periodic check loop that applies due one-shot scheduled
// changes and starts the cron scheduler for recurring ones.
func (m *Manager) Start(ctx context.Context) {
	m.restoreAllocation(ctx)
	m.cron.Start()

	go func() {
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.applyDueScheduledChanges()
			}
		}
	}()
}

func (m *Manager) applyDueScheduledChanges() {
	m.mu.Lock()
	now := time.Now()
	due := make([]ScheduledChange, 0)
	remaining := make([]ScheduledChange, 0, len(m.scheduled))
	for _, c := range m.scheduled {
		if !c.applied && !c.At.After(now) {
			due = append(due, c)
			continue
		}
		remaining = append(remaining, c)
	}
	m.scheduled = remaining
	m.mu.Unlock()

	for _, c := range due {
		m.applyScheduledChange(c)
	}
}

// Stop halts the cron scheduler.
func (m *Manager) Stop(ctx context.Context) error {
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shedding reports whether load shedding is currently engaged.
func (m *Manager) Shedding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shedding
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
