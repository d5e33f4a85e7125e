package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nftwatch/eventpipeline/infrastructure/logging"
	"github.com/nftwatch/eventpipeline/infrastructure/state"
)

type fakeQueue struct {
	concurrency int
	floor       int
}

func (f *fakeQueue) SetConcurrency(n int)   { f.concurrency = n }
func (f *fakeQueue) SetPriorityFloor(n int) { f.floor = n }

func TestManager_ScaleUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialAllocation = Allocation{ProcessingUnits: 2, MemoryMB: 512, ConcurrencyLevel: 2}
	cfg.ScalingRules = []ScalingRule{{
		Name: "cpu", Metric: "cpu_utilization", ScaleUp: 75, ScaleDown: 30,
		MinCapacity: 1, MaxCapacity: 8, Increment: 1,
	}}
	q := &fakeQueue{}
	m := New(cfg, q, logging.New("test", "error", "json"))

	m.ObserveSnapshot(map[string]float64{"cpu_utilization": 90})

	assert.Equal(t, 3, m.Allocation().ProcessingUnits)
	assert.Equal(t, 3, q.concurrency)
}

func TestManager_OnlyOneRuleFiresPerSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialAllocation = Allocation{ProcessingUnits: 2, MemoryMB: 512, ConcurrencyLevel: 2}
	cfg.ScalingRules = []ScalingRule{
		{Name: "cpu", Metric: "cpu_utilization", ScaleUp: 50, ScaleDown: 10, MinCapacity: 1, MaxCapacity: 8, Increment: 1},
		{Name: "mem", Metric: "memory_utilization", ScaleUp: 50, ScaleDown: 10, MinCapacity: 1, MaxCapacity: 8, Increment: 1},
	}
	q := &fakeQueue{}
	m := New(cfg, q, logging.New("test", "error", "json"))

	m.ObserveSnapshot(map[string]float64{"cpu_utilization": 90, "memory_utilization": 90})

	assert.Equal(t, 3, m.Allocation().ProcessingUnits)
}

func TestManager_LoadShedding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoadSheddingThreshold = 90
	q := &fakeQueue{}
	m := New(cfg, q, logging.New("test", "error", "json"))

	m.ObserveSnapshot(map[string]float64{"cpu_utilization": 95, "memory_utilization": 10})
	assert.True(t, m.Shedding())
	assert.Equal(t, priorityFloorMedium, q.floor)

	m.ObserveSnapshot(map[string]float64{"cpu_utilization": 10, "memory_utilization": 10})
	assert.False(t, m.Shedding())
	assert.Equal(t, priorityFloorLow, q.floor)
}

func TestManager_ScheduledChangeApplies(t *testing.T) {
	cfg := DefaultConfig()
	q := &fakeQueue{}
	m := New(cfg, q, logging.New("test", "error", "json"))

	units := 7
	due := time.Now().Add(-time.Minute)
	err := m.ScheduleChange(ScheduledChange{At: due, ProcessingUnits: &units}, "")
	assert.NoError(t, err)

	m.applyDueScheduledChanges()

	assert.Equal(t, 7, m.Allocation().ProcessingUnits)
	assert.Len(t, m.ScheduledChanges(), 0)
}

func TestManager_OptimizationStrategyFires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScalingRules = nil
	q := &fakeQueue{}
	m := New(cfg, q, logging.New("test", "error", "json"))

	fired := false
	m.AddOptimizationStrategy(OptimizationStrategy{
		Name:      "batch-size-bump",
		Cooldown:  time.Minute,
		Condition: func(s map[string]float64) bool { return s["queue_depth"] > 1000 },
		Action:    func(s map[string]float64) { fired = true },
	})

	m.ObserveSnapshot(map[string]float64{"queue_depth": 2000})
	assert.True(t, fired)
}

func TestManager_PersistsAndRestoresAllocation(t *testing.T) {
	persist, err := state.NewPersistentState(state.DefaultConfig())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.InitialAllocation = Allocation{ProcessingUnits: 2, MemoryMB: 512, ConcurrencyLevel: 2}
	cfg.ScalingRules = []ScalingRule{{
		Name: "cpu", Metric: "cpu_utilization", ScaleUp: 75, ScaleDown: 30,
		MinCapacity: 1, MaxCapacity: 8, Increment: 1,
	}}
	cfg.Persist = persist

	q := &fakeQueue{}
	m := New(cfg, q, logging.New("test", "error", "json"))
	m.ObserveSnapshot(map[string]float64{"cpu_utilization": 90})
	require.Equal(t, 3, m.Allocation().ProcessingUnits)

	restarted := New(cfg, &fakeQueue{}, logging.New("test", "error", "json"))
	restarted.restoreAllocation(context.Background())

	assert.Equal(t, 3, restarted.Allocation().ProcessingUnits)
}
