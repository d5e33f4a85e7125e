package queue

import (
	"sync"
	"time"
)

// ewmaAlpha is the smoothing factor applied to new stat observations.
const ewmaAlpha = 0.3

// Stats is a topic's running performance summary.
type Stats struct {
	mu sync.Mutex

	depth         int
	avgProcessMs  float64
	throughputEPS float64
	failed        int64
	retried       int64
	deadLettered  int64
	lastBatchAt   time.Time
}

// Snapshot is an immutable copy of Stats for reporting.
type Snapshot struct {
	Depth         int
	AvgProcessMs  float64
	ThroughputEPS float64
	Failed        int64
	Retried       int64
	DeadLettered  int64
}

func (s *Stats) setDepth(n int) {
	s.mu.Lock()
	s.depth = n
	s.mu.Unlock()
}

// recordBatch folds a completed batch's timing into the EWMA stats. n is the
// batch size, elapsed the wall time the batch took to process.
func (s *Stats) recordBatch(n int, elapsed time.Duration) {
	if n <= 0 {
		return
	}
	perEventMs := float64(elapsed.Milliseconds()) / float64(n)
	eps := float64(n) / elapsed.Seconds()
	if elapsed <= 0 {
		eps = float64(n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastBatchAt.IsZero() {
		s.avgProcessMs = perEventMs
		s.throughputEPS = eps
	} else {
		s.avgProcessMs = ewmaAlpha*perEventMs + (1-ewmaAlpha)*s.avgProcessMs
		s.throughputEPS = ewmaAlpha*eps + (1-ewmaAlpha)*s.throughputEPS
	}
	s.lastBatchAt = time.Now()
}

func (s *Stats) incFailed()       { s.mu.Lock(); s.failed++; s.mu.Unlock() }
func (s *Stats) incRetried()      { s.mu.Lock(); s.retried++; s.mu.Unlock() }
func (s *Stats) incDeadLettered() { s.mu.Lock(); s.deadLettered++; s.mu.Unlock() }

func (s *Stats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Depth:         s.depth,
		AvgProcessMs:  s.avgProcessMs,
		ThroughputEPS: s.throughputEPS,
		Failed:        s.failed,
		Retried:       s.retried,
		DeadLettered:  s.deadLettered,
	}
}
