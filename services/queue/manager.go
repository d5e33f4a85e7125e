// Package queue implements the multi-topic FIFO queue manager: bounded
// per-topic queues with batching, deduplication, conflation, partitioned
// drain workers, exponential-backoff retry, and dead-lettering.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nftwatch/eventpipeline/domain/event"
	"github.com/nftwatch/eventpipeline/infrastructure/durablequeue"
	"github.com/nftwatch/eventpipeline/infrastructure/logging"
	"github.com/nftwatch/eventpipeline/infrastructure/metrics"
)

// ErrQueueFull is returned when a topic is at capacity.
var ErrQueueFull = errors.New("queue_full")

// ErrLoadShed is returned when an event is refused under a priority floor
// raised by the capacity manager.
var ErrLoadShed = errors.New("event priority below load-shedding floor")

// Dispatcher is the narrow interface the drain loop needs from the
// dispatcher component.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt *event.Event) error
}

// Config is the queue manager's tunable surface.
type Config struct {
	MaxQueueSize        int
	MaxRetryAttempts    int
	RetryBaseDelay      time.Duration
	EnableBatching      bool
	EnableDeduplication bool
	EnableConflation    bool
	MaxBatchSize        int
	PartitionCount      int
}

// DefaultConfig returns the standard production tuning.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:        10000,
		MaxRetryAttempts:    3,
		RetryBaseDelay:      time.Second,
		EnableBatching:      true,
		EnableDeduplication: true,
		EnableConflation:    true,
		MaxBatchSize:        50,
		PartitionCount:      4,
	}
}

type topic struct {
	name       string
	partitions []*partition
	depth      atomic.Int64
	stats      *Stats

	retryMu sync.Mutex
	retries map[string]int

	drainOnce sync.Once
}

// Manager owns every topic queue and drives their drain loops.
type Manager struct {
	cfg         Config
	dispatcher  Dispatcher
	logger      *logging.Logger
	serviceName string

	mu     sync.Mutex
	topics map[string]*topic

	orderBatch func(batch []*event.Event) []*event.Event

	// durable, when set, mirrors every admitted event so queued-but-undrained
	// work survives a process restart. Entries are retired on dispatch
	// success or dead-letter escalation.
	durable durablequeue.Backend

	priorityFloor atomic.Int32 // events below this are load-shed on enqueue

	timersMu sync.Mutex
	timers   []*time.Timer

	wakeMu sync.Mutex
	wake   map[string]chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewManager constructs a Manager. dispatcher receives events drained from
// every topic's partitions.
func NewManager(cfg Config, dispatcher Dispatcher, logger *logging.Logger, serviceName string) *Manager {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10000
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}

	m := &Manager{
		cfg:         cfg,
		dispatcher:  dispatcher,
		logger:      logger,
		serviceName: serviceName,
		topics:      make(map[string]*topic),
		wake:        make(map[string]chan struct{}),
		stopCh:      make(chan struct{}),
	}
	return m
}

// SetPriorityFloor is called by the capacity manager to enable or relax
// load shedding.
func (m *Manager) SetPriorityFloor(floor int) {
	m.priorityFloor.Store(int32(floor))
}

// SetBatchOrderer installs a hook applied to every drained batch before
// dispatch, used to put events that peers in the same batch depend on
// first. Must be called before the first Enqueue.
func (m *Manager) SetBatchOrderer(order func(batch []*event.Event) []*event.Event) {
	m.orderBatch = order
}

// SetDurableBackend installs the optional durable backing store. Must be
// called before the first Enqueue; pair with ReplayDurable at startup.
func (m *Manager) SetDurableBackend(b durablequeue.Backend) {
	m.durable = b
}

// ReplayDurable re-admits entries persisted by a previous process into the
// in-memory queues. Every entry passes through the normal admission path, so
// a replayed duplicate id is dropped and a replayed stale version of a
// conflation key is replaced, mirroring first-admission semantics. Call
// after SetDurableBackend and before the first Enqueue.
func (m *Manager) ReplayDurable(ctx context.Context) error {
	if m.durable == nil {
		return nil
	}

	for _, topicName := range []string{
		TopicBlockchain, TopicFraudDetection, TopicSocialMedia,
		TopicMarketCondition, TopicHighPriority, TopicDeadLetter,
	} {
		entries, err := m.durable.Drain(ctx, topicName)
		if err != nil {
			return fmt.Errorf("drain durable topic %s: %w", topicName, err)
		}
		for _, entry := range entries {
			result, err := m.enqueue(entry.Event, topicName, false)
			if err != nil {
				if m.logger != nil {
					m.logger.WithFields(map[string]interface{}{
						"topic": topicName, "eventId": entry.Event.ID,
					}).WithError(err).Warn("durable_replay_rejected")
				}
				continue
			}
			if result == deduplicated {
				// the surviving copy keeps its own durable record
				m.durableAck(topicName, entry.Event.ID)
			}
		}
	}
	return nil
}

// SetConcurrency applies a new partition count for future topics created
// after a capacity-manager scaling decision. Existing topics keep their
// original partition count: repartitioning a live topic would break the
// per-entity ordering its drain workers are mid-way through preserving.
func (m *Manager) SetConcurrency(partitionCount int) {
	if partitionCount <= 0 {
		return
	}
	m.mu.Lock()
	m.cfg.PartitionCount = partitionCount
	m.mu.Unlock()
}

func (m *Manager) getOrCreateTopic(name string) *topic {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.topics[name]; ok {
		return t
	}

	t := &topic{
		name:    name,
		stats:   &Stats{},
		retries: make(map[string]int),
	}
	for i := 0; i < m.cfg.PartitionCount; i++ {
		t.partitions = append(t.partitions, newPartition())
	}
	m.topics[name] = t

	m.wakeMu.Lock()
	m.wake[name] = make(chan struct{}, 1)
	m.wakeMu.Unlock()

	// dead_letter is terminal: events parked there are only ever inspected
	// or re-enqueued by an operator, never drained back into dispatch.
	if name != TopicDeadLetter {
		m.startDrainLoops(t)
	}
	return t
}

// Enqueue admits evt onto topicName, applying load shedding, capacity
// bounds, deduplication, and conflation in that order.
func (m *Manager) Enqueue(evt *event.Event, topicName string) error {
	_, err := m.enqueue(evt, topicName, true)
	return err
}

// enqueue is the shared admission path. recordDurable is false for retry
// re-enqueues and replay, whose durable entries already exist.
func (m *Manager) enqueue(evt *event.Event, topicName string, recordDurable bool) (enqueueResult, error) {
	if m.closed.Load() {
		return 0, fmt.Errorf("queue manager is shut down")
	}

	floor := int(m.priorityFloor.Load())
	if floor > 0 && evt.PriorityOrDefault(0) < floor {
		return 0, ErrLoadShed
	}

	t := m.getOrCreateTopic(topicName)

	if int(t.depth.Load()) >= m.cfg.MaxQueueSize {
		return 0, ErrQueueFull
	}

	idx := partitionIndex(evt.EntityKey(), len(t.partitions))
	result, replaced := t.partitions[idx].enqueue(evt, m.cfg.EnableDeduplication, m.cfg.EnableConflation)

	switch result {
	case enqueued:
		t.depth.Add(1)
		if recordDurable {
			m.durableAppend(topicName, evt)
		}
	case conflated:
		// depth unchanged: conflation replaces in place.
		if replaced != nil {
			m.durableAck(topicName, replaced.ID)
		}
		if recordDurable {
			m.durableAppend(topicName, evt)
		}
		if m.logger != nil {
			m.logger.LogQueueAction(context.Background(), result.String(), topicName, evt.ID)
		}
	case deduplicated:
		// a duplicate id is silently accepted; nothing new to persist.
		if m.logger != nil {
			m.logger.LogQueueAction(context.Background(), result.String(), topicName, evt.ID)
		}
	}

	t.stats.setDepth(int(t.depth.Load()))
	if metrics.Enabled() {
		metrics.Global().SetQueueDepth(m.serviceName, topicName, int(t.depth.Load()))
	}

	m.signalDrain(topicName)
	return result, nil
}

const durableOpTimeout = 2 * time.Second

// durableAppend/durableAck are best-effort: a backing-store hiccup degrades
// durability for the affected entry, it never blocks or fails admission.
func (m *Manager) durableAppend(topicName string, evt *event.Event) {
	if m.durable == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), durableOpTimeout)
	defer cancel()
	if err := m.durable.Append(ctx, durablequeue.Entry{Topic: topicName, Event: evt}); err != nil && m.logger != nil {
		m.logger.WithFields(map[string]interface{}{
			"topic": topicName, "eventId": evt.ID,
		}).WithError(err).Warn("durable_append_failed")
	}
}

func (m *Manager) durableAck(topicName, eventID string) {
	if m.durable == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), durableOpTimeout)
	defer cancel()
	if err := m.durable.Ack(ctx, topicName, eventID); err != nil && m.logger != nil {
		m.logger.WithFields(map[string]interface{}{
			"topic": topicName, "eventId": eventID,
		}).WithError(err).Warn("durable_ack_failed")
	}
}

func (m *Manager) signalDrain(topicName string) {
	m.wakeMu.Lock()
	ch := m.wake[topicName]
	m.wakeMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Manager) startDrainLoops(t *topic) {
	for i, p := range t.partitions {
		m.wg.Add(1)
		go m.drainLoop(t, p, i)
	}
}

func (m *Manager) drainLoop(t *topic, p *partition, partitionIdx int) {
	defer m.wg.Done()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	m.wakeMu.Lock()
	ch := m.wake[t.name]
	m.wakeMu.Unlock()

	batchSize := m.cfg.MaxBatchSize
	if !m.cfg.EnableBatching {
		batchSize = 1
	}

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		case <-ch:
		}

		for {
			batch := p.popBatch(batchSize)
			if len(batch) == 0 {
				break
			}
			t.depth.Add(int64(-len(batch)))
			start := time.Now()
			m.processBatch(t, batch)
			t.stats.recordBatch(len(batch), time.Since(start))
			t.stats.setDepth(int(t.depth.Load()))

			if metrics.Enabled() {
				metrics.Global().SetQueueDepth(m.serviceName, t.name, int(t.depth.Load()))
				metrics.Global().SetQueueThroughput(m.serviceName, t.name, t.stats.snapshot().ThroughputEPS)
			}

			if !m.cfg.EnableBatching {
				// unbatched mode drains one event per wake cycle
				break
			}
		}
	}
}

func (m *Manager) processBatch(t *topic, batch []*event.Event) {
	if m.orderBatch != nil {
		batch = m.orderBatch(batch)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, evt := range batch {
		if err := m.dispatcher.Dispatch(ctx, evt); err != nil {
			t.stats.incFailed()
			m.onDispatchFailure(t, evt)
			continue
		}
		m.durableAck(t.name, evt.ID)
	}
}

func (m *Manager) onDispatchFailure(t *topic, evt *event.Event) {
	t.retryMu.Lock()
	t.retries[evt.ID]++
	attempts := t.retries[evt.ID]
	t.retryMu.Unlock()

	if attempts > m.cfg.MaxRetryAttempts {
		t.retryMu.Lock()
		delete(t.retries, evt.ID)
		t.retryMu.Unlock()

		t.stats.incDeadLettered()
		if metrics.Enabled() {
			metrics.Global().RecordDeadLettered(m.serviceName, t.name)
		}
		if m.logger != nil {
			m.logger.WithFields(map[string]interface{}{
				"eventId": evt.ID, "topic": t.name, "attempts": attempts,
			}).Warn("event_dead_lettered")
		}
		m.durableAck(t.name, evt.ID)
		_ = m.Enqueue(evt.Clone(), TopicDeadLetter)
		return
	}

	t.stats.incRetried()
	delayMs := float64(m.cfg.RetryBaseDelay.Milliseconds()) * math.Pow(2, float64(attempts-1))
	delay := time.Duration(delayMs) * time.Millisecond

	timer := time.AfterFunc(delay, func() {
		if m.closed.Load() {
			return
		}
		// the original durable entry is still outstanding; don't re-append
		_, _ = m.enqueue(evt, t.name, false)
	})

	m.timersMu.Lock()
	m.timers = append(m.timers, timer)
	m.timersMu.Unlock()
}

// TopicDepth reports the current depth of topicName, or 0 if unknown.
func (m *Manager) TopicDepth(topicName string) int {
	m.mu.Lock()
	t, ok := m.topics[topicName]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return int(t.depth.Load())
}

// TopicStats reports every known topic's current stats snapshot.
func (m *Manager) TopicStats() map[string]Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Snapshot, len(m.topics))
	for name, t := range m.topics {
		out[name] = t.stats.snapshot()
	}
	return out
}

// Close stops every drain loop and cancels every pending retry timer.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stopCh)

	m.timersMu.Lock()
	for _, timer := range m.timers {
		timer.Stop()
	}
	m.timersMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
