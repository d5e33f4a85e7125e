package queue

import (
	"container/list"
	"hash/fnv"
	"sync"

	"github.com/nftwatch/eventpipeline/domain/event"
)

// partition is a single FIFO sub-queue. Events routed to the same entity
// always hash to the same partition, so a single drain goroutine per
// partition preserves per-entity ordering without a topic-wide lock.
type partition struct {
	mu sync.Mutex

	order           *list.List
	byID            map[string]*list.Element
	byConflationKey map[string]*list.Element
}

func newPartition() *partition {
	return &partition{
		order:           list.New(),
		byID:            make(map[string]*list.Element),
		byConflationKey: make(map[string]*list.Element),
	}
}

// enqueueResult reports what enqueue did, for depth accounting and metrics.
type enqueueResult int

const (
	enqueued enqueueResult = iota
	deduplicated
	conflated
)

func (r enqueueResult) String() string {
	switch r {
	case enqueued:
		return "enqueued"
	case deduplicated:
		return "deduplicated"
	case conflated:
		return "conflated"
	default:
		return "unknown"
	}
}

// enqueue applies the dedup-then-conflate-then-append contract. A conflated
// event replaces the pending one in place, keeping its queue position; the
// replaced event is returned so the manager can retire its durable record.
func (p *partition) enqueue(evt *event.Event, dedupEnabled, conflationEnabled bool) (enqueueResult, *event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if dedupEnabled {
		if _, ok := p.byID[evt.ID]; ok {
			return deduplicated, nil
		}
	}

	if conflationEnabled {
		key := evt.ConflationKey()
		if elem, ok := p.byConflationKey[key]; ok {
			old := elem.Value.(*event.Event)
			delete(p.byID, old.ID)
			elem.Value = evt
			p.byID[evt.ID] = elem
			p.byConflationKey[key] = elem
			return conflated, old
		}
	}

	elem := p.order.PushBack(evt)
	p.byID[evt.ID] = elem
	if conflationEnabled {
		p.byConflationKey[evt.ConflationKey()] = elem
	}
	return enqueued, nil
}

// popBatch removes up to n events from the front of the partition,
// unlinking them from both indices so a later conflation cannot overtake
// an event already handed to a batch.
func (p *partition) popBatch(n int) []*event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*event.Event, 0, n)
	for len(out) < n {
		front := p.order.Front()
		if front == nil {
			break
		}
		evt := front.Value.(*event.Event)
		p.order.Remove(front)
		delete(p.byID, evt.ID)
		delete(p.byConflationKey, evt.ConflationKey())
		out = append(out, evt)
	}
	return out
}

// partitionIndex hashes an entity key to a stable partition number.
func partitionIndex(entityKey string, count int) int {
	if count <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityKey))
	return int(h.Sum32() % uint32(count))
}
