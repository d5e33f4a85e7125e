// Package handler implements the dispatcher's handler registry: a
// read-mostly, copy-on-write index of registrations keyed by the
// (entityType, eventKind) pairs they accept.
package handler

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nftwatch/eventpipeline/domain/event"
)

// Registry holds every live handler registration. Reads (Match) never take
// a lock: they load an immutable snapshot slice published by Register and
// Unregister, so concurrent dispatch never contends with registration
// churn.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[[]event.Registration]
}

func NewRegistry() *Registry {
	r := &Registry{}
	empty := []event.Registration{}
	r.snap.Store(&empty)
	return r
}

// Register adds a handler and returns its registration id.
func (r *Registry) Register(reg event.Registration) string {
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.snap.Load()
	next := make([]event.Registration, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, reg)
	r.snap.Store(&next)
	return reg.ID
}

// Unregister revokes a registration by id. Reports whether it existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.snap.Load()
	next := make([]event.Registration, 0, len(cur))
	found := false
	for _, reg := range cur {
		if reg.ID == id {
			found = true
			continue
		}
		next = append(next, reg)
	}
	if !found {
		return false
	}
	r.snap.Store(&next)
	return true
}

// Match returns every registration accepting evt, ordered by declared
// handler priority (highest first). Within equal priority, an exact
// (entityType, kind) match sorts ahead of a wildcard match, and the stable
// sort preserves registration order beyond that.
func (r *Registry) Match(evt *event.Event) []event.Registration {
	cur := *r.snap.Load()
	out := make([]event.Registration, 0, len(cur))
	for _, reg := range cur {
		if reg.Matches(evt) {
			out = append(out, reg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Specificity() > out[j].Specificity()
	})
	return out
}

// Len reports the number of live registrations, used by the status report.
func (r *Registry) Len() int {
	return len(*r.snap.Load())
}
