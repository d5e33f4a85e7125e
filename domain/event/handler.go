package event

import "context"

// Handler processes a single dispatched event. Implementations live in
// services/* and are registered with the dispatcher at startup.
type Handler interface {
	// Handle processes the event. A non-nil error is routed through the
	// error handler's retry/fallback machinery by the dispatcher.
	Handle(ctx context.Context, evt *Event) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt *Event) error

func (f HandlerFunc) Handle(ctx context.Context, evt *Event) error { return f(ctx, evt) }

// Mode controls whether the dispatcher invokes a handler synchronously
// (blocking the dispatch loop, used for ordering-sensitive handlers) or
// asynchronously (fire-and-forget on a worker goroutine).
type Mode int

const (
	ModeAsync Mode = iota
	ModeSync
)

// Registration binds a Handler to the sets of event kinds and entity types
// it accepts. An empty set, or a set containing the wildcard ("*"), accepts
// every value; among registrations of equal Priority, an exact match sorts
// ahead of a wildcard match at dispatch time.
type Registration struct {
	ID          string
	Name        string
	EntityTypes []EntityType
	Kinds       []Kind
	Handler     Handler
	Mode        Mode

	// Priority orders calls among registrations matching the same event;
	// highest first.
	Priority int
}

// Matches reports whether this registration accepts the given event.
func (r Registration) Matches(evt *Event) bool {
	return matchesEntityType(r.EntityTypes, evt.EntityType) && matchesKind(r.Kinds, evt.Kind)
}

func matchesEntityType(set []EntityType, et EntityType) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == EntityWildcard || s == et {
			return true
		}
	}
	return false
}

func matchesKind(set []Kind, k Kind) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == KindWildcard || s == k {
			return true
		}
	}
	return false
}

// Specificity scores a registration for precedence ordering: a registration
// naming both its entity types and its kinds outranks one that wildcards
// either, which outranks one that wildcards both.
func (r Registration) Specificity() int {
	score := 0
	if exactEntitySet(r.EntityTypes) {
		score++
	}
	if exactKindSet(r.Kinds) {
		score++
	}
	return score
}

func exactEntitySet(set []EntityType) bool {
	if len(set) == 0 {
		return false
	}
	for _, s := range set {
		if s == EntityWildcard {
			return false
		}
	}
	return true
}

func exactKindSet(set []Kind) bool {
	if len(set) == 0 {
		return false
	}
	for _, s := range set {
		if s == KindWildcard {
			return false
		}
	}
	return true
}
