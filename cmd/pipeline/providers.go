package main

import (
	"context"
	"os"
	"strings"

	"github.com/nftwatch/eventpipeline/domain/event"
	"github.com/nftwatch/eventpipeline/services/adapters"
)

// watchlist returns the entities the poller adapters sample on every tick.
// Concrete entity discovery (which NFTs/collections/creators/markets matter
// right now) is owned by the scoring system this pipeline feeds, not by the
// pipeline itself, so the set is taken from an env var watchlist with a
// small built-in fallback rather than queried from anywhere.
func watchlist() []adapters.EntityRef {
	defaults := []adapters.EntityRef{
		{EntityType: event.EntityCollection, EntityID: "default-collection"},
		{EntityType: event.EntityMarket, EntityID: "global"},
	}
	raw := strings.TrimSpace(os.Getenv("PIPELINE_WATCHLIST"))
	if raw == "" {
		return defaults
	}

	var refs []adapters.EntityRef
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		idx := strings.IndexByte(pair, ':')
		if idx < 0 {
			continue
		}
		refs = append(refs, adapters.EntityRef{
			EntityType: event.EntityType(pair[:idx]),
			EntityID:   pair[idx+1:],
		})
	}
	if len(refs) == 0 {
		return defaults
	}
	return refs
}

// noopProvider is a placeholder adapters.Provider. Wiring a real social
// listening or marketplace data feed is out of scope (the pipeline
// transports and routes update events; it does not source them), so this
// returns no data and the poller simply never fires for it. A real
// deployment replaces this with a provider backed by the operator's actual
// data vendor.
type noopProvider struct{ name string }

func (p noopProvider) Name() string { return p.name }

func (p noopProvider) Fetch(ctx context.Context, entities []adapters.EntityRef) (map[string]map[string]float64, error) {
	return map[string]map[string]float64{}, nil
}
