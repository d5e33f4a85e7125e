// Package classifier maps an incoming event onto its static category,
// the entity types a handler for it may legitimately affect, a content-aware
// impact score, an urgency tier, and its processing dependencies.
package classifier

import (
	"sort"

	"github.com/nftwatch/eventpipeline/domain/event"
)

// Urgency is the classifier's coarse urgency tier, derived from impact score.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// Category buckets event kinds for reporting and dependency resolution.
type Category string

const (
	CategoryOwnershipChange  Category = "ownership_change"
	CategoryMarketActivity   Category = "market_activity"
	CategoryCreationActivity Category = "creation_activity"
	CategoryMetadataChange   Category = "metadata_change"
	CategoryRiskAssessment   Category = "risk_assessment"
	CategoryMarketManip      Category = "market_manipulation"
	CategorySocialActivity   Category = "social_activity"
	CategoryCreatorActivity  Category = "creator_activity"
)

// Classification is the classifier's verdict for one event.
type Classification struct {
	Category     Category
	EntityAssocs []event.EntityType
	ImpactScore  float64
	Urgency      Urgency
	Dependencies []event.Kind
}

type kindProfile struct {
	category     Category
	entityAssocs []event.EntityType
	baseImpact   float64
	baseUrgency  Urgency
	dependencies []event.Kind
}

var profiles = map[event.Kind]kindProfile{
	event.KindNFTTransfer: {
		category: CategoryOwnershipChange, baseImpact: 0.5, baseUrgency: UrgencyMedium,
		entityAssocs: []event.EntityType{event.EntityNFT, event.EntityCollection},
	},
	event.KindNFTSale: {
		category: CategoryMarketActivity, baseImpact: 0.8, baseUrgency: UrgencyHigh,
		entityAssocs: []event.EntityType{event.EntityNFT, event.EntityCollection, event.EntityCreator},
	},
	event.KindNFTMint: {
		category: CategoryCreationActivity, baseImpact: 0.4, baseUrgency: UrgencyMedium,
		entityAssocs: []event.EntityType{event.EntityNFT, event.EntityCollection, event.EntityCreator},
	},
	event.KindContractUpdate: {
		category: CategoryMetadataChange, baseImpact: 0.3, baseUrgency: UrgencyLow,
		entityAssocs: []event.EntityType{event.EntityCollection},
	},
	event.KindCreatorActivity: {
		category: CategoryCreatorActivity, baseImpact: 0.35, baseUrgency: UrgencyLow,
		entityAssocs: []event.EntityType{event.EntityCreator},
	},
	event.KindCollectionPriceUpdate: {
		category: CategoryMarketActivity, baseImpact: 0.45, baseUrgency: UrgencyMedium,
		entityAssocs: []event.EntityType{event.EntityCollection},
		dependencies: []event.Kind{event.KindNFTSale},
	},

	event.KindFraudImageAnalysis: {
		category: CategoryRiskAssessment, baseImpact: 0.5, baseUrgency: UrgencyMedium,
		entityAssocs: []event.EntityType{event.EntityNFT},
	},
	event.KindFraudSimilarityScore: {
		category: CategoryRiskAssessment, baseImpact: 0.5, baseUrgency: UrgencyMedium,
		entityAssocs: []event.EntityType{event.EntityNFT, event.EntityCollection},
	},
	event.KindFraudWashTrading: {
		category: CategoryMarketManip, baseImpact: 0.9, baseUrgency: UrgencyHigh,
		entityAssocs: []event.EntityType{event.EntityNFT, event.EntityMarket},
	},
	event.KindFraudMetadataValidation: {
		category: CategoryRiskAssessment, baseImpact: 0.4, baseUrgency: UrgencyLow,
		entityAssocs: []event.EntityType{event.EntityNFT},
	},

	event.KindSocialMentionFrequency: {
		category: CategorySocialActivity, baseImpact: 0.25, baseUrgency: UrgencyLow,
		entityAssocs: []event.EntityType{event.EntityCollection, event.EntityCreator},
	},
	event.KindSocialSentimentShift: {
		category: CategorySocialActivity, baseImpact: 0.4, baseUrgency: UrgencyMedium,
		entityAssocs: []event.EntityType{event.EntityCollection, event.EntityCreator},
	},
	event.KindSocialFollowerChange: {
		category: CategorySocialActivity, baseImpact: 0.2, baseUrgency: UrgencyLow,
		entityAssocs: []event.EntityType{event.EntityCreator},
	},
	event.KindSocialCreatorAnnouncement: {
		category: CategoryCreatorActivity, baseImpact: 0.35, baseUrgency: UrgencyMedium,
		entityAssocs: []event.EntityType{event.EntityCreator},
	},
	event.KindSocialCommunityGrowth: {
		category: CategorySocialActivity, baseImpact: 0.3, baseUrgency: UrgencyLow,
		entityAssocs: []event.EntityType{event.EntityCollection, event.EntityCreator},
	},

	event.KindMarketFloorPriceChange: {
		category: CategoryMarketActivity, baseImpact: 0.6, baseUrgency: UrgencyMedium,
		entityAssocs: []event.EntityType{event.EntityCollection, event.EntityMarket},
		dependencies: []event.Kind{event.KindNFTSale},
	},
	event.KindMarketVolumeAnomaly: {
		category: CategoryMarketManip, baseImpact: 0.65, baseUrgency: UrgencyMedium,
		entityAssocs: []event.EntityType{event.EntityMarket, event.EntityCollection},
	},
	event.KindMarketTrendShift: {
		category: CategoryMarketActivity, baseImpact: 0.5, baseUrgency: UrgencyMedium,
		entityAssocs: []event.EntityType{event.EntityMarket},
	},
	event.KindMarketSimilarNFTSale: {
		category: CategoryMarketActivity, baseImpact: 0.45, baseUrgency: UrgencyLow,
		entityAssocs: []event.EntityType{event.EntityNFT, event.EntityCollection},
		dependencies: []event.Kind{event.KindNFTSale},
	},
	event.KindMarketCreatorPortfolioChange: {
		category: CategoryCreatorActivity, baseImpact: 0.4, baseUrgency: UrgencyLow,
		entityAssocs: []event.EntityType{event.EntityCreator, event.EntityMarket},
	},
}

const defaultImpact = 0.3

var defaultProfile = kindProfile{
	category: CategoryMetadataChange, baseImpact: defaultImpact, baseUrgency: UrgencyLow,
	entityAssocs: []event.EntityType{event.EntityNFT},
}

// Classifier holds no mutable state; the profile table is read-only, so a
// single instance is safe for concurrent use by every orchestrator call.
type Classifier struct{}

func New() *Classifier { return &Classifier{} }

// Classify computes the classification for evt. It is a pure function of
// evt's kind and payload: calling it twice for the same event produces the
// same result.
func (c *Classifier) Classify(evt *event.Event) Classification {
	p, ok := profiles[evt.Kind]
	if !ok {
		p = defaultProfile
	}

	impact := p.baseImpact
	signals := map[string]float64{}
	if evt.Data != nil {
		signals = evt.Data.Signals()
	}

	switch evt.EntityType {
	case event.EntityNFT:
		impact += 0.1
	case event.EntityCollection:
		impact += 0.05
	}

	// percentChange is percent-scale (a 20% move is 20, not 0.2), matching
	// the poller's (current-previous)/previous*100 computation.
	if v, ok := signals["percentChange"]; ok && abs(v) > 20 {
		impact += 0.2
	}
	if v, ok := signals["confidenceScore"]; ok && v > 0.7 {
		impact += 0.3
	}
	if v, ok := signals["sentimentScore"]; ok && abs(v) > 0.5 {
		impact += 0.1
	}

	if impact > 1 {
		impact = 1
	}
	if impact < 0 {
		impact = 0
	}

	urgency := p.baseUrgency
	switch {
	case impact >= 0.7:
		urgency = UrgencyHigh
	case impact >= 0.4:
		// keep the kind's base urgency unless it would understate a
		// medium-impact event
		if urgency == UrgencyLow {
			urgency = UrgencyMedium
		}
	default:
		urgency = UrgencyLow
	}

	return Classification{
		Category:     p.category,
		EntityAssocs: p.entityAssocs,
		ImpactScore:  impact,
		Urgency:      urgency,
		Dependencies: p.dependencies,
	}
}

// OrderByDependencies stably reorders a drained batch so that events whose
// kind some peer in the same batch depends on dispatch first (e.g. an
// nft_sale ahead of the market_floor_price_change derived from it). Ordering
// never blocks across batches.
func (c *Classifier) OrderByDependencies(batch []*event.Event) []*event.Event {
	if len(batch) < 2 {
		return batch
	}

	kinds := make(map[event.Kind]bool, len(batch))
	for _, evt := range batch {
		kinds[evt.Kind] = true
	}

	depended := make(map[event.Kind]bool)
	for _, evt := range batch {
		p, ok := profiles[evt.Kind]
		if !ok {
			continue
		}
		for _, dep := range p.dependencies {
			if kinds[dep] {
				depended[dep] = true
			}
		}
	}
	if len(depended) == 0 {
		return batch
	}

	out := make([]*event.Event, len(batch))
	copy(out, batch)
	sort.SliceStable(out, func(i, j int) bool {
		return depended[out[i].Kind] && !depended[out[j].Kind]
	})
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
