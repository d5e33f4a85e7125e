// Package prioritizer assigns a 0-10 priority to an event from a per-kind
// base table plus entity/source modifiers and content-aware boosts.
package prioritizer

import "github.com/nftwatch/eventpipeline/domain/event"

// Config is the tunable surface named in the configuration section: base
// priorities, entity/source modifiers, and the significance thresholds that
// gate content-aware boosts.
type Config struct {
	BasePriorities                      map[event.Kind]int
	EntityTypeModifiers                 map[event.EntityType]int
	SourceModifiers                     map[event.Source]int
	EnableDynamicPriority               bool
	SignificantPriceChangeThreshold     float64
	SignificantFraudConfidenceThreshold float64
}

const defaultBasePriority = 5

// DefaultConfig mirrors the worked example in the event-taxonomy table.
func DefaultConfig() Config {
	return Config{
		BasePriorities: map[event.Kind]int{
			event.KindNFTSale:               8,
			event.KindFraudWashTrading:      8,
			event.KindFraudImageAnalysis:    7,
			event.KindFraudSimilarityScore:  7,
			event.KindFraudMetadataValidation: 6,
			event.KindNFTTransfer:           6,
			event.KindNFTMint:               6,
			event.KindContractUpdate:        5,
			event.KindCreatorActivity:       5,
			event.KindCollectionPriceUpdate: 6,
			event.KindMarketFloorPriceChange: 6,
			event.KindMarketVolumeAnomaly:   6,
			event.KindMarketTrendShift:      5,
			event.KindMarketSimilarNFTSale:  5,
			event.KindMarketCreatorPortfolioChange: 4,
			event.KindSocialMentionFrequency:    3,
			event.KindSocialSentimentShift:      4,
			event.KindSocialFollowerChange:      3,
			event.KindSocialCreatorAnnouncement: 4,
			event.KindSocialCommunityGrowth:     3,
		},
		EntityTypeModifiers: map[event.EntityType]int{
			event.EntityNFT:        0,
			event.EntityCollection: -1,
			event.EntityCreator:    -1,
			event.EntityMarket:     -2,
		},
		SourceModifiers: map[event.Source]int{
			event.SourceBlockchain:      1,
			event.SourceFraudDetection:  0,
			event.SourceSocialMedia:     -1,
			event.SourceMarketCondition: 0,
		},
		EnableDynamicPriority:               true,
		SignificantPriceChangeThreshold:     10,
		SignificantFraudConfidenceThreshold: 0.8,
	}
}

// Prioritizer computes and fixes an event's priority. It is pure given its
// config: the same event submitted twice yields the same priority.
type Prioritizer struct {
	cfg Config
}

func New(cfg Config) *Prioritizer { return &Prioritizer{cfg: cfg} }

// Prioritize sets evt.Priority in place and also returns the computed value.
// Callers must not invoke this more than once per event.
func (p *Prioritizer) Prioritize(evt *event.Event) int {
	score := defaultBasePriority
	if v, ok := p.cfg.BasePriorities[evt.Kind]; ok {
		score = v
	}

	score += p.cfg.EntityTypeModifiers[evt.EntityType]
	score += p.cfg.SourceModifiers[evt.Source]

	if p.cfg.EnableDynamicPriority && evt.Data != nil {
		signals := evt.Data.Signals()
		score += p.contentBoost(evt.Kind, signals)
	}

	if score > 10 {
		score = 10
	}
	if score < 0 {
		score = 0
	}

	evt.SetPriority(score)
	return score
}

func (p *Prioritizer) contentBoost(kind event.Kind, signals map[string]float64) int {
	boost := 0
	switch kind {
	case event.KindNFTSale:
		if v, ok := signals["value"]; ok && v > p.cfg.SignificantPriceChangeThreshold {
			boost++
		}
	case event.KindMarketFloorPriceChange:
		if v, ok := signals["percentChange"]; ok && absF(v) >= 20 {
			boost++
		}
	case event.KindFraudWashTrading, event.KindFraudImageAnalysis:
		if v, ok := signals["confidenceScore"]; ok && v >= p.cfg.SignificantFraudConfidenceThreshold {
			boost += 2
		}
	case event.KindSocialSentimentShift:
		if v, ok := signals["magnitude"]; ok && v > 0.5 {
			boost++
		}
	case event.KindMarketVolumeAnomaly:
		if v, ok := signals["volumeRatio"]; ok && v > 3 {
			boost++
		}
	}
	return boost
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
