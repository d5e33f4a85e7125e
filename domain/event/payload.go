package event

// Payload is implemented by every concrete per-kind payload struct. Signals
// exposes the handful of numeric/text signals that the classifier,
// prioritizer, and router need to read generically, without resorting to an
// untyped map or a type switch at every call site.
type Payload interface {
	// Signals returns the named signal values this payload carries. Keys
	// are stable across kinds within a category (e.g. "confidenceScore",
	// "magnitude", "value") so rule evaluation can stay data-driven.
	Signals() map[string]float64
}

// BlockchainPayload backs nft_transfer, nft_sale, nft_mint, contract_update,
// creator_activity, and collection_price_update events.
type BlockchainPayload struct {
	TransactionHash string
	FromAddress     string
	ToAddress       string
	TokenID         string
	ContractAddress string
	Value           float64
	BlockHeight     uint32
	Confirmations   int
}

func (p BlockchainPayload) Signals() map[string]float64 {
	return map[string]float64{
		"value":         p.Value,
		"confirmations": float64(p.Confirmations),
	}
}

// FraudDetectionPayload backs the fraud_* events.
type FraudDetectionPayload struct {
	ConfidenceScore float64
	ModelVersion    string
	Evidence        map[string]string
	RelatedTokenIDs []string
}

func (p FraudDetectionPayload) Signals() map[string]float64 {
	return map[string]float64{"confidenceScore": p.ConfidenceScore}
}

// SocialMediaPayload backs the social_* events.
type SocialMediaPayload struct {
	Platform       string
	Magnitude      float64
	PreviousValue  float64
	CurrentValue   float64
	SampleSize     int
	SentimentScore float64
}

func (p SocialMediaPayload) Signals() map[string]float64 {
	return map[string]float64{
		"magnitude":      p.Magnitude,
		"previousValue":  p.PreviousValue,
		"currentValue":   p.CurrentValue,
		"sentimentScore": p.SentimentScore,
	}
}

// MarketConditionPayload backs the market_* events.
type MarketConditionPayload struct {
	PercentChange   float64
	PreviousPrice   float64
	CurrentPrice    float64
	VolumeRatio     float64
	ComparableCount int
}

func (p MarketConditionPayload) Signals() map[string]float64 {
	return map[string]float64{
		"percentChange": p.PercentChange,
		"previousPrice": p.PreviousPrice,
		"currentPrice":  p.CurrentPrice,
		"volumeRatio":   p.VolumeRatio,
	}
}

// NotificationPayload wraps a source event for delivery out of the pipeline.
type NotificationPayload struct {
	SourceEventID string
	TrustDelta    float64
	Summary       string
}

func (p NotificationPayload) Signals() map[string]float64 {
	return map[string]float64{"trustDelta": p.TrustDelta}
}
