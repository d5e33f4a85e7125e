package queue

import "github.com/nftwatch/eventpipeline/domain/event"

// Well-known topic names. blockchain/fraud_detection/social_media/
// market_condition receive source-routed events; high_priority is reserved
// for events the router or capacity manager wants to fast-track;
// dead_letter is the terminal topic for retry-exhausted events.
const (
	TopicBlockchain      = "blockchain"
	TopicFraudDetection  = "fraud_detection"
	TopicSocialMedia     = "social_media"
	TopicMarketCondition = "market_condition"
	TopicHighPriority    = "high_priority"
	TopicDeadLetter      = "dead_letter"
)

// TopicForSource maps an event's source to its default topic.
func TopicForSource(src event.Source) string {
	switch src {
	case event.SourceBlockchain:
		return TopicBlockchain
	case event.SourceFraudDetection:
		return TopicFraudDetection
	case event.SourceSocialMedia:
		return TopicSocialMedia
	case event.SourceMarketCondition:
		return TopicMarketCondition
	default:
		return TopicBlockchain
	}
}
