package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nftwatch/eventpipeline/domain/event"
)

func priced(kind event.Kind, entity event.EntityType, priority int, data event.Payload) *event.Event {
	e := &event.Event{Kind: kind, EntityType: entity, EntityID: "e1", Data: data}
	e.SetPriority(priority)
	return e
}

func TestRoute_CooldownGatesSecondAdmission(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableSmartRouting = false
	// force the gate open deterministically so the test isolates cooldown
	// behavior rather than the random threshold sample.
	cfg.UpdateThresholds[event.KindNFTSale] = Thresholds{Update: 1, Notification: 0}

	r := New(cfg, 1)
	now := time.Unix(1000, 0)
	evt := priced(event.KindNFTSale, event.EntityNFT, 8, nil)

	first := r.Route(evt, now)
	assert.True(t, first.ShouldUpdate)

	second := r.Route(evt, now.Add(30*time.Second))
	assert.False(t, second.ShouldUpdate, "nft cooldown is 60s; a 30s-later event must be gated")
	assert.False(t, second.ShouldNotify)

	third := r.Route(evt, now.Add(61*time.Second))
	assert.True(t, third.ShouldUpdate, "a decision past the cooldown window must be re-admitted")
}

func TestRoute_ThresholdZeroNeverAdmits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpdateThresholds[event.KindNFTSale] = Thresholds{Update: 0, Notification: 0}
	cfg.EnableSmartRouting = false

	r := New(cfg, 1)
	evt := priced(event.KindNFTSale, event.EntityNFT, 8, nil)

	got := r.Route(evt, time.Now())
	assert.Equal(t, Decision{}, got)
}

func TestRoute_NotificationRequiresUpdate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpdateThresholds[event.KindNFTSale] = Thresholds{Update: 1, Notification: 0}
	cfg.EnableSmartRouting = false

	r := New(cfg, 1)
	evt := priced(event.KindNFTSale, event.EntityNFT, 8, nil)

	got := r.Route(evt, time.Now())
	require.True(t, got.ShouldUpdate)
	assert.False(t, got.ShouldNotify, "notification threshold of 0 never passes the sample<threshold gate")
}

func TestRoute_SmartRoutingShrinksThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpdateThresholds[event.KindNFTSale] = Thresholds{Update: 0.2, Notification: 0.3}
	cfg.EnableSmartRouting = true

	r := New(cfg, 1)
	got := r.thresholdsFor(event.KindNFTSale)
	assert.Equal(t, 0.2, got.Update)

	// smart-routing reduction must never push below zero even when the
	// configured reduction exceeds the threshold.
	reduced := clampReduction(0.1, 0.5)
	assert.Equal(t, 0.0, reduced)
}

func TestRoute_NotificationPriorityBonusByKind(t *testing.T) {
	assert.Equal(t, float64(1), notificationBonus(event.KindFraudWashTrading))
	assert.Equal(t, float64(0.5), notificationBonus(event.KindNFTSale))
	assert.Equal(t, float64(0), notificationBonus(event.KindSocialFollowerChange))
}

func TestRoute_DeterministicModeIsTokenBucketGated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeterministicMode = true
	cfg.EnableSmartRouting = false
	cfg.UpdateThresholds[event.KindNFTSale] = Thresholds{Update: 0.5, Notification: 0.5}

	r := New(cfg, 1)
	evt := priced(event.KindNFTSale, event.EntityNFT, 8, nil)

	first := r.Route(evt, time.Now())
	assert.True(t, first.ShouldUpdate, "first token-bucket draw must allow")
}
