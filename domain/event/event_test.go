package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationKind(t *testing.T) {
	assert.Equal(t, Kind("notification_nft_sale"), NotificationKind(KindNFTSale))
}

func TestEvent_PriorityLifecycle(t *testing.T) {
	e := &Event{ID: "e1"}
	assert.False(t, e.HasPriority())
	assert.Equal(t, 5, e.PriorityOrDefault(5))

	e.SetPriority(8)
	require.True(t, e.HasPriority())
	assert.Equal(t, 8, e.PriorityOrDefault(5))
	assert.Equal(t, 8, *e.Priority)
}

func TestEvent_ConflationAndEntityKeys(t *testing.T) {
	e := &Event{EntityType: EntityNFT, EntityID: "123", Kind: KindMarketFloorPriceChange}
	assert.Equal(t, "nft|123|market_floor_price_change", e.ConflationKey())
	assert.Equal(t, "nft|123", e.EntityKey())
}

func TestEvent_Clone(t *testing.T) {
	e := &Event{ID: "e1", Timestamp: 100, ReceivedAt: time.Unix(0, 0)}
	e.SetPriority(3)

	cp := e.Clone()
	cp.ID = "e2"
	cp.SetPriority(9)

	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, 3, *e.Priority, "mutating the clone's priority must not affect the original")
	assert.Equal(t, "e2", cp.ID)
	assert.Equal(t, 9, *cp.Priority)
}
