package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nftwatch/eventpipeline/infrastructure/logging"
)

func newTestHandler() *Handler {
	return NewHandler(logging.New("test", "error", "text"))
}

func TestHandler_HandleErrorAndRecord(t *testing.T) {
	h := newTestHandler()

	id := h.HandleError(errors.New("connection refused"), map[string]interface{}{"eventId": "e1"})
	require.NotEmpty(t, id)

	rec, ok := h.Record(id)
	require.True(t, ok)
	assert.Equal(t, CategoryConnection, rec.Category)
	assert.Equal(t, SeverityHigh, rec.Severity)
	assert.Equal(t, "e1", rec.Context["eventId"])
}

func TestHandler_Stats(t *testing.T) {
	h := newTestHandler()
	h.HandleError(errors.New("connection refused"), nil)
	h.HandleError(errors.New("validation_error: missing field"), nil)
	h.HandleError(errors.New("fatal: out of memory"), nil)

	stats := h.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Unresolved)
	assert.Equal(t, 1, stats.ByCategory[CategoryConnection])
	assert.Equal(t, 1, stats.ByCategory[CategoryValidation])
	assert.Equal(t, 1, stats.ByCategory[CategorySystem])
	assert.Equal(t, 1, stats.BySeverity[SeverityCritical])
}

func TestHandler_Recent(t *testing.T) {
	h := newTestHandler()
	for i := 0; i < 5; i++ {
		h.HandleError(errors.New("processing failure"), nil)
	}

	recent := h.Recent(3)
	assert.Len(t, recent, 3)
}

func TestHandler_RetrySucceeds(t *testing.T) {
	h := newTestHandler()
	id := h.HandleError(errors.New("connection refused"), nil)

	attempts := 0
	err := h.Retry(context.Background(), id, func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	rec, _ := h.Record(id)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestHandler_RetryUnknownID(t *testing.T) {
	h := newTestHandler()
	err := h.Retry(context.Background(), "does-not-exist", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestHandler_RetryExhaustedFallsBackToStrategy(t *testing.T) {
	h := newTestHandler()
	// validation category carries the smallest retry budget (1 retry), so
	// the exhausted-fallback path is reachable without a long test.
	id := h.HandleError(errors.New("validation_error: missing field"), nil)

	fallbackCalled := false
	h.RegisterFallback(FallbackStrategy{
		Name: "mark_invalid",
		Condition: func(rec *Record) bool {
			return rec.Category == CategoryValidation
		},
		Action: func(ctx context.Context, rec *Record) error {
			fallbackCalled = true
			return nil
		},
	})

	err := h.Retry(context.Background(), id, func(ctx context.Context) error {
		return errors.New("still invalid")
	})

	require.NoError(t, err)
	assert.True(t, fallbackCalled)

	rec, _ := h.Record(id)
	assert.True(t, rec.Resolved)
	assert.Equal(t, "mark_invalid", rec.ResolutionStrategy)
}

func TestHandler_Evict(t *testing.T) {
	h := newTestHandler()
	id := h.HandleError(errors.New("boom"), nil)

	rec, _ := h.Record(id)
	rec.Resolved = true
	rec.ResolvedAt = time.Now().Add(-8 * 24 * time.Hour)

	evicted := h.Evict(time.Now())
	assert.Equal(t, 1, evicted)

	_, ok := h.Record(id)
	assert.False(t, ok)
}

func TestHandler_VerifySystemState(t *testing.T) {
	t.Run("no oracle wired is always consistent for event checks", func(t *testing.T) {
		h := newTestHandler()
		h.HandleError(errors.New("boom"), map[string]interface{}{"eventId": "missing"})
		consistency := h.VerifySystemState(map[string]int{"blockchain": 5})
		assert.True(t, consistency.Consistent)
	})

	t.Run("negative queue depth is always an inconsistency", func(t *testing.T) {
		h := newTestHandler()
		consistency := h.VerifySystemState(map[string]int{"blockchain": -1})
		assert.False(t, consistency.Consistent)
		assert.Contains(t, consistency.Issues[0], "negative queue depth")
	})

	t.Run("oracle flags unresolved errors referencing missing events", func(t *testing.T) {
		h := newTestHandler()
		id := h.HandleError(errors.New("boom"), map[string]interface{}{"eventId": "missing"})
		h.SetEventOracle(func(eventID string) bool { return eventID != "missing" })

		consistency := h.VerifySystemState(map[string]int{})
		assert.False(t, consistency.Consistent)

		rec, _ := h.Record(id)
		rec.Resolved = true
		consistency = h.VerifySystemState(map[string]int{})
		assert.True(t, consistency.Consistent)
	})
}
