package storage

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/matbakh/metrics-core/internal/models"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func conversionAt(id, userID string, t time.Time, eventType models.EventType, value float64) *models.ConversionEvent {
	return &models.ConversionEvent{
		ID:        id,
		Timestamp: t,
		UserID:    userID,
		EventType: eventType,
		Value:     value,
		Currency:  "EUR",
	}
}

func TestInMemoryEventStore_InsertConversion_Idempotent(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()

	first := conversionAt("ev-1", "user-1", testBase, models.EventPurchase, 49.0)
	stored, inserted, err := store.InsertConversion(ctx, first)
	assert.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "ev-1", stored.ID)

	// Resubmission with the same id returns the original record untouched.
	replay := conversionAt("ev-1", "user-1", testBase, models.EventPurchase, 999.0)
	stored2, inserted2, err := store.InsertConversion(ctx, replay)
	assert.NoError(t, err)
	assert.False(t, inserted2)
	assert.Equal(t, 49.0, stored2.Value)

	events, err := store.QueryConversions(ctx, EventFilter{})
	assert.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestInMemoryEventStore_QueryConversions_ReadYourWrites(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()

	_, _, err := store.InsertConversion(ctx, conversionAt("ev-1", "user-1", testBase, models.EventSignup, 0))
	assert.NoError(t, err)

	events, err := store.QueryConversions(ctx, EventFilter{UserID: "user-1"})
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, "ev-1", events[0].ID)
}

func TestInMemoryEventStore_QueryConversions_Ordering(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()

	// Insert out of order; same timestamp breaks the tie by id.
	_, _, _ = store.InsertConversion(ctx, conversionAt("ev-c", "user-1", testBase.Add(2*time.Hour), models.EventPurchase, 10))
	_, _, _ = store.InsertConversion(ctx, conversionAt("ev-b", "user-1", testBase, models.EventPurchase, 10))
	_, _, _ = store.InsertConversion(ctx, conversionAt("ev-a", "user-1", testBase, models.EventPurchase, 10))

	events, err := store.QueryConversions(ctx, EventFilter{})
	assert.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Equal(t, "ev-a", events[0].ID)
	assert.Equal(t, "ev-b", events[1].ID)
	assert.Equal(t, "ev-c", events[2].ID)
}

func TestInMemoryEventStore_QueryConversions_WindowIsHalfOpen(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()

	_, _, _ = store.InsertConversion(ctx, conversionAt("ev-from", "user-1", testBase, models.EventPurchase, 10))
	_, _, _ = store.InsertConversion(ctx, conversionAt("ev-to", "user-1", testBase.Add(time.Hour), models.EventPurchase, 10))

	events, err := store.QueryConversions(ctx, EventFilter{
		Window: models.Window{From: testBase, To: testBase.Add(time.Hour)},
	})
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, "ev-from", events[0].ID)
}

func TestInMemoryEventStore_QueryConversions_MetadataFilters(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()

	tagged := conversionAt("ev-1", "user-1", testBase, models.EventPurchase, 10)
	tagged.Metadata = models.Metadata{
		models.MetaAIProvider: "bedrock",
		models.MetaPersona:    "solo-owner",
	}
	_, _, _ = store.InsertConversion(ctx, tagged)
	_, _, _ = store.InsertConversion(ctx, conversionAt("ev-2", "user-2", testBase, models.EventPurchase, 10))

	byProvider, err := store.QueryConversions(ctx, EventFilter{AIProvider: "bedrock"})
	assert.NoError(t, err)
	assert.Len(t, byProvider, 1)
	assert.Equal(t, "ev-1", byProvider[0].ID)

	byPersona, err := store.QueryConversions(ctx, EventFilter{Persona: "solo-owner"})
	assert.NoError(t, err)
	assert.Len(t, byPersona, 1)
}

func TestInMemoryEventStore_AttachOutcome_AtMostOnce(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()

	_, _, err := store.InsertAIInteraction(ctx, &models.AIInteractionEvent{
		ID:         "ai-1",
		Timestamp:  testBase,
		UserID:     "user-1",
		AIProvider: models.ProviderBedrock,
	})
	assert.NoError(t, err)

	outcome := &models.BusinessOutcome{EventType: models.EventSubscription, Value: 29.0}
	updated, err := store.AttachOutcome(ctx, "ai-1", outcome)
	assert.NoError(t, err)
	assert.NotNil(t, updated.BusinessOutcome)
	assert.Equal(t, 29.0, updated.BusinessOutcome.Value)

	// A retry is a no-op; the original outcome stays.
	retry := &models.BusinessOutcome{EventType: models.EventPurchase, Value: 999.0}
	updated2, err := store.AttachOutcome(ctx, "ai-1", retry)
	assert.NoError(t, err)
	assert.Equal(t, models.EventSubscription, updated2.BusinessOutcome.EventType)
	assert.Equal(t, 29.0, updated2.BusinessOutcome.Value)
}

func TestInMemoryEventStore_RedactUser_PreservesAggregates(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()

	ev := conversionAt("ev-1", "user-1", testBase, models.EventPurchase, 120.0)
	ev.SessionID = "sess-1"
	_, _, _ = store.InsertConversion(ctx, ev)
	_, _, _ = store.InsertAIInteraction(ctx, &models.AIInteractionEvent{
		ID:         "ai-1",
		Timestamp:  testBase,
		UserID:     "user-1",
		AIProvider: models.ProviderOpenAI,
		CostEstimate: 0.04,
	})

	res, err := store.RedactUser(ctx, "user-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), res.ConversionEvents)
	assert.Equal(t, int64(1), res.AIInteractions)

	events, err := store.QueryConversions(ctx, EventFilter{})
	assert.NoError(t, err)
	assert.Len(t, events, 1, "redaction must not delete records")
	assert.Empty(t, events[0].UserID)
	assert.Empty(t, events[0].SessionID)
	assert.True(t, events[0].Redacted)
	assert.Equal(t, 120.0, events[0].Value, "value survives redaction")

	// The user filter no longer matches anything.
	byUser, err := store.QueryConversions(ctx, EventFilter{UserID: "user-1"})
	assert.NoError(t, err)
	assert.Empty(t, byUser)
}

func TestInMemoryEventStore_CleanupOldEvents(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()

	_, _, _ = store.InsertConversion(ctx, conversionAt("ev-old", "user-1", testBase.Add(-48*time.Hour), models.EventPurchase, 10))
	_, _, _ = store.InsertConversion(ctx, conversionAt("ev-new", "user-1", testBase, models.EventPurchase, 10))

	removed, err := store.CleanupOldEvents(ctx, testBase.Add(-24*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	events, _ := store.QueryConversions(ctx, EventFilter{})
	assert.Len(t, events, 1)
	assert.Equal(t, "ev-new", events[0].ID)
}

func TestParseFilter_UnknownKeyRejected(t *testing.T) {
	q := url.Values{}
	q.Set("user_id", "user-1")
	q.Set("region", "eu-central-1")

	_, err := ParseFilter(q)
	assert.Error(t, err)

	var unknown *models.UnknownFilterError
	assert.ErrorAs(t, err, &unknown)
	assert.Equal(t, "region", unknown.Key)
}

func TestParseFilter_ValidKeys(t *testing.T) {
	q := url.Values{}
	q.Set("user_id", "user-1")
	q.Set("event_type", "purchase")
	q.Set("ai_provider", "bedrock")
	q.Set("from", "2026-03-01T00:00:00Z")
	q.Set("to", "2026-03-02T00:00:00Z")

	f, err := ParseFilter(q)
	assert.NoError(t, err)
	assert.Equal(t, "user-1", f.UserID)
	assert.Equal(t, models.EventPurchase, f.EventType)
	assert.Equal(t, models.AIProvider("bedrock"), f.AIProvider)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), f.Window.From)
}

func TestParseFilter_BadEventType(t *testing.T) {
	q := url.Values{}
	q.Set("event_type", "pageview")

	_, err := ParseFilter(q)
	var vErr *models.ValidationError
	assert.ErrorAs(t, err, &vErr)
	assert.Equal(t, "event_type", vErr.Field)
}

func TestParseWindow_InvertedRange(t *testing.T) {
	q := url.Values{}
	q.Set("from", "2026-03-02T00:00:00Z")
	q.Set("to", "2026-03-01T00:00:00Z")

	_, err := ParseWindow(q)
	var vErr *models.ValidationError
	assert.ErrorAs(t, err, &vErr)
}
