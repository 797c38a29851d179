package revenue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/matbakh/metrics-core/internal/attribution"
	"github.com/matbakh/metrics-core/internal/models"
	"github.com/matbakh/metrics-core/internal/storage"
)

var testBase = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testWindow() models.Window {
	return models.Window{From: testBase, To: testBase.Add(30 * 24 * time.Hour)}
}

func newTestAggregator() (*Aggregator, *storage.InMemoryEventStore) {
	store := storage.NewInMemoryEventStore()
	engine := attribution.NewEngine(store, 30*24*time.Hour, zap.NewNop())
	return NewAggregator(store, engine, nil, nil, zap.NewNop()), store
}

func seed(t *testing.T, store storage.EventStore, userID string, ts time.Time, eventType models.EventType, value float64) {
	t.Helper()
	_, _, err := store.InsertConversion(context.Background(), &models.ConversionEvent{
		ID:        string(eventType) + "-" + userID + "-" + ts.Format(time.RFC3339),
		Timestamp: ts,
		UserID:    userID,
		EventType: eventType,
		Value:     value,
		Currency:  "EUR",
	})
	assert.NoError(t, err)
}

func TestComputeRevenueMetrics_DecompositionInvariant(t *testing.T) {
	agg, store := newTestAggregator()
	w := testWindow()

	seed(t, store, "u1", testBase.Add(24*time.Hour), models.EventSubscription, 29.0)
	seed(t, store, "u2", testBase.Add(48*time.Hour), models.EventSubscription, 49.0)
	seed(t, store, "u1", testBase.Add(72*time.Hour), models.EventPurchase, 120.0)
	seed(t, store, "u3", testBase.Add(96*time.Hour), models.EventUpgrade, 20.0)
	seed(t, store, "u2", testBase.Add(120*time.Hour), models.EventChurn, 49.0)
	seed(t, store, "u4", testBase.Add(144*time.Hour), models.EventSignup, 0)

	m, err := agg.ComputeRevenueMetrics(context.Background(), w)
	assert.NoError(t, err)

	// subscriptions 29+49 minus churn 49
	assert.Equal(t, 29.0, m.RecurringRevenue)
	// purchase 120 plus upgrade 20
	assert.Equal(t, 140.0, m.OneTimeRevenue)
	assert.Equal(t, m.RecurringRevenue+m.OneTimeRevenue, m.TotalRevenue)

	assert.Equal(t, int64(6), m.ConversionCount)
	assert.Equal(t, int64(4), m.CustomerCount)

	// Orders: 2 subscriptions + 1 purchase + 1 upgrade. Signup and churn
	// are not orders.
	assert.InDelta(t, 169.0/4.0, m.AverageOrderValue, 1e-9)
	assert.InDelta(t, 169.0/4.0, m.CustomerLifetimeValue, 1e-9)
}

func TestComputeRevenueMetrics_GrowthRate(t *testing.T) {
	agg, store := newTestAggregator()
	w := testWindow()
	prior := w.Prior()

	seed(t, store, "u1", prior.From.Add(time.Hour), models.EventPurchase, 100.0)
	seed(t, store, "u1", w.From.Add(time.Hour), models.EventPurchase, 150.0)

	m, err := agg.ComputeRevenueMetrics(context.Background(), w)
	assert.NoError(t, err)
	assert.InDelta(t, 0.5, m.GrowthRate, 1e-9)
}

func TestComputeRevenueMetrics_GrowthZeroWhenPriorEmpty(t *testing.T) {
	agg, store := newTestAggregator()
	w := testWindow()

	seed(t, store, "u1", w.From.Add(time.Hour), models.EventPurchase, 150.0)

	m, err := agg.ComputeRevenueMetrics(context.Background(), w)
	assert.NoError(t, err)
	assert.Equal(t, 0.0, m.GrowthRate, "growth against an empty prior window is defined as 0")
}

func TestComputeRevenueMetrics_EmptyWindow(t *testing.T) {
	agg, _ := newTestAggregator()

	m, err := agg.ComputeRevenueMetrics(context.Background(), testWindow())
	assert.NoError(t, err)
	assert.Equal(t, 0.0, m.TotalRevenue)
	assert.Equal(t, 0.0, m.AverageOrderValue)
	assert.Equal(t, 0.0, m.CustomerLifetimeValue)
	assert.Equal(t, int64(0), m.ConversionCount)
}

func TestComputeRevenueMetrics_InvalidWindow(t *testing.T) {
	agg, _ := newTestAggregator()

	_, err := agg.ComputeRevenueMetrics(context.Background(), models.Window{
		From: testBase.Add(time.Hour),
		To:   testBase,
	})
	var vErr *models.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestComputeROI_ZeroCostIsInsufficientData(t *testing.T) {
	agg, store := newTestAggregator()
	w := testWindow()

	seed(t, store, "u1", w.From.Add(time.Hour), models.EventPurchase, 100.0)

	_, err := agg.ComputeROI(context.Background(), models.ROIByProvider, "bedrock", w)
	var insufficient *models.InsufficientDataError
	assert.ErrorAs(t, err, &insufficient, "ROI over zero cost is undefined, not infinite")
}

func TestComputeROI_ProviderDimension(t *testing.T) {
	agg, store := newTestAggregator()
	w := testWindow()
	ctx := context.Background()

	_, _, err := store.InsertAIInteraction(ctx, &models.AIInteractionEvent{
		ID:           "ai-1",
		Timestamp:    w.From.Add(time.Hour),
		UserID:       "u1",
		AIProvider:   models.ProviderBedrock,
		CostEstimate: 10.0,
	})
	assert.NoError(t, err)

	// One conversion fully creditable to the single bedrock touchpoint.
	seed(t, store, "u1", w.From.Add(2*time.Hour), models.EventPurchase, 110.0)

	analysis, err := agg.ComputeROI(ctx, models.ROIByProvider, "bedrock", w)
	assert.NoError(t, err)
	assert.Equal(t, 10.0, analysis.TotalAICost)
	assert.InDelta(t, 110.0, analysis.AttributedRevenue, 1e-9)
	assert.InDelta(t, 100.0, analysis.NetRevenue, 1e-9)
	assert.InDelta(t, 10.0, analysis.ROI, 1e-9)
	assert.Equal(t, int64(1), analysis.InteractionCount)
	assert.Equal(t, int64(1), analysis.ConversionCount)
	assert.Positive(t, analysis.PaybackDays)
}

func TestComputeROI_SplitCreditAcrossProviders(t *testing.T) {
	agg, store := newTestAggregator()
	w := testWindow()
	ctx := context.Background()

	_, _, _ = store.InsertAIInteraction(ctx, &models.AIInteractionEvent{
		ID: "ai-bedrock", Timestamp: w.From.Add(time.Hour),
		UserID: "u1", AIProvider: models.ProviderBedrock, CostEstimate: 5.0,
	})
	_, _, _ = store.InsertAIInteraction(ctx, &models.AIInteractionEvent{
		ID: "ai-openai", Timestamp: w.From.Add(2 * time.Hour),
		UserID: "u1", AIProvider: models.ProviderOpenAI, CostEstimate: 5.0,
	})
	seed(t, store, "u1", w.From.Add(3*time.Hour), models.EventPurchase, 100.0)

	analysis, err := agg.ComputeROI(ctx, models.ROIByProvider, "bedrock", w)
	assert.NoError(t, err)
	assert.InDelta(t, 50.0, analysis.AttributedRevenue, 1e-9, "linear model splits credit evenly")
}

func TestComputeROI_NegativeNetHasNoPayback(t *testing.T) {
	agg, store := newTestAggregator()
	w := testWindow()
	ctx := context.Background()

	_, _, _ = store.InsertAIInteraction(ctx, &models.AIInteractionEvent{
		ID: "ai-1", Timestamp: w.From.Add(time.Hour),
		UserID: "u1", AIProvider: models.ProviderBedrock, CostEstimate: 500.0,
	})
	seed(t, store, "u1", w.From.Add(2*time.Hour), models.EventPurchase, 100.0)

	analysis, err := agg.ComputeROI(ctx, models.ROIByProvider, "bedrock", w)
	assert.NoError(t, err)
	assert.Negative(t, analysis.NetRevenue)
	assert.Negative(t, analysis.ROI)
	assert.Equal(t, 0, analysis.PaybackDays)
}

func TestComputeROI_ChurnOffsetsAttributedRevenue(t *testing.T) {
	agg, store := newTestAggregator()
	w := testWindow()
	ctx := context.Background()

	_, _, _ = store.InsertAIInteraction(ctx, &models.AIInteractionEvent{
		ID: "ai-1", Timestamp: w.From.Add(time.Hour),
		UserID: "u1", AIProvider: models.ProviderBedrock, CostEstimate: 10.0,
	})
	// The subscription and its later churn both credit the same bedrock
	// touchpoint; the churn cancels the won revenue instead of doubling it.
	seed(t, store, "u1", w.From.Add(2*time.Hour), models.EventSubscription, 100.0)
	seed(t, store, "u1", w.From.Add(3*time.Hour), models.EventChurn, 100.0)

	analysis, err := agg.ComputeROI(ctx, models.ROIByProvider, "bedrock", w)
	assert.NoError(t, err)
	assert.InDelta(t, 0.0, analysis.AttributedRevenue, 1e-9)
	assert.Equal(t, int64(1), analysis.ConversionCount, "churn is not a won conversion")
	assert.Negative(t, analysis.NetRevenue)
}

func TestComputeRevenueMetrics_ExpiredDeadlineIsTimeout(t *testing.T) {
	agg, store := newTestAggregator()
	w := testWindow()
	seed(t, store, "u1", w.From.Add(time.Hour), models.EventPurchase, 100.0)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := agg.ComputeRevenueMetrics(ctx, w)
	var timeout *models.TimeoutError
	assert.ErrorAs(t, err, &timeout)
	assert.Equal(t, "revenue_metrics", timeout.Operation)
}

func TestComputeROI_BadDimension(t *testing.T) {
	agg, _ := newTestAggregator()

	_, err := agg.ComputeROI(context.Background(), "campaign", "spring", testWindow())
	var vErr *models.ValidationError
	assert.ErrorAs(t, err, &vErr)
}
