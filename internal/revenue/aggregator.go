package revenue

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/matbakh/metrics-core/internal/attribution"
	"github.com/matbakh/metrics-core/internal/metrics"
	"github.com/matbakh/metrics-core/internal/models"
	"github.com/matbakh/metrics-core/internal/storage"
	"go.uber.org/zap"
)

// Aggregator computes revenue decomposition and per-provider/persona ROI.
// Every result is a pure function of the event snapshot fetched at query
// start; no locks are held across a computation.
type Aggregator struct {
	store   storage.EventStore
	engine  *attribution.Engine
	cache   *SnapshotCache // optional
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAggregator constructs the aggregator. cache may be nil.
func NewAggregator(store storage.EventStore, engine *attribution.Engine, cache *SnapshotCache, m *metrics.Metrics, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:   store,
		engine:  engine,
		cache:   cache,
		metrics: m,
		logger:  logger,
	}
}

// ComputeRevenueMetrics decomposes revenue for the window. The invariant
// TotalRevenue = RecurringRevenue + OneTimeRevenue holds exactly.
func (a *Aggregator) ComputeRevenueMetrics(ctx context.Context, w models.Window) (*models.RevenueMetrics, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	if a.cache != nil {
		if cached, ok := a.cache.Get(ctx, w); ok {
			return cached, nil
		}
	}

	start := time.Now()

	current, err := a.windowTotals(ctx, w)
	if err != nil {
		return nil, asTimeout(err, "revenue_metrics", a.metrics)
	}
	prior, err := a.windowTotals(ctx, w.Prior())
	if err != nil {
		return nil, asTimeout(err, "revenue_metrics", a.metrics)
	}

	m := &models.RevenueMetrics{
		Window:           w,
		RecurringRevenue: current.recurring,
		OneTimeRevenue:   current.oneTime,
		TotalRevenue:     current.recurring + current.oneTime,
		ConversionCount:  current.conversions,
		CustomerCount:    current.customers,
		ComputedAt:       time.Now().UTC(),
	}

	// Growth against the prior equal-length window; 0 when the prior total
	// is 0 (policy choice, not a numeric error).
	priorTotal := prior.recurring + prior.oneTime
	if priorTotal != 0 {
		m.GrowthRate = (m.TotalRevenue - priorTotal) / priorTotal
	}

	if current.orders > 0 {
		m.AverageOrderValue = m.TotalRevenue / float64(current.orders)
	}
	if current.customers > 0 {
		m.CustomerLifetimeValue = m.TotalRevenue / float64(current.customers)
	}

	if a.metrics != nil {
		a.metrics.RecordQuery("revenue_metrics", time.Since(start))
	}
	if a.cache != nil {
		a.cache.Set(ctx, w, m)
	}
	return m, nil
}

// ComputeROI relates AI cost to linearly attributed revenue for one provider
// or persona. A window with zero AI cost yields InsufficientDataError: ROI
// is undefined there, not infinite.
func (a *Aggregator) ComputeROI(ctx context.Context, dim models.ROIDimension, key string, w models.Window) (*models.ROIAnalysis, error) {
	if dim != models.ROIByProvider && dim != models.ROIByPersona {
		return nil, &models.ValidationError{Field: "dimension", Reason: "must be provider or persona"}
	}
	if key == "" {
		return nil, &models.ValidationError{Field: string(dim), Reason: "required"}
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()

	filter := storage.EventFilter{Window: w}
	if dim == models.ROIByProvider {
		filter.AIProvider = models.AIProvider(key)
	} else {
		filter.Persona = key
	}

	interactions, err := a.store.QueryAIInteractions(ctx, filter)
	if err != nil {
		return nil, asTimeout(err, "roi", a.metrics)
	}

	var totalCost float64
	for _, it := range interactions {
		totalCost += it.CostEstimate
	}
	if totalCost == 0 {
		return nil, &models.InsufficientDataError{
			Metric: "roi",
			Reason: "total AI cost in window is 0 for " + string(dim) + " " + key,
		}
	}

	records, err := a.engine.AttributeWindow(ctx, w, models.ModelLinear)
	if err != nil {
		return nil, asTimeout(err, "roi", a.metrics)
	}

	var (
		attributed      float64
		conversionCount int64
	)
	for _, rec := range records {
		var credit float64
		for _, share := range rec.Shares {
			if matchesDimension(share.Touchpoint, dim, key) {
				credit += share.Credit
			}
		}
		if credit > 0 {
			// Churn reverses previously attributed recurring revenue, so its
			// credited value counts against the dimension rather than for it.
			if rec.EventType == models.EventChurn {
				attributed -= credit * rec.Value
			} else {
				attributed += credit * rec.Value
				conversionCount++
			}
		}
	}

	analysis := &models.ROIAnalysis{
		Dimension:         dim,
		Key:               key,
		Window:            w,
		AttributedRevenue: attributed,
		TotalAICost:       totalCost,
		NetRevenue:        attributed - totalCost,
		ROI:               (attributed - totalCost) / totalCost,
		InteractionCount:  int64(len(interactions)),
		ConversionCount:   conversionCount,
		ComputedAt:        time.Now().UTC(),
	}
	analysis.PaybackDays = paybackDays(totalCost, analysis.NetRevenue, w)

	if a.metrics != nil {
		a.metrics.RecordQuery("roi", time.Since(start))
	}
	return analysis, nil
}

// windowTotals is one pass over the window's conversions.
type totals struct {
	recurring   float64
	oneTime     float64
	conversions int64
	orders      int64
	customers   int64
}

func (a *Aggregator) windowTotals(ctx context.Context, w models.Window) (*totals, error) {
	events, err := a.store.QueryConversions(ctx, storage.EventFilter{Window: w})
	if err != nil {
		return nil, err
	}

	t := &totals{}
	seen := make(map[string]bool)
	for _, ev := range events {
		t.conversions++
		switch ev.EventType {
		case models.EventSubscription:
			t.recurring += ev.Value
			t.orders++
		case models.EventChurn:
			// A churn event offsets prior recurring revenue in the same
			// period; the record itself is never rewritten.
			t.recurring -= ev.Value
		case models.EventPurchase, models.EventUpgrade:
			t.oneTime += ev.Value
			t.orders++
		}
		if ev.UserID != "" && !seen[ev.UserID] {
			seen[ev.UserID] = true
			t.customers++
		}
	}
	return t, nil
}

func matchesDimension(tp models.Touchpoint, dim models.ROIDimension, key string) bool {
	if dim == models.ROIByProvider {
		return string(tp.AIProvider) == key
	}
	return tp.Persona == key
}

// paybackDays divides cumulative cost by average daily net revenue, rounded
// up. 0 when the net is not positive: there is no payback to project.
func paybackDays(cost, net float64, w models.Window) int {
	if net <= 0 {
		return 0
	}
	days := w.Duration().Hours() / 24
	if days <= 0 {
		return 0
	}
	avgDailyNet := net / days
	return int(math.Ceil(cost / avgDailyNet))
}

// asTimeout converts a context deadline into the typed TimeoutError the
// caller contract promises; partial results are already discarded.
func asTimeout(err error, operation string, m *metrics.Metrics) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if m != nil {
			m.RecordTimeout(operation)
		}
		return &models.TimeoutError{Operation: operation}
	}
	return err
}
