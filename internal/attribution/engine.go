package attribution

import (
	"context"
	"sort"
	"time"

	"github.com/matbakh/metrics-core/internal/models"
	"github.com/matbakh/metrics-core/internal/storage"
	"go.uber.org/zap"
)

// Engine assigns conversion credit to touchpoints. The model is a query
// parameter, never an event property: records are recomputed per query over
// a snapshot of events, so retroactive re-attribution needs no event
// mutation.
type Engine struct {
	store    storage.EventStore
	lookback time.Duration
	logger   *zap.Logger
}

// NewEngine constructs an engine with the configured lookback window.
func NewEngine(store storage.EventStore, lookback time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		lookback: lookback,
		logger:   logger,
	}
}

// Lookback returns the configured lookback window.
func (e *Engine) Lookback() time.Duration {
	return e.lookback
}

// Attribute credits a single conversion under the given model.
func (e *Engine) Attribute(ctx context.Context, conv *models.ConversionEvent, model models.AttributionModel) (*models.AttributionRecord, error) {
	if !models.ValidAttributionModel(model) {
		return nil, &models.ValidationError{Field: "model", Reason: "unknown attribution model " + string(model)}
	}

	touchpoints, err := e.touchpoints(ctx, conv)
	if err != nil {
		return nil, err
	}

	return e.credit(conv, touchpoints, model), nil
}

// AttributeWindow credits every conversion in the window under the given
// model.
func (e *Engine) AttributeWindow(ctx context.Context, w models.Window, model models.AttributionModel) ([]*models.AttributionRecord, error) {
	if !models.ValidAttributionModel(model) {
		return nil, &models.ValidationError{Field: "model", Reason: "unknown attribution model " + string(model)}
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	conversions, err := e.store.QueryConversions(ctx, storage.EventFilter{Window: w})
	if err != nil {
		return nil, err
	}

	records := make([]*models.AttributionRecord, 0, len(conversions))
	for _, conv := range conversions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tps, err := e.touchpoints(ctx, conv)
		if err != nil {
			return nil, err
		}
		records = append(records, e.credit(conv, tps, model))
	}
	return records, nil
}

// touchpoints collects the user's credit-eligible contacts strictly before
// the conversion and inside the lookback window: AI interactions, plus
// earlier conversions tagged with a campaign or source. Touchpoints older
// than the lookback are excluded, not credited.
func (e *Engine) touchpoints(ctx context.Context, conv *models.ConversionEvent) ([]models.Touchpoint, error) {
	if conv.UserID == "" {
		// Redacted events keep their value in aggregates but have no
		// user history left to credit.
		return nil, nil
	}

	w := models.Window{From: conv.Timestamp.Add(-e.lookback), To: conv.Timestamp}

	interactions, err := e.store.QueryAIInteractions(ctx, storage.EventFilter{
		UserID: conv.UserID,
		Window: w,
	})
	if err != nil {
		return nil, err
	}

	priorConversions, err := e.store.QueryConversions(ctx, storage.EventFilter{
		UserID: conv.UserID,
		Window: w,
	})
	if err != nil {
		return nil, err
	}

	var tps []models.Touchpoint
	for _, it := range interactions {
		tps = append(tps, models.Touchpoint{
			ID:         it.ID,
			Timestamp:  it.Timestamp,
			AIProvider: it.AIProvider,
			Persona:    it.Persona,
		})
	}
	for _, pc := range priorConversions {
		if pc.ID == conv.ID {
			continue
		}
		campaign := pc.Metadata[models.MetaCampaign]
		source := pc.Metadata[models.MetaSource]
		if campaign == "" && source == "" {
			continue
		}
		tps = append(tps, models.Touchpoint{
			ID:        pc.ID,
			Timestamp: pc.Timestamp,
			Campaign:  campaign,
			Source:    source,
			Persona:   pc.Metadata[models.MetaPersona],
		})
	}

	sortTouchpoints(tps)
	return tps, nil
}

// credit applies the model. Under the linear model the shares of one
// conversion sum to exactly 1.
func (e *Engine) credit(conv *models.ConversionEvent, tps []models.Touchpoint, model models.AttributionModel) *models.AttributionRecord {
	rec := &models.AttributionRecord{
		ConversionEventID: conv.ID,
		UserID:            conv.UserID,
		EventType:         conv.EventType,
		Model:             model,
		Value:             conv.Value,
		Currency:          conv.Currency,
		ComputedAt:        time.Now().UTC(),
	}

	if len(tps) == 0 {
		return rec
	}

	switch model {
	case models.ModelFirstTouch:
		rec.Shares = []models.CreditShare{{Touchpoint: tps[0], Credit: 1.0}}
	case models.ModelLastTouch:
		rec.Shares = []models.CreditShare{{Touchpoint: tps[len(tps)-1], Credit: 1.0}}
	case models.ModelLinear:
		share := 1.0 / float64(len(tps))
		rec.Shares = make([]models.CreditShare, 0, len(tps))
		for _, tp := range tps {
			rec.Shares = append(rec.Shares, models.CreditShare{Touchpoint: tp, Credit: share})
		}
	}

	return rec
}

// sortTouchpoints orders by timestamp; equal timestamps fall back to the
// lexicographically smaller id, which is treated as earlier.
func sortTouchpoints(tps []models.Touchpoint) {
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Timestamp.Equal(tps[j].Timestamp) {
			return tps[i].ID < tps[j].ID
		}
		return tps[i].Timestamp.Before(tps[j].Timestamp)
	})
}
