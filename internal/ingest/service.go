package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matbakh/metrics-core/internal/metrics"
	"github.com/matbakh/metrics-core/internal/models"
	"github.com/matbakh/metrics-core/internal/storage"
	"go.uber.org/zap"
)

// Service is the ingestion gateway. It validates submissions, assigns ids
// and timestamps, appends to the canonical store and acknowledges only after
// the durable write. Downstream consumers are notified afterwards through
// the dispatcher; their failures never reach the submitting caller.
type Service struct {
	store      storage.EventStore
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewService constructs the gateway.
func NewService(store storage.EventStore, dispatcher *Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
	}
}

// SubmitConversion validates and persists a conversion event. A resubmission
// with an id already stored is a no-op returning the original record.
func (s *Service) SubmitConversion(ctx context.Context, ev *models.ConversionEvent) (*models.ConversionEvent, error) {
	start := time.Now()

	s.fillConversionDefaults(ev)
	if err := ev.Validate(); err != nil {
		s.recordRejection("conversion", err)
		return nil, err
	}

	stored, inserted, err := s.store.InsertConversion(ctx, ev)
	if err != nil {
		return nil, s.storeError(err)
	}

	if !inserted {
		if s.metrics != nil {
			s.metrics.RecordDuplicate("conversion")
		}
		return stored, nil
	}

	if s.metrics != nil {
		s.metrics.RecordIngest("conversion", string(stored.EventType), time.Since(start))
		s.metrics.RecordRevenue(string(stored.EventType), stored.Currency, stored.Value)
	}

	s.logger.Info("conversion ingested",
		zap.String("event_id", stored.ID),
		zap.String("event_type", string(stored.EventType)),
		zap.Float64("value", stored.Value),
	)

	s.dispatcher.Publish(Notification{Kind: NotifyConversion, Conversion: stored})
	return stored, nil
}

// SubmitAIInteraction validates and persists an AI interaction event with
// the same idempotency contract.
func (s *Service) SubmitAIInteraction(ctx context.Context, ev *models.AIInteractionEvent) (*models.AIInteractionEvent, error) {
	start := time.Now()

	s.fillInteractionDefaults(ev)
	if err := ev.Validate(); err != nil {
		s.recordRejection("ai_interaction", err)
		return nil, err
	}

	stored, inserted, err := s.store.InsertAIInteraction(ctx, ev)
	if err != nil {
		return nil, s.storeError(err)
	}

	if !inserted {
		if s.metrics != nil {
			s.metrics.RecordDuplicate("ai_interaction")
		}
		return stored, nil
	}

	if s.metrics != nil {
		s.metrics.RecordIngest("ai_interaction", string(stored.AIProvider), time.Since(start))
		s.metrics.RecordAICost(string(stored.AIProvider), stored.CostEstimate)
	}

	s.logger.Info("AI interaction ingested",
		zap.String("event_id", stored.ID),
		zap.String("provider", string(stored.AIProvider)),
		zap.Float64("cost", stored.CostEstimate),
	)

	s.dispatcher.Publish(Notification{Kind: NotifyAIInteraction, Interaction: stored})
	return stored, nil
}

// SubmitPair ingests an AI interaction and the conversion it produced in one
// call, joined by a shared correlation id. The interaction's business
// outcome is derived from the conversion when not supplied.
func (s *Service) SubmitPair(ctx context.Context, inter *models.AIInteractionEvent, conv *models.ConversionEvent) (*models.AIInteractionEvent, *models.ConversionEvent, error) {
	s.fillInteractionDefaults(inter)
	s.fillConversionDefaults(conv)

	// Derive the correlation id from the interaction id so a retried pair
	// re-joins the interaction the first attempt already stored.
	if inter.CorrelationID == "" {
		inter.CorrelationID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(inter.ID)).String()
	}
	conv.CorrelationID = inter.CorrelationID

	if inter.BusinessOutcome == nil {
		ttc := int64(conv.Timestamp.Sub(inter.Timestamp) / time.Second)
		if ttc < 0 {
			return nil, nil, &models.ValidationError{
				Field:  "business_outcome.time_to_conversion_seconds",
				Reason: "conversion precedes the AI interaction",
			}
		}
		inter.BusinessOutcome = &models.BusinessOutcome{
			EventType:               conv.EventType,
			Value:                   conv.Value,
			TimeToConversionSeconds: ttc,
			ConversionEventID:       conv.ID,
		}
	}

	// Validate both up front so a bad conversion cannot leave behind a
	// half-ingested pair.
	if err := inter.Validate(); err != nil {
		s.recordRejection("ai_interaction", err)
		return nil, nil, err
	}
	if err := conv.Validate(); err != nil {
		s.recordRejection("conversion", err)
		return nil, nil, err
	}

	storedInter, err := s.SubmitAIInteraction(ctx, inter)
	if err != nil {
		return nil, nil, err
	}
	storedConv, err := s.SubmitConversion(ctx, conv)
	if err != nil {
		return storedInter, nil, err
	}
	return storedInter, storedConv, nil
}

// AttachOutcome records the business outcome of a stored interaction.
func (s *Service) AttachOutcome(ctx context.Context, interactionID string, outcome *models.BusinessOutcome) (*models.AIInteractionEvent, error) {
	if interactionID == "" {
		return nil, &models.ValidationError{Field: "interaction_id", Reason: "required"}
	}
	if err := outcome.Validate(); err != nil {
		s.recordRejection("outcome", err)
		return nil, err
	}

	stored, err := s.store.AttachOutcome(ctx, interactionID, outcome)
	if err != nil {
		return nil, s.storeError(err)
	}

	s.logger.Info("business outcome attached",
		zap.String("interaction_id", interactionID),
		zap.String("event_type", string(outcome.EventType)),
	)

	s.dispatcher.Publish(Notification{Kind: NotifyOutcome, Interaction: stored})
	return stored, nil
}

// Redact nulls PII fields for the user across all stored events. Counts and
// values stay untouched so window aggregates do not move.
func (s *Service) Redact(ctx context.Context, userID string) (*storage.RedactResult, error) {
	if userID == "" {
		return nil, &models.ValidationError{Field: "user_id", Reason: "required"}
	}

	res, err := s.store.RedactUser(ctx, userID)
	if err != nil {
		return nil, s.storeError(err)
	}

	if s.metrics != nil {
		s.metrics.Redactions.Inc()
	}
	s.logger.Info("user redacted",
		zap.Int64("conversion_events", res.ConversionEvents),
		zap.Int64("ai_interactions", res.AIInteractions),
	)
	return res, nil
}

func (s *Service) fillConversionDefaults(ev *models.ConversionEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Currency == "" {
		ev.Currency = "EUR"
	}
}

func (s *Service) fillInteractionDefaults(ev *models.AIInteractionEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
}

func (s *Service) recordRejection(kind string, err error) {
	if s.metrics == nil {
		return
	}
	var vErr *models.ValidationError
	if errors.As(err, &vErr) {
		s.metrics.RecordRejection(kind, vErr.Field)
	} else {
		s.metrics.RecordRejection(kind, "unknown")
	}
}

// storeError classifies a store failure: domain errors pass through, raw
// driver failures surface as StoreUnavailableError so ingestion fails closed
// and the caller retries with the same id.
func (s *Service) storeError(err error) error {
	var vErr *models.ValidationError
	if errors.As(err, &vErr) {
		return err
	}
	s.logger.Error("event store failure", zap.Error(err))
	return &models.StoreUnavailableError{Err: err}
}
