package storage

import (
	"context"
	"time"

	"github.com/matbakh/metrics-core/internal/models"
)

// EventStore is the single shared mutable resource of the pipeline. It owns
// the persisted event records (source of truth, append-only). Inserts are
// keyed by event id: a retried submission with an id already stored is a
// no-op that returns the original record. There is no delete API; retention
// cleanup and PII redaction are separate administrative operations.
type EventStore interface {
	// InsertConversion appends a conversion event. The returned record is
	// the stored one; inserted is false when the id already existed.
	InsertConversion(ctx context.Context, ev *models.ConversionEvent) (stored *models.ConversionEvent, inserted bool, err error)

	// InsertAIInteraction appends an AI interaction event with the same
	// idempotency contract.
	InsertAIInteraction(ctx context.Context, ev *models.AIInteractionEvent) (stored *models.AIInteractionEvent, inserted bool, err error)

	// AttachOutcome records the business outcome of a stored interaction.
	// The attachment happens at most once; attaching to an interaction that
	// already carries an outcome is a no-op returning the stored record.
	AttachOutcome(ctx context.Context, interactionID string, outcome *models.BusinessOutcome) (*models.AIInteractionEvent, error)

	// QueryConversions returns the conversions matching the filter, ordered
	// by timestamp then id. The result is a snapshot: it reflects every
	// insert acknowledged before the query started.
	QueryConversions(ctx context.Context, f EventFilter) ([]*models.ConversionEvent, error)

	// QueryAIInteractions returns matching AI interactions, same ordering
	// and snapshot semantics.
	QueryAIInteractions(ctx context.Context, f EventFilter) ([]*models.AIInteractionEvent, error)

	// RedactUser nulls PII fields on every event for the user, in place.
	// This is the only permitted mutation of stored records; values, types
	// and timestamps are preserved so aggregates do not move.
	RedactUser(ctx context.Context, userID string) (*RedactResult, error)

	// CleanupOldEvents removes events older than the cutoff per the
	// retention policy. Returns the number of events removed.
	CleanupOldEvents(ctx context.Context, before time.Time) (int64, error)

	// Ping reports whether the durability layer is reachable.
	Ping(ctx context.Context) error
}

// RedactResult reports what a redaction touched.
type RedactResult struct {
	UserID           string   `json:"user_id"`
	ConversionEvents int64    `json:"conversion_events"`
	AIInteractions   int64    `json:"ai_interactions"`
	FieldsNulled     []string `json:"fields_nulled"`
}

// redactedFields is the fixed set of PII fields nulled by RedactUser.
var redactedFields = []string{"user_id", "session_id"}
