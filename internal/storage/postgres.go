package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matbakh/metrics-core/internal/models"
)

// PostgresEventStore implements EventStore using PostgreSQL. Inserts rely on
// ON CONFLICT (id) DO NOTHING so a retried submission is a no-op.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

// InitSchema creates the event tables if they do not exist.
func (s *PostgresEventStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversion_events (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL DEFAULT '',
			session_id     TEXT NOT NULL DEFAULT '',
			event_type     TEXT NOT NULL,
			event_name     TEXT NOT NULL DEFAULT '',
			value          DOUBLE PRECISION NOT NULL,
			currency       TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			metadata       JSONB NOT NULL DEFAULT '{}',
			redacted       BOOLEAN NOT NULL DEFAULT FALSE,
			timestamp      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversion_events_user_ts
			ON conversion_events (user_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_conversion_events_ts
			ON conversion_events (timestamp);

		CREATE TABLE IF NOT EXISTS ai_interaction_events (
			id                    TEXT PRIMARY KEY,
			user_id               TEXT NOT NULL DEFAULT '',
			ai_provider           TEXT NOT NULL,
			request_type          TEXT NOT NULL DEFAULT '',
			persona               TEXT NOT NULL DEFAULT '',
			success               BOOLEAN NOT NULL,
			cost_estimate         DOUBLE PRECISION NOT NULL,
			outcome_event_type    TEXT,
			outcome_value         DOUBLE PRECISION,
			outcome_ttc_seconds   BIGINT,
			outcome_conversion_id TEXT,
			correlation_id        TEXT NOT NULL DEFAULT '',
			redacted              BOOLEAN NOT NULL DEFAULT FALSE,
			timestamp             TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ai_interaction_events_user_ts
			ON ai_interaction_events (user_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_ai_interaction_events_ts
			ON ai_interaction_events (timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create event tables: %w", err)
	}
	return nil
}

// =============================================
// Inserts
// =============================================

func (s *PostgresEventStore) InsertConversion(ctx context.Context, ev *models.ConversionEvent) (*models.ConversionEvent, bool, error) {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO conversion_events
			(id, user_id, session_id, event_type, event_name, value, currency, correlation_id, metadata, redacted, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.UserID, ev.SessionID, string(ev.EventType), ev.EventName,
		ev.Value, ev.Currency, ev.CorrelationID, meta, ev.Redacted, ev.Timestamp)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save conversion: %w", err)
	}

	inserted := tag.RowsAffected() > 0
	if inserted {
		cp := *ev
		return &cp, true, nil
	}

	stored, err := s.getConversion(ctx, ev.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *PostgresEventStore) InsertAIInteraction(ctx context.Context, ev *models.AIInteractionEvent) (*models.AIInteractionEvent, bool, error) {
	var (
		outcomeType         *string
		outcomeValue        *float64
		outcomeTTC          *int64
		outcomeConversionID *string
	)
	if ev.BusinessOutcome != nil {
		t := string(ev.BusinessOutcome.EventType)
		outcomeType = &t
		outcomeValue = &ev.BusinessOutcome.Value
		outcomeTTC = &ev.BusinessOutcome.TimeToConversionSeconds
		if ev.BusinessOutcome.ConversionEventID != "" {
			outcomeConversionID = &ev.BusinessOutcome.ConversionEventID
		}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO ai_interaction_events
			(id, user_id, ai_provider, request_type, persona, success, cost_estimate,
			 outcome_event_type, outcome_value, outcome_ttc_seconds, outcome_conversion_id,
			 correlation_id, redacted, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.UserID, string(ev.AIProvider), ev.RequestType, ev.Persona,
		ev.Success, ev.CostEstimate,
		outcomeType, outcomeValue, outcomeTTC, outcomeConversionID,
		ev.CorrelationID, ev.Redacted, ev.Timestamp)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save AI interaction: %w", err)
	}

	inserted := tag.RowsAffected() > 0
	if inserted {
		cp := *ev
		return &cp, true, nil
	}

	stored, err := s.getInteraction(ctx, ev.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *PostgresEventStore) AttachOutcome(ctx context.Context, interactionID string, outcome *models.BusinessOutcome) (*models.AIInteractionEvent, error) {
	var conversionID *string
	if outcome.ConversionEventID != "" {
		conversionID = &outcome.ConversionEventID
	}

	// Attach only where no outcome is recorded yet; a retry changes nothing.
	_, err := s.pool.Exec(ctx, `
		UPDATE ai_interaction_events
		SET outcome_event_type = $2,
		    outcome_value = $3,
		    outcome_ttc_seconds = $4,
		    outcome_conversion_id = $5
		WHERE id = $1 AND outcome_event_type IS NULL
	`, interactionID, string(outcome.EventType), outcome.Value,
		outcome.TimeToConversionSeconds, conversionID)
	if err != nil {
		return nil, fmt.Errorf("failed to attach outcome: %w", err)
	}

	stored, err := s.getInteraction(ctx, interactionID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, &models.ValidationError{Field: "interaction_id", Reason: "unknown interaction " + interactionID}
	}
	return stored, nil
}

// =============================================
// Queries
// =============================================

func (s *PostgresEventStore) QueryConversions(ctx context.Context, f EventFilter) ([]*models.ConversionEvent, error) {
	query := `
		SELECT id, user_id, session_id, event_type, event_name, value, currency,
		       correlation_id, metadata, redacted, timestamp
		FROM conversion_events
	`
	where, args := conversionWhere(f)
	query += where + " ORDER BY timestamp, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversions: %w", err)
	}
	defer rows.Close()

	var events []*models.ConversionEvent
	for rows.Next() {
		var (
			ev   models.ConversionEvent
			meta []byte
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.SessionID, &ev.EventType,
			&ev.EventName, &ev.Value, &ev.Currency, &ev.CorrelationID,
			&meta, &ev.Redacted, &ev.Timestamp); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", ev.ID, err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *PostgresEventStore) QueryAIInteractions(ctx context.Context, f EventFilter) ([]*models.AIInteractionEvent, error) {
	query := `
		SELECT id, user_id, ai_provider, request_type, persona, success, cost_estimate,
		       outcome_event_type, outcome_value, outcome_ttc_seconds, outcome_conversion_id,
		       correlation_id, redacted, timestamp
		FROM ai_interaction_events
	`
	where, args := interactionWhere(f)
	query += where + " ORDER BY timestamp, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query AI interactions: %w", err)
	}
	defer rows.Close()

	var events []*models.AIInteractionEvent
	for rows.Next() {
		ev, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// =============================================
// Redaction
// =============================================

func (s *PostgresEventStore) RedactUser(ctx context.Context, userID string) (*RedactResult, error) {
	res := &RedactResult{UserID: userID, FieldsNulled: redactedFields}

	tag, err := s.pool.Exec(ctx, `
		UPDATE conversion_events
		SET user_id = '', session_id = '', redacted = TRUE
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to redact conversions: %w", err)
	}
	res.ConversionEvents = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `
		UPDATE ai_interaction_events
		SET user_id = '', redacted = TRUE
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to redact AI interactions: %w", err)
	}
	res.AIInteractions = tag.RowsAffected()

	return res, nil
}

// =============================================
// Cleanup (retention)
// =============================================

func (s *PostgresEventStore) CleanupOldEvents(ctx context.Context, before time.Time) (int64, error) {
	var count int64

	tag, err := s.pool.Exec(ctx, `DELETE FROM conversion_events WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up conversions: %w", err)
	}
	count += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `DELETE FROM ai_interaction_events WHERE timestamp < $1`, before)
	if err != nil {
		return count, fmt.Errorf("failed to clean up AI interactions: %w", err)
	}
	count += tag.RowsAffected()

	return count, nil
}

// Ping checks the database connection.
func (s *PostgresEventStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================
// Helpers
// =============================================

func (s *PostgresEventStore) getConversion(ctx context.Context, id string) (*models.ConversionEvent, error) {
	var (
		ev   models.ConversionEvent
		meta []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, session_id, event_type, event_name, value, currency,
		       correlation_id, metadata, redacted, timestamp
		FROM conversion_events WHERE id = $1
	`, id).Scan(&ev.ID, &ev.UserID, &ev.SessionID, &ev.EventType, &ev.EventName,
		&ev.Value, &ev.Currency, &ev.CorrelationID, &meta, &ev.Redacted, &ev.Timestamp)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversion: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", ev.ID, err)
		}
	}
	return &ev, nil
}

func (s *PostgresEventStore) getInteraction(ctx context.Context, id string) (*models.AIInteractionEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, ai_provider, request_type, persona, success, cost_estimate,
		       outcome_event_type, outcome_value, outcome_ttc_seconds, outcome_conversion_id,
		       correlation_id, redacted, timestamp
		FROM ai_interaction_events WHERE id = $1
	`, id)
	ev, err := scanInteraction(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row rowScanner) (*models.AIInteractionEvent, error) {
	var (
		ev                  models.AIInteractionEvent
		outcomeType         *string
		outcomeValue        *float64
		outcomeTTC          *int64
		outcomeConversionID *string
	)
	if err := row.Scan(&ev.ID, &ev.UserID, &ev.AIProvider, &ev.RequestType,
		&ev.Persona, &ev.Success, &ev.CostEstimate,
		&outcomeType, &outcomeValue, &outcomeTTC, &outcomeConversionID,
		&ev.CorrelationID, &ev.Redacted, &ev.Timestamp); err != nil {
		return nil, err
	}
	if outcomeType != nil {
		ev.BusinessOutcome = &models.BusinessOutcome{
			EventType: models.EventType(*outcomeType),
		}
		if outcomeValue != nil {
			ev.BusinessOutcome.Value = *outcomeValue
		}
		if outcomeTTC != nil {
			ev.BusinessOutcome.TimeToConversionSeconds = *outcomeTTC
		}
		if outcomeConversionID != nil {
			ev.BusinessOutcome.ConversionEventID = *outcomeConversionID
		}
	}
	return &ev, nil
}

func conversionWhere(f EventFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, clause+"$"+strconv.Itoa(len(args)))
	}

	if f.UserID != "" {
		add("user_id = ", f.UserID)
	}
	if f.EventType != "" {
		add("event_type = ", string(f.EventType))
	}
	if f.AIProvider != "" {
		add("metadata->>'ai_provider' = ", string(f.AIProvider))
	}
	if f.Persona != "" {
		add("metadata->>'persona' = ", f.Persona)
	}
	if f.ExperimentVariant != "" {
		add("metadata->>'experiment_variant' = ", f.ExperimentVariant)
	}
	if !f.Window.From.IsZero() {
		add("timestamp >= ", f.Window.From)
		add("timestamp < ", f.Window.To)
	}

	return whereClause(clauses), args
}

func interactionWhere(f EventFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, clause+"$"+strconv.Itoa(len(args)))
	}

	if f.UserID != "" {
		add("user_id = ", f.UserID)
	}
	if f.EventType != "" {
		add("outcome_event_type = ", string(f.EventType))
	}
	if f.AIProvider != "" {
		add("ai_provider = ", string(f.AIProvider))
	}
	if f.Persona != "" {
		add("persona = ", f.Persona)
	}
	if f.ExperimentVariant != "" {
		// Interactions carry no variant tag; the filter matches nothing.
		clauses = append(clauses, "FALSE")
	}
	if !f.Window.From.IsZero() {
		add("timestamp >= ", f.Window.From)
		add("timestamp < ", f.Window.To)
	}

	return whereClause(clauses), args
}

func whereClause(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	out := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}
