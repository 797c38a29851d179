package storage

import (
	"net/url"
	"time"

	"github.com/matbakh/metrics-core/internal/models"
)

// EventFilter selects events by dimension and time range. Zero-valued
// fields match everything.
type EventFilter struct {
	UserID            string
	EventType         models.EventType
	AIProvider        models.AIProvider
	Persona           string
	ExperimentVariant string
	Window            models.Window
}

// Filter parameter names accepted by ParseFilter. Time range keys are
// handled separately.
var allowedFilterKeys = map[string]bool{
	"user_id":            true,
	"event_type":         true,
	"ai_provider":        true,
	"persona":            true,
	"experiment_variant": true,
	"from":               true,
	"to":                 true,
	"timeout":            true, // consumed by the HTTP layer, tolerated here
}

// ParseFilter builds an EventFilter from query parameters. Unknown keys are
// rejected with UnknownFilterError before any store access; a malformed
// window is a ValidationError.
func ParseFilter(q url.Values) (EventFilter, error) {
	var f EventFilter

	for key := range q {
		if !allowedFilterKeys[key] {
			return f, &models.UnknownFilterError{Key: key}
		}
	}

	f.UserID = q.Get("user_id")
	f.EventType = models.EventType(q.Get("event_type"))
	if f.EventType != "" && !models.ValidEventType(f.EventType) {
		return f, &models.ValidationError{Field: "event_type", Reason: "unknown event type " + string(f.EventType)}
	}
	f.AIProvider = models.AIProvider(q.Get("ai_provider"))
	f.Persona = q.Get("persona")
	f.ExperimentVariant = q.Get("experiment_variant")

	w, err := ParseWindow(q)
	if err != nil {
		return f, err
	}
	f.Window = w

	return f, nil
}

// ParseWindow reads from/to RFC3339 parameters, defaulting to the trailing
// 30 days ending now.
func ParseWindow(q url.Values) (models.Window, error) {
	now := time.Now().UTC()
	w := models.Window{From: now.Add(-30 * 24 * time.Hour), To: now}

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return w, &models.ValidationError{Field: "from", Reason: "must be RFC3339"}
		}
		w.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return w, &models.ValidationError{Field: "to", Reason: "must be RFC3339"}
		}
		w.To = t
	}

	if err := w.Validate(); err != nil {
		return w, err
	}
	return w, nil
}

// matchConversion applies the filter to one conversion event.
func (f EventFilter) matchConversion(ev *models.ConversionEvent) bool {
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if f.AIProvider != "" && models.AIProvider(ev.Metadata[models.MetaAIProvider]) != f.AIProvider {
		return false
	}
	if f.Persona != "" && ev.Metadata[models.MetaPersona] != f.Persona {
		return false
	}
	if f.ExperimentVariant != "" && ev.Metadata[models.MetaExperimentVariant] != f.ExperimentVariant {
		return false
	}
	if !f.Window.From.IsZero() && !f.Window.Contains(ev.Timestamp) {
		return false
	}
	return true
}

// matchInteraction applies the filter to one AI interaction event.
func (f EventFilter) matchInteraction(ev *models.AIInteractionEvent) bool {
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.EventType != "" && (ev.BusinessOutcome == nil || ev.BusinessOutcome.EventType != f.EventType) {
		return false
	}
	if f.AIProvider != "" && ev.AIProvider != f.AIProvider {
		return false
	}
	if f.Persona != "" && ev.Persona != f.Persona {
		return false
	}
	if f.ExperimentVariant != "" {
		return false
	}
	if !f.Window.From.IsZero() && !f.Window.Contains(ev.Timestamp) {
		return false
	}
	return true
}
