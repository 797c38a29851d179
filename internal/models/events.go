package models

import (
	"time"
)

// ===========================================
// CONVERSION EVENT
// ===========================================

// EventType is the closed set of business outcomes we record.
type EventType string

const (
	EventSignup       EventType = "signup"
	EventSubscription EventType = "subscription"
	EventPurchase     EventType = "purchase"
	EventUpgrade      EventType = "upgrade"
	EventChurn        EventType = "churn"
)

// ValidEventType reports whether t is a known conversion event type.
func ValidEventType(t EventType) bool {
	switch t {
	case EventSignup, EventSubscription, EventPurchase, EventUpgrade, EventChurn:
		return true
	}
	return false
}

// Metadata keys recognized by the pipeline. Anything outside this set is
// rejected at ingestion to keep downstream aggregation cardinality bounded.
const (
	MetaSource            = "source"
	MetaAIProvider        = "ai_provider"
	MetaPersona           = "persona"
	MetaCampaign          = "campaign"
	MetaExperimentVariant = "experiment_variant"
)

// AllowedMetadataKeys lists every key a caller may set on event metadata.
var AllowedMetadataKeys = []string{
	MetaSource,
	MetaAIProvider,
	MetaPersona,
	MetaCampaign,
	MetaExperimentVariant,
}

// Metadata is a bounded key-value bag attached to events.
type Metadata map[string]string

// Validate rejects keys outside the allow-list.
func (m Metadata) Validate() error {
	for k := range m {
		allowed := false
		for _, a := range AllowedMetadataKeys {
			if k == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return &ValidationError{Field: "metadata." + k, Reason: "unrecognized metadata key"}
		}
	}
	return nil
}

// ConversionEvent is an immutable record of a business outcome. Events are
// never mutated after ingestion; corrections arrive as compensating events
// (a churn event offsets a prior subscription).
type ConversionEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`

	EventType EventType `json:"event_type"`
	EventName string    `json:"event_name,omitempty"`

	// Monetary value of the outcome, tagged with an ISO-4217 currency.
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`

	// CorrelationID joins this conversion to an AI interaction submitted in
	// the same call.
	CorrelationID string `json:"correlation_id,omitempty"`

	Metadata Metadata `json:"metadata,omitempty"`

	// Redacted marks records whose PII fields were nulled by the compliance
	// hook. Values and counts are preserved.
	Redacted bool `json:"redacted,omitempty"`
}

// Validate checks the invariants required before persistence.
func (e *ConversionEvent) Validate() error {
	if e.UserID == "" && !e.Redacted {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if !ValidEventType(e.EventType) {
		return &ValidationError{Field: "event_type", Reason: "unknown event type " + string(e.EventType)}
	}
	if e.Value < 0 {
		return &ValidationError{Field: "value", Reason: "must be >= 0"}
	}
	if !validCurrency(e.Currency) {
		return &ValidationError{Field: "currency", Reason: "malformed ISO-4217 code " + e.Currency}
	}
	if err := e.Metadata.Validate(); err != nil {
		return err
	}
	return nil
}

// validCurrency checks for a three-letter uppercase ISO-4217 code.
func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return false
		}
	}
	return true
}

// ===========================================
// AI INTERACTION EVENT
// ===========================================

// AIProvider identifies an AI backend. The set is open: new providers are
// added without a schema change, but the value must be non-empty.
type AIProvider string

const (
	ProviderBedrock   AIProvider = "bedrock"
	ProviderOpenAI    AIProvider = "openai"
	ProviderAnthropic AIProvider = "anthropic"
	ProviderVertex    AIProvider = "vertex"
)

// BusinessOutcome links an AI interaction to a conversion recorded later.
type BusinessOutcome struct {
	EventType EventType `json:"event_type"`
	Value     float64   `json:"value"`

	// Seconds elapsed between the AI interaction and the conversion.
	TimeToConversionSeconds int64 `json:"time_to_conversion_seconds"`

	// ConversionEventID references the conversion record when known.
	ConversionEventID string `json:"conversion_event_id,omitempty"`
}

// Validate checks outcome invariants.
func (o *BusinessOutcome) Validate() error {
	if !ValidEventType(o.EventType) {
		return &ValidationError{Field: "business_outcome.event_type", Reason: "unknown event type " + string(o.EventType)}
	}
	if o.Value < 0 {
		return &ValidationError{Field: "business_outcome.value", Reason: "must be >= 0"}
	}
	if o.TimeToConversionSeconds < 0 {
		return &ValidationError{Field: "business_outcome.time_to_conversion_seconds", Reason: "must be >= 0"}
	}
	return nil
}

// AIInteractionEvent records one AI-provider invocation and, once known, the
// business outcome it contributed to. The outcome is attached append-only;
// the original record's identity is preserved.
type AIInteractionEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	UserID      string     `json:"user_id"`
	AIProvider  AIProvider `json:"ai_provider"`
	RequestType string     `json:"request_type,omitempty"`
	Persona     string     `json:"persona,omitempty"`

	Success      bool    `json:"success"`
	CostEstimate float64 `json:"cost_estimate"`

	BusinessOutcome *BusinessOutcome `json:"business_outcome,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`

	Redacted bool `json:"redacted,omitempty"`
}

// Validate checks the invariants required before persistence.
func (e *AIInteractionEvent) Validate() error {
	if e.UserID == "" && !e.Redacted {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if e.AIProvider == "" {
		return &ValidationError{Field: "ai_provider", Reason: "required"}
	}
	if e.CostEstimate < 0 {
		return &ValidationError{Field: "cost_estimate", Reason: "must be >= 0"}
	}
	if e.BusinessOutcome != nil {
		if err := e.BusinessOutcome.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ===========================================
// TIME WINDOW
// ===========================================

// Window is a half-open time range [From, To) used by every query and
// aggregate computation.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.To.Sub(w.From)
}

// Prior returns the equal-length window immediately preceding this one.
// Used for growth-rate comparisons.
func (w Window) Prior() Window {
	d := w.Duration()
	return Window{From: w.From.Add(-d), To: w.From}
}

// Validate checks that the window is well-formed.
func (w Window) Validate() error {
	if !w.To.After(w.From) {
		return &ValidationError{Field: "window", Reason: "to must be after from"}
	}
	return nil
}
