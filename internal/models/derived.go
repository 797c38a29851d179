package models

import "time"

// Derived entities. Every type in this file is a pure function of the stored
// event set within a window: recomputed on demand, cached only with explicit
// invalidation, never hand-edited.

// ===========================================
// REVENUE
// ===========================================

// RevenueMetrics decomposes revenue for a window. The decomposition
// invariant holds exactly: Total = Recurring + OneTime.
type RevenueMetrics struct {
	Window Window `json:"window"`

	TotalRevenue     float64 `json:"total_revenue"`
	RecurringRevenue float64 `json:"recurring_revenue"` // subscription minus same-period churn
	OneTimeRevenue   float64 `json:"one_time_revenue"`  // purchase + upgrade

	// GrowthRate compares against the prior equal-length window. Defined as
	// 0 when the prior window total is 0 (policy, not a numeric error).
	GrowthRate float64 `json:"growth_rate"`

	AverageOrderValue     float64 `json:"average_order_value"`
	CustomerLifetimeValue float64 `json:"customer_lifetime_value"`

	ConversionCount int64 `json:"conversion_count"`
	CustomerCount   int64 `json:"customer_count"`

	ComputedAt time.Time `json:"computed_at"`
}

// ROIDimension selects how ROI is segmented.
type ROIDimension string

const (
	ROIByProvider ROIDimension = "provider"
	ROIByPersona  ROIDimension = "persona"
)

// ROIAnalysis relates AI spend to attributed revenue for one provider or
// persona within a window.
type ROIAnalysis struct {
	Dimension ROIDimension `json:"dimension"`
	Key       string       `json:"key"`
	Window    Window       `json:"window"`

	AttributedRevenue float64 `json:"attributed_revenue"`
	TotalAICost       float64 `json:"total_ai_cost"`
	NetRevenue        float64 `json:"net_revenue"`

	// ROI = (attributed revenue - cost) / cost. Never computed when cost is
	// 0; that path returns InsufficientDataError instead.
	ROI float64 `json:"roi"`

	// PaybackDays is cumulative cost over average daily attributed net
	// revenue, rounded up. 0 when net revenue is not positive.
	PaybackDays int `json:"payback_days"`

	InteractionCount int64 `json:"interaction_count"`
	ConversionCount  int64 `json:"conversion_count"`

	ComputedAt time.Time `json:"computed_at"`
}

// ===========================================
// ATTRIBUTION
// ===========================================

// AttributionModel selects how conversion credit is assigned.
type AttributionModel string

const (
	ModelFirstTouch AttributionModel = "first_touch"
	ModelLastTouch  AttributionModel = "last_touch"
	ModelLinear     AttributionModel = "linear"
)

// ValidAttributionModel reports whether m is a supported model.
func ValidAttributionModel(m AttributionModel) bool {
	switch m {
	case ModelFirstTouch, ModelLastTouch, ModelLinear:
		return true
	}
	return false
}

// Touchpoint is one pre-conversion contact eligible for credit.
type Touchpoint struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	Campaign   string     `json:"campaign,omitempty"`
	AIProvider AIProvider `json:"ai_provider,omitempty"`
	Persona    string     `json:"persona,omitempty"`
	Source     string     `json:"source,omitempty"`
}

// CreditShare assigns a fraction of a conversion's credit to a touchpoint.
// Under the linear model the shares of one conversion sum to exactly 1.
type CreditShare struct {
	Touchpoint Touchpoint `json:"touchpoint"`
	Credit     float64    `json:"credit"`
}

// AttributionRecord credits a conversion to its touchpoints under a chosen
// model. Owned by the attribution engine and recomputed per query; the model
// is a query parameter, not an event property.
type AttributionRecord struct {
	ConversionEventID string           `json:"conversion_event_id"`
	UserID            string           `json:"user_id"`
	EventType         EventType        `json:"event_type"`
	Model             AttributionModel `json:"model"`
	Value             float64          `json:"value"`
	Currency          string           `json:"currency"`
	Shares            []CreditShare    `json:"shares"`
	ComputedAt        time.Time        `json:"computed_at"`
}

// ===========================================
// FUNNEL
// ===========================================

// FunnelStage is one step in a funnel report.
type FunnelStage struct {
	Name      string    `json:"name"`
	EventType EventType `json:"event_type"`

	UserCount int64 `json:"user_count"`

	// DropOffRate = 1 - (userCount / previous stage userCount). 0 for the
	// first stage.
	DropOffRate float64 `json:"drop_off_rate"`

	ConversionFromPrev float64 `json:"conversion_from_prev"`
}

// FunnelReport measures drop-off across an ordered stage sequence. A user
// reaches stage N only with a matching event strictly after their stage N-1
// event, so stage counts are monotonically non-increasing.
type FunnelReport struct {
	Window Window        `json:"window"`
	Stages []FunnelStage `json:"stages"`

	// AvgTimeToConvertSeconds averages, over users completing every stage,
	// the time from their first-stage event to their final-stage event.
	AvgTimeToConvertSeconds float64 `json:"avg_time_to_convert_seconds"`

	CompletedCount int64 `json:"completed_count"`

	ComputedAt time.Time `json:"computed_at"`
}

// ===========================================
// EXPERIMENTS
// ===========================================

// VariantStats holds per-variant counts and the derived conversion rate.
type VariantStats struct {
	Variant        string  `json:"variant"`
	SampleCount    int64   `json:"sample_count"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

// ExperimentSnapshot is the result of a two-proportion z-test between a
// variant and the control for a named experiment and window. When either
// variant is below the configured sample floor the snapshot carries
// InsufficientSample=true and makes no p-value claim.
type ExperimentSnapshot struct {
	ExperimentID string `json:"experiment_id"`
	Window       Window `json:"window"`

	Control VariantStats `json:"control"`
	Variant VariantStats `json:"variant"`

	InsufficientSample bool `json:"insufficient_sample"`
	MinSampleSize      int  `json:"min_sample_size"`

	// Populated only when InsufficientSample is false.
	PValue        *float64 `json:"p_value,omitempty"`
	ZScore        *float64 `json:"z_score,omitempty"`
	Significant   bool     `json:"significant"`
	UpliftLow95   *float64 `json:"uplift_ci_low,omitempty"`
	UpliftHigh95  *float64 `json:"uplift_ci_high,omitempty"`
	RateDelta     *float64 `json:"rate_delta,omitempty"`

	ComputedAt time.Time `json:"computed_at"`
}
