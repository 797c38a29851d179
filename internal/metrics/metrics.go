package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Ingestion metrics
	EventsIngested   *prometheus.CounterVec
	IngestRejections *prometheus.CounterVec
	IngestLatency    *prometheus.HistogramVec
	DuplicateInserts *prometheus.CounterVec

	// Revenue/cost metrics
	RevenueIngested *prometheus.CounterVec
	AICostIngested  *prometheus.CounterVec

	// Query/report metrics
	QueryLatency  *prometheus.HistogramVec
	QueryTimeouts *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Export metrics
	ExportRequests *prometheus.CounterVec

	// Mirror metrics
	MirroredEvents prometheus.Counter

	// Compliance metrics
	Redactions prometheus.Counter

	// Retention metrics
	EventsSwept prometheus.Counter

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		EventsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Events accepted and durably written",
			},
			[]string{"kind", "event_type"},
		),
		IngestRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_rejections_total",
				Help:      "Submissions rejected before persistence",
			},
			[]string{"kind", "field"},
		),
		IngestLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_latency_seconds",
				Help:      "Time from submission to durable-write acknowledgment",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"kind"},
		),
		DuplicateInserts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_inserts_total",
				Help:      "Idempotent resubmissions resolved to the stored record",
			},
			[]string{"kind"},
		),
		RevenueIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revenue_ingested_total",
				Help:      "Conversion value accepted, by event type",
			},
			[]string{"event_type", "currency"},
		),
		AICostIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ai_cost_ingested_total",
				Help:      "AI cost estimates accepted, by provider",
			},
			[]string{"provider"},
		),
		QueryLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_latency_seconds",
				Help:      "Aggregate query latency",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
		QueryTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_timeouts_total",
				Help:      "Queries abandoned at the caller-supplied deadline",
			},
			[]string{"operation"},
		),
		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Snapshot cache hits",
			},
			[]string{"cache"},
		),
		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Snapshot cache misses",
			},
			[]string{"cache"},
		),
		ExportRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_requests_total",
				Help:      "Export snapshots produced, by format",
			},
			[]string{"format", "status"},
		),
		MirroredEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mirrored_events_total",
				Help:      "Events forwarded to the analytics mirror",
			},
		),
		Redactions: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redactions_total",
				Help:      "PII redaction operations performed",
			},
		),
		EventsSwept: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_swept_total",
				Help:      "Events removed by retention cleanup",
			},
		),
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Rate limit rejections",
			},
			[]string{"endpoint"},
		),
	}

	return m
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordIngest records an accepted event.
func (m *Metrics) RecordIngest(kind, eventType string, latency time.Duration) {
	m.EventsIngested.WithLabelValues(kind, eventType).Inc()
	m.IngestLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// RecordRejection records a submission rejected at validation.
func (m *Metrics) RecordRejection(kind, field string) {
	m.IngestRejections.WithLabelValues(kind, field).Inc()
}

// RecordDuplicate records an idempotent resubmission.
func (m *Metrics) RecordDuplicate(kind string) {
	m.DuplicateInserts.WithLabelValues(kind).Inc()
}

// RecordRevenue records accepted conversion value.
func (m *Metrics) RecordRevenue(eventType, currency string, value float64) {
	if value > 0 {
		m.RevenueIngested.WithLabelValues(eventType, currency).Add(value)
	}
}

// RecordAICost records an accepted cost estimate.
func (m *Metrics) RecordAICost(provider string, cost float64) {
	if cost > 0 {
		m.AICostIngested.WithLabelValues(provider).Add(cost)
	}
}

// RecordQuery records an aggregate query.
func (m *Metrics) RecordQuery(operation string, latency time.Duration) {
	m.QueryLatency.WithLabelValues(operation).Observe(latency.Seconds())
}

// RecordTimeout records an abandoned query.
func (m *Metrics) RecordTimeout(operation string) {
	m.QueryTimeouts.WithLabelValues(operation).Inc()
}

// RecordCacheHit records a snapshot cache hit.
func (m *Metrics) RecordCacheHit(cache string) {
	m.CacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a snapshot cache miss.
func (m *Metrics) RecordCacheMiss(cache string) {
	m.CacheMisses.WithLabelValues(cache).Inc()
}

// RecordExport records an export request.
func (m *Metrics) RecordExport(format, status string) {
	m.ExportRequests.WithLabelValues(format, status).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.RateLimitHits.WithLabelValues(endpoint).Inc()
}
