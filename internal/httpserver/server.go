package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/matbakh/metrics-core/internal/attribution"
	"github.com/matbakh/metrics-core/internal/config"
	"github.com/matbakh/metrics-core/internal/database"
	"github.com/matbakh/metrics-core/internal/export"
	"github.com/matbakh/metrics-core/internal/funnel"
	"github.com/matbakh/metrics-core/internal/ingest"
	"github.com/matbakh/metrics-core/internal/metrics"
	"github.com/matbakh/metrics-core/internal/models"
	"github.com/matbakh/metrics-core/internal/revenue"
	"github.com/matbakh/metrics-core/internal/storage"
	"go.uber.org/zap"
)

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	DB         *database.PostgresDB
	Redis      *database.RedisDB
	ClickHouse *database.ClickHouseDB
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Server wraps HTTP handlers and the analytics services.
type Server struct {
	ingestService *ingest.Service
	engine        *attribution.Engine
	aggregator    *revenue.Aggregator
	analyzer      *funnel.Analyzer
	exporter      *export.Exporter
	store         storage.EventStore
	mirror        *storage.ClickHouseMirror
	redis         *database.RedisDB
	clickhouse    *database.ClickHouseDB
	logger        *zap.Logger
	config        *config.Config
	metrics       *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes registered. The
// returned Server owns background sinks; call Close on shutdown.
func NewServer(deps *Dependencies) (*Server, http.Handler) {
	// Initialize event store
	var store storage.EventStore
	if deps.DB != nil {
		store = storage.NewPostgresEventStore(deps.DB.Pool)
	} else {
		store = storage.NewInMemoryEventStore()
	}

	dispatcher := ingest.NewDispatcher(deps.Logger)

	// ClickHouse write-behind mirror
	var mirror *storage.ClickHouseMirror
	if deps.ClickHouse != nil {
		mirror = storage.NewClickHouseMirror(
			deps.ClickHouse.Conn,
			deps.Config.ClickHouse.BatchSize,
			deps.Config.ClickHouse.FlushInterval,
			deps.Logger,
		)
		dispatcher.Subscribe(mirrorSubscriber(mirror, deps.Metrics))
	}

	// Redis snapshot cache, invalidated on ingest
	var cache *revenue.SnapshotCache
	if deps.Redis != nil {
		cache = revenue.NewSnapshotCache(deps.Redis.Client, deps.Config.Redis.CacheTTL, deps.Metrics, deps.Logger)
		dispatcher.Subscribe(cache.Subscriber())
	}

	ingestSvc := ingest.NewService(store, dispatcher, deps.Metrics, deps.Logger)
	engine := attribution.NewEngine(store, deps.Config.Attribution.Lookback, deps.Logger)
	aggregator := revenue.NewAggregator(store, engine, cache, deps.Metrics, deps.Logger)
	analyzer := funnel.NewAnalyzer(store, deps.Config.Experiment.MinSampleSize, deps.Metrics, deps.Logger)
	exporter := export.NewExporter(store, aggregator, deps.Metrics, deps.Logger)

	s := &Server{
		ingestService: ingestSvc,
		engine:        engine,
		aggregator:    aggregator,
		analyzer:      analyzer,
		exporter:      exporter,
		store:         store,
		mirror:        mirror,
		redis:         deps.Redis,
		clickhouse:    deps.ClickHouse,
		logger:        deps.Logger,
		config:        deps.Config,
		metrics:       deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
	}

	// Ingestion
	mux.HandleFunc("/events/conversion", s.handleConversion)
	mux.HandleFunc("/events/ai", s.handleAIInteraction)
	mux.HandleFunc("/events/ai/outcome", s.handleOutcome)

	// Queries
	mux.HandleFunc("/query/events", s.handleQueryEvents)

	// Reports
	mux.HandleFunc("/reports/revenue", s.handleRevenueReport)
	mux.HandleFunc("/reports/roi", s.handleROIReport)
	mux.HandleFunc("/reports/funnel", s.handleFunnelReport)
	mux.HandleFunc("/reports/experiments/", s.handleExperimentReport)
	mux.HandleFunc("/reports/attribution", s.handleAttributionReport)

	// Export
	mux.HandleFunc("/export", s.handleExport)

	// Admin
	mux.HandleFunc("/admin/redact", s.handleRedact)

	return s, mux
}

// Close drains background sinks.
func (s *Server) Close() {
	if s.mirror != nil {
		s.mirror.Close()
	}
}

// InitMirrorSchema creates the ClickHouse mirror table when the mirror is
// configured.
func (s *Server) InitMirrorSchema(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	return s.mirror.InitSchema(ctx)
}

// RunRetentionSweep periodically deletes events older than maxAge until the
// context is cancelled.
func (s *Server) RunRetentionSweep(ctx context.Context, maxAge, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-maxAge)
			removed, err := s.store.CleanupOldEvents(ctx, cutoff)
			if err != nil {
				s.logger.Error("retention sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				if s.metrics != nil {
					s.metrics.EventsSwept.Add(float64(removed))
				}
				s.logger.Info("retention sweep",
					zap.Int64("removed", removed),
					zap.Time("cutoff", cutoff))
			}
		case <-ctx.Done():
			return
		}
	}
}

// mirrorSubscriber forwards ingested events to the ClickHouse sink.
func mirrorSubscriber(m *storage.ClickHouseMirror, mt *metrics.Metrics) ingest.Subscriber {
	return ingest.SubscriberFunc{
		SubName: "clickhouse-mirror",
		Fn: func(n ingest.Notification) {
			switch n.Kind {
			case ingest.NotifyConversion:
				m.MirrorConversion(n.Conversion)
			case ingest.NotifyAIInteraction, ingest.NotifyOutcome:
				m.MirrorAIInteraction(n.Interaction)
			}
			if mt != nil {
				mt.MirroredEvents.Inc()
			}
		},
	}
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	degraded := false
	if err := s.store.Ping(ctx); err != nil {
		status["store"] = err.Error()
		degraded = true
	}
	if s.redis != nil {
		if err := s.redis.Health(ctx); err != nil {
			status["redis"] = err.Error()
			degraded = true
		}
	}
	if s.clickhouse != nil {
		if err := s.clickhouse.Health(ctx); err != nil {
			status["clickhouse"] = err.Error()
			degraded = true
		}
	}
	if degraded {
		status["status"] = "degraded"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(status)
		return
	}
	s.jsonResponse(w, status)
}

// ---- Ingestion ----

func (s *Server) handleConversion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev models.ConversionEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	stored, err := s.ingestService.SubmitConversion(r.Context(), &ev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, stored)
}

// aiEventRequest is an AI interaction, optionally paired with the
// conversion it drove. The pair is stored atomically with a shared
// correlation id.
type aiEventRequest struct {
	models.AIInteractionEvent
	Conversion *models.ConversionEvent `json:"conversion,omitempty"`
}

func (s *Server) handleAIInteraction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req aiEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	if req.Conversion != nil {
		inter, conv, err := s.ingestService.SubmitPair(r.Context(), &req.AIInteractionEvent, req.Conversion)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.jsonResponse(w, map[string]any{"ai_interaction": inter, "conversion": conv})
		return
	}

	stored, err := s.ingestService.SubmitAIInteraction(r.Context(), &req.AIInteractionEvent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, stored)
}

type outcomeRequest struct {
	InteractionID string                  `json:"interaction_id"`
	Outcome       *models.BusinessOutcome `json:"outcome"`
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.InteractionID == "" || req.Outcome == nil {
		s.errorResponse(w, "interaction_id and outcome required", http.StatusBadRequest)
		return
	}

	updated, err := s.ingestService.AttachOutcome(r.Context(), req.InteractionID, req.Outcome)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, updated)
}

// ---- Queries ----

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter, err := storage.ParseFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel, err := s.withTimeout(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	conversions, err := s.store.QueryConversions(ctx, filter)
	if err != nil {
		s.writeError(w, s.asTimeout(err, "query"))
		return
	}
	interactions, err := s.store.QueryAIInteractions(ctx, filter)
	if err != nil {
		s.writeError(w, s.asTimeout(err, "query"))
		return
	}

	s.jsonResponse(w, map[string]any{
		"conversions":     conversions,
		"ai_interactions": interactions,
	})
}

// ---- Reports ----

func (s *Server) handleRevenueReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	window, err := storage.ParseWindow(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel, err := s.withTimeout(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	report, err := s.aggregator.ComputeRevenueMetrics(ctx, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, report)
}

func (s *Server) handleROIReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var dim models.ROIDimension
	switch q.Get("dimension") {
	case "provider":
		dim = models.ROIByProvider
	case "persona":
		dim = models.ROIByPersona
	default:
		s.writeError(w, &models.ValidationError{Field: "dimension", Reason: "must be provider or persona"})
		return
	}
	key := q.Get("key")
	if key == "" {
		s.writeError(w, &models.ValidationError{Field: "key", Reason: "required"})
		return
	}

	window, err := storage.ParseWindow(q)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel, err := s.withTimeout(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	analysis, err := s.aggregator.ComputeROI(ctx, dim, key, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, analysis)
}

type funnelRequest struct {
	Stages []funnel.StageSpec `json:"stages"`
	From   time.Time          `json:"from"`
	To     time.Time          `json:"to"`
}

func (s *Server) handleFunnelReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req funnelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	window := models.Window{From: req.From, To: req.To}
	if window.From.IsZero() && window.To.IsZero() {
		now := time.Now().UTC()
		window = models.Window{From: now.Add(-30 * 24 * time.Hour), To: now}
	}

	ctx, cancel, err := s.withTimeout(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	report, err := s.analyzer.BuildFunnel(ctx, req.Stages, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, report)
}

func (s *Server) handleExperimentReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	experimentID := strings.TrimPrefix(r.URL.Path, "/reports/experiments/")
	if experimentID == "" {
		http.NotFound(w, r)
		return
	}

	window, err := storage.ParseWindow(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel, err := s.withTimeout(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	snapshot, err := s.analyzer.AnalyzeExperiment(ctx, experimentID, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, snapshot)
}

func (s *Server) handleAttributionReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	model := models.AttributionModel(q.Get("model"))
	if model == "" {
		model = models.ModelLastTouch
	}
	if !models.ValidAttributionModel(model) {
		s.writeError(w, &models.ValidationError{Field: "model", Reason: "unknown attribution model " + string(model)})
		return
	}

	window, err := storage.ParseWindow(q)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel, err := s.withTimeout(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	records, err := s.engine.AttributeWindow(ctx, window, model)
	if err != nil {
		s.writeError(w, s.asTimeout(err, "attribution"))
		return
	}
	s.jsonResponse(w, records)
}

// ---- Export ----

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	format := export.Format(q.Get("format"))
	q.Del("format")

	dataset := export.Dataset(q.Get("dataset"))
	q.Del("dataset")

	contentType, err := export.ContentType(format)
	if err != nil {
		s.writeError(w, err)
		return
	}

	filter, err := storage.ParseFilter(q)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel, err := s.withTimeout(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	// Render into a buffer first so a failed snapshot surfaces as a typed
	// error instead of a truncated 200.
	var buf bytes.Buffer
	if _, err := s.exporter.Snapshot(ctx, export.Request{Format: format, Dataset: dataset, Filter: filter}, &buf); err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(buf.Bytes())
}

// ---- Admin ----

type redactRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req redactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		s.writeError(w, &models.ValidationError{Field: "user_id", Reason: "required"})
		return
	}

	result, err := s.ingestService.Redact(r.Context(), req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, result)
}

// ---- Helper Methods ----

// withTimeout applies the optional timeout query parameter to the request
// context.
func (s *Server) withTimeout(r *http.Request) (context.Context, context.CancelFunc, error) {
	v := r.URL.Query().Get("timeout")
	if v == "" {
		return r.Context(), func() {}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return nil, nil, &models.ValidationError{Field: "timeout", Reason: "must be a positive duration"}
	}
	ctx, cancel := context.WithTimeout(r.Context(), d)
	return ctx, cancel, nil
}

func (s *Server) asTimeout(err error, operation string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if s.metrics != nil {
			s.metrics.RecordTimeout(operation)
		}
		return &models.TimeoutError{Operation: operation}
	}
	return err
}

// writeError maps typed errors onto HTTP status codes with a structured
// JSON body naming the error kind and the offending field or parameter.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		validation   *models.ValidationError
		unknownKey   *models.UnknownFilterError
		badFormat    *models.UnsupportedFormatError
		insufficient *models.InsufficientDataError
		timeout      *models.TimeoutError
		unavailable  *models.StoreUnavailableError
	)

	switch {
	case errors.As(err, &validation):
		s.errorBody(w, http.StatusBadRequest, map[string]string{
			"error":  "validation_failed",
			"field":  validation.Field,
			"reason": validation.Reason,
		})
	case errors.As(err, &unknownKey):
		s.errorBody(w, http.StatusBadRequest, map[string]string{
			"error":     "unknown_filter",
			"parameter": unknownKey.Key,
		})
	case errors.As(err, &badFormat):
		s.errorBody(w, http.StatusBadRequest, map[string]string{
			"error":  "unsupported_format",
			"format": badFormat.Format,
		})
	case errors.As(err, &insufficient):
		s.errorBody(w, http.StatusUnprocessableEntity, map[string]string{
			"error":  "insufficient_data",
			"metric": insufficient.Metric,
			"reason": insufficient.Reason,
		})
	case errors.As(err, &timeout):
		s.errorBody(w, http.StatusGatewayTimeout, map[string]string{
			"error":     "timeout",
			"operation": timeout.Operation,
		})
	case errors.As(err, &unavailable):
		s.errorBody(w, http.StatusServiceUnavailable, map[string]string{
			"error": "store_unavailable",
		})
	default:
		s.logger.Error("internal error", zap.Error(err))
		s.errorBody(w, http.StatusInternalServerError, map[string]string{
			"error": "internal",
		})
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	s.errorBody(w, code, map[string]string{"error": message})
}

func (s *Server) errorBody(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
