package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/matbakh/metrics-core/internal/config"
	"github.com/matbakh/metrics-core/internal/models"
)

func newTestHandler() http.Handler {
	cfg := &config.Config{}
	cfg.Attribution.Lookback = 30 * 24 * time.Hour
	cfg.Experiment.MinSampleSize = 30

	_, handler := NewServer(&Dependencies{
		Config: cfg,
		Logger: zap.NewNop(),
	})
	return handler
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	handler := newTestHandler()

	rec := get(handler, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHandleConversion_Success(t *testing.T) {
	handler := newTestHandler()

	rec := postJSON(t, handler, "/events/conversion", map[string]any{
		"user_id":    "user-1",
		"event_type": "purchase",
		"value":      49.0,
		"currency":   "EUR",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var stored models.ConversionEvent
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.NotEmpty(t, stored.ID)
}

func TestHandleConversion_ValidationIs400(t *testing.T) {
	handler := newTestHandler()

	rec := postJSON(t, handler, "/events/conversion", map[string]any{
		"user_id":    "user-1",
		"event_type": "pageview",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation_failed", body["error"])
	assert.Equal(t, "event_type", body["field"])
	assert.NotEmpty(t, body["reason"])
}

func TestHandleConversion_MethodNotAllowed(t *testing.T) {
	handler := newTestHandler()

	rec := get(handler, "/events/conversion")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleAIInteraction_WithInlineConversion(t *testing.T) {
	handler := newTestHandler()

	rec := postJSON(t, handler, "/events/ai", map[string]any{
		"user_id":       "user-1",
		"ai_provider":   "bedrock",
		"success":       true,
		"cost_estimate": 0.03,
		"conversion": map[string]any{
			"user_id":    "user-1",
			"event_type": "subscription",
			"value":      29.0,
		},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Interaction models.AIInteractionEvent `json:"ai_interaction"`
		Conversion  models.ConversionEvent    `json:"conversion"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Interaction.CorrelationID)
	assert.Equal(t, resp.Interaction.CorrelationID, resp.Conversion.CorrelationID)
}

func TestHandleOutcome_MissingFields(t *testing.T) {
	handler := newTestHandler()

	rec := postJSON(t, handler, "/events/ai/outcome", map[string]any{
		"interaction_id": "",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQueryEvents_UnknownFilterKeyIs400(t *testing.T) {
	handler := newTestHandler()

	rec := get(handler, "/query/events?region=eu-central-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unknown_filter", body["error"])
	assert.Equal(t, "region", body["parameter"])
}

func TestHandleQueryEvents_ReadYourWrites(t *testing.T) {
	handler := newTestHandler()

	post := postJSON(t, handler, "/events/conversion", map[string]any{
		"user_id":    "user-1",
		"event_type": "signup",
	})
	assert.Equal(t, http.StatusOK, post.Code)

	rec := get(handler, "/query/events?user_id=user-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Conversions []models.ConversionEvent `json:"conversions"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Conversions, 1)
}

func TestHandleQueryEvents_BadTimeoutIs400(t *testing.T) {
	handler := newTestHandler()

	rec := get(handler, "/query/events?timeout=soon")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQueryEvents_ExpiredTimeoutIs504(t *testing.T) {
	handler := newTestHandler()

	post := postJSON(t, handler, "/events/conversion", map[string]any{
		"user_id": "user-1", "event_type": "signup",
	})
	assert.Equal(t, http.StatusOK, post.Code)

	rec := get(handler, "/query/events?timeout=1ns")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	var body map[string]string
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "timeout", body["error"])
	assert.Equal(t, "query", body["operation"])
}

func TestHandleROI_NoDataIs422(t *testing.T) {
	handler := newTestHandler()

	rec := get(handler, "/reports/roi?dimension=provider&key=bedrock")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body map[string]string
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_data", body["error"])
	assert.Equal(t, "roi", body["metric"])
}

func TestHandleROI_BadDimensionIs400(t *testing.T) {
	handler := newTestHandler()

	rec := get(handler, "/reports/roi?dimension=campaign&key=spring")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRevenueReport_Empty(t *testing.T) {
	handler := newTestHandler()

	rec := get(handler, "/reports/revenue")
	assert.Equal(t, http.StatusOK, rec.Code)

	var m models.RevenueMetrics
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, 0.0, m.TotalRevenue)
}

func TestHandleFunnelReport(t *testing.T) {
	handler := newTestHandler()

	_ = postJSON(t, handler, "/events/conversion", map[string]any{
		"user_id": "user-1", "event_type": "signup",
	})

	rec := postJSON(t, handler, "/reports/funnel", map[string]any{
		"stages": []map[string]string{
			{"name": "signup", "event_type": "signup"},
			{"name": "subscription", "event_type": "subscription"},
		},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var report models.FunnelReport
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Len(t, report.Stages, 2)
	assert.Equal(t, int64(1), report.Stages[0].UserCount)
}

func TestHandleExperimentReport_InsufficientSampleIs200(t *testing.T) {
	handler := newTestHandler()

	rec := get(handler, "/reports/experiments/onboarding-copy")
	assert.Equal(t, http.StatusOK, rec.Code)

	var snap models.ExperimentSnapshot
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.InsufficientSample)
	assert.Nil(t, snap.PValue)
}

func TestHandleAttributionReport_UnknownModelIs400(t *testing.T) {
	handler := newTestHandler()

	rec := get(handler, "/reports/attribution?model=time_decay")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleExport_UnsupportedFormatIs400(t *testing.T) {
	handler := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/export?format=parquet", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleExport_CSV(t *testing.T) {
	handler := newTestHandler()

	_ = postJSON(t, handler, "/events/conversion", map[string]any{
		"user_id": "user-1", "event_type": "purchase", "value": 10.0,
	})

	req := httptest.NewRequest(http.MethodPost, "/export?format=csv", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "purchase")
}

func TestHandleExport_ExpiredTimeoutIs504(t *testing.T) {
	handler := newTestHandler()

	_ = postJSON(t, handler, "/events/conversion", map[string]any{
		"user_id": "user-1", "event_type": "purchase", "value": 10.0,
	})

	req := httptest.NewRequest(http.MethodPost, "/export?format=csv&timeout=1ns", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "timeout", body["error"])
	assert.Equal(t, "export", body["operation"])
}

func TestHandleExport_RevenueDataset(t *testing.T) {
	handler := newTestHandler()

	_ = postJSON(t, handler, "/events/conversion", map[string]any{
		"user_id": "user-1", "event_type": "subscription", "value": 29.0,
	})

	req := httptest.NewRequest(http.MethodPost, "/export?format=json&dataset=revenue", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var rm models.RevenueMetrics
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rm))
	assert.Equal(t, 29.0, rm.TotalRevenue)
	assert.Equal(t, 29.0, rm.RecurringRevenue)
}

func TestHandleExport_UnknownDatasetIs400(t *testing.T) {
	handler := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/export?format=json&dataset=sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation_failed", body["error"])
	assert.Equal(t, "dataset", body["field"])
}

func TestHandleRedact(t *testing.T) {
	handler := newTestHandler()

	_ = postJSON(t, handler, "/events/conversion", map[string]any{
		"user_id": "user-1", "event_type": "purchase", "value": 10.0,
	})

	rec := postJSON(t, handler, "/admin/redact", map[string]any{"user_id": "user-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"conversion_events":1`)

	// The record survives with PII nulled.
	query := get(handler, "/query/events")
	var resp struct {
		Conversions []models.ConversionEvent `json:"conversions"`
	}
	assert.NoError(t, json.Unmarshal(query.Body.Bytes(), &resp))
	assert.Len(t, resp.Conversions, 1)
	assert.Empty(t, resp.Conversions[0].UserID)
}
