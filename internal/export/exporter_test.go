package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/matbakh/metrics-core/internal/attribution"
	"github.com/matbakh/metrics-core/internal/models"
	"github.com/matbakh/metrics-core/internal/revenue"
	"github.com/matbakh/metrics-core/internal/storage"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestExporter(t *testing.T) (*Exporter, *storage.InMemoryEventStore) {
	t.Helper()
	store := storage.NewInMemoryEventStore()
	engine := attribution.NewEngine(store, 30*24*time.Hour, zap.NewNop())
	aggregator := revenue.NewAggregator(store, engine, nil, nil, zap.NewNop())
	return NewExporter(store, aggregator, nil, zap.NewNop()), store
}

func seed(t *testing.T, store storage.EventStore, id string, value float64, meta models.Metadata) {
	t.Helper()
	_, _, err := store.InsertConversion(context.Background(), &models.ConversionEvent{
		ID:        id,
		Timestamp: testBase,
		UserID:    "user-1",
		EventType: models.EventPurchase,
		Value:     value,
		Currency:  "EUR",
		Metadata:  meta,
	})
	assert.NoError(t, err)
}

func TestSnapshot_JSON(t *testing.T) {
	exporter, store := newTestExporter(t)
	seed(t, store, "ev-1", 49.0, nil)
	seed(t, store, "ev-2", 99.0, nil)

	var buf bytes.Buffer
	n, err := exporter.Snapshot(context.Background(), Request{Format: FormatJSON}, &buf)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)

	var decoded []models.ConversionEvent
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded, 2)
	assert.Equal(t, "ev-1", decoded[0].ID)
	assert.Equal(t, 49.0, decoded[0].Value)
}

func TestSnapshot_CSV(t *testing.T) {
	exporter, store := newTestExporter(t)
	seed(t, store, "ev-1", 49.0, models.Metadata{
		models.MetaSource:     "google",
		models.MetaAIProvider: "bedrock",
	})

	var buf bytes.Buffer
	n, err := exporter.Snapshot(context.Background(), Request{Format: FormatCSV}, &buf)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	assert.NoError(t, err)
	assert.Len(t, rows, 2, "header plus one record")
	assert.Equal(t, csvHeader, rows[0])

	record := rows[1]
	assert.Equal(t, "ev-1", record[0])
	assert.Equal(t, "purchase", record[4])
	assert.Equal(t, "49", record[6])
	assert.Equal(t, "google", record[9])
	assert.Equal(t, "bedrock", record[10])
}

func TestSnapshot_UnsupportedFormat(t *testing.T) {
	exporter, store := newTestExporter(t)
	seed(t, store, "ev-1", 49.0, nil)

	var buf bytes.Buffer
	_, err := exporter.Snapshot(context.Background(), Request{Format: "parquet"}, &buf)

	var ufErr *models.UnsupportedFormatError
	assert.ErrorAs(t, err, &ufErr)
	assert.Equal(t, "parquet", ufErr.Format)
	assert.Zero(t, buf.Len(), "nothing written for a rejected format")
}

func TestSnapshot_FilterApplies(t *testing.T) {
	exporter, store := newTestExporter(t)
	seed(t, store, "ev-1", 49.0, models.Metadata{models.MetaPersona: "solo-owner"})
	seed(t, store, "ev-2", 99.0, nil)

	var buf bytes.Buffer
	n, err := exporter.Snapshot(context.Background(), Request{
		Format: FormatJSON,
		Filter: storage.EventFilter{Persona: "solo-owner"},
	}, &buf)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func seedTyped(t *testing.T, store storage.EventStore, id string, et models.EventType, value float64) {
	t.Helper()
	_, _, err := store.InsertConversion(context.Background(), &models.ConversionEvent{
		ID:        id,
		Timestamp: testBase,
		UserID:    "user-1",
		EventType: et,
		Value:     value,
		Currency:  "EUR",
	})
	assert.NoError(t, err)
}

func TestSnapshot_RevenueDatasetJSON(t *testing.T) {
	exporter, store := newTestExporter(t)
	seedTyped(t, store, "ev-1", models.EventSubscription, 29.0)
	seedTyped(t, store, "ev-2", models.EventPurchase, 49.0)

	window := models.Window{From: testBase.Add(-time.Hour), To: testBase.Add(time.Hour)}
	var buf bytes.Buffer
	n, err := exporter.Snapshot(context.Background(), Request{
		Format:  FormatJSON,
		Dataset: DatasetRevenue,
		Filter:  storage.EventFilter{Window: window},
	}, &buf)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	var rm models.RevenueMetrics
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &rm))
	assert.Equal(t, 78.0, rm.TotalRevenue)
	assert.Equal(t, 29.0, rm.RecurringRevenue)
	assert.Equal(t, 49.0, rm.OneTimeRevenue)
}

func TestSnapshot_RevenueDatasetCSV(t *testing.T) {
	exporter, store := newTestExporter(t)
	seedTyped(t, store, "ev-1", models.EventSubscription, 29.0)
	seedTyped(t, store, "ev-2", models.EventPurchase, 49.0)

	window := models.Window{From: testBase.Add(-time.Hour), To: testBase.Add(time.Hour)}
	var buf bytes.Buffer
	n, err := exporter.Snapshot(context.Background(), Request{
		Format:  FormatCSV,
		Dataset: DatasetRevenue,
		Filter:  storage.EventFilter{Window: window},
	}, &buf)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	assert.NoError(t, err)
	assert.Len(t, rows, 2, "header plus one record")
	assert.Equal(t, revenueCSVHeader, rows[0])
	assert.Equal(t, "78", rows[1][2])
	assert.Equal(t, "29", rows[1][3])
	assert.Equal(t, "49", rows[1][4])
}

func TestSnapshot_UnknownDataset(t *testing.T) {
	exporter, store := newTestExporter(t)
	seed(t, store, "ev-1", 49.0, nil)

	var buf bytes.Buffer
	_, err := exporter.Snapshot(context.Background(), Request{Format: FormatJSON, Dataset: "sessions"}, &buf)

	var vErr *models.ValidationError
	assert.ErrorAs(t, err, &vErr)
	assert.Equal(t, "dataset", vErr.Field)
	assert.Zero(t, buf.Len(), "nothing written for an unknown dataset")
}

func TestContentType(t *testing.T) {
	ct, err := ContentType(FormatJSON)
	assert.NoError(t, err)
	assert.Equal(t, "application/json", ct)

	ct, err = ContentType(FormatCSV)
	assert.NoError(t, err)
	assert.Equal(t, "text/csv", ct)

	_, err = ContentType("xml")
	assert.Error(t, err)
}
