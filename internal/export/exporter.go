package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/matbakh/metrics-core/internal/metrics"
	"github.com/matbakh/metrics-core/internal/models"
	"github.com/matbakh/metrics-core/internal/storage"
	"go.uber.org/zap"
)

// Format identifies an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Dataset names what gets exported: the raw event snapshot or an
// aggregate computed over the filter window.
type Dataset string

const (
	DatasetEvents  Dataset = "events"
	DatasetRevenue Dataset = "revenue"
)

// Request describes one export: which dataset to pull and how to encode
// it. An empty Dataset means the raw event snapshot.
type Request struct {
	Format  Format              `json:"format"`
	Dataset Dataset             `json:"dataset,omitempty"`
	Filter  storage.EventFilter `json:"-"`
}

// RevenueSource computes the revenue aggregate the revenue dataset
// serializes.
type RevenueSource interface {
	ComputeRevenueMetrics(ctx context.Context, w models.Window) (*models.RevenueMetrics, error)
}

// Exporter serializes event snapshots and aggregate reports. The snapshot
// is taken once at the start of the export; events ingested while writing
// are not included.
type Exporter struct {
	store   storage.EventStore
	revenue RevenueSource
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewExporter(store storage.EventStore, revenue RevenueSource, m *metrics.Metrics, logger *zap.Logger) *Exporter {
	return &Exporter{store: store, revenue: revenue, metrics: m, logger: logger}
}

// ContentType returns the MIME type for a format, or an
// UnsupportedFormatError.
func ContentType(f Format) (string, error) {
	switch f {
	case FormatJSON:
		return "application/json", nil
	case FormatCSV:
		return "text/csv", nil
	}
	return "", &models.UnsupportedFormatError{Format: string(f)}
}

// Snapshot writes the requested dataset to w in the requested format and
// returns the number of rows written.
func (e *Exporter) Snapshot(ctx context.Context, req Request, w io.Writer) (int, error) {
	if _, err := ContentType(req.Format); err != nil {
		e.recordExport(req.Format, "rejected")
		return 0, err
	}

	switch req.Dataset {
	case "", DatasetEvents:
		return e.snapshotEvents(ctx, req, w)
	case DatasetRevenue:
		return e.snapshotRevenue(ctx, req, w)
	}
	e.recordExport(req.Format, "rejected")
	return 0, &models.ValidationError{Field: "dataset", Reason: "must be events or revenue"}
}

func (e *Exporter) snapshotEvents(ctx context.Context, req Request, w io.Writer) (int, error) {
	events, err := e.store.QueryConversions(ctx, req.Filter)
	if err != nil {
		e.recordExport(req.Format, "error")
		return 0, e.asTimeout(err)
	}

	switch req.Format {
	case FormatJSON:
		err = writeJSON(w, events)
	case FormatCSV:
		err = writeCSV(w, events)
	}
	if err != nil {
		e.recordExport(req.Format, "error")
		return 0, err
	}

	e.recordExport(req.Format, "ok")
	e.logger.Info("export completed",
		zap.String("format", string(req.Format)),
		zap.Int("events", len(events)))
	return len(events), nil
}

func (e *Exporter) snapshotRevenue(ctx context.Context, req Request, w io.Writer) (int, error) {
	window := req.Filter.Window
	if window.From.IsZero() && window.To.IsZero() {
		now := time.Now().UTC()
		window = models.Window{From: now.AddDate(0, 0, -30), To: now}
	}

	rm, err := e.revenue.ComputeRevenueMetrics(ctx, window)
	if err != nil {
		e.recordExport(req.Format, "error")
		return 0, e.asTimeout(err)
	}

	switch req.Format {
	case FormatJSON:
		err = json.NewEncoder(w).Encode(rm)
	case FormatCSV:
		err = writeRevenueCSV(w, rm)
	}
	if err != nil {
		e.recordExport(req.Format, "error")
		return 0, err
	}

	e.recordExport(req.Format, "ok")
	e.logger.Info("export completed",
		zap.String("format", string(req.Format)),
		zap.String("dataset", string(DatasetRevenue)))
	return 1, nil
}

var revenueCSVHeader = []string{
	"from", "to", "total_revenue", "recurring_revenue", "one_time_revenue",
	"growth_rate", "average_order_value", "customer_lifetime_value",
	"conversion_count", "customer_count",
}

func writeRevenueCSV(w io.Writer, rm *models.RevenueMetrics) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(revenueCSVHeader); err != nil {
		return err
	}
	row := []string{
		rm.Window.From.UTC().Format(time.RFC3339Nano),
		rm.Window.To.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(rm.TotalRevenue, 'f', -1, 64),
		strconv.FormatFloat(rm.RecurringRevenue, 'f', -1, 64),
		strconv.FormatFloat(rm.OneTimeRevenue, 'f', -1, 64),
		strconv.FormatFloat(rm.GrowthRate, 'f', -1, 64),
		strconv.FormatFloat(rm.AverageOrderValue, 'f', -1, 64),
		strconv.FormatFloat(rm.CustomerLifetimeValue, 'f', -1, 64),
		strconv.FormatInt(rm.ConversionCount, 10),
		strconv.FormatInt(rm.CustomerCount, 10),
	}
	if err := cw.Write(row); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func writeJSON(w io.Writer, events []*models.ConversionEvent) error {
	enc := json.NewEncoder(w)
	return enc.Encode(events)
}

// csvHeader fixes the column order; metadata keys get one column each in
// allow-list order.
var csvHeader = []string{
	"id", "timestamp", "user_id", "session_id", "event_type", "event_name",
	"value", "currency", "correlation_id",
	models.MetaSource, models.MetaAIProvider, models.MetaPersona,
	models.MetaCampaign, models.MetaExperimentVariant,
}

func writeCSV(w io.Writer, events []*models.ConversionEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, ev := range events {
		row := []string{
			ev.ID,
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			ev.UserID,
			ev.SessionID,
			string(ev.EventType),
			ev.EventName,
			strconv.FormatFloat(ev.Value, 'f', -1, 64),
			ev.Currency,
			ev.CorrelationID,
			ev.Metadata[models.MetaSource],
			ev.Metadata[models.MetaAIProvider],
			ev.Metadata[models.MetaPersona],
			ev.Metadata[models.MetaCampaign],
			ev.Metadata[models.MetaExperimentVariant],
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (e *Exporter) recordExport(f Format, status string) {
	if e.metrics != nil {
		e.metrics.RecordExport(string(f), status)
	}
}

func (e *Exporter) asTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &models.TimeoutError{Operation: "export"}
	}
	return err
}
