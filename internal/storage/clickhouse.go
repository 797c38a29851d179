package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/matbakh/metrics-core/internal/models"
	"go.uber.org/zap"
)

// ClickHouseMirror mirrors ingested events into ClickHouse for
// dashboard-scale scans. It is a write-behind sink fed by ingest
// notifications: the canonical store has already acknowledged the event by
// the time a row reaches the mirror, so a mirror failure never fails an
// ingest.
type ClickHouseMirror struct {
	conn          driver.Conn
	logger        *zap.Logger
	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	rows   []mirrorRow
	closed bool

	stop chan struct{}
	done chan struct{}
}

type mirrorRow struct {
	ID        string
	Kind      string // "conversion" or "ai_interaction"
	UserID    string
	EventType string
	Provider  string
	Persona   string
	Value     float64
	Cost      float64
	Currency  string
	Metadata  string
	Timestamp time.Time
}

// NewClickHouseMirror creates the mirror and starts its background flusher.
func NewClickHouseMirror(conn driver.Conn, batchSize int, flushInterval time.Duration, logger *zap.Logger) *ClickHouseMirror {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	m := &ClickHouseMirror{
		conn:          conn,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		rows:          make([]mirrorRow, 0, batchSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go m.flushLoop()
	return m
}

// InitSchema creates the mirror table if it does not exist.
func (m *ClickHouseMirror) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS event_mirror (
		id LowCardinality(String) CODEC(ZSTD),
		kind LowCardinality(String),
		user_id String,
		event_type LowCardinality(String),
		ai_provider LowCardinality(String),
		persona LowCardinality(String),
		value Float64,
		cost Float64,
		currency LowCardinality(String),
		metadata String,
		timestamp DateTime64(3),
		mirrored_at DateTime64(3) DEFAULT now64(3)
	) ENGINE = ReplacingMergeTree()
	PRIMARY KEY (id)
	ORDER BY (id, timestamp)
	PARTITION BY toYYYYMM(timestamp)
	SETTINGS index_granularity = 8192
	`
	if err := m.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create mirror table: %w", err)
	}
	return nil
}

// MirrorConversion enqueues a conversion row.
func (m *ClickHouseMirror) MirrorConversion(ev *models.ConversionEvent) {
	meta, _ := json.Marshal(ev.Metadata)
	m.enqueue(mirrorRow{
		ID:        ev.ID,
		Kind:      "conversion",
		UserID:    ev.UserID,
		EventType: string(ev.EventType),
		Provider:  ev.Metadata[models.MetaAIProvider],
		Persona:   ev.Metadata[models.MetaPersona],
		Value:     ev.Value,
		Currency:  ev.Currency,
		Metadata:  string(meta),
		Timestamp: ev.Timestamp,
	})
}

// MirrorAIInteraction enqueues an AI interaction row.
func (m *ClickHouseMirror) MirrorAIInteraction(ev *models.AIInteractionEvent) {
	row := mirrorRow{
		ID:        ev.ID,
		Kind:      "ai_interaction",
		UserID:    ev.UserID,
		Provider:  string(ev.AIProvider),
		Persona:   ev.Persona,
		Cost:      ev.CostEstimate,
		Timestamp: ev.Timestamp,
	}
	if ev.BusinessOutcome != nil {
		row.EventType = string(ev.BusinessOutcome.EventType)
		row.Value = ev.BusinessOutcome.Value
	}
	m.enqueue(row)
}

func (m *ClickHouseMirror) enqueue(row mirrorRow) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.rows = append(m.rows, row)
	shouldFlush := len(m.rows) >= m.batchSize
	m.mu.Unlock()

	if shouldFlush {
		m.Flush(context.Background())
	}
}

// Flush writes the pending batch.
func (m *ClickHouseMirror) Flush(ctx context.Context) {
	m.mu.Lock()
	if len(m.rows) == 0 {
		m.mu.Unlock()
		return
	}
	rows := m.rows
	m.rows = make([]mirrorRow, 0, m.batchSize)
	m.mu.Unlock()

	if err := m.insertBatch(ctx, rows); err != nil {
		m.logger.Error("mirror flush failed",
			zap.Int("rows", len(rows)),
			zap.Error(err),
		)
		return
	}
	m.logger.Debug("mirror flushed", zap.Int("rows", len(rows)))
}

func (m *ClickHouseMirror) insertBatch(ctx context.Context, rows []mirrorRow) error {
	batch, err := m.conn.PrepareBatch(ctx, "INSERT INTO event_mirror (id, kind, user_id, event_type, ai_provider, persona, value, cost, currency, metadata, timestamp)")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(r.ID, r.Kind, r.UserID, r.EventType, r.Provider,
			r.Persona, r.Value, r.Cost, r.Currency, r.Metadata, r.Timestamp); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (m *ClickHouseMirror) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Flush(context.Background())
		case <-m.stop:
			m.Flush(context.Background())
			return
		}
	}
}

// Close drains the pending batch and stops the flusher.
func (m *ClickHouseMirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	<-m.done
}
