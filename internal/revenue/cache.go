package revenue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matbakh/metrics-core/internal/ingest"
	"github.com/matbakh/metrics-core/internal/metrics"
	"github.com/matbakh/metrics-core/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SnapshotCache caches computed RevenueMetrics in Redis, keyed by window and
// a generation counter. Ingesting any event bumps the generation, so stale
// snapshots become unreachable instead of being hunted down key by key.
type SnapshotCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

const cacheGenKey = "revenue:gen"

// NewSnapshotCache creates the cache.
func NewSnapshotCache(client *redis.Client, ttl time.Duration, m *metrics.Metrics, logger *zap.Logger) *SnapshotCache {
	return &SnapshotCache{
		client:  client,
		ttl:     ttl,
		metrics: m,
		logger:  logger,
	}
}

// Get returns a cached snapshot for the window, if present.
func (c *SnapshotCache) Get(ctx context.Context, w models.Window) (*models.RevenueMetrics, bool) {
	key, err := c.key(ctx, w)
	if err != nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		if c.metrics != nil {
			c.metrics.RecordCacheMiss("revenue")
		}
		return nil, false
	}
	if err != nil {
		c.logger.Warn("revenue cache read failed", zap.Error(err))
		return nil, false
	}

	var m models.RevenueMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		c.logger.Warn("revenue cache entry corrupt", zap.Error(err))
		return nil, false
	}

	if c.metrics != nil {
		c.metrics.RecordCacheHit("revenue")
	}
	return &m, true
}

// Set stores a snapshot for the window.
func (c *SnapshotCache) Set(ctx context.Context, w models.Window, m *models.RevenueMetrics) {
	key, err := c.key(ctx, w)
	if err != nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("revenue cache write failed", zap.Error(err))
	}
}

// Invalidate bumps the generation so every cached window is dropped.
func (c *SnapshotCache) Invalidate(ctx context.Context) {
	if err := c.client.Incr(ctx, cacheGenKey).Err(); err != nil {
		c.logger.Warn("revenue cache invalidation failed", zap.Error(err))
	}
}

// Subscriber adapts the cache to the ingest notification contract.
func (c *SnapshotCache) Subscriber() ingest.Subscriber {
	return ingest.SubscriberFunc{
		SubName: "revenue-cache-invalidator",
		Fn: func(n ingest.Notification) {
			c.Invalidate(context.Background())
		},
	}
}

func (c *SnapshotCache) key(ctx context.Context, w models.Window) (string, error) {
	gen, err := c.client.Get(ctx, cacheGenKey).Int64()
	if err != nil && err != redis.Nil {
		return "", err
	}
	return fmt.Sprintf("revenue:snapshot:%d:%d:%d", gen, w.From.Unix(), w.To.Unix()), nil
}
