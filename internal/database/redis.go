package database

import (
	"context"
	"fmt"

	"github.com/matbakh/metrics-core/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDB holds the client behind the revenue snapshot cache.
type RedisDB struct {
	Client *redis.Client
	logger *zap.Logger
}

// NewRedisDB connects to Redis and verifies the connection. The cache is
// an optional accelerator, so callers treat a nil RedisDB as cache-off.
func NewRedisDB(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisDB, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &RedisDB{Client: client, logger: logger}, nil
}

// Close releases the client. Safe on a nil receiver.
func (r *RedisDB) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	r.logger.Info("redis connection closed")
	return r.Client.Close()
}

// Health reports whether Redis answers a ping.
func (r *RedisDB) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}
