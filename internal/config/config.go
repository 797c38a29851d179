package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the metrics-core service.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	ClickHouse  ClickHouseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	Log         LogConfig
	Metrics     MetricsConfig
	Attribution AttributionConfig
	Experiment  ExperimentConfig
	Retention   RetentionConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// ClickHouseConfig configures the optional analytics mirror.
type ClickHouseConfig struct {
	Enabled       bool
	Addr          string
	Database      string
	User          string
	Password      string
	MaxOpenConns  int
	MaxIdleConns  int
	BatchSize     int
	FlushInterval time.Duration
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// AttributionConfig holds attribution engine settings.
type AttributionConfig struct {
	// Lookback bounds how far before a conversion touchpoints are eligible
	// for credit. Older touchpoints are excluded, not credited.
	Lookback time.Duration
}

// ExperimentConfig holds significance-test settings.
type ExperimentConfig struct {
	// MinSampleSize is the per-variant floor below which a snapshot is
	// flagged insufficient instead of carrying a p-value.
	MinSampleSize int
}

// RetentionConfig holds the event retention policy.
type RetentionConfig struct {
	// MaxAge is how long events are kept. Zero disables the sweep.
	MaxAge time.Duration
	// SweepInterval is how often the cleanup runs.
	SweepInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("MATBAKH_METRICS_HTTP_ADDR", ":8080"),
			Env:             getEnv("MATBAKH_METRICS_ENV", "development"),
			ShutdownTimeout: getDurationEnv("MATBAKH_METRICS_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Enabled:  getBoolEnv("MATBAKH_METRICS_DB_ENABLED", false),
			Host:     getEnv("MATBAKH_METRICS_DB_HOST", "localhost"),
			Port:     getIntEnv("MATBAKH_METRICS_DB_PORT", 5432),
			User:     getEnv("MATBAKH_METRICS_DB_USER", "metrics"),
			Password: getEnv("MATBAKH_METRICS_DB_PASSWORD", "metrics_secret"),
			DBName:   getEnv("MATBAKH_METRICS_DB_NAME", "metrics"),
			SSLMode:  getEnv("MATBAKH_METRICS_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("MATBAKH_METRICS_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("MATBAKH_METRICS_DB_MIN_CONNS", 5),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:       getBoolEnv("MATBAKH_METRICS_CH_ENABLED", false),
			Addr:          getEnv("MATBAKH_METRICS_CH_ADDR", "localhost:9000"),
			Database:      getEnv("MATBAKH_METRICS_CH_DATABASE", "metrics"),
			User:          getEnv("MATBAKH_METRICS_CH_USER", "default"),
			Password:      getEnv("MATBAKH_METRICS_CH_PASSWORD", ""),
			MaxOpenConns:  getIntEnv("MATBAKH_METRICS_CH_MAX_OPEN_CONNS", 10),
			MaxIdleConns:  getIntEnv("MATBAKH_METRICS_CH_MAX_IDLE_CONNS", 5),
			BatchSize:     getIntEnv("MATBAKH_METRICS_CH_BATCH_SIZE", 500),
			FlushInterval: getDurationEnv("MATBAKH_METRICS_CH_FLUSH_INTERVAL", 5*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("MATBAKH_METRICS_REDIS_ENABLED", false),
			Addr:     getEnv("MATBAKH_METRICS_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("MATBAKH_METRICS_REDIS_PASSWORD", ""),
			DB:       getIntEnv("MATBAKH_METRICS_REDIS_DB", 0),
			CacheTTL: getDurationEnv("MATBAKH_METRICS_REDIS_CACHE_TTL", 10*time.Minute),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("MATBAKH_METRICS_AUTH_ENABLED", true),
			MasterKey: getEnv("MATBAKH_METRICS_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("MATBAKH_METRICS_AUTH_SKIP_PATHS", []string{"/health", "/metrics"}),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("MATBAKH_METRICS_RATE_LIMIT_ENABLED", true),
			RPS:     getFloatEnv("MATBAKH_METRICS_RATE_LIMIT_RPS", 500),
			Burst:   getIntEnv("MATBAKH_METRICS_RATE_LIMIT_BURST", 100),
		},
		Log: LogConfig{
			Level:  getEnv("MATBAKH_METRICS_LOG_LEVEL", "info"),
			Format: getEnv("MATBAKH_METRICS_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("MATBAKH_METRICS_PROM_ENABLED", true),
			Path:    getEnv("MATBAKH_METRICS_PROM_PATH", "/metrics"),
		},
		Attribution: AttributionConfig{
			Lookback: getDurationEnv("MATBAKH_METRICS_ATTRIBUTION_LOOKBACK", 30*24*time.Hour),
		},
		Experiment: ExperimentConfig{
			MinSampleSize: getIntEnv("MATBAKH_METRICS_EXPERIMENT_MIN_SAMPLE", 30),
		},
		Retention: RetentionConfig{
			MaxAge:        getDurationEnv("MATBAKH_METRICS_RETENTION_MAX_AGE", 0),
			SweepInterval: getDurationEnv("MATBAKH_METRICS_RETENTION_SWEEP_INTERVAL", 1*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("MATBAKH_METRICS_API_KEY_MASTER is required when auth is enabled")
	}
	if c.Attribution.Lookback <= 0 {
		return fmt.Errorf("MATBAKH_METRICS_ATTRIBUTION_LOOKBACK must be positive")
	}
	if c.Experiment.MinSampleSize < 1 {
		return fmt.Errorf("MATBAKH_METRICS_EXPERIMENT_MIN_SAMPLE must be at least 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
