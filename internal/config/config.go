package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"storefront-inventory/internal/channel"
	"storefront-inventory/internal/middleware"
	"storefront-inventory/internal/reconciler"
	"storefront-inventory/internal/utils"
)

// Transport names accepted in TRANSPORT
const (
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
)

// Config holds all configuration for the feed server and the storefront client.
// Values stay strings as read; the typed accessors parse them.
type Config struct {
	Port        string
	LogLevel    string
	Environment string
	DataPath    string

	APIKeys      string
	AdminAPIKeys string

	CentralAPIURL string
	CentralAPIKey string
	StreamURL     string
	Transport     string
	RedisAddr     string
	RedisMirror   string

	ReconnectInitialDelay string
	ReconnectMaxDelay     string
	ReconnectMaxAttempts  string
	ConnectTimeout        string
	HeartbeatInterval     string
	OutboundQueueSize     string
	SnapshotRetryInterval string

	LowStockThreshold         string
	IndexCacheTTL             string
	IndexCacheCleanupInterval string
	MaxEventsInLog            string
	MetricsExporter           string

	RateLimitEnabled           string
	RateLimitType              string
	RateLimitRequestsPerMinute string
}

// LoadConfig loads configuration from a .env file and the environment, then configures logging
func LoadConfig() *Config {
	// godotenv never overrides variables that are already set
	if err := godotenv.Load(); err != nil {
		slog.Debug("Could not load .env file, continuing with system environment variables only", "error", err)
	} else {
		slog.Info("Successfully loaded .env file")
	}

	config := &Config{
		Port:        getEnvWithDefault("PORT", "8080"),
		LogLevel:    getEnvWithDefault("LOG_LEVEL", "info"),
		Environment: getEnvWithDefault("ENVIRONMENT", "development"),
		DataPath:    getEnvWithDefault("DATA_PATH", "data/catalog.json"),

		APIKeys:      getEnvWithDefault("API_KEYS", "demo"),
		AdminAPIKeys: getEnvWithDefault("ADMIN_API_KEYS", ""),

		CentralAPIURL: getEnvWithDefault("CENTRAL_API_URL", "http://localhost:8080"),
		CentralAPIKey: getEnvWithDefault("CENTRAL_API_KEY", "demo"),
		StreamURL:     getEnvWithDefault("STREAM_URL", "ws://localhost:8080/v1/inventory/stream"),
		Transport:     getEnvWithDefault("TRANSPORT", TransportWebSocket),
		RedisAddr:     getEnvWithDefault("REDIS_ADDR", "localhost:6379"),
		RedisMirror:   getEnvWithDefault("REDIS_MIRROR", "false"),

		ReconnectInitialDelay: getEnvWithDefault("RECONNECT_INITIAL_DELAY", "500ms"),
		ReconnectMaxDelay:     getEnvWithDefault("RECONNECT_MAX_DELAY", "30s"),
		ReconnectMaxAttempts:  getEnvWithDefault("RECONNECT_MAX_ATTEMPTS", "6"),
		ConnectTimeout:        getEnvWithDefault("CONNECT_TIMEOUT", "10s"),
		HeartbeatInterval:     getEnvWithDefault("HEARTBEAT_INTERVAL", "15s"),
		OutboundQueueSize:     getEnvWithDefault("OUTBOUND_QUEUE_SIZE", "100"),
		SnapshotRetryInterval: getEnvWithDefault("SNAPSHOT_RETRY_INTERVAL", "5s"),

		LowStockThreshold:         getEnvWithDefault("LOW_STOCK_THRESHOLD", "5"),
		IndexCacheTTL:             getEnvWithDefault("INDEX_CACHE_TTL", "10m"),
		IndexCacheCleanupInterval: getEnvWithDefault("INDEX_CACHE_CLEANUP_INTERVAL", "1m"),
		MaxEventsInLog:            getEnvWithDefault("MAX_EVENTS_IN_LOG", "10000"),
		MetricsExporter:           getEnvWithDefault("METRICS_EXPORTER", "none"),

		RateLimitEnabled:           getEnvWithDefault("RATE_LIMIT_ENABLED", "true"),
		RateLimitType:              getEnvWithDefault("RATE_LIMIT_TYPE", middleware.RateLimitByIP),
		RateLimitRequestsPerMinute: getEnvWithDefault("RATE_LIMIT_REQUESTS_PER_MINUTE", "120"),
	}

	utils.SetupLogging(config.LogLevel)

	slog.Info("Configuration loaded",
		"port", config.Port,
		"environment", config.Environment,
		"log_level", config.LogLevel,
		"data_path", config.DataPath,
		"transport", config.Transport,
		"stream_url", config.StreamURL,
		"redis_addr", config.RedisAddr,
		"redis_mirror", config.RedisMirror,
		"metrics_exporter", config.MetricsExporter,
		"rate_limit_enabled", config.RateLimitEnabled)

	return config
}

// getEnvWithDefault gets an environment variable with a default fallback
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ChannelConfig builds the subscription channel policy, keeping defaults for
// anything unparsable
func (c *Config) ChannelConfig() channel.Config {
	cfg := channel.DefaultConfig()
	cfg.InitialBackoff = parseDuration("RECONNECT_INITIAL_DELAY", c.ReconnectInitialDelay, cfg.InitialBackoff)
	cfg.MaxBackoff = parseDuration("RECONNECT_MAX_DELAY", c.ReconnectMaxDelay, cfg.MaxBackoff)
	cfg.MaxAttempts = parseInt("RECONNECT_MAX_ATTEMPTS", c.ReconnectMaxAttempts, cfg.MaxAttempts)
	cfg.ConnectTimeout = parseDuration("CONNECT_TIMEOUT", c.ConnectTimeout, cfg.ConnectTimeout)
	cfg.HeartbeatInterval = parseDuration("HEARTBEAT_INTERVAL", c.HeartbeatInterval, cfg.HeartbeatInterval)
	cfg.OutboundQueueSize = parseInt("OUTBOUND_QUEUE_SIZE", c.OutboundQueueSize, cfg.OutboundQueueSize)
	cfg.SnapshotRetryInterval = parseDuration("SNAPSHOT_RETRY_INTERVAL", c.SnapshotRetryInterval, cfg.SnapshotRetryInterval)

	if err := cfg.Validate(); err != nil {
		slog.Warn("Invalid channel configuration, using defaults", "error", err)
		return channel.DefaultConfig()
	}
	return cfg
}

// ReconcilerConfig builds the reconciler policy
func (c *Config) ReconcilerConfig() reconciler.Config {
	cfg := reconciler.DefaultConfig()
	threshold := parseInt("LOW_STOCK_THRESHOLD", c.LowStockThreshold, cfg.DefaultLowStockThreshold)
	if threshold < 0 {
		slog.Warn("Negative LOW_STOCK_THRESHOLD, using default", "value", threshold)
		return cfg
	}
	cfg.DefaultLowStockThreshold = threshold
	return cfg
}

// CacheTTL is how long a built attribute index stays cached
func (c *Config) CacheTTL() time.Duration {
	return parseDuration("INDEX_CACHE_TTL", c.IndexCacheTTL, 10*time.Minute)
}

// CacheCleanupInterval is how often expired indexes are swept
func (c *Config) CacheCleanupInterval() time.Duration {
	return parseDuration("INDEX_CACHE_CLEANUP_INTERVAL", c.IndexCacheCleanupInterval, time.Minute)
}

// MaxEvents bounds the feed server's in-memory event log
func (c *Config) MaxEvents() int {
	n := parseInt("MAX_EVENTS_IN_LOG", c.MaxEventsInLog, 10000)
	if n <= 0 {
		return 10000
	}
	return n
}

// RedisMirrorEnabled reports whether the feed server mirrors stock into Redis
func (c *Config) RedisMirrorEnabled() bool {
	enabled, err := strconv.ParseBool(c.RedisMirror)
	if err != nil {
		slog.Warn("Invalid REDIS_MIRROR, mirroring disabled", "value", c.RedisMirror)
		return false
	}
	return enabled
}

// RateLimitConfig builds the write limiter settings for POST /v1/inventory/updates
func (c *Config) RateLimitConfig() middleware.RateLimitConfig {
	enabled, err := strconv.ParseBool(c.RateLimitEnabled)
	if err != nil {
		slog.Warn("Invalid RATE_LIMIT_ENABLED, rate limiting enabled", "value", c.RateLimitEnabled)
		enabled = true
	}

	limitType := strings.ToLower(c.RateLimitType)
	switch limitType {
	case middleware.RateLimitByIP, middleware.RateLimitGlobal, middleware.RateLimitBoth:
	default:
		slog.Warn("Invalid RATE_LIMIT_TYPE, using ip", "value", c.RateLimitType)
		limitType = middleware.RateLimitByIP
	}

	rpm := parseInt("RATE_LIMIT_REQUESTS_PER_MINUTE", c.RateLimitRequestsPerMinute, 120)
	if rpm <= 0 {
		rpm = 120
	}

	return middleware.RateLimitConfig{
		Enabled:           enabled,
		Type:              limitType,
		RequestsPerMinute: rpm,
	}
}

// UseRedisTransport reports whether the storefront subscribes over Redis instead of websocket
func (c *Config) UseRedisTransport() bool {
	return strings.EqualFold(c.Transport, TransportRedis)
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func parseDuration(key, value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		slog.Warn("Invalid duration, using default", "key", key, "value", value, "default", fallback)
		return fallback
	}
	return d
}

func parseInt(key, value string, fallback int) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Invalid integer, using default", "key", key, "value", value, "default", fallback)
		return fallback
	}
	return n
}
