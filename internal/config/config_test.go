package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"storefront-inventory/internal/channel"
	"storefront-inventory/internal/middleware"
	"storefront-inventory/internal/reconciler"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"PORT", "DATA_PATH", "ENVIRONMENT", "TRANSPORT", "REDIS_MIRROR",
		"RECONNECT_INITIAL_DELAY", "RECONNECT_MAX_DELAY", "RECONNECT_MAX_ATTEMPTS",
		"CONNECT_TIMEOUT", "HEARTBEAT_INTERVAL", "OUTBOUND_QUEUE_SIZE", "SNAPSHOT_RETRY_INTERVAL",
		"LOW_STOCK_THRESHOLD", "INDEX_CACHE_TTL", "INDEX_CACHE_CLEANUP_INTERVAL", "MAX_EVENTS_IN_LOG",
		"RATE_LIMIT_ENABLED", "RATE_LIMIT_TYPE", "RATE_LIMIT_REQUESTS_PER_MINUTE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	cfg := LoadConfig()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "data/catalog.json", cfg.DataPath)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.UseRedisTransport())
	assert.False(t, cfg.RedisMirrorEnabled())
	assert.Equal(t, channel.DefaultConfig(), cfg.ChannelConfig())
	assert.Equal(t, reconciler.DefaultConfig(), cfg.ReconcilerConfig())
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL())
	assert.Equal(t, time.Minute, cfg.CacheCleanupInterval())
	assert.Equal(t, 10000, cfg.MaxEvents())
	assert.Equal(t, middleware.RateLimitConfig{Enabled: true, Type: "ip", RequestsPerMinute: 120}, cfg.RateLimitConfig())
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRANSPORT", "Redis")
	t.Setenv("REDIS_MIRROR", "true")
	t.Setenv("RECONNECT_INITIAL_DELAY", "1s")
	t.Setenv("RECONNECT_MAX_DELAY", "20s")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "3")
	t.Setenv("OUTBOUND_QUEUE_SIZE", "10")
	t.Setenv("LOW_STOCK_THRESHOLD", "2")
	t.Setenv("INDEX_CACHE_TTL", "30s")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("RATE_LIMIT_TYPE", "Both")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_MINUTE", "30")

	cfg := LoadConfig()

	assert.True(t, cfg.UseRedisTransport())
	assert.True(t, cfg.RedisMirrorEnabled())
	assert.True(t, cfg.IsProduction())

	ch := cfg.ChannelConfig()
	assert.Equal(t, time.Second, ch.InitialBackoff)
	assert.Equal(t, 20*time.Second, ch.MaxBackoff)
	assert.Equal(t, 3, ch.MaxAttempts)
	assert.Equal(t, 10, ch.OutboundQueueSize)

	assert.Equal(t, 2, cfg.ReconcilerConfig().DefaultLowStockThreshold)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL())
	assert.Equal(t, middleware.RateLimitConfig{Enabled: true, Type: "both", RequestsPerMinute: 30}, cfg.RateLimitConfig())
}

func TestTypedAccessors_FallBackOnBadValues(t *testing.T) {
	cfg := &Config{
		ReconnectInitialDelay: "soon",
		ReconnectMaxDelay:     "30s",
		ReconnectMaxAttempts:  "many",
		ConnectTimeout:        "-1s",
		HeartbeatInterval:     "15s",
		OutboundQueueSize:     "100",
		SnapshotRetryInterval: "5s",
		LowStockThreshold:     "-4",
		IndexCacheTTL:         "",
		MaxEventsInLog:        "0",
		RedisMirror:           "maybe",

		RateLimitEnabled:           "sometimes",
		RateLimitType:              "per-user",
		RateLimitRequestsPerMinute: "0",
	}

	assert.Equal(t, channel.DefaultConfig(), cfg.ChannelConfig())
	assert.Equal(t, reconciler.DefaultConfig(), cfg.ReconcilerConfig())
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL())
	assert.Equal(t, 10000, cfg.MaxEvents())
	assert.False(t, cfg.RedisMirrorEnabled())
	assert.Equal(t, middleware.RateLimitConfig{Enabled: true, Type: "ip", RequestsPerMinute: 120}, cfg.RateLimitConfig())
}

func TestChannelConfig_InvalidCombinationUsesDefaults(t *testing.T) {
	cfg := &Config{
		ReconnectInitialDelay: "10s",
		ReconnectMaxDelay:     "1s",
		ReconnectMaxAttempts:  "6",
		ConnectTimeout:        "10s",
		HeartbeatInterval:     "15s",
		OutboundQueueSize:     "100",
		SnapshotRetryInterval: "5s",
	}
	assert.Equal(t, channel.DefaultConfig(), cfg.ChannelConfig())
}
