package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-inventory/internal/models"
)

func postFrom(ip string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/inventory/updates", nil)
	req.RemoteAddr = ip + ":5123"
	return req
}

func TestRateLimiter_PerIP(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, Type: RateLimitByIP, RequestsPerMinute: 2})
	defer rl.Stop()
	handler := rl.Middleware(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, postFrom("10.0.0.1"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, postFrom("10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body models.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "rate_limit_exceeded", body.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, postFrom("10.0.0.2"))
	assert.Equal(t, http.StatusOK, rec.Code, "other clients have their own bucket")
	assert.Equal(t, 2, rl.ClientCount())
}

func TestRateLimiter_Global(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, Type: RateLimitGlobal, RequestsPerMinute: 1})
	defer rl.Stop()

	allowed, _ := rl.Allow("10.0.0.1")
	assert.True(t, allowed)
	allowed, wait := rl.Allow("10.0.0.2")
	assert.False(t, allowed)
	assert.Greater(t, wait, time.Duration(0))
	assert.Equal(t, 0, rl.ClientCount())
}

func TestRateLimiter_BothRefundsOnRefusal(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, Type: RateLimitBoth, RequestsPerMinute: 2})
	defer rl.Stop()

	for i := 0; i < 2; i++ {
		allowed, _ := rl.Allow("10.0.0.1")
		require.True(t, allowed)
	}
	// per-IP bucket is empty, global token must not be consumed
	allowed, _ := rl.Allow("10.0.0.1")
	assert.False(t, allowed)

	allowed, _ = rl.Allow("10.0.0.2")
	assert.False(t, allowed, "global bucket is spent")
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: false, RequestsPerMinute: 1})
	defer rl.Stop()
	handler := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, postFrom("10.0.0.1"))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, RequestsPerMinute: 10, IdleTTL: time.Minute})
	defer rl.Stop()

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")
	require.Equal(t, 2, rl.ClientCount())

	rl.evictIdle(time.Now())
	assert.Equal(t, 2, rl.ClientCount())

	rl.evictIdle(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, rl.ClientCount())
	rl.Stop()
}
