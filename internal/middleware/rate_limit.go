package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	RateLimitByIP   = "ip"
	RateLimitGlobal = "global"
	RateLimitBoth   = "both"
)

// RateLimitConfig configures the write limiter
type RateLimitConfig struct {
	Enabled           bool
	Type              string // ip, global or both
	RequestsPerMinute int
	// IdleTTL is how long an unused per-IP limiter is kept.
	IdleTTL time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles stock writes per client IP and/or globally using token buckets
type RateLimiter struct {
	config RateLimitConfig

	mu      sync.Mutex
	clients map[string]*clientLimiter
	global  *rate.Limiter

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewRateLimiter creates a limiter and starts its idle-client cleanup loop
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}
	if config.Type == "" {
		config.Type = RateLimitByIP
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 5 * time.Minute
	}

	rl := &RateLimiter{
		config:      config,
		clients:     make(map[string]*clientLimiter),
		global:      rate.NewLimiter(perMinute(config.RequestsPerMinute), config.RequestsPerMinute),
		stopCleanup: make(chan struct{}),
	}

	if config.Enabled && config.Type != RateLimitGlobal {
		rl.cleanupTicker = time.NewTicker(config.IdleTTL)
		go rl.cleanup()
	}

	slog.Info("Rate limiter initialized",
		"enabled", config.Enabled,
		"type", config.Type,
		"requests_per_minute", config.RequestsPerMinute)

	return rl
}

func perMinute(n int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(n))
}

// Stop ends the cleanup loop
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		if rl.cleanupTicker != nil {
			rl.cleanupTicker.Stop()
		}
		close(rl.stopCleanup)
	})
}

func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.evictIdle(time.Now())
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.config.IdleTTL {
			delete(rl.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Evicted idle rate limiters", "removed", removed, "remaining", len(rl.clients))
	}
}

// ClientCount reports how many per-IP limiters are tracked
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Allow consumes one token for clientIP. The returned wait is how long the caller
// should back off when the request is refused.
func (rl *RateLimiter) Allow(clientIP string) (bool, time.Duration) {
	if !rl.config.Enabled {
		return true, 0
	}

	now := time.Now()
	var limiters []*rate.Limiter

	if rl.config.Type == RateLimitByIP || rl.config.Type == RateLimitBoth {
		rl.mu.Lock()
		c, ok := rl.clients[clientIP]
		if !ok {
			c = &clientLimiter{limiter: rate.NewLimiter(perMinute(rl.config.RequestsPerMinute), rl.config.RequestsPerMinute)}
			rl.clients[clientIP] = c
		}
		c.lastSeen = now
		rl.mu.Unlock()
		limiters = append(limiters, c.limiter)
	}
	if rl.config.Type == RateLimitGlobal || rl.config.Type == RateLimitBoth {
		limiters = append(limiters, rl.global)
	}

	reservations := make([]*rate.Reservation, 0, len(limiters))
	for _, l := range limiters {
		r := l.ReserveN(now, 1)
		if !r.OK() || r.DelayFrom(now) > 0 {
			delay := r.DelayFrom(now)
			r.CancelAt(now)
			for _, prev := range reservations {
				prev.CancelAt(now)
			}
			return false, delay
		}
		reservations = append(reservations, r)
	}
	return true, 0
}

// Middleware refuses requests over the limit with 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := remoteIP(r)
		allowed, retryAfter := rl.Allow(clientIP)
		if rl.config.Enabled {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerMinute))
		}
		if !allowed {
			seconds := int(retryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			slog.Warn("Rate limit exceeded",
				"client_ip", clientIP,
				"path", r.URL.Path,
				"method", r.Method,
				"limit", rl.config.RequestsPerMinute,
				"retry_after_seconds", seconds)

			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeErrorResponse(w, http.StatusTooManyRequests, "rate_limit_exceeded",
				fmt.Sprintf("Exceeded %d requests per minute. Retry after %d seconds.", rl.config.RequestsPerMinute, seconds))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// remoteIP relies on chi's RealIP having already rewritten RemoteAddr from proxy headers.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
