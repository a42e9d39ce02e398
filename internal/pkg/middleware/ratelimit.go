package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/notegrade/notegrade/internal/pkg/errors"
)

// ClientHeader identifies an upstream service calling the evaluation API.
// Requests without it are keyed by client IP.
const ClientHeader = "X-Client-ID"

// RateLimiter provides per-client rate limiting.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*client
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	idleTTL  time.Duration
	keyFunc  func(*http.Request) string
	nowFunc  func() time.Time
	stopOnce sync.Once
	stop     chan struct{}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the rate limit per client.
	RequestsPerSecond float64
	// Burst is the maximum burst size.
	Burst int
	// CleanupInterval is how often idle clients are evicted.
	CleanupInterval time.Duration
	// IdleTTL is how long a client may stay silent before eviction.
	IdleTTL time.Duration
}

// DefaultRateLimiterConfig returns sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 50,
		Burst:             100,
		CleanupInterval:   time.Minute,
		IdleTTL:           5 * time.Minute,
	}
}

// NewRateLimiter creates a rate limiter whose cleanup loop runs until ctx is
// cancelled or Stop is called.
func NewRateLimiter(ctx context.Context, cfg RateLimiterConfig) *RateLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	rl := &RateLimiter{
		clients: make(map[string]*client),
		rate:    rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
		cleanup: cfg.CleanupInterval,
		idleTTL: cfg.IdleTTL,
		keyFunc: ClientKey,
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}

	go rl.cleanupLoop(ctx)

	return rl
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = rl.nowFunc()
	return c.limiter
}

func (rl *RateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	threshold := rl.nowFunc().Add(-rl.idleTTL)
	evicted := 0
	for key, c := range rl.clients {
		if c.lastSeen.Before(threshold) {
			delete(rl.clients, key)
			evicted++
		}
	}
	return evicted
}

// Allow reports whether a request for key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

// Middleware returns an HTTP middleware that applies rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rl.keyFunc(r)) {
			w.Header().Set("Retry-After", "1")
			apperrors.WriteError(w, apperrors.RateLimitedError(1))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientKey keys a request by the client ID header, falling back to the client IP.
func ClientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ClientHeader)); id != "" {
		return "client:" + id
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
