package authproxy

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterConfig bounds per-client request rates on the auth endpoints.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	// IdleEviction drops per-client limiter state untouched for this long.
	IdleEviction time.Duration
}

// DefaultRateLimiterConfig allows short sign-in bursts while keeping
// sustained hammering of the token endpoints out.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 5,
		Burst:             10,
		IdleEviction:      10 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks one token bucket per client IP.
type RateLimiter struct {
	mutex   sync.Mutex
	clients map[string]*clientLimiter
	config  RateLimiterConfig
	now     func() time.Time
}

// NewRateLimiter constructs a per-IP rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = DefaultRateLimiterConfig().RequestsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = DefaultRateLimiterConfig().Burst
	}
	if config.IdleEviction <= 0 {
		config.IdleEviction = DefaultRateLimiterConfig().IdleEviction
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		config:  config,
		now:     time.Now,
	}
}

// Allow reports whether the client identified by clientIP may proceed.
func (rateLimiter *RateLimiter) Allow(clientIP string) bool {
	rateLimiter.mutex.Lock()
	defer rateLimiter.mutex.Unlock()

	now := rateLimiter.now()
	entry, ok := rateLimiter.clients[clientIP]
	if !ok {
		entry = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(rateLimiter.config.RequestsPerSecond), rateLimiter.config.Burst),
		}
		rateLimiter.clients[clientIP] = entry
	}
	entry.lastSeen = now
	rateLimiter.evictIdleLocked(now)
	return entry.limiter.Allow()
}

func (rateLimiter *RateLimiter) evictIdleLocked(now time.Time) {
	for clientIP, entry := range rateLimiter.clients {
		if now.Sub(entry.lastSeen) > rateLimiter.config.IdleEviction {
			delete(rateLimiter.clients, clientIP)
		}
	}
}

// Middleware rejects over-limit clients with 429 before the handler runs.
func (rateLimiter *RateLimiter) Middleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if !rateLimiter.Allow(contextGin.ClientIP()) {
			writeError(contextGin, http.StatusTooManyRequests, codeRateLimited, "too many requests")
			return
		}
		contextGin.Next()
	}
}
