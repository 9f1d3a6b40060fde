package authproxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	rateLimiter := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, Burst: 3})

	for attempt := 0; attempt < 3; attempt++ {
		if !rateLimiter.Allow("10.0.0.1") {
			t.Fatalf("attempt %d within burst must pass", attempt)
		}
	}
	if rateLimiter.Allow("10.0.0.1") {
		t.Fatalf("burst exhausted, fourth attempt must fail")
	}
	// Other clients keep their own bucket.
	if !rateLimiter.Allow("10.0.0.2") {
		t.Fatalf("a different client must not share the bucket")
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rateLimiter := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, Burst: 1, IdleEviction: time.Minute})
	rateLimiter.now = func() time.Time { return current }

	rateLimiter.Allow("10.0.0.1")
	current = current.Add(2 * time.Minute)
	rateLimiter.Allow("10.0.0.2")

	rateLimiter.mutex.Lock()
	_, stale := rateLimiter.clients["10.0.0.1"]
	rateLimiter.mutex.Unlock()
	if stale {
		t.Fatalf("idle client state must be evicted")
	}
}

func TestRateLimiterMiddlewareWrites429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rateLimiter := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 0.001, Burst: 1})

	router := gin.New()
	router.Use(rateLimiter.Middleware())
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.String(http.StatusOK, "pong")
	})

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request must pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request must be limited, got %d", second.Code)
	}
	if body := second.Body.String(); !strings.Contains(body, `"error":"rate_limited"`) {
		t.Fatalf("unexpected envelope %s", body)
	}
}

func TestRateLimiterConfigDefaults(t *testing.T) {
	rateLimiter := NewRateLimiter(RateLimiterConfig{})
	defaults := DefaultRateLimiterConfig()
	if rateLimiter.config.RequestsPerSecond != defaults.RequestsPerSecond ||
		rateLimiter.config.Burst != defaults.Burst ||
		rateLimiter.config.IdleEviction != defaults.IdleEviction {
		t.Fatalf("zero config must fall back to defaults, got %+v", rateLimiter.config)
	}
}
