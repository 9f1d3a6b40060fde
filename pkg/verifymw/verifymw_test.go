package verifymw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fakeClock struct {
	current time.Time
}

func (clock *fakeClock) Now() time.Time {
	return clock.current
}

func (clock *fakeClock) Advance(delta time.Duration) {
	clock.current = clock.current.Add(delta)
}

func validVerifyHandler(calls *atomic.Int64) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var inbound map[string]string
		_ = json.NewDecoder(request.Body).Decode(&inbound)
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(map[string]any{
			"success": true,
			"valid":   true,
			"user": map[string]any{
				"id":      "subject-1",
				"email":   "ada@example.com",
				"name":    "Ada Lovelace",
				"picture": "https://example.com/ada.png",
			},
			"token_info": map[string]any{
				"expires_in": 900,
				"scope":      "openid email",
			},
		})
	}
}

func TestNewRequiresVerifyURL(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrMissingVerifyURL) {
		t.Fatalf("expected ErrMissingVerifyURL, got %v", err)
	}
}

func TestValidateSuccess(t *testing.T) {
	server := httptest.NewServer(validVerifyHandler(nil))
	defer server.Close()

	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	validator, newErr := New(Config{VerifyURL: server.URL, Clock: clock})
	if newErr != nil {
		t.Fatalf("constructing validator: %v", newErr)
	}

	identity, validateErr := validator.Validate(context.Background(), "access-1")
	if validateErr != nil {
		t.Fatalf("validate failed: %v", validateErr)
	}
	if identity.UserID != "subject-1" || identity.Email != "ada@example.com" || identity.Scope != "openid email" {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if !identity.ExpiresAt.Equal(clock.current.Add(900 * time.Second)) {
		t.Fatalf("unexpected expiry %v", identity.ExpiresAt)
	}
}

func TestValidateCachesPositiveResults(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(validVerifyHandler(&calls))
	defer server.Close()

	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	validator, _ := New(Config{VerifyURL: server.URL, Clock: clock})

	for attempt := 0; attempt < 3; attempt++ {
		if _, err := validator.Validate(context.Background(), "access-1"); err != nil {
			t.Fatalf("validate %d failed: %v", attempt, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single upstream call, got %d", calls.Load())
	}

	// Past the cache TTL the upstream is consulted again.
	clock.Advance(2 * time.Minute)
	if _, err := validator.Validate(context.Background(), "access-1"); err != nil {
		t.Fatalf("post-expiry validate failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected a second upstream call after TTL, got %d", calls.Load())
	}
}

func TestValidateRejectedToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusUnauthorized)
		_, _ = writer.Write([]byte(`{"success":false,"valid":false,"error":"invalid_token"}`))
	}))
	defer server.Close()

	validator, _ := New(Config{VerifyURL: server.URL})
	if _, err := validator.Validate(context.Background(), "revoked"); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("expected ErrTokenRejected, got %v", err)
	}
}

func TestValidateUpstreamDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusInternalServerError)
		_, _ = writer.Write([]byte(`{}`))
	}))
	defer server.Close()

	validator, _ := New(Config{VerifyURL: server.URL})
	if _, err := validator.Validate(context.Background(), "access-1"); !errors.Is(err, ErrVerifyUnavailable) {
		t.Fatalf("expected ErrVerifyUnavailable, got %v", err)
	}

	// A dead endpoint maps to the same sentinel.
	unreachable, _ := New(Config{
		VerifyURL:  "http://127.0.0.1:1/auth/verify",
		HTTPClient: &http.Client{Timeout: 200 * time.Millisecond},
	})
	if _, err := unreachable.Validate(context.Background(), "access-1"); !errors.Is(err, ErrVerifyUnavailable) {
		t.Fatalf("expected ErrVerifyUnavailable for dead endpoint, got %v", err)
	}
}

func TestValidateEmptyToken(t *testing.T) {
	validator, _ := New(Config{VerifyURL: "http://example.com/auth/verify"})
	if _, err := validator.Validate(context.Background(), "   "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestValidateRequestReadsBearer(t *testing.T) {
	server := httptest.NewServer(validVerifyHandler(nil))
	defer server.Close()

	validator, _ := New(Config{VerifyURL: server.URL})

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("Authorization", "Bearer access-1")
	identity, validateErr := validator.ValidateRequest(request)
	if validateErr != nil {
		t.Fatalf("validate request failed: %v", validateErr)
	}
	if identity.UserID != "subject-1" {
		t.Fatalf("unexpected identity %+v", identity)
	}

	bare := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if _, err := validator.ValidateRequest(bare); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken without a bearer header, got %v", err)
	}
}

func TestGinMiddlewareInjectsIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server := httptest.NewServer(validVerifyHandler(nil))
	defer server.Close()

	validator, _ := New(Config{VerifyURL: server.URL})

	router := gin.New()
	router.Use(validator.GinMiddleware(""))
	router.GET("/protected", func(contextGin *gin.Context) {
		identity, ok := contextGin.Get(DefaultContextKey)
		if !ok {
			t.Fatalf("identity missing from context")
		}
		contextGin.String(http.StatusOK, identity.(Identity).UserID)
	})

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("Authorization", "Bearer access-1")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK || recorder.Body.String() != "subject-1" {
		t.Fatalf("unexpected response %d %q", recorder.Code, recorder.Body.String())
	}
}

func TestGinMiddlewareStatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rejecting := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusUnauthorized)
		_, _ = writer.Write([]byte(`{"success":false,"valid":false}`))
	}))
	defer rejecting.Close()

	validator, _ := New(Config{VerifyURL: rejecting.URL})
	router := gin.New()
	router.Use(validator.GinMiddleware("identity"))
	router.GET("/protected", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("Authorization", "Bearer revoked")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("rejected token must answer 401, got %d", recorder.Code)
	}

	unavailable, _ := New(Config{
		VerifyURL:  "http://127.0.0.1:1/auth/verify",
		HTTPClient: &http.Client{Timeout: 200 * time.Millisecond},
	})
	downRouter := gin.New()
	downRouter.Use(unavailable.GinMiddleware(""))
	downRouter.GET("/protected", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	downRecorder := httptest.NewRecorder()
	downRequest := httptest.NewRequest(http.MethodGet, "/protected", nil)
	downRequest.Header.Set("Authorization", "Bearer access-1")
	downRouter.ServeHTTP(downRecorder, downRequest)
	if downRecorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("unreachable verifier must answer 503, got %d", downRecorder.Code)
	}
}
