package web

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

func TestSanitizeOrigins(t *testing.T) {
	logger := zaptest.NewLogger(t)

	cases := []struct {
		name    string
		input   []string
		want    []string
		wantErr error
	}{
		{
			name:    "empty list rejected",
			input:   nil,
			wantErr: errEmptyAllowedOrigins,
		},
		{
			name:    "wildcard rejected",
			input:   []string{"*"},
			wantErr: errWildcardOrigin,
		},
		{
			name:    "origin with path rejected",
			input:   []string{"https://widgets.example.com/app"},
			wantErr: errInvalidOrigin,
		},
		{
			name:    "origin with query rejected",
			input:   []string{"https://widgets.example.com?x=1"},
			wantErr: errInvalidOrigin,
		},
		{
			name:    "unsupported scheme rejected",
			input:   []string{"ftp://widgets.example.com"},
			wantErr: errInvalidOrigin,
		},
		{
			name:    "scheme-less rejected",
			input:   []string{"widgets.example.com"},
			wantErr: errInvalidOrigin,
		},
		{
			name:    "whitespace only rejected",
			input:   []string{"   ", ""},
			wantErr: errEmptyAllowedOrigins,
		},
		{
			name:  "duplicates collapsed and normalized",
			input: []string{"HTTPS://widgets.example.com", "https://widgets.example.com", "http://localhost:3000"},
			want:  []string{"https://widgets.example.com", "http://localhost:3000"},
		},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			sanitized, err := sanitizeOrigins(logger, testCase.input)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("sanitize failed: %v", err)
			}
			if !reflect.DeepEqual(sanitized, testCase.want) {
				t.Fatalf("got %v, want %v", sanitized, testCase.want)
			}
		})
	}
}

func TestConfigureCORSPreflightAnswers200(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, configureErr := ConfigureCORS(zaptest.NewLogger(t), []string{"https://widgets.example.com"})
	if configureErr != nil {
		t.Fatalf("configure failed: %v", configureErr)
	}

	router := gin.New()
	router.Use(handler)
	router.POST("/auth/google", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/auth/google", nil)
	request.Header.Set("Origin", "https://widgets.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected preflight 200, got %d", recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://widgets.example.com" {
		t.Fatalf("missing allow-origin header: %v", recorder.Header())
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("credentials must be allowed: %v", recorder.Header())
	}
}

func TestConfigureCORSAllowsAllOriginsByDefault(t *testing.T) {
	gin.SetMode(gin.TestMode)

	for _, origins := range [][]string{nil, {"*"}} {
		handler, configureErr := ConfigureCORS(zaptest.NewLogger(t), origins)
		if configureErr != nil {
			t.Fatalf("configure %v failed: %v", origins, configureErr)
		}

		router := gin.New()
		router.Use(handler)
		router.POST("/auth/google", func(contextGin *gin.Context) {
			contextGin.Status(http.StatusOK)
		})

		request := httptest.NewRequest(http.MethodOptions, "/auth/google", nil)
		request.Header.Set("Origin", "https://anywhere.example.net")
		request.Header.Set("Access-Control-Request-Method", http.MethodPost)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)

		if recorder.Code != http.StatusOK {
			t.Fatalf("origins %v: expected preflight 200, got %d", origins, recorder.Code)
		}
		if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("origins %v: expected wildcard allow-origin, got %v", origins, recorder.Header())
		}
		if recorder.Header().Get("Access-Control-Allow-Credentials") == "true" {
			t.Fatalf("origins %v: wildcard sharing must not allow credentials", origins)
		}
	}
}

func TestServeWidgetConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/widget/config.js", func(contextGin *gin.Context) {
		ServeWidgetConfig(contextGin, WidgetConfig{
			GoogleClientID: "client-123.apps.googleusercontent.com",
			BaseURL:        "https://auth.example.com",
		})
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/widget/config.js", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if contentType := recorder.Header().Get("Content-Type"); !strings.HasPrefix(contentType, "application/javascript") {
		t.Fatalf("unexpected content type %q", contentType)
	}
	if cacheControl := recorder.Header().Get("Cache-Control"); !strings.Contains(cacheControl, "no-store") {
		t.Fatalf("config script must not be cached, got %q", cacheControl)
	}
	body := recorder.Body.String()
	for _, fragment := range []string{
		"window.__GSIGNIN_CONFIG",
		`"googleClientId":"client-123.apps.googleusercontent.com"`,
		`"exchangeUrl":"https://auth.example.com/auth/google"`,
		`"refreshUrl":"https://auth.example.com/auth/refresh"`,
		`"verifyUrl":"https://auth.example.com/auth/verify"`,
		`"stateUrl":"https://auth.example.com/auth/state"`,
		"g_id_onload",
	} {
		if !strings.Contains(body, fragment) {
			t.Fatalf("script missing %q:\n%s", fragment, body)
		}
	}
}

func TestServeWidgetConfigDerivesBaseURLFromRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/widget/config.js", func(contextGin *gin.Context) {
		ServeWidgetConfig(contextGin, WidgetConfig{GoogleClientID: "client-123"})
	})

	request := httptest.NewRequest(http.MethodGet, "/widget/config.js", nil)
	request.Host = "auth.example.com"
	request.Header.Set("X-Forwarded-Proto", "https")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if !strings.Contains(recorder.Body.String(), `"baseUrl":"https://auth.example.com"`) {
		t.Fatalf("expected derived base URL, got:\n%s", recorder.Body.String())
	}
}

func TestRequestIDHonorsInboundHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.String(http.StatusOK, contextGin.GetString("request_id"))
	})

	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	request.Header.Set(requestIDHeader, "widget-supplied-id")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Body.String() != "widget-supplied-id" {
		t.Fatalf("inbound request id must be honored, got %q", recorder.Body.String())
	}
	if recorder.Header().Get(requestIDHeader) != "widget-supplied-id" {
		t.Fatalf("request id must be echoed in the response header")
	}
}

func TestRequestIDIssuesUUIDWhenAbsent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ping", nil))

	issued := recorder.Header().Get(requestIDHeader)
	if _, parseErr := uuid.Parse(issued); parseErr != nil {
		t.Fatalf("expected a generated uuid, got %q: %v", issued, parseErr)
	}
}
