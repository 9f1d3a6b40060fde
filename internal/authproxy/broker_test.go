package authproxy

import (
	"errors"
	"net/http"
	"testing"

	"golang.org/x/oauth2"
)

func TestMapProviderErrorTable(t *testing.T) {
	cases := []struct {
		name         string
		err          error
		refreshGrant bool
		wantStatus   int
		wantCode     string
	}{
		{
			name:         "invalid grant on refresh",
			err:          &ProviderError{Code: "invalid_grant", StatusCode: http.StatusBadRequest},
			refreshGrant: true,
			wantStatus:   http.StatusUnauthorized,
			wantCode:     codeInvalidRefreshToken,
		},
		{
			name:       "invalid grant on exchange",
			err:        &ProviderError{Code: "invalid_grant", StatusCode: http.StatusBadRequest},
			wantStatus: http.StatusBadRequest,
			wantCode:   codeInvalidGrant,
		},
		{
			name:       "invalid client",
			err:        &ProviderError{Code: "invalid_client", StatusCode: http.StatusUnauthorized},
			wantStatus: http.StatusUnauthorized,
			wantCode:   codeInvalidClient,
		},
		{
			name:       "unauthorized client",
			err:        &ProviderError{Code: "unauthorized_client", StatusCode: http.StatusUnauthorized},
			wantStatus: http.StatusUnauthorized,
			wantCode:   codeInvalidClient,
		},
		{
			name:       "access denied",
			err:        &ProviderError{Code: "access_denied", StatusCode: http.StatusForbidden},
			wantStatus: http.StatusForbidden,
			wantCode:   codeAccessDenied,
		},
		{
			name:       "rate limited",
			err:        &ProviderError{Code: "rate_limit_exceeded", StatusCode: http.StatusForbidden},
			wantStatus: http.StatusTooManyRequests,
			wantCode:   codeRateLimited,
		},
		{
			name:       "slow down",
			err:        &ProviderError{Code: "slow_down", StatusCode: http.StatusBadRequest},
			wantStatus: http.StatusTooManyRequests,
			wantCode:   codeRateLimited,
		},
		{
			name:       "invalid scope passes through",
			err:        &ProviderError{Code: "invalid_scope", StatusCode: http.StatusBadRequest},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_scope",
		},
		{
			name:       "provider 500",
			err:        &ProviderError{Code: "internal_failure", StatusCode: http.StatusBadGateway},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   codeProviderUnavailable,
		},
		{
			name:       "unknown provider code",
			err:        &ProviderError{Code: "something_new", StatusCode: http.StatusBadRequest},
			wantStatus: http.StatusBadRequest,
			wantCode:   codeExchangeFailed,
		},
		{
			name:       "transport failure",
			err:        errors.New("dial tcp: connection refused"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   codeProviderUnavailable,
		},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			status, code := mapProviderError(testCase.err, testCase.refreshGrant)
			if status != testCase.wantStatus || code != testCase.wantCode {
				t.Fatalf("got %d %q, want %d %q", status, code, testCase.wantStatus, testCase.wantCode)
			}
		})
	}
}

func TestTranslateProviderErrorLiftsRetrieveError(t *testing.T) {
	retrieveErr := &oauth2.RetrieveError{
		Response:         &http.Response{StatusCode: http.StatusBadRequest},
		ErrorCode:        "invalid_grant",
		ErrorDescription: "Token has been expired or revoked.",
	}

	translated := translateProviderError("refresh", retrieveErr)
	providerError, ok := providerErrorFrom(translated)
	if !ok {
		t.Fatalf("expected a ProviderError, got %v", translated)
	}
	if providerError.Code != "invalid_grant" || providerError.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected translation %+v", providerError)
	}
	if providerError.Description != "Token has been expired or revoked." {
		t.Fatalf("description lost in translation: %+v", providerError)
	}
}

func TestTranslateProviderErrorWrapsTransportFailures(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	translated := translateProviderError("exchange", cause)

	if _, ok := providerErrorFrom(translated); ok {
		t.Fatalf("transport failures must not look like provider errors")
	}
	if !errors.Is(translated, cause) {
		t.Fatalf("cause must stay unwrappable, got %v", translated)
	}
}

func TestIDTokenExtraction(t *testing.T) {
	token := (&oauth2.Token{AccessToken: "access"}).WithExtra(map[string]any{"id_token": "h.p.s"})
	if IDToken(token) != "h.p.s" {
		t.Fatalf("expected id_token extra extracted")
	}
	if IDToken(&oauth2.Token{AccessToken: "access"}) != "" {
		t.Fatalf("missing extra must yield empty string")
	}
	if IDToken(nil) != "" {
		t.Fatalf("nil token must yield empty string")
	}
}
