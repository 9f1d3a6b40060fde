package authproxy

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Machine-readable error codes returned in the response envelope.
const (
	codeInvalidJSON         = "invalid_json"
	codeMissingCode         = "missing_code"
	codeMissingRefreshToken = "missing_refresh_token"
	codeMissingToken        = "missing_token"
	codeMalformedToken      = "malformed_token"
	codeHTTPSRequired       = "https_required"
	codeInvalidState        = "invalid_state"
	codeInvalidGrant        = "invalid_grant"
	codeInvalidRefreshToken = "invalid_refresh_token"
	codeInvalidClient       = "invalid_client"
	codeAccessDenied        = "access_denied"
	codeInvalidToken        = "invalid_token"
	codeRateLimited         = "rate_limited"
	codeProviderUnavailable = "provider_unavailable"
	codeExchangeFailed      = "exchange_failed"
	codeMethodNotAllowed    = "method_not_allowed"
	codeStateUnavailable    = "state_unavailable"
)

// ProviderError is a translated Google token endpoint failure. Raw provider
// bodies never leave the proxy; only the code and a terse description do.
type ProviderError struct {
	Code        string
	StatusCode  int
	Description string
}

// Error renders the provider error code.
func (providerError *ProviderError) Error() string {
	if providerError.Description == "" {
		return fmt.Sprintf("provider: %s (status %d)", providerError.Code, providerError.StatusCode)
	}
	return fmt.Sprintf("provider: %s: %s (status %d)", providerError.Code, providerError.Description, providerError.StatusCode)
}

func writeError(contextGin *gin.Context, status int, code string, message string) {
	contextGin.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   code,
		"message": message,
	})
}

// mapProviderError translates a provider failure into a stable status and
// code. refreshGrant selects the refresh-specific mapping of invalid_grant.
func mapProviderError(err error, refreshGrant bool) (int, string) {
	providerError, ok := providerErrorFrom(err)
	if !ok {
		// Transport-level failure: the provider never answered.
		return http.StatusServiceUnavailable, codeProviderUnavailable
	}
	switch providerError.Code {
	case "invalid_grant":
		if refreshGrant {
			return http.StatusUnauthorized, codeInvalidRefreshToken
		}
		return http.StatusBadRequest, codeInvalidGrant
	case "invalid_client", "unauthorized_client":
		return http.StatusUnauthorized, codeInvalidClient
	case "access_denied":
		return http.StatusForbidden, codeAccessDenied
	case "rate_limit_exceeded", "slow_down":
		return http.StatusTooManyRequests, codeRateLimited
	case "invalid_request", "invalid_scope", "unsupported_grant_type":
		return http.StatusBadRequest, providerError.Code
	}
	if providerError.StatusCode >= http.StatusInternalServerError {
		return http.StatusServiceUnavailable, codeProviderUnavailable
	}
	return http.StatusBadRequest, codeExchangeFailed
}
