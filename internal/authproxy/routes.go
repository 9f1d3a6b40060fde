package authproxy

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// MountAuthRoutes registers /auth/google, /auth/refresh, /auth/verify, and
// /auth/state. Every response carries the {success, error, message} envelope
// on failure so browser callers never have to parse provider bodies.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, broker TokenBroker, identities IdentityResolver, states StateStore, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.POST("/auth/google", func(contextGin *gin.Context) {
		var inbound struct {
			Code        string `json:"code"`
			State       string `json:"state"`
			RedirectURI string `json:"redirect_uri"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			writeError(contextGin, http.StatusBadRequest, codeInvalidJSON, "request body must be JSON")
			return
		}
		if strings.TrimSpace(inbound.Code) == "" {
			writeError(contextGin, http.StatusBadRequest, codeMissingCode, "authorization code is required")
			return
		}
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			writeError(contextGin, http.StatusBadRequest, codeHTTPSRequired, "https is required")
			return
		}
		if strings.TrimSpace(inbound.State) != "" {
			if consumeErr := states.Consume(contextGin, strings.TrimSpace(inbound.State)); consumeErr != nil {
				writeError(contextGin, http.StatusUnauthorized, codeInvalidState, "state token rejected")
				return
			}
		}

		token, exchangeErr := broker.Exchange(contextGin, strings.TrimSpace(inbound.Code), strings.TrimSpace(inbound.RedirectURI))
		if exchangeErr != nil {
			status, code := mapProviderError(exchangeErr, false)
			logger.Warn("code exchange failed", zap.String("code", code), zap.Error(exchangeErr))
			writeError(contextGin, status, code, "code exchange failed")
			return
		}

		response := gin.H{
			"success":      true,
			"access_token": token.AccessToken,
			"expires_in":   expirySeconds(token),
			"token_type":   tokenType(token),
		}
		if token.RefreshToken != "" {
			response["refresh_token"] = token.RefreshToken
		}
		if idToken := IDToken(token); idToken != "" {
			response["id_token"] = idToken
		}
		if user, resolveErr := identities.ResolveUser(contextGin, token.AccessToken); resolveErr == nil {
			response["user"] = user
		} else {
			logger.Warn("userinfo enrichment failed", zap.Error(resolveErr))
		}
		contextGin.JSON(http.StatusOK, response)
	})

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			writeError(contextGin, http.StatusBadRequest, codeInvalidJSON, "request body must be JSON")
			return
		}
		if strings.TrimSpace(inbound.RefreshToken) == "" {
			writeError(contextGin, http.StatusBadRequest, codeMissingRefreshToken, "refresh token is required")
			return
		}

		token, refreshErr := broker.Refresh(contextGin, strings.TrimSpace(inbound.RefreshToken))
		if refreshErr != nil {
			status, code := mapProviderError(refreshErr, true)
			logger.Warn("token refresh failed", zap.String("code", code), zap.Error(refreshErr))
			writeError(contextGin, status, code, "token refresh failed")
			return
		}

		response := gin.H{
			"success":      true,
			"access_token": token.AccessToken,
			"expires_in":   expirySeconds(token),
			"token_type":   tokenType(token),
		}
		if token.RefreshToken != "" && token.RefreshToken != strings.TrimSpace(inbound.RefreshToken) {
			// Google occasionally rotates the refresh token; surface it.
			response["refresh_token"] = token.RefreshToken
		}
		contextGin.JSON(http.StatusOK, response)
	})

	verifyHandler := func(contextGin *gin.Context) {
		accessToken, extractErr := extractAccessToken(contextGin)
		if extractErr != nil {
			writeError(contextGin, http.StatusBadRequest, extractErr.code, extractErr.message)
			return
		}

		metadata, metadataErr := identities.ResolveToken(contextGin, accessToken)
		if metadataErr != nil {
			if errors.Is(metadataErr, ErrTokenRejected) {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"success": false,
					"valid":   false,
					"error":   codeInvalidToken,
					"message": "access token rejected",
				})
				return
			}
			logger.Warn("tokeninfo lookup failed", zap.Error(metadataErr))
			writeError(contextGin, http.StatusServiceUnavailable, codeProviderUnavailable, "verification unavailable")
			return
		}

		response := gin.H{
			"success":    true,
			"valid":      true,
			"token_info": metadata,
		}
		if user, resolveErr := identities.ResolveUser(contextGin, accessToken); resolveErr == nil {
			response["user"] = user
		} else {
			logger.Warn("userinfo enrichment failed", zap.Error(resolveErr))
		}
		contextGin.JSON(http.StatusOK, response)
	}
	router.POST("/auth/verify", verifyHandler)
	router.GET("/auth/verify", verifyHandler)

	router.GET("/auth/state", func(contextGin *gin.Context) {
		state, issueErr := states.Issue(contextGin)
		if issueErr != nil {
			writeError(contextGin, http.StatusInternalServerError, codeStateUnavailable, "could not issue state token")
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"success":    true,
			"state":      state,
			"expires_in": int64(configuration.StateTTL / time.Second),
		})
	})
}

// MethodNotAllowedHandler produces the envelope for 405 responses. Register
// it via gin's NoMethod alongside HandleMethodNotAllowed.
func MethodNotAllowedHandler() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		writeError(contextGin, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
	}
}

type extractionError struct {
	code    string
	message string
}

func (extraction *extractionError) Error() string { return extraction.code }

// extractAccessToken accepts the token from a JSON body, a bearer header, or
// the access_token query parameter, in that order.
func extractAccessToken(contextGin *gin.Context) (string, *extractionError) {
	var accessToken string
	if contextGin.Request.Method == http.MethodPost && contextGin.Request.Body != nil {
		var inbound struct {
			AccessToken string `json:"access_token"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err == nil {
			accessToken = strings.TrimSpace(inbound.AccessToken)
		}
	}
	if accessToken == "" {
		authorization := contextGin.GetHeader("Authorization")
		if strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			accessToken = strings.TrimSpace(authorization[len("bearer "):])
		}
	}
	if accessToken == "" {
		accessToken = strings.TrimSpace(contextGin.Query("access_token"))
	}
	if accessToken == "" {
		return "", &extractionError{code: codeMissingToken, message: "access token is required"}
	}
	if !plausibleAccessToken(accessToken) {
		return "", &extractionError{code: codeMalformedToken, message: "access token is malformed"}
	}
	return accessToken, nil
}

// plausibleAccessToken filters obviously broken tokens before spending a
// network round trip on them.
func plausibleAccessToken(accessToken string) bool {
	if len(accessToken) < 20 || len(accessToken) > 4096 {
		return false
	}
	for _, character := range accessToken {
		if character <= ' ' || character > '~' {
			return false
		}
	}
	return true
}

func expirySeconds(token *oauth2.Token) int64 {
	if token == nil || token.Expiry.IsZero() {
		return 3600
	}
	remaining := int64(time.Until(token.Expiry).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func tokenType(token *oauth2.Token) string {
	if token == nil || token.TokenType == "" {
		return "Bearer"
	}
	return token.TokenType
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
