// Package verifymw lets downstream services accept Google access tokens by
// delegating validation to a sign-in proxy's /auth/verify endpoint. Verified
// tokens are cached briefly so hot request paths do not pay a network round
// trip per call.
package verifymw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "verified_identity"

// DefaultCacheTTL bounds how long a verified token is trusted without re-checking.
const DefaultCacheTTL = time.Minute

// Sentinel errors exposed by the validator.
var (
	ErrMissingVerifyURL  = errors.New("verify.validator.missing_verify_url")
	ErrMissingToken      = errors.New("verify.validator.missing_token")
	ErrTokenRejected     = errors.New("verify.validator.token_rejected")
	ErrVerifyUnavailable = errors.New("verify.validator.unavailable")
)

// Config configures the Validator.
type Config struct {
	// VerifyURL is the absolute URL of the proxy's verify endpoint.
	VerifyURL  string
	HTTPClient *http.Client
	Clock      Clock
	// CacheTTL caps positive-result caching; zero means DefaultCacheTTL.
	CacheTTL time.Duration
}

// Identity describes the user behind a verified access token.
type Identity struct {
	UserID    string
	Email     string
	Name      string
	Picture   string
	Scope     string
	ExpiresAt time.Time
}

// Validator validates Google access tokens through a sign-in proxy.
type Validator struct {
	verifyURL  string
	httpClient *http.Client
	clock      Clock
	cacheTTL   time.Duration

	mutex sync.Mutex
	cache map[string]cachedIdentity
}

type cachedIdentity struct {
	identity  Identity
	expiresAt time.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if strings.TrimSpace(configuration.VerifyURL) == "" {
		return nil, fmt.Errorf("verify.validator.new: %w", ErrMissingVerifyURL)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	cacheTTL := configuration.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Validator{
		verifyURL:  configuration.VerifyURL,
		httpClient: httpClient,
		clock:      clock,
		cacheTTL:   cacheTTL,
		cache:      make(map[string]cachedIdentity),
	}, nil
}

// Validate checks the access token against the proxy and returns the identity.
func (validator *Validator) Validate(ctx context.Context, accessToken string) (Identity, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return Identity{}, fmt.Errorf("verify.validator.validate: %w", ErrMissingToken)
	}
	if identity, ok := validator.cachedLookup(accessToken); ok {
		return identity, nil
	}

	body, encodeErr := json.Marshal(map[string]string{"access_token": accessToken})
	if encodeErr != nil {
		return Identity{}, fmt.Errorf("verify.validator.validate: %w", encodeErr)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, validator.verifyURL, bytes.NewReader(body))
	if requestErr != nil {
		return Identity{}, fmt.Errorf("verify.validator.validate: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/json")

	response, doErr := validator.httpClient.Do(request)
	if doErr != nil {
		return Identity{}, fmt.Errorf("verify.validator.validate: %w: %w", ErrVerifyUnavailable, doErr)
	}
	defer func() { _ = response.Body.Close() }()

	var outbound struct {
		Success bool `json:"success"`
		Valid   bool `json:"valid"`
		User    struct {
			ID      string `json:"id"`
			Email   string `json:"email"`
			Name    string `json:"name"`
			Picture string `json:"picture"`
		} `json:"user"`
		TokenInfo struct {
			ExpiresIn int64  `json:"expires_in"`
			Scope     string `json:"scope"`
			UserID    string `json:"user_id"`
		} `json:"token_info"`
	}
	if decodeErr := json.NewDecoder(response.Body).Decode(&outbound); decodeErr != nil {
		return Identity{}, fmt.Errorf("verify.validator.validate: %w: %w", ErrVerifyUnavailable, decodeErr)
	}

	switch {
	case response.StatusCode == http.StatusOK && outbound.Success && outbound.Valid:
	case response.StatusCode == http.StatusUnauthorized, response.StatusCode == http.StatusBadRequest:
		return Identity{}, fmt.Errorf("verify.validator.validate: %w", ErrTokenRejected)
	default:
		return Identity{}, fmt.Errorf("verify.validator.validate: %w: status %d", ErrVerifyUnavailable, response.StatusCode)
	}

	userID := outbound.User.ID
	if userID == "" {
		userID = outbound.TokenInfo.UserID
	}
	identity := Identity{
		UserID:  userID,
		Email:   outbound.User.Email,
		Name:    outbound.User.Name,
		Picture: outbound.User.Picture,
		Scope:   outbound.TokenInfo.Scope,
	}
	if outbound.TokenInfo.ExpiresIn > 0 {
		identity.ExpiresAt = validator.clock.Now().Add(time.Duration(outbound.TokenInfo.ExpiresIn) * time.Second)
	}
	validator.cacheStore(accessToken, identity)
	return identity, nil
}

// ValidateRequest reads the bearer token from the request and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (Identity, error) {
	if request == nil {
		return Identity{}, fmt.Errorf("verify.validator.validate_request: %w", ErrMissingToken)
	}
	authorization := request.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		return Identity{}, fmt.Errorf("verify.validator.validate_request: %w", ErrMissingToken)
	}
	return validator.Validate(request.Context(), authorization[len("bearer "):])
}

// GinMiddleware returns a Gin middleware that validates the bearer token and injects the identity.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		identity, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			if errors.Is(err, ErrVerifyUnavailable) {
				contextGin.AbortWithStatus(http.StatusServiceUnavailable)
				return
			}
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, identity)
		contextGin.Next()
	}
}

func (validator *Validator) cachedLookup(accessToken string) (Identity, bool) {
	validator.mutex.Lock()
	defer validator.mutex.Unlock()
	entry, ok := validator.cache[accessToken]
	if !ok {
		return Identity{}, false
	}
	if validator.clock.Now().After(entry.expiresAt) {
		delete(validator.cache, accessToken)
		return Identity{}, false
	}
	return entry.identity, true
}

func (validator *Validator) cacheStore(accessToken string, identity Identity) {
	cacheUntil := validator.clock.Now().Add(validator.cacheTTL)
	if !identity.ExpiresAt.IsZero() && identity.ExpiresAt.Before(cacheUntil) {
		cacheUntil = identity.ExpiresAt
	}
	validator.mutex.Lock()
	defer validator.mutex.Unlock()
	validator.cache[accessToken] = cachedIdentity{identity: identity, expiresAt: cacheUntil}
}
