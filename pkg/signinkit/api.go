package signinkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRevocationURL = "https://oauth2.googleapis.com/revoke"

// APIError is the stable error envelope returned by the auth proxy.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error renders the proxy error code and message.
func (apiError *APIError) Error() string {
	if apiError.Message == "" {
		return fmt.Sprintf("authapi: %s (status %d)", apiError.Code, apiError.StatusCode)
	}
	return fmt.Sprintf("authapi: %s: %s (status %d)", apiError.Code, apiError.Message, apiError.StatusCode)
}

// Retryable reports whether the failure is transient.
func (apiError *APIError) Retryable() bool {
	return apiError.StatusCode == http.StatusTooManyRequests || apiError.StatusCode == http.StatusServiceUnavailable
}

// ErrUnexpectedAPIResponse indicates a response body that does not match the
// proxy contract.
var ErrUnexpectedAPIResponse = errors.New("authapi.unexpected_response")

// ExchangeResult carries the outcome of a code exchange through the proxy.
type ExchangeResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Credential   string
	User         Profile
}

// RefreshResult carries the outcome of a refresh grant through the proxy.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
}

// VerifyResult carries the outcome of a token verification.
type VerifyResult struct {
	Valid     bool
	User      Profile
	ExpiresIn int64
	Scope     string
	Audience  string
}

// APIClient talks to the gsignin auth proxy endpoints.
type APIClient struct {
	baseURL       string
	revocationURL string
	httpClient    *http.Client
	logger        *zap.Logger
}

// APIClientConfig configures an APIClient.
type APIClientConfig struct {
	// BaseURL is the auth proxy origin, e.g. https://auth.example.com.
	BaseURL string
	// RevocationURL overrides the provider token revocation endpoint.
	RevocationURL string
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// ErrMissingBaseURL indicates the API client was built without a proxy origin.
var ErrMissingBaseURL = errors.New("authapi.missing_base_url")

// NewAPIClient constructs a proxy API client.
func NewAPIClient(configuration APIClientConfig) (*APIClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("authapi.new: %w", ErrMissingBaseURL)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	revocationURL := strings.TrimSpace(configuration.RevocationURL)
	if revocationURL == "" {
		revocationURL = defaultRevocationURL
	}
	return &APIClient{
		baseURL:       baseURL,
		revocationURL: revocationURL,
		httpClient:    httpClient,
		logger:        logger,
	}, nil
}

// ExchangeCode trades an authorization code for tokens via POST /auth/google.
func (client *APIClient) ExchangeCode(ctx context.Context, code string, redirectURI string) (ExchangeResult, error) {
	payload := map[string]string{"code": code}
	if redirectURI != "" {
		payload["redirect_uri"] = redirectURI
	}
	var body struct {
		Success      bool   `json:"success"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		TokenType    string `json:"token_type"`
		IDToken      string `json:"id_token"`
		User         struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Email    string `json:"email"`
			Picture  string `json:"picture"`
			Locale   string `json:"locale"`
			Verified bool   `json:"verified_email"`
		} `json:"user"`
	}
	if err := client.postJSON(ctx, "/auth/google", payload, &body); err != nil {
		return ExchangeResult{}, err
	}
	if !body.Success || body.AccessToken == "" {
		return ExchangeResult{}, fmt.Errorf("authapi.exchange: %w", ErrUnexpectedAPIResponse)
	}
	return ExchangeResult{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		TokenType:    body.TokenType,
		ExpiresIn:    body.ExpiresIn,
		Credential:   body.IDToken,
		User: Profile{
			Subject:       body.User.ID,
			Name:          body.User.Name,
			Email:         body.User.Email,
			Picture:       body.User.Picture,
			Locale:        body.User.Locale,
			EmailVerified: body.User.Verified,
		},
	}, nil
}

// RefreshAccessToken performs a refresh grant via POST /auth/refresh.
func (client *APIClient) RefreshAccessToken(ctx context.Context, refreshToken string) (RefreshResult, error) {
	payload := map[string]string{"refresh_token": refreshToken}
	var body struct {
		Success      bool   `json:"success"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		TokenType    string `json:"token_type"`
	}
	if err := client.postJSON(ctx, "/auth/refresh", payload, &body); err != nil {
		return RefreshResult{}, err
	}
	if !body.Success || body.AccessToken == "" {
		return RefreshResult{}, fmt.Errorf("authapi.refresh: %w", ErrUnexpectedAPIResponse)
	}
	return RefreshResult{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		TokenType:    body.TokenType,
		ExpiresIn:    body.ExpiresIn,
	}, nil
}

// VerifyAccessToken checks a token via POST /auth/verify.
func (client *APIClient) VerifyAccessToken(ctx context.Context, accessToken string) (VerifyResult, error) {
	payload := map[string]string{"access_token": accessToken}
	var body struct {
		Success bool `json:"success"`
		Valid   bool `json:"valid"`
		User    struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Email    string `json:"email"`
			Picture  string `json:"picture"`
			Locale   string `json:"locale"`
			Verified bool   `json:"verified_email"`
		} `json:"user"`
		TokenInfo struct {
			ExpiresIn int64  `json:"expires_in"`
			Scope     string `json:"scope"`
			Audience  string `json:"audience"`
		} `json:"token_info"`
	}
	if err := client.postJSON(ctx, "/auth/verify", payload, &body); err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{
		Valid: body.Valid,
		User: Profile{
			Subject:       body.User.ID,
			Name:          body.User.Name,
			Email:         body.User.Email,
			Picture:       body.User.Picture,
			Locale:        body.User.Locale,
			EmailVerified: body.User.Verified,
		},
		ExpiresIn: body.TokenInfo.ExpiresIn,
		Scope:     body.TokenInfo.Scope,
		Audience:  body.TokenInfo.Audience,
	}, nil
}

// RevokeToken asks the provider to revoke the token. Revocation is best
// effort: the provider endpoint needs no client secret, so the call goes
// direct instead of through the proxy.
func (client *APIClient) RevokeToken(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	form := url.Values{"token": {token}}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, client.revocationURL, strings.NewReader(form.Encode()))
	if requestErr != nil {
		return fmt.Errorf("authapi.revoke: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return fmt.Errorf("authapi.revoke: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return &APIError{StatusCode: response.StatusCode, Code: "revocation_failed"}
	}
	return nil
}

func (client *APIClient) postJSON(ctx context.Context, path string, payload any, out any) error {
	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		return fmt.Errorf("authapi.encode: %w", encodeErr)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+path, bytes.NewReader(encoded))
	if requestErr != nil {
		return fmt.Errorf("authapi.request: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/json")

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return fmt.Errorf("authapi.transport: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()

	bodyBytes, readErr := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if readErr != nil {
		return fmt.Errorf("authapi.read: %w", readErr)
	}

	if response.StatusCode != http.StatusOK {
		var envelope struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(bodyBytes, &envelope)
		code := envelope.Error
		if code == "" {
			code = http.StatusText(response.StatusCode)
		}
		client.logger.Warn("auth proxy error",
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
			zap.String("error_code", code))
		return &APIError{StatusCode: response.StatusCode, Code: code, Message: envelope.Message}
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("authapi.decode: %w", ErrUnexpectedAPIResponse)
	}
	return nil
}
