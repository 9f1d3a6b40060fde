package authproxy

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// TokenBroker performs grant operations against the Google token endpoint.
type TokenBroker interface {
	// Exchange trades an authorization code for tokens. redirectURI overrides
	// the configured default when non-empty.
	Exchange(ctx context.Context, code string, redirectURI string) (*oauth2.Token, error)
	// Refresh obtains a new access token from a refresh token.
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

type googleTokenBroker struct {
	oauthConfig *oauth2.Config
}

// NewGoogleTokenBroker builds a broker bound to the Google OAuth endpoint.
func NewGoogleTokenBroker(configuration ServerConfig) TokenBroker {
	return &googleTokenBroker{
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.GoogleClientID,
			ClientSecret: configuration.GoogleClientSecret,
			RedirectURL:  configuration.DefaultRedirectURI,
			Endpoint:     google.Endpoint,
		},
	}
}

func (broker *googleTokenBroker) Exchange(ctx context.Context, code string, redirectURI string) (*oauth2.Token, error) {
	effectiveConfig := *broker.oauthConfig
	if redirectURI != "" {
		effectiveConfig.RedirectURL = redirectURI
	}
	token, exchangeErr := effectiveConfig.Exchange(ctx, code)
	if exchangeErr != nil {
		return nil, translateProviderError("exchange", exchangeErr)
	}
	return token, nil
}

func (broker *googleTokenBroker) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	tokenSource := broker.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, refreshErr := tokenSource.Token()
	if refreshErr != nil {
		return nil, translateProviderError("refresh", refreshErr)
	}
	return token, nil
}

// translateProviderError lifts oauth2.RetrieveError into ProviderError so
// callers can map on the provider's machine code without importing oauth2.
func translateProviderError(operation string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		statusCode := 0
		if retrieveErr.Response != nil {
			statusCode = retrieveErr.Response.StatusCode
		}
		return &ProviderError{
			Code:        retrieveErr.ErrorCode,
			StatusCode:  statusCode,
			Description: retrieveErr.ErrorDescription,
		}
	}
	return fmt.Errorf("token_broker.%s: %w", operation, err)
}

func providerErrorFrom(err error) (*ProviderError, bool) {
	var providerError *ProviderError
	if errors.As(err, &providerError) {
		return providerError, true
	}
	return nil, false
}

// IDToken extracts the id_token extra from an exchange response, if any.
func IDToken(token *oauth2.Token) string {
	if token == nil {
		return ""
	}
	if raw, ok := token.Extra("id_token").(string); ok {
		return raw
	}
	return ""
}
