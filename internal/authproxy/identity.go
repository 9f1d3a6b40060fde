package authproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrTokenRejected reports that Google refused the presented access token.
var ErrTokenRejected = errors.New("identity.token_rejected")

// UserRecord is the identity attached to an access token.
type UserRecord struct {
	ID            string `json:"id"`
	Email         string `json:"email,omitempty"`
	VerifiedEmail bool   `json:"verified_email,omitempty"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Locale        string `json:"locale,omitempty"`
}

// TokenMetadata is what the tokeninfo endpoint reports about a token.
type TokenMetadata struct {
	ExpiresIn int64  `json:"expires_in"`
	Scope     string `json:"scope,omitempty"`
	Audience  string `json:"audience,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// IdentityResolver looks up identity and token metadata for an access token.
type IdentityResolver interface {
	ResolveUser(ctx context.Context, accessToken string) (UserRecord, error)
	ResolveToken(ctx context.Context, accessToken string) (TokenMetadata, error)
}

type googleIdentityResolver struct{}

// NewGoogleIdentityResolver resolves identities through the Google
// userinfo and tokeninfo endpoints.
func NewGoogleIdentityResolver() IdentityResolver {
	return googleIdentityResolver{}
}

func (googleIdentityResolver) ResolveUser(ctx context.Context, accessToken string) (UserRecord, error) {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	service, serviceErr := oauth2api.NewService(ctx, option.WithTokenSource(tokenSource))
	if serviceErr != nil {
		return UserRecord{}, fmt.Errorf("identity.userinfo: %w", serviceErr)
	}
	userinfo, lookupErr := service.Userinfo.Get().Context(ctx).Do()
	if lookupErr != nil {
		return UserRecord{}, classifyLookupError("userinfo", lookupErr)
	}
	record := UserRecord{
		ID:      userinfo.Id,
		Email:   userinfo.Email,
		Name:    userinfo.Name,
		Picture: userinfo.Picture,
		Locale:  userinfo.Locale,
	}
	if userinfo.VerifiedEmail != nil {
		record.VerifiedEmail = *userinfo.VerifiedEmail
	}
	return record, nil
}

func (googleIdentityResolver) ResolveToken(ctx context.Context, accessToken string) (TokenMetadata, error) {
	service, serviceErr := oauth2api.NewService(ctx, option.WithoutAuthentication())
	if serviceErr != nil {
		return TokenMetadata{}, fmt.Errorf("identity.tokeninfo: %w", serviceErr)
	}
	tokeninfo, lookupErr := service.Tokeninfo().AccessToken(accessToken).Context(ctx).Do()
	if lookupErr != nil {
		return TokenMetadata{}, classifyLookupError("tokeninfo", lookupErr)
	}
	return TokenMetadata{
		ExpiresIn: tokeninfo.ExpiresIn,
		Scope:     tokeninfo.Scope,
		Audience:  tokeninfo.Audience,
		UserID:    tokeninfo.UserId,
	}, nil
}

// classifyLookupError separates "Google said no" from "Google unreachable".
func classifyLookupError(operation string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden {
			return fmt.Errorf("identity.%s: %w", operation, ErrTokenRejected)
		}
	}
	return fmt.Errorf("identity.%s: %w", operation, err)
}
