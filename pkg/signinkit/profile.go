package signinkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformedCredential indicates the credential blob does not have the
	// expected three dot-separated segments.
	ErrMalformedCredential = errors.New("credential.malformed")
	// ErrCredentialClaims indicates the credential claims could not be decoded.
	ErrCredentialClaims = errors.New("credential.invalid_claims")
)

// Profile is the identity record derived from credential claims or the
// provider's userinfo API.
type Profile struct {
	Subject       string `json:"sub,omitempty"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Locale        string `json:"locale,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
}

// IsZero reports whether the profile carries no identity at all.
func (profile Profile) IsZero() bool {
	return profile == Profile{}
}

// ParseCredential decodes the claims of a signed identity credential. The
// blob must consist of exactly three dot-separated segments. The signature is
// not verified here: the credential was minted by the provider and validated
// server-side during the exchange; this decode only recovers display data.
func ParseCredential(credentialBlob string) (Profile, error) {
	trimmed := strings.TrimSpace(credentialBlob)
	if trimmed == "" {
		return Profile{}, fmt.Errorf("credential.parse: %w", ErrMalformedCredential)
	}
	segments := strings.Split(trimmed, ".")
	if len(segments) != 3 {
		return Profile{}, fmt.Errorf("credential.parse: %w", ErrMalformedCredential)
	}
	for _, segment := range segments {
		if segment == "" {
			return Profile{}, fmt.Errorf("credential.parse: %w", ErrMalformedCredential)
		}
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, parseErr := parser.ParseUnverified(trimmed, claims); parseErr != nil {
		return Profile{}, fmt.Errorf("credential.parse: %w", ErrCredentialClaims)
	}

	profile := Profile{
		Subject: stringClaim(claims, "sub"),
		Name:    stringClaim(claims, "name"),
		Email:   stringClaim(claims, "email"),
		Picture: stringClaim(claims, "picture"),
		Locale:  stringClaim(claims, "locale"),
	}
	if verified, ok := claims["email_verified"].(bool); ok {
		profile.EmailVerified = verified
	}
	return profile, nil
}

// EncodeProfile renders the profile as the JSON persisted under KeyUserInfo.
func EncodeProfile(profile Profile) (string, error) {
	encoded, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("credential.encode_profile: %w", err)
	}
	return string(encoded), nil
}

// DecodeProfile parses the JSON persisted under KeyUserInfo.
func DecodeProfile(encoded string) (Profile, error) {
	var profile Profile
	if err := json.Unmarshal([]byte(encoded), &profile); err != nil {
		return Profile{}, fmt.Errorf("credential.decode_profile: %w", err)
	}
	return profile, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	value, _ := claims[name].(string)
	return value
}
