package authproxy

import "time"

// ServerConfig configures the Google OAuth proxy endpoints.
type ServerConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	// DefaultRedirectURI is used when the exchange request carries none.
	DefaultRedirectURI string
	AllowInsecureHTTP  bool
	// StateTTL bounds the lifetime of issued sign-in state tokens.
	StateTTL time.Duration
}
