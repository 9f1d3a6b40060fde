package signinkit

import "time"

// Persisted credential store keys shared by every component and process.
const (
	KeyAccessToken    = "google_access_token"
	KeyRefreshToken   = "google_refresh_token"
	KeyTokenExpiresAt = "google_token_expires_at"
	KeyCredential     = "google_auth_credential"
	KeyUserInfo       = "google_user_info"

	keyProfilePublic = "google_user_profile"
	keyProfileSealed = "google_user_profile_sealed"
)

// Refresh urgency escalates as the access token approaches expiry.
const (
	// PreventiveRefreshWindow triggers a normal-urgency refresh.
	PreventiveRefreshWindow = 10 * time.Minute
	// EarlyRefreshWindow triggers a high-urgency refresh.
	EarlyRefreshWindow = 5 * time.Minute
	// CriticalRefreshWindow triggers a critical-urgency refresh.
	CriticalRefreshWindow = 2 * time.Minute
)

// Refresh coordination tuning.
const (
	// RefreshCooldown suppresses non-critical refreshes after a recent attempt.
	RefreshCooldown = 30 * time.Second
	// MaxRefreshRetries bounds consecutive failed refresh attempts before the
	// session is demoted to signed-out.
	MaxRefreshRetries = 3
)

// DefaultRetryDelays spaces out consecutive refresh retries.
var DefaultRetryDelays = []time.Duration{time.Second, 3 * time.Second, 10 * time.Second}

// Status monitor tuning.
const (
	// StatusPollInterval is the periodic freshness check cadence.
	StatusPollInterval = 60 * time.Second
	// StatusCheckCooldown is the minimum spacing between checks arriving from
	// concurrent trigger sources.
	StatusCheckCooldown = 30 * time.Second
)
