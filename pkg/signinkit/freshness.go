package signinkit

import "time"

// Urgency ranks how soon a refresh must happen.
type Urgency int

// Urgency levels in ascending order.
const (
	UrgencyNone Urgency = iota
	UrgencyNormal
	UrgencyHigh
	UrgencyCritical
)

// String renders the urgency for logs and events.
func (urgency Urgency) String() string {
	switch urgency {
	case UrgencyNormal:
		return "normal"
	case UrgencyHigh:
		return "high"
	case UrgencyCritical:
		return "critical"
	default:
		return "none"
	}
}

// Classification reasons.
const (
	ReasonNoAccessToken  = "no_access_token"
	ReasonNoRefreshToken = "no_refresh_token"
	ReasonNoExpiryInfo   = "no_expiry_info"
	ReasonExpired        = "expired"
	ReasonExpiresShortly = "expires_critically_soon"
	ReasonExpiresSoon    = "expires_soon"
	ReasonExpiresLater   = "expires_later"
	ReasonTokenValid     = "token_valid"
)

// Verdict is the outcome of classifying stored token state.
type Verdict struct {
	ShouldRefresh bool
	Urgency       Urgency
	Reason        string
}

// Classify evaluates the stored token triple against wall-clock time. It is a
// pure function with no side effects and never fails: missing data yields a
// structured "don't refresh" verdict.
//
// Precedence: missing access token, then missing refresh token (the session
// cannot be extended, so refreshing is pointless), then unknown expiry
// (conservatively treated as needing a refresh), then the expiry bands from
// critical outwards.
func Classify(snapshot TokenSnapshot, now time.Time) Verdict {
	if snapshot.AccessToken == "" {
		return Verdict{Reason: ReasonNoAccessToken}
	}
	if snapshot.RefreshToken == "" {
		return Verdict{Reason: ReasonNoRefreshToken}
	}
	if !snapshot.HasExpiry {
		return Verdict{ShouldRefresh: true, Urgency: UrgencyHigh, Reason: ReasonNoExpiryInfo}
	}

	remaining := snapshot.ExpiresAt.Sub(now)
	switch {
	case remaining <= 0:
		return Verdict{ShouldRefresh: true, Urgency: UrgencyCritical, Reason: ReasonExpired}
	case remaining <= CriticalRefreshWindow:
		return Verdict{ShouldRefresh: true, Urgency: UrgencyCritical, Reason: ReasonExpiresShortly}
	case remaining <= EarlyRefreshWindow:
		return Verdict{ShouldRefresh: true, Urgency: UrgencyHigh, Reason: ReasonExpiresSoon}
	case remaining <= PreventiveRefreshWindow:
		return Verdict{ShouldRefresh: true, Urgency: UrgencyNormal, Reason: ReasonExpiresLater}
	default:
		return Verdict{Reason: ReasonTokenValid}
	}
}
