package signinkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionState tracks the identity lifecycle.
type SessionState int

// Session states.
const (
	StateAnonymous SessionState = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
)

// String renders the state for logs and status payloads.
func (state SessionState) String() string {
	switch state {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return "anonymous"
	}
}

var (
	// ErrNotAuthenticated indicates no usable access token exists.
	ErrNotAuthenticated = errors.New("session.not_authenticated")
	// ErrSignInInProgress indicates a concurrent interactive sign-in.
	ErrSignInInProgress = errors.New("session.sign_in_in_progress")
)

type exchangeAPI interface {
	ExchangeCode(ctx context.Context, code string, redirectURI string) (ExchangeResult, error)
	RevokeToken(ctx context.Context, token string) error
}

// SessionConfig wires an IdentitySession.
type SessionConfig struct {
	Store       CredentialStore
	API         exchangeAPI
	Coordinator refreshInvoker
	Profiles    *ProfileCache
	Bus         *Bus
	Clock       Clock
	Logger      *zap.Logger
}

// IdentitySession owns the interactive sign-in/sign-out lifecycle and is the
// origin of new credentials. It is the programmatic equivalent of the login
// widget: rendering is the embedder's concern, the state machine lives here.
type IdentitySession struct {
	store       CredentialStore
	api         exchangeAPI
	coordinator refreshInvoker
	profiles    *ProfileCache
	bus         *Bus
	clock       Clock
	logger      *zap.Logger

	mutex sync.Mutex
	state SessionState
}

// NewIdentitySession constructs a session in the anonymous state.
func NewIdentitySession(configuration SessionConfig) (*IdentitySession, error) {
	if configuration.Store == nil {
		return nil, errors.New("session.new: credential store is required")
	}
	if configuration.API == nil {
		return nil, errors.New("session.new: API client is required")
	}
	session := &IdentitySession{
		store:       configuration.Store,
		api:         configuration.API,
		coordinator: configuration.Coordinator,
		profiles:    configuration.Profiles,
		bus:         configuration.Bus,
		clock:       configuration.Clock,
		logger:      configuration.Logger,
		state:       StateAnonymous,
	}
	if session.clock == nil {
		session.clock = NewSystemClock()
	}
	if session.logger == nil {
		session.logger = zap.NewNop()
	}
	return session, nil
}

// State returns the current lifecycle state.
func (session *IdentitySession) State() SessionState {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.state
}

// SignIn completes the interactive consent flow by exchanging the provider's
// authorization code through the auth proxy, persisting the credential and
// derived profile, and emitting login-succeeded.
func (session *IdentitySession) SignIn(ctx context.Context, code string, redirectURI string) (Profile, error) {
	session.mutex.Lock()
	if session.state == StateAuthenticating {
		session.mutex.Unlock()
		return Profile{}, ErrSignInInProgress
	}
	session.state = StateAuthenticating
	session.mutex.Unlock()

	result, exchangeErr := session.api.ExchangeCode(ctx, code, redirectURI)
	if exchangeErr != nil {
		session.setState(StateAnonymous)
		session.logger.Warn("sign-in exchange failed", zap.Error(exchangeErr))
		session.bus.Publish(EventLoginFailed, map[string]any{
			"error": exchangeErr.Error(),
		})
		return Profile{}, fmt.Errorf("session.sign_in: %w", exchangeErr)
	}

	profile := session.resolveProfile(result)
	if persistErr := session.persistLogin(ctx, result, profile); persistErr != nil {
		session.setState(StateAnonymous)
		session.bus.Publish(EventLoginFailed, map[string]any{
			"error": persistErr.Error(),
		})
		return Profile{}, fmt.Errorf("session.sign_in: %w", persistErr)
	}

	session.setState(StateAuthenticated)
	session.logger.Info("sign-in succeeded",
		zap.String("subject", profile.Subject),
		zap.String("email", profile.Email))
	session.bus.Publish(EventLoginSucceeded, map[string]any{
		"subject": profile.Subject,
		"email":   profile.Email,
		"name":    profile.Name,
	})
	return profile, nil
}

// SignOut revokes the provider session where possible, clears all persisted
// state, and emits logout. Revocation failures are logged, not fatal: local
// state is cleared regardless.
func (session *IdentitySession) SignOut(ctx context.Context) error {
	accessToken, tokenErr := session.store.Get(ctx, KeyAccessToken)
	if tokenErr == nil && accessToken != "" {
		if revokeErr := session.api.RevokeToken(ctx, accessToken); revokeErr != nil {
			session.logger.Warn("provider revocation failed", zap.Error(revokeErr))
		}
	}

	if session.profiles != nil {
		if clearErr := session.profiles.Clear(ctx); clearErr != nil {
			session.logger.Warn("profile cache clear failed", zap.Error(clearErr))
		}
	}
	if err := session.store.Clear(ctx); err != nil {
		return fmt.Errorf("session.sign_out: %w", err)
	}

	session.setState(StateAnonymous)
	session.bus.Publish(EventLogout, nil)
	return nil
}

// ValidAccessToken returns a currently valid access token, refreshing on
// demand when the stored one is close to expiry.
func (session *IdentitySession) ValidAccessToken(ctx context.Context) (string, error) {
	snapshot, snapshotErr := ReadTokenSnapshot(ctx, session.store)
	if snapshotErr != nil {
		return "", fmt.Errorf("session.valid_token: %w", snapshotErr)
	}

	verdict := Classify(snapshot, session.clock.Now())
	if !verdict.ShouldRefresh {
		if snapshot.AccessToken == "" {
			return "", ErrNotAuthenticated
		}
		if verdict.Reason == ReasonNoRefreshToken && snapshot.HasExpiry && !snapshot.ExpiresAt.After(session.clock.Now()) {
			return "", ErrNotAuthenticated
		}
		return snapshot.AccessToken, nil
	}

	if session.coordinator == nil {
		return snapshot.AccessToken, nil
	}

	session.setState(StateRefreshing)
	refreshErr := session.coordinator.Refresh(ctx, verdict.Urgency)
	if refreshErr != nil && !errors.Is(refreshErr, ErrRefreshInFlight) && !errors.Is(refreshErr, ErrRefreshCooldown) {
		// Only exhaustion ends the session. A transient failure keeps the
		// stored token serving for as long as it has not actually expired;
		// the coordinator's retry schedule handles the rest.
		if errors.Is(refreshErr, ErrRefreshExhausted) {
			session.setState(StateAnonymous)
			return "", fmt.Errorf("session.valid_token: %w", refreshErr)
		}
		if snapshot.AccessToken != "" && (!snapshot.HasExpiry || snapshot.ExpiresAt.After(session.clock.Now())) {
			session.setState(StateAuthenticated)
			return snapshot.AccessToken, nil
		}
		return "", fmt.Errorf("session.valid_token: %w", refreshErr)
	}
	session.setState(StateAuthenticated)

	refreshed, rereadErr := ReadTokenSnapshot(ctx, session.store)
	if rereadErr != nil {
		return "", fmt.Errorf("session.valid_token: %w", rereadErr)
	}
	if refreshed.AccessToken == "" {
		return "", ErrNotAuthenticated
	}
	return refreshed.AccessToken, nil
}

// RestoreFromStore synchronizes the in-memory state with persisted state,
// e.g. at startup or after a cross-process change.
func (session *IdentitySession) RestoreFromStore(ctx context.Context) error {
	snapshot, snapshotErr := ReadTokenSnapshot(ctx, session.store)
	if snapshotErr != nil {
		return fmt.Errorf("session.restore: %w", snapshotErr)
	}
	if snapshot.AccessToken == "" {
		session.setState(StateAnonymous)
		return nil
	}
	session.setState(StateAuthenticated)
	return nil
}

func (session *IdentitySession) resolveProfile(result ExchangeResult) Profile {
	if result.Credential != "" {
		if parsed, parseErr := ParseCredential(result.Credential); parseErr == nil && !parsed.IsZero() {
			// Userinfo enrichment wins over credential claims where both exist.
			merged := parsed
			if result.User.Name != "" {
				merged.Name = result.User.Name
			}
			if result.User.Email != "" {
				merged.Email = result.User.Email
			}
			if result.User.Picture != "" {
				merged.Picture = result.User.Picture
			}
			if result.User.Locale != "" {
				merged.Locale = result.User.Locale
			}
			return merged
		}
	}
	return result.User
}

func (session *IdentitySession) persistLogin(ctx context.Context, result ExchangeResult, profile Profile) error {
	expiresIn := result.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	expiresAt := session.clock.Now().Add(secondsDuration(expiresIn))

	encodedProfile, encodeErr := EncodeProfile(profile)
	if encodeErr != nil {
		return encodeErr
	}

	values := map[string]string{
		KeyAccessToken:    result.AccessToken,
		KeyTokenExpiresAt: FormatExpiry(expiresAt),
		KeyUserInfo:       encodedProfile,
	}
	if result.RefreshToken != "" {
		values[KeyRefreshToken] = result.RefreshToken
	}
	if result.Credential != "" {
		values[KeyCredential] = result.Credential
	}
	if err := session.store.SetAll(ctx, values); err != nil {
		return err
	}

	if session.profiles != nil {
		if cacheErr := session.profiles.Save(ctx, profile); cacheErr != nil {
			session.logger.Warn("profile cache save failed", zap.Error(cacheErr))
		}
	}
	return nil
}

func secondsDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}

func (session *IdentitySession) setState(state SessionState) {
	session.mutex.Lock()
	session.state = state
	session.mutex.Unlock()
}
