package signinkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrRefreshInFlight indicates another refresh already owns the
	// single-flight guard; the call was a no-op.
	ErrRefreshInFlight = errors.New("refresh.in_flight")
	// ErrRefreshCooldown indicates a recent attempt suppressed this one.
	ErrRefreshCooldown = errors.New("refresh.cooldown_active")
	// ErrRefreshExhausted indicates all retries failed and token state was
	// cleared.
	ErrRefreshExhausted = errors.New("refresh.exhausted")
	// ErrStaleRefresh indicates the coordinator was reset while the attempt
	// was in flight; its result was discarded.
	ErrStaleRefresh = errors.New("refresh.stale_result")
	// ErrNoRefreshToken indicates the store holds no refresh token.
	ErrNoRefreshToken = errors.New("refresh.no_refresh_token")
	// ErrCoordinatorClosed indicates the coordinator was shut down.
	ErrCoordinatorClosed = errors.New("refresh.closed")
	// ErrRefreshUnsupported is returned by collaborators that do not provide
	// a refresh capability.
	ErrRefreshUnsupported = errors.New("refresh.unsupported")
)

// TokenGrant is a freshly issued access token with optional rotation data.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// Refresher is the optional refresh capability a credential owner may expose.
// Collaborators without one use NoopRefresher instead of being probed
// dynamically.
type Refresher interface {
	RefreshCredential(ctx context.Context) (TokenGrant, error)
}

// NoopRefresher is the null-object Refresher.
type NoopRefresher struct{}

// RefreshCredential always reports the capability as unsupported.
func (NoopRefresher) RefreshCredential(ctx context.Context) (TokenGrant, error) {
	return TokenGrant{}, ErrRefreshUnsupported
}

// SilentReauthFunc attempts a silent re-authentication with the identity
// provider, returning a fresh grant without user interaction.
type SilentReauthFunc func(ctx context.Context) (TokenGrant, error)

type refreshAPI interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (RefreshResult, error)
}

// RefreshAttemptState is the transient per-process coordination state.
type RefreshAttemptState struct {
	IsRefreshing  bool
	RetryAttempts int
	LastAttemptAt time.Time
}

// CoordinatorConfig wires a RefreshCoordinator.
type CoordinatorConfig struct {
	Store        CredentialStore
	API          refreshAPI
	Refresher    Refresher
	SilentReauth SilentReauthFunc
	Bus          *Bus
	Clock        Clock
	Logger       *zap.Logger
	Metrics      MetricsRecorder
	Cooldown     time.Duration
	MaxRetries   int
	RetryDelays  []time.Duration
}

// RefreshCoordinator performs at most one refresh at a time, walking the
// refresh strategies in priority order and retrying failures with bounded
// backoff. All persisted state lives in the credential store; the coordinator
// holds only transient attempt state.
type RefreshCoordinator struct {
	store        CredentialStore
	api          refreshAPI
	refresher    Refresher
	silentReauth SilentReauthFunc
	bus          *Bus
	clock        Clock
	logger       *zap.Logger
	metrics      MetricsRecorder
	cooldown     time.Duration
	maxRetries   int
	retryDelays  []time.Duration

	// signedOutSink, when set, routes the exhaustion announcement through a
	// shared dedup gate instead of publishing auth-status-changed directly,
	// so a composed monitor cannot fire the transition a second time.
	signedOutSink func(reason string)

	mutex         sync.Mutex
	refreshing    bool
	retryPending  bool
	retryAttempts int
	lastAttemptAt time.Time
	generation    uint64
	retryTimer    *time.Timer
	closed        bool
}

// NewRefreshCoordinator constructs a coordinator with the configured
// strategies. Store is required; nil optional collaborators fall back to
// null objects and defaults.
func NewRefreshCoordinator(configuration CoordinatorConfig) (*RefreshCoordinator, error) {
	if configuration.Store == nil {
		return nil, errors.New("refresh.new: credential store is required")
	}
	coordinator := &RefreshCoordinator{
		store:        configuration.Store,
		api:          configuration.API,
		refresher:    configuration.Refresher,
		silentReauth: configuration.SilentReauth,
		bus:          configuration.Bus,
		clock:        configuration.Clock,
		logger:       configuration.Logger,
		metrics:      configuration.Metrics,
		cooldown:     configuration.Cooldown,
		maxRetries:   configuration.MaxRetries,
		retryDelays:  configuration.RetryDelays,
	}
	if coordinator.refresher == nil {
		coordinator.refresher = NoopRefresher{}
	}
	if coordinator.clock == nil {
		coordinator.clock = NewSystemClock()
	}
	if coordinator.logger == nil {
		coordinator.logger = zap.NewNop()
	}
	if coordinator.metrics == nil {
		coordinator.metrics = noopMetrics{}
	}
	if coordinator.cooldown <= 0 {
		coordinator.cooldown = RefreshCooldown
	}
	if coordinator.maxRetries <= 0 {
		coordinator.maxRetries = MaxRefreshRetries
	}
	if len(coordinator.retryDelays) == 0 {
		coordinator.retryDelays = DefaultRetryDelays
	}
	return coordinator, nil
}

// Refresh runs one refresh transaction at the given urgency. A refresh
// already in flight makes this a no-op for every urgency, critical included:
// preempting a running attempt would race its store write.
func (coordinator *RefreshCoordinator) Refresh(ctx context.Context, urgency Urgency) error {
	return coordinator.refresh(ctx, urgency, false)
}

// State returns the transient attempt state.
func (coordinator *RefreshCoordinator) State() RefreshAttemptState {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	return RefreshAttemptState{
		IsRefreshing:  coordinator.refreshing,
		RetryAttempts: coordinator.retryAttempts,
		LastAttemptAt: coordinator.lastAttemptAt,
	}
}

// Close cancels any pending retry and invalidates in-flight results.
func (coordinator *RefreshCoordinator) Close() {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	coordinator.closed = true
	coordinator.generation++
	coordinator.refreshing = false
	coordinator.retryPending = false
	coordinator.stopRetryTimerLocked()
}

func (coordinator *RefreshCoordinator) refresh(ctx context.Context, urgency Urgency, isRetry bool) error {
	coordinator.mutex.Lock()
	if coordinator.closed {
		coordinator.mutex.Unlock()
		return ErrCoordinatorClosed
	}
	if coordinator.refreshing {
		coordinator.mutex.Unlock()
		coordinator.metrics.Increment("refresh.single_flight_noop")
		return ErrRefreshInFlight
	}
	if !isRetry {
		// A fresh external trigger supersedes any scheduled retry.
		if coordinator.retryPending {
			coordinator.stopRetryTimerLocked()
			coordinator.retryPending = false
			coordinator.retryAttempts = 0
		}
		if urgency != UrgencyCritical && !coordinator.lastAttemptAt.IsZero() &&
			coordinator.clock.Now().Sub(coordinator.lastAttemptAt) < coordinator.cooldown {
			coordinator.mutex.Unlock()
			return ErrRefreshCooldown
		}
	}
	coordinator.refreshing = true
	coordinator.lastAttemptAt = coordinator.clock.Now()
	attemptGeneration := coordinator.generation
	coordinator.mutex.Unlock()

	grant, attemptErr := coordinator.attemptStrategies(ctx)

	coordinator.mutex.Lock()
	if attemptGeneration != coordinator.generation {
		coordinator.mutex.Unlock()
		return ErrStaleRefresh
	}

	if attemptErr == nil {
		if applyErr := coordinator.applyGrant(ctx, grant); applyErr != nil {
			attemptErr = applyErr
		}
	}

	if attemptErr == nil {
		coordinator.refreshing = false
		coordinator.retryAttempts = 0
		coordinator.mutex.Unlock()

		coordinator.metrics.Increment("refresh.success")
		coordinator.bus.Publish(EventTokenRefreshed, map[string]any{
			"urgency": urgency.String(),
		})
		return nil
	}

	coordinator.retryAttempts++
	if coordinator.retryAttempts < coordinator.maxRetries {
		attempts := coordinator.retryAttempts
		delay := coordinator.retryDelayLocked(attempts)
		coordinator.refreshing = false
		coordinator.retryPending = true
		retryGeneration := coordinator.generation
		coordinator.stopRetryTimerLocked()
		coordinator.retryTimer = time.AfterFunc(delay, func() {
			coordinator.runScheduledRetry(retryGeneration, urgency)
		})
		coordinator.mutex.Unlock()

		coordinator.metrics.Increment("refresh.retry_scheduled")
		coordinator.logger.Warn("refresh attempt failed, retry scheduled",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(attemptErr))
		coordinator.bus.Publish(EventTokenRefreshFailed, map[string]any{
			"final":    false,
			"attempts": attempts,
		})
		return fmt.Errorf("refresh.attempt: %w", attemptErr)
	}

	coordinator.refreshing = false
	coordinator.retryPending = false
	coordinator.retryAttempts = 0
	coordinator.stopRetryTimerLocked()
	signedOutSink := coordinator.signedOutSink
	coordinator.mutex.Unlock()

	coordinator.clearTokenState(ctx)
	coordinator.metrics.Increment("refresh.exhausted")
	coordinator.logger.Error("refresh retries exhausted, clearing session", zap.Error(attemptErr))
	coordinator.bus.Publish(EventTokenRefreshFailed, map[string]any{
		"final": true,
	})
	if signedOutSink != nil {
		signedOutSink("refresh_exhausted")
	} else {
		coordinator.bus.Publish(EventAuthStatusChanged, map[string]any{
			"authenticated": false,
			"reason":        "refresh_exhausted",
		})
	}
	return fmt.Errorf("%w: %s", ErrRefreshExhausted, attemptErr)
}

// runScheduledRetry fires from the retry timer. The timer may fire long after
// its deadline on a suspended host, so stored state is re-checked before the
// retry actually runs.
func (coordinator *RefreshCoordinator) runScheduledRetry(retryGeneration uint64, urgency Urgency) {
	coordinator.mutex.Lock()
	if coordinator.closed || retryGeneration != coordinator.generation || !coordinator.retryPending {
		coordinator.mutex.Unlock()
		return
	}
	coordinator.retryPending = false
	coordinator.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snapshot, snapshotErr := ReadTokenSnapshot(ctx, coordinator.store)
	if snapshotErr != nil {
		coordinator.logger.Warn("retry snapshot read failed", zap.Error(snapshotErr))
		return
	}
	verdict := Classify(snapshot, coordinator.clock.Now())
	if !verdict.ShouldRefresh {
		// Another process refreshed, or the session was cleared.
		coordinator.mutex.Lock()
		coordinator.retryAttempts = 0
		coordinator.mutex.Unlock()
		return
	}
	_ = coordinator.refresh(ctx, urgency, true)
}

// attemptStrategies walks the strategies in priority order; first success
// wins.
func (coordinator *RefreshCoordinator) attemptStrategies(ctx context.Context) (TokenGrant, error) {
	var failures []error

	grant, refresherErr := coordinator.refresher.RefreshCredential(ctx)
	if refresherErr == nil && grant.AccessToken != "" {
		return grant, nil
	}
	if refresherErr != nil && !errors.Is(refresherErr, ErrRefreshUnsupported) {
		failures = append(failures, fmt.Errorf("refresher: %w", refresherErr))
	}

	if coordinator.silentReauth != nil {
		grant, silentErr := coordinator.silentReauth(ctx)
		if silentErr == nil && grant.AccessToken != "" {
			return grant, nil
		}
		if silentErr != nil {
			failures = append(failures, fmt.Errorf("silent_reauth: %w", silentErr))
		}
	}

	if coordinator.api != nil {
		refreshToken, tokenErr := coordinator.store.Get(ctx, KeyRefreshToken)
		if tokenErr != nil || refreshToken == "" {
			failures = append(failures, ErrNoRefreshToken)
		} else {
			result, grantErr := coordinator.api.RefreshAccessToken(ctx, refreshToken)
			if grantErr == nil && result.AccessToken != "" {
				return TokenGrant{
					AccessToken:  result.AccessToken,
					RefreshToken: result.RefreshToken,
					ExpiresIn:    result.ExpiresIn,
				}, nil
			}
			if grantErr != nil {
				failures = append(failures, fmt.Errorf("refresh_grant: %w", grantErr))
			}
		}
	}

	if len(failures) == 0 {
		failures = append(failures, ErrRefreshUnsupported)
	}
	return TokenGrant{}, errors.Join(failures...)
}

// applyGrant persists the grant atomically. Expiry never moves backwards: a
// slow response racing a newer grant must not shorten the session.
func (coordinator *RefreshCoordinator) applyGrant(ctx context.Context, grant TokenGrant) error {
	expiresIn := grant.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	newExpiry := coordinator.clock.Now().Add(time.Duration(expiresIn) * time.Second)

	snapshot, snapshotErr := ReadTokenSnapshot(ctx, coordinator.store)
	if snapshotErr == nil && snapshot.HasExpiry && snapshot.ExpiresAt.After(newExpiry) {
		newExpiry = snapshot.ExpiresAt
	}

	values := map[string]string{
		KeyAccessToken:    grant.AccessToken,
		KeyTokenExpiresAt: FormatExpiry(newExpiry),
	}
	if grant.RefreshToken != "" {
		values[KeyRefreshToken] = grant.RefreshToken
	}
	if err := coordinator.store.SetAll(ctx, values); err != nil {
		return fmt.Errorf("refresh.persist: %w", err)
	}
	return nil
}

func (coordinator *RefreshCoordinator) clearTokenState(ctx context.Context) {
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyTokenExpiresAt, KeyCredential, KeyUserInfo} {
		if err := coordinator.store.Delete(ctx, key); err != nil {
			coordinator.logger.Warn("clearing token key failed",
				zap.String("key", key),
				zap.Error(err))
		}
	}
}

func (coordinator *RefreshCoordinator) retryDelayLocked(attempt int) time.Duration {
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(coordinator.retryDelays) {
		index = len(coordinator.retryDelays) - 1
	}
	return coordinator.retryDelays[index]
}

func (coordinator *RefreshCoordinator) stopRetryTimerLocked() {
	if coordinator.retryTimer != nil {
		coordinator.retryTimer.Stop()
		coordinator.retryTimer = nil
	}
}
