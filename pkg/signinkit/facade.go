package signinkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options configures a Kit. Only APIBaseURL is mandatory; everything else
// has working defaults.
type Options struct {
	// Store defaults to an in-memory store.
	Store CredentialStore
	// APIBaseURL is the auth proxy origin.
	APIBaseURL string
	HTTPClient *http.Client
	// SealKey enables the sealed profile cache when 32 bytes are provided.
	SealKey []byte
	// Refresher is the optional first refresh strategy.
	Refresher Refresher
	// SilentReauth is the optional second refresh strategy.
	SilentReauth SilentReauthFunc
	Logger       *zap.Logger
	Clock        Clock
	Metrics      MetricsRecorder

	PollInterval    time.Duration
	CheckCooldown   time.Duration
	RefreshCooldown time.Duration
	MaxRetries      int
	RetryDelays     []time.Duration
}

// Kit is the composition root: it owns the store, event bus, profile cache,
// refresh coordinator, status monitor, and identity session for one
// embedding, passing every reference explicitly.
type Kit struct {
	store       CredentialStore
	bus         *Bus
	api         *APIClient
	profiles    *ProfileCache
	coordinator *RefreshCoordinator
	monitor     *StatusMonitor
	session     *IdentitySession
	metrics     MetricsRecorder
	logger      *zap.Logger
	clock       Clock

	cancelWatch func()

	mutex     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	closed    bool
}

// New wires a Kit from the given options.
func New(options Options) (*Kit, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := options.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	metrics := options.Metrics
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	store := options.Store
	if store == nil {
		store = NewMemoryCredentialStore()
	}
	bus := NewBus()

	api, apiErr := NewAPIClient(APIClientConfig{
		BaseURL:    options.APIBaseURL,
		HTTPClient: options.HTTPClient,
		Logger:     logger,
	})
	if apiErr != nil {
		return nil, fmt.Errorf("signinkit.new: %w", apiErr)
	}

	var profiles *ProfileCache
	if len(options.SealKey) > 0 {
		cache, cacheErr := NewProfileCache(store, options.SealKey, bus)
		if cacheErr != nil {
			return nil, fmt.Errorf("signinkit.new: %w", cacheErr)
		}
		profiles = cache
	}

	coordinator, coordinatorErr := NewRefreshCoordinator(CoordinatorConfig{
		Store:        store,
		API:          api,
		Refresher:    options.Refresher,
		SilentReauth: options.SilentReauth,
		Bus:          bus,
		Clock:        clock,
		Logger:       logger,
		Metrics:      metrics,
		Cooldown:     options.RefreshCooldown,
		MaxRetries:   options.MaxRetries,
		RetryDelays:  options.RetryDelays,
	})
	if coordinatorErr != nil {
		return nil, fmt.Errorf("signinkit.new: %w", coordinatorErr)
	}

	monitor, monitorErr := NewStatusMonitor(MonitorConfig{
		Store:         store,
		Coordinator:   coordinator,
		Bus:           bus,
		Clock:         clock,
		Logger:        logger,
		Metrics:       metrics,
		PollInterval:  options.PollInterval,
		CheckCooldown: options.CheckCooldown,
	})
	if monitorErr != nil {
		return nil, fmt.Errorf("signinkit.new: %w", monitorErr)
	}
	// The monitor owns the signed-out dedup gate; exhaustion announcements
	// from the coordinator go through it rather than straight to the bus.
	coordinator.signedOutSink = monitor.AnnounceSignedOut

	session, sessionErr := NewIdentitySession(SessionConfig{
		Store:       store,
		API:         api,
		Coordinator: coordinator,
		Profiles:    profiles,
		Bus:         bus,
		Clock:       clock,
		Logger:      logger,
	})
	if sessionErr != nil {
		return nil, fmt.Errorf("signinkit.new: %w", sessionErr)
	}

	kit := &Kit{
		store:       store,
		bus:         bus,
		api:         api,
		profiles:    profiles,
		coordinator: coordinator,
		monitor:     monitor,
		session:     session,
		metrics:     metrics,
		logger:      logger,
		clock:       clock,
	}
	kit.cancelWatch = store.Watch(func(note ChangeNote) {
		if !isAuthKey(note.Key) {
			return
		}
		monitor.Notify(TriggerStorage)
	})
	return kit, nil
}

// Start launches the status monitor loop. It is idempotent, and a no-op on a
// closed Kit: Close tears down the coordinator and watchers for good, so a
// Kit is single-use.
func (kit *Kit) Start(ctx context.Context) {
	kit.mutex.Lock()
	defer kit.mutex.Unlock()
	if kit.closed || kit.runCancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	kit.runCancel = cancel
	kit.runDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		kit.monitor.Run(runCtx)
	}(kit.runDone)
}

// Close stops the monitor, cancels pending retries, and detaches watchers.
// The Kit cannot be restarted afterwards.
func (kit *Kit) Close() {
	kit.mutex.Lock()
	cancel := kit.runCancel
	done := kit.runDone
	kit.runCancel = nil
	kit.runDone = nil
	kit.closed = true
	kit.mutex.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	kit.coordinator.Close()
	if kit.profiles != nil {
		kit.profiles.Close()
	}
	if kit.cancelWatch != nil {
		kit.cancelWatch()
	}
}

// Status is a point-in-time view of the session.
type Status struct {
	Authenticated bool
	State         string
	Reason        string
	ExpiresAt     time.Time
	HasExpiry     bool
	Profile       Profile
}

// Status reports the current authentication status from persisted state.
func (kit *Kit) Status(ctx context.Context) (Status, error) {
	snapshot, snapshotErr := ReadTokenSnapshot(ctx, kit.store)
	if snapshotErr != nil {
		return Status{}, fmt.Errorf("signinkit.status: %w", snapshotErr)
	}
	now := kit.clock.Now()
	verdict := Classify(snapshot, now)

	status := Status{
		State:     kit.session.State().String(),
		Reason:    verdict.Reason,
		ExpiresAt: snapshot.ExpiresAt,
		HasExpiry: snapshot.HasExpiry,
	}
	status.Authenticated = snapshot.AccessToken != "" &&
		(!snapshot.HasExpiry || snapshot.ExpiresAt.After(now))

	if profile, profileErr := kit.loadProfile(ctx); profileErr == nil {
		status.Profile = profile
	}
	return status, nil
}

// Events exposes the kit's event bus.
func (kit *Kit) Events() *Bus {
	return kit.bus
}

// Session exposes the identity session.
func (kit *Kit) Session() *IdentitySession {
	return kit.session
}

// Coordinator exposes the refresh coordinator.
func (kit *Kit) Coordinator() *RefreshCoordinator {
	return kit.coordinator
}

// Monitor exposes the status monitor.
func (kit *Kit) Monitor() *StatusMonitor {
	return kit.monitor
}

// Store exposes the credential store.
func (kit *Kit) Store() CredentialStore {
	return kit.store
}

func (kit *Kit) loadProfile(ctx context.Context) (Profile, error) {
	if kit.profiles != nil {
		profile, cacheErr := kit.profiles.Load(ctx)
		if cacheErr == nil {
			return profile, nil
		}
		if !errors.Is(cacheErr, ErrProfileNotCached) {
			return Profile{}, cacheErr
		}
	}
	encoded, storeErr := kit.store.Get(ctx, KeyUserInfo)
	if storeErr != nil {
		return Profile{}, storeErr
	}
	return DecodeProfile(encoded)
}

func isAuthKey(key string) bool {
	switch key {
	case KeyAccessToken, KeyRefreshToken, KeyTokenExpiresAt, KeyCredential:
		return true
	default:
		return false
	}
}
