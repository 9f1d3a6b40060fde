package signinkit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Trigger identifies why a freshness check runs.
type Trigger int

// Trigger sources, mirroring the externally observable signals a hosting
// application can forward: becoming visible, regaining focus, the network
// coming back, or another process mutating the shared store.
const (
	TriggerInitial Trigger = iota
	TriggerPoll
	TriggerVisible
	TriggerFocus
	TriggerOnline
	TriggerStorage
	TriggerManual
)

// String renders the trigger for logs.
func (trigger Trigger) String() string {
	switch trigger {
	case TriggerInitial:
		return "initial"
	case TriggerPoll:
		return "poll"
	case TriggerVisible:
		return "visible"
	case TriggerFocus:
		return "focus"
	case TriggerOnline:
		return "online"
	case TriggerStorage:
		return "storage"
	default:
		return "manual"
	}
}

type refreshInvoker interface {
	Refresh(ctx context.Context, urgency Urgency) error
}

// MonitorConfig wires a StatusMonitor.
type MonitorConfig struct {
	Store         CredentialStore
	Coordinator   refreshInvoker
	Bus           *Bus
	Clock         Clock
	Logger        *zap.Logger
	Metrics       MetricsRecorder
	PollInterval  time.Duration
	CheckCooldown time.Duration
}

// StatusMonitor decides when to classify stored token state and reacts to the
// verdict: it either asks the coordinator to refresh or declares the session
// dead.
type StatusMonitor struct {
	store         CredentialStore
	coordinator   refreshInvoker
	bus           *Bus
	clock         Clock
	logger        *zap.Logger
	metrics       MetricsRecorder
	pollInterval  time.Duration
	checkCooldown time.Duration

	triggers chan Trigger

	mutex         sync.Mutex
	checking      bool
	lastCheckAt   time.Time
	authenticated *bool
}

// NewStatusMonitor constructs a monitor. Store and Coordinator are required.
func NewStatusMonitor(configuration MonitorConfig) (*StatusMonitor, error) {
	if configuration.Store == nil {
		return nil, errors.New("monitor.new: credential store is required")
	}
	if configuration.Coordinator == nil {
		return nil, errors.New("monitor.new: refresh coordinator is required")
	}
	monitor := &StatusMonitor{
		store:         configuration.Store,
		coordinator:   configuration.Coordinator,
		bus:           configuration.Bus,
		clock:         configuration.Clock,
		logger:        configuration.Logger,
		metrics:       configuration.Metrics,
		pollInterval:  configuration.PollInterval,
		checkCooldown: configuration.CheckCooldown,
		triggers:      make(chan Trigger, 8),
	}
	if monitor.clock == nil {
		monitor.clock = NewSystemClock()
	}
	if monitor.logger == nil {
		monitor.logger = zap.NewNop()
	}
	if monitor.metrics == nil {
		monitor.metrics = noopMetrics{}
	}
	if monitor.pollInterval <= 0 {
		monitor.pollInterval = StatusPollInterval
	}
	if monitor.checkCooldown <= 0 {
		monitor.checkCooldown = StatusCheckCooldown
	}
	return monitor, nil
}

// Notify queues a trigger without blocking. Triggers arriving faster than
// they can be processed are dropped; the periodic poll catches up.
func (monitor *StatusMonitor) Notify(trigger Trigger) {
	select {
	case monitor.triggers <- trigger:
	default:
		monitor.metrics.Increment("monitor.trigger_dropped")
	}
}

// Run drives the check loop until ctx is done. It performs an initial check,
// then reacts to the poll ticker and queued triggers.
func (monitor *StatusMonitor) Run(ctx context.Context) {
	monitor.check(ctx, TriggerInitial)

	ticker := time.NewTicker(monitor.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			monitor.check(ctx, TriggerPoll)
		case trigger := <-monitor.triggers:
			monitor.check(ctx, trigger)
		}
	}
}

// CheckNow runs a single check synchronously.
func (monitor *StatusMonitor) CheckNow(ctx context.Context, trigger Trigger) {
	monitor.check(ctx, trigger)
}

func (monitor *StatusMonitor) check(ctx context.Context, trigger Trigger) {
	monitor.mutex.Lock()
	if monitor.checking {
		monitor.mutex.Unlock()
		return
	}
	now := monitor.clock.Now()
	// Storage triggers bypass the cooldown so a sign-out in another process
	// propagates within one cycle.
	if trigger != TriggerInitial && trigger != TriggerStorage && trigger != TriggerManual &&
		!monitor.lastCheckAt.IsZero() && now.Sub(monitor.lastCheckAt) < monitor.checkCooldown {
		monitor.mutex.Unlock()
		return
	}
	monitor.checking = true
	monitor.lastCheckAt = now
	monitor.mutex.Unlock()

	defer func() {
		monitor.mutex.Lock()
		monitor.checking = false
		monitor.mutex.Unlock()
	}()

	monitor.metrics.Increment("monitor.check")

	snapshot, snapshotErr := ReadTokenSnapshot(ctx, monitor.store)
	if snapshotErr != nil {
		monitor.logger.Warn("status check snapshot failed",
			zap.String("trigger", trigger.String()),
			zap.Error(snapshotErr))
		return
	}

	verdict := Classify(snapshot, monitor.clock.Now())
	monitor.logger.Debug("status check",
		zap.String("trigger", trigger.String()),
		zap.String("reason", verdict.Reason),
		zap.String("urgency", verdict.Urgency.String()),
		zap.Bool("should_refresh", verdict.ShouldRefresh))

	switch {
	case verdict.ShouldRefresh:
		monitor.markAuthenticated(true, verdict.Reason)
		refreshErr := monitor.coordinator.Refresh(ctx, verdict.Urgency)
		if refreshErr != nil &&
			!errors.Is(refreshErr, ErrRefreshInFlight) &&
			!errors.Is(refreshErr, ErrRefreshCooldown) {
			monitor.logger.Warn("triggered refresh failed",
				zap.String("trigger", trigger.String()),
				zap.Error(refreshErr))
		}
	case verdict.Reason == ReasonNoAccessToken:
		monitor.declareSignedOut(ctx, verdict.Reason, false)
	case verdict.Reason == ReasonNoRefreshToken && snapshot.HasExpiry && !snapshot.ExpiresAt.After(monitor.clock.Now()):
		// Expired with no way to extend the session: terminal.
		monitor.declareSignedOut(ctx, ReasonExpired, true)
	default:
		monitor.markAuthenticated(true, verdict.Reason)
	}
}

// declareSignedOut clears local token state and announces the transition
// exactly once per authenticated period.
func (monitor *StatusMonitor) declareSignedOut(ctx context.Context, reason string, expired bool) {
	if expired {
		for _, key := range []string{KeyAccessToken, KeyTokenExpiresAt, KeyCredential, KeyUserInfo} {
			if err := monitor.store.Delete(ctx, key); err != nil {
				monitor.logger.Warn("clearing expired session key failed",
					zap.String("key", key),
					zap.Error(err))
			}
		}
		if monitor.transitionAuthenticated(false) {
			monitor.bus.Publish(EventCredentialExpired, map[string]any{"reason": reason})
			monitor.bus.Publish(EventAuthStatusChanged, map[string]any{
				"authenticated": false,
				"reason":        reason,
			})
		}
		return
	}
	if monitor.transitionAuthenticated(false) {
		monitor.bus.Publish(EventAuthStatusChanged, map[string]any{
			"authenticated": false,
			"reason":        reason,
		})
	}
}

// AnnounceSignedOut publishes the signed-out transition through the monitor's
// dedup gate. External announcers (the refresh coordinator on exhaustion) go
// through here so the transition fires exactly once per authenticated period
// no matter which side observes it first.
func (monitor *StatusMonitor) AnnounceSignedOut(reason string) {
	if monitor.transitionAuthenticated(false) {
		monitor.bus.Publish(EventAuthStatusChanged, map[string]any{
			"authenticated": false,
			"reason":        reason,
		})
	}
}

func (monitor *StatusMonitor) markAuthenticated(authenticated bool, reason string) {
	if monitor.transitionAuthenticated(authenticated) && authenticated {
		monitor.bus.Publish(EventAuthStatusChanged, map[string]any{
			"authenticated": true,
			"reason":        reason,
		})
	}
}

// transitionAuthenticated records the new flag and reports whether it
// actually changed.
func (monitor *StatusMonitor) transitionAuthenticated(authenticated bool) bool {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	if monitor.authenticated != nil && *monitor.authenticated == authenticated {
		return false
	}
	monitor.authenticated = &authenticated
	return true
}
