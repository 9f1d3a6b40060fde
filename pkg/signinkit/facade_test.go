package signinkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestKit(t *testing.T, options Options) *Kit {
	t.Helper()
	if options.APIBaseURL == "" {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writer.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(writer).Encode(map[string]any{
				"success":      true,
				"access_token": "proxied-access",
				"expires_in":   3600,
			})
		}))
		t.Cleanup(server.Close)
		options.APIBaseURL = server.URL
	}
	if options.Logger == nil {
		options.Logger = zaptest.NewLogger(t)
	}
	kit, newErr := New(options)
	if newErr != nil {
		t.Fatalf("constructing kit: %v", newErr)
	}
	t.Cleanup(kit.Close)
	return kit
}

func TestKitRequiresAPIBaseURL(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected missing base URL to be rejected")
	}
}

func TestKitStatusAnonymous(t *testing.T) {
	kit := newTestKit(t, Options{})

	status, statusErr := kit.Status(context.Background())
	if statusErr != nil {
		t.Fatalf("status failed: %v", statusErr)
	}
	if status.Authenticated {
		t.Fatalf("empty store must report unauthenticated")
	}
	if status.Reason != ReasonNoAccessToken {
		t.Fatalf("expected no_access_token reason, got %q", status.Reason)
	}
}

func TestKitStatusAuthenticated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentialStore()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	kit := newTestKit(t, Options{Store: store, Clock: clock})

	expiresAt := clock.Now().Add(time.Hour)
	if err := store.SetAll(ctx, map[string]string{
		KeyAccessToken:    "access",
		KeyRefreshToken:   "refresh",
		KeyTokenExpiresAt: FormatExpiry(expiresAt),
		KeyUserInfo:       `{"name":"Ada","email":"ada@example.com"}`,
	}); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	status, statusErr := kit.Status(ctx)
	if statusErr != nil {
		t.Fatalf("status failed: %v", statusErr)
	}
	if !status.Authenticated || !status.HasExpiry || !status.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Profile.Name != "Ada" {
		t.Fatalf("expected profile from user info, got %+v", status.Profile)
	}
}

func TestKitStatusPrefersSealedProfileCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentialStore()
	kit := newTestKit(t, Options{Store: store, SealKey: testSealKey()})

	if err := kit.Session().profiles.Save(ctx, Profile{Name: "Cached", Email: "cached@example.com"}); err != nil {
		t.Fatalf("saving cached profile: %v", err)
	}
	if err := store.Set(ctx, KeyUserInfo, `{"name":"Stored"}`); err != nil {
		t.Fatalf("seeding user info: %v", err)
	}

	status, statusErr := kit.Status(ctx)
	if statusErr != nil {
		t.Fatalf("status failed: %v", statusErr)
	}
	if status.Profile.Name != "Cached" {
		t.Fatalf("expected the sealed cache to win, got %+v", status.Profile)
	}
}

func TestKitStartAndCloseIdempotent(t *testing.T) {
	kit := newTestKit(t, Options{PollInterval: time.Hour})

	ctx := context.Background()
	kit.Start(ctx)
	kit.Start(ctx)
	kit.Close()
	kit.Close()
}

func TestKitStartAfterCloseIsNoOp(t *testing.T) {
	kit := newTestKit(t, Options{PollInterval: time.Hour})

	ctx := context.Background()
	kit.Start(ctx)
	kit.Close()
	kit.Start(ctx)

	kit.mutex.Lock()
	defer kit.mutex.Unlock()
	if kit.runCancel != nil {
		t.Fatalf("a closed kit must not relaunch its monitor")
	}
}

func TestKitExhaustionAnnouncesSignedOutOnce(t *testing.T) {
	ctx := context.Background()
	failing := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusServiceUnavailable)
		_, _ = writer.Write([]byte(`{"success":false,"error":"provider_unavailable"}`))
	}))
	t.Cleanup(failing.Close)

	store := NewMemoryCredentialStore()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	kit := newTestKit(t, Options{
		Store:        store,
		APIBaseURL:   failing.URL,
		Clock:        clock,
		MaxRetries:   1,
		PollInterval: time.Hour,
	})
	seedTokens(t, store, clock.Now().Add(90*time.Second))

	var mutex sync.Mutex
	var signedOut, signedIn int
	kit.Events().Subscribe(EventAuthStatusChanged, func(event Event) {
		mutex.Lock()
		defer mutex.Unlock()
		if authenticated, ok := event.Fields["authenticated"].(bool); ok && authenticated {
			signedIn++
		} else {
			signedOut++
		}
	})

	// The check first marks the session authenticated, then the critical
	// refresh exhausts inside the same call and clears the token keys.
	kit.Monitor().CheckNow(ctx, TriggerInitial)
	// The clears fan out storage triggers; the follow-up checks see the empty
	// store and must not announce the transition again.
	kit.Monitor().CheckNow(ctx, TriggerStorage)
	kit.Monitor().CheckNow(ctx, TriggerStorage)

	mutex.Lock()
	defer mutex.Unlock()
	if signedIn != 1 {
		t.Fatalf("expected one authenticated announcement, got %d", signedIn)
	}
	if signedOut != 1 {
		t.Fatalf("expected exactly one signed-out announcement, got %d", signedOut)
	}
}

func TestKitStoreChangesReachMonitor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentialStore()
	kit := newTestKit(t, Options{Store: store, PollInterval: time.Hour})

	statusChanges := make(chan bool, 16)
	kit.Events().Subscribe(EventAuthStatusChanged, func(event Event) {
		if authenticated, ok := event.Fields["authenticated"].(bool); ok {
			statusChanges <- authenticated
		}
	})

	kit.Start(ctx)
	// The initial check of an empty store announces signed-out.
	select {
	case authenticated := <-statusChanges:
		if authenticated {
			t.Fatalf("expected the initial check to report signed-out")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("initial check never ran")
	}

	// A mutation of an auth key from any holder of the store must wake the
	// monitor without waiting for the hour-long poll.
	if err := store.SetAll(ctx, map[string]string{
		KeyAccessToken:    "access",
		KeyRefreshToken:   "refresh",
		KeyTokenExpiresAt: FormatExpiry(time.Now().Add(time.Hour)),
	}); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	select {
	case authenticated := <-statusChanges:
		if !authenticated {
			t.Fatalf("expected the storage trigger to report authenticated")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("store change never reached the monitor")
	}
}
