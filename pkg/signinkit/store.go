package signinkit

import (
	"context"
	"errors"
	"strconv"
	"time"
)

var (
	// ErrKeyNotFound indicates the requested key holds no value.
	ErrKeyNotFound = errors.New("credential_store.not_found")
	// ErrEmptyKey indicates a caller passed an empty key.
	ErrEmptyKey = errors.New("credential_store.empty_key")
)

// ChangeNote describes a single credential store mutation. Notes are the only
// cross-process synchronization primitive: every writer emits one so other
// holders of the store invalidate their in-memory snapshots promptly.
type ChangeNote struct {
	Key     string
	Deleted bool
}

// ChangeHandler consumes store change notes.
type ChangeHandler func(note ChangeNote)

// CredentialStore is the single source of truth for token and credential
// state. Implementations must treat every write as an atomic replace and must
// notify watchers on each mutation.
type CredentialStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	// SetAll replaces several keys in one atomic batch.
	SetAll(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, key string) error
	// Clear removes every key owned by this store.
	Clear(ctx context.Context) error
	Snapshot(ctx context.Context) (map[string]string, error)
	// Watch registers a change handler and returns a cancel function.
	Watch(handler ChangeHandler) func()
}

// TokenSnapshot is a short-lived read of the persisted token triple.
type TokenSnapshot struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	HasExpiry    bool
}

// ReadTokenSnapshot loads the access token, refresh token, and expiry from
// the store. Missing keys are not errors; they surface as zero fields.
func ReadTokenSnapshot(ctx context.Context, store CredentialStore) (TokenSnapshot, error) {
	var snapshot TokenSnapshot

	accessToken, accessErr := store.Get(ctx, KeyAccessToken)
	if accessErr != nil && !errors.Is(accessErr, ErrKeyNotFound) {
		return TokenSnapshot{}, accessErr
	}
	snapshot.AccessToken = accessToken

	refreshToken, refreshErr := store.Get(ctx, KeyRefreshToken)
	if refreshErr != nil && !errors.Is(refreshErr, ErrKeyNotFound) {
		return TokenSnapshot{}, refreshErr
	}
	snapshot.RefreshToken = refreshToken

	expiresAtText, expiryErr := store.Get(ctx, KeyTokenExpiresAt)
	if expiryErr != nil && !errors.Is(expiryErr, ErrKeyNotFound) {
		return TokenSnapshot{}, expiryErr
	}
	if expiresAtText != "" {
		expiresMillis, parseErr := strconv.ParseInt(expiresAtText, 10, 64)
		if parseErr == nil {
			snapshot.ExpiresAt = time.UnixMilli(expiresMillis).UTC()
			snapshot.HasExpiry = true
		}
	}
	return snapshot, nil
}

// FormatExpiry renders an absolute expiry as the epoch-millisecond string the
// store persists under KeyTokenExpiresAt.
func FormatExpiry(expiresAt time.Time) string {
	return strconv.FormatInt(expiresAt.UnixMilli(), 10)
}
