package signinkit

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrSealKeySize indicates the cache key is not chacha20poly1305.KeySize bytes.
	ErrSealKeySize = errors.New("profile_cache.bad_key_size")
	// ErrProfileNotCached indicates no profile is stored.
	ErrProfileNotCached = errors.New("profile_cache.not_found")
	// ErrSealedRecordCorrupt indicates the sealed record failed to open.
	ErrSealedRecordCorrupt = errors.New("profile_cache.corrupt")
)

// publicProfileRecord is the subset safe to persist in the clear.
type publicProfileRecord struct {
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// ProfileCache persists the user profile split into a public record and a
// sealed record. The sealed record is encrypted with an XChaCha20-Poly1305
// AEAD under a caller-supplied key; the cache is an availability convenience,
// so corrupt or unopenable records are treated as absent rather than fatal.
type ProfileCache struct {
	store  CredentialStore
	aead   cipher.AEAD
	bus    *Bus
	mutex  sync.Mutex
	memo   *Profile
	cancel func()
}

// NewProfileCache builds a cache over the given store. sealKey must be
// exactly chacha20poly1305.KeySize (32) bytes.
func NewProfileCache(store CredentialStore, sealKey []byte, bus *Bus) (*ProfileCache, error) {
	if len(sealKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("profile_cache.new: %w", ErrSealKeySize)
	}
	aead, aeadErr := chacha20poly1305.NewX(sealKey)
	if aeadErr != nil {
		return nil, fmt.Errorf("profile_cache.new: %w", aeadErr)
	}
	cache := &ProfileCache{
		store: store,
		aead:  aead,
		bus:   bus,
	}
	cache.cancel = store.Watch(func(note ChangeNote) {
		if note.Key != keyProfilePublic && note.Key != keyProfileSealed {
			return
		}
		cache.mutex.Lock()
		cache.memo = nil
		cache.mutex.Unlock()
	})
	return cache, nil
}

// Close detaches the cache from store change notifications.
func (cache *ProfileCache) Close() {
	if cache.cancel != nil {
		cache.cancel()
	}
}

// Save persists the profile and emits user-data-saved.
func (cache *ProfileCache) Save(ctx context.Context, profile Profile) error {
	publicEncoded, publicErr := json.Marshal(publicProfileRecord{
		Name:    profile.Name,
		Picture: profile.Picture,
	})
	if publicErr != nil {
		return fmt.Errorf("profile_cache.save: %w", publicErr)
	}
	sealed, sealErr := cache.seal(profile)
	if sealErr != nil {
		return fmt.Errorf("profile_cache.save: %w", sealErr)
	}
	if err := cache.store.SetAll(ctx, map[string]string{
		keyProfilePublic: string(publicEncoded),
		keyProfileSealed: sealed,
	}); err != nil {
		return fmt.Errorf("profile_cache.save: %w", err)
	}

	cache.mutex.Lock()
	memo := profile
	cache.memo = &memo
	cache.mutex.Unlock()

	cache.bus.Publish(EventUserDataSaved, map[string]any{
		"name":  profile.Name,
		"email": profile.Email,
	})
	return nil
}

// Load returns the cached profile, preferring the in-memory memo and falling
// back to the sealed record, then the public record.
func (cache *ProfileCache) Load(ctx context.Context) (Profile, error) {
	cache.mutex.Lock()
	if cache.memo != nil {
		memo := *cache.memo
		cache.mutex.Unlock()
		return memo, nil
	}
	cache.mutex.Unlock()

	sealed, sealedErr := cache.store.Get(ctx, keyProfileSealed)
	if sealedErr == nil {
		profile, openErr := cache.open(sealed)
		if openErr == nil {
			cache.mutex.Lock()
			memo := profile
			cache.memo = &memo
			cache.mutex.Unlock()
			return profile, nil
		}
	} else if !errors.Is(sealedErr, ErrKeyNotFound) {
		return Profile{}, fmt.Errorf("profile_cache.load: %w", sealedErr)
	}

	publicEncoded, publicErr := cache.store.Get(ctx, keyProfilePublic)
	if publicErr != nil {
		if errors.Is(publicErr, ErrKeyNotFound) {
			return Profile{}, ErrProfileNotCached
		}
		return Profile{}, fmt.Errorf("profile_cache.load: %w", publicErr)
	}
	var record publicProfileRecord
	if err := json.Unmarshal([]byte(publicEncoded), &record); err != nil {
		return Profile{}, ErrProfileNotCached
	}
	return Profile{Name: record.Name, Picture: record.Picture}, nil
}

// Clear removes both records and emits user-data-cleared.
func (cache *ProfileCache) Clear(ctx context.Context) error {
	if err := cache.store.Delete(ctx, keyProfilePublic); err != nil {
		return fmt.Errorf("profile_cache.clear: %w", err)
	}
	if err := cache.store.Delete(ctx, keyProfileSealed); err != nil {
		return fmt.Errorf("profile_cache.clear: %w", err)
	}
	cache.mutex.Lock()
	cache.memo = nil
	cache.mutex.Unlock()

	cache.bus.Publish(EventUserDataCleared, nil)
	return nil
}

func (cache *ProfileCache) seal(profile Profile) (string, error) {
	plaintext, encodeErr := json.Marshal(profile)
	if encodeErr != nil {
		return "", encodeErr
	}
	nonce := make([]byte, cache.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := cache.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (cache *ProfileCache) open(encoded string) (Profile, error) {
	sealed, decodeErr := base64.RawURLEncoding.DecodeString(encoded)
	if decodeErr != nil {
		return Profile{}, ErrSealedRecordCorrupt
	}
	nonceSize := cache.aead.NonceSize()
	if len(sealed) < nonceSize {
		return Profile{}, ErrSealedRecordCorrupt
	}
	plaintext, openErr := cache.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if openErr != nil {
		return Profile{}, ErrSealedRecordCorrupt
	}
	var profile Profile
	if err := json.Unmarshal(plaintext, &profile); err != nil {
		return Profile{}, ErrSealedRecordCorrupt
	}
	return profile, nil
}
