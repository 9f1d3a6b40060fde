package signinkit

import (
	"context"
	"sync"
)

// MemoryCredentialStore is an in-memory store intended for tests and
// single-process embedding.
type MemoryCredentialStore struct {
	mutex    sync.Mutex
	values   map[string]string
	watchers map[uint64]ChangeHandler
	nextID   uint64
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		values:   make(map[string]string),
		watchers: make(map[uint64]ChangeHandler),
	}
}

// Get returns the value for key or ErrKeyNotFound.
func (store *MemoryCredentialStore) Get(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, ok := store.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return value, nil
}

// Set stores the value and notifies watchers.
func (store *MemoryCredentialStore) Set(ctx context.Context, key string, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	store.mutex.Lock()
	store.values[key] = value
	handlers := store.watcherListLocked()
	store.mutex.Unlock()

	store.notify(handlers, ChangeNote{Key: key})
	return nil
}

// SetAll replaces several keys in one batch, then notifies watchers per key.
func (store *MemoryCredentialStore) SetAll(ctx context.Context, values map[string]string) error {
	for key := range values {
		if key == "" {
			return ErrEmptyKey
		}
	}
	store.mutex.Lock()
	keys := make([]string, 0, len(values))
	for key, value := range values {
		store.values[key] = value
		keys = append(keys, key)
	}
	handlers := store.watcherListLocked()
	store.mutex.Unlock()

	for _, key := range keys {
		store.notify(handlers, ChangeNote{Key: key})
	}
	return nil
}

// Delete removes the key and notifies watchers. Deleting a missing key is a
// no-op.
func (store *MemoryCredentialStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	store.mutex.Lock()
	_, existed := store.values[key]
	delete(store.values, key)
	handlers := store.watcherListLocked()
	store.mutex.Unlock()

	if existed {
		store.notify(handlers, ChangeNote{Key: key, Deleted: true})
	}
	return nil
}

// Clear removes every stored key.
func (store *MemoryCredentialStore) Clear(ctx context.Context) error {
	store.mutex.Lock()
	keys := make([]string, 0, len(store.values))
	for key := range store.values {
		keys = append(keys, key)
	}
	store.values = make(map[string]string)
	handlers := store.watcherListLocked()
	store.mutex.Unlock()

	for _, key := range keys {
		store.notify(handlers, ChangeNote{Key: key, Deleted: true})
	}
	return nil
}

// Snapshot returns a copy of all stored values.
func (store *MemoryCredentialStore) Snapshot(ctx context.Context) (map[string]string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	clone := make(map[string]string, len(store.values))
	for key, value := range store.values {
		clone[key] = value
	}
	return clone, nil
}

// Watch registers a change handler and returns its cancel function.
func (store *MemoryCredentialStore) Watch(handler ChangeHandler) func() {
	if handler == nil {
		return func() {}
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.nextID++
	watcherID := store.nextID
	store.watchers[watcherID] = handler
	return func() {
		store.mutex.Lock()
		defer store.mutex.Unlock()
		delete(store.watchers, watcherID)
	}
}

func (store *MemoryCredentialStore) watcherListLocked() []ChangeHandler {
	handlers := make([]ChangeHandler, 0, len(store.watchers))
	for _, handler := range store.watchers {
		handlers = append(handlers, handler)
	}
	return handlers
}

func (store *MemoryCredentialStore) notify(handlers []ChangeHandler, note ChangeNote) {
	for _, handler := range handlers {
		handler(note)
	}
}
