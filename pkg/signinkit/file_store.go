package signinkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// fileDocument is the on-disk shape of a FileCredentialStore. The revision
// distinguishes our own writes from those of other processes when the
// filesystem watcher fires.
type fileDocument struct {
	Revision string            `json:"revision"`
	Values   map[string]string `json:"values"`
}

// FileCredentialStore persists credentials in a single JSON document and
// watches it with fsnotify, so several processes sharing the file observe
// each other's writes. This is the cross-process analogue of same-origin
// storage change notifications.
type FileCredentialStore struct {
	path   string
	logger *zap.Logger

	mutex    sync.Mutex
	values   map[string]string
	revision string
	watchers map[uint64]ChangeHandler
	nextID   uint64

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewFileCredentialStore opens (or creates) the store at path and starts
// watching it for external writes.
func NewFileCredentialStore(path string, logger *zap.Logger) (*FileCredentialStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return nil, fmt.Errorf("file_store.open: %w", err)
	}

	store := &FileCredentialStore{
		path:     path,
		logger:   logger,
		values:   make(map[string]string),
		watchers: make(map[uint64]ChangeHandler),
		done:     make(chan struct{}),
	}
	if document, loadErr := readFileDocument(path); loadErr == nil {
		store.values = document.Values
		store.revision = document.Revision
	} else if !errors.Is(loadErr, os.ErrNotExist) {
		return nil, fmt.Errorf("file_store.open: %w", loadErr)
	}

	fsWatcher, watcherErr := fsnotify.NewWatcher()
	if watcherErr != nil {
		return nil, fmt.Errorf("file_store.open: %w", watcherErr)
	}
	// Watch the directory, not the file: atomic rename-into-place replaces
	// the inode a file watch would be pinned to.
	if err := fsWatcher.Add(directory); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("file_store.open: %w", err)
	}
	store.fsWatcher = fsWatcher
	go store.watchLoop()
	return store, nil
}

// Close stops the filesystem watcher.
func (store *FileCredentialStore) Close() error {
	close(store.done)
	return store.fsWatcher.Close()
}

// Get returns the value for key or ErrKeyNotFound.
func (store *FileCredentialStore) Get(ctx context.Context, key string) (string, error) {
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

// Set stores one value and persists the document.
func (store *FileCredentialStore) Set(ctx context.Context, key string, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return store.mutate(func(values map[string]string) []ChangeNote {
		values[key] = value
		return []ChangeNote{{Key: key}}
	})
}

// SetAll replaces several keys in one document write.
func (store *FileCredentialStore) SetAll(ctx context.Context, updates map[string]string) error {
	for key := range updates {
		if key == "" {
			return ErrEmptyKey
		}
	}
	return store.mutate(func(values map[string]string) []ChangeNote {
		notes := make([]ChangeNote, 0, len(updates))
		for key, value := range updates {
			values[key] = value
			notes = append(notes, ChangeNote{Key: key})
		}
		return notes
	})
}

// Delete removes the key if present.
func (store *FileCredentialStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return store.mutate(func(values map[string]string) []ChangeNote {
		if _, existed := values[key]; !existed {
			return nil
		}
		delete(values, key)
		return []ChangeNote{{Key: key, Deleted: true}}
	})
}

// Clear removes every stored key.
func (store *FileCredentialStore) Clear(ctx context.Context) error {
	return store.mutate(func(values map[string]string) []ChangeNote {
		notes := make([]ChangeNote, 0, len(values))
		for key := range values {
			notes = append(notes, ChangeNote{Key: key, Deleted: true})
			delete(values, key)
		}
		return notes
	})
}

// Snapshot returns a copy of all stored values.
func (store *FileCredentialStore) Snapshot(ctx context.Context) (map[string]string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	clone := make(map[string]string, len(store.values))
	for key, value := range store.values {
		clone[key] = value
	}
	return clone, nil
}

// Watch registers a change handler and returns its cancel function.
func (store *FileCredentialStore) Watch(handler ChangeHandler) func() {
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

// mutate applies the change to a copy and only swaps it in after the document
// hits disk. A failed persist leaves memory matching the file and notifies no
// watcher.
func (store *FileCredentialStore) mutate(apply func(values map[string]string) []ChangeNote) error {
	store.mutex.Lock()
	updated := make(map[string]string, len(store.values))
	for key, value := range store.values {
		updated[key] = value
	}
	notes := apply(updated)
	if len(notes) == 0 {
		store.mutex.Unlock()
		return nil
	}
	revision := uuid.NewString()
	if persistErr := store.persist(revision, updated); persistErr != nil {
		store.mutex.Unlock()
		return persistErr
	}
	store.values = updated
	store.revision = revision
	handlers := store.watcherListLocked()
	store.mutex.Unlock()

	for _, note := range notes {
		for _, handler := range handlers {
			handler(note)
		}
	}
	return nil
}

func (store *FileCredentialStore) persist(revision string, values map[string]string) error {
	document := fileDocument{Revision: revision, Values: values}
	encoded, encodeErr := json.MarshalIndent(document, "", "  ")
	if encodeErr != nil {
		return fmt.Errorf("file_store.persist: %w", encodeErr)
	}
	temporaryPath := store.path + ".tmp"
	if err := os.WriteFile(temporaryPath, encoded, 0o600); err != nil {
		return fmt.Errorf("file_store.persist: %w", err)
	}
	if err := os.Rename(temporaryPath, store.path); err != nil {
		return fmt.Errorf("file_store.persist: %w", err)
	}
	return nil
}

func (store *FileCredentialStore) watchLoop() {
	for {
		select {
		case <-store.done:
			return
		case event, ok := <-store.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Name != store.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			store.reloadFromDisk()
		case watchErr, ok := <-store.fsWatcher.Errors:
			if !ok {
				return
			}
			store.logger.Warn("credential file watch error", zap.Error(watchErr))
		}
	}
}

// reloadFromDisk folds an external write into memory and notifies watchers of
// each changed key. Our own writes carry the current revision and are
// skipped.
func (store *FileCredentialStore) reloadFromDisk() {
	document, loadErr := readFileDocument(store.path)
	if loadErr != nil {
		if !errors.Is(loadErr, os.ErrNotExist) {
			store.logger.Warn("credential file reload failed", zap.Error(loadErr))
		}
		return
	}

	store.mutex.Lock()
	if document.Revision == store.revision {
		store.mutex.Unlock()
		return
	}
	var notes []ChangeNote
	for key := range store.values {
		if _, stillPresent := document.Values[key]; !stillPresent {
			notes = append(notes, ChangeNote{Key: key, Deleted: true})
		}
	}
	for key, value := range document.Values {
		if previous, existed := store.values[key]; !existed || previous != value {
			notes = append(notes, ChangeNote{Key: key})
		}
	}
	store.values = document.Values
	store.revision = document.Revision
	handlers := store.watcherListLocked()
	store.mutex.Unlock()

	for _, note := range notes {
		for _, handler := range handlers {
			handler(note)
		}
	}
}

func (store *FileCredentialStore) watcherListLocked() []ChangeHandler {
	handlers := make([]ChangeHandler, 0, len(store.watchers))
	for _, handler := range store.watchers {
		handlers = append(handlers, handler)
	}
	return handlers
}

func readFileDocument(path string) (fileDocument, error) {
	encoded, readErr := os.ReadFile(path)
	if readErr != nil {
		return fileDocument{}, readErr
	}
	var document fileDocument
	if err := json.Unmarshal(encoded, &document); err != nil {
		return fileDocument{}, fmt.Errorf("file_store.decode: %w", err)
	}
	if document.Values == nil {
		document.Values = make(map[string]string)
	}
	return document, nil
}
