package signinkit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestFileStore(t *testing.T, path string) *FileCredentialStore {
	t.Helper()
	store, openErr := NewFileCredentialStore(path, zaptest.NewLogger(t))
	if openErr != nil {
		t.Fatalf("opening file store: %v", openErr)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := newTestFileStore(t, path)

	if err := store.SetAll(ctx, map[string]string{
		KeyAccessToken:  "access",
		KeyRefreshToken: "refresh",
	}); err != nil {
		t.Fatalf("setall failed: %v", err)
	}

	value, getErr := store.Get(ctx, KeyAccessToken)
	if getErr != nil || value != "access" {
		t.Fatalf("expected access token, got %q err %v", value, getErr)
	}

	if err := store.Delete(ctx, KeyAccessToken); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get(ctx, KeyAccessToken); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")

	first := newTestFileStore(t, path)
	if err := first.Set(ctx, KeyRefreshToken, "refresh-1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second, openErr := NewFileCredentialStore(path, zaptest.NewLogger(t))
	if openErr != nil {
		t.Fatalf("reopening store: %v", openErr)
	}
	defer func() { _ = second.Close() }()

	value, getErr := second.Get(ctx, KeyRefreshToken)
	if getErr != nil || value != "refresh-1" {
		t.Fatalf("expected persisted value after reopen, got %q err %v", value, getErr)
	}
}

func TestFileStoreNotifiesLocalWatchers(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := newTestFileStore(t, path)

	var notes []ChangeNote
	cancel := store.Watch(func(note ChangeNote) {
		notes = append(notes, note)
	})
	defer cancel()

	if err := store.Set(ctx, KeyAccessToken, "access"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Delete(ctx, KeyAccessToken); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if len(notes) != 2 || notes[0].Deleted || !notes[1].Deleted {
		t.Fatalf("unexpected notes %v", notes)
	}
}

func TestFileStoreObservesExternalWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")

	observer := newTestFileStore(t, path)
	changed := make(chan ChangeNote, 16)
	cancel := observer.Watch(func(note ChangeNote) {
		changed <- note
	})
	defer cancel()

	// A second store over the same file plays the role of another process.
	writer := newTestFileStore(t, path)
	if err := writer.Set(ctx, KeyAccessToken, "from-elsewhere"); err != nil {
		t.Fatalf("external set failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case note := <-changed:
			if note.Key == KeyAccessToken && !note.Deleted {
				value, getErr := observer.Get(ctx, KeyAccessToken)
				if getErr != nil || value != "from-elsewhere" {
					t.Fatalf("expected external value folded in, got %q err %v", value, getErr)
				}
				return
			}
		case <-deadline:
			t.Fatalf("external write never observed")
		}
	}
}

func TestFileStoreFailedPersistLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	directory := filepath.Join(t.TempDir(), "nested")
	path := filepath.Join(directory, "credentials.json")
	store := newTestFileStore(t, path)

	if err := store.Set(ctx, KeyAccessToken, "access"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	var notes []ChangeNote
	cancel := store.Watch(func(note ChangeNote) {
		notes = append(notes, note)
	})
	defer cancel()

	// Removing the directory makes the next document write fail, so the
	// mutation must not land in memory either.
	if err := os.RemoveAll(directory); err != nil {
		t.Fatalf("removing store directory: %v", err)
	}
	if err := store.Set(ctx, KeyRefreshToken, "refresh"); err == nil {
		t.Fatalf("expected the write to fail without its directory")
	}

	if _, getErr := store.Get(ctx, KeyRefreshToken); !errors.Is(getErr, ErrKeyNotFound) {
		t.Fatalf("failed persist must not change memory, got %v", getErr)
	}
	value, getErr := store.Get(ctx, KeyAccessToken)
	if getErr != nil || value != "access" {
		t.Fatalf("earlier value must survive, got %q err %v", value, getErr)
	}
	if len(notes) != 0 {
		t.Fatalf("failed persist must notify no watcher, got %v", notes)
	}
}

func TestFileStoreClear(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := newTestFileStore(t, path)

	if err := store.SetAll(ctx, map[string]string{
		KeyAccessToken:  "access",
		KeyRefreshToken: "refresh",
	}); err != nil {
		t.Fatalf("setall failed: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	snapshot, snapshotErr := store.Snapshot(ctx)
	if snapshotErr != nil || len(snapshot) != 0 {
		t.Fatalf("expected empty snapshot, got %v err %v", snapshot, snapshotErr)
	}
}
