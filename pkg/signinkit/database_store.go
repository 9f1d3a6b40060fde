package signinkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for
	// the scheme.
	ErrUnsupportedDialect = errors.New("credential_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("credential_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("credential_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credential_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credential_store.unsupported_no_scheme")
)

type credentialEntry struct {
	EntryKey      string `gorm:"column:entry_key;primaryKey"`
	EntryValue    string `gorm:"column:entry_value;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (credentialEntry) TableName() string {
	return "credential_entries"
}

// DatabaseCredentialStore persists credentials using GORM, so sessions
// survive process restarts and can be shared by cooperating processes.
// External changes are observed by polling the table and diffing, since
// plain SQL offers no push notification; the interval trades freshness for
// load.
type DatabaseCredentialStore struct {
	db          *gorm.DB
	driverLabel string
	logger      *zap.Logger

	mutex    sync.Mutex
	watchers map[uint64]ChangeHandler
	nextID   uint64
	seen     map[string]int64

	pollCancel context.CancelFunc
}

// NewDatabaseCredentialStore constructs a GORM-backed store. A positive
// pollInterval starts the external-change poller.
func NewDatabaseCredentialStore(ctx context.Context, databaseURL string, pollInterval time.Duration, zapLogger *zap.Logger) (*DatabaseCredentialStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("credential_store.open: %w", errEmptyDatabaseURL)
	}
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}
	dialector, driverLabel, dialectErr := resolveDialector(databaseURL)
	if dialectErr != nil {
		return nil, dialectErr
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("credential_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&credentialEntry{}); migrateErr != nil {
		return nil, fmt.Errorf("credential_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	store := &DatabaseCredentialStore{
		db:          gormDB,
		driverLabel: driverLabel,
		logger:      zapLogger,
		watchers:    make(map[uint64]ChangeHandler),
		seen:        make(map[string]int64),
	}
	if pollInterval > 0 {
		pollCtx, cancel := context.WithCancel(context.Background())
		store.pollCancel = cancel
		go store.pollLoop(pollCtx, pollInterval)
	}
	return store, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseCredentialStore) Driver() string {
	return store.driverLabel
}

// Close stops the external-change poller.
func (store *DatabaseCredentialStore) Close() {
	if store.pollCancel != nil {
		store.pollCancel()
	}
}

// Get returns the value for key or ErrKeyNotFound.
func (store *DatabaseCredentialStore) Get(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	var entry credentialEntry
	err := store.db.WithContext(ctx).Where("entry_key = ?", key).Take(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("credential_store.get.%s: %w", store.driverLabel, err)
	}
	return entry.EntryValue, nil
}

// Set upserts the value and notifies watchers.
func (store *DatabaseCredentialStore) Set(ctx context.Context, key string, value string) error {
	return store.SetAll(ctx, map[string]string{key: value})
}

// SetAll upserts several keys in one transaction.
func (store *DatabaseCredentialStore) SetAll(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	nowUnix := time.Now().UTC().Unix()
	entries := make([]credentialEntry, 0, len(values))
	for key, value := range values {
		if key == "" {
			return ErrEmptyKey
		}
		entries = append(entries, credentialEntry{
			EntryKey:      key,
			EntryValue:    value,
			UpdatedAtUnix: nowUnix,
		})
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at_unix"}),
	}).Create(&entries).Error
	if err != nil {
		return fmt.Errorf("credential_store.set.%s: %w", store.driverLabel, err)
	}

	store.mutex.Lock()
	for _, entry := range entries {
		store.seen[entry.EntryKey] = entry.UpdatedAtUnix
	}
	handlers := store.watcherListLocked()
	store.mutex.Unlock()
	for _, entry := range entries {
		store.notify(handlers, ChangeNote{Key: entry.EntryKey})
	}
	return nil
}

// Delete removes the key if present.
func (store *DatabaseCredentialStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	result := store.db.WithContext(ctx).Where("entry_key = ?", key).Delete(&credentialEntry{})
	if result.Error != nil {
		return fmt.Errorf("credential_store.delete.%s: %w", store.driverLabel, result.Error)
	}
	store.mutex.Lock()
	delete(store.seen, key)
	handlers := store.watcherListLocked()
	store.mutex.Unlock()
	if result.RowsAffected > 0 {
		store.notify(handlers, ChangeNote{Key: key, Deleted: true})
	}
	return nil
}

// Clear removes every stored key.
func (store *DatabaseCredentialStore) Clear(ctx context.Context) error {
	snapshot, snapshotErr := store.Snapshot(ctx)
	if snapshotErr != nil {
		return snapshotErr
	}
	if err := store.db.WithContext(ctx).Where("1 = 1").Delete(&credentialEntry{}).Error; err != nil {
		return fmt.Errorf("credential_store.clear.%s: %w", store.driverLabel, err)
	}
	store.mutex.Lock()
	store.seen = make(map[string]int64)
	handlers := store.watcherListLocked()
	store.mutex.Unlock()
	for key := range snapshot {
		store.notify(handlers, ChangeNote{Key: key, Deleted: true})
	}
	return nil
}

// Snapshot returns a copy of all stored values.
func (store *DatabaseCredentialStore) Snapshot(ctx context.Context) (map[string]string, error) {
	var entries []credentialEntry
	if err := store.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("credential_store.snapshot.%s: %w", store.driverLabel, err)
	}
	values := make(map[string]string, len(entries))
	for _, entry := range entries {
		values[entry.EntryKey] = entry.EntryValue
	}
	return values, nil
}

// Watch registers a change handler and returns its cancel function.
func (store *DatabaseCredentialStore) Watch(handler ChangeHandler) func() {
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

func (store *DatabaseCredentialStore) pollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.pollOnce(ctx)
		}
	}
}

// pollOnce diffs the table against the last observed state and notifies
// watchers of external changes.
func (store *DatabaseCredentialStore) pollOnce(ctx context.Context) {
	var entries []credentialEntry
	if err := store.db.WithContext(ctx).Find(&entries).Error; err != nil {
		store.logger.Warn("credential store poll failed",
			zap.String("driver", store.driverLabel),
			zap.Error(err))
		return
	}

	store.mutex.Lock()
	current := make(map[string]int64, len(entries))
	var notes []ChangeNote
	for _, entry := range entries {
		current[entry.EntryKey] = entry.UpdatedAtUnix
		if previous, known := store.seen[entry.EntryKey]; !known || previous != entry.UpdatedAtUnix {
			notes = append(notes, ChangeNote{Key: entry.EntryKey})
		}
	}
	for key := range store.seen {
		if _, stillPresent := current[key]; !stillPresent {
			notes = append(notes, ChangeNote{Key: key, Deleted: true})
		}
	}
	store.seen = current
	handlers := store.watcherListLocked()
	store.mutex.Unlock()

	for _, note := range notes {
		store.notify(handlers, note)
	}
}

func (store *DatabaseCredentialStore) watcherListLocked() []ChangeHandler {
	handlers := make([]ChangeHandler, 0, len(store.watchers))
	for _, handler := range store.watchers {
		handlers = append(handlers, handler)
	}
	return handlers
}

func (store *DatabaseCredentialStore) notify(handlers []ChangeHandler, note ChangeNote) {
	for _, handler := range handlers {
		handler(note)
	}
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credential_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credential_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credential_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credential_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
