package signinkitpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mprlab/gsignin/pkg/signinkit"
)

const notificationChannel = "gsignin_credential_changes"

// changePayload travels over pg_notify. Origin lets a store skip the echo of
// its own writes; local watchers already got those synchronously.
type changePayload struct {
	Origin  string `json:"origin"`
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
}

// PostgresCredentialStore implements signinkit.CredentialStore on a pgx
// pool. Every write issues a NOTIFY so cooperating processes observe each
// other's mutations without polling.
type PostgresCredentialStore struct {
	pool       *pgxpool.Pool
	instanceID string
	logger     *zap.Logger

	mutex    sync.Mutex
	watchers map[uint64]signinkit.ChangeHandler
	nextID   uint64

	listenCancel context.CancelFunc
}

// NewPostgresCredentialStore constructs the store, ensures the schema, and
// starts the notification listener.
func NewPostgresCredentialStore(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgresCredentialStore, error) {
	if pool == nil {
		return nil, errors.New("credential_store.pg: pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("credential_store.pg.schema: %w", err)
	}
	store := &PostgresCredentialStore{
		pool:       pool,
		instanceID: uuid.NewString(),
		logger:     logger,
		watchers:   make(map[uint64]signinkit.ChangeHandler),
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	store.listenCancel = cancel
	go store.listenLoop(listenCtx)
	return store, nil
}

// Close stops the notification listener.
func (store *PostgresCredentialStore) Close() {
	if store.listenCancel != nil {
		store.listenCancel()
	}
}

// Get returns the value for key or signinkit.ErrKeyNotFound.
func (store *PostgresCredentialStore) Get(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", signinkit.ErrEmptyKey
	}
	var value string
	row := store.pool.QueryRow(ctx, `
SELECT entry_value FROM credential_entries WHERE entry_key = $1
`, key)
	if scanErr := row.Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", signinkit.ErrKeyNotFound
		}
		return "", fmt.Errorf("credential_store.pg.get: %w", scanErr)
	}
	return value, nil
}

// Set upserts one value.
func (store *PostgresCredentialStore) Set(ctx context.Context, key string, value string) error {
	return store.SetAll(ctx, map[string]string{key: value})
}

// SetAll upserts several keys in one transaction and notifies.
func (store *PostgresCredentialStore) SetAll(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	for key := range values {
		if key == "" {
			return signinkit.ErrEmptyKey
		}
	}
	nowUnix := time.Now().UTC().Unix()

	transaction, beginErr := store.pool.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("credential_store.pg.set: %w", beginErr)
	}
	defer func() { _ = transaction.Rollback(ctx) }()

	for key, value := range values {
		if _, execErr := transaction.Exec(ctx, `
INSERT INTO credential_entries (entry_key, entry_value, updated_at_unix)
VALUES ($1, $2, $3)
ON CONFLICT (entry_key) DO UPDATE SET entry_value = $2, updated_at_unix = $3
`, key, value, nowUnix); execErr != nil {
			return fmt.Errorf("credential_store.pg.set: %w", execErr)
		}
		if notifyErr := store.notifyChange(ctx, transaction, key, false); notifyErr != nil {
			return notifyErr
		}
	}
	if commitErr := transaction.Commit(ctx); commitErr != nil {
		return fmt.Errorf("credential_store.pg.set: %w", commitErr)
	}

	for key := range values {
		store.fanOut(signinkit.ChangeNote{Key: key})
	}
	return nil
}

// Delete removes the key if present.
func (store *PostgresCredentialStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return signinkit.ErrEmptyKey
	}
	transaction, beginErr := store.pool.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("credential_store.pg.delete: %w", beginErr)
	}
	defer func() { _ = transaction.Rollback(ctx) }()

	tag, execErr := transaction.Exec(ctx, `
DELETE FROM credential_entries WHERE entry_key = $1
`, key)
	if execErr != nil {
		return fmt.Errorf("credential_store.pg.delete: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return transaction.Commit(ctx)
	}
	if notifyErr := store.notifyChange(ctx, transaction, key, true); notifyErr != nil {
		return notifyErr
	}
	if commitErr := transaction.Commit(ctx); commitErr != nil {
		return fmt.Errorf("credential_store.pg.delete: %w", commitErr)
	}
	store.fanOut(signinkit.ChangeNote{Key: key, Deleted: true})
	return nil
}

// Clear removes every stored key.
func (store *PostgresCredentialStore) Clear(ctx context.Context) error {
	snapshot, snapshotErr := store.Snapshot(ctx)
	if snapshotErr != nil {
		return snapshotErr
	}
	for key := range snapshot {
		if err := store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a copy of all stored values.
func (store *PostgresCredentialStore) Snapshot(ctx context.Context) (map[string]string, error) {
	rows, queryErr := store.pool.Query(ctx, `
SELECT entry_key, entry_value FROM credential_entries
`)
	if queryErr != nil {
		return nil, fmt.Errorf("credential_store.pg.snapshot: %w", queryErr)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key string
		var value string
		if scanErr := rows.Scan(&key, &value); scanErr != nil {
			return nil, fmt.Errorf("credential_store.pg.snapshot: %w", scanErr)
		}
		values[key] = value
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("credential_store.pg.snapshot: %w", rowsErr)
	}
	return values, nil
}

// Watch registers a change handler and returns its cancel function.
func (store *PostgresCredentialStore) Watch(handler signinkit.ChangeHandler) func() {
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

func (store *PostgresCredentialStore) notifyChange(ctx context.Context, transaction pgx.Tx, key string, deleted bool) error {
	payload, encodeErr := json.Marshal(changePayload{
		Origin:  store.instanceID,
		Key:     key,
		Deleted: deleted,
	})
	if encodeErr != nil {
		return fmt.Errorf("credential_store.pg.notify: %w", encodeErr)
	}
	if _, execErr := transaction.Exec(ctx, `SELECT pg_notify($1, $2)`, notificationChannel, string(payload)); execErr != nil {
		return fmt.Errorf("credential_store.pg.notify: %w", execErr)
	}
	return nil
}

// listenLoop holds a dedicated connection on LISTEN and fans incoming
// notifications out to watchers. The connection is re-acquired after errors.
func (store *PostgresCredentialStore) listenLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if err := store.listenOnce(ctx); err != nil && ctx.Err() == nil {
			store.logger.Warn("credential change listener interrupted", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (store *PostgresCredentialStore) listenOnce(ctx context.Context) error {
	connection, acquireErr := store.pool.Acquire(ctx)
	if acquireErr != nil {
		return acquireErr
	}
	defer connection.Release()

	if _, listenErr := connection.Exec(ctx, `LISTEN `+notificationChannel); listenErr != nil {
		return listenErr
	}
	for {
		notification, waitErr := connection.Conn().WaitForNotification(ctx)
		if waitErr != nil {
			return waitErr
		}
		var payload changePayload
		if err := json.Unmarshal([]byte(notification.Payload), &payload); err != nil {
			store.logger.Warn("undecodable change notification", zap.Error(err))
			continue
		}
		if payload.Origin == store.instanceID {
			continue
		}
		store.fanOut(signinkit.ChangeNote{Key: payload.Key, Deleted: payload.Deleted})
	}
}

func (store *PostgresCredentialStore) fanOut(note signinkit.ChangeNote) {
	store.mutex.Lock()
	handlers := make([]signinkit.ChangeHandler, 0, len(store.watchers))
	for _, handler := range store.watchers {
		handlers = append(handlers, handler)
	}
	store.mutex.Unlock()
	for _, handler := range handlers {
		handler(note)
	}
}
