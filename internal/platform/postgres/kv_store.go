package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/scry-batch/internal/kv"
	"github.com/phrazzld/scry-batch/internal/store"
)

// KVStore implements kv.Store on the kv_entries table. Expired rows are
// invisible to reads and are replaced by InsertIfAbsent; PurgeExpired
// deletes them.
type KVStore struct {
	db  store.DBTX
	now func() time.Time
}

var _ kv.Store = (*KVStore)(nil)

// NewKVStore creates a KVStore.
func NewKVStore(db store.DBTX) *KVStore {
	return &KVStore{db: db, now: time.Now}
}

// WithClock returns a copy of the store that reads time from now.
func (s *KVStore) WithClock(now func() time.Time) *KVStore {
	return &KVStore{db: s.db, now: now}
}

// Get returns the value at key.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, kv.ErrInvalidKey
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, s.now().UTC(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, MapError(err))
	}
	return value, nil
}

// Set stores value at key.
func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return kv.ErrInvalidKey
	}
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		key, value, expiresAt(now, ttl), now,
	)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, MapError(err))
	}
	return nil
}

// Delete removes key.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return kv.ErrInvalidKey
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, MapError(err))
	}
	return nil
}

// InsertIfAbsent inserts value, or replaces an expired row. The conflict
// clause runs under the row lock, so concurrent callers get one winner.
func (s *KVStore) InsertIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, kv.ErrInvalidKey
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= $4`,
		key, value, expiresAt(now, ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("kv insert %s: %w", key, MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv insert %s: %w", key, err)
	}
	return n == 1, nil
}

// PurgeExpired deletes expired rows and returns how many went.
func (s *KVStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("kv purge: %w", MapError(err))
	}
	return res.RowsAffected()
}

func expiresAt(now time.Time, ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: now.Add(ttl), Valid: true}
}
