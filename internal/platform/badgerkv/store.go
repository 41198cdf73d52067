// Package badgerkv is a kv.Store on an embedded Badger database, for
// single-node deployments that need state to survive restarts.
package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/phrazzld/scry-batch/internal/kv"
)

const (
	maxConflictRetries = 50
	conflictRetryDelay = time.Millisecond
)

// Store implements kv.Store with Badger transactions. Expiry uses Badger's
// native TTL, which has one-second resolution.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

var (
	_ kv.Store  = (*Store)(nil)
	_ kv.Closer = (*Store)(nil)
)

// Open opens or creates the database in dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	return open(badger.DefaultOptions(dir), logger)
}

// OpenInMemory opens a database that lives only in memory.
func OpenInMemory(logger *slog.Logger) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), logger)
}

func open(opts badger.Options, logger *slog.Logger) (*Store, error) {
	logger = logger.With("component", "badger")
	opts.Logger = badgerLogger{logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value at key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, kv.ErrInvalidKey
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return value, nil
}

// Set stores value at key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return kv.ErrInvalidKey
	}
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(entry(key, value, ttl))
	})
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return kv.ErrInvalidKey
	}
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// InsertIfAbsent writes value when key is absent. Badger's conflict
// detection aborts all but one of any concurrent inserts; the losers retry
// and then find the key present.
func (s *Store) InsertIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, kv.ErrInvalidKey
	}
	var inserted bool
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		inserted = false
		_, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.SetEntry(entry(key, value, ttl)); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func entry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// retryUpdate runs fn in a read-write transaction and retries on conflicts.
func (s *Store) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(conflictRetryDelay)
		}

		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("badger update: %w", err)
		}
		lastErr = err
	}
	s.logger.Warn("giving up after transaction conflicts", "attempts", maxConflictRetries)
	return fmt.Errorf("transaction conflict after %d retries: %w", maxConflictRetries, lastErr)
}

// RunGC reclaims value log space. Call it periodically on file-backed stores.
func (s *Store) RunGC() error {
	for {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("badger value log gc: %w", err)
		}
	}
}

// badgerLogger routes Badger's printf-style logging to slog. Badger is
// chatty at info level, so info goes to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
