package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or has expired.
	ErrNotFound = errors.New("kv: key not found")

	// ErrInvalidKey is returned when a key is empty.
	ErrInvalidKey = errors.New("kv: invalid key")
)

// Store is the shared, eventually-consistent key-value store every component
// coordinates through. InsertIfAbsent is the only atomic primitive; all other
// read-modify-write sequences are best effort and callers must hold a lock from
// the lock package when they need exclusion.
type Store interface {
	// Get returns the value stored at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. A zero ttl means the value never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// InsertIfAbsent stores value only when key is absent or expired and
	// reports whether the write happened.
	InsertIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Closer is implemented by stores that hold connections or file handles.
type Closer interface {
	Close() error
}

// Close releases the store's resources when it implements Closer.
func Close(s Store) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}
