package lock

import "errors"

var (
	// ErrNotAcquired is returned when the lock is still held after all retries.
	ErrNotAcquired = errors.New("lock not acquired")

	// ErrNotHolder is returned by Release when the stored token differs from the
	// caller's, or the lock no longer exists.
	ErrNotHolder = errors.New("lock not held by caller")

	// ErrInvalidResource is returned for an empty resource name.
	ErrInvalidResource = errors.New("invalid lock resource")
)
