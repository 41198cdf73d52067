// Package lock implements advisory mutual exclusion on top of kv.Store.
//
// A lock is a record {token, acquired_at} written with InsertIfAbsent. Records
// older than the caller's staleness threshold are considered abandoned and may
// be taken over. Takeover is a plain overwrite followed by a read-back, so two
// callers racing on the same stale record can, rarely, both believe they won;
// every caller therefore re-validates state after acquiring.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-batch/internal/kv"
	"github.com/phrazzld/scry-batch/internal/metrics"
)

// Staleness thresholds by lock scope.
const (
	BatchStaleness   = 30 * time.Second
	JobStaleness     = 10 * time.Second
	DefaultStaleness = 10 * time.Second
)

// Singleton resources.
const (
	PollingQueueResource = "polling_queue"
	TaskIndexResource    = "task_index"
	SchedulerResource    = "scheduler"
)

// BatchResource names the per-batch lock.
func BatchResource(batchID string) string { return "batch." + batchID }

// JobResource names the per-job lock.
func JobResource(jobID string) string { return "job." + jobID }

type record struct {
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Config controls acquisition retries.
type Config struct {
	// MaxAttempts bounds insert attempts per Acquire call.
	MaxAttempts int
	// InitialBackoff is the first sleep between attempts; it doubles up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the production retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    10,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// Manager acquires and releases locks.
type Manager struct {
	store  kv.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSleep injects the function used to wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// NewManager creates a lock manager over store.
func NewManager(store kv.Store, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "lock_manager"),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// kind returns the metric label for a resource ("batch", "job", "polling_queue", ...).
func kind(resource string) string {
	if i := strings.IndexByte(resource, '.'); i > 0 {
		return resource[:i]
	}
	return resource
}

// Acquire obtains the lock on resource and returns the owner token needed to
// release it. It returns ErrNotAcquired once all attempts are exhausted.
func (m *Manager) Acquire(ctx context.Context, resource string, staleness time.Duration) (string, error) {
	if resource == "" {
		return "", ErrInvalidResource
	}
	token := uuid.NewString()
	backoff := m.cfg.InitialBackoff

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		ok, err := m.tryAcquire(ctx, resource, token, staleness)
		if err != nil {
			return "", fmt.Errorf("acquire lock %s: %w", resource, err)
		}
		if ok {
			return token, nil
		}
		if attempt == m.cfg.MaxAttempts {
			break
		}
		if err := m.sleep(ctx, backoff); err != nil {
			return "", fmt.Errorf("acquire lock %s: %w", resource, err)
		}
		backoff *= 2
		if backoff > m.cfg.MaxBackoff {
			backoff = m.cfg.MaxBackoff
		}
	}

	metrics.LockAcquisitions.WithLabelValues(kind(resource), "contended").Inc()
	return "", fmt.Errorf("%w: %s", ErrNotAcquired, resource)
}

func (m *Manager) tryAcquire(ctx context.Context, resource, token string, staleness time.Duration) (bool, error) {
	key := kv.LockKey(resource)
	now := m.now()
	rec := record{Token: token, AcquiredAt: now}

	// The record outlives its staleness window so abandoned locks eventually vanish.
	ttl := 2 * staleness

	ok, err := kv.InsertJSONIfAbsent(ctx, m.store, key, rec, ttl)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.LockAcquisitions.WithLabelValues(kind(resource), "acquired").Inc()
		return true, nil
	}

	var current record
	err = kv.GetJSON(ctx, m.store, key, &current)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		// Released between our insert and read; the next attempt will insert.
		return false, nil
	case err != nil:
		m.logger.Warn("unreadable lock record, treating as stale",
			"resource", resource,
			"error", err)
	case now.Sub(current.AcquiredAt) <= staleness:
		return false, nil
	}

	if err := kv.SetJSON(ctx, m.store, key, rec, ttl); err != nil {
		return false, err
	}

	var confirmed record
	if err := kv.GetJSON(ctx, m.store, key, &confirmed); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if confirmed.Token != token {
		return false, nil
	}

	m.logger.Warn("took over stale lock",
		"resource", resource,
		"previous_token", current.Token,
		"previous_acquired_at", current.AcquiredAt)
	metrics.LockAcquisitions.WithLabelValues(kind(resource), "stale_takeover").Inc()
	return true, nil
}

// Release deletes the lock only if it is still held under token.
func (m *Manager) Release(ctx context.Context, resource, token string) error {
	if resource == "" {
		return ErrInvalidResource
	}
	key := kv.LockKey(resource)

	var current record
	if err := kv.GetJSON(ctx, m.store, key, &current); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("%w: %s expired or was released", ErrNotHolder, resource)
		}
		return fmt.Errorf("release lock %s: %w", resource, err)
	}
	if current.Token != token {
		return fmt.Errorf("%w: %s", ErrNotHolder, resource)
	}
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("release lock %s: %w", resource, err)
	}
	return nil
}

// WithLock runs fn while holding the lock on resource. Release failures are
// logged, not returned, since fn's outcome already stands.
func (m *Manager) WithLock(ctx context.Context, resource string, staleness time.Duration, fn func(ctx context.Context) error) error {
	token, err := m.Acquire(ctx, resource, staleness)
	if err != nil {
		return err
	}
	defer m.ReleaseQuietly(ctx, resource, token)

	return fn(ctx)
}

// ReleaseQuietly releases the lock and logs instead of returning errors.
func (m *Manager) ReleaseQuietly(ctx context.Context, resource, token string) {
	if err := m.Release(context.WithoutCancel(ctx), resource, token); err != nil {
		m.logger.Debug("lock release skipped",
			"resource", resource,
			"error", err)
	}
}
