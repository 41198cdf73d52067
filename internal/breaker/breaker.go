// Package breaker implements a per-service circuit breaker whose state lives
// in the shared KV store, so every short-lived invocation sees the same state.
//
// Updates are unlocked read-modify-write cycles. Two invocations recording
// outcomes at the same instant can lose one update; the breaker tolerates this
// because thresholds are approximate and every transition is re-evaluated on
// the next call.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/events"
	"github.com/phrazzld/scry-batch/internal/kv"
	"github.com/phrazzld/scry-batch/internal/metrics"
)

// Status is the breaker state.
type Status string

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half_open"
)

// State is the persisted breaker record.
type State struct {
	Service              string    `json:"service"`
	Status               Status    `json:"status"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	HalfOpenRequests     int       `json:"half_open_requests"`
	OpenedAt             time.Time `json:"opened_at,omitempty"`
	LastFailureAt        time.Time `json:"last_failure_at,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	// Timeout is how long the breaker stays open before admitting probes.
	Timeout time.Duration
	// MaxOpen forces the breaker closed if it has been open this long.
	MaxOpen             time.Duration
	HalfOpenMaxRequests int
}

// ConfigFrom converts the breaker config section.
func ConfigFrom(c config.BreakerConfig) Config {
	return Config{
		FailureThreshold:    c.FailureThreshold,
		SuccessThreshold:    c.SuccessThreshold,
		Timeout:             time.Duration(c.TimeoutSeconds) * time.Second,
		MaxOpen:             time.Duration(c.MaxOpenSeconds) * time.Second,
		HalfOpenMaxRequests: c.HalfOpenMaxRequests,
	}
}

// Breaker guards one remote service.
type Breaker struct {
	service string
	store   kv.Store
	cfg     Config
	emitter events.EventEmitter
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithEmitter sets the emitter that receives transition events.
func WithEmitter(emitter events.EventEmitter) Option {
	return func(b *Breaker) { b.emitter = emitter }
}

// New creates a breaker for service.
func New(service string, store kv.Store, cfg Config, logger *slog.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		service: service,
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "circuit_breaker", "service", service),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Service returns the guarded service name.
func (b *Breaker) Service() string { return b.service }

// State returns the current persisted state. A service that never recorded
// anything is closed.
func (b *Breaker) State(ctx context.Context) (State, error) {
	var st State
	err := kv.GetJSON(ctx, b.store, kv.BreakerKey(b.service), &st)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return State{Service: b.service, Status: StatusClosed}, nil
	case err != nil:
		return State{}, fmt.Errorf("load breaker %s: %w", b.service, err)
	}
	if st.Status == "" {
		st.Status = StatusClosed
	}
	st.Service = b.service
	return st, nil
}

func (b *Breaker) save(ctx context.Context, st *State) error {
	st.UpdatedAt = b.now()
	if err := kv.SetJSON(ctx, b.store, kv.BreakerKey(b.service), st, 0); err != nil {
		return fmt.Errorf("save breaker %s: %w", b.service, err)
	}
	return nil
}

// transition moves st to status in memory and publishes the change.
func (b *Breaker) transition(ctx context.Context, st *State, to Status, reason string) {
	from := st.Status
	st.Status = to
	now := b.now()

	switch to {
	case StatusOpen:
		st.OpenedAt = now
		st.ConsecutiveSuccesses = 0
		st.HalfOpenRequests = 0
	case StatusHalfOpen:
		st.ConsecutiveSuccesses = 0
		st.HalfOpenRequests = 0
	case StatusClosed:
		st.ConsecutiveFailures = 0
		st.ConsecutiveSuccesses = 0
		st.HalfOpenRequests = 0
		st.OpenedAt = time.Time{}
	}

	level := slog.LevelInfo
	if to == StatusOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(ctx, level, "circuit breaker transition",
		"from", from,
		"to", to,
		"reason", reason)
	metrics.BreakerTransitions.WithLabelValues(b.service, string(to)).Inc()
	events.Emit(ctx, b.emitter, events.TypeBreakerTransition, events.BreakerTransition{
		Service: b.service,
		From:    string(from),
		To:      string(to),
		Reason:  reason,
	})
}

// expire applies time-based transitions out of the open state and reports
// whether st changed.
func (b *Breaker) expire(ctx context.Context, st *State) bool {
	now := b.now()
	switch st.Status {
	case StatusOpen:
		if b.cfg.MaxOpen > 0 && now.Sub(st.OpenedAt) >= b.cfg.MaxOpen {
			b.transition(ctx, st, StatusClosed, "max open duration exceeded")
			return true
		}
		if now.Sub(st.OpenedAt) >= b.cfg.Timeout {
			b.transition(ctx, st, StatusHalfOpen, "open timeout elapsed")
			return true
		}
	case StatusHalfOpen:
		if b.cfg.MaxOpen > 0 && !st.OpenedAt.IsZero() && now.Sub(st.OpenedAt) >= b.cfg.MaxOpen {
			b.transition(ctx, st, StatusClosed, "max open duration exceeded")
			return true
		}
		// Probes that never reported back would otherwise pin the breaker.
		if st.HalfOpenRequests >= b.cfg.HalfOpenMaxRequests && now.Sub(st.UpdatedAt) >= b.cfg.Timeout {
			st.HalfOpenRequests = 0
			return true
		}
	}
	return false
}

// Allow reports whether a call may proceed. It is false while the breaker is
// strictly open, and while half-open once the probe allowance is used up.
func (b *Breaker) Allow(ctx context.Context) (bool, error) {
	st, err := b.State(ctx)
	if err != nil {
		return false, err
	}
	changed := b.expire(ctx, &st)

	allowed := true
	switch st.Status {
	case StatusOpen:
		allowed = false
	case StatusHalfOpen:
		if st.HalfOpenRequests >= b.cfg.HalfOpenMaxRequests {
			allowed = false
		} else {
			st.HalfOpenRequests++
			changed = true
		}
	}

	if changed {
		if err := b.save(ctx, &st); err != nil {
			return false, err
		}
	}
	return allowed, nil
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	st, err := b.State(ctx)
	if err != nil {
		return err
	}

	switch st.Status {
	case StatusClosed:
		if st.ConsecutiveFailures == 0 {
			return nil
		}
		st.ConsecutiveFailures = 0
	case StatusHalfOpen:
		st.ConsecutiveSuccesses++
		st.ConsecutiveFailures = 0
		if st.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transition(ctx, &st, StatusClosed, fmt.Sprintf("%d consecutive successes", st.ConsecutiveSuccesses))
		}
	case StatusOpen:
		// A call admitted before the breaker opened; the open timer decides.
		return nil
	}
	return b.save(ctx, &st)
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure(ctx context.Context) error {
	st, err := b.State(ctx)
	if err != nil {
		return err
	}
	st.LastFailureAt = b.now()
	st.ConsecutiveFailures++

	switch st.Status {
	case StatusClosed:
		if st.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(ctx, &st, StatusOpen, fmt.Sprintf("%d consecutive failures", st.ConsecutiveFailures))
		}
	case StatusHalfOpen:
		b.transition(ctx, &st, StatusOpen, "failure while half-open")
	}
	return b.save(ctx, &st)
}

// HealthCheck moves an open breaker whose timeout has elapsed to half-open
// without waiting for real traffic, runs probe as the first trial call and
// records its outcome. It does nothing for closed or still-cooling breakers.
func (b *Breaker) HealthCheck(ctx context.Context, probe func(ctx context.Context) error) (State, error) {
	st, err := b.State(ctx)
	if err != nil {
		return State{}, err
	}
	if st.Status == StatusClosed {
		return st, nil
	}
	if st.Status == StatusOpen && b.now().Sub(st.OpenedAt) < b.cfg.Timeout {
		return st, nil
	}

	allowed, err := b.Allow(ctx)
	if err != nil {
		return State{}, err
	}
	if allowed && probe != nil {
		if probeErr := probe(ctx); probeErr != nil {
			b.logger.Info("health probe failed", "error", probeErr)
			err = b.RecordFailure(ctx)
		} else {
			err = b.RecordSuccess(ctx)
		}
		if err != nil {
			return State{}, err
		}
	}
	return b.State(ctx)
}

// Reset forces the breaker closed.
func (b *Breaker) Reset(ctx context.Context) error {
	st, err := b.State(ctx)
	if err != nil {
		return err
	}
	if st.Status == StatusClosed && st.ConsecutiveFailures == 0 {
		return nil
	}
	if st.Status != StatusClosed {
		b.transition(ctx, &st, StatusClosed, "manual reset")
	}
	st.ConsecutiveFailures = 0
	return b.save(ctx, &st)
}
