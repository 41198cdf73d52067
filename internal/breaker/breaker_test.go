package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phrazzld/scry-batch/internal/events"
	"github.com/phrazzld/scry-batch/internal/kv"
	"github.com/phrazzld/scry-batch/internal/retry"
	"github.com/phrazzld/scry-batch/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ retry.Gate = (*Breaker)(nil)

func testConfig() Config {
	return Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             time.Minute,
		MaxOpen:             10 * time.Minute,
		HalfOpenMaxRequests: 3,
	}
}

type fixture struct {
	breaker *Breaker
	store   *kv.MemoryStore
	clock   *testutils.FakeClock
	events  *events.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := testutils.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store := kv.NewMemoryStoreWithClock(clock.Now)
	rec := &events.Recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New("generation", store, testConfig(), logger, WithClock(clock.Now), WithEmitter(rec))
	return fixture{breaker: b, store: store, clock: clock, events: rec}
}

func (f fixture) status(t *testing.T) Status {
	t.Helper()
	st, err := f.breaker.State(context.Background())
	require.NoError(t, err)
	return st.Status
}

func (f fixture) fail(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.breaker.RecordFailure(context.Background()))
	}
}

func TestNewBreakerIsClosed(t *testing.T) {
	f := newFixture(t)
	ok, err := f.breaker.Allow(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusClosed, f.status(t))
	assert.Zero(t, f.store.Len(), "allowing in closed state writes nothing")
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.fail(t, 2)
	assert.Equal(t, StatusClosed, f.status(t))

	require.NoError(t, f.breaker.RecordSuccess(ctx))
	f.fail(t, 2)
	assert.Equal(t, StatusClosed, f.status(t), "a success resets the failure streak")

	f.fail(t, 1)
	assert.Equal(t, StatusOpen, f.status(t))

	ok, err := f.breaker.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	transitions := f.events.OfType(events.TypeBreakerTransition)
	require.Len(t, transitions, 1)
	var p events.BreakerTransition
	require.NoError(t, transitions[0].UnmarshalPayload(&p))
	assert.Equal(t, "closed", p.From)
	assert.Equal(t, "open", p.To)
	assert.Equal(t, "generation", p.Service)
}

func TestHalfOpenAfterTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fail(t, 3)

	f.clock.Advance(59 * time.Second)
	ok, err := f.breaker.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock.Advance(time.Second)
	ok, err = f.breaker.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusHalfOpen, f.status(t))
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fail(t, 3)
	f.clock.Advance(time.Minute)

	for i := 0; i < 3; i++ {
		ok, err := f.breaker.Allow(ctx)
		require.NoError(t, err)
		assert.True(t, ok, "probe %d", i+1)
	}
	ok, err := f.breaker.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock.Advance(time.Minute)
	ok, err = f.breaker.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "unreported probes are forgotten after the timeout")
}

func TestHalfOpenClosesAfterSuccesses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fail(t, 3)
	f.clock.Advance(time.Minute)

	_, err := f.breaker.Allow(ctx)
	require.NoError(t, err)
	require.NoError(t, f.breaker.RecordSuccess(ctx))
	assert.Equal(t, StatusHalfOpen, f.status(t))
	require.NoError(t, f.breaker.RecordSuccess(ctx))
	assert.Equal(t, StatusClosed, f.status(t))

	st, err := f.breaker.State(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.True(t, st.OpenedAt.IsZero())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fail(t, 3)
	f.clock.Advance(time.Minute)

	_, err := f.breaker.Allow(ctx)
	require.NoError(t, err)
	require.NoError(t, f.breaker.RecordSuccess(ctx))
	require.NoError(t, f.breaker.RecordFailure(ctx))
	assert.Equal(t, StatusOpen, f.status(t))

	st, err := f.breaker.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), st.OpenedAt)

	var tos []string
	for _, e := range f.events.OfType(events.TypeBreakerTransition) {
		var p events.BreakerTransition
		require.NoError(t, e.UnmarshalPayload(&p))
		tos = append(tos, p.To)
	}
	assert.Equal(t, []string{"open", "half_open", "open"}, tos)
}

func TestMaxOpenForcesClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := testConfig()
	cfg.Timeout = time.Hour
	cfg.MaxOpen = 30 * time.Minute
	f.breaker.cfg = cfg

	f.fail(t, 3)
	f.clock.Advance(30 * time.Minute)

	ok, err := f.breaker.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusClosed, f.status(t))
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("closed breaker is not probed", func(t *testing.T) {
		f := newFixture(t)
		probed := false
		st, err := f.breaker.HealthCheck(ctx, func(context.Context) error { probed = true; return nil })
		require.NoError(t, err)
		assert.False(t, probed)
		assert.Equal(t, StatusClosed, st.Status)
	})

	t.Run("cooling breaker is not probed", func(t *testing.T) {
		f := newFixture(t)
		f.fail(t, 3)
		probed := false
		st, err := f.breaker.HealthCheck(ctx, func(context.Context) error { probed = true; return nil })
		require.NoError(t, err)
		assert.False(t, probed)
		assert.Equal(t, StatusOpen, st.Status)
	})

	t.Run("expired breaker moves to half-open and records the probe", func(t *testing.T) {
		f := newFixture(t)
		f.fail(t, 3)
		f.clock.Advance(2 * time.Minute)

		st, err := f.breaker.HealthCheck(ctx, func(context.Context) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, StatusHalfOpen, st.Status)
		assert.Equal(t, 1, st.ConsecutiveSuccesses)
	})

	t.Run("failed probe reopens", func(t *testing.T) {
		f := newFixture(t)
		f.fail(t, 3)
		f.clock.Advance(2 * time.Minute)

		st, err := f.breaker.HealthCheck(ctx, func(context.Context) error { return errors.New("connection refused") })
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, st.Status)
	})
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fail(t, 3)

	require.NoError(t, f.breaker.Reset(ctx))
	assert.Equal(t, StatusClosed, f.status(t))
}

func TestStateSharedThroughStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other := New("generation", f.store, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(f.clock.Now))

	f.fail(t, 3)
	ok, err := other.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a second handle sees the open state")
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	r := NewRegistry(store, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	gen := r.Get("generation")
	assert.Same(t, gen, r.Get("generation"))
	r.Get("content")

	assert.Equal(t, []string{"content", "generation"}, r.Services())

	for i := 0; i < 3; i++ {
		require.NoError(t, gen.RecordFailure(ctx))
	}
	states, err := r.States(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, StatusClosed, states[0].Status)
	assert.Equal(t, StatusOpen, states[1].Status)
}

func TestWithRetryDo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := retry.DefaultPolicy()
	p.MaxRetries = 10
	p.Sleep = f.clock.Sleep

	calls := 0
	_, err := p.Do(ctx, f.breaker, func(context.Context) error {
		calls++
		return errors.New("connection reset")
	})

	assert.ErrorIs(t, err, retry.ErrCircuitOpen)
	assert.Equal(t, 3, calls, "the breaker stops retries once it opens")
}

func TestNonRetryableFailureReopensHalfOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fail(t, 3)
	f.clock.Advance(time.Minute)

	p := retry.DefaultPolicy()
	p.Sleep = f.clock.Sleep
	invalid := errors.New("invalid response from language model")

	_, err := p.Do(ctx, f.breaker, func(context.Context) error { return invalid })
	assert.ErrorIs(t, err, invalid)
	assert.Equal(t, StatusOpen, f.status(t))

	f.clock.Advance(time.Minute)
	_, err = p.Do(ctx, f.breaker, func(context.Context) error { return nil })
	require.NoError(t, err)

	st, err := f.breaker.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusHalfOpen, st.Status)
	assert.Equal(t, 1, st.HalfOpenRequests)
}
