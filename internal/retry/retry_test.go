package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("remote returned %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"408", statusErr{408}, true},
		{"429", statusErr{429}, true},
		{"500", statusErr{500}, true},
		{"502", statusErr{502}, true},
		{"503 wrapped", fmt.Errorf("submit: %w", statusErr{503}), true},
		{"504", statusErr{504}, true},
		{"401 fatal", statusErr{401}, false},
		{"403 fatal", statusErr{403}, false},
		{"400 not retryable", statusErr{400}, false},
		{"timeout message", errors.New("request timeout while reading body"), true},
		{"connection message", errors.New("Connection reset by peer"), true},
		{"network message", errors.New("network unreachable"), true},
		{"temporary message", errors.New("temporary failure in name resolution"), true},
		{"rate limit message", errors.New("Rate Limit exceeded"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"circuit open", ErrCircuitOpen, true},
		{"timed out is not a pattern", errors.New("batch timed out after 1h0m0s"), false},
		{"plain", errors.New("invalid prompt"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(statusErr{401}))
	assert.True(t, IsFatal(fmt.Errorf("wrapped: %w", statusErr{403})))
	assert.False(t, IsFatal(statusErr{503}))
	assert.False(t, IsFatal(errors.New("x")))
}

func TestDelayForWithoutJitter(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = 0

	assert.Equal(t, time.Second, p.DelayFor(1))
	assert.Equal(t, 2*time.Second, p.DelayFor(2))
	assert.Equal(t, 4*time.Second, p.DelayFor(3))
	assert.Equal(t, 16*time.Second, p.DelayFor(5))
	assert.Equal(t, 30*time.Second, p.DelayFor(6))
	assert.Equal(t, 30*time.Second, p.DelayFor(60))
	assert.Equal(t, time.Second, p.DelayFor(0))
}

func TestDelayForJitterBounds(t *testing.T) {
	p := DefaultPolicy()

	p.Rand = func() float64 { return 0 }
	assert.Equal(t, 750*time.Millisecond, p.DelayFor(1))

	p.Rand = func() float64 { return 0.999999 }
	assert.InDelta(t, float64(1250*time.Millisecond), float64(p.DelayFor(1)), float64(time.Millisecond))

	p.Rand = nil
	upper := time.Duration(float64(p.MaxDelay) * (1 + p.Jitter))
	for attempt := 1; attempt <= 20; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.DelayFor(attempt)
			assert.LessOrEqual(t, d, upper)
			assert.GreaterOrEqual(t, d, p.MinDelay)
		}
	}
}

func TestDelayForFloor(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.25, MinDelay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.DelayFor(1))
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.RetryConfig{MaxRetries: 5, BaseDelayMs: 200, MaxDelayMs: 5000})
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 5*time.Second, p.MaxDelay)
	assert.Equal(t, 0.25, p.Jitter)
}

type fakeGate struct {
	allow     bool
	successes int
	failures  int
}

func (g *fakeGate) Allow(context.Context) (bool, error)  { return g.allow, nil }
func (g *fakeGate) RecordSuccess(context.Context) error { g.successes++; return nil }
func (g *fakeGate) RecordFailure(context.Context) error { g.failures++; return nil }

func noSleep(sleeps *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	var sleeps []time.Duration
	p := DefaultPolicy()
	p.Jitter = 0
	p.Sleep = noSleep(&sleeps)
	gate := &fakeGate{allow: true}

	calls := 0
	res, err := p.Do(context.Background(), gate, func(context.Context) error {
		calls++
		if calls <= 3 {
			return statusErr{503}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 3, res.Failures)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeps)
	assert.Equal(t, 3, gate.failures)
	assert.Equal(t, 1, gate.successes)
}

func TestDoStopsOnFatalError(t *testing.T) {
	var sleeps []time.Duration
	p := DefaultPolicy()
	p.Sleep = noSleep(&sleeps)
	gate := &fakeGate{allow: true}

	res, err := p.Do(context.Background(), gate, func(context.Context) error {
		return statusErr{401}
	})

	require.Error(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, sleeps)
	assert.Equal(t, 1, gate.failures, "non-retryable failures are still reported")
}

func TestDoExhaustsRetries(t *testing.T) {
	var sleeps []time.Duration
	p := DefaultPolicy()
	p.MaxRetries = 2
	p.Sleep = noSleep(&sleeps)

	res, err := p.Do(context.Background(), nil, func(context.Context) error {
		return statusErr{500}
	})

	require.Error(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, sleeps, 2)
}

func TestDoRefusedByGate(t *testing.T) {
	gate := &fakeGate{allow: false}
	called := false

	res, err := DefaultPolicy().Do(context.Background(), gate, func(context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Zero(t, res.Attempts)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := DefaultPolicy()
	p.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	res, err := p.Do(ctx, nil, func(context.Context) error { return statusErr{503} })
	require.Error(t, err)
	assert.Equal(t, 1, res.Attempts)
}

// sequenceGate allows the first n calls and refuses the rest.
type sequenceGate struct {
	fakeGate
	allowed int
}

func (g *sequenceGate) Allow(context.Context) (bool, error) {
	if g.allowed == 0 {
		return false, nil
	}
	g.allowed--
	return true, nil
}

func TestDoRefusedMidRetryKeepsLastError(t *testing.T) {
	var sleeps []time.Duration
	p := DefaultPolicy()
	p.Sleep = noSleep(&sleeps)
	gate := &sequenceGate{allowed: 2}

	res, err := p.Do(context.Background(), gate, func(context.Context) error {
		return statusErr{503}
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	code, ok := StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, 503, code)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, gate.failures)
}

func TestDoDoesNotReportCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gate := &fakeGate{allow: true}

	_, err := DefaultPolicy().Do(ctx, gate, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, gate.failures)
}
