// Package retry decides whether a remote failure is worth retrying and how
// long to wait before the next attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/phrazzld/scry-batch/internal/config"
)

// ErrCircuitOpen is returned when the circuit breaker refuses a call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Status codes that are worth retrying, and those that never are.
var (
	retryableStatusCodes = map[int]bool{408: true, 429: true, 500: true, 502: true, 503: true, 504: true}
	fatalStatusCodes     = map[int]bool{401: true, 403: true}
)

// Substrings of error messages that indicate a transient failure.
var retryablePatterns = []string{"timeout", "connection", "network", "temporary", "rate limit"}

// StatusCoder is implemented by errors that carry an HTTP-like status code.
type StatusCoder interface {
	StatusCode() int
}

// StatusCode extracts the first status code found on the error chain.
func StatusCode(err error) (int, bool) {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode(), true
	}
	return 0, false
}

// IsFatal reports whether err carries an authentication or authorization status.
func IsFatal(err error) bool {
	code, ok := StatusCode(err)
	return ok && fatalStatusCodes[code]
}

// Classify reports whether err is worth retrying.
func Classify(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	if code, ok := StatusCode(err); ok {
		if fatalStatusCodes[code] {
			return false
		}
		if retryableStatusCodes[code] {
			return true
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Gate is consulted before each attempt and told about each outcome.
// The circuit breaker implements it.
type Gate interface {
	Allow(ctx context.Context) (bool, error)
	RecordSuccess(ctx context.Context) error
	RecordFailure(ctx context.Context) error
}

// Policy is an exponential backoff with symmetric jitter.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the +/- fraction applied to each delay.
	Jitter float64
	// MinDelay floors every delay after jitter.
	MinDelay time.Duration

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns 1s base, 30s cap, 25% jitter, 100ms floor and 3 retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Jitter:     0.25,
		MinDelay:   100 * time.Millisecond,
	}
}

// FromConfig builds a policy from the retry config section.
func FromConfig(cfg config.RetryConfig) Policy {
	p := DefaultPolicy()
	p.MaxRetries = cfg.MaxRetries
	p.BaseDelay = time.Duration(cfg.BaseDelayMs) * time.Millisecond
	p.MaxDelay = time.Duration(cfg.MaxDelayMs) * time.Millisecond
	return p
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

// DelayFor returns the wait before retry attempt n (1-indexed):
// base * 2^(n-1), capped at MaxDelay, jittered by +/- Jitter, floored at MinDelay.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*p.random() - 1)
	}
	delay := time.Duration(d)
	if delay < p.MinDelay {
		delay = p.MinDelay
	}
	return delay
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result describes what Do did.
type Result struct {
	// Attempts is the number of times fn was called.
	Attempts int
	// Failures is the number of calls that returned an error.
	Failures int
}

// Do calls fn until it succeeds, returns a non-retryable error, exhausts
// MaxRetries, or the gate refuses. Every attempt's outcome is reported to the
// gate except when ctx itself ended. A refusal after failed attempts wraps
// both ErrCircuitOpen and the last attempt's error.
func (p Policy) Do(ctx context.Context, gate Gate, fn func(ctx context.Context) error) (Result, error) {
	var res Result
	var lastErr error
	for attempt := 1; ; attempt++ {
		if gate != nil {
			ok, err := gate.Allow(ctx)
			if err != nil {
				return res, err
			}
			if !ok {
				if lastErr != nil {
					return res, fmt.Errorf("%w: %w", ErrCircuitOpen, lastErr)
				}
				return res, ErrCircuitOpen
			}
		}

		res.Attempts++
		err := fn(ctx)
		if err == nil {
			if gate != nil {
				_ = gate.RecordSuccess(ctx)
			}
			return res, nil
		}
		res.Failures++
		lastErr = err

		if gate != nil && ctx.Err() == nil {
			_ = gate.RecordFailure(ctx)
		}
		if !Classify(err) || attempt > p.MaxRetries {
			return res, err
		}
		if sleepErr := p.sleep(ctx, p.DelayFor(attempt)); sleepErr != nil {
			return res, err
		}
	}
}
