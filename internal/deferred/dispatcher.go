package deferred

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/scry-batch/internal/metrics"
	"github.com/phrazzld/scry-batch/internal/platform/logger"
	"github.com/phrazzld/scry-batch/internal/retry"
)

// HandlerFunc runs one callback.
type HandlerFunc func(ctx context.Context, args Args) error

// TickResult summarizes one dispatcher invocation.
type TickResult struct {
	Run         int `json:"run"`
	Failed      int `json:"failed"`
	Rescheduled int `json:"rescheduled"`
	Dropped     int `json:"dropped"`
}

// Dispatcher maps callback names to handlers and runs due entries.
type Dispatcher struct {
	queue      Queue
	logger     *slog.Logger
	retryDelay time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock injects the time source.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher over queue. Retryable handler failures
// are re-scheduled retryDelay later.
func NewDispatcher(queue Queue, retryDelay time.Duration, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:      queue,
		logger:     logger.With("component", "dispatcher"),
		retryDelay: retryDelay,
		now:        time.Now,
		handlers:   make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds a handler to a callback name, replacing any previous one.
func (d *Dispatcher) Register(callback string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[callback] = h
}

// Callbacks lists registered callback names, sorted.
func (d *Dispatcher) Callbacks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) handler(callback string) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[callback]
	return h, ok
}

// Tick claims up to limit due entries and runs them one after another.
// Handler failures never abort the tick.
func (d *Dispatcher) Tick(ctx context.Context, limit int) (TickResult, error) {
	var res TickResult
	entries, err := d.queue.Due(ctx, d.now(), limit)
	if err != nil {
		return res, fmt.Errorf("claim due callbacks: %w", err)
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			// Put back what we claimed but could not run.
			if err := d.queue.ScheduleAt(context.WithoutCancel(ctx), e.RunAt, e.Callback, e.Args); err != nil {
				d.logger.Error("failed to return unclaimed callback", "callback", e.Callback, "error", err)
			}
			continue
		}

		h, ok := d.handler(e.Callback)
		if !ok {
			d.logger.Warn("dropping callback with no handler", "callback", e.Callback, "args", e.Args)
			metrics.CallbacksRun.WithLabelValues(e.Callback, "dropped").Inc()
			res.Dropped++
			continue
		}

		res.Run++
		err := d.run(ctx, e, h)
		if err == nil {
			metrics.CallbacksRun.WithLabelValues(e.Callback, "ok").Inc()
			continue
		}

		res.Failed++
		if errors.Is(err, ErrRetryLater) || retry.Classify(err) {
			at := d.now().Add(d.retryDelay)
			if schedErr := d.queue.ScheduleAt(ctx, at, e.Callback, e.Args); schedErr != nil {
				d.logger.Error("failed to reschedule callback", "callback", e.Callback, "error", schedErr)
			} else {
				res.Rescheduled++
			}
			metrics.CallbacksRun.WithLabelValues(e.Callback, "retry").Inc()
			d.logger.Info("callback will be retried",
				"callback", e.Callback,
				"args", e.Args,
				"retry_at", at,
				"error", err)
			continue
		}

		metrics.CallbacksRun.WithLabelValues(e.Callback, "error").Inc()
		d.logger.Error("callback failed",
			"callback", e.Callback,
			"args", e.Args,
			"error", err)
	}
	return res, nil
}

// run executes one handler, converting a panic into an error.
func (d *Dispatcher) run(ctx context.Context, e Entry, h HandlerFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("callback %s panicked: %v", e.Callback, p)
		}
	}()

	ctx = logger.WithLogger(ctx, d.logger.With("callback", e.Callback, "entry_id", e.ID))
	return h(ctx, e.Args)
}

// Run invokes a registered handler directly, outside the queue. Used by cron
// triggers and the CLI for sweeps that run on their own schedule.
func (d *Dispatcher) Run(ctx context.Context, callback string, args Args) error {
	h, ok := d.handler(callback)
	if !ok {
		return fmt.Errorf("deferred: no handler for %q", callback)
	}
	return d.run(ctx, Entry{Callback: callback, Args: args}, h)
}
