package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/scry-batch/internal/breaker"
	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/deferred"
	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/events"
	"github.com/phrazzld/scry-batch/internal/generation"
	"github.com/phrazzld/scry-batch/internal/lock"
	"github.com/phrazzld/scry-batch/internal/retry"
	"github.com/phrazzld/scry-batch/internal/store"
	"go.opentelemetry.io/otel"
)

// Deferred callback names handled by the engine.
const (
	CallbackExecuteBatch     = "batch.execute"
	CallbackScheduleJob      = "job.schedule"
	CallbackSchedulerRecheck = "scheduler.recheck"
	CallbackAggregate        = "job.aggregate"
	CallbackFinalize         = "job.finalize"
	CallbackPollingSweep     = "polling.sweep"
	CallbackTimeoutSweep     = "timeout.sweep"
	CallbackBreakerHealth    = "breaker.health"
)

// GeneratorService is the breaker name guarding the generation API.
const GeneratorService = "generation"

var tracer = otel.Tracer("github.com/phrazzld/scry-batch/internal/task")

// ContentSource resolves item ids to source content.
type ContentSource interface {
	// Fetch returns one item per id in the same order. Unknown ids may come
	// back with empty content; they are skipped as invalid.
	Fetch(ctx context.Context, ids []string) ([]domain.Item, error)
}

// Settings holds the tunables of every engine component.
type Settings struct {
	DefaultBatchSize    int
	BackgroundBatchSize int
	PerCallCap          int

	InitialBurst      int
	BurstSpacing      time.Duration
	ThrottlePerMinute int
	MaxConcurrent     int
	RecheckDelay      time.Duration

	MaxRetries       int
	PollDelay        time.Duration
	ExecutionTimeout time.Duration

	FinalizeRecheck   time.Duration
	MaxFinalizeDefers int

	PollInterval        time.Duration
	PollBatchLimit      int
	PollMaxAttempts     int
	PollStaleAfter      time.Duration
	PollFailedRetention time.Duration

	JobPendingTimeout      time.Duration
	JobScheduledTimeout    time.Duration
	JobProcessingTimeout   time.Duration
	JobAbsoluteTimeout     time.Duration
	BatchProcessingTimeout time.Duration
	BatchPendingTimeout    time.Duration
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		DefaultBatchSize:    50,
		BackgroundBatchSize: 25,
		PerCallCap:          50,

		InitialBurst:      3,
		BurstSpacing:      20 * time.Second,
		ThrottlePerMinute: 3,
		MaxConcurrent:     10,
		RecheckDelay:      time.Minute,

		MaxRetries:       3,
		PollDelay:        30 * time.Second,
		ExecutionTimeout: 5 * time.Minute,

		FinalizeRecheck:   15 * time.Second,
		MaxFinalizeDefers: 10,

		PollInterval:        30 * time.Second,
		PollBatchLimit:      10,
		PollMaxAttempts:     120,
		PollStaleAfter:      24 * time.Hour,
		PollFailedRetention: time.Hour,

		JobPendingTimeout:      30 * time.Minute,
		JobScheduledTimeout:    30 * time.Minute,
		JobProcessingTimeout:   time.Hour,
		JobAbsoluteTimeout:     2 * time.Hour,
		BatchProcessingTimeout: time.Hour,
		BatchPendingTimeout:    30 * time.Minute,
	}
}

// SettingsFromConfig converts loaded configuration into engine settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	mins := func(n int) time.Duration { return time.Duration(n) * time.Minute }
	b, p, t := cfg.Batch, cfg.Polling, cfg.Timeout
	return Settings{
		DefaultBatchSize:    b.DefaultSize,
		BackgroundBatchSize: b.BackgroundSize,
		PerCallCap:          b.PerCallCap,

		InitialBurst:      b.InitialBurst,
		BurstSpacing:      sec(b.BurstSpacingSeconds),
		ThrottlePerMinute: b.ThrottlePerMinute,
		MaxConcurrent:     b.MaxConcurrent,
		RecheckDelay:      sec(b.RecheckDelaySeconds),

		MaxRetries:       b.MaxRetries,
		PollDelay:        sec(b.PollDelaySeconds),
		ExecutionTimeout: sec(b.ExecutionTimeoutSeconds),

		FinalizeRecheck:   sec(b.FinalizeRecheckSeconds),
		MaxFinalizeDefers: b.MaxFinalizeDefers,

		PollInterval:        sec(p.IntervalSeconds),
		PollBatchLimit:      p.BatchLimit,
		PollMaxAttempts:     p.MaxAttempts,
		PollStaleAfter:      time.Duration(p.StaleHours) * time.Hour,
		PollFailedRetention: mins(p.FailedRetentionMinutes),

		JobPendingTimeout:      mins(t.JobPendingMinutes),
		JobScheduledTimeout:    mins(t.JobScheduledMinutes),
		JobProcessingTimeout:   mins(t.JobProcessingMinutes),
		JobAbsoluteTimeout:     mins(t.JobAbsoluteMinutes),
		BatchProcessingTimeout: mins(t.BatchProcessingMinutes),
		BatchPendingTimeout:    mins(t.BatchPendingMinutes),
	}
}

// Deps is everything the engine components share. It is built once per
// process or invocation and passed explicitly; nothing in this package keeps
// global state.
type Deps struct {
	Tasks     *store.TaskStore
	Results   *store.ResultsStore
	Index     *store.TaskIndex
	Locks     *lock.Manager
	Scheduler deferred.Scheduler
	Generator generation.Generator
	Breaker   *breaker.Breaker
	Retry     retry.Policy
	Validator *generation.SchemaValidator
	Sink      store.ResultSink
	Source    ContentSource
	Emitter   events.EventEmitter
	Memory    MemoryProbe
	Settings  Settings
	Logger    *slog.Logger
	Now       func() time.Time
}

func (d *Deps) validate() error {
	switch {
	case d.Tasks == nil:
		return fmt.Errorf("task: Deps.Tasks is required")
	case d.Results == nil:
		return fmt.Errorf("task: Deps.Results is required")
	case d.Index == nil:
		return fmt.Errorf("task: Deps.Index is required")
	case d.Locks == nil:
		return fmt.Errorf("task: Deps.Locks is required")
	case d.Scheduler == nil:
		return fmt.Errorf("task: Deps.Scheduler is required")
	case d.Generator == nil:
		return fmt.Errorf("task: Deps.Generator is required")
	case d.Sink == nil:
		return fmt.Errorf("task: Deps.Sink is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return nil
}

// gate returns the breaker as a retry gate, or nil when none is configured.
func (d *Deps) gate() retry.Gate {
	if d.Breaker == nil {
		return nil
	}
	return d.Breaker
}

func (d *Deps) schedule(ctx context.Context, at time.Time, callback string, args deferred.Args) error {
	if err := d.Scheduler.ScheduleAt(ctx, at, callback, args); err != nil {
		return fmt.Errorf("schedule %s: %w", callback, err)
	}
	return nil
}

// scheduleOnce schedules callback unless an identical entry is already pending.
func (d *Deps) scheduleOnce(ctx context.Context, at time.Time, callback string, args deferred.Args) error {
	ok, err := d.Scheduler.IsScheduled(ctx, callback, args)
	if err != nil {
		return fmt.Errorf("check %s: %w", callback, err)
	}
	if ok {
		return nil
	}
	return d.schedule(ctx, at, callback, args)
}
