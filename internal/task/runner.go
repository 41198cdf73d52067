package task

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/deferred"
	"github.com/robfig/cron/v3"
)

// RunnerConfig holds the cron triggers of a long-running process.
type RunnerConfig struct {
	// TickSpec triggers a dispatcher tick.
	TickSpec string

	// TickLimit caps how many due callbacks one tick claims.
	TickLimit int

	// TimeoutSweepSpec triggers the timeout sweep.
	TimeoutSweepSpec string

	// BreakerHealthSpec triggers the breaker health check.
	BreakerHealthSpec string
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		TickSpec:          "@every 5s",
		TickLimit:         50,
		TimeoutSweepSpec:  "@hourly",
		BreakerHealthSpec: "@every 1m",
	}
}

// RunnerConfigFrom converts the scheduler section of the configuration.
func RunnerConfigFrom(c config.SchedulerConfig) RunnerConfig {
	return RunnerConfig{
		TickSpec:          c.TickSpec,
		TickLimit:         c.TickLimit,
		TimeoutSweepSpec:  c.TimeoutSweepSpec,
		BreakerHealthSpec: c.BreakerHealthSpec,
	}
}

// Runner drives the engine inside a long-running process. Each trigger is a
// short invocation, the same as a tick of the CLI or a Lambda event; a
// trigger that is still running when it fires again is skipped.
type Runner struct {
	engine     *Engine
	dispatcher *deferred.Dispatcher
	cron       *cron.Cron
	config     RunnerConfig
	logger     *slog.Logger
}

// NewRunner creates a runner. It fails when a cron spec does not parse.
func NewRunner(engine *Engine, dispatcher *deferred.Dispatcher, config RunnerConfig, logger *slog.Logger) (*Runner, error) {
	if config.TickLimit <= 0 {
		config.TickLimit = DefaultRunnerConfig().TickLimit
	}
	logger = logger.With("component", "runner")
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))

	r := &Runner{
		engine:     engine,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
		cron: cron.New(cron.WithLogger(cronLogger), cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
	}

	triggers := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"tick", config.TickSpec, r.Tick},
		{"timeout_sweep", config.TimeoutSweepSpec, r.sweep},
		{"breaker_health", config.BreakerHealthSpec, r.checkBreaker},
	}
	for _, t := range triggers {
		if err := r.AddTrigger(t.name, t.spec, t.run); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AddTrigger schedules run under name on the cron spec. Store maintenance such
// as value log GC is registered this way.
func (r *Runner) AddTrigger(name, spec string, run func(ctx context.Context) error) error {
	if _, err := r.cron.AddFunc(spec, func() { r.fire(name, run) }); err != nil {
		return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
	}
	return nil
}

// Start recovers work left behind by a previous process and starts the
// triggers.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover: %w", err)
	}
	r.cron.Start()
	r.logger.Info("runner started",
		"tick", r.config.TickSpec,
		"timeout_sweep", r.config.TimeoutSweepSpec,
		"breaker_health", r.config.BreakerHealthSpec)
	return nil
}

// Stop stops the triggers and waits for running ones until ctx expires.
func (r *Runner) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		r.logger.Info("runner stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner did not stop in time: %w", ctx.Err())
	}
}

// Recover runs one timeout sweep so that jobs stuck by a crash are failed or
// reconciled before new work starts.
func (r *Runner) Recover(ctx context.Context) error {
	report, err := r.engine.Timeouts.Sweep(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("recovered unfinished work",
		"jobs_timed_out", report.JobsTimedOut,
		"batches_timed_out", report.BatchesTimedOut,
		"reconciled", report.Reconciled)
	return nil
}

// Tick runs the callbacks that are due.
func (r *Runner) Tick(ctx context.Context) error {
	res, err := r.dispatcher.Tick(ctx, r.config.TickLimit)
	if err != nil {
		return err
	}
	if res.Run > 0 || res.Dropped > 0 {
		r.logger.Debug("tick finished",
			"run", res.Run,
			"failed", res.Failed,
			"rescheduled", res.Rescheduled,
			"dropped", res.Dropped)
	}
	return nil
}

func (r *Runner) sweep(ctx context.Context) error {
	_, err := r.engine.Timeouts.Sweep(ctx)
	return err
}

func (r *Runner) checkBreaker(ctx context.Context) error {
	_, err := r.engine.CheckBreaker(ctx)
	return err
}

// fire runs one trigger with a fresh context.
func (r *Runner) fire(name string, run func(ctx context.Context) error) {
	if err := run(context.Background()); err != nil {
		r.logger.Error("trigger failed", "trigger", name, "error", err)
	}
}
