package task

import (
	"context"
	"log/slog"

	"github.com/phrazzld/scry-batch/internal/breaker"
	"github.com/phrazzld/scry-batch/internal/deferred"
	"github.com/phrazzld/scry-batch/internal/generation"
)

// Engine wires the components that share one Deps.
type Engine struct {
	Deps       *Deps
	Scheduler  *BatchScheduler
	Executor   *Executor
	Aggregator *Aggregator
	Polling    *PollingQueue
	Timeouts   *TimeoutDetector
	Service    *Service
	logger     *slog.Logger
}

// NewEngine validates deps and builds every component.
func NewEngine(deps Deps) (*Engine, error) {
	d := &deps
	if err := d.validate(); err != nil {
		return nil, err
	}

	scheduler := NewBatchScheduler(d)
	aggregator := NewAggregator(d, scheduler)
	executor := NewExecutor(d, aggregator)
	polling := NewPollingQueue(d, executor)
	executor.polling = polling

	return &Engine{
		Deps:       d,
		Scheduler:  scheduler,
		Executor:   executor,
		Aggregator: aggregator,
		Polling:    polling,
		Timeouts:   NewTimeoutDetector(d, executor, aggregator),
		Service:    NewService(d, scheduler),
		logger:     d.Logger.With("component", "engine"),
	}, nil
}

// Register binds every engine callback to the dispatcher.
func (e *Engine) Register(d *deferred.Dispatcher) {
	d.Register(CallbackExecuteBatch, e.Executor.executeBatch)
	d.Register(CallbackScheduleJob, e.Scheduler.scheduleJob)
	d.Register(CallbackSchedulerRecheck, func(ctx context.Context, _ deferred.Args) error {
		_, err := e.Scheduler.Resume(ctx)
		return err
	})
	d.Register(CallbackAggregate, e.Aggregator.aggregateCallback)
	d.Register(CallbackFinalize, e.Aggregator.finalizeCallback)
	d.Register(CallbackPollingSweep, func(ctx context.Context, _ deferred.Args) error {
		_, err := e.Polling.Sweep(ctx)
		return err
	})
	d.Register(CallbackTimeoutSweep, func(ctx context.Context, _ deferred.Args) error {
		_, err := e.Timeouts.Sweep(ctx)
		return err
	})
	d.Register(CallbackBreakerHealth, func(ctx context.Context, _ deferred.Args) error {
		_, err := e.CheckBreaker(ctx)
		return err
	})
}

// CheckBreaker moves an expired open breaker to half-open and probes the
// generator when it supports a health check.
func (e *Engine) CheckBreaker(ctx context.Context) (breaker.State, error) {
	if e.Deps.Breaker == nil {
		return breaker.State{Service: GeneratorService, Status: breaker.StatusClosed}, nil
	}
	var probe func(ctx context.Context) error
	if p, ok := e.Deps.Generator.(generation.Pinger); ok {
		probe = p.Ping
	}
	st, err := e.Deps.Breaker.HealthCheck(ctx, probe)
	if err != nil {
		return st, err
	}
	e.logger.Debug("breaker health checked", "service", st.Service, "status", st.Status)
	return st, nil
}
