// Package app builds the batch engine and its backends from configuration.
// The server, the CLI commands and the Lambda handler all start from New.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/scry-batch/internal/api"
	"github.com/phrazzld/scry-batch/internal/breaker"
	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/deferred"
	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/events"
	"github.com/phrazzld/scry-batch/internal/generation"
	"github.com/phrazzld/scry-batch/internal/kv"
	"github.com/phrazzld/scry-batch/internal/lock"
	"github.com/phrazzld/scry-batch/internal/metrics"
	"github.com/phrazzld/scry-batch/internal/platform/badgerkv"
	"github.com/phrazzld/scry-batch/internal/platform/gemini"
	"github.com/phrazzld/scry-batch/internal/platform/natskv"
	"github.com/phrazzld/scry-batch/internal/platform/postgres"
	"github.com/phrazzld/scry-batch/internal/platform/rediskv"
	"github.com/phrazzld/scry-batch/internal/platform/remote"
	"github.com/phrazzld/scry-batch/internal/retry"
	"github.com/phrazzld/scry-batch/internal/service/auth"
	"github.com/phrazzld/scry-batch/internal/store"
	"github.com/phrazzld/scry-batch/internal/task"
)

// Maintenance schedules for store housekeeping.
const (
	badgerGCSpec      = "@every 10m"
	postgresPurgeSpec = "@every 15m"
)

// healthKey is read by the KV health check. It never exists.
const healthKey = "scry.health.probe"

// contentStore serves source items and accepts new ones.
type contentStore interface {
	task.ContentSource
	api.ContentWriter
}

// generatedStore persists results and serves them back.
type generatedStore interface {
	store.ResultSink
	api.ContentReader
}

type maintenance struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

// App holds every long-lived dependency of a process.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	KV         kv.Store
	DB         *sql.DB
	Engine     *task.Engine
	Dispatcher *deferred.Dispatcher
	Breakers   *breaker.Registry

	source      contentStore
	generated   generatedStore
	maintenance []maintenance
	closers     []func() error
}

type options struct {
	generator generation.Generator
	now       func() time.Time
}

// Option customizes New.
type Option func(*options)

// WithGenerator replaces the configured generation provider.
func WithGenerator(g generation.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithClock injects the time source of the engine.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New opens the configured backends and builds the engine. Close releases
// everything New opened, including on error.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.UsesPostgres() || cfg.Database.URL != "" {
		if a.DB, err = postgres.Open(ctx, cfg.Database); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.DB.Close)
	}

	if a.KV, err = a.openKV(ctx); err != nil {
		return nil, err
	}
	queue, err := a.openQueue()
	if err != nil {
		return nil, err
	}

	generator := o.generator
	if generator == nil {
		if generator, err = newGenerator(ctx, cfg.LLM, logger); err != nil {
			return nil, err
		}
	}

	validator, err := generation.NewSchemaValidator()
	if err != nil {
		return nil, err
	}

	if a.DB != nil {
		content := postgres.NewContentStore(a.DB)
		a.source, a.generated = content, content
	} else {
		a.source = store.NewKVContentSource(a.KV)
		a.generated = store.NewKVResultSink(a.KV)
	}

	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(events.NewLogNotifier(logger))

	a.Breakers = breaker.NewRegistry(a.KV, breaker.ConfigFrom(cfg.Breaker), logger,
		breaker.WithEmitter(emitter), breaker.WithClock(o.now))
	locks := lock.NewManager(a.KV, lock.DefaultConfig(), logger, lock.WithClock(o.now))

	a.Engine, err = task.NewEngine(task.Deps{
		Tasks:     store.NewTaskStore(a.KV, time.Duration(cfg.Batch.JobTTLHours)*time.Hour),
		Results:   store.NewResultsStore(a.KV, cfg.Batch.ResultsBufferMaxBytes),
		Index:     store.NewTaskIndex(a.KV, locks, cfg.Index.MaxEntries, cfg.Index.RecentCompletions),
		Locks:     locks,
		Scheduler: queue,
		Generator: generator,
		Breaker:   a.Breakers.Get(task.GeneratorService),
		Retry:     retry.FromConfig(cfg.Retry),
		Validator: validator,
		Sink:      a.generated,
		Source:    a.source,
		Emitter:   emitter,
		Memory:    task.RuntimeMemoryProbe(uint64(cfg.Batch.MemoryBudgetMB) << 20),
		Settings:  task.SettingsFromConfig(cfg),
		Logger:    logger,
		Now:       o.now,
	})
	if err != nil {
		return nil, err
	}

	a.Dispatcher = deferred.NewDispatcher(queue, cfg.Scheduler.RetryDelay(), logger, deferred.WithClock(o.now))
	a.Engine.Register(a.Dispatcher)
	return a, nil
}

func (a *App) openKV(ctx context.Context) (kv.Store, error) {
	cfg := a.Config.KV
	switch cfg.Backend {
	case "memory":
		return kv.NewMemoryStore(), nil

	case "badger":
		s, err := badgerkv.Open(cfg.BadgerPath, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		a.maintenance = append(a.maintenance, maintenance{
			name: "badger_gc",
			spec: badgerGCSpec,
			run:  func(context.Context) error { return s.RunGC() },
		})
		return s, nil

	case "postgres":
		s := postgres.NewKVStore(a.DB)
		a.maintenance = append(a.maintenance, maintenance{
			name: "kv_purge",
			spec: postgresPurgeSpec,
			run: func(ctx context.Context) error {
				n, err := s.PurgeExpired(ctx)
				if n > 0 {
					a.Logger.Debug("purged expired kv entries", "count", n)
				}
				return err
			},
		})
		return s, nil

	case "redis":
		s, err := rediskv.Connect(ctx, cfg, rediskv.WithLogger(a.Logger))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil

	case "nats":
		s, err := natskv.Connect(ctx, cfg, natskv.WithLogger(a.Logger))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	}
	return nil, fmt.Errorf("unknown kv backend %q", cfg.Backend)
}

func (a *App) openQueue() (deferred.Queue, error) {
	switch a.Config.Scheduler.Backend {
	case "memory":
		return deferred.NewMemoryQueue(), nil
	case "postgres":
		return postgres.NewDeferredQueue(a.DB), nil
	}
	return nil, fmt.Errorf("unknown scheduler backend %q", a.Config.Scheduler.Backend)
}

func newGenerator(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (generation.Generator, error) {
	switch cfg.Provider {
	case "gemini":
		return gemini.New(ctx, logger, cfg)
	case "remote":
		return remote.New(cfg, nil, logger)
	}
	return nil, fmt.Errorf("%w: unknown llm provider %q", generation.ErrInvalidConfig, cfg.Provider)
}

// Service is the job API of the engine.
func (a *App) Service() *task.Service { return a.Engine.Service }

// PutItem stores source content for an item.
func (a *App) PutItem(ctx context.Context, item domain.Item) error {
	return a.source.Put(ctx, item)
}

// GeneratedContent returns the stored result for an item.
func (a *App) GeneratedContent(ctx context.Context, workflow domain.Workflow, itemID string) (*store.GeneratedContent, error) {
	return a.generated.Get(ctx, workflow, itemID)
}

// Tick runs the due deferred callbacks once.
func (a *App) Tick(ctx context.Context) (deferred.TickResult, error) {
	return a.Dispatcher.Tick(ctx, a.Config.Scheduler.TickLimit)
}

// Sweep runs the timeout detector once.
func (a *App) Sweep(ctx context.Context) (task.TimeoutReport, error) {
	return a.Engine.Timeouts.Sweep(ctx)
}

// NewRunner creates the cron runner with the store maintenance triggers.
func (a *App) NewRunner() (*task.Runner, error) {
	r, err := task.NewRunner(a.Engine, a.Dispatcher, task.RunnerConfigFrom(a.Config.Scheduler), a.Logger)
	if err != nil {
		return nil, err
	}
	for _, m := range a.maintenance {
		if err := r.AddTrigger(m.name, m.spec, m.run); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// HealthChecks returns the dependency probes reported by /health.
func (a *App) HealthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"kv": func(ctx context.Context) error {
			_, err := a.KV.Get(ctx, healthKey)
			if errors.Is(err, kv.ErrNotFound) {
				return nil
			}
			return err
		},
	}
	if a.DB != nil {
		checks["database"] = a.DB.PingContext
	}
	return checks
}

// Router builds the HTTP API.
func (a *App) Router() (http.Handler, error) {
	jwtService, err := auth.NewJWTService(a.Config.Auth)
	if err != nil {
		return nil, err
	}
	rc := api.RouterConfig{
		Logger:    a.Logger,
		JWT:       jwtService,
		Verifier:  auth.NewClientVerifier(a.Config.Auth.Clients),
		Jobs:      a.Engine.Service,
		Source:    a.source,
		Generated: a.generated,
		Breakers:  a.Breakers,
		Health:    a.HealthChecks(),
	}
	if a.Config.Observability.MetricsEnabled {
		rc.Metrics = metrics.Handler()
	}
	return api.NewRouter(rc), nil
}

// Close releases the backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
