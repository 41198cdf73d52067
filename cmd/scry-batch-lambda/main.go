// Command scry-batch-lambda runs one scheduler trigger per scheduled
// EventBridge event. The engine is built once per cold start.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/phrazzld/scry-batch/internal/app"
	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/platform/logger"
)

// Trigger actions carried in the event detail.
const (
	ActionTick          = "tick"
	ActionSweep         = "sweep"
	ActionBreakerHealth = "breaker_health"
)

type detail struct {
	Action string `json:"action"`
}

// handler runs the action named by the event. An empty detail is a tick.
type handler struct {
	app *app.App
}

func (h *handler) handle(ctx context.Context, event events.CloudWatchEvent) (any, error) {
	var d detail
	if len(event.Detail) > 0 {
		if err := json.Unmarshal(event.Detail, &d); err != nil {
			return nil, fmt.Errorf("invalid event detail: %w", err)
		}
	}
	log := h.app.Logger.With("action", d.Action, "event_id", event.ID)

	switch d.Action {
	case "", ActionTick:
		res, err := h.app.Tick(ctx)
		if err != nil {
			return nil, err
		}
		log.Info("tick finished", "run", res.Run, "failed", res.Failed, "rescheduled", res.Rescheduled)
		return res, nil
	case ActionSweep:
		report, err := h.app.Sweep(ctx)
		if err != nil {
			return nil, err
		}
		log.Info("timeout sweep finished", "jobs_timed_out", report.JobsTimedOut, "batches_timed_out", report.BatchesTimedOut)
		return report, nil
	case ActionBreakerHealth:
		st, err := h.app.Engine.CheckBreaker(ctx)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown action %q", d.Action)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	l, err := logger.Setup(cfg.Server)
	if err != nil {
		slog.Error("failed to set up logger", "error", err)
		os.Exit(1)
	}
	a, err := app.New(context.Background(), cfg, l)
	if err != nil {
		l.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}
	h := &handler{app: a}
	lambda.Start(h.handle)
}
