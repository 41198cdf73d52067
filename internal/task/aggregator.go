package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/scry-batch/internal/deferred"
	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/events"
	"github.com/phrazzld/scry-batch/internal/lock"
	"github.com/phrazzld/scry-batch/internal/metrics"
	"github.com/phrazzld/scry-batch/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Aggregator rolls batch outcomes up into their job and finalizes it once
// every batch has reported.
type Aggregator struct {
	deps      *Deps
	scheduler *BatchScheduler
	logger    *slog.Logger
}

// NewAggregator creates an aggregator. Finalizing a job frees capacity, so
// the scheduler is resumed afterwards.
func NewAggregator(deps *Deps, scheduler *BatchScheduler) *Aggregator {
	return &Aggregator{deps: deps, scheduler: scheduler, logger: deps.Logger.With("component", "aggregator")}
}

// BatchFinished accounts a terminal batch in its job. previous is the batch
// status before the terminal transition; a batch that was already terminal
// is never counted again. Failures are logged and a recheck is scheduled;
// BatchFinished never fails its caller.
func (a *Aggregator) BatchFinished(ctx context.Context, jobID, batchID string, previous domain.BatchStatus) {
	_, err := a.update(ctx, jobID, func(job *domain.Job) (bool, error) {
		if previous.IsTerminal() {
			return false, nil
		}
		return a.account(ctx, job, batchID)
	}, false)
	if err == nil {
		return
	}

	a.logger.Error("aggregation failed, scheduling recheck",
		"job_id", jobID,
		"batch_id", batchID,
		"error", err)
	args := deferred.Args{"job_id": jobID, "batch_id": batchID, "previous_status": string(previous)}
	at := a.deps.Now().Add(a.deps.Settings.FinalizeRecheck)
	if schedErr := a.deps.scheduleOnce(context.WithoutCancel(ctx), at, CallbackAggregate, args); schedErr != nil {
		a.logger.Error("failed to schedule aggregation recheck", "job_id", jobID, "error", schedErr)
	}
}

// Finalize re-attempts finalization of a job whose counts were incomplete.
func (a *Aggregator) Finalize(ctx context.Context, jobID string) error {
	_, err := a.update(ctx, jobID, func(*domain.Job) (bool, error) { return false, nil }, false)
	return err
}

// Reconcile accounts every terminal batch of a job and force-finalizes it
// when all batches are terminal. It reports whether the job was finalized.
func (a *Aggregator) Reconcile(ctx context.Context, jobID string) (bool, error) {
	return a.update(ctx, jobID, func(job *domain.Job) (bool, error) {
		batches, err := a.deps.Tasks.ListBatches(ctx, job)
		if err != nil {
			return false, err
		}
		var changed bool
		for _, b := range batches {
			if !b.Status.IsTerminal() {
				return changed, nil
			}
			if job.Accounted(b.ID) {
				continue
			}
			a.count(job, b)
			changed = true
		}
		// Expired batch records can never report; count them failed.
		if missing := len(job.BatchIDs) - len(batches); missing > 0 {
			job.FailedBatches = min(job.FailedBatches+missing, job.TotalBatches-job.CompletedBatches)
			changed = true
		}
		return changed, nil
	}, true)
}

// update runs mutate and the finalization rule under the job lock, then
// performs the side effects of a finalization outside of it. It reports
// whether the job was finalized.
func (a *Aggregator) update(ctx context.Context, jobID string, mutate func(job *domain.Job) (bool, error), force bool) (bool, error) {
	ctx, span := tracer.Start(ctx, "job.aggregate", trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	var finished *domain.Job
	var changed bool
	err := a.deps.Locks.WithLock(ctx, lock.JobResource(jobID), lock.JobStaleness, func(ctx context.Context) error {
		job, err := a.deps.Tasks.GetJob(ctx, jobID)
		if errors.Is(err, store.ErrJobNotFound) {
			a.logger.Warn("job to aggregate no longer exists", "job_id", jobID)
			return nil
		}
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}

		changed, err = mutate(job)
		if err != nil {
			return err
		}
		if job.Finished() {
			done, err := a.tryFinalize(ctx, job, force)
			if err != nil {
				return err
			}
			if done {
				finished = job
			}
			// A deferral bumps FinalizeDefers, which must be persisted.
			changed = true
		}
		if !changed {
			return nil
		}
		job.UpdatedAt = a.deps.Now()
		if err := a.deps.Tasks.SaveJob(ctx, job); err != nil {
			return err
		}
		if err := a.deps.Index.Upsert(ctx, job); err != nil {
			a.logger.Warn("failed to index job", "job_id", jobID, "error", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if finished == nil {
		return false, nil
	}
	a.afterFinalize(ctx, finished)
	return true, nil
}

// account adds one terminal batch to the job counters once.
func (a *Aggregator) account(ctx context.Context, job *domain.Job, batchID string) (bool, error) {
	if job.Accounted(batchID) {
		return false, nil
	}
	b, err := a.deps.Tasks.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrBatchNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !b.Status.IsTerminal() {
		return false, nil
	}
	a.count(job, b)
	return true, nil
}

func (a *Aggregator) count(job *domain.Job, b *domain.Batch) {
	if b.Status == domain.BatchCompleted {
		job.CompletedBatches++
	} else {
		job.FailedBatches++
	}
	if b.Counts != nil {
		job.SuccessCount += b.Counts.Success
		job.FailCount += b.Counts.Failed
	}
	job.AccountedBatches = append(job.AccountedBatches, b.ID)

	// Counters never exceed the declared number of batches.
	job.CompletedBatches = min(job.CompletedBatches, job.TotalBatches)
	job.FailedBatches = min(job.FailedBatches, job.TotalBatches-job.CompletedBatches)
}

// tryFinalize verifies batch counts and moves the job to its terminal status.
// Missing counts or too few processed items defer finalization, up to
// MaxFinalizeDefers times; after that, or when force is set, the job is
// finalized with missing outcomes counted as failures.
func (a *Aggregator) tryFinalize(ctx context.Context, job *domain.Job, force bool) (bool, error) {
	batches, err := a.deps.Tasks.ListBatches(ctx, job)
	if err != nil {
		return false, err
	}

	var sum domain.ResultCounts
	missing := len(job.BatchIDs) - len(batches)
	for _, b := range batches {
		if !b.Status.IsTerminal() || b.Counts == nil {
			missing++
			continue
		}
		sum.Success += b.Counts.Success
		sum.Failed += b.Counts.Failed
	}

	if (missing > 0 || sum.Total() < job.TotalItems) && !force {
		if job.FinalizeDefers < a.deps.Settings.MaxFinalizeDefers {
			job.FinalizeDefers++
			at := a.deps.Now().Add(a.deps.Settings.FinalizeRecheck)
			a.logger.Info("deferring job finalization",
				"job_id", job.ID,
				"missing_counts", missing,
				"processed", sum.Total(),
				"total_items", job.TotalItems,
				"defers", job.FinalizeDefers)
			return false, a.deps.scheduleOnce(ctx, at, CallbackFinalize, deferred.Args{"job_id": job.ID})
		}
		a.logger.Warn("forcing job finalization with incomplete counts",
			"job_id", job.ID,
			"missing_counts", missing,
			"processed", sum.Total(),
			"total_items", job.TotalItems)
	}

	if short := job.TotalItems - sum.Total(); short > 0 {
		sum.Failed += short
	}
	job.SuccessCount = sum.Success
	job.FailCount = sum.Failed

	status := domain.JobCompleted
	if job.FailedBatches > 0 {
		status = domain.JobCompletedWithErrors
	}
	now := a.deps.Now()
	if job.Status == domain.JobPending {
		if err := job.Transition(domain.JobProcessing, now); err != nil {
			return false, err
		}
	}
	if err := job.Transition(status, now); err != nil {
		return false, err
	}
	return true, nil
}

// afterFinalize records the completion, notifies and frees capacity. None of
// these steps can undo the finalization, so failures are only logged.
func (a *Aggregator) afterFinalize(ctx context.Context, job *domain.Job) {
	metrics.JobsFinalized.WithLabelValues(string(job.Status)).Inc()
	a.logger.Info("job finalized",
		"job_id", job.ID,
		"status", job.Status,
		"success", job.SuccessCount,
		"failed", job.FailCount,
		"completed_batches", job.CompletedBatches,
		"failed_batches", job.FailedBatches)

	if err := a.deps.Index.RecordCompletion(ctx, job); err != nil {
		a.logger.Warn("failed to record completion", "job_id", job.ID, "error", err)
	}
	events.Emit(ctx, a.deps.Emitter, events.TypeJobCompleted, events.JobCompleted{
		JobID:            job.ID,
		Status:           string(job.Status),
		SuccessCount:     job.SuccessCount,
		FailCount:        job.FailCount,
		CompletedBatches: job.CompletedBatches,
		FailedBatches:    job.FailedBatches,
	})
	if a.scheduler != nil {
		if _, err := a.scheduler.Resume(ctx); err != nil {
			a.logger.Warn("failed to resume deferred batches", "error", err)
		}
	}
}

// aggregateCallback is the job.aggregate callback.
func (a *Aggregator) aggregateCallback(ctx context.Context, args deferred.Args) error {
	jobID := args["job_id"]
	if jobID == "" {
		return fmt.Errorf("%w: job_id is required", domain.ErrValidation)
	}
	a.BatchFinished(ctx, jobID, args["batch_id"], domain.BatchStatus(args["previous_status"]))
	return nil
}

// finalizeCallback is the job.finalize callback.
func (a *Aggregator) finalizeCallback(ctx context.Context, args deferred.Args) error {
	jobID := args["job_id"]
	if jobID == "" {
		return fmt.Errorf("%w: job_id is required", domain.ErrValidation)
	}
	return a.Finalize(ctx, jobID)
}
