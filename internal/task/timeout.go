package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/events"
	"github.com/phrazzld/scry-batch/internal/lock"
	"github.com/phrazzld/scry-batch/internal/metrics"
	"github.com/phrazzld/scry-batch/internal/store"
)

// TimeoutReport summarizes one timeout sweep.
type TimeoutReport struct {
	JobsTimedOut    int `json:"jobs_timed_out"`
	BatchesTimedOut int `json:"batches_timed_out"`
	Reconciled      int `json:"reconciled"`
	Cleaned         int `json:"cleaned"`
}

// TimeoutDetector finds stuck jobs and batches, reconciles jobs whose
// batches all finished without finalizing them, and drops index entries of
// expired jobs.
type TimeoutDetector struct {
	deps       *Deps
	executor   *Executor
	aggregator *Aggregator
	logger     *slog.Logger
}

// NewTimeoutDetector creates a detector.
func NewTimeoutDetector(deps *Deps, executor *Executor, aggregator *Aggregator) *TimeoutDetector {
	return &TimeoutDetector{
		deps:       deps,
		executor:   executor,
		aggregator: aggregator,
		logger:     deps.Logger.With("component", "timeout_detector"),
	}
}

// Sweep inspects every indexed job once. Problems with one job are logged
// and never stop the sweep.
func (d *TimeoutDetector) Sweep(ctx context.Context) (TimeoutReport, error) {
	ctx, span := tracer.Start(ctx, "timeout.sweep")
	defer span.End()

	var report TimeoutReport
	entries, err := d.deps.Index.All(ctx)
	if err != nil {
		return report, err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := d.inspect(ctx, entry, &report); err != nil {
			d.logger.Error("timeout check failed", "job_id", entry.JobID, "error", err)
		}
	}

	if report != (TimeoutReport{}) {
		d.logger.Info("timeout sweep finished",
			"jobs_timed_out", report.JobsTimedOut,
			"batches_timed_out", report.BatchesTimedOut,
			"reconciled", report.Reconciled,
			"cleaned", report.Cleaned)
	}
	return report, nil
}

func (d *TimeoutDetector) inspect(ctx context.Context, entry domain.IndexEntry, report *TimeoutReport) error {
	job, err := d.deps.Tasks.GetJob(ctx, entry.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		if err := d.cleanup(ctx, entry); err != nil {
			return err
		}
		report.Cleaned++
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	now := d.deps.Now()
	batches, err := d.deps.Tasks.ListBatches(ctx, job)
	if err != nil {
		return err
	}
	for _, b := range batches {
		reason := d.batchTimeout(b, now)
		if reason == "" {
			continue
		}
		cause := fmt.Errorf("%w: %s", ErrBatchTimedOut, reason)
		d.logger.Warn("batch timed out", "batch_id", b.ID, "job_id", b.JobID, "status", b.Status, "reason", reason)
		if err := d.executor.FailBatch(ctx, b.ID, cause); err != nil {
			d.logger.Error("failed to fail timed out batch", "batch_id", b.ID, "error", err)
			continue
		}
		metrics.TimeoutsDetected.WithLabelValues("batch").Inc()
		report.BatchesTimedOut++
	}

	// Batch failures may have finalized the job.
	job, err = d.deps.Tasks.GetJob(ctx, job.ID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return nil
		}
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if reason := d.jobTimeout(job, d.deps.Now()); reason != "" {
		timedOut, err := d.failJob(ctx, job.ID, reason)
		if err != nil {
			return err
		}
		if timedOut {
			report.JobsTimedOut++
		}
		return nil
	}

	batches, err = d.deps.Tasks.ListBatches(ctx, job)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if !b.Status.IsTerminal() {
			return nil
		}
	}
	finalized, err := d.aggregator.Reconcile(ctx, job.ID)
	if err != nil {
		return err
	}
	if finalized {
		d.logger.Info("reconciled stuck job", "job_id", job.ID)
		report.Reconciled++
	}
	return nil
}

// batchTimeout returns why a batch counts as stuck, or "".
func (d *TimeoutDetector) batchTimeout(b *domain.Batch, now time.Time) string {
	st := d.deps.Settings
	switch b.Status {
	case domain.BatchProcessing:
		if idle := now.Sub(b.UpdatedAt); idle > st.BatchProcessingTimeout {
			return fmt.Sprintf("processing with no progress for %s", idle.Round(time.Minute))
		}
	case domain.BatchPending:
		since := b.UpdatedAt
		if b.ScheduledAt != nil && b.ScheduledAt.After(since) {
			since = *b.ScheduledAt
		}
		if idle := now.Sub(since); idle > st.BatchPendingTimeout {
			return fmt.Sprintf("pending for %s", idle.Round(time.Minute))
		}
	}
	return ""
}

// jobTimeout returns why a job counts as stuck, or "".
func (d *TimeoutDetector) jobTimeout(job *domain.Job, now time.Time) string {
	st := d.deps.Settings
	if age := now.Sub(job.CreatedAt); age > st.JobAbsoluteTimeout {
		return fmt.Sprintf("running for %s, over the %s limit", age.Round(time.Minute), st.JobAbsoluteTimeout)
	}
	idle := now.Sub(job.UpdatedAt)
	var limit time.Duration
	switch job.Status {
	case domain.JobPending:
		limit = st.JobPendingTimeout
	case domain.JobScheduled:
		limit = st.JobScheduledTimeout
	case domain.JobProcessing:
		limit = st.JobProcessingTimeout
	default:
		return ""
	}
	if idle > limit {
		return fmt.Sprintf("%s with no progress for %s", job.Status, idle.Round(time.Minute))
	}
	return ""
}

// failJob force-fails a job after re-validating it under the job lock.
func (d *TimeoutDetector) failJob(ctx context.Context, jobID, reason string) (bool, error) {
	var job *domain.Job
	var previous domain.JobStatus
	err := d.deps.Locks.WithLock(ctx, lock.JobResource(jobID), lock.JobStaleness, func(ctx context.Context) error {
		var err error
		job, err = d.deps.Tasks.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			job = nil
			return nil
		}
		previous = job.Status
		job.Error = fmt.Sprintf("%s: %s", ErrJobTimedOut, reason)
		if err := job.Transition(domain.JobFailed, d.deps.Now()); err != nil {
			return err
		}
		return d.deps.Tasks.SaveJob(ctx, job)
	})
	if err != nil || job == nil {
		return false, err
	}

	metrics.TimeoutsDetected.WithLabelValues("job").Inc()
	metrics.JobsFinalized.WithLabelValues(string(job.Status)).Inc()
	d.logger.Warn("job timed out", "job_id", job.ID, "previous_status", previous, "reason", reason)

	if err := d.deps.Index.Upsert(ctx, job); err != nil {
		d.logger.Warn("failed to index job", "job_id", job.ID, "error", err)
	}
	if err := d.deps.Index.RecordCompletion(ctx, job); err != nil {
		d.logger.Warn("failed to record completion", "job_id", job.ID, "error", err)
	}
	events.Emit(ctx, d.deps.Emitter, events.TypeJobTimedOut, events.JobTimedOut{
		JobID:  job.ID,
		Status: string(previous),
		Reason: reason,
	})
	return true, nil
}

// cleanup removes what an expired job left behind.
func (d *TimeoutDetector) cleanup(ctx context.Context, entry domain.IndexEntry) error {
	for i := 0; i < entry.TotalBatches; i++ {
		if err := d.deps.Tasks.DeleteBatch(ctx, domain.BatchID(entry.JobID, i)); err != nil {
			return err
		}
	}
	if err := d.deps.Index.Remove(ctx, entry.JobID); err != nil {
		return err
	}
	d.logger.Info("removed expired job from index", "job_id", entry.JobID, "batches", entry.TotalBatches)
	return nil
}
