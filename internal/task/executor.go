package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/scry-batch/internal/deferred"
	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/events"
	"github.com/phrazzld/scry-batch/internal/generation"
	"github.com/phrazzld/scry-batch/internal/lock"
	"github.com/phrazzld/scry-batch/internal/metrics"
	"github.com/phrazzld/scry-batch/internal/redact"
	"github.com/phrazzld/scry-batch/internal/retry"
	"github.com/phrazzld/scry-batch/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Executor runs one batch against the generation API.
type Executor struct {
	deps       *Deps
	aggregator *Aggregator
	polling    *PollingQueue
	logger     *slog.Logger
}

// NewExecutor creates an executor reporting terminal batches to aggregator.
// The polling queue is attached by NewEngine.
func NewExecutor(deps *Deps, aggregator *Aggregator) *Executor {
	return &Executor{
		deps:       deps,
		aggregator: aggregator,
		logger:     deps.Logger.With("component", "batch_executor"),
	}
}

// Execute runs a pending batch. It is a no-op when another invocation holds
// the batch lock or the batch is no longer pending, so duplicate deliveries
// of the same execution are harmless.
func (e *Executor) Execute(ctx context.Context, batchID string) error {
	ctx, span := tracer.Start(ctx, "batch.execute", trace.WithAttributes(attribute.String("batch_id", batchID)))
	defer span.End()

	resource := lock.BatchResource(batchID)
	token, err := e.deps.Locks.Acquire(ctx, resource, lock.BatchStaleness)
	if errors.Is(err, lock.ErrNotAcquired) {
		e.logger.Debug("batch locked by another invocation", "batch_id", batchID)
		return nil
	}
	if err != nil {
		return err
	}
	defer e.deps.Locks.ReleaseQuietly(context.WithoutCancel(ctx), resource, token)

	b, err := e.deps.Tasks.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrBatchNotFound) {
		e.logger.Warn("batch to execute no longer exists", "batch_id", batchID)
		return nil
	}
	if err != nil {
		return err
	}
	if b.Status != domain.BatchPending {
		e.logger.Debug("skipping batch that is not pending", "batch_id", batchID, "status", b.Status)
		return nil
	}
	logger := e.logger.With("batch_id", b.ID, "job_id", b.JobID)

	job, err := e.deps.Tasks.GetJob(ctx, b.JobID)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		logger.Warn("cancelling orphaned batch")
		return e.finish(ctx, b, domain.BatchCancelled, nil)
	case err != nil:
		return err
	case job.Status.IsTerminal():
		logger.Info("cancelling batch of finished job", "job_status", job.Status)
		return e.finish(ctx, b, domain.BatchCancelled, nil)
	}

	if err := b.Transition(domain.BatchProcessing, e.deps.Now()); err != nil {
		return err
	}
	if err := e.deps.Tasks.SaveBatch(ctx, b); err != nil {
		return err
	}
	e.markJobProcessing(ctx, job.ID)

	execCtx, cancel := context.WithTimeout(ctx, e.deps.Settings.ExecutionTimeout)
	defer cancel()

	var submitted *generation.SubmitResult
	res, err := e.deps.Retry.Do(execCtx, e.deps.gate(), func(ctx context.Context) error {
		r, err := e.deps.Generator.Submit(ctx, generation.SubmitRequest{
			JobID:    b.JobID,
			BatchID:  b.ID,
			Workflow: b.Workflow,
			Items:    b.Items,
		})
		if err != nil {
			metrics.RemoteCalls.WithLabelValues("submit", "error").Inc()
			return err
		}
		metrics.RemoteCalls.WithLabelValues("submit", "ok").Inc()
		submitted = r
		return nil
	})
	b.Retry.FailedAttempts += res.Failures
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		logger.Warn("batch submission failed", "attempts", res.Attempts, "error", redact.Error(err))
		return e.failLocked(ctx, b, err)
	}

	if submitted.Async() {
		return e.startPolling(ctx, b, submitted.GenerationID)
	}
	buf, err := e.merge(ctx, b, submitted.Results)
	if err != nil {
		return err
	}
	return e.complete(ctx, b, buf)
}

// startPolling records the generation id and hands the batch to the polling queue.
func (e *Executor) startPolling(ctx context.Context, b *domain.Batch, generationID string) error {
	b.CorrelationID = generationID
	b.UpdatedAt = e.deps.Now()
	if err := e.deps.Tasks.SaveBatch(ctx, b); err != nil {
		return err
	}
	e.logger.Info("batch submitted for asynchronous generation", "batch_id", b.ID, "generation_id", generationID)
	if e.polling == nil {
		return nil
	}
	return e.polling.Enqueue(ctx, domain.PollEntry{
		JobID:         b.JobID,
		BatchID:       b.ID,
		CorrelationID: generationID,
		Workflow:      b.Workflow.Kind,
		ItemIDs:       b.ItemIDs(),
		Priority:      b.Priority,
	})
}

// Poll fetches progress for an asynchronous batch. It reports done when the
// entry should leave the polling queue. Errors come from the remote call and
// are classified by the caller.
func (e *Executor) Poll(ctx context.Context, entry domain.PollEntry) (bool, error) {
	ctx, span := tracer.Start(ctx, "batch.poll", trace.WithAttributes(attribute.String("batch_id", entry.BatchID)))
	defer span.End()

	resource := lock.BatchResource(entry.BatchID)
	token, err := e.deps.Locks.Acquire(ctx, resource, lock.BatchStaleness)
	if errors.Is(err, lock.ErrNotAcquired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer e.deps.Locks.ReleaseQuietly(context.WithoutCancel(ctx), resource, token)

	b, err := e.deps.Tasks.GetBatch(ctx, entry.BatchID)
	if errors.Is(err, store.ErrBatchNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if b.Status != domain.BatchProcessing || b.CorrelationID != entry.CorrelationID {
		return true, nil
	}

	// One attempt per sweep; the breaker still sees the outcome.
	single := e.deps.Retry
	single.MaxRetries = 0
	var progress *generation.PollResult
	_, err = single.Do(ctx, e.deps.gate(), func(ctx context.Context) error {
		p, err := e.deps.Generator.Poll(ctx, entry.CorrelationID)
		if err != nil {
			metrics.RemoteCalls.WithLabelValues("poll", "error").Inc()
			return err
		}
		metrics.RemoteCalls.WithLabelValues("poll", "ok").Inc()
		progress = p
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	buf, err := e.merge(ctx, b, progress.Results)
	if err != nil {
		return false, err
	}
	b.Processed = progress.Processed
	if !progress.Done() {
		b.UpdatedAt = e.deps.Now()
		return false, e.deps.Tasks.SaveBatch(ctx, b)
	}
	if progress.Status == generation.PollFailed {
		e.logger.Warn("remote generation failed", "batch_id", b.ID, "error", redact.String(progress.Error))
		b.Error = redact.String(progress.Error)
	}
	return true, e.complete(ctx, b, buf)
}

// merge validates results, writes successful payloads to the sink and folds
// them into the batch buffer. Payloads reach the sink before the buffer is
// trimmed, so trimming only forgets content that is already stored.
func (e *Executor) merge(ctx context.Context, b *domain.Batch, results []domain.ItemResult) (*store.ResultsBuffer, error) {
	results = e.ownResults(b, results)
	if e.deps.Validator != nil {
		results = e.deps.Validator.Apply(b.Workflow.Kind, results)
	}
	if len(results) > 0 {
		if err := e.deps.Sink.SaveResults(ctx, b.JobID, b.Workflow.Kind, results); err != nil {
			return nil, fmt.Errorf("save results of batch %s: %w", b.ID, err)
		}
	}
	return e.deps.Results.Merge(ctx, b.ID, results)
}

// ownResults drops results for items the batch does not contain.
func (e *Executor) ownResults(b *domain.Batch, results []domain.ItemResult) []domain.ItemResult {
	members := make(map[string]struct{}, len(b.Items))
	for _, id := range b.ItemIDs() {
		members[id] = struct{}{}
	}
	kept := results[:0:0]
	for _, r := range results {
		if _, ok := members[r.ItemID]; ok {
			kept = append(kept, r)
			continue
		}
		e.logger.Warn("ignoring result for item outside batch", "batch_id", b.ID, "item_id", r.ItemID)
	}
	return kept
}

// complete sets final counts from the buffer and finishes the batch. Items
// without any result count as failed.
func (e *Executor) complete(ctx context.Context, b *domain.Batch, buf *store.ResultsBuffer) error {
	counts := buf.Counts()
	if missing := len(b.Items) - buf.Len(); missing > 0 {
		counts.Failed += missing
	}
	b.Processed = counts.Total()

	to := domain.BatchCompleted
	if counts.Failed > 0 {
		to = domain.BatchFailed
	}
	if err := e.deps.Results.Clear(ctx, b.ID); err != nil {
		e.logger.Error("failed to clear results buffer", "batch_id", b.ID, "error", err)
	}
	return e.finish(ctx, b, to, &counts)
}

// finish moves the batch to a terminal status and reports it.
func (e *Executor) finish(ctx context.Context, b *domain.Batch, to domain.BatchStatus, counts *domain.ResultCounts) error {
	previous := b.Status
	if err := b.Transition(to, e.deps.Now()); err != nil {
		return err
	}
	if counts != nil {
		b.Counts = counts
	}
	if err := e.deps.Tasks.SaveBatch(ctx, b); err != nil {
		return err
	}
	metrics.BatchOutcomes.WithLabelValues(string(to)).Inc()

	attrs := []any{"batch_id", b.ID, "job_id", b.JobID, "status", to}
	if b.Counts != nil {
		attrs = append(attrs, "success", b.Counts.Success, "failed", b.Counts.Failed)
	}
	e.logger.Info("batch finished", attrs...)

	e.aggregator.BatchFinished(ctx, b.JobID, b.ID, previous)
	return nil
}

// FailBatch applies the retry-or-fail rule to a batch outside of Execute.
// It is a no-op when the batch is locked elsewhere or already terminal.
func (e *Executor) FailBatch(ctx context.Context, batchID string, cause error) error {
	resource := lock.BatchResource(batchID)
	token, err := e.deps.Locks.Acquire(ctx, resource, lock.BatchStaleness)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil
	}
	if err != nil {
		return err
	}
	defer e.deps.Locks.ReleaseQuietly(context.WithoutCancel(ctx), resource, token)

	b, err := e.deps.Tasks.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrBatchNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if b.Status.IsTerminal() {
		return nil
	}
	return e.failLocked(ctx, b, cause)
}

// failLocked re-schedules a retryable failure while retries remain and
// otherwise fails the batch with every item counted failed. The caller holds
// the batch lock.
func (e *Executor) failLocked(ctx context.Context, b *domain.Batch, cause error) error {
	now := e.deps.Now()
	msg := redact.Error(cause)
	b.Retry.LastError = msg

	job, err := e.deps.Tasks.GetJob(ctx, b.JobID)
	if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return err
	}
	if job == nil || job.Status == domain.JobCancelled {
		return e.finish(ctx, b, domain.BatchCancelled, nil)
	}

	if retry.Classify(cause) && b.Retry.Count < e.deps.Settings.MaxRetries && !job.Status.IsTerminal() {
		b.Retry.Count++
		at := now.Add(e.deps.Retry.DelayFor(b.Retry.Count))
		if err := b.Transition(domain.BatchPending, now); err != nil {
			return err
		}
		b.Retry.NextAttemptAt = &at
		b.ScheduledAt = &at
		if err := e.deps.Tasks.SaveBatch(ctx, b); err != nil {
			return err
		}
		metrics.BatchOutcomes.WithLabelValues("retry").Inc()
		e.logger.Info("batch will be retried",
			"batch_id", b.ID,
			"job_id", b.JobID,
			"retry", b.Retry.Count,
			"retry_at", at,
			"error", msg)
		return e.deps.schedule(ctx, at, CallbackExecuteBatch, deferred.Args{"batch_id": b.ID})
	}

	b.Error = msg
	if err := e.deps.Results.Clear(ctx, b.ID); err != nil {
		e.logger.Error("failed to clear results buffer", "batch_id", b.ID, "error", err)
	}
	events.Emit(ctx, e.deps.Emitter, events.TypeBatchFailed, events.BatchFailed{
		JobID:    b.JobID,
		BatchID:  b.ID,
		Error:    msg,
		Attempts: b.Retry.FailedAttempts,
	})
	e.logger.Error("batch failed permanently",
		"batch_id", b.ID,
		"job_id", b.JobID,
		"retries", b.Retry.Count,
		"failed_attempts", b.Retry.FailedAttempts,
		"error", msg)
	return e.finish(ctx, b, domain.BatchFailed, &domain.ResultCounts{Failed: len(b.Items)})
}

// markJobProcessing moves the parent job to processing on its first execution.
func (e *Executor) markJobProcessing(ctx context.Context, jobID string) {
	var job *domain.Job
	err := e.deps.Locks.WithLock(ctx, lock.JobResource(jobID), lock.JobStaleness, func(ctx context.Context) error {
		var err error
		job, err = e.deps.Tasks.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobPending && job.Status != domain.JobScheduled {
			job = nil
			return nil
		}
		if err := job.Transition(domain.JobProcessing, e.deps.Now()); err != nil {
			return err
		}
		return e.deps.Tasks.SaveJob(ctx, job)
	})
	if err != nil {
		e.logger.Warn("failed to mark job processing", "job_id", jobID, "error", err)
		return
	}
	if job != nil {
		if err := e.deps.Index.Upsert(ctx, job); err != nil {
			e.logger.Warn("failed to index job", "job_id", jobID, "error", err)
		}
	}
}

// executeBatch is the batch.execute callback.
func (e *Executor) executeBatch(ctx context.Context, args deferred.Args) error {
	id := args["batch_id"]
	if id == "" {
		return fmt.Errorf("%w: batch_id is required", domain.ErrValidation)
	}
	return e.Execute(ctx, id)
}
