package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/scry-batch/internal/deferred"
	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/kv"
	"github.com/phrazzld/scry-batch/internal/lock"
	"github.com/phrazzld/scry-batch/internal/store"
)

// deferredList holds batches that could not be scheduled because the
// concurrency ceiling was reached.
type deferredList struct {
	SchemaVersion int      `json:"schema_version"`
	BatchIDs      []string `json:"batch_ids"`
}

// JobRequest describes a job to create from already fetched items.
type JobRequest struct {
	Workflow domain.Workflow
	Priority int
	Source   string
	Options  map[string]string
}

// BatchScheduler decomposes jobs into batches and paces their execution.
type BatchScheduler struct {
	deps   *Deps
	logger *slog.Logger
}

// NewBatchScheduler creates a scheduler.
func NewBatchScheduler(deps *Deps) *BatchScheduler {
	return &BatchScheduler{deps: deps, logger: deps.Logger.With("component", "batch_scheduler")}
}

// ShouldBatch reports whether items exceed what one remote call may carry.
func (s *BatchScheduler) ShouldBatch(items []domain.Item) bool {
	return len(items) > s.deps.Settings.PerCallCap
}

// BatchSize returns the chunk size for a job of the given priority,
// adjusted for memory pressure.
func (s *BatchScheduler) BatchSize(priority int, sample []domain.Item) int {
	size := s.deps.Settings.DefaultBatchSize
	if priority >= domain.BackgroundPriority {
		size = s.deps.Settings.BackgroundBatchSize
	}
	if limit := s.deps.Settings.PerCallCap; limit > 0 && size > limit {
		size = limit
	}
	return OptimalBatchSize(size, sample, s.deps.Memory)
}

// CreateBatches splits items into order-preserving chunks.
func (s *BatchScheduler) CreateBatches(items []domain.Item, priority int) [][]domain.Item {
	if len(items) == 0 {
		return nil
	}
	size := s.BatchSize(priority, items)
	chunks := make([][]domain.Item, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// CreateJob persists a job and one pending batch per chunk of valid items.
// Items with an empty id or content are skipped; ErrNoValidItems is returned
// when none remain.
func (s *BatchScheduler) CreateJob(ctx context.Context, req JobRequest, items []domain.Item) (*domain.Job, error) {
	if req.Priority == 0 {
		req.Priority = domain.DefaultPriority
	}
	now := s.deps.Now()
	job, err := domain.NewJob(req.Workflow, req.Priority, req.Source, now)
	if err != nil {
		return nil, err
	}

	valid := make([]domain.Item, 0, len(items))
	for _, item := range items {
		if item.Valid() {
			valid = append(valid, item)
		}
	}
	if skipped := len(items) - len(valid); skipped > 0 {
		s.logger.Warn("skipping invalid items", "job_id", job.ID, "skipped", skipped, "total", len(items))
	}
	if len(valid) == 0 {
		return nil, ErrNoValidItems
	}

	chunks := s.CreateBatches(valid, job.Priority)
	job.TotalItems = len(valid)
	job.TotalBatches = len(chunks)
	cfg := domain.WorkflowConfig{Kind: req.Workflow, Options: req.Options}
	for i, chunk := range chunks {
		b := domain.NewBatch(job, i, len(chunks), chunk, cfg, now)
		if err := s.deps.Tasks.SaveBatch(ctx, b); err != nil {
			return nil, fmt.Errorf("create batch %d of job %s: %w", i, job.ID, err)
		}
		job.BatchIDs = append(job.BatchIDs, b.ID)
	}

	if err := s.deps.Tasks.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.deps.Index.Upsert(ctx, job); err != nil {
		s.logger.Error("failed to index job", "job_id", job.ID, "error", err)
	}

	s.logger.Info("job created",
		"job_id", job.ID,
		"workflow", job.Workflow,
		"items", job.TotalItems,
		"batches", job.TotalBatches,
		"priority", job.Priority)
	return job, nil
}

// slot returns the offset of the n-th execution from now: the first
// InitialBurst at BurstSpacing intervals, the rest throttled.
func (s *BatchScheduler) slot(n int) time.Duration {
	st := s.deps.Settings
	if n < st.InitialBurst {
		return time.Duration(n) * st.BurstSpacing
	}
	var burstEnd time.Duration
	if st.InitialBurst > 0 {
		burstEnd = time.Duration(st.InitialBurst-1) * st.BurstSpacing
	}
	return burstEnd + time.Duration(n-st.InitialBurst+1)*s.interval()
}

// interval is the spacing of throttled executions.
func (s *BatchScheduler) interval() time.Duration {
	if n := s.deps.Settings.ThrottlePerMinute; n > 0 {
		return time.Minute / time.Duration(n)
	}
	return time.Minute
}

// Schedule arms batch executions for every unscheduled pending batch of job.
// Batches over the concurrency ceiling go to the deferred list and are picked
// up by Resume. Returns ErrSchedulerBusy when the scheduler lock is held.
func (s *BatchScheduler) Schedule(ctx context.Context, job *domain.Job) error {
	ctx, span := tracer.Start(ctx, "scheduler.schedule")
	defer span.End()

	var scheduled, deferredCount int
	err := s.withSchedulerLock(ctx, func(ctx context.Context) error {
		batches, err := s.deps.Tasks.ListBatches(ctx, job)
		if err != nil {
			return err
		}
		active, err := s.activeBatches(ctx)
		if err != nil {
			return err
		}
		list, err := s.loadDeferred(ctx)
		if err != nil {
			return err
		}

		now := s.deps.Now()
		free := s.deps.Settings.MaxConcurrent - active
		listed := make(map[string]bool, len(list.BatchIDs))
		for _, id := range list.BatchIDs {
			listed[id] = true
		}
		var added bool
		for _, b := range batches {
			if b.Status != domain.BatchPending || b.ScheduledAt != nil || listed[b.ID] {
				continue
			}
			if free <= 0 {
				list.BatchIDs = append(list.BatchIDs, b.ID)
				deferredCount++
				added = true
				continue
			}
			if err := s.arm(ctx, b, now.Add(s.slot(scheduled))); err != nil {
				return err
			}
			scheduled++
			free--
		}
		if !added {
			return nil
		}
		if err := s.saveDeferred(ctx, list); err != nil {
			return err
		}
		return s.deps.scheduleOnce(ctx, now.Add(s.deps.Settings.RecheckDelay), CallbackSchedulerRecheck, nil)
	})
	if err != nil {
		return err
	}

	if err := s.markScheduled(ctx, job.ID); err != nil {
		s.logger.Error("failed to mark job scheduled", "job_id", job.ID, "error", err)
	}
	s.logger.Info("job scheduled", "job_id", job.ID, "scheduled", scheduled, "deferred", deferredCount)
	return nil
}

// Resume schedules deferred batches while capacity allows and reports how
// many were armed. Entries that are no longer pending are dropped.
func (s *BatchScheduler) Resume(ctx context.Context) (int, error) {
	var scheduled int
	err := s.withSchedulerLock(ctx, func(ctx context.Context) error {
		list, err := s.loadDeferred(ctx)
		if err != nil {
			return err
		}
		if len(list.BatchIDs) == 0 {
			return nil
		}
		active, err := s.activeBatches(ctx)
		if err != nil {
			return err
		}

		now := s.deps.Now()
		free := s.deps.Settings.MaxConcurrent - active
		remaining := list.BatchIDs[:0]
		for _, id := range list.BatchIDs {
			if free <= 0 {
				remaining = append(remaining, id)
				continue
			}
			b, err := s.deps.Tasks.GetBatch(ctx, id)
			if errors.Is(err, store.ErrBatchNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if b.Status != domain.BatchPending || b.ScheduledAt != nil {
				continue
			}
			// Resumed batches were held back for capacity, so they are throttled
			// rather than burst.
			if err := s.arm(ctx, b, now.Add(time.Duration(scheduled)*s.interval())); err != nil {
				return err
			}
			scheduled++
			free--
		}
		list.BatchIDs = remaining
		if err := s.saveDeferred(ctx, list); err != nil {
			return err
		}
		if len(remaining) > 0 {
			return s.deps.scheduleOnce(ctx, now.Add(s.deps.Settings.RecheckDelay), CallbackSchedulerRecheck, nil)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if scheduled > 0 {
		s.logger.Info("resumed deferred batches", "scheduled", scheduled)
	}
	return scheduled, nil
}

// Deferred returns the ids of batches waiting for capacity.
func (s *BatchScheduler) Deferred(ctx context.Context) ([]string, error) {
	list, err := s.loadDeferred(ctx)
	if err != nil {
		return nil, err
	}
	return list.BatchIDs, nil
}

func (s *BatchScheduler) withSchedulerLock(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.deps.Locks.WithLock(ctx, lock.SchedulerResource, lock.DefaultStaleness, fn)
	if errors.Is(err, lock.ErrNotAcquired) {
		return ErrSchedulerBusy
	}
	return err
}

// arm stamps the batch with its execution time and schedules it.
func (s *BatchScheduler) arm(ctx context.Context, b *domain.Batch, at time.Time) error {
	b.ScheduledAt = &at
	b.UpdatedAt = s.deps.Now()
	if err := s.deps.Tasks.SaveBatch(ctx, b); err != nil {
		return err
	}
	return s.deps.schedule(ctx, at, CallbackExecuteBatch, deferred.Args{"batch_id": b.ID})
}

// activeBatches counts batches of non-terminal jobs that are running or
// have an execution scheduled.
func (s *BatchScheduler) activeBatches(ctx context.Context) (int, error) {
	entries, err := s.deps.Index.Active(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	for _, e := range entries {
		job, err := s.deps.Tasks.GetJob(ctx, e.JobID)
		if errors.Is(err, store.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		batches, err := s.deps.Tasks.ListBatches(ctx, job)
		if err != nil {
			return 0, err
		}
		for _, b := range batches {
			if b.Active() {
				n++
			}
		}
	}
	return n, nil
}

func (s *BatchScheduler) markScheduled(ctx context.Context, jobID string) error {
	var job *domain.Job
	err := s.deps.Locks.WithLock(ctx, lock.JobResource(jobID), lock.JobStaleness, func(ctx context.Context) error {
		var err error
		job, err = s.deps.Tasks.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobPending {
			job = nil
			return nil
		}
		if err := job.Transition(domain.JobScheduled, s.deps.Now()); err != nil {
			return err
		}
		return s.deps.Tasks.SaveJob(ctx, job)
	})
	if err != nil || job == nil {
		return err
	}
	return s.deps.Index.Upsert(ctx, job)
}

func (s *BatchScheduler) loadDeferred(ctx context.Context) (*deferredList, error) {
	list := &deferredList{}
	err := kv.GetJSON(ctx, s.deps.Tasks.KV(), kv.DeferredBatchesKey, list)
	if errors.Is(err, kv.ErrNotFound) {
		return &deferredList{SchemaVersion: domain.SchemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load deferred batches: %w", err)
	}
	if list.SchemaVersion != domain.SchemaVersion {
		return nil, fmt.Errorf("deferred batches: %w", store.ErrSchemaVersion)
	}
	return list, nil
}

func (s *BatchScheduler) saveDeferred(ctx context.Context, list *deferredList) error {
	list.SchemaVersion = domain.SchemaVersion
	if err := kv.SetJSON(ctx, s.deps.Tasks.KV(), kv.DeferredBatchesKey, list, 0); err != nil {
		return fmt.Errorf("save deferred batches: %w", err)
	}
	return nil
}

// scheduleJob is the job.schedule callback.
func (s *BatchScheduler) scheduleJob(ctx context.Context, args deferred.Args) error {
	jobID := strings.TrimSpace(args["job_id"])
	job, err := s.deps.Tasks.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		s.logger.Warn("job to schedule no longer exists", "job_id", jobID)
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	return s.Schedule(ctx, job)
}
