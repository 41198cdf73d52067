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
	"github.com/phrazzld/scry-batch/internal/events"
	"github.com/phrazzld/scry-batch/internal/lock"
	"github.com/phrazzld/scry-batch/internal/metrics"
	"github.com/phrazzld/scry-batch/internal/store"
)

// SubmitRequest asks for content to be generated for a set of items.
type SubmitRequest struct {
	ItemIDs  []string
	Workflow string
	Priority int
	Source   string
	Options  map[string]string
}

// BatchSummary is the client view of one batch.
type BatchSummary struct {
	ID          string               `json:"id"`
	Ordinal     int                  `json:"ordinal"`
	Status      domain.BatchStatus   `json:"status"`
	Items       int                  `json:"items"`
	Counts      *domain.ResultCounts `json:"counts,omitempty"`
	Retries     int                  `json:"retries"`
	Error       string               `json:"error,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// JobDetail is a job with the state of its batches.
type JobDetail struct {
	Job     *domain.Job    `json:"job"`
	Batches []BatchSummary `json:"batches"`
}

// Service is the entrypoint used by the HTTP API and the CLI.
type Service struct {
	deps      *Deps
	scheduler *BatchScheduler
	logger    *slog.Logger
}

// NewService creates a service.
func NewService(deps *Deps, scheduler *BatchScheduler) *Service {
	return &Service{deps: deps, scheduler: scheduler, logger: deps.Logger.With("component", "task_service")}
}

// Submit creates a job for the requested items and schedules its batches.
// The job id is returned as soon as the job is stored; when the scheduler is
// busy, scheduling is retried through a job.schedule callback.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	workflow, err := domain.ParseWorkflow(req.Workflow)
	if err != nil {
		return "", err
	}
	if req.Priority != 0 {
		if err := domain.ValidatePriority(req.Priority); err != nil {
			return "", err
		}
	}
	ids := dedupe(req.ItemIDs)
	if len(ids) == 0 {
		return "", ErrNoValidItems
	}
	if s.deps.Source == nil {
		return "", errors.New("task: no content source configured")
	}

	items, err := s.deps.Source.Fetch(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("fetch content: %w", err)
	}
	job, err := s.scheduler.CreateJob(ctx, JobRequest{
		Workflow: workflow,
		Priority: req.Priority,
		Source:   req.Source,
		Options:  req.Options,
	}, items)
	if err != nil {
		return "", err
	}

	if err := s.scheduler.Schedule(ctx, job); err != nil {
		s.logger.Warn("scheduling deferred", "job_id", job.ID, "error", err)
		at := s.deps.Now().Add(s.deps.Settings.RecheckDelay)
		if err := s.deps.schedule(ctx, at, CallbackScheduleJob, deferred.Args{"job_id": job.ID}); err != nil {
			return job.ID, err
		}
	}
	return job.ID, nil
}

// Get returns a job with its batches.
func (s *Service) Get(ctx context.Context, jobID string) (*JobDetail, error) {
	job, err := s.deps.Tasks.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	batches, err := s.deps.Tasks.ListBatches(ctx, job)
	if err != nil {
		return nil, err
	}
	detail := &JobDetail{Job: job, Batches: make([]BatchSummary, 0, len(batches))}
	for _, b := range batches {
		sum := BatchSummary{
			ID:          b.ID,
			Ordinal:     b.Ordinal,
			Status:      b.Status,
			Items:       len(b.Items),
			Counts:      b.Counts,
			Retries:     b.Retry.Count,
			Error:       b.Error,
			CompletedAt: b.CompletedAt,
		}
		detail.Batches = append(detail.Batches, sum)
	}
	return detail, nil
}

// Cancel marks a job cancelled and cancels its pending batches. Batches
// already running finish, but their results no longer change the job.
func (s *Service) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	var job *domain.Job
	err := s.deps.Locks.WithLock(ctx, lock.JobResource(jobID), lock.JobStaleness, func(ctx context.Context) error {
		var err error
		job, err = s.deps.Tasks.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrJobFinished, job.Status)
		}
		if err := job.Transition(domain.JobCancelled, s.deps.Now()); err != nil {
			return err
		}
		return s.deps.Tasks.SaveJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}

	metrics.JobsFinalized.WithLabelValues(string(job.Status)).Inc()
	if err := s.deps.Index.Upsert(ctx, job); err != nil {
		s.logger.Warn("failed to index job", "job_id", jobID, "error", err)
	}
	if err := s.deps.Index.RecordCompletion(ctx, job); err != nil {
		s.logger.Warn("failed to record completion", "job_id", jobID, "error", err)
	}
	events.Emit(ctx, s.deps.Emitter, events.TypeJobCancelled, events.JobCancelled{JobID: jobID})

	var cancelled int
	for _, id := range job.BatchIDs {
		ok, err := s.cancelBatch(ctx, id)
		if err != nil {
			// The executor cancels it when its execution comes due.
			s.logger.Warn("failed to cancel batch", "batch_id", id, "error", err)
			continue
		}
		if ok {
			cancelled++
		}
	}
	s.logger.Info("job cancelled", "job_id", jobID, "batches_cancelled", cancelled)
	return job, nil
}

func (s *Service) cancelBatch(ctx context.Context, batchID string) (bool, error) {
	var done bool
	err := s.deps.Locks.WithLock(ctx, lock.BatchResource(batchID), lock.BatchStaleness, func(ctx context.Context) error {
		b, err := s.deps.Tasks.GetBatch(ctx, batchID)
		if errors.Is(err, store.ErrBatchNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if b.Status != domain.BatchPending {
			return nil
		}
		if err := b.Transition(domain.BatchCancelled, s.deps.Now()); err != nil {
			return err
		}
		done = true
		return s.deps.Tasks.SaveBatch(ctx, b)
	})
	return done, err
}

// List returns a page of the task index.
func (s *Service) List(ctx context.Context, q store.Query) (store.Page, error) {
	return s.deps.Index.List(ctx, q)
}

// Recent returns the most recently finished jobs.
func (s *Service) Recent(ctx context.Context) ([]domain.IndexEntry, error) {
	return s.deps.Index.RecentCompletions(ctx)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
