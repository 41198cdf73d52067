package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/kv"
	"github.com/phrazzld/scry-batch/internal/lock"
	"github.com/phrazzld/scry-batch/internal/metrics"
	"github.com/phrazzld/scry-batch/internal/redact"
	"github.com/phrazzld/scry-batch/internal/retry"
	"github.com/phrazzld/scry-batch/internal/store"
)

type pollQueue struct {
	SchemaVersion int                `json:"schema_version"`
	Entries       []domain.PollEntry `json:"entries"`
}

func (q *pollQueue) find(batchID string) int {
	for i := range q.Entries {
		if q.Entries[i].BatchID == batchID {
			return i
		}
	}
	return -1
}

// SweepResult summarizes one polling sweep.
type SweepResult struct {
	Polled    int `json:"polled"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Purged    int `json:"purged"`
	Remaining int `json:"remaining"`
}

// PollingQueue is the single queue of asynchronous generations awaiting
// completion. One recurring sweep polls every entry instead of one timer per
// batch.
type PollingQueue struct {
	deps     *Deps
	executor *Executor
	logger   *slog.Logger
}

// NewPollingQueue creates a polling queue whose sweep polls through executor.
func NewPollingQueue(deps *Deps, executor *Executor) *PollingQueue {
	return &PollingQueue{deps: deps, executor: executor, logger: deps.Logger.With("component", "polling_queue")}
}

// Enqueue adds an entry unless one exists for the same batch, and arms the
// sweep after the poll delay.
func (p *PollingQueue) Enqueue(ctx context.Context, entry domain.PollEntry) error {
	now := p.deps.Now()
	err := p.deps.Locks.WithLock(ctx, lock.PollingQueueResource, lock.DefaultStaleness, func(ctx context.Context) error {
		q, err := p.load(ctx)
		if err != nil {
			return err
		}
		if q.find(entry.BatchID) >= 0 {
			return nil
		}
		entry.Status = domain.PollPending
		entry.Attempts = 0
		entry.CreatedAt = now
		q.Entries = append(q.Entries, entry)
		metrics.PollingQueueDepth.Set(float64(len(q.Entries)))
		return p.save(ctx, q)
	})
	if err != nil {
		return fmt.Errorf("enqueue poll for batch %s: %w", entry.BatchID, err)
	}
	return p.deps.scheduleOnce(ctx, now.Add(p.deps.Settings.PollDelay), CallbackPollingSweep, nil)
}

// Entries returns the queued entries.
func (p *PollingQueue) Entries(ctx context.Context) ([]domain.PollEntry, error) {
	q, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	return q.Entries, nil
}

// Sweep polls due entries in priority order. The queue lock is released
// while remote calls are in flight and re-acquired to apply their outcomes.
// A sweep that finds the queue locked does nothing; the holder re-arms it.
func (p *PollingQueue) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "polling.sweep")
	defer span.End()

	var res SweepResult
	var picked []domain.PollEntry
	now := p.deps.Now()
	st := p.deps.Settings

	err := p.deps.Locks.WithLock(ctx, lock.PollingQueueResource, lock.DefaultStaleness, func(ctx context.Context) error {
		q, err := p.load(ctx)
		if err != nil {
			return err
		}

		kept := q.Entries[:0]
		for _, e := range q.Entries {
			switch {
			case e.Status == domain.PollFailed && e.FailedAt != nil && now.Sub(*e.FailedAt) > st.PollFailedRetention:
				res.Purged++
				continue
			case now.Sub(e.LastActivity()) > st.PollStaleAfter:
				p.logger.Warn("purging stale poll entry", "batch_id", e.BatchID, "last_activity", e.LastActivity())
				res.Purged++
				continue
			}
			if e.Status != domain.PollFailed && st.PollMaxAttempts > 0 && e.Attempts >= st.PollMaxAttempts {
				p.fail(&e, "max poll attempts exceeded")
				res.Failed++
			}
			kept = append(kept, e)
		}
		q.Entries = kept

		sort.SliceStable(q.Entries, func(i, j int) bool {
			a, b := q.Entries[i], q.Entries[j]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})

		for i := range q.Entries {
			if len(picked) >= st.PollBatchLimit {
				break
			}
			e := &q.Entries[i]
			if !e.Due(now, st.PollInterval) {
				continue
			}
			e.Status = domain.PollPolling
			e.LastPollAt = &now
			e.Attempts++
			picked = append(picked, *e)
		}
		return p.save(ctx, q)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		p.logger.Debug("polling queue locked by another sweep")
		return res, nil
	}
	if err != nil {
		return res, err
	}

	outcomes := make(map[string]error, len(picked))
	done := make(map[string]bool, len(picked))
	for _, e := range picked {
		finished, err := p.executor.Poll(ctx, e)
		res.Polled++
		outcomes[e.BatchID] = err
		done[e.BatchID] = finished && err == nil
	}

	after := p.deps.Now()
	var active int
	err = p.deps.Locks.WithLock(context.WithoutCancel(ctx), lock.PollingQueueResource, lock.DefaultStaleness, func(ctx context.Context) error {
		q, err := p.load(ctx)
		if err != nil {
			return err
		}
		kept := q.Entries[:0]
		for _, e := range q.Entries {
			pollErr, polled := outcomes[e.BatchID]
			switch {
			case !polled:
			case done[e.BatchID]:
				res.Completed++
				continue
			case pollErr == nil:
				e.Status = domain.PollPending
				e.Error = ""
				e.TransientRetry = false
			case errors.Is(pollErr, retry.ErrCircuitOpen):
				// The breaker refused the call; the remote was not asked.
				e.Status = domain.PollPending
			case retry.Classify(pollErr) && !e.TransientRetry:
				// Transient: one more try after a longer pause.
				retryAt := after.Add(2 * st.PollInterval)
				e.Status = domain.PollPending
				e.RetryAfter = &retryAt
				e.TransientRetry = true
				e.Error = redact.Error(pollErr)
				p.logger.Warn("transient poll failure", "batch_id", e.BatchID, "retry_after", retryAt, "error", e.Error)
			default:
				p.fail(&e, redact.Error(pollErr))
				res.Failed++
			}
			if e.Status != domain.PollFailed {
				active++
			}
			kept = append(kept, e)
		}
		q.Entries = kept
		res.Remaining = len(q.Entries)
		metrics.PollingQueueDepth.Set(float64(len(q.Entries)))
		return p.save(ctx, q)
	})
	if err != nil {
		// Entries stay "polling" and become due again after the interval.
		p.logger.Error("failed to apply poll outcomes", "error", err)
		return res, err
	}

	if active > 0 {
		if err := p.deps.scheduleOnce(ctx, after.Add(st.PollInterval), CallbackPollingSweep, nil); err != nil {
			return res, err
		}
	}
	if res.Polled > 0 || res.Purged > 0 {
		p.logger.Info("polling sweep finished",
			"polled", res.Polled,
			"completed", res.Completed,
			"failed", res.Failed,
			"purged", res.Purged,
			"remaining", res.Remaining)
	}
	return res, nil
}

func (p *PollingQueue) fail(e *domain.PollEntry, reason string) {
	now := p.deps.Now()
	e.Status = domain.PollFailed
	e.FailedAt = &now
	e.Error = reason
	p.logger.Warn("poll entry failed", "batch_id", e.BatchID, "job_id", e.JobID, "error", reason)
}

func (p *PollingQueue) load(ctx context.Context) (*pollQueue, error) {
	q := &pollQueue{}
	err := kv.GetJSON(ctx, p.deps.Tasks.KV(), kv.PollingQueueKey, q)
	if errors.Is(err, kv.ErrNotFound) {
		return &pollQueue{SchemaVersion: domain.SchemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load polling queue: %w", err)
	}
	if q.SchemaVersion != domain.SchemaVersion {
		return nil, fmt.Errorf("polling queue: %w", store.ErrSchemaVersion)
	}
	return q, nil
}

func (p *PollingQueue) save(ctx context.Context, q *pollQueue) error {
	q.SchemaVersion = domain.SchemaVersion
	if err := kv.SetJSON(ctx, p.deps.Tasks.KV(), kv.PollingQueueKey, q, 0); err != nil {
		return fmt.Errorf("save polling queue: %w", err)
	}
	return nil
}
