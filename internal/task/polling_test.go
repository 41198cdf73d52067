package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/generation"
	"github.com/phrazzld/scry-batch/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// asyncGenerator makes the mock accept every batch asynchronously and keeps
// the results it will hand out when polled.
type asyncGenerator struct {
	mu      sync.Mutex
	results map[string][]domain.ItemResult
}

func newAsyncGenerator(gen *mocks.MockGenerator) *asyncGenerator {
	a := &asyncGenerator{results: make(map[string][]domain.ItemResult)}
	gen.SubmitFn = func(_ context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		id := "gen-" + req.BatchID
		a.results[id] = mocks.SuccessResults(req)
		return &generation.SubmitResult{GenerationID: id}, nil
	}
	return a
}

func (a *asyncGenerator) completed(id string) *generation.PollResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := a.results[id]
	return &generation.PollResult{Processed: len(res), Total: len(res), Status: generation.PollCompleted, Results: res}
}

func running(context.Context, string) (*generation.PollResult, error) {
	return &generation.PollResult{Status: generation.PollRunning}, nil
}

func TestAsyncBatchCompletesThroughPolling(t *testing.T) {
	h := newHarness(t)
	async := newAsyncGenerator(h.gen)
	var polls int
	h.gen.PollFn = func(_ context.Context, id string) (*generation.PollResult, error) {
		polls++
		all := async.completed(id)
		if polls == 1 {
			return &generation.PollResult{
				Processed: 5,
				Total:     10,
				Status:    generation.PollRunning,
				Results:   all.Results[:5],
			}, nil
		}
		all.Results = all.Results[5:]
		return all, nil
	}

	id := h.submit(10)
	h.tick()

	b := h.batches(h.job(id))[0]
	assert.Equal(t, domain.BatchProcessing, b.Status)
	assert.Equal(t, "gen-"+b.ID, b.CorrelationID)
	entries, err := h.engine.Polling.Entries(h.ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.PollPending, entries[0].Status)

	h.runUntilIdle()

	assert.Equal(t, 2, h.gen.PollCount())
	job := h.job(id)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, 10, job.SuccessCount)
	entries, err = h.engine.Polling.Entries(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemoteFailureFailsAsyncBatch(t *testing.T) {
	h := newHarness(t)
	newAsyncGenerator(h.gen)
	h.gen.PollFn = func(context.Context, string) (*generation.PollResult, error) {
		return &generation.PollResult{Status: generation.PollFailed, Error: "model overloaded"}, nil
	}

	id := h.submit(4)
	h.runUntilIdle()

	job := h.job(id)
	assert.Equal(t, domain.JobCompletedWithErrors, job.Status)
	assert.Equal(t, 4, job.FailCount)
	b := h.batches(job)[0]
	assert.Equal(t, domain.BatchFailed, b.Status)
	assert.Equal(t, "model overloaded", b.Error)
}

func TestTransientPollFailureBacksOff(t *testing.T) {
	h := newHarness(t)
	async := newAsyncGenerator(h.gen)
	var polls int
	h.gen.PollFn = func(_ context.Context, id string) (*generation.PollResult, error) {
		polls++
		if polls == 1 {
			return nil, generation.NewStatusError("poll", 503, "unavailable")
		}
		return async.completed(id), nil
	}

	id := h.submit(3)
	h.tick()
	h.clock.Set(t0.Add(30 * time.Second))

	res, err := h.engine.Polling.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Polled)
	assert.Equal(t, 0, res.Completed)
	assert.Equal(t, 1, res.Remaining)

	entries, err := h.engine.Polling.Entries(h.ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.PollPending, entries[0].Status)
	require.NotNil(t, entries[0].RetryAfter)
	assert.Equal(t, t0.Add(90*time.Second), *entries[0].RetryAfter)
	assert.NotEmpty(t, entries[0].Error)

	// Not due before the back-off ends.
	h.clock.Set(t0.Add(60 * time.Second))
	res, err = h.engine.Polling.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Polled)

	h.runUntilIdle()
	assert.Equal(t, domain.JobCompleted, h.job(id).Status)
	assert.Equal(t, 2, h.gen.PollCount())
}

func TestSecondTransientPollFailureFailsEntry(t *testing.T) {
	h := newHarness(t)
	newAsyncGenerator(h.gen)
	h.gen.PollFn = func(context.Context, string) (*generation.PollResult, error) {
		return nil, generation.NewStatusError("poll", 503, "unavailable")
	}

	h.submit(3)
	h.tick()
	h.clock.Set(t0.Add(30 * time.Second))
	res, err := h.engine.Polling.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Failed)

	entries, err := h.engine.Polling.Entries(h.ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].TransientRetry)

	h.clock.Set(t0.Add(90 * time.Second))
	res, err = h.engine.Polling.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Polled)
	assert.Equal(t, 1, res.Failed)

	entries, err = h.engine.Polling.Entries(h.ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.PollFailed, entries[0].Status)
	assert.Equal(t, 2, h.gen.PollCount())
}

func TestFatalPollFailureMarksEntryFailed(t *testing.T) {
	h := newHarness(t)
	newAsyncGenerator(h.gen)
	h.gen.PollFn = func(context.Context, string) (*generation.PollResult, error) {
		return nil, generation.NewStatusError("poll", 404, "no such generation")
	}

	h.submit(3)
	h.tick()
	h.clock.Set(t0.Add(30 * time.Second))
	h.tick()

	entries, err := h.engine.Polling.Entries(h.ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.PollFailed, entries[0].Status)
	assert.NotNil(t, entries[0].FailedAt)
	assert.Zero(t, h.queue.Len(), "no sweep is armed for failed entries")

	// Failed entries are purged once retention has passed.
	h.clock.Advance(61 * time.Minute)
	res, err := h.engine.Polling.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)
	assert.Equal(t, 0, res.Remaining)
}

func TestSweepPollsByPriority(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Settings.PollBatchLimit = 1 })
	for _, e := range []domain.PollEntry{
		{JobID: "j", BatchID: "low", CorrelationID: "g1", Priority: 9},
		{JobID: "j", BatchID: "high", CorrelationID: "g2", Priority: 1},
		{JobID: "j", BatchID: "mid", CorrelationID: "g3", Priority: 5},
	} {
		require.NoError(t, h.engine.Polling.Enqueue(h.ctx, e))
	}
	require.NoError(t, h.engine.Polling.Enqueue(h.ctx, domain.PollEntry{JobID: "j", BatchID: "high", CorrelationID: "g2"}))

	entries, err := h.engine.Polling.Entries(h.ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3, "enqueue is idempotent per batch")

	// Batches that no longer exist leave the queue when polled.
	res, err := h.engine.Polling.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Polled)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 0, h.gen.PollCount())

	entries, err = h.engine.Polling.Entries(h.ctx)
	require.NoError(t, err)
	var left []string
	for _, e := range entries {
		left = append(left, e.BatchID)
	}
	assert.Equal(t, []string{"mid", "low"}, left)
}

func TestSweepGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Settings.PollMaxAttempts = 2 })
	newAsyncGenerator(h.gen)
	h.gen.PollFn = running

	h.submit(3)
	h.tick()

	for i := 1; i <= 2; i++ {
		h.clock.Set(t0.Add(time.Duration(i) * 30 * time.Second))
		res, err := h.engine.Polling.Sweep(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Polled)
	}

	h.clock.Set(t0.Add(90 * time.Second))
	res, err := h.engine.Polling.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Polled)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, h.gen.PollCount())
}

func TestSweepPurgesStaleEntries(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Polling.Enqueue(h.ctx, domain.PollEntry{JobID: "j", BatchID: "b", CorrelationID: "g"}))

	h.clock.Advance(25 * time.Hour)
	res, err := h.engine.Polling.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)
	assert.Equal(t, 0, res.Polled)
}
