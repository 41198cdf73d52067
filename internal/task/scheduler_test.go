package task

import (
	"testing"
	"time"

	"github.com/phrazzld/scry-batch/internal/deferred"
	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchSize(t *testing.T) {
	tests := []struct {
		name     string
		tweak    func(*Settings)
		probe    MemoryProbe
		priority int
		want     int
	}{
		{name: "default", priority: 5, want: 50},
		{name: "background", priority: 7, want: 25},
		{name: "lowest priority", priority: 10, want: 25},
		{
			name:     "capped per call",
			tweak:    func(s *Settings) { s.DefaultBatchSize = 80 },
			priority: 5,
			want:     50,
		},
		{
			name:     "memory pressure",
			probe:    func() MemoryStats { return MemoryStats{Limit: 1000, Used: 600, Available: 1 << 30} },
			priority: 5,
			want:     25,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(d *Deps) {
				if tt.tweak != nil {
					tt.tweak(&d.Settings)
				}
				d.Memory = tt.probe
			})
			assert.Equal(t, tt.want, h.engine.Scheduler.BatchSize(tt.priority, items(3)))
		})
	}
}

func TestOptimalBatchSize(t *testing.T) {
	gb := uint64(1 << 30)
	sample := []domain.Item{{ExternalID: "a", Content: string(make([]byte, 1000))}}
	tests := []struct {
		name  string
		def   int
		probe MemoryProbe
		want  int
	}{
		{name: "no probe", def: 50, want: 50},
		{name: "unknown limit", def: 50, probe: func() MemoryStats { return MemoryStats{} }, want: 50},
		{name: "low usage", def: 50, probe: func() MemoryStats { return MemoryStats{Limit: gb, Used: gb / 10, Available: gb - gb/10} }, want: 50},
		{name: "over half", def: 50, probe: func() MemoryStats { return MemoryStats{Limit: 100, Used: 60, Available: gb} }, want: 25},
		{name: "over seventy percent", def: 50, probe: func() MemoryStats { return MemoryStats{Limit: 100, Used: 80, Available: gb} }, want: 12},
		// 4000 bytes per item, 40000 available: 5 items fit in half.
		{name: "limited by available memory", def: 50, probe: func() MemoryStats { return MemoryStats{Limit: 1 << 20, Used: 0, Available: 40000} }, want: 5},
		{name: "never below one", def: 2, probe: func() MemoryStats { return MemoryStats{Limit: 100, Used: 99, Available: 0} }, want: 1},
		{name: "non-positive default", def: 0, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OptimalBatchSize(tt.def, sample, tt.probe))
		})
	}
}

func TestShouldBatch(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.engine.Scheduler.ShouldBatch(items(50)))
	assert.True(t, h.engine.Scheduler.ShouldBatch(items(51)))
}

func TestCreateBatchesPreservesOrder(t *testing.T) {
	h := newHarness(t)
	chunks := h.engine.Scheduler.CreateBatches(items(120), domain.DefaultPriority)
	require.Len(t, chunks, 3)
	assert.Equal(t, "item-000", chunks[0][0].ExternalID)
	assert.Equal(t, "item-050", chunks[1][0].ExternalID)
	assert.Equal(t, "item-119", chunks[2][19].ExternalID)
	assert.Nil(t, h.engine.Scheduler.CreateBatches(nil, domain.DefaultPriority))
}

func TestCreateJobSkipsInvalidItems(t *testing.T) {
	h := newHarness(t)
	in := append(items(3), domain.Item{ExternalID: "empty"}, domain.Item{Content: "no id"})

	job, err := h.engine.Scheduler.CreateJob(h.ctx, JobRequest{Workflow: domain.WorkflowQuiz}, in)
	require.NoError(t, err)
	assert.Equal(t, 3, job.TotalItems)
	assert.Equal(t, 1, job.TotalBatches)
	assert.Equal(t, domain.DefaultPriority, job.Priority)
	assert.Equal(t, domain.JobPending, job.Status)

	entry := h.indexEntry(job.ID)
	require.NotNil(t, entry)
	assert.Equal(t, 3, entry.TotalItems)

	_, err = h.engine.Scheduler.CreateJob(h.ctx, JobRequest{Workflow: domain.WorkflowQuiz}, in[3:])
	assert.ErrorIs(t, err, ErrNoValidItems)
}

func TestSchedulePacesExecutions(t *testing.T) {
	h := newHarness(t)
	id := h.submit(250)

	pending := h.queue.Pending()
	require.Len(t, pending, 5)
	var offsets []time.Duration
	for _, e := range pending {
		assert.Equal(t, CallbackExecuteBatch, e.Callback)
		offsets = append(offsets, e.RunAt.Sub(t0))
	}
	assert.Equal(t, []time.Duration{0, 20 * time.Second, 40 * time.Second, 60 * time.Second, 80 * time.Second}, offsets)

	for _, b := range h.batches(h.job(id)) {
		require.NotNil(t, b.ScheduledAt)
		assert.True(t, b.Active())
	}
}

func TestScheduleDefersOverCeiling(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Settings.MaxConcurrent = 2 })
	id := h.submit(120)
	job := h.job(id)

	waiting, err := h.engine.Scheduler.Deferred(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{job.BatchIDs[2]}, waiting)

	ok, err := h.queue.IsScheduled(h.ctx, CallbackSchedulerRecheck, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	h.runUntilIdle()

	job = h.job(id)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, 120, job.SuccessCount)
	waiting, err = h.engine.Scheduler.Deferred(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, waiting)
}

func TestResumeRespectsCapacity(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Settings.MaxConcurrent = 1 })
	h.submit(150)

	waiting, err := h.engine.Scheduler.Deferred(h.ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 2)

	// The armed batch still counts against the ceiling.
	n, err := h.engine.Scheduler.Resume(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.tick()
	n, err = h.engine.Scheduler.Resume(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waiting, err = h.engine.Scheduler.Deferred(h.ctx)
	require.NoError(t, err)
	assert.Len(t, waiting, 1)
}

func TestScheduleWhenSchedulerBusy(t *testing.T) {
	h := newHarness(t)
	token, err := h.locks.Acquire(h.ctx, lock.SchedulerResource, lock.DefaultStaleness)
	require.NoError(t, err)

	job, err := h.engine.Scheduler.CreateJob(h.ctx, JobRequest{Workflow: domain.WorkflowQuiz}, items(10))
	require.NoError(t, err)
	err = h.engine.Scheduler.Schedule(h.ctx, job)
	assert.ErrorIs(t, err, ErrSchedulerBusy)
	assert.ErrorIs(t, err, deferred.ErrRetryLater)

	// Waiting for the lock advanced the clock; take it again so it stays fresh.
	require.NoError(t, h.locks.Release(h.ctx, lock.SchedulerResource, token))
	token, err = h.locks.Acquire(h.ctx, lock.SchedulerResource, lock.DefaultStaleness)
	require.NoError(t, err)

	id, err := h.engine.Service.Submit(h.ctx, SubmitRequest{ItemIDs: h.putItems(10), Workflow: "quiz"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, h.job(id).Status)
	ok, err := h.queue.IsScheduled(h.ctx, CallbackScheduleJob, deferred.Args{"job_id": id})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.locks.Release(h.ctx, lock.SchedulerResource, token))
	h.runUntilIdle()
	assert.Equal(t, domain.JobCompleted, h.job(id).Status)
}
