package task

import (
	"testing"

	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{name: "unknown workflow", req: SubmitRequest{ItemIDs: []string{"a"}, Workflow: "essay"}, want: domain.ErrInvalidWorkflow},
		{name: "priority out of range", req: SubmitRequest{ItemIDs: []string{"a"}, Workflow: "quiz", Priority: 11}, want: domain.ErrInvalidPriority},
		{name: "no ids", req: SubmitRequest{ItemIDs: []string{" ", ""}, Workflow: "quiz"}, want: ErrNoValidItems},
		{name: "unknown ids", req: SubmitRequest{ItemIDs: []string{"missing"}, Workflow: "summary"}, want: ErrNoValidItems},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.engine.Service.Submit(h.ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, h.queue.Len())
		})
	}
}

func TestSubmitDeduplicatesIDs(t *testing.T) {
	h := newHarness(t)
	ids := h.putItems(3)
	id, err := h.engine.Service.Submit(h.ctx, SubmitRequest{
		ItemIDs:  append(ids, ids[0], " "+ids[1]+" "),
		Workflow: "Summary",
		Priority: 8,
		Source:   "import",
	})
	require.NoError(t, err)

	job := h.job(id)
	assert.Equal(t, 3, job.TotalItems)
	assert.Equal(t, domain.WorkflowSummary, job.Workflow)
	assert.Equal(t, 8, job.Priority)
	assert.Equal(t, "import", job.Source)
}

func TestGetReturnsBatches(t *testing.T) {
	h := newHarness(t)
	id := h.submit(60)
	h.tick()

	detail, err := h.engine.Service.Get(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, detail.Job.ID)
	require.Len(t, detail.Batches, 2)

	first, second := detail.Batches[0], detail.Batches[1]
	assert.Equal(t, domain.BatchCompleted, first.Status)
	assert.Equal(t, 50, first.Items)
	assert.Equal(t, &domain.ResultCounts{Success: 50}, first.Counts)
	assert.NotNil(t, first.CompletedAt)
	assert.Equal(t, domain.BatchPending, second.Status)
	assert.Equal(t, 1, second.Ordinal)
	assert.Nil(t, second.Counts)

	_, err = h.engine.Service.Get(h.ctx, "nope")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestListAndRecent(t *testing.T) {
	h := newHarness(t)
	first := h.submit(5)
	h.runUntilIdle()
	second := h.submit(5)

	page, err := h.engine.Service.List(h.ctx, store.Query{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = h.engine.Service.List(h.ctx, store.Query{Status: domain.JobScheduled})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, second, page.Entries[0].JobID)

	page, err = h.engine.Service.List(h.ctx, store.Query{Page: 2, PerPage: 1})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)

	recent, err := h.engine.Service.Recent(h.ctx)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, first, recent[0].JobID)
	assert.Equal(t, domain.JobCompleted, recent[0].Status)
}

func TestCancelUnknownJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Service.Cancel(h.ctx, "nope")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}
