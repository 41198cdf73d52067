package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/phrazzld/scry-batch/internal/api/shared"
	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/store"
	"github.com/phrazzld/scry-batch/internal/task"
)

// JobService is the part of task.Service the API uses.
type JobService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (string, error)
	Get(ctx context.Context, jobID string) (*task.JobDetail, error)
	Cancel(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, q store.Query) (store.Page, error)
	Recent(ctx context.Context) ([]domain.IndexEntry, error)
}

// JobHandler serves the job endpoints.
type JobHandler struct {
	jobs   JobService
	logger *slog.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(jobs JobService, logger *slog.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, logger: logger.With("component", "job_handler")}
}

// Submit handles POST /api/jobs. The job id is returned as soon as the job is
// stored; batches run asynchronously.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	source := req.Source
	if source == "" {
		source, _ = shared.GetClientID(r.Context())
	}

	jobID, err := h.jobs.Submit(r.Context(), task.SubmitRequest{
		ItemIDs:  req.ItemIDs,
		Workflow: req.Workflow,
		Priority: req.Priority,
		Source:   source,
		Options:  req.Options,
	})
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	h.logger.InfoContext(r.Context(), "job submitted",
		"job_id", jobID,
		"workflow", req.Workflow,
		"items", len(req.ItemIDs))
	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitJobResponse{JobID: jobID})
}

// Get handles GET /api/jobs/{id}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := getPathID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	detail, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, detail)
}

// Cancel handles POST /api/jobs/{id}/cancel.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := getPathID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	job, err := h.jobs.Cancel(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, job)
}

// List handles GET /api/jobs?status=&page=&per_page=.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	q := store.Query{Status: domain.JobStatus(r.URL.Query().Get("status"))}
	if q.Status != "" && !q.Status.Valid() {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid status")
		return
	}
	var err error
	if q.Page, err = queryInt(r, "page"); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid page")
		return
	}
	if q.PerPage, err = queryInt(r, "per_page"); err != nil || q.PerPage > 100 {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid per_page")
		return
	}

	page, err := h.jobs.List(r.Context(), q)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, page)
}

// Recent handles GET /api/jobs/recent.
func (h *JobHandler) Recent(w http.ResponseWriter, r *http.Request) {
	entries, err := h.jobs.Recent(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if entries == nil {
		entries = []domain.IndexEntry{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, RecentJobsResponse{Jobs: entries})
}
