package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/phrazzld/scry-batch/internal/api/shared"
	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/store"
)

// ContentWriter stores source items.
type ContentWriter interface {
	Put(ctx context.Context, item domain.Item) error
}

// ContentReader returns generated content.
type ContentReader interface {
	Get(ctx context.Context, workflow domain.Workflow, itemID string) (*store.GeneratedContent, error)
}

// ContentHandler serves the content endpoints.
type ContentHandler struct {
	source    ContentWriter
	generated ContentReader
}

// NewContentHandler creates a ContentHandler. generated may be nil, in
// which case generated content is not served.
func NewContentHandler(source ContentWriter, generated ContentReader) *ContentHandler {
	return &ContentHandler{source: source, generated: generated}
}

// Put handles PUT /api/content/{id}.
func (h *ContentHandler) Put(w http.ResponseWriter, r *http.Request) {
	id, err := getPathID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	var req PutContentRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	if err := h.source.Put(r.Context(), domain.Item{ExternalID: id, Title: req.Title, Content: req.Content}); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Generated handles GET /api/content/{id}/{workflow}.
func (h *ContentHandler) Generated(w http.ResponseWriter, r *http.Request) {
	if h.generated == nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Content not found")
		return
	}
	id, err := getPathID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	raw, err := getPathID(r, "workflow")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	workflow, err := domain.ParseWorkflow(raw)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	rec, err := h.generated.Get(r.Context(), workflow, id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, GeneratedContentResponse{
		ItemID:   rec.ItemID,
		Workflow: rec.Workflow,
		JobID:    rec.JobID,
		Payload:  json.RawMessage(rec.Payload),
	})
}
