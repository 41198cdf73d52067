package generation

import (
	"context"

	"github.com/phrazzld/scry-batch/internal/domain"
)

// Poll statuses reported by a Generator.
const (
	PollRunning   = "running"
	PollCompleted = "completed"
	PollFailed    = "failed"
)

// SubmitRequest asks for content for one batch.
type SubmitRequest struct {
	JobID    string
	BatchID  string
	Workflow domain.WorkflowConfig
	Items    []domain.Item
}

// SubmitResult is either an immediate result set or a generation id to poll.
type SubmitResult struct {
	GenerationID string
	Results      []domain.ItemResult
}

// Async reports whether the caller must poll for results.
func (r *SubmitResult) Async() bool { return r.GenerationID != "" }

// PollResult reports progress of an asynchronous generation. Results holds
// whatever the service returned on this call; callers merge them.
type PollResult struct {
	Processed int
	Total     int
	Status    string
	Error     string
	Results   []domain.ItemResult
}

// Done reports whether the generation will make no further progress.
func (r *PollResult) Done() bool {
	return r.Status == PollCompleted || r.Status == PollFailed || (r.Total > 0 && r.Processed >= r.Total)
}

// Generator is the remote generation API.
type Generator interface {
	// Submit starts generation for a batch.
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)

	// Poll fetches progress of a generation started by Submit.
	Poll(ctx context.Context, generationID string) (*PollResult, error)
}

// Pinger is implemented by generators that support a cheap health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}
