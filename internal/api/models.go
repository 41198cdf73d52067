package api

import (
	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/store"
)

// TokenRequest exchanges API client credentials for a bearer token.
type TokenRequest struct {
	ClientID string `json:"client_id" validate:"required,max=128"`
	APIKey   string `json:"api_key"   validate:"required,max=256"`
}

// TokenResponse is the issued bearer token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	// ExpiresAt is an RFC 3339 timestamp.
	ExpiresAt string `json:"expires_at"`
}

// SubmitJobRequest asks for content to be generated for a set of items.
type SubmitJobRequest struct {
	ItemIDs  []string          `json:"item_ids" validate:"required,min=1,max=5000,dive,required,max=256"`
	Workflow string            `json:"workflow" validate:"required,oneof=quiz summary"`
	Priority int               `json:"priority" validate:"omitempty,min=1,max=10"`
	Source   string            `json:"source"   validate:"omitempty,max=64"`
	Options  map[string]string `json:"options"  validate:"omitempty,max=16,dive,keys,required,max=64,endkeys,max=256"`
}

// SubmitJobResponse carries the id of the accepted job.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

// ListJobsResponse is one page of the task index.
type ListJobsResponse = store.Page

// RecentJobsResponse lists the most recently finished jobs.
type RecentJobsResponse struct {
	Jobs []domain.IndexEntry `json:"jobs"`
}

// PutContentRequest stores the source content of an item.
type PutContentRequest struct {
	Title   string `json:"title"   validate:"max=512"`
	Content string `json:"content" validate:"required,max=200000"`
}

// GeneratedContentResponse is a stored generation result.
type GeneratedContentResponse struct {
	ItemID   string          `json:"item_id"`
	Workflow domain.Workflow `json:"workflow"`
	JobID    string          `json:"job_id"`
	Payload  any             `json:"payload"`
}

// HealthResponse reports the state of the service and its dependencies.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
