package domain

import "time"

// IndexEntry is the denormalized job projection kept in the task index.
type IndexEntry struct {
	JobID            string     `json:"job_id"`
	Workflow         Workflow   `json:"workflow"`
	Status           JobStatus  `json:"status"`
	TotalItems       int        `json:"total_items"`
	TotalBatches     int        `json:"total_batches"`
	CompletedBatches int        `json:"completed_batches"`
	FailedBatches    int        `json:"failed_batches"`
	SuccessCount     int        `json:"success_count"`
	FailCount        int        `json:"fail_count"`
	Priority         int        `json:"priority"`
	Source           string     `json:"source,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// NewIndexEntry projects a job into an index entry.
func NewIndexEntry(j *Job) IndexEntry {
	return IndexEntry{
		JobID:            j.ID,
		Workflow:         j.Workflow,
		Status:           j.Status,
		TotalItems:       j.TotalItems,
		TotalBatches:     j.TotalBatches,
		CompletedBatches: j.CompletedBatches,
		FailedBatches:    j.FailedBatches,
		SuccessCount:     j.SuccessCount,
		FailCount:        j.FailCount,
		Priority:         j.Priority,
		Source:           j.Source,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		CompletedAt:      j.CompletedAt,
	}
}
