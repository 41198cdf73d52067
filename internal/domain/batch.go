package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Item is one unit of source content.
type Item struct {
	ExternalID string `json:"external_id"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content"`
}

// Valid reports whether the item can be sent for generation.
func (i Item) Valid() bool {
	return strings.TrimSpace(i.ExternalID) != "" && strings.TrimSpace(i.Content) != ""
}

// WorkflowConfig is the generation settings snapshot taken when a batch is created.
type WorkflowConfig struct {
	Kind    Workflow          `json:"kind"`
	Options map[string]string `json:"options,omitempty"`
}

// ResultCounts holds per-item outcomes for a batch.
type ResultCounts struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Total is Success + Failed.
func (c ResultCounts) Total() int { return c.Success + c.Failed }

// RetryInfo records retry bookkeeping for a batch.
type RetryInfo struct {
	// Count is the number of times the batch was re-scheduled.
	Count int `json:"count"`
	// FailedAttempts is the number of failed remote calls across all executions.
	FailedAttempts int        `json:"failed_attempts"`
	LastError      string     `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
}

// Batch is one chunk of a job, executed as a single remote call.
type Batch struct {
	SchemaVersion int            `json:"schema_version"`
	ID            string         `json:"id"`
	JobID         string         `json:"job_id"`
	Ordinal       int            `json:"ordinal"`
	TotalBatches  int            `json:"total_batches"`
	Items         []Item         `json:"items"`
	Workflow      WorkflowConfig `json:"workflow"`
	Priority      int            `json:"priority"`
	Status        BatchStatus    `json:"status"`
	Counts        *ResultCounts  `json:"counts,omitempty"`
	Retry         RetryInfo      `json:"retry"`

	CorrelationID string `json:"correlation_id,omitempty"`
	// Processed is the remote progress reported for an asynchronous generation.
	Processed int    `json:"processed,omitempty"`
	Error     string `json:"error,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BatchID builds the id of the ordinal-th batch of a job.
func BatchID(jobID string, ordinal int) string {
	return fmt.Sprintf("%s_%d", jobID, ordinal)
}

// NewBatch creates a pending batch.
func NewBatch(job *Job, ordinal, totalBatches int, items []Item, cfg WorkflowConfig, now time.Time) *Batch {
	return &Batch{
		SchemaVersion: SchemaVersion,
		ID:            BatchID(job.ID, ordinal),
		JobID:         job.ID,
		Ordinal:       ordinal,
		TotalBatches:  totalBatches,
		Items:         items,
		Workflow:      cfg,
		Priority:      job.Priority,
		Status:        BatchPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ItemIDs returns the external ids of the batch items in order.
func (b *Batch) ItemIDs() []string {
	ids := make([]string, len(b.Items))
	for i, item := range b.Items {
		ids[i] = item.ExternalID
	}
	return ids
}

// Active reports whether the batch counts against the concurrency ceiling:
// it is running, or it is pending with an execution already scheduled.
func (b *Batch) Active() bool {
	return b.Status == BatchProcessing || (b.Status == BatchPending && b.ScheduledAt != nil)
}

// Transition validates and applies a status change, stamping timestamps.
func (b *Batch) Transition(to BatchStatus, now time.Time) error {
	if err := ValidateBatchTransition(b.Status, to); err != nil {
		return err
	}
	b.Status = to
	b.UpdatedAt = now
	switch {
	case to == BatchProcessing:
		b.StartedAt = &now
	case to.IsTerminal():
		b.CompletedAt = &now
	}
	return nil
}

// ItemResult is the generation outcome for one item. A result with an Error
// or without a Payload counts as failed.
type ItemResult struct {
	ItemID  string          `json:"item_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Failed reports whether the item produced no usable content.
func (r ItemResult) Failed() bool {
	return r.Error != "" || len(r.Payload) == 0
}

// CountResults tallies successes and failures.
func CountResults(results []ItemResult) ResultCounts {
	var c ResultCounts
	for _, r := range results {
		if r.Failed() {
			c.Failed++
		} else {
			c.Success++
		}
	}
	return c
}
