package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is written on every record and checked on read.
const SchemaVersion = 1

// Priority bounds. 1 is the most urgent.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
	// BackgroundPriority and above are batched with the smaller background size.
	BackgroundPriority = 7
)

// Workflow is the kind of content to generate.
type Workflow string

const (
	WorkflowQuiz    Workflow = "quiz"
	WorkflowSummary Workflow = "summary"
)

// Valid reports whether w is a known workflow.
func (w Workflow) Valid() bool {
	return w == WorkflowQuiz || w == WorkflowSummary
}

// ParseWorkflow validates a workflow name.
func ParseWorkflow(s string) (Workflow, error) {
	w := Workflow(strings.ToLower(strings.TrimSpace(s)))
	if !w.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidWorkflow, s)
	}
	return w, nil
}

// ValidatePriority returns ErrInvalidPriority for values outside 1..10.
func ValidatePriority(p int) error {
	if p < MinPriority || p > MaxPriority {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, p)
	}
	return nil
}

// Job is the parent record for one generation request.
type Job struct {
	SchemaVersion int       `json:"schema_version"`
	ID            string    `json:"id"`
	Workflow      Workflow  `json:"workflow"`
	TotalItems    int       `json:"total_items"`
	BatchIDs      []string  `json:"batch_ids"`
	TotalBatches  int       `json:"total_batches"`
	Status        JobStatus `json:"status"`

	CompletedBatches int `json:"completed_batches"`
	FailedBatches    int `json:"failed_batches"`
	SuccessCount     int `json:"success_count"`
	FailCount        int `json:"fail_count"`

	// AccountedBatches lists batches already rolled into the counters.
	AccountedBatches []string `json:"accounted_batches,omitempty"`
	// FinalizeDefers counts how often finalization waited for missing counts.
	FinalizeDefers int `json:"finalize_defers,omitempty"`

	Priority int    `json:"priority"`
	Source   string `json:"source,omitempty"`
	Error    string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// NewJob creates a pending job with a fresh id.
func NewJob(workflow Workflow, priority int, source string, now time.Time) (*Job, error) {
	if !workflow.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWorkflow, workflow)
	}
	if err := ValidatePriority(priority); err != nil {
		return nil, err
	}
	return &Job{
		SchemaVersion: SchemaVersion,
		ID:            uuid.NewString(),
		Workflow:      workflow,
		Status:        JobPending,
		Priority:      priority,
		Source:        source,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Finished reports whether every batch has been accounted for.
func (j *Job) Finished() bool {
	return j.CompletedBatches+j.FailedBatches >= j.TotalBatches
}

// Accounted reports whether batchID has already been rolled into the counters.
func (j *Job) Accounted(batchID string) bool {
	for _, id := range j.AccountedBatches {
		if id == batchID {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change, stamping timestamps.
func (j *Job) Transition(to JobStatus, now time.Time) error {
	if err := ValidateJobTransition(j.Status, to); err != nil {
		return err
	}
	j.Status = to
	j.UpdatedAt = now
	switch {
	case to == JobProcessing && j.StartedAt == nil:
		j.StartedAt = &now
	case to == JobCancelled:
		j.CancelledAt = &now
		j.CompletedAt = &now
	case to.IsTerminal():
		j.CompletedAt = &now
	}
	return nil
}

// Processed is the number of items with a recorded outcome.
func (j *Job) Processed() int { return j.SuccessCount + j.FailCount }
