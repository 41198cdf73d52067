package domain

import "fmt"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending             JobStatus = "pending"
	JobScheduled           JobStatus = "scheduled"
	JobProcessing          JobStatus = "processing"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobFailed              JobStatus = "failed"
	JobCancelled           JobStatus = "cancelled"
)

// BatchStatus is the lifecycle state of a Batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobScheduled, JobProcessing, JobCancelled, JobFailed},
	JobScheduled:  {JobProcessing, JobCompleted, JobCompletedWithErrors, JobFailed, JobCancelled},
	JobProcessing: {JobCompleted, JobCompletedWithErrors, JobFailed, JobCancelled},
}

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchPending:    {BatchProcessing, BatchCancelled, BatchFailed},
	BatchProcessing: {BatchCompleted, BatchFailed, BatchPending, BatchCancelled},
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithErrors, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	_, ok := jobTransitions[s]
	return ok || s.IsTerminal()
}

// IsTerminal reports whether no further transition is possible.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s BatchStatus) Valid() bool {
	_, ok := batchTransitions[s]
	return ok || s.IsTerminal()
}

// ValidateJobTransition returns ErrInvalidTransition unless a job may move
// from one status to the other. Staying in the same non-terminal status is allowed.
func ValidateJobTransition(from, to JobStatus) error {
	if from == to && !from.IsTerminal() {
		return nil
	}
	for _, next := range jobTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, from, to)
}

// ValidateBatchTransition returns ErrInvalidTransition unless a batch may
// move from one status to the other. Staying in the same non-terminal status is allowed.
func ValidateBatchTransition(from, to BatchStatus) error {
	if from == to && !from.IsTerminal() {
		return nil
	}
	for _, next := range batchTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: batch %s -> %s", ErrInvalidTransition, from, to)
}
