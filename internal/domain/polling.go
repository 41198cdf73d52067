package domain

import "time"

// PollStatus is the state of a polling queue entry.
type PollStatus string

const (
	PollPending PollStatus = "pending"
	PollPolling PollStatus = "polling"
	PollFailed  PollStatus = "failed"
)

// PollEntry tracks one asynchronous generation awaiting completion.
// Entries are keyed by batch id, so a batch is polled by at most one entry.
type PollEntry struct {
	JobID         string     `json:"job_id"`
	BatchID       string     `json:"batch_id"`
	CorrelationID string     `json:"correlation_id"`
	Workflow      Workflow   `json:"workflow"`
	ItemIDs       []string   `json:"item_ids"`
	Priority      int        `json:"priority"`
	Attempts      int        `json:"attempts"`
	Status        PollStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
	// TransientRetry is set after a transient poll failure. A second
	// consecutive one fails the entry.
	TransientRetry bool `json:"transient_retry,omitempty"`

	LastPollAt *time.Time `json:"last_poll_at,omitempty"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// LastActivity is the most recent time the entry was created or polled.
func (e *PollEntry) LastActivity() time.Time {
	if e.LastPollAt != nil && e.LastPollAt.After(e.CreatedAt) {
		return *e.LastPollAt
	}
	return e.CreatedAt
}

// Due reports whether the entry may be polled at now.
func (e *PollEntry) Due(now time.Time, interval time.Duration) bool {
	if e.Status == PollFailed {
		return false
	}
	if e.RetryAfter != nil && now.Before(*e.RetryAfter) {
		return false
	}
	// An entry left in "polling" by a crashed sweep becomes due again after the interval.
	return e.LastPollAt == nil || now.Sub(*e.LastPollAt) >= interval
}
