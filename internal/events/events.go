package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the engine.
const (
	// TypeBreakerTransition is emitted on every circuit breaker state change.
	TypeBreakerTransition = "breaker.transition"

	// TypeBatchFailed is emitted when a batch fails permanently.
	TypeBatchFailed = "batch.failed"

	// TypeJobCompleted is emitted when aggregation finalizes a job.
	TypeJobCompleted = "job.completed"

	// TypeJobTimedOut is emitted when the timeout sweep force-fails a job.
	TypeJobTimedOut = "job.timed_out"

	// TypeJobCancelled is emitted when a job is cancelled by a client.
	TypeJobCancelled = "job.cancelled"
)

// Event is an observable occurrence inside the engine. Payloads are JSON so
// handlers do not depend on the packages that produce them.
type Event struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Type is one of the Type* constants
	Type string `json:"type"`

	// Payload contains the event-specific data serialized as JSON
	Payload json.RawMessage `json:"payload"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *Event) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// NewEvent creates a new Event with the specified type and payload.
func NewEvent(eventType string, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Payload:   payloadBytes,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// BreakerTransition is the payload of TypeBreakerTransition.
type BreakerTransition struct {
	Service string `json:"service"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason"`
}

// BatchFailed is the payload of TypeBatchFailed.
type BatchFailed struct {
	JobID    string `json:"job_id"`
	BatchID  string `json:"batch_id"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// JobCompleted is the payload of TypeJobCompleted.
type JobCompleted struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	SuccessCount     int    `json:"success_count"`
	FailCount        int    `json:"fail_count"`
	CompletedBatches int    `json:"completed_batches"`
	FailedBatches    int    `json:"failed_batches"`
}

// JobTimedOut is the payload of TypeJobTimedOut.
type JobTimedOut struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// JobCancelled is the payload of TypeJobCancelled.
type JobCancelled struct {
	JobID string `json:"job_id"`
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *Event) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
// This allows the engine to publish events without direct knowledge of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *Event) error
}

// Emit builds an event and emits it, logging instead of failing. Event
// delivery never changes the outcome of the operation that produced it.
func Emit(ctx context.Context, emitter EventEmitter, eventType string, payload interface{}) {
	if emitter == nil {
		return
	}
	event, err := NewEvent(eventType, payload)
	if err != nil {
		return
	}
	_ = emitter.EmitEvent(ctx, event)
}
