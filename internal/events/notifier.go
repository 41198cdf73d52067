package events

import (
	"context"
	"log/slog"
	"sync"
)

// LogNotifier is the default notification sink: it writes failure and
// completion notifications to the structured log. Delivery to people (email,
// chat) is handled outside this service by whatever ships the logs.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

// HandleEvent logs the event at a level matching its severity.
func (n *LogNotifier) HandleEvent(ctx context.Context, event *Event) error {
	level := slog.LevelInfo
	switch event.Type {
	case TypeBatchFailed, TypeJobTimedOut:
		level = slog.LevelWarn
	case TypeBreakerTransition:
		var p BreakerTransition
		if err := event.UnmarshalPayload(&p); err == nil && p.To == "open" {
			level = slog.LevelWarn
		}
	}

	n.logger.Log(ctx, level, "notification",
		"event_id", event.ID,
		"event_type", event.Type,
		"payload", string(event.Payload))
	return nil
}

// Recorder keeps every event it receives. Used by tests to assert on emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// HandleEvent stores the event.
func (r *Recorder) HandleEvent(_ context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// EmitEvent lets a Recorder stand in for an emitter.
func (r *Recorder) EmitEvent(ctx context.Context, event *Event) error {
	return r.HandleEvent(ctx, event)
}

// OfType returns recorded events with the given type, oldest first.
func (r *Recorder) OfType(eventType string) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
