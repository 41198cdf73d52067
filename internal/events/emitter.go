package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/scry-batch/internal/metrics"
)

// subscription binds a handler to the event types it wants. An empty type
// set receives everything.
type subscription struct {
	handler EventHandler
	types   map[string]struct{}
}

func (s subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// InMemoryEventEmitter dispatches events synchronously to the handlers
// subscribed to their type. A failing or panicking handler never prevents
// delivery to the others.
type InMemoryEventEmitter struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *slog.Logger
}

var _ EventEmitter = (*InMemoryEventEmitter)(nil)

// NewInMemoryEventEmitter creates an emitter with no subscribers.
func NewInMemoryEventEmitter(logger *slog.Logger) *InMemoryEventEmitter {
	return &InMemoryEventEmitter{logger: logger.With("component", "event_emitter")}
}

// RegisterHandler subscribes handler to the given event types, or to every
// type when none are given.
func (e *InMemoryEventEmitter) RegisterHandler(handler EventHandler, types ...string) {
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	e.mu.Lock()
	e.subs = append(e.subs, sub)
	n := len(e.subs)
	e.mu.Unlock()

	e.logger.Debug("event handler subscribed", "types", types, "subscribers", n)
}

// EmitEvent delivers event to every interested handler and returns the
// handler errors joined together.
func (e *InMemoryEventEmitter) EmitEvent(ctx context.Context, event *Event) error {
	e.mu.RLock()
	subs := make([]subscription, 0, len(e.subs))
	for _, s := range e.subs {
		if s.wants(event.Type) {
			subs = append(subs, s)
		}
	}
	e.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := e.deliver(ctx, s.handler, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *InMemoryEventEmitter) deliver(ctx context.Context, h EventHandler, event *Event) (err error) {
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			err = fmt.Errorf("event handler panicked on %s: %v", event.Type, r)
		}
		if err != nil {
			if outcome == "ok" {
				outcome = "error"
			}
			e.logger.ErrorContext(ctx, "event delivery failed",
				"error", err,
				"event_id", event.ID,
				"event_type", event.Type,
				"handler", fmt.Sprintf("%T", h))
		}
		metrics.EventsDelivered.WithLabelValues(event.Type, outcome).Inc()
	}()
	return h.HandleEvent(ctx, event)
}
