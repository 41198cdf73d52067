// Package deferred runs named callbacks no earlier than a requested time.
//
// Delivery is at-least-once and unordered: a callback may run more than once
// and callbacks due at the same time run in any order. Handlers must therefore
// be idempotent and re-validate state before acting.
package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrRetryLater tells the dispatcher to re-run a callback after its retry delay.
var ErrRetryLater = errors.New("deferred: retry later")

// Args are the callback arguments. Together with the callback name they
// identify a scheduled entry.
type Args map[string]string

// Key returns the canonical identity of callback+args. encoding/json sorts
// map keys, so equal maps always produce the same key.
func Key(callback string, args Args) string {
	if args == nil {
		args = Args{}
	}
	data, _ := json.Marshal(args)
	return callback + ":" + string(data)
}

// Entry is a scheduled callback.
type Entry struct {
	ID       string    `json:"id"`
	Callback string    `json:"callback"`
	Args     Args      `json:"args"`
	RunAt    time.Time `json:"run_at"`
}

// Scheduler is the write side used by components that arm callbacks.
type Scheduler interface {
	// ScheduleAt arranges for callback to run with args no earlier than at.
	ScheduleAt(ctx context.Context, at time.Time, callback string, args Args) error

	// IsScheduled reports whether an identical callback is pending.
	IsScheduled(ctx context.Context, callback string, args Args) (bool, error)
}

// Queue is a Scheduler that can hand out due entries.
type Queue interface {
	Scheduler

	// Due claims and removes up to limit entries whose run time is at or
	// before now, earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Entry, error)
}
