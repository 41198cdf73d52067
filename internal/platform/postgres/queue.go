package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-batch/internal/deferred"
	"github.com/phrazzld/scry-batch/internal/store"
)

// DeferredQueue implements deferred.Queue on the deferred_callbacks table.
// Due claims rows with FOR UPDATE SKIP LOCKED and deletes them in the same
// statement, so overlapping ticks never hand out the same entry twice.
type DeferredQueue struct {
	db store.DBTX
}

var _ deferred.Queue = (*DeferredQueue)(nil)

// NewDeferredQueue creates a DeferredQueue.
func NewDeferredQueue(db store.DBTX) *DeferredQueue {
	return &DeferredQueue{db: db}
}

// ScheduleAt implements deferred.Scheduler.
func (q *DeferredQueue) ScheduleAt(ctx context.Context, at time.Time, callback string, args deferred.Args) error {
	if args == nil {
		args = deferred.Args{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal callback args: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO deferred_callbacks (id, callback, args, dedupe_key, run_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), callback, raw, deferred.Key(callback, args), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", callback, MapError(err))
	}
	return nil
}

// IsScheduled implements deferred.Scheduler.
func (q *DeferredQueue) IsScheduled(ctx context.Context, callback string, args deferred.Args) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM deferred_callbacks WHERE dedupe_key = $1)`,
		deferred.Key(callback, args),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check schedule %s: %w", callback, MapError(err))
	}
	return exists, nil
}

// Due implements deferred.Queue.
func (q *DeferredQueue) Due(ctx context.Context, now time.Time, limit int) ([]deferred.Entry, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := q.db.QueryContext(ctx, `
		DELETE FROM deferred_callbacks
		WHERE id IN (
			SELECT id FROM deferred_callbacks
			WHERE run_at <= $1
			ORDER BY run_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING id, callback, args, run_at`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due callbacks: %w", MapError(err))
	}
	defer rows.Close()

	var entries []deferred.Entry
	for rows.Next() {
		var (
			e   deferred.Entry
			id  uuid.UUID
			raw []byte
		)
		if err := rows.Scan(&id, &e.Callback, &raw, &e.RunAt); err != nil {
			return nil, fmt.Errorf("scan due callback: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Args); err != nil {
			return nil, fmt.Errorf("decode args of callback %s: %w", id, err)
		}
		e.ID = id.String()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due callbacks: %w", MapError(err))
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].RunAt.Before(entries[j].RunAt) })
	return entries, nil
}

// Len is the number of queued callbacks.
func (q *DeferredQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deferred_callbacks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count callbacks: %w", MapError(err))
	}
	return n, nil
}
