package store

import (
	"context"
	"errors"
	"sort"

	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/kv"
	"github.com/phrazzld/scry-batch/internal/lock"
)

// Default page size for List.
const defaultPerPage = 20

type indexRecord struct {
	SchemaVersion int                 `json:"schema_version"`
	Entries       []domain.IndexEntry `json:"entries"`
}

// Query filters a task index listing.
type Query struct {
	Status  domain.JobStatus
	Page    int
	PerPage int
}

// Page is one page of index entries.
type Page struct {
	Entries []domain.IndexEntry `json:"entries"`
	Total   int                 `json:"total"`
	Page    int                 `json:"page"`
	PerPage int                 `json:"per_page"`
}

// TaskIndex is a bounded, newest-first list of job summaries kept in a single
// record so listing does not require scanning the store.
type TaskIndex struct {
	kv         kv.Store
	locks      *lock.Manager
	maxEntries int
	maxRecent  int
}

// NewTaskIndex creates a task index.
func NewTaskIndex(store kv.Store, locks *lock.Manager, maxEntries, maxRecent int) *TaskIndex {
	return &TaskIndex{kv: store, locks: locks, maxEntries: maxEntries, maxRecent: maxRecent}
}

func (x *TaskIndex) load(ctx context.Context, key string) (*indexRecord, error) {
	rec := &indexRecord{}
	err := kv.GetJSON(ctx, x.kv, key, rec)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return &indexRecord{SchemaVersion: domain.SchemaVersion}, nil
	case err != nil:
		return nil, NewStoreError("index", "get", key, err)
	}
	if err := checkSchema("index", key, rec.SchemaVersion); err != nil {
		return nil, err
	}
	return rec, nil
}

func (x *TaskIndex) save(ctx context.Context, key string, rec *indexRecord) error {
	rec.SchemaVersion = domain.SchemaVersion
	if err := kv.SetJSON(ctx, x.kv, key, rec, 0); err != nil {
		return NewStoreError("index", "save", key, err)
	}
	return nil
}

func (x *TaskIndex) mutate(ctx context.Context, key string, fn func(rec *indexRecord)) error {
	return x.locks.WithLock(ctx, lock.TaskIndexResource, lock.DefaultStaleness, func(ctx context.Context) error {
		rec, err := x.load(ctx, key)
		if err != nil {
			return err
		}
		fn(rec)
		return x.save(ctx, key, rec)
	})
}

func removeEntry(entries []domain.IndexEntry, jobID string) []domain.IndexEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.JobID != jobID {
			out = append(out, e)
		}
	}
	return out
}

// Upsert inserts or replaces the entry for job, keeping entries ordered
// newest first. Past the bound the oldest terminal entries are evicted.
// Non-terminal entries are never evicted, so the index can exceed the bound
// while that many jobs are in flight; the timeout sweep and the concurrency
// ceiling both read active jobs from here.
func (x *TaskIndex) Upsert(ctx context.Context, job *domain.Job) error {
	entry := domain.NewIndexEntry(job)
	return x.mutate(ctx, kv.TaskIndexKey, func(rec *indexRecord) {
		rec.Entries = append(removeEntry(rec.Entries, job.ID), entry)
		sort.SliceStable(rec.Entries, func(i, j int) bool {
			return rec.Entries[i].CreatedAt.After(rec.Entries[j].CreatedAt)
		})
		for x.maxEntries > 0 && len(rec.Entries) > x.maxEntries {
			var ok bool
			if rec.Entries, ok = evictTerminal(rec.Entries); !ok {
				break
			}
		}
	})
}

// evictTerminal drops the oldest terminal entry. It reports false when every
// entry is still active.
func evictTerminal(entries []domain.IndexEntry) ([]domain.IndexEntry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Status.IsTerminal() {
			return append(entries[:i], entries[i+1:]...), true
		}
	}
	return entries, false
}

// Remove deletes the entry for jobID.
func (x *TaskIndex) Remove(ctx context.Context, jobID string) error {
	return x.mutate(ctx, kv.TaskIndexKey, func(rec *indexRecord) {
		rec.Entries = removeEntry(rec.Entries, jobID)
	})
}

// All returns every entry, newest first.
func (x *TaskIndex) All(ctx context.Context) ([]domain.IndexEntry, error) {
	rec, err := x.load(ctx, kv.TaskIndexKey)
	if err != nil {
		return nil, err
	}
	return rec.Entries, nil
}

// List returns one page of entries, optionally filtered by status.
func (x *TaskIndex) List(ctx context.Context, q Query) (Page, error) {
	entries, err := x.All(ctx)
	if err != nil {
		return Page{}, err
	}
	if q.Status != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Status == q.Status {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if q.PerPage <= 0 {
		q.PerPage = defaultPerPage
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	page := Page{Total: len(entries), Page: q.Page, PerPage: q.PerPage, Entries: []domain.IndexEntry{}}
	start := (q.Page - 1) * q.PerPage
	if start >= len(entries) {
		return page, nil
	}
	end := min(start+q.PerPage, len(entries))
	page.Entries = entries[start:end]
	return page, nil
}

// Active returns the entries of non-terminal jobs.
func (x *TaskIndex) Active(ctx context.Context) ([]domain.IndexEntry, error) {
	entries, err := x.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.IndexEntry
	for _, e := range entries {
		if !e.Status.IsTerminal() {
			out = append(out, e)
		}
	}
	return out, nil
}

// RecordCompletion prepends a finished job to the recent completions list.
func (x *TaskIndex) RecordCompletion(ctx context.Context, job *domain.Job) error {
	entry := domain.NewIndexEntry(job)
	return x.mutate(ctx, kv.RecentCompletionsKey, func(rec *indexRecord) {
		rec.Entries = append([]domain.IndexEntry{entry}, removeEntry(rec.Entries, job.ID)...)
		if x.maxRecent > 0 && len(rec.Entries) > x.maxRecent {
			rec.Entries = rec.Entries[:x.maxRecent]
		}
	})
}

// RecentCompletions returns the most recently finished jobs, newest first.
func (x *TaskIndex) RecentCompletions(ctx context.Context) ([]domain.IndexEntry, error) {
	rec, err := x.load(ctx, kv.RecentCompletionsKey)
	if err != nil {
		return nil, err
	}
	return rec.Entries, nil
}
