package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/kv"
)

// TaskStore reads and writes job and batch records.
type TaskStore struct {
	kv  kv.Store
	ttl time.Duration
}

// NewTaskStore creates a TaskStore. Records are written with ttl so abandoned
// jobs eventually disappear; zero disables expiry.
func NewTaskStore(store kv.Store, ttl time.Duration) *TaskStore {
	return &TaskStore{kv: store, ttl: ttl}
}

// KV exposes the underlying store for components that keep their own records.
func (s *TaskStore) KV() kv.Store { return s.kv }

func checkSchema(entity, id string, version int) error {
	if version != domain.SchemaVersion {
		return NewStoreError(entity, "get", id, fmt.Errorf("%w: %d", ErrSchemaVersion, version))
	}
	return nil
}

// CreateJob stores a new job. It returns ErrJobExists when the id is taken.
func (s *TaskStore) CreateJob(ctx context.Context, job *domain.Job) error {
	job.SchemaVersion = domain.SchemaVersion
	ok, err := kv.InsertJSONIfAbsent(ctx, s.kv, kv.JobKey(job.ID), job, s.ttl)
	if err != nil {
		return NewStoreError("job", "create", job.ID, err)
	}
	if !ok {
		return ErrJobExists
	}
	return nil
}

// GetJob loads a job. It returns ErrJobNotFound when absent or expired.
func (s *TaskStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := kv.GetJSON(ctx, s.kv, kv.JobKey(id), &job); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, NewStoreError("job", "get", id, err)
	}
	if err := checkSchema("job", id, job.SchemaVersion); err != nil {
		return nil, err
	}
	return &job, nil
}

// SaveJob overwrites a job record.
func (s *TaskStore) SaveJob(ctx context.Context, job *domain.Job) error {
	job.SchemaVersion = domain.SchemaVersion
	if err := kv.SetJSON(ctx, s.kv, kv.JobKey(job.ID), job, s.ttl); err != nil {
		return NewStoreError("job", "save", job.ID, err)
	}
	return nil
}

// DeleteJob removes a job record.
func (s *TaskStore) DeleteJob(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, kv.JobKey(id)); err != nil {
		return NewStoreError("job", "delete", id, err)
	}
	return nil
}

// GetBatch loads a batch. It returns ErrBatchNotFound when absent or expired.
func (s *TaskStore) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	var b domain.Batch
	if err := kv.GetJSON(ctx, s.kv, kv.BatchKey(id), &b); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, NewStoreError("batch", "get", id, err)
	}
	if err := checkSchema("batch", id, b.SchemaVersion); err != nil {
		return nil, err
	}
	return &b, nil
}

// SaveBatch overwrites a batch record.
func (s *TaskStore) SaveBatch(ctx context.Context, b *domain.Batch) error {
	b.SchemaVersion = domain.SchemaVersion
	if err := kv.SetJSON(ctx, s.kv, kv.BatchKey(b.ID), b, s.ttl); err != nil {
		return NewStoreError("batch", "save", b.ID, err)
	}
	return nil
}

// DeleteBatch removes a batch and its results buffer.
func (s *TaskStore) DeleteBatch(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, kv.BatchKey(id)); err != nil {
		return NewStoreError("batch", "delete", id, err)
	}
	if err := s.kv.Delete(ctx, kv.ResultsKey(id)); err != nil {
		return NewStoreError("results", "delete", id, err)
	}
	return nil
}

// ListBatches loads every batch of a job in ordinal order. Batches whose
// records expired are skipped.
func (s *TaskStore) ListBatches(ctx context.Context, job *domain.Job) ([]*domain.Batch, error) {
	batches := make([]*domain.Batch, 0, len(job.BatchIDs))
	for _, id := range job.BatchIDs {
		b, err := s.GetBatch(ctx, id)
		if errors.Is(err, ErrBatchNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}
