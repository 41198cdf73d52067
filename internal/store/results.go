package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/kv"
)

// ResultsBuffer accumulates item results for a batch until the batch is
// drained into a ResultSink. When the encoded buffer grows past its cap the
// oldest entries are dropped; their outcomes stay counted in Dropped.
type ResultsBuffer struct {
	SchemaVersion int                 `json:"schema_version"`
	BatchID       string              `json:"batch_id"`
	Entries       []domain.ItemResult `json:"entries"`
	// Dropped maps trimmed item ids to whether they succeeded.
	Dropped map[string]bool `json:"dropped,omitempty"`
}

// Counts tallies every outcome seen, including trimmed entries.
func (b *ResultsBuffer) Counts() domain.ResultCounts {
	c := domain.CountResults(b.Entries)
	for _, ok := range b.Dropped {
		if ok {
			c.Success++
		} else {
			c.Failed++
		}
	}
	return c
}

// Len is the number of distinct items with a recorded outcome.
func (b *ResultsBuffer) Len() int { return len(b.Entries) + len(b.Dropped) }

func (b *ResultsBuffer) merge(results []domain.ItemResult) {
	index := make(map[string]int, len(b.Entries))
	for i, e := range b.Entries {
		index[e.ItemID] = i
	}
	for _, r := range results {
		if _, dropped := b.Dropped[r.ItemID]; dropped {
			continue
		}
		if i, ok := index[r.ItemID]; ok {
			b.Entries[i] = r
			continue
		}
		index[r.ItemID] = len(b.Entries)
		b.Entries = append(b.Entries, r)
	}
}

// trim drops the oldest entries until the encoded buffer fits maxBytes,
// always keeping at least one entry.
func (b *ResultsBuffer) trim(maxBytes int) ([]byte, error) {
	for {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		if maxBytes <= 0 || len(data) <= maxBytes || len(b.Entries) <= 1 {
			return data, nil
		}
		if b.Dropped == nil {
			b.Dropped = make(map[string]bool)
		}
		oldest := b.Entries[0]
		b.Dropped[oldest.ItemID] = !oldest.Failed()
		b.Entries = b.Entries[1:]
	}
}

// ResultsStore keeps per-batch results buffers.
type ResultsStore struct {
	kv       kv.Store
	maxBytes int
}

// NewResultsStore creates a ResultsStore capping each buffer at maxBytes.
func NewResultsStore(store kv.Store, maxBytes int) *ResultsStore {
	return &ResultsStore{kv: store, maxBytes: maxBytes}
}

// Load returns the buffer for batchID, empty when none exists.
func (s *ResultsStore) Load(ctx context.Context, batchID string) (*ResultsBuffer, error) {
	buf := &ResultsBuffer{SchemaVersion: domain.SchemaVersion, BatchID: batchID}
	err := kv.GetJSON(ctx, s.kv, kv.ResultsKey(batchID), buf)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return &ResultsBuffer{SchemaVersion: domain.SchemaVersion, BatchID: batchID}, nil
	case err != nil:
		return nil, NewStoreError("results", "get", batchID, err)
	}
	if err := checkSchema("results", batchID, buf.SchemaVersion); err != nil {
		return nil, err
	}
	return buf, nil
}

// Merge adds results to the batch buffer, replacing earlier results for the
// same item, and trims the buffer to its cap. The caller must hold the batch lock.
func (s *ResultsStore) Merge(ctx context.Context, batchID string, results []domain.ItemResult) (*ResultsBuffer, error) {
	buf, err := s.Load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	buf.merge(results)

	data, err := buf.trim(s.maxBytes)
	if err != nil {
		return nil, NewStoreError("results", "encode", batchID, err)
	}
	if err := s.kv.Set(ctx, kv.ResultsKey(batchID), data, 0); err != nil {
		return nil, NewStoreError("results", "save", batchID, err)
	}
	return buf, nil
}

// Clear deletes the buffer.
func (s *ResultsStore) Clear(ctx context.Context, batchID string) error {
	if err := s.kv.Delete(ctx, kv.ResultsKey(batchID)); err != nil {
		return NewStoreError("results", "delete", batchID, err)
	}
	return nil
}
