package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/kv"
)

// ResultSink is the permanent home of generated content.
type ResultSink interface {
	// SaveResults persists the successful results of a batch. Failed results
	// are skipped. Saving the same item twice overwrites it.
	SaveResults(ctx context.Context, jobID string, workflow domain.Workflow, results []domain.ItemResult) error
}

// GeneratedContent is a stored generation result.
type GeneratedContent struct {
	JobID    string          `json:"job_id"`
	ItemID   string          `json:"item_id"`
	Workflow domain.Workflow `json:"workflow"`
	Payload  []byte          `json:"payload"`
}

// KVResultSink stores each payload at scry.content.{workflow}.{item}.
type KVResultSink struct {
	kv kv.Store
}

// NewKVResultSink creates a KV-backed sink.
func NewKVResultSink(store kv.Store) *KVResultSink {
	return &KVResultSink{kv: store}
}

// SaveResults implements ResultSink.
func (s *KVResultSink) SaveResults(ctx context.Context, jobID string, workflow domain.Workflow, results []domain.ItemResult) error {
	for _, r := range results {
		if r.Failed() {
			continue
		}
		rec := GeneratedContent{JobID: jobID, ItemID: r.ItemID, Workflow: workflow, Payload: r.Payload}
		if err := kv.SetJSON(ctx, s.kv, kv.ContentKey(string(workflow), r.ItemID), rec, 0); err != nil {
			return NewStoreError("content", "save", r.ItemID, err)
		}
	}
	return nil
}

// Get returns the stored content for an item.
func (s *KVResultSink) Get(ctx context.Context, workflow domain.Workflow, itemID string) (*GeneratedContent, error) {
	var rec GeneratedContent
	if err := kv.GetJSON(ctx, s.kv, kv.ContentKey(string(workflow), itemID), &rec); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: content %s", ErrNotFound, itemID)
		}
		return nil, NewStoreError("content", "get", itemID, err)
	}
	return &rec, nil
}

// KVContentSource serves source items stored at scry.source.{id}.
type KVContentSource struct {
	kv kv.Store
}

// NewKVContentSource creates a KV-backed content source.
func NewKVContentSource(store kv.Store) *KVContentSource {
	return &KVContentSource{kv: store}
}

// Put stores or replaces an item.
func (s *KVContentSource) Put(ctx context.Context, item domain.Item) error {
	if item.ExternalID == "" {
		return fmt.Errorf("%w: item id is required", domain.ErrValidation)
	}
	if err := kv.SetJSON(ctx, s.kv, kv.SourceContentKey(item.ExternalID), item, 0); err != nil {
		return NewStoreError("source", "save", item.ExternalID, err)
	}
	return nil
}

// Fetch returns items in the order of ids. Unknown ids come back with empty
// content so decomposition skips them as invalid.
func (s *KVContentSource) Fetch(ctx context.Context, ids []string) ([]domain.Item, error) {
	items := make([]domain.Item, 0, len(ids))
	for _, id := range ids {
		var item domain.Item
		err := kv.GetJSON(ctx, s.kv, kv.SourceContentKey(id), &item)
		switch {
		case errors.Is(err, kv.ErrNotFound):
			item = domain.Item{ExternalID: id}
		case err != nil:
			return nil, NewStoreError("source", "get", id, err)
		}
		items = append(items, item)
	}
	return items, nil
}
