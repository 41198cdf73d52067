package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/store"
)

// ContentStore keeps source items and generated content in PostgreSQL. It is
// both the engine's ResultSink and its content source.
type ContentStore struct {
	db *sql.DB
}

var _ store.ResultSink = (*ContentStore)(nil)

// NewContentStore creates a ContentStore.
func NewContentStore(db *sql.DB) *ContentStore {
	return &ContentStore{db: db}
}

// SaveResults implements store.ResultSink. All rows of a batch are written in
// one transaction.
func (s *ContentStore) SaveResults(ctx context.Context, jobID string, workflow domain.Workflow, results []domain.ItemResult) error {
	return store.RunInTransaction(ctx, s.db, nil, func(ctx context.Context, tx store.DBTX) error {
		for _, r := range results {
			if r.Failed() {
				continue
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO generated_content (workflow, item_id, job_id, payload)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (workflow, item_id) DO UPDATE
				SET job_id = EXCLUDED.job_id, payload = EXCLUDED.payload, updated_at = NOW()`,
				string(workflow), r.ItemID, jobID, []byte(r.Payload),
			)
			if err != nil {
				return store.NewStoreError("content", "save", r.ItemID, MapError(err))
			}
		}
		return nil
	})
}

// Get returns the stored content for an item.
func (s *ContentStore) Get(ctx context.Context, workflow domain.Workflow, itemID string) (*store.GeneratedContent, error) {
	rec := store.GeneratedContent{ItemID: itemID, Workflow: workflow}
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, payload FROM generated_content
		WHERE workflow = $1 AND item_id = $2`,
		string(workflow), itemID,
	).Scan(&rec.JobID, &rec.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: content %s", store.ErrNotFound, itemID)
	}
	if err != nil {
		return nil, store.NewStoreError("content", "get", itemID, MapError(err))
	}
	return &rec, nil
}

// Put stores or replaces a source item.
func (s *ContentStore) Put(ctx context.Context, item domain.Item) error {
	if item.ExternalID == "" {
		return fmt.Errorf("%w: item id is required", domain.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_items (id, title, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, content = EXCLUDED.content, updated_at = NOW()`,
		item.ExternalID, item.Title, item.Content,
	)
	if err != nil {
		return store.NewStoreError("source", "save", item.ExternalID, MapError(err))
	}
	return nil
}

// Fetch returns items in the order of ids. Unknown ids come back with empty
// content.
func (s *ContentStore) Fetch(ctx context.Context, ids []string) ([]domain.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, content FROM source_items WHERE id IN ("+strings.Join(placeholders, ", ")+")",
		args...,
	)
	if err != nil {
		return nil, store.NewStoreError("source", "fetch", "", MapError(err))
	}
	defer rows.Close()

	found := make(map[string]domain.Item, len(ids))
	for rows.Next() {
		var item domain.Item
		if err := rows.Scan(&item.ExternalID, &item.Title, &item.Content); err != nil {
			return nil, store.NewStoreError("source", "fetch", "", err)
		}
		found[item.ExternalID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("source", "fetch", "", MapError(err))
	}

	items := make([]domain.Item, 0, len(ids))
	for _, id := range ids {
		item, ok := found[id]
		if !ok {
			item = domain.Item{ExternalID: id}
		}
		items = append(items, item)
	}
	return items, nil
}
