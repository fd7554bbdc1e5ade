package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/repository"
)

// CollectionRepo implements repository.CollectionRepository.
type CollectionRepo struct {
	db *DB
}

// NewCollectionRepo creates a new collection repository.
func NewCollectionRepo(db *DB) *CollectionRepo {
	return &CollectionRepo{db: db}
}

// Create inserts a new collection.
func (r *CollectionRepo) Create(ctx context.Context, c *domain.Collection) error {
	metadataJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling collection metadata: %w", err)
	}

	query := `
		INSERT INTO collections (id, dataset_id, name, description, source_file, file_type, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		c.ID, c.DatasetID, c.Name, c.Description, c.SourceFile, c.FileType, metadataJSON,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}
	return nil
}

// GetByID retrieves a collection by ID.
func (r *CollectionRepo) GetByID(ctx context.Context, id string) (*domain.Collection, error) {
	query := `
		SELECT id, dataset_id, name, description, source_file, file_type, metadata, data_count, total_tokens, created_at, updated_at
		FROM collections
		WHERE id = $1
	`
	return r.scan(ctx, query, id)
}

func (r *CollectionRepo) scan(ctx context.Context, query string, args ...any) (*domain.Collection, error) {
	var c domain.Collection
	var metadataJSON []byte

	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&c.ID, &c.DatasetID, &c.Name, &c.Description, &c.SourceFile, &c.FileType, &metadataJSON,
		&c.DataCount, &c.TotalTokens, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("getting collection: %w", err)
	}

	c.Metadata = make(map[string]string)
	if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling collection metadata: %w", err)
	}
	return &c, nil
}

// ListByDataset retrieves collections belonging to a dataset, paginated.
func (r *CollectionRepo) ListByDataset(ctx context.Context, datasetID string, limit, offset int) ([]*domain.Collection, int, error) {
	var total int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM collections WHERE dataset_id = $1`, datasetID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting collections: %w", err)
	}

	query := `
		SELECT id, dataset_id, name, description, source_file, file_type, metadata, data_count, total_tokens, created_at, updated_at
		FROM collections
		WHERE dataset_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, datasetID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var collections []*domain.Collection
	for rows.Next() {
		var c domain.Collection
		var metadataJSON []byte
		if err := rows.Scan(&c.ID, &c.DatasetID, &c.Name, &c.Description, &c.SourceFile, &c.FileType,
			&metadataJSON, &c.DataCount, &c.TotalTokens, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning collection: %w", err)
		}
		c.Metadata = make(map[string]string)
		if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
			return nil, 0, fmt.Errorf("unmarshaling collection metadata: %w", err)
		}
		collections = append(collections, &c)
	}

	return collections, total, nil
}

// Update updates a collection's mutable fields.
func (r *CollectionRepo) Update(ctx context.Context, c *domain.Collection) error {
	metadataJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling collection metadata: %w", err)
	}

	query := `
		UPDATE collections
		SET name = $2, description = $3, metadata = $4, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, c.ID, c.Name, c.Description, metadataJSON)
	if err != nil {
		return fmt.Errorf("updating collection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a collection.
func (r *CollectionRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM collections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting collection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RefreshUsage recomputes the collection's data count and token sum from
// the data table.
func (r *CollectionRepo) RefreshUsage(ctx context.Context, id string) error {
	query := `
		UPDATE collections c
		SET data_count = (SELECT COUNT(*) FROM data d WHERE d.collection_id = c.id),
		    total_tokens = (SELECT COALESCE(SUM(d.tokens), 0) FROM data d WHERE d.collection_id = c.id),
		    updated_at = NOW()
		WHERE c.id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("refreshing collection usage: %w", err)
	}
	return nil
}

// Ensure CollectionRepo implements the interface.
var _ repository.CollectionRepository = (*CollectionRepo)(nil)
