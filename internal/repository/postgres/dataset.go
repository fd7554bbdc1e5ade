package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/repository"
)

// DatasetRepo implements repository.DatasetRepository.
type DatasetRepo struct {
	db *DB
}

// NewDatasetRepo creates a new dataset repository.
func NewDatasetRepo(db *DB) *DatasetRepo {
	return &DatasetRepo{db: db}
}

// Create inserts a new dataset.
func (r *DatasetRepo) Create(ctx context.Context, dataset *domain.Dataset) error {
	query := `
		INSERT INTO datasets (id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		dataset.ID, dataset.Name, dataset.Description, dataset.CreatedAt, dataset.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating dataset: %w", err)
	}
	return nil
}

// GetByID retrieves a dataset by ID.
func (r *DatasetRepo) GetByID(ctx context.Context, id string) (*domain.Dataset, error) {
	query := `
		SELECT id, name, description, collection_count, data_count, total_tokens, created_at, updated_at
		FROM datasets
		WHERE id = $1
	`
	var d domain.Dataset
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.Name, &d.Description, &d.CollectionCount, &d.DataCount, &d.TotalTokens,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("getting dataset: %w", err)
	}
	return &d, nil
}

// List retrieves datasets with pagination.
func (r *DatasetRepo) List(ctx context.Context, limit, offset int) ([]*domain.Dataset, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM datasets`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting datasets: %w", err)
	}

	query := `
		SELECT id, name, description, collection_count, data_count, total_tokens, created_at, updated_at
		FROM datasets
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing datasets: %w", err)
	}
	defer rows.Close()

	var datasets []*domain.Dataset
	for rows.Next() {
		var d domain.Dataset
		if err := rows.Scan(&d.ID, &d.Name, &d.Description, &d.CollectionCount, &d.DataCount,
			&d.TotalTokens, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning dataset: %w", err)
		}
		datasets = append(datasets, &d)
	}

	return datasets, total, nil
}

// Update updates a dataset's mutable fields.
func (r *DatasetRepo) Update(ctx context.Context, dataset *domain.Dataset) error {
	query := `
		UPDATE datasets
		SET name = $2, description = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, dataset.ID, dataset.Name, dataset.Description)
	if err != nil {
		return fmt.Errorf("updating dataset: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a dataset.
func (r *DatasetRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM datasets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting dataset: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RefreshUsage recomputes the dataset's aggregate collection/data/token
// counters from the collections and data tables.
func (r *DatasetRepo) RefreshUsage(ctx context.Context, id string) error {
	query := `
		UPDATE datasets d
		SET collection_count = (SELECT COUNT(*) FROM collections c WHERE c.dataset_id = d.id),
		    data_count = (SELECT COALESCE(SUM(c.data_count), 0) FROM collections c WHERE c.dataset_id = d.id),
		    total_tokens = (SELECT COALESCE(SUM(c.total_tokens), 0) FROM collections c WHERE c.dataset_id = d.id),
		    updated_at = NOW()
		WHERE d.id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("refreshing dataset usage: %w", err)
	}
	return nil
}

// Ensure DatasetRepo implements the interface.
var _ repository.DatasetRepository = (*DatasetRepo)(nil)
