package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/pipeline"
	"github.com/knoguchi/rag/internal/repository"
)

// pgUniqueViolation is the Postgres error code for a unique-constraint
// violation (e.g. a colliding id), per
// https://www.postgresql.org/docs/current/errcodes-appendix.html.
const pgUniqueViolation = "23505"

// wrapInsertErr tags a unique-constraint violation as a DuplicateID-kind
// pipeline error (§4.R: "Duplicate-id errors must abort the run"), leaving
// every other failure as-is.
func wrapInsertErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pipeline.Wrap(pipeline.DuplicateID, err)
	}
	return err
}

// DataRepo implements repository.DataRepository.
type DataRepo struct {
	db *DB
}

// NewDataRepo creates a new data repository.
func NewDataRepo(db *DB) *DataRepo {
	return &DataRepo{db: db}
}

// Create inserts a single data record.
func (r *DataRepo) Create(ctx context.Context, d *domain.Data) error {
	metadataJSON, vectorIDsJSON, err := marshalData(d)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO data (id, collection_id, content, title, vector_ids, metadata, sequence, tokens, processed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		d.ID, d.CollectionID, d.Content, d.Title, vectorIDsJSON, metadataJSON,
		d.Sequence, d.Tokens, d.Processed, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating data: %w", wrapInsertErr(err))
	}
	return nil
}

// CreateBatch inserts multiple data records in a single round trip.
func (r *DataRepo) CreateBatch(ctx context.Context, records []*domain.Data) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range records {
		metadataJSON, vectorIDsJSON, err := marshalData(d)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO data (id, collection_id, content, title, vector_ids, metadata, sequence, tokens, processed, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, d.ID, d.CollectionID, d.Content, d.Title, vectorIDsJSON, metadataJSON,
			d.Sequence, d.Tokens, d.Processed, d.CreatedAt, d.UpdatedAt)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("inserting data batch: %w", wrapInsertErr(err))
		}
	}

	return nil
}

func marshalData(d *domain.Data) (metadataJSON, vectorIDsJSON []byte, err error) {
	metadataJSON, err = json.Marshal(d.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling data metadata: %w", err)
	}
	vectorIDsJSON, err = json.Marshal(d.VectorIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling vector IDs: %w", err)
	}
	return metadataJSON, vectorIDsJSON, nil
}

const dataColumns = `id, collection_id, content, title, vector_ids, metadata, sequence, tokens, processed, created_at, updated_at`

func scanData(row pgx.Row) (*domain.Data, error) {
	var d domain.Data
	var metadataJSON, vectorIDsJSON []byte

	err := row.Scan(&d.ID, &d.CollectionID, &d.Content, &d.Title, &vectorIDsJSON, &metadataJSON,
		&d.Sequence, &d.Tokens, &d.Processed, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scanning data: %w", err)
	}

	if err := json.Unmarshal(vectorIDsJSON, &d.VectorIDs); err != nil {
		return nil, fmt.Errorf("unmarshaling vector IDs: %w", err)
	}
	d.Metadata = make(map[string]string)
	if err := json.Unmarshal(metadataJSON, &d.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling data metadata: %w", err)
	}
	return &d, nil
}

// GetByID retrieves a data record by ID.
func (r *DataRepo) GetByID(ctx context.Context, id string) (*domain.Data, error) {
	query := `SELECT ` + dataColumns + ` FROM data WHERE id = $1`
	return scanData(r.db.Pool.QueryRow(ctx, query, id))
}

// GetByIDs retrieves multiple data records, preserving no particular order;
// callers that need the original ranking order must re-sort by DataID.
func (r *DataRepo) GetByIDs(ctx context.Context, ids []string) ([]*domain.Data, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + dataColumns + ` FROM data WHERE id = ANY($1)`
	rows, err := r.db.Pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("getting data by IDs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Data
	for rows.Next() {
		d, err := scanData(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ListByCollection retrieves data records for a collection, paginated.
func (r *DataRepo) ListByCollection(ctx context.Context, collectionID string, limit, offset int) ([]*domain.Data, int, error) {
	var total int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM data WHERE collection_id = $1`, collectionID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting data: %w", err)
	}

	query := `SELECT ` + dataColumns + ` FROM data WHERE collection_id = $1 ORDER BY sequence LIMIT $2 OFFSET $3`
	rows, err := r.db.Pool.Query(ctx, query, collectionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing data: %w", err)
	}
	defer rows.Close()

	var out []*domain.Data
	for rows.Next() {
		d, err := scanData(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, nil
}

// ListUnprocessed returns records with processed = false, for resumable
// ingestion (4.R).
func (r *DataRepo) ListUnprocessed(ctx context.Context, collectionID string, limit int) ([]*domain.Data, error) {
	query := `SELECT ` + dataColumns + ` FROM data WHERE collection_id = $1 AND processed = false ORDER BY sequence LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, query, collectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed data: %w", err)
	}
	defer rows.Close()

	var out []*domain.Data
	for rows.Next() {
		d, err := scanData(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// MarkProcessed sets processed = true and stores the vector IDs produced
// for a data record.
func (r *DataRepo) MarkProcessed(ctx context.Context, id string, vectorIDs []string) error {
	vectorIDsJSON, err := json.Marshal(vectorIDs)
	if err != nil {
		return fmt.Errorf("marshaling vector IDs: %w", err)
	}

	query := `UPDATE data SET processed = true, vector_ids = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Pool.Exec(ctx, query, id, vectorIDsJSON)
	if err != nil {
		return fmt.Errorf("marking data processed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Update updates a data record's mutable fields.
func (r *DataRepo) Update(ctx context.Context, d *domain.Data) error {
	metadataJSON, vectorIDsJSON, err := marshalData(d)
	if err != nil {
		return err
	}

	query := `
		UPDATE data
		SET content = $2, title = $3, vector_ids = $4, metadata = $5, tokens = $6, processed = $7, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, d.ID, d.Content, d.Title, vectorIDsJSON, metadataJSON, d.Tokens, d.Processed)
	if err != nil {
		return fmt.Errorf("updating data: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a data record.
func (r *DataRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM data WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting data: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Ensure DataRepo implements the interface.
var _ repository.DataRepository = (*DataRepo)(nil)
