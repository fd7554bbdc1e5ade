// Package repository defines the metadata store adapter (4.D): persistence
// interfaces for datasets, collections, data records, and conversation
// turns, backed by a Postgres implementation under repository/postgres.
package repository

import (
	"context"

	"github.com/knoguchi/rag/internal/domain"
)

// DatasetRepository persists Dataset records and their aggregate counters.
type DatasetRepository interface {
	Create(ctx context.Context, dataset *domain.Dataset) error
	GetByID(ctx context.Context, id string) (*domain.Dataset, error)
	List(ctx context.Context, limit, offset int) ([]*domain.Dataset, int, error)
	Update(ctx context.Context, dataset *domain.Dataset) error
	Delete(ctx context.Context, id string) error

	// RefreshUsage recomputes CollectionCount, DataCount, and TotalTokens
	// from the collections/data tables and persists them on the dataset.
	RefreshUsage(ctx context.Context, id string) error
}

// CollectionRepository persists Collection records.
type CollectionRepository interface {
	Create(ctx context.Context, collection *domain.Collection) error
	GetByID(ctx context.Context, id string) (*domain.Collection, error)
	ListByDataset(ctx context.Context, datasetID string, limit, offset int) ([]*domain.Collection, int, error)
	Update(ctx context.Context, collection *domain.Collection) error
	Delete(ctx context.Context, id string) error

	// RefreshUsage recomputes DataCount and TotalTokens from the data table.
	RefreshUsage(ctx context.Context, id string) error
}

// DataRepository persists Data (chunk) records and supports the
// resumability queries the ingestion pipeline (4.R) and the id lookups the
// retrieval components (4.F) need. It has no full-text search query.
type DataRepository interface {
	Create(ctx context.Context, data *domain.Data) error
	CreateBatch(ctx context.Context, records []*domain.Data) error
	GetByID(ctx context.Context, id string) (*domain.Data, error)
	GetByIDs(ctx context.Context, ids []string) ([]*domain.Data, error)
	ListByCollection(ctx context.Context, collectionID string, limit, offset int) ([]*domain.Data, int, error)

	// ListUnprocessed returns records with Processed == false, for
	// resumable ingestion.
	ListUnprocessed(ctx context.Context, collectionID string, limit int) ([]*domain.Data, error)

	// MarkProcessed sets Processed = true and records the vector IDs
	// produced for a data record.
	MarkProcessed(ctx context.Context, id string, vectorIDs []string) error

	Update(ctx context.Context, data *domain.Data) error
	Delete(ctx context.Context, id string) error
}

// ConversationRepository persists conversation turns for session memory (4.O).
type ConversationRepository interface {
	Create(ctx context.Context, turn *domain.ConversationTurn) error

	// ListBySession returns turns for a session ordered oldest-first, most
	// recent limit turns.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.ConversationTurn, error)

	// LastTurnTime returns a session's most recent turn, whose Timestamp
	// determines session liveness.
	LastTurnTime(ctx context.Context, sessionID string) (*domain.ConversationTurn, error)

	// DeleteExpired removes turns from sessions whose most recent turn is
	// older than the given TTL cutoff.
	DeleteExpired(ctx context.Context, olderThanSeconds int64) (int, error)
}
