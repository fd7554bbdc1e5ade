// Package retriever implements the dense retriever (4.F), the hybrid
// retriever (4.I) that fuses it with lexical search, and the parallel
// retriever (4.J) that fans a multi-variant query out across both.
package retriever

import (
	"context"
	"fmt"

	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/embedder"
	"github.com/knoguchi/rag/internal/repository"
	"github.com/knoguchi/rag/internal/vectorstore"
)

// DenseRetriever implements 4.F: it embeds the query, searches the vector
// store for nearest neighbors, and resolves each match back to its data
// record's content via the metadata store.
type DenseRetriever struct {
	embedder embedder.Embedder
	store    vectorstore.VectorStore
	dataRepo repository.DataRepository
}

// NewDenseRetriever constructs a dense retriever over the given backends.
func NewDenseRetriever(emb embedder.Embedder, store vectorstore.VectorStore, dataRepo repository.DataRepository) *DenseRetriever {
	return &DenseRetriever{embedder: emb, store: store, dataRepo: dataRepo}
}

// Retrieve embeds query and returns up to topK nearest data records ranked
// by cosine similarity.
func (d *DenseRetriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.RetrievalResult, error) {
	vector, err := d.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := d.store.Search(ctx, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	dataIDs := make([]string, len(matches))
	for i, m := range matches {
		dataIDs[i] = m.DataID
	}

	records, err := d.dataRepo.GetByIDs(ctx, dataIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving data records: %w", err)
	}
	byID := make(map[string]*domain.Data, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	results := make([]domain.RetrievalResult, 0, len(matches))
	for _, m := range matches {
		rec, ok := byID[m.DataID]
		if !ok {
			continue
		}
		results = append(results, domain.RetrievalResult{
			DataID:       rec.ID,
			CollectionID: rec.CollectionID,
			Content:      rec.Content,
			Title:        rec.Title,
			Score:        float64(m.Score),
			Source:       "embedding",
			Tokens:       rec.Tokens,
		})
	}

	return results, nil
}
