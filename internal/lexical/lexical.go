// Package lexical implements the lexical retriever (4.E) using an
// in-process Bleve index for BM25-scored keyword search. This is used in
// place of an external full-text search service because Postgres's plain
// text search does not expose a directly RRF-comparable relevance score.
package lexical

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/knoguchi/rag/internal/domain"
)

// indexedData is the document structure stored in the Bleve index.
type indexedData struct {
	Content      string `json:"content"`
	Title        string `json:"title"`
	CollectionID string `json:"collection_id"`
	Tokens       int    `json:"tokens"`
}

// Index wraps a Bleve full-text index scoped to data records.
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
}

// NewIndex creates a new in-process lexical index. If path is empty, the
// index lives entirely in memory, starts empty and holds only what this
// process indexes; otherwise it is persisted to path on disk.
func NewIndex(path string) (*Index, error) {
	m := buildMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening lexical index: %w", err)
	}

	return &Index{index: idx}, nil
}

func buildMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = "standard"
	return m
}

// IndexData adds or overwrites the given data records in the index.
func (i *Index) IndexData(ctx context.Context, records []domain.Data) error {
	if len(records) == 0 {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	batch := i.index.NewBatch()
	for _, d := range records {
		doc := indexedData{Content: d.Content, Title: d.Title, CollectionID: d.CollectionID, Tokens: d.Tokens}
		if err := batch.Index(d.ID, doc); err != nil {
			return fmt.Errorf("indexing data %s: %w", d.ID, err)
		}
	}

	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("executing index batch: %w", err)
	}
	return nil
}

// DeleteData removes the given data IDs from the index.
func (i *Index) DeleteData(ctx context.Context, dataIDs []string) error {
	if len(dataIDs) == 0 {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	batch := i.index.NewBatch()
	for _, id := range dataIDs {
		batch.Delete(id)
	}
	return i.index.Batch(batch)
}

// Search performs BM25-scored keyword search and returns up to topK matches
// as retrieval results, in the shape consumed by the merge stage (4.G/4.H).
func (i *Index) Search(ctx context.Context, query string, topK int) ([]domain.RetrievalResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("content")

	req := bleve.NewSearchRequest(matchQuery)
	req.Size = topK
	req.Fields = []string{"content", "title", "collection_id", "tokens"}

	result, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}

	results := make([]domain.RetrievalResult, 0, len(result.Hits))
	for _, hit := range result.Hits {
		content, _ := hit.Fields["content"].(string)
		title, _ := hit.Fields["title"].(string)
		collectionID, _ := hit.Fields["collection_id"].(string)
		tokens := 0
		if v, ok := hit.Fields["tokens"].(float64); ok {
			tokens = int(v)
		}
		results = append(results, domain.RetrievalResult{
			DataID:       hit.ID,
			CollectionID: collectionID,
			Content:      content,
			Title:        title,
			Score:        hit.Score,
			Source:       "bm25",
			Tokens:       tokens,
			Metadata:     map[string]any{"bm25_score": hit.Score},
		})
	}

	return results, nil
}

// Close releases the underlying index resources.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.index.Close()
}
