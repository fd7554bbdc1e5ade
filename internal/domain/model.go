// Package domain defines the core entities shared across the retrieval and
// ingestion pipelines: Dataset, Collection, Data, EmbeddingVector and
// ConversationTurn, plus the query/result value objects that flow between
// components.
package domain

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Dataset is a logical corpus: a named group of Collections.
type Dataset struct {
	ID              string
	Name            string
	Description     string
	CollectionCount int
	DataCount       int
	TotalTokens     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Collection is the set of Data produced from one source file.
type Collection struct {
	ID          string
	DatasetID   string
	Name        string
	Description string
	SourceFile  string
	FileType    string
	Metadata    map[string]string
	DataCount   int
	TotalTokens int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Data is a stored text chunk, the retrieval unit. VectorIDs is the ordered
// set of ids into the vector store that embed some view of this chunk.
type Data struct {
	ID           string
	CollectionID string
	Content      string
	Title        string
	VectorIDs    []string
	Metadata     map[string]string
	Sequence     int
	Tokens       int
	Processed    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EmbeddingVector is a dense float array derived from a chunk or sub-chunk.
// ChunkIndex 0 means the vector embeds the full Data content; indices ≥ 1
// embed a textual sub-view (e.g. the leading 512 characters).
type EmbeddingVector struct {
	ID         string
	DataID     string
	Vector     []float32
	Dimension  int
	Model      string
	ChunkText  string
	ChunkIndex int
	CreatedAt  time.Time
}

// ConversationTurn is one question/answer exchange within a session.
type ConversationTurn struct {
	ID              string
	SessionID       string
	Question        string
	Answer          string
	RetrievedChunks []RetrievalResult
	Timestamp       time.Time
	TokensUsed      int
	RelevanceScore  float64
	ResponseTime    time.Duration
}

// Query carries the parameters for one retrieval request as it threads
// through the query-transformation and retrieval stages.
type Query struct {
	ID                 string
	Question           string
	OptimizedQuestion   string
	ExpandedQueries    []string
	ConcatQuery        string
	MaxTokens          int
	RelevanceThreshold float64
	TopK               int
}

// RetrievalResult is one candidate record surfaced by a retriever or fusion
// stage, prior to reranking.
type RetrievalResult struct {
	DataID       string
	CollectionID string
	Content      string
	Title        string
	Score        float64
	Source       string // "embedding" | "bm25" | "rrf_merged" | "multi_rrf_merged"
	Metadata     map[string]any
	Tokens       int
}

// RerankResult is a RetrievalResult after cross-encoder blending (4.M).
type RerankResult struct {
	DataID        string
	CollectionID  string
	Content       string
	Title         string
	OriginalScore float64
	RerankScore   float64
	FinalScore    float64
	Metadata      map[string]any
	Tokens        int
}

// CloneMetadata returns a shallow copy of a metadata map, safe to mutate
// without affecting the source record.
func CloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
