// Package reranker implements the cross-encoder rerank client (4.B) and the
// score-blending reranker (4.M) that sits on top of it.
//
// Reranking re-scores each query-document pair with a cross-encoder model
// that sees both texts together, which is more precise than the independent
// scoring used by dense/lexical retrieval but costs one extra round trip
// per query.
package reranker

import (
	"context"
	"log/slog"
	"sort"

	"github.com/knoguchi/rag/internal/domain"
)

// Client defines the interface for a cross-encoder rerank backend (4.B): it
// scores each document against a query and returns one score per document,
// in the same order as the input.
type Client interface {
	Score(ctx context.Context, query string, documents []string) ([]float64, error)
}

// DefaultScoreWeight is the blending weight alpha applied to the rerank
// score relative to the original retrieval score.
const DefaultScoreWeight = 0.7

// BatchSize is the number of documents sent to the rerank backend per call.
const BatchSize = 10

// Reranker implements 4.M: it blends cross-encoder scores with the original
// retrieval scores and returns the results sorted by final score.
type Reranker struct {
	client      Client
	scoreWeight float64
	logger      *slog.Logger
}

// Option configures a Reranker.
type Option func(*Reranker)

// WithScoreWeight overrides the blending weight alpha (default 0.7).
func WithScoreWeight(w float64) Option {
	return func(r *Reranker) { r.scoreWeight = w }
}

// NewReranker constructs a Reranker over the given rerank client.
func NewReranker(client Client, logger *slog.Logger, opts ...Option) *Reranker {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reranker{client: client, scoreWeight: DefaultScoreWeight, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rerank scores every result against query, blends the cross-encoder score
// with the original retrieval score, and returns the results sorted by
// descending final score. On any backend failure it degrades to identity
// scoring (final_score == original_score) rather than failing the pipeline.
func (r *Reranker) Rerank(ctx context.Context, query string, results []domain.RetrievalResult) []domain.RerankResult {
	if len(results) == 0 {
		return nil
	}

	passages := make([]string, len(results))
	for i, res := range results {
		passages[i] = res.Content
	}

	scores, err := r.batchScore(ctx, query, passages)
	if err != nil {
		r.logger.Warn("rerank backend failed, falling back to identity scoring", "error", err)
		scores = identityScores(results)
	}

	out := make([]domain.RerankResult, len(results))
	for i, res := range results {
		rerankScore := scores[i]
		finalScore := (1-r.scoreWeight)*res.Score + r.scoreWeight*rerankScore
		out[i] = domain.RerankResult{
			DataID:        res.DataID,
			CollectionID:  res.CollectionID,
			Content:       res.Content,
			Title:         res.Title,
			OriginalScore: res.Score,
			RerankScore:   rerankScore,
			FinalScore:    finalScore,
			Metadata:      domain.CloneMetadata(res.Metadata),
			Tokens:        res.Tokens,
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FinalScore > out[j].FinalScore
	})

	return out
}

func identityScores(results []domain.RetrievalResult) []float64 {
	scores := make([]float64, len(results))
	for i, res := range results {
		scores[i] = res.Score
	}
	return scores
}

// batchScore sends passages to the rerank backend in fixed-size batches and
// concatenates the returned scores in order.
func (r *Reranker) batchScore(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) <= BatchSize {
		return r.client.Score(ctx, query, passages)
	}

	all := make([]float64, 0, len(passages))
	for i := 0; i < len(passages); i += BatchSize {
		end := i + BatchSize
		if end > len(passages) {
			end = len(passages)
		}
		scores, err := r.client.Score(ctx, query, passages[i:end])
		if err != nil {
			return nil, err
		}
		all = append(all, scores...)
	}
	return all, nil
}
