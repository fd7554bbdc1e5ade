package retriever

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/merge"
)

// LexicalSearcher is the capability the hybrid retriever needs from the
// lexical index (4.E): a keyword search returning ranked retrieval results.
type LexicalSearcher interface {
	Search(ctx context.Context, query string, topK int) ([]domain.RetrievalResult, error)
}

// DefaultBranchTimeout bounds each branch of the hybrid retriever.
const DefaultBranchTimeout = 30 * time.Second

// DefaultDenseWeight and DefaultLexicalWeight are the RRF fusion weights
// used when both branches succeed.
const (
	DefaultDenseWeight   = 0.6
	DefaultLexicalWeight = 0.4
)

// HybridRetriever implements 4.I: it runs the dense and lexical retrievers
// concurrently and fuses their ranked lists with weighted RRF (4.H). If one
// branch fails, its weight is dropped and the surviving branch's weight is
// renormalized to 1.0 rather than failing the whole query.
type HybridRetriever struct {
	dense         Retriever
	lexical       LexicalSearcher
	denseWeight   float64
	lexicalWeight float64
	branchTimeout time.Duration
	logger        *slog.Logger
}

// HybridOption configures a HybridRetriever.
type HybridOption func(*HybridRetriever)

// WithWeights overrides the default dense/lexical fusion weights.
func WithWeights(dense, lexicalW float64) HybridOption {
	return func(h *HybridRetriever) {
		h.denseWeight = dense
		h.lexicalWeight = lexicalW
	}
}

// WithBranchTimeout overrides the per-branch deadline.
func WithBranchTimeout(d time.Duration) HybridOption {
	return func(h *HybridRetriever) { h.branchTimeout = d }
}

// NewHybridRetriever constructs a hybrid retriever over a dense and a
// lexical branch.
func NewHybridRetriever(dense Retriever, lex LexicalSearcher, logger *slog.Logger, opts ...HybridOption) *HybridRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HybridRetriever{
		dense:         dense,
		lexical:       lex,
		denseWeight:   DefaultDenseWeight,
		lexicalWeight: DefaultLexicalWeight,
		branchTimeout: DefaultBranchTimeout,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Retrieve runs both branches concurrently, under independent per-branch
// deadlines, and fuses their results.
func (h *HybridRetriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.RetrievalResult, error) {
	var denseResults, lexicalResults []domain.RetrievalResult
	var denseErr, lexicalErr error

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		branchCtx, cancel := context.WithTimeout(gctx, h.branchTimeout)
		defer cancel()
		denseResults, denseErr = h.dense.Retrieve(branchCtx, query, topK)
		if denseErr != nil {
			h.logger.Warn("dense retrieval branch failed", "error", denseErr)
		}
		return nil
	})

	g.Go(func() error {
		branchCtx, cancel := context.WithTimeout(gctx, h.branchTimeout)
		defer cancel()
		lexicalResults, lexicalErr = h.lexical.Search(branchCtx, query, topK)
		if lexicalErr != nil {
			h.logger.Warn("lexical retrieval branch failed", "error", lexicalErr)
		}
		return nil
	})

	// Errors are absorbed locally by each branch (logged, empty list
	// substituted); g.Wait() itself never returns an error here.
	_ = g.Wait()

	denseWeight, lexicalWeight := h.denseWeight, h.lexicalWeight
	switch {
	case denseErr != nil && lexicalErr != nil:
		return nil, nil
	case denseErr != nil:
		denseWeight, lexicalWeight = 0, 1.0
	case lexicalErr != nil:
		denseWeight, lexicalWeight = 1.0, 0
	}

	fused := merge.RRFTwoLists(denseResults, lexicalResults, denseWeight, lexicalWeight, merge.DefaultK)
	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused, nil
}
