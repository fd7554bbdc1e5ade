package retriever

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/merge"
)

// Retriever is the capability every branch of the parallel retriever (4.J)
// must implement: a single query-variant in, a ranked result list out.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]domain.RetrievalResult, error)
}

// DefaultWorkerCount bounds how many query variants retrieve concurrently.
const DefaultWorkerCount = 3

// DefaultTaskTimeout bounds each variant's retrieval call.
const DefaultTaskTimeout = 30 * time.Second

// ParallelRetriever implements 4.J: it fans a set of query variants out
// across a bounded worker pool, retrieves each independently against the
// same underlying retriever, and fuses the per-variant ranked lists with
// equally-weighted RRF.
type ParallelRetriever struct {
	inner       Retriever
	workerCount int
	taskTimeout time.Duration
	logger      *slog.Logger
}

// ParallelOption configures a ParallelRetriever.
type ParallelOption func(*ParallelRetriever)

// WithWorkerCount overrides the bounded pool size (default 3).
func WithWorkerCount(n int) ParallelOption {
	return func(p *ParallelRetriever) { p.workerCount = n }
}

// WithTaskTimeout overrides the per-variant deadline.
func WithTaskTimeout(d time.Duration) ParallelOption {
	return func(p *ParallelRetriever) { p.taskTimeout = d }
}

// NewParallelRetriever constructs a parallel retriever wrapping inner.
func NewParallelRetriever(inner Retriever, logger *slog.Logger, opts ...ParallelOption) *ParallelRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ParallelRetriever{
		inner:       inner,
		workerCount: DefaultWorkerCount,
		taskTimeout: DefaultTaskTimeout,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Retrieve runs inner.Retrieve once per variant, bounded to p.workerCount
// concurrent tasks, and fuses the results with equally-weighted RRF. A
// variant whose task fails contributes an empty list rather than aborting
// the others.
func (p *ParallelRetriever) Retrieve(ctx context.Context, variants []string, topK int) ([]domain.RetrievalResult, error) {
	if len(variants) == 0 {
		return nil, nil
	}

	results := make([][]domain.RetrievalResult, len(variants))
	sem := semaphore.NewWeighted(int64(p.workerCount))
	g, gctx := errgroup.WithContext(ctx)

	for i, variant := range variants {
		i, variant := i, variant
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			taskCtx, cancel := context.WithTimeout(gctx, p.taskTimeout)
			defer cancel()

			res, err := p.inner.Retrieve(taskCtx, variant, topK)
			if err != nil {
				p.logger.Warn("query variant retrieval failed", "variant_index", i, "error", err)
				return nil
			}
			results[i] = res
			return nil
		})
	}

	_ = g.Wait()

	lists := make([]merge.WeightedList, 0, len(variants))
	weight := 1.0 / float64(len(variants))
	for i, res := range results {
		if len(res) == 0 {
			continue
		}
		lists = append(lists, merge.WeightedList{
			Results: res,
			Weight:  weight,
			Source:  variantSourceLabel(i),
		})
	}

	if len(lists) == 0 {
		return nil, nil
	}
	if len(lists) == 1 {
		single := lists[0].Results
		if len(single) > topK {
			single = single[:topK]
		}
		return single, nil
	}

	fused := merge.RRF(lists, merge.DefaultK)
	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused, nil
}

func variantSourceLabel(i int) string {
	return "variant_" + strconv.Itoa(i)
}
