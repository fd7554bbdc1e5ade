// Package chain implements the retrieval chain orchestrator (4.Q): it wires
// the query-transformation, retrieval, rerank, filter, memory and prompt
// stages into the single request/response flow served over HTTP. Grounded
// on retrieval_chain.py / query_processing_chain.py's step ordering.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/filter"
	"github.com/knoguchi/rag/internal/llm"
	"github.com/knoguchi/rag/internal/memory"
	"github.com/knoguchi/rag/internal/pipeline"
	"github.com/knoguchi/rag/internal/prompt"
	"github.com/knoguchi/rag/internal/query"
	"github.com/knoguchi/rag/internal/reranker"
	"github.com/knoguchi/rag/internal/retriever"
	"github.com/knoguchi/rag/internal/tokenizer"
)

// Defaults for a query, used when a Request leaves the corresponding field
// at its zero value.
const (
	DefaultMaxTokens          = 4000
	DefaultRelevanceThreshold = 0.6
	DefaultTopK               = 10
	DefaultExpansionVariants  = 2
	DefaultTemplate           = prompt.BasicRAG
)

// noResultsAnswer is the fixed apology returned when retrieval yields
// nothing to ground an answer in.
const noResultsAnswer = "抱歉，没有找到与您的问题相关的信息。请尝试换个方式提问，或联系管理员补充相关资料。"

// llmFailureAnswer is the fixed apology substituted for the answer when the
// final LLM generation call fails; the rest of the envelope is populated
// normally.
const llmFailureAnswer = "抱歉，生成回答时出现了问题，请稍后再试。"

// Request carries one query's parameters, mirroring the HTTP request body
// of POST /query/.
type Request struct {
	Question           string
	SessionID          string
	MaxTokens          int
	RelevanceThreshold float64
	TemplateName       string
	EnableRerank       bool
	EnableOptimization bool
	EnableExpansion    bool
}

// RetrievalStats reports the result count after each retrieval stage and
// whether reranking ran, surfaced under metadata.retrieval_stats.
type RetrievalStats struct {
	InitialResults  int
	RerankedResults int
	FilteredResults int
	RerankEnabled   bool
}

// Response is the envelope returned by Run, mirroring POST /query/'s
// response body.
type Response struct {
	Question             string
	Answer               string
	QueryID              string
	SessionID            string
	ProcessingTime       time.Duration
	TokensUsed           int
	RelevanceScore       float64
	RetrievedChunksCount int
	ProcessedQuery       string
	RetrievalStats       RetrievalStats
	TemplateUsed         string
	ProcessingEnabled    map[string]bool
	NoResults            bool
}

// Chain orchestrates one end-to-end query.
type Chain struct {
	optimizer  *query.Optimizer
	expander   *query.Expander
	parallel   *retriever.ParallelRetriever
	reranker   *reranker.Reranker
	memory     *memory.Store
	llmClient  llm.LLM
	tokens     *tokenizer.Counter
	llmModel   string
	topK       int
	expansionN int
	logger     *slog.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithTopK overrides the per-branch retrieval top_k (default 10).
func WithTopK(n int) Option {
	return func(c *Chain) { c.topK = n }
}

// WithExpansionVariants overrides how many paraphrase variants L generates.
func WithExpansionVariants(n int) Option {
	return func(c *Chain) { c.expansionN = n }
}

// WithLLMModel overrides the model name passed to the final generation call.
func WithLLMModel(model string) Option {
	return func(c *Chain) { c.llmModel = model }
}

// New constructs a Chain wiring together every retrieval-pipeline stage.
func New(
	optimizer *query.Optimizer,
	expander *query.Expander,
	parallel *retriever.ParallelRetriever,
	rerank *reranker.Reranker,
	mem *memory.Store,
	llmClient llm.LLM,
	tokens *tokenizer.Counter,
	logger *slog.Logger,
	opts ...Option,
) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{
		optimizer:  optimizer,
		expander:   expander,
		parallel:   parallel,
		reranker:   rerank,
		memory:     mem,
		llmClient:  llmClient,
		tokens:     tokens,
		topK:       DefaultTopK,
		expansionN: DefaultExpansionVariants,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the full retrieval chain for req and returns the response
// envelope. It never returns an error for an empty retrieval or an LLM
// failure; both cases are reflected in a well-formed Response instead. An
// error return indicates a failure before the LLM generation step (e.g.
// persisting the resulting conversation turn is a non-fatal warning, not an
// error).
func (c *Chain) Run(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	threshold := req.RelevanceThreshold
	if threshold <= 0 {
		threshold = DefaultRelevanceThreshold
	}
	template := req.TemplateName
	if template == "" {
		template = DefaultTemplate
	}

	queryID := uuid.NewString()

	processedQuestion := req.Question
	var history []domain.ConversationTurn
	if req.SessionID != "" {
		turns, err := c.memory.GetHistory(ctx, req.SessionID, 0)
		if err != nil {
			c.logger.Warn("loading conversation history failed, proceeding without it", "error", err)
		}
		for _, t := range turns {
			history = append(history, *t)
		}
	}

	if req.EnableOptimization && c.optimizer != nil {
		processedQuestion = c.optimizer.Optimize(ctx, req.Question, history)
	}

	variants := []string{processedQuestion}
	if req.EnableExpansion && c.expander != nil {
		expansion := c.expander.Expand(ctx, processedQuestion, c.expansionN)
		variants = dedupe(append(expansion.Variants, expansion.ConcatQuery))
	}
	variants = dedupe(variants)
	if len(variants) == 0 {
		variants = []string{processedQuestion}
	}

	retrieved, err := c.parallel.Retrieve(ctx, variants, c.topK)
	if err != nil {
		return Response{}, fmt.Errorf("retrieval failed: %w", err)
	}

	if len(retrieved) == 0 {
		c.logger.Info("retrieval yielded nothing after fusion, returning no-results response",
			"error_kind", pipeline.EmptyRetrieval, "query_id", queryID)
		return Response{
			Question:          req.Question,
			Answer:            noResultsAnswer,
			QueryID:           queryID,
			SessionID:         req.SessionID,
			ProcessingTime:    time.Since(start),
			ProcessedQuery:    processedQuestion,
			TemplateUsed:      template,
			NoResults:         true,
			ProcessingEnabled: processingFlags(req),
		}, nil
	}

	var reranked []domain.RerankResult
	if req.EnableRerank && c.reranker != nil {
		reranked = c.reranker.Rerank(ctx, processedQuestion, retrieved)
	} else {
		reranked = identityRerank(retrieved)
	}

	filtered := filter.Filter(reranked, filter.Options{
		MaxTokens:          maxTokens,
		RelevanceThreshold: threshold,
		PreserveDiversity:  true,
	})

	var recentContext string
	if template == prompt.ConversationalRAG && req.SessionID != "" {
		recentContext, err = c.memory.GetRecentContext(ctx, req.SessionID, memory.DefaultMaxHistoryLength, maxTokens)
		if err != nil {
			c.logger.Warn("loading recent context failed, proceeding without it", "error", err)
		}
	}

	built := prompt.Build(template, processedQuestion, filtered, recentContext)

	answer, genErr := c.llmClient.Generate(ctx, built.User, llm.GenerateOptions{
		Model:        c.llmModel,
		SystemPrompt: built.System,
		Temperature:  0.7,
		MaxTokens:    maxTokens,
	})
	if genErr != nil {
		genErr = pipeline.Wrap(pipeline.LLMFailure, genErr)
		c.logger.Warn("LLM generation failed, returning fixed apology", "error", genErr)
		answer = llmFailureAnswer
	}

	stats := filter.Statistics(filtered)
	tokensUsed := stats.TotalTokens
	relevanceScore := stats.AvgRelevance
	processingTime := time.Since(start)

	if req.SessionID != "" {
		turn := &domain.ConversationTurn{
			ID:              queryID,
			SessionID:       req.SessionID,
			Question:        req.Question,
			Answer:          answer,
			RetrievedChunks: retrieved,
			Timestamp:       time.Now(),
			TokensUsed:      tokensUsed,
			RelevanceScore:  relevanceScore,
			ResponseTime:    processingTime,
		}
		if err := c.memory.AddTurn(ctx, turn); err != nil {
			c.logger.Warn("persisting conversation turn failed", "error", err)
		}
	}

	return Response{
		Question:             req.Question,
		Answer:               answer,
		QueryID:              queryID,
		SessionID:            req.SessionID,
		ProcessingTime:       processingTime,
		TokensUsed:           tokensUsed,
		RelevanceScore:       relevanceScore,
		RetrievedChunksCount: len(filtered),
		ProcessedQuery:       processedQuestion,
		RetrievalStats: RetrievalStats{
			InitialResults:  len(retrieved),
			RerankedResults: len(reranked),
			FilteredResults: len(filtered),
			RerankEnabled:   req.EnableRerank,
		},
		TemplateUsed:      template,
		ProcessingEnabled: processingFlags(req),
	}, nil
}

func identityRerank(results []domain.RetrievalResult) []domain.RerankResult {
	out := make([]domain.RerankResult, len(results))
	for i, r := range results {
		out[i] = domain.RerankResult{
			DataID:        r.DataID,
			CollectionID:  r.CollectionID,
			Content:       r.Content,
			Title:         r.Title,
			OriginalScore: r.Score,
			RerankScore:   r.Score,
			FinalScore:    r.Score,
			Metadata:      domain.CloneMetadata(r.Metadata),
			Tokens:        r.Tokens,
		}
	}
	return out
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

func processingFlags(req Request) map[string]bool {
	return map[string]bool{
		"optimization": req.EnableOptimization,
		"expansion":    req.EnableExpansion,
		"rerank":       req.EnableRerank,
	}
}
