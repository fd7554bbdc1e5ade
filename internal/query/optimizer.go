// Package query implements the LLM-driven query-transformation stages: the
// query optimizer (4.K) and query expander (4.L).
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/llm"
)

const optimizerSystemPrompt = `You are a query optimization assistant. Given the recent conversation history and the user's current question, rewrite the question so it:
1. Resolves pronouns and demonstratives ("it", "this", "that") to the specific entities they refer to.
2. Supplies any topic or context the current question omits but the history makes clear.
3. Keeps the original intent unchanged.
Output only the rewritten question, nothing else. If the question is already clear and self-contained, return it unchanged.`

// Optimizer implements 4.K: it resolves coreferences and completes missing
// context in the current question using recent conversation history.
type Optimizer struct {
	llm        llm.LLM
	model      string
	maxHistory int
	logger     *slog.Logger
}

// OptimizerOption configures an Optimizer.
type OptimizerOption func(*Optimizer)

// WithOptimizerModel overrides the LLM model used for optimization calls.
func WithOptimizerModel(model string) OptimizerOption {
	return func(o *Optimizer) { o.model = model }
}

// WithMaxHistory overrides how many recent turns feed the optimizer prompt.
func WithMaxHistory(n int) OptimizerOption {
	return func(o *Optimizer) { o.maxHistory = n }
}

// NewOptimizer constructs a query optimizer over the given LLM client.
func NewOptimizer(client llm.LLM, logger *slog.Logger, opts ...OptimizerOption) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Optimizer{llm: client, maxHistory: 3, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Optimize rewrites question using up to o.maxHistory most recent turns. It
// never fails the pipeline: on any error, an empty/too-short rewrite, or no
// history, it returns the original question unchanged.
func (o *Optimizer) Optimize(ctx context.Context, question string, history []domain.ConversationTurn) string {
	if len(history) == 0 {
		return question
	}

	recent := history
	if len(recent) > o.maxHistory {
		recent = recent[len(recent)-o.maxHistory:]
	}

	userPrompt := buildOptimizerPrompt(question, recent)

	response, err := o.llm.Generate(ctx, userPrompt, llm.GenerateOptions{
		Model:        o.model,
		SystemPrompt: optimizerSystemPrompt,
		Temperature:  0.1,
		MaxTokens:    512,
	})
	if err != nil {
		o.logger.Warn("query optimization failed, using original question", "error", err)
		return question
	}

	rewritten := strings.TrimSpace(response)
	if len(rewritten) < int(float64(len(question))*0.8) {
		o.logger.Warn("optimized question shorter than 80% of original, falling back")
		return question
	}
	if rewritten == "" {
		return question
	}

	o.logger.Info("query optimized", "original", question, "optimized", rewritten)
	return rewritten
}

func buildOptimizerPrompt(question string, history []domain.ConversationTurn) string {
	if len(history) == 0 {
		return fmt.Sprintf("Please rewrite the following question:\n\n%s", question)
	}

	var sb strings.Builder
	sb.WriteString("Conversation history:\n")
	for i, turn := range history {
		fmt.Fprintf(&sb, "Q%d: %s\nA%d: %s\n", i+1, turn.Question, i+1, turn.Answer)
	}
	fmt.Fprintf(&sb, "\nCurrent question:\n%s\n\nRewrite the current question using the conversation history so it can be understood on its own:", question)
	return sb.String()
}
