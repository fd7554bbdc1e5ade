package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knoguchi/rag/internal/llm"
)

const expanderSystemPrompt = `You generate alternative phrasings of a search query to widen retrieval recall. Given a question, produce ONE alternative phrasing that:
- Uses different wording or emphasis than the original.
- Preserves the same underlying information need.
- Is a complete, standalone question.
Output only the alternative phrasing, nothing else.`

const concatQuerySystemPrompt = `You merge a search query and its alternative phrasings into a single, dense keyword-rich query suitable for lexical search. Combine the distinct terms and concepts from every phrasing, without repeating words unnecessarily, into one line.
Output only the merged query, nothing else.`

// ExpansionResult holds the expanded query variants plus a flattened
// "concat query" string suitable for lexical search.
type ExpansionResult struct {
	Original    string
	Variants    []string
	ConcatQuery string
}

// Expander implements 4.L: it generates paraphrased variants of the
// optimized question for multi-variant parallel retrieval (J).
type Expander struct {
	llm    llm.LLM
	model  string
	logger *slog.Logger
}

// ExpanderOption configures an Expander.
type ExpanderOption func(*Expander)

// WithExpanderModel overrides the LLM model used for expansion calls.
func WithExpanderModel(model string) ExpanderOption {
	return func(e *Expander) { e.model = model }
}

// NewExpander constructs a query expander over the given LLM client.
func NewExpander(client llm.LLM, logger *slog.Logger, opts ...ExpanderOption) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Expander{llm: client, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expand generates up to numVariants paraphrases of question, each produced
// by an independent LLM call and validated by isValidVariant. Invalid or
// failed variants are dropped silently; the original question is always
// included as the first element of Variants.
func (e *Expander) Expand(ctx context.Context, question string, numVariants int) ExpansionResult {
	variants := []string{question}

	for i := 0; i < numVariants; i++ {
		candidate, err := e.generateVariant(ctx, question, i)
		if err != nil {
			e.logger.Warn("query variant generation failed", "index", i, "error", err)
			continue
		}
		if !isValidVariant(candidate, question) {
			continue
		}
		variants = append(variants, candidate)
	}

	return ExpansionResult{
		Original:    question,
		Variants:    variants,
		ConcatQuery: e.buildConcatQuery(ctx, question, variants),
	}
}

// buildConcatQuery produces the concat_query via one additional LLM call
// merging the original question and all valid variants. If that call fails,
// or its result is shorter than the original question, it falls back to a
// whitespace join of variants.
func (e *Expander) buildConcatQuery(ctx context.Context, question string, variants []string) string {
	fallback := concatQuery(variants)

	response, err := e.llm.Generate(ctx, buildConcatQueryPrompt(variants), llm.GenerateOptions{
		Model:        e.model,
		SystemPrompt: concatQuerySystemPrompt,
		Temperature:  0.3,
		MaxTokens:    256,
	})
	if err != nil {
		e.logger.Warn("concat query generation failed, using whitespace join", "error", err)
		return fallback
	}

	merged := strings.TrimSpace(response)
	if len(merged) < len(question) {
		e.logger.Warn("concat query shorter than original question, using whitespace join")
		return fallback
	}

	return merged
}

func buildConcatQueryPrompt(variants []string) string {
	var sb strings.Builder
	sb.WriteString("Phrasings to merge:\n")
	for i, v := range variants {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, v)
	}
	sb.WriteString("\nMerge all of the above into one dense search query:")
	return sb.String()
}

func (e *Expander) generateVariant(ctx context.Context, question string, index int) (string, error) {
	prompt := fmt.Sprintf("Question:\n%s\n\nProvide one alternative phrasing (variant %d):", question, index+1)
	response, err := e.llm.Generate(ctx, prompt, llm.GenerateOptions{
		Model:        e.model,
		SystemPrompt: expanderSystemPrompt,
		Temperature:  0.3,
		MaxTokens:    256,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response), nil
}

// isValidVariant rejects variants that are empty, too short, identical
// (case-insensitively) to the original, more than 3x its length, or that
// fail to add lexical diversity relative to the original.
func isValidVariant(candidate, original string) bool {
	if candidate == "" || len(candidate) < 5 {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(candidate), strings.TrimSpace(original)) {
		return false
	}
	if len(candidate) > 3*len(original) {
		return false
	}

	origWords := tokenSet(original)
	candWords := tokenSet(candidate)
	if len(candWords) > len(origWords) {
		return true
	}
	return jaccard(origWords, candWords) <= 0.8
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// concatQuery joins all variants into a single whitespace-separated string,
// used when buildConcatQuery's LLM call fails or returns a result shorter
// than the original question.
func concatQuery(variants []string) string {
	return strings.Join(variants, " ")
}
