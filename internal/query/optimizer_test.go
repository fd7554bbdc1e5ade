package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/llm"
)

func TestOptimize_NoHistoryReturnsOriginal(t *testing.T) {
	client := &fnLLM{fn: func(prompt string, opts llm.GenerateOptions) (string, error) {
		t.Fatal("LLM should not be called when there is no history")
		return "", nil
	}}

	o := NewOptimizer(client, nil)
	got := o.Optimize(context.Background(), "What about it?", nil)
	if got != "What about it?" {
		t.Errorf("expected original question unchanged, got %q", got)
	}
}

func TestOptimize_RewritesUsingHistory(t *testing.T) {
	client := &fnLLM{fn: func(prompt string, opts llm.GenerateOptions) (string, error) {
		return "What is the population of Paris, the capital of France?", nil
	}}

	history := []domain.ConversationTurn{
		{Question: "What is the capital of France?", Answer: "Paris is the capital of France."},
	}

	o := NewOptimizer(client, nil)
	got := o.Optimize(context.Background(), "What is its population?", history)
	want := "What is the population of Paris, the capital of France?"
	if got != want {
		t.Errorf("expected rewritten question %q, got %q", want, got)
	}
}

func TestOptimize_FallsBackOnError(t *testing.T) {
	client := &fnLLM{fn: func(prompt string, opts llm.GenerateOptions) (string, error) {
		return "", errors.New("backend unavailable")
	}}

	history := []domain.ConversationTurn{
		{Question: "What is the capital of France?", Answer: "Paris."},
	}

	o := NewOptimizer(client, nil)
	got := o.Optimize(context.Background(), "What is its population?", history)
	if got != "What is its population?" {
		t.Errorf("expected fallback to original question on LLM error, got %q", got)
	}
}

func TestOptimize_FallsBackWhenRewriteUnderEightyPercentOfOriginalLength(t *testing.T) {
	original := "What is the population of the city that was mentioned earlier in our conversation?"
	client := &fnLLM{fn: func(prompt string, opts llm.GenerateOptions) (string, error) {
		return "Paris pop?", nil
	}}

	history := []domain.ConversationTurn{
		{Question: "What is the capital of France?", Answer: "Paris."},
	}

	o := NewOptimizer(client, nil)
	got := o.Optimize(context.Background(), original, history)
	if got != original {
		t.Errorf("expected fallback to original when rewrite is under 80%% of original length, got %q", got)
	}
}

func TestOptimize_FallsBackOnEmptyRewrite(t *testing.T) {
	client := &fnLLM{fn: func(prompt string, opts llm.GenerateOptions) (string, error) {
		return "   ", nil
	}}

	history := []domain.ConversationTurn{
		{Question: "What is the capital of France?", Answer: "Paris."},
	}

	o := NewOptimizer(client, nil)
	got := o.Optimize(context.Background(), "What is its population?", history)
	if got != "What is its population?" {
		t.Errorf("expected fallback to original question on empty rewrite, got %q", got)
	}
}

func TestOptimize_UsesOnlyMostRecentMaxHistoryTurns(t *testing.T) {
	var seenPrompt string
	client := &fnLLM{fn: func(prompt string, opts llm.GenerateOptions) (string, error) {
		seenPrompt = prompt
		return "What is the population of the city from two questions ago?", nil
	}}

	history := []domain.ConversationTurn{
		{Question: "What is the capital of Germany?", Answer: "Berlin."},
		{Question: "What is the capital of Spain?", Answer: "Madrid."},
		{Question: "What is the capital of France?", Answer: "Paris."},
	}

	o := NewOptimizer(client, nil, WithMaxHistory(1))
	o.Optimize(context.Background(), "What is its population?", history)

	if strings.Contains(seenPrompt, "Germany") || strings.Contains(seenPrompt, "Spain") {
		t.Errorf("expected only the most recent history turn in the prompt, got %q", seenPrompt)
	}
	if !strings.Contains(seenPrompt, "France") {
		t.Errorf("expected the most recent history turn in the prompt, got %q", seenPrompt)
	}
}
