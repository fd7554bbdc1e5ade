package retriever

import (
	"context"
	"errors"
	"testing"

	"github.com/knoguchi/rag/internal/domain"
)

type stubRetriever struct {
	results []domain.RetrievalResult
	err     error
}

func (s *stubRetriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.RetrievalResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

type stubLexical struct {
	results []domain.RetrievalResult
	err     error
}

func (s *stubLexical) Search(ctx context.Context, query string, topK int) ([]domain.RetrievalResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func TestHybridRetriever_FusesBothBranches(t *testing.T) {
	dense := &stubRetriever{results: []domain.RetrievalResult{
		{DataID: "a", Score: 0.9}, {DataID: "b", Score: 0.7},
	}}
	lex := &stubLexical{results: []domain.RetrievalResult{
		{DataID: "b", Score: 5}, {DataID: "c", Score: 3},
	}}

	h := NewHybridRetriever(dense, lex, nil)
	got, err := h.Retrieve(context.Background(), "q", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 fused results, got %d: %+v", len(got), got)
	}
}

func TestHybridRetriever_RenormalizesOnDenseFailure(t *testing.T) {
	dense := &stubRetriever{err: errors.New("embedding backend down")}
	lex := &stubLexical{results: []domain.RetrievalResult{
		{DataID: "b", Score: 5}, {DataID: "c", Score: 3},
	}}

	h := NewHybridRetriever(dense, lex, nil)
	got, err := h.Retrieve(context.Background(), "q", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected lexical-only results to survive, got %d: %+v", len(got), got)
	}
}

func TestHybridRetriever_BothBranchesFail(t *testing.T) {
	dense := &stubRetriever{err: errors.New("down")}
	lex := &stubLexical{err: errors.New("down")}

	h := NewHybridRetriever(dense, lex, nil)
	got, err := h.Retrieve(context.Background(), "q", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty retrieval, got %+v", got)
	}
}

func TestParallelRetriever_FusesVariants(t *testing.T) {
	inner := &variantAwareRetriever{
		byQuery: map[string][]domain.RetrievalResult{
			"original": {{DataID: "a", Score: 0.9}, {DataID: "b", Score: 0.5}},
			"variant1": {{DataID: "b", Score: 0.8}, {DataID: "c", Score: 0.4}},
		},
	}

	p := NewParallelRetriever(inner, nil, WithWorkerCount(2))
	got, err := p.Retrieve(context.Background(), []string{"original", "variant1"}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 fused results, got %d: %+v", len(got), got)
	}
	if got[0].DataID != "b" {
		t.Errorf("expected b (present in both variants) to rank first, got %+v", got)
	}
}

func TestParallelRetriever_VariantFailureContributesEmptyList(t *testing.T) {
	inner := &variantAwareRetriever{
		byQuery: map[string][]domain.RetrievalResult{
			"ok": {{DataID: "a", Score: 0.9}},
		},
		failOn: map[string]bool{"bad": true},
	}

	p := NewParallelRetriever(inner, nil)
	got, err := p.Retrieve(context.Background(), []string{"ok", "bad"}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].DataID != "a" {
		t.Fatalf("expected only the surviving variant's result, got %+v", got)
	}
}

type variantAwareRetriever struct {
	byQuery map[string][]domain.RetrievalResult
	failOn  map[string]bool
}

func (v *variantAwareRetriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.RetrievalResult, error) {
	if v.failOn[query] {
		return nil, errors.New("variant retrieval failed")
	}
	return v.byQuery[query], nil
}
