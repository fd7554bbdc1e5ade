package reranker

import (
	"context"
	"errors"
	"testing"

	"github.com/knoguchi/rag/internal/domain"
)

type stubClient struct {
	scores []float64
	err    error
}

func (s *stubClient) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.scores[:len(documents)], nil
}

func TestRerank_BlendsScores(t *testing.T) {
	client := &stubClient{scores: []float64{0.9, 0.2}}
	r := NewReranker(client, nil, WithScoreWeight(0.7))

	results := []domain.RetrievalResult{
		{DataID: "a", Score: 0.5, Content: "x"},
		{DataID: "b", Score: 0.8, Content: "y"},
	}

	got := r.Rerank(context.Background(), "q", results)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	// a: (1-0.7)*0.5 + 0.7*0.9 = 0.15+0.63=0.78
	// b: (1-0.7)*0.8 + 0.7*0.2 = 0.24+0.14=0.38
	// sorted descending -> a first
	if got[0].DataID != "a" {
		t.Errorf("expected a first after blending, got %+v", got)
	}
	if diff := got[0].FinalScore - 0.78; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected final score ~0.78, got %f", got[0].FinalScore)
	}
}

func TestRerank_FallsBackToIdentityOnError(t *testing.T) {
	client := &stubClient{err: errors.New("backend down")}
	r := NewReranker(client, nil)

	results := []domain.RetrievalResult{
		{DataID: "a", Score: 0.5, Content: "x"},
		{DataID: "b", Score: 0.9, Content: "y"},
	}

	got := r.Rerank(context.Background(), "q", results)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	for _, res := range got {
		if res.FinalScore != res.OriginalScore {
			t.Errorf("expected identity fallback, got final=%f original=%f", res.FinalScore, res.OriginalScore)
		}
	}
	if got[0].DataID != "b" {
		t.Errorf("expected b first (higher original score), got %+v", got)
	}
}

func TestRerank_EmptyInput(t *testing.T) {
	r := NewReranker(&stubClient{}, nil)
	got := r.Rerank(context.Background(), "q", nil)
	if got != nil {
		t.Errorf("expected nil for empty input, got %+v", got)
	}
}
