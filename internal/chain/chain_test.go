package chain

import (
	"context"
	"testing"

	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/llm"
	"github.com/knoguchi/rag/internal/memory"
	"github.com/knoguchi/rag/internal/query"
	"github.com/knoguchi/rag/internal/reranker"
	"github.com/knoguchi/rag/internal/retriever"
	"github.com/knoguchi/rag/internal/tokenizer"
)

type stubLLM struct {
	response string
	err      error
}

func (s *stubLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

type stubInnerRetriever struct {
	results []domain.RetrievalResult
}

func (s *stubInnerRetriever) Retrieve(ctx context.Context, q string, topK int) ([]domain.RetrievalResult, error) {
	return s.results, nil
}

type stubRerankClient struct{}

func (s *stubRerankClient) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	scores := make([]float64, len(documents))
	for i := range documents {
		scores[i] = 0.9
	}
	return scores, nil
}

type fakeConvRepo struct {
	turns map[string][]*domain.ConversationTurn
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{turns: make(map[string][]*domain.ConversationTurn)}
}

func (f *fakeConvRepo) Create(ctx context.Context, turn *domain.ConversationTurn) error {
	f.turns[turn.SessionID] = append(f.turns[turn.SessionID], turn)
	return nil
}

func (f *fakeConvRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.ConversationTurn, error) {
	return f.turns[sessionID], nil
}

func (f *fakeConvRepo) LastTurnTime(ctx context.Context, sessionID string) (*domain.ConversationTurn, error) {
	all := f.turns[sessionID]
	if len(all) == 0 {
		return nil, domain.ErrNotFound
	}
	return all[len(all)-1], nil
}

func (f *fakeConvRepo) DeleteExpired(ctx context.Context, olderThanSeconds int64) (int, error) {
	return 0, nil
}

func buildChain(t *testing.T, results []domain.RetrievalResult, genResp string, genErr error) (*Chain, *fakeConvRepo) {
	t.Helper()
	inner := &stubInnerRetriever{results: results}
	parallel := retriever.NewParallelRetriever(inner, nil)
	rerank := reranker.NewReranker(&stubRerankClient{}, nil)
	repo := newFakeConvRepo()
	mem := memory.NewStore(repo, 10, 0)
	genClient := &stubLLM{response: genResp, err: genErr}

	c := New(
		query.NewOptimizer(genClient, nil),
		query.NewExpander(genClient, nil),
		parallel,
		rerank,
		mem,
		genClient,
		tokenizer.NewCounter(nil),
		nil,
	)
	return c, repo
}

func TestChain_Run_HappyPath(t *testing.T) {
	results := []domain.RetrievalResult{
		{DataID: "a", CollectionID: "c1", Content: "relevant content about Go", Score: 0.8, Tokens: 10},
	}
	c, repo := buildChain(t, results, "the answer", nil)

	resp, err := c.Run(context.Background(), Request{
		Question:           "what is Go?",
		SessionID:          "s1",
		EnableRerank:       true,
		EnableOptimization: false,
		EnableExpansion:    false,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.NoResults {
		t.Fatal("did not expect a no-results response")
	}
	if resp.Answer != "the answer" {
		t.Errorf("unexpected answer: %q", resp.Answer)
	}
	if len(repo.turns["s1"]) != 1 {
		t.Errorf("expected conversation turn to be persisted, got %d", len(repo.turns["s1"]))
	}
}

func TestChain_Run_EmptyRetrieval(t *testing.T) {
	c, _ := buildChain(t, nil, "unused", nil)

	resp, err := c.Run(context.Background(), Request{Question: "anything"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.NoResults {
		t.Fatal("expected a no-results response")
	}
	if resp.Answer != noResultsAnswer {
		t.Errorf("expected fixed apology, got %q", resp.Answer)
	}
}

func TestChain_Run_LLMFailureYieldsApologyNotError(t *testing.T) {
	results := []domain.RetrievalResult{
		{DataID: "a", CollectionID: "c1", Content: "some content", Score: 0.8, Tokens: 10},
	}
	c, _ := buildChain(t, results, "", context.DeadlineExceeded)

	resp, err := c.Run(context.Background(), Request{Question: "anything", EnableRerank: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Answer != llmFailureAnswer {
		t.Errorf("expected fixed apology answer, got %q", resp.Answer)
	}
	if resp.NoResults {
		t.Error("LLM failure should not produce a no-results envelope")
	}
}
