package filter

import (
	"testing"

	"github.com/knoguchi/rag/internal/domain"
)

func mkResult(id, collection string, tokens int, score float64) domain.RerankResult {
	return domain.RerankResult{DataID: id, CollectionID: collection, Tokens: tokens, FinalScore: score}
}

func TestFilter_TokenBudget(t *testing.T) {
	// tokens [1500,1800,1200], max_tokens=4000 -> first two (sum 3300)
	results := []domain.RerankResult{
		mkResult("a", "c1", 1500, 1),
		mkResult("b", "c2", 1800, 1),
		mkResult("c", "c3", 1200, 1),
	}
	got := Filter(results, Options{MaxTokens: 4000, RelevanceThreshold: 0, MinResults: 1, PreserveDiversity: false})
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d: %+v", len(got), got)
	}
	if got[0].DataID != "a" || got[1].DataID != "b" {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestFilter_TokenBudget_ForcedSingle(t *testing.T) {
	// tokens [3000,3000,3000], max_tokens=4000 -> exactly the first record
	results := []domain.RerankResult{
		mkResult("a", "c1", 3000, 1),
		mkResult("b", "c2", 3000, 1),
		mkResult("c", "c3", 3000, 1),
	}
	got := Filter(results, Options{MaxTokens: 4000, RelevanceThreshold: 0, MinResults: 1, PreserveDiversity: false})
	if len(got) != 1 || got[0].DataID != "a" {
		t.Fatalf("expected exactly [a], got %+v", got)
	}
}

func TestFilter_Diversity(t *testing.T) {
	// collection_ids [X,X,Y,X,Z], tokens [100]x5, max_tokens=1000, diversity=true
	// pass1 admits [0,2,4] (X,Y,Z); pass2 admits r1 (2nd X, counts["X"]==1 -> 2);
	// r3 (3rd X) is rejected since counts["X"] is already at the cap of 2.
	// Final order [r0,r1,r2,r4].
	results := []domain.RerankResult{
		mkResult("r0", "X", 100, 1),
		mkResult("r1", "X", 100, 1),
		mkResult("r2", "Y", 100, 1),
		mkResult("r3", "X", 100, 1),
		mkResult("r4", "Z", 100, 1),
	}
	got := Filter(results, Options{MaxTokens: 1000, RelevanceThreshold: 0, MinResults: 1, PreserveDiversity: true})

	wantOrder := []string{"r0", "r1", "r2", "r4"}
	if len(got) != len(wantOrder) {
		t.Fatalf("expected %d results, got %d: %+v", len(wantOrder), len(got), got)
	}
	for i, id := range wantOrder {
		if got[i].DataID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].DataID)
		}
	}

	counts := map[string]int{}
	for _, r := range got {
		counts[r.CollectionID]++
	}
	for coll, c := range counts {
		if c > MaxPerCollection {
			t.Errorf("collection %s has %d records, exceeds cap of %d", coll, c, MaxPerCollection)
		}
	}
}

func TestFilter_RelevanceGate_FallsBackToMinResults(t *testing.T) {
	results := []domain.RerankResult{
		mkResult("a", "c1", 10, 0.1),
		mkResult("b", "c2", 10, 0.05),
	}
	got := Filter(results, Options{MaxTokens: 1000, RelevanceThreshold: 0.9, MinResults: 1, PreserveDiversity: false})
	if len(got) != 1 || got[0].DataID != "a" {
		t.Fatalf("expected fallback to top 1 of original list, got %+v", got)
	}
}

func TestFilter_OutputSatisfiesTokenBudgetInvariant(t *testing.T) {
	results := []domain.RerankResult{
		mkResult("a", "c1", 500, 0.9),
		mkResult("b", "c2", 500, 0.9),
		mkResult("c", "c3", 500, 0.9),
		mkResult("d", "c4", 500, 0.9),
	}
	got := Filter(results, Options{MaxTokens: 1200, RelevanceThreshold: 0, MinResults: 1, PreserveDiversity: false})
	if len(got) <= 1 {
		return
	}
	sum := 0
	for _, r := range got {
		sum += r.Tokens
	}
	if sum > 1200 {
		t.Errorf("token sum %d exceeds budget 1200 with |output|=%d > min_results", sum, len(got))
	}
}
