package merge

import (
	"math"
	"testing"

	"github.com/knoguchi/rag/internal/domain"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCollapseVectors_MultiVectorScenario(t *testing.T) {
	// dense list [(v1->A,0.90),(v2->A,0.80),(v3->B,0.85)] becomes
	// [(A,0.90,vector_count=2),(B,0.85,1)] in that order.
	input := []domain.RetrievalResult{
		{DataID: "A", Score: 0.90, Metadata: map[string]any{}},
		{DataID: "A", Score: 0.80, Metadata: map[string]any{}},
		{DataID: "B", Score: 0.85, Metadata: map[string]any{}},
	}

	got := CollapseVectors(input)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].DataID != "A" || !approxEqual(got[0].Score, 0.90) {
		t.Errorf("expected A first with score 0.90, got %+v", got[0])
	}
	if got[0].Metadata["vector_count"] != 2 {
		t.Errorf("expected vector_count=2 on A, got %v", got[0].Metadata["vector_count"])
	}
	if got[1].DataID != "B" || !approxEqual(got[1].Score, 0.85) {
		t.Errorf("expected B second with score 0.85, got %+v", got[1])
	}
}

func TestCollapseVectors_Idempotent(t *testing.T) {
	input := []domain.RetrievalResult{
		{DataID: "A", Score: 0.9, Metadata: map[string]any{}},
		{DataID: "A", Score: 0.5, Metadata: map[string]any{}},
		{DataID: "B", Score: 0.7, Metadata: map[string]any{}},
	}
	once := CollapseVectors(input)
	twice := CollapseVectors(once)

	if len(once) != len(twice) {
		t.Fatalf("expected idempotent lengths, got %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].DataID != twice[i].DataID || !approxEqual(once[i].Score, twice[i].Score) {
			t.Errorf("not idempotent at index %d: %+v vs %+v", i, once[i], twice[i])
		}
	}
}

func TestRRF_DeterminismScenario(t *testing.T) {
	// dense [(A,.9),(B,.7),(C,.5)] ranks A=1,B=2,C=3;
	// lexical [(B,_),(D,_),(A,_)] ranks B=1,D=2,A=3.
	// weights 0.6/0.4, k=60:
	// A = 0.6/61 (dense rank1) + 0.4/63 (lexical rank3)
	// B = 0.6/62 (dense rank2) + 0.4/61 (lexical rank1)
	// C = 0.6/63 (dense rank3 only)
	// D = 0.4/62 (lexical rank2 only)
	dense := []domain.RetrievalResult{
		{DataID: "A", Score: 0.9, Metadata: map[string]any{}},
		{DataID: "B", Score: 0.7, Metadata: map[string]any{}},
		{DataID: "C", Score: 0.5, Metadata: map[string]any{}},
	}
	lexical := []domain.RetrievalResult{
		{DataID: "B", Score: 1, Metadata: map[string]any{}},
		{DataID: "D", Score: 1, Metadata: map[string]any{}},
		{DataID: "A", Score: 1, Metadata: map[string]any{}},
	}

	got := RRFTwoLists(dense, lexical, 0.6, 0.4, 60)

	wantOrder := []string{"B", "A", "C", "D"}
	if len(got) != len(wantOrder) {
		t.Fatalf("expected %d results, got %d: %+v", len(wantOrder), len(got), got)
	}
	for i, id := range wantOrder {
		if got[i].DataID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].DataID)
		}
	}

	scoreByID := map[string]float64{}
	for _, r := range got {
		scoreByID[r.DataID] = r.Score
	}
	wantA := 0.6/61 + 0.4/63
	wantB := 0.6/62 + 0.4/61
	wantC := 0.6 / 63
	wantD := 0.4 / 62

	if !approxEqual(scoreByID["B"], wantB) {
		t.Errorf("B score = %v, want %v", scoreByID["B"], wantB)
	}
	if !approxEqual(scoreByID["A"], wantA) {
		t.Errorf("A score = %v, want %v", scoreByID["A"], wantA)
	}
	if !approxEqual(scoreByID["D"], wantD) {
		t.Errorf("D score = %v, want %v", scoreByID["D"], wantD)
	}
	if !approxEqual(scoreByID["C"], wantC) {
		t.Errorf("C score = %v, want %v", scoreByID["C"], wantC)
	}
}

func TestRRF_MultiListContribution(t *testing.T) {
	// A record present in multiple lists scores the sum of its per-list contributions.
	l1 := []domain.RetrievalResult{{DataID: "X", Score: 1, Metadata: map[string]any{}}}
	l2 := []domain.RetrievalResult{{DataID: "X", Score: 1, Metadata: map[string]any{}}}

	got := RRF([]WeightedList{
		{Results: l1, Weight: 0.5, Source: "q0"},
		{Results: l2, Weight: 0.5, Source: "q1"},
	}, 60)

	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	want := 0.5/61 + 0.5/61
	if !approxEqual(got[0].Score, want) {
		t.Errorf("score = %v, want %v", got[0].Score, want)
	}
}
