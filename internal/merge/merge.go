// Package merge implements the multi-vector merger (4.G) and Reciprocal
// Rank Fusion (4.H) stages of the retrieval pipeline.
package merge

import (
	"sort"

	"github.com/knoguchi/rag/internal/domain"
)

// CollapseVectors implements 4.G: given a ranked list in which a single
// data_id may appear multiple times (once per contributing vector),
// produce a list with each data_id at most once. The surviving record keeps
// the maximum per-vector score; its metadata records vector_count and the
// full score vector; its position is the earliest among the collapsed
// entries. Order of remaining records is preserved. The operation is
// idempotent: applying it to its own output returns the same list.
func CollapseVectors(results []domain.RetrievalResult) []domain.RetrievalResult {
	if len(results) == 0 {
		return nil
	}

	type group struct {
		firstIndex int
		items      []domain.RetrievalResult
	}

	order := make([]string, 0, len(results))
	groups := make(map[string]*group)

	for i, r := range results {
		g, ok := groups[r.DataID]
		if !ok {
			g = &group{firstIndex: i}
			groups[r.DataID] = g
			order = append(order, r.DataID)
		}
		g.items = append(g.items, r)
	}

	merged := make([]domain.RetrievalResult, 0, len(order))
	for _, id := range order {
		g := groups[id]
		if len(g.items) == 1 {
			merged = append(merged, g.items[0])
			continue
		}

		best := g.items[0]
		scores := make([]float64, len(g.items))
		for i, item := range g.items {
			scores[i] = item.Score
			if item.Score > best.Score {
				best = item
			}
		}

		meta := domain.CloneMetadata(best.Metadata)
		meta["vector_count"] = len(g.items)
		meta["all_scores"] = scores

		merged = append(merged, domain.RetrievalResult{
			DataID:       best.DataID,
			CollectionID: best.CollectionID,
			Content:      best.Content,
			Title:        best.Title,
			Score:        best.Score,
			Source:       best.Source,
			Metadata:     meta,
			Tokens:       best.Tokens,
		})
	}

	// Reorder by each group's earliest position, preserving the order of
	// the remaining (collapsed) records.
	sort.SliceStable(merged, func(i, j int) bool {
		return groups[merged[i].DataID].firstIndex < groups[merged[j].DataID].firstIndex
	})

	return merged
}

// WeightedList is one ranked list contributing to an RRF fusion, paired
// with its fusion weight and a source label used only for bookkeeping.
type WeightedList struct {
	Results []domain.RetrievalResult
	Weight  float64
	Source  string
}

// DefaultK is the RRF smoothing constant used absent an explicit override.
const DefaultK = 60

// RRF implements 4.H: given lists with weights, for each record compute
// score = Σ_i w_i/(k+rank_i) over the lists in which it appears (rank is
// 1-based). Produces the union of records sorted by descending score, ties
// broken by first occurrence across the input lists in order. Each input
// list is collapsed via CollapseVectors first, per 4.G applying before 4.H.
func RRF(lists []WeightedList, k int) []domain.RetrievalResult {
	if k <= 0 {
		k = DefaultK
	}

	type acc struct {
		result     domain.RetrievalResult
		score      float64
		firstSeen  int
		perSource  map[string]int
		sourceRank map[string]int
	}

	order := make([]string, 0)
	byID := make(map[string]*acc)
	seenCounter := 0

	for _, list := range lists {
		collapsed := CollapseVectors(list.Results)
		for rank, r := range collapsed {
			a, ok := byID[r.DataID]
			if !ok {
				seenCounter++
				a = &acc{
					result:     r,
					firstSeen:  seenCounter,
					sourceRank: make(map[string]int),
				}
				byID[r.DataID] = a
				order = append(order, r.DataID)
			}
			rrfRank := rank + 1
			a.score += list.Weight / float64(k+rrfRank)
			a.sourceRank[list.Source] = rrfRank
		}
	}

	out := make([]domain.RetrievalResult, 0, len(order))
	for _, id := range order {
		a := byID[id]
		meta := domain.CloneMetadata(a.result.Metadata)
		meta["rrf_score"] = a.score
		for source, rank := range a.sourceRank {
			meta[source+"_rank"] = rank
		}
		out = append(out, domain.RetrievalResult{
			DataID:       a.result.DataID,
			CollectionID: a.result.CollectionID,
			Content:      a.result.Content,
			Title:        a.result.Title,
			Score:        a.score,
			Source:       "rrf_merged",
			Metadata:     meta,
			Tokens:       a.result.Tokens,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return byID[out[i].DataID].firstSeen < byID[out[j].DataID].firstSeen
	})

	return out
}

// RRFTwoLists fuses a dense list and a lexical list with the spec's default
// weights (0.6 dense, 0.4 lexical) unless overridden.
func RRFTwoLists(dense, lexical []domain.RetrievalResult, denseWeight, lexicalWeight float64, k int) []domain.RetrievalResult {
	if denseWeight == 0 && lexicalWeight == 0 {
		denseWeight, lexicalWeight = 0.6, 0.4
	}
	return RRF([]WeightedList{
		{Results: dense, Weight: denseWeight, Source: "embedding"},
		{Results: lexical, Weight: lexicalWeight, Source: "bm25"},
	}, k)
}
