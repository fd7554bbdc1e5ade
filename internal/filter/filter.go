// Package filter implements the token+relevance filter (4.N): a sequential
// relevance gate, token budget gate, and collection-diversity pass over a
// ranked list of reranked results.
package filter

import "github.com/knoguchi/rag/internal/domain"

// Options configures one invocation of Filter.
type Options struct {
	MaxTokens          int
	RelevanceThreshold float64
	MinResults         int
	PreserveDiversity  bool
}

// DefaultMinResults is used when Options.MinResults is left at zero.
const DefaultMinResults = 1

// MaxPerCollection is the fixed cap on records drawn from one collection
// during the diversity pass (spec's resolution of the "more results" open
// question: the cap is exactly 2).
const MaxPerCollection = 2

// Filter runs the three-stage pipeline described in 4.N and returns the
// final ordered slice, which preserves the relative order of the input.
func Filter(results []domain.RerankResult, opts Options) []domain.RerankResult {
	minResults := opts.MinResults
	if minResults <= 0 {
		minResults = DefaultMinResults
	}

	relevant := filterByRelevance(results, opts.RelevanceThreshold, minResults)
	tokenFiltered := filterByTokens(relevant, opts.MaxTokens, minResults)

	if opts.PreserveDiversity && len(tokenFiltered) > minResults {
		return preserveDiversity(tokenFiltered, opts.MaxTokens)
	}
	return tokenFiltered
}

// filterByRelevance keeps records scoring at or above the threshold; if
// fewer than minResults survive, it falls back to the first minResults of
// the original (un-filtered) list.
func filterByRelevance(results []domain.RerankResult, threshold float64, minResults int) []domain.RerankResult {
	high := make([]domain.RerankResult, 0, len(results))
	for _, r := range results {
		if r.FinalScore >= threshold {
			high = append(high, r)
		}
	}
	if len(high) < minResults {
		if minResults > len(results) {
			minResults = len(results)
		}
		return append([]domain.RerankResult(nil), results[:minResults]...)
	}
	return high
}

// filterByTokens accumulates records in order while the running token sum
// stays within maxTokens; it force-includes further records, even over
// budget, until minResults is reached.
func filterByTokens(results []domain.RerankResult, maxTokens, minResults int) []domain.RerankResult {
	out := make([]domain.RerankResult, 0, len(results))
	total := 0
	for _, r := range results {
		if total+r.Tokens <= maxTokens {
			out = append(out, r)
			total += r.Tokens
			continue
		}
		if len(out) < minResults {
			out = append(out, r)
			total += r.Tokens
			continue
		}
		break
	}
	return out
}

// preserveDiversity runs the two-pass collection-diversity admission over
// results (already relevance- and token-filtered), then restores the
// original relative order of the admitted records.
func preserveDiversity(results []domain.RerankResult, maxTokens int) []domain.RerankResult {
	indexOf := make(map[string]int, len(results))
	for i, r := range results {
		indexOf[r.DataID] = i
	}

	admitted := make(map[string]bool, len(results))
	counts := make(map[string]int, len(results))
	total := 0

	// Pass 1: at most one record per collection while tokens permit.
	for _, r := range results {
		if counts[r.CollectionID] > 0 {
			continue
		}
		if total+r.Tokens > maxTokens {
			continue
		}
		admitted[r.DataID] = true
		counts[r.CollectionID]++
		total += r.Tokens
	}

	// Pass 2: additional records per collection, up to MaxPerCollection,
	// while tokens permit.
	if total < maxTokens {
		for _, r := range results {
			if admitted[r.DataID] {
				continue
			}
			if counts[r.CollectionID] >= MaxPerCollection {
				continue
			}
			if total+r.Tokens > maxTokens {
				continue
			}
			admitted[r.DataID] = true
			counts[r.CollectionID]++
			total += r.Tokens
		}
	}

	out := make([]domain.RerankResult, 0, len(admitted))
	for _, r := range results {
		if admitted[r.DataID] {
			out = append(out, r)
		}
	}
	return out
}

// Stats summarizes a filtered result set for observability, supplementing
// the spec with the original's get_filter_statistics helper.
type Stats struct {
	ResultCount     int
	TotalTokens     int
	AvgTokens       float64
	MaxTokens       int
	MinTokens       int
	AvgRelevance    float64
	MaxRelevance    float64
	MinRelevance    float64
	UniqueDocuments int
}

// Statistics computes aggregate stats over a filtered result set.
func Statistics(results []domain.RerankResult) Stats {
	if len(results) == 0 {
		return Stats{}
	}

	s := Stats{
		ResultCount:  len(results),
		MinTokens:    results[0].Tokens,
		MaxTokens:    results[0].Tokens,
		MinRelevance: results[0].FinalScore,
		MaxRelevance: results[0].FinalScore,
	}

	collections := make(map[string]struct{}, len(results))
	var tokenSum, relevanceSum float64
	for _, r := range results {
		tokenSum += float64(r.Tokens)
		relevanceSum += r.FinalScore
		if r.Tokens > s.MaxTokens {
			s.MaxTokens = r.Tokens
		}
		if r.Tokens < s.MinTokens {
			s.MinTokens = r.Tokens
		}
		if r.FinalScore > s.MaxRelevance {
			s.MaxRelevance = r.FinalScore
		}
		if r.FinalScore < s.MinRelevance {
			s.MinRelevance = r.FinalScore
		}
		collections[r.CollectionID] = struct{}{}
	}

	s.TotalTokens = int(tokenSum)
	s.AvgTokens = tokenSum / float64(len(results))
	s.AvgRelevance = relevanceSum / float64(len(results))
	s.UniqueDocuments = len(collections)
	return s
}
