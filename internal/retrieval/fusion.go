package retrieval

import (
	"sort"

	"github.com/autocapture/engine/internal/indexing"
)

// DefaultRRFK is the reciprocal-rank-fusion constant (spec.md §4.9's
// `score_d = Σ 1/(k + rank)`). 60 is the conventional default in the
// information-retrieval literature this formula comes from.
const DefaultRRFK = 60

// FuseRRF combines any number of ranked hit lists into one, summing each
// document's reciprocal rank (1-indexed) across every list it appears in.
// Documents absent from a list simply contribute 0 for that list. The
// fused list is sorted by descending score, ties broken by lexicographic
// doc_id for determinism across identical inputs (spec.md §4.9).
func FuseRRF(lists [][]indexing.Hit, k int) []indexing.Hit {
	if k <= 0 {
		k = DefaultRRFK
	}
	scores := make(map[string]float64)
	snippets := make(map[string]string)
	order := make([]string, 0)
	for _, list := range lists {
		for rank, hit := range list {
			id := hit.DocID
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += 1.0 / float64(k+rank+1)
			if hit.Snippet != "" {
				snippets[id] = hit.Snippet
			}
		}
	}

	fused := make([]indexing.Hit, 0, len(order))
	for _, id := range order {
		fused = append(fused, indexing.Hit{DocID: id, Score: scores[id], Snippet: snippets[id]})
	}
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].DocID < fused[j].DocID
	})
	return fused
}
