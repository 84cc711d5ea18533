package retrieval

import (
	"sort"
	"strings"

	"github.com/autocapture/engine/internal/indexing"
)

// TextSource resolves a doc_id to the text the reranker scores against.
// Missing documents (ok == false) score zero rather than erroring, since
// a hit surviving fusion but lacking source text should not crash the
// reranker.
type TextSource func(docID string) (text string, ok bool)

const (
	exactMatchBonus  = 1.0
	phraseMatchBonus = 0.5
)

// Rerank scores each hit by pure token overlap against query, with a
// phrase-containment bonus and an exact-match bonus on top, then sorts
// descending with lexicographic doc_id tie-break — deterministic for
// identical inputs (spec.md §4.9).
func Rerank(query string, hits []indexing.Hit, source TextSource) []indexing.Hit {
	qTokens := tokenSet(query)
	out := make([]indexing.Hit, len(hits))
	copy(out, hits)

	for i, h := range out {
		text, ok := source(h.DocID)
		if !ok {
			out[i].Score = 0
			continue
		}
		out[i].Score = overlapScore(qTokens, text, query)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}

func overlapScore(qTokens map[string]bool, text, query string) float64 {
	if len(qTokens) == 0 {
		return 0
	}
	docTokens := tokenSet(text)
	matched := 0
	for tok := range qTokens {
		if docTokens[tok] {
			matched++
		}
	}
	score := float64(matched) / float64(len(qTokens))

	lowerText, lowerQuery := strings.ToLower(text), strings.ToLower(query)
	if strings.TrimSpace(lowerText) == strings.TrimSpace(lowerQuery) {
		score += exactMatchBonus
	} else if strings.Contains(lowerText, lowerQuery) {
		score += phraseMatchBonus
	}
	return score
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = true
	}
	return set
}
