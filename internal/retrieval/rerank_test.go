package retrieval

import (
	"testing"

	"github.com/autocapture/engine/internal/indexing"
)

func textSourceFrom(m map[string]string) TextSource {
	return func(docID string) (string, bool) {
		text, ok := m[docID]
		return text, ok
	}
}

func TestRerankPrefersExactMatch(t *testing.T) {
	docs := map[string]string{
		"a": "the quick brown fox jumps over the lazy dog",
		"b": "quick brown fox",
	}
	hits := []indexing.Hit{{DocID: "a"}, {DocID: "b"}}

	out := Rerank("quick brown fox", hits, textSourceFrom(docs))
	if out[0].DocID != "b" {
		t.Fatalf("expected exact-match doc to rank first, got %+v", out)
	}
}

func TestRerankTieBreaksByDocID(t *testing.T) {
	docs := map[string]string{
		"zeta":  "alpha beta gamma",
		"alpha": "alpha beta gamma",
	}
	hits := []indexing.Hit{{DocID: "zeta"}, {DocID: "alpha"}}

	out := Rerank("alpha beta gamma delta", hits, textSourceFrom(docs))
	if out[0].DocID != "alpha" || out[1].DocID != "zeta" {
		t.Fatalf("expected alpha before zeta on tie, got %+v", out)
	}
}

func TestRerankMissingDocScoresZero(t *testing.T) {
	docs := map[string]string{"a": "some matching content here"}
	hits := []indexing.Hit{{DocID: "a"}, {DocID: "missing"}}

	out := Rerank("matching content", hits, textSourceFrom(docs))
	if out[0].DocID != "a" {
		t.Fatalf("expected present doc to outrank missing doc, got %+v", out)
	}
	for _, h := range out {
		if h.DocID == "missing" && h.Score != 0 {
			t.Fatalf("expected missing doc to score 0, got %f", h.Score)
		}
	}
}

func TestRerankDeterministicAcrossRuns(t *testing.T) {
	docs := map[string]string{
		"a": "revenue report numbers",
		"b": "capture pipeline segments",
	}
	hits := []indexing.Hit{{DocID: "a"}, {DocID: "b"}}

	first := Rerank("capture pipeline", hits, textSourceFrom(docs))
	second := Rerank("capture pipeline", hits, textSourceFrom(docs))
	if len(first) != len(second) {
		t.Fatalf("length mismatch")
	}
	for i := range first {
		if first[i].DocID != second[i].DocID || first[i].Score != second[i].Score {
			t.Fatalf("expected deterministic rerank, got %+v vs %+v", first[i], second[i])
		}
	}
}
