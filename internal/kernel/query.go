package kernel

import (
	"context"
	"path/filepath"

	"github.com/autocapture/engine/internal/answer"
	"github.com/autocapture/engine/internal/indexing"
	"github.com/autocapture/engine/internal/retrieval"
)

// Query runs one `query` CLI operation: escalate through the tiered
// retrieval planner, turn each hit into a cited claim, and hand the
// result to the answer orchestrator, which is the only place that decides
// whether the result is trustworthy enough to return as "ok".
//
// Grounded on original_source/autocapture/memory/answer_orchestrator.py
// combined with the planner this port already has in internal/retrieval.
func Query(h *Handle, ctx context.Context, text string, requireCitations bool) (answer.Answer, error) {
	lexicalPath := filepath.Join(h.Config.Storage.DataDir, "index", "lexical.db")
	vectorPath := filepath.Join(h.Config.Storage.DataDir, "index", "vector.json")

	lexical, err := indexing.OpenLexicalIndex(ctx, lexicalPath)
	if err != nil {
		return answer.Answer{}, err
	}
	defer lexical.Close()

	embedder := indexing.NewHashEmbedder(h.Config.Retrieval.VectorDims)
	vector, err := indexing.OpenVectorIndex(vectorPath, embedder)
	if err != nil {
		return answer.Answer{}, err
	}
	defer vector.Close()

	planner := retrieval.NewPlanner(lexical, vector, nil)
	planner.Config.FastThreshold = h.Config.Retrieval.FastThreshold
	planner.Config.FusionThreshold = h.Config.Retrieval.FusionThreshold
	planner.Config.RRFK = h.Config.Retrieval.RRFK

	result, err := planner.Plan(ctx, text)
	if err != nil {
		return answer.Answer{}, err
	}

	spanIDs := make(map[string]bool, len(result.Hits))
	claims := make([]answer.Claim, 0, len(result.Hits))
	for _, hit := range result.Hits {
		spanIDs[hit.DocID] = true
		claims = append(claims, answer.Claim{
			Text:      hit.Snippet,
			Citations: []answer.Citation{{SpanID: hit.DocID}},
		})
	}

	orchestrator := answer.NewOrchestrator(answer.Policy{RequireCitations: requireCitations})
	ans := orchestrator.BuildAnswer(claims, spanIDs)

	if h.Builder != nil {
		_, _, _ = h.Builder.Record("query.answered", "query.answered", nil, nil, map[string]interface{}{
			"state":       string(ans.State),
			"claim_count": len(ans.Claims),
			"trace":       result.Trace,
		})
	}

	return ans, nil
}
