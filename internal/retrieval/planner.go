// Package retrieval implements spec.md §4.9: the tiered retrieval
// planner that escalates from a fast lexical query through RRF fusion
// with a vector query to a deterministic text-overlap rerank, stopping
// at the earliest tier that returns enough hits.
package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/autocapture/engine/infrastructure/cache"
	"github.com/autocapture/engine/internal/indexing"
)

// Tier names the planner's escalation trace entries.
type Tier string

const (
	TierFast   Tier = "FAST"
	TierFusion Tier = "FUSION"
	TierRerank Tier = "RERANK"
)

// LexicalQuerier is the subset of indexing.LexicalIndex the planner
// needs; satisfied directly by *indexing.LexicalIndex.
type LexicalQuerier interface {
	Query(ctx context.Context, text string, limit int) ([]indexing.Hit, error)
}

// VectorQuerier is the subset of indexing.VectorIndex the planner needs;
// satisfied directly by *indexing.VectorIndex.
type VectorQuerier interface {
	Query(text string, limit int) ([]indexing.Hit, error)
}

// Config tunes the planner's escalation thresholds.
type Config struct {
	FastThreshold   int
	FusionThreshold int
	RRFK            int
	Limit           int
}

// DefaultConfig matches spec.md §4.9's implied defaults: escalate to
// fusion when the fast tier alone can't fill a typical result page, and
// to rerank only when fusion still falls short.
func DefaultConfig() Config {
	return Config{FastThreshold: 10, FusionThreshold: 10, RRFK: DefaultRRFK, Limit: 10}
}

// Result is the planner's output: the final hit list plus the trace of
// tiers actually run, in order.
type Result struct {
	Hits  []indexing.Hit
	Trace []Tier
}

// identifier is the subset of indexing.LexicalIndex/VectorIndex the
// planner's result cache needs to build a key that changes whenever
// either index's on-disk content changes.
type identifier interface {
	Identity() (indexing.Identity, error)
}

// planCacheTTL bounds how long a planner caches a (query, index identity)
// result before recomputing, independent of any version bump.
const planCacheTTL = 30 * time.Second

// Planner runs the FAST → FUSION → RERANK escalation.
type Planner struct {
	Lexical LexicalQuerier
	Vector  VectorQuerier
	Source  TextSource // for the rerank tier; may be nil if rerank is never reached
	Config  Config

	// Cache holds Plan results keyed on (query, limit, lexical identity,
	// vector identity) — spec.md §4.8's "readers that cache by (path,
	// version, digest) invalidate on any content change": a digest or
	// version change produces a different key, so a stale result is
	// simply never looked up again rather than explicitly evicted. Nil
	// disables caching.
	Cache *cache.Cache
}

// NewPlanner constructs a Planner with DefaultConfig and a result cache.
func NewPlanner(lexical LexicalQuerier, vector VectorQuerier, source TextSource) *Planner {
	return &Planner{
		Lexical: lexical,
		Vector:  vector,
		Source:  source,
		Config:  DefaultConfig(),
		Cache:   cache.NewCache(cache.CacheConfig{DefaultTTL: planCacheTTL, MaxSize: 256}),
	}
}

// Plan runs the escalation for query, stopping at the first tier whose
// hit count satisfies its threshold. A result already cached under the
// current index identities is returned without re-querying either index.
func (p *Planner) Plan(ctx context.Context, query string) (Result, error) {
	limit := p.Config.Limit
	if limit <= 0 {
		limit = 10
	}

	key := p.cacheKey(query, limit)
	if key != "" {
		if cached, ok := p.Cache.Get(key); ok {
			if result, ok := cached.(Result); ok {
				return result, nil
			}
		}
	}

	fastHits, err := p.Lexical.Query(ctx, query, limit)
	if err != nil {
		return Result{}, err
	}
	if len(fastHits) >= p.Config.FastThreshold {
		result := Result{Hits: fastHits, Trace: []Tier{TierFast}}
		p.store(key, result)
		return result, nil
	}

	vectorHits, err := p.Vector.Query(query, limit)
	if err != nil {
		return Result{}, err
	}
	fused := FuseRRF([][]indexing.Hit{fastHits, vectorHits}, p.Config.RRFK)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	if len(fused) >= p.Config.FusionThreshold {
		result := Result{Hits: fused, Trace: []Tier{TierFast, TierFusion}}
		p.store(key, result)
		return result, nil
	}

	var reranked []indexing.Hit
	if p.Source != nil {
		reranked = Rerank(query, fused, p.Source)
	} else {
		reranked = fused
	}
	result := Result{Hits: reranked, Trace: []Tier{TierFast, TierFusion, TierRerank}}
	p.store(key, result)
	return result, nil
}

// cacheKey returns "" (caching disabled) when Cache is nil or either
// querier declines to report an identity.
func (p *Planner) cacheKey(query string, limit int) string {
	if p.Cache == nil {
		return ""
	}
	lexID, ok := p.identity(p.Lexical)
	if !ok {
		return ""
	}
	vecID, ok := p.identity(p.Vector)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s|%d|%s@%d:%s|%s@%d:%s", query, limit,
		lexID.Path, lexID.Version, lexID.Digest,
		vecID.Path, vecID.Version, vecID.Digest)
}

func (p *Planner) identity(q interface{}) (indexing.Identity, bool) {
	id, ok := q.(identifier)
	if !ok {
		return indexing.Identity{}, false
	}
	identity, err := id.Identity()
	if err != nil {
		return indexing.Identity{}, false
	}
	return identity, true
}

func (p *Planner) store(key string, result Result) {
	if key == "" || p.Cache == nil {
		return
	}
	p.Cache.Set(key, result, 0)
}
