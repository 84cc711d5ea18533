package indexing

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/autocapture/engine/infrastructure/logging"
	"github.com/autocapture/engine/internal/canon"
	"github.com/autocapture/engine/internal/store"
)

// VectorIndex is an in-memory cosine-similarity index over fixed-dim
// float32 vectors, persisted to a single JSON index file whose bytes back
// the manifest digest (spec.md §4.8).
type VectorIndex struct {
	mu       sync.Mutex
	path     string
	manifest *Manifest
	embedder Embedder
	docs     map[string][]float32
	hashes   map[string]string
	order    []string // insertion order, for deterministic persistence
	logger   *logging.Logger
}

type vectorFile struct {
	Dims   int                  `json:"dims"`
	Docs   map[string][]float32 `json:"docs"`
	Hashes map[string]string    `json:"hashes"`
}

// OpenVectorIndex loads (or initializes) the vector index at path.
func OpenVectorIndex(path string, embedder Embedder) (*VectorIndex, error) {
	if embedder == nil {
		embedder = NewHashEmbedder(384)
	}
	v := &VectorIndex{path: path, embedder: embedder, docs: make(map[string][]float32), hashes: make(map[string]string), logger: logging.Default()}

	m, err := LoadOrInitManifest(manifestPath(path), "vector")
	if err != nil {
		return nil, err
	}
	v.manifest = m

	if fileExists(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("indexing: read vector index: %w", err)
		}
		var vf vectorFile
		if err := json.Unmarshal(data, &vf); err != nil {
			return nil, fmt.Errorf("indexing: parse vector index: %w", err)
		}
		for id, vec := range vf.Docs {
			v.docs[id] = vec
			v.order = append(v.order, id)
		}
		for id, h := range vf.Hashes {
			v.hashes[id] = h
		}
		sort.Strings(v.order)
	} else if err := v.persistLocked(); err != nil {
		return nil, err
	}
	return v, nil
}

// Index embeds content and stores it under docID unconditionally.
func (v *VectorIndex) Index(docID, content string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.indexLocked(docID, content)
}

func (v *VectorIndex) indexLocked(docID, content string) error {
	vec := v.embedder.Embed(content)
	if _, exists := v.docs[docID]; !exists {
		v.order = append(v.order, docID)
		sort.Strings(v.order)
	}
	v.docs[docID] = vec
	v.hashes[docID] = canon.HashBytes([]byte(content))
	if err := v.persistLocked(); err != nil {
		return err
	}
	return v.manifest.Bump(v.path)
}

// IndexIfChanged re-embeds docID only when content's hash changed.
func (v *VectorIndex) IndexIfChanged(docID, content string) (bool, error) {
	v.mu.Lock()
	hash := canon.HashBytes([]byte(content))
	if existing, ok := v.hashes[docID]; ok && existing == hash {
		v.mu.Unlock()
		return false, nil
	}
	v.mu.Unlock()
	if err := v.Index(docID, content); err != nil {
		return false, err
	}
	return true, nil
}

// Query embeds text and returns the top-limit documents by cosine
// similarity, ties broken by lexicographic doc_id (spec.md §4.8).
func (v *VectorIndex) Query(text string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	q := v.embedder.Embed(text)
	hits := make([]Hit, 0, len(v.docs))
	for _, id := range v.order {
		score := cosine(q, v.docs[id])
		hits = append(hits, Hit{DocID: id, Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Count reports the number of indexed documents.
func (v *VectorIndex) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.docs)
}

// Identity reports the index's current backend/path/version/digest.
func (v *VectorIndex) Identity() (Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	digest, err := v.manifest.RecomputeDigestIfStale(v.path)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Backend: "cosine_memory", Path: v.path, Digest: digest, Version: v.manifest.Version, ManifestPath: v.manifest.path}, nil
}

func (v *VectorIndex) persistLocked() error {
	data, err := json.Marshal(vectorFile{Dims: v.embedder.Dims(), Docs: v.docs, Hashes: v.hashes})
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(v.path, data, 0o644)
}

// ExportFile is the schema for export_json (spec.md §4.8): int16
// quantized vectors with a per-export scale factor.
type ExportFile struct {
	SchemaVersion int       `json:"schema_version"`
	Dims          int       `json:"dims"`
	Scale         float64   `json:"scale"`
	DocIDs        []string  `json:"doc_ids"`
	Vectors       [][]int16 `json:"vectors"`
}

// ExportJSON quantizes every resident vector to int16 using a single
// scale factor derived from the largest-magnitude component across the
// whole index, clamping any component that would overflow int16 and
// logging one warning per affected vector (the Open Question decision in
// spec.md §9: "clamp-and-warn").
func (v *VectorIndex) ExportJSON(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	maxAbs := 0.0
	for _, vec := range v.docs {
		for _, c := range vec {
			if a := math.Abs(float64(c)); a > maxAbs {
				maxAbs = a
			}
		}
	}
	scale := 1.0 / 32767.0
	if maxAbs > 0 {
		scale = maxAbs / 32767.0
	}

	ef := ExportFile{SchemaVersion: 1, Dims: v.embedder.Dims(), Scale: scale, DocIDs: append([]string(nil), v.order...)}
	for _, id := range ef.DocIDs {
		vec := v.docs[id]
		q := make([]int16, len(vec))
		clamped := false
		for i, c := range vec {
			raw := math.Round(float64(c) / scale)
			if raw > 32767 {
				raw = 32767
				clamped = true
			} else if raw < -32767 {
				raw = -32767
				clamped = true
			}
			q[i] = int16(raw)
		}
		if clamped && v.logger != nil {
			v.logger.Warn(context.Background(), "vector export: component clamped to int16 range", map[string]interface{}{"doc_id": id})
		}
		ef.Vectors = append(ef.Vectors, q)
	}

	data, err := json.Marshal(ef)
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, data, 0o644)
}

// ImportJSON replaces the index's resident vectors with the dequantized
// contents of an export_json file, preserving document IDs and top-K
// retrieval order for the exported set (spec.md §8's round-trip law).
func (v *VectorIndex) ImportJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ef ExportFile
	if err := json.Unmarshal(data, &ef); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.docs = make(map[string][]float32, len(ef.DocIDs))
	v.order = nil
	for i, id := range ef.DocIDs {
		if i >= len(ef.Vectors) {
			break
		}
		q := ef.Vectors[i]
		vec := make([]float32, len(q))
		for j, c := range q {
			vec[j] = float32(float64(c) * ef.Scale)
		}
		v.docs[id] = vec
		v.order = append(v.order, id)
	}
	sort.Strings(v.order)
	if err := v.persistLocked(); err != nil {
		return err
	}
	return v.manifest.Bump(v.path)
}

// Close is a no-op for the in-memory vector index; it exists so callers
// can treat LexicalIndex and VectorIndex uniformly via an interface.
func (v *VectorIndex) Close() error { return nil }
