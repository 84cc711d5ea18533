package indexing

import (
	"path/filepath"
	"testing"
)

func TestVectorIndexQueryRanksRelevantDocFirst(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenVectorIndex(filepath.Join(dir, "vector.json"), nil)
	if err != nil {
		t.Fatalf("OpenVectorIndex: %v", err)
	}
	defer idx.Close()

	if err := idx.Index("doc1", "the quick brown fox jumps over the lazy dog"); err != nil {
		t.Fatalf("Index doc1: %v", err)
	}
	if err := idx.Index("doc2", "quarterly revenue report finance numbers"); err != nil {
		t.Fatalf("Index doc2: %v", err)
	}

	hits, err := idx.Query("quick brown fox", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) == 0 || hits[0].DocID != "doc1" {
		t.Fatalf("expected doc1 to rank first, got %+v", hits)
	}
}

func TestVectorIndexTieBreakByDocID(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenVectorIndex(filepath.Join(dir, "vector.json"), nil)
	if err != nil {
		t.Fatalf("OpenVectorIndex: %v", err)
	}
	defer idx.Close()

	if err := idx.Index("zeta", "identical content for tie break"); err != nil {
		t.Fatalf("Index zeta: %v", err)
	}
	if err := idx.Index("alpha", "identical content for tie break"); err != nil {
		t.Fatalf("Index alpha: %v", err)
	}

	hits, err := idx.Query("identical content for tie break", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 2 || hits[0].DocID != "alpha" || hits[1].DocID != "zeta" {
		t.Fatalf("expected alpha before zeta on tie, got %+v", hits)
	}
}

func TestVectorIndexIfChangedSkipsUnchanged(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenVectorIndex(filepath.Join(dir, "vector.json"), nil)
	if err != nil {
		t.Fatalf("OpenVectorIndex: %v", err)
	}
	defer idx.Close()

	changed, err := idx.IndexIfChanged("doc1", "same content")
	if err != nil || !changed {
		t.Fatalf("expected first index to report changed, got %v, %v", changed, err)
	}
	changed, err = idx.IndexIfChanged("doc1", "same content")
	if err != nil || changed {
		t.Fatalf("expected unchanged content to skip reindex, got %v, %v", changed, err)
	}
	changed, err = idx.IndexIfChanged("doc1", "different content")
	if err != nil || !changed {
		t.Fatalf("expected changed content to reindex, got %v, %v", changed, err)
	}
}

func TestVectorIndexExportImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenVectorIndex(filepath.Join(dir, "vector.json"), nil)
	if err != nil {
		t.Fatalf("OpenVectorIndex: %v", err)
	}
	defer idx.Close()

	if err := idx.Index("doc1", "export and import should round trip"); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := idx.Index("doc2", "a second document with other words"); err != nil {
		t.Fatalf("Index: %v", err)
	}

	exportPath := filepath.Join(dir, "export.json")
	if err := idx.ExportJSON(exportPath); err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}

	imported, err := OpenVectorIndex(filepath.Join(dir, "imported.json"), nil)
	if err != nil {
		t.Fatalf("OpenVectorIndex imported: %v", err)
	}
	defer imported.Close()
	if err := imported.ImportJSON(exportPath); err != nil {
		t.Fatalf("ImportJSON: %v", err)
	}

	if imported.Count() != 2 {
		t.Fatalf("expected 2 docs after import, got %d", imported.Count())
	}

	beforeHits, err := idx.Query("export and import", 2)
	if err != nil {
		t.Fatalf("Query before: %v", err)
	}
	afterHits, err := imported.Query("export and import", 2)
	if err != nil {
		t.Fatalf("Query after: %v", err)
	}
	if len(beforeHits) != len(afterHits) || beforeHits[0].DocID != afterHits[0].DocID {
		t.Fatalf("expected matching top hit after round trip, before=%+v after=%+v", beforeHits, afterHits)
	}
}

func TestVectorIndexIdentityDigestChangesOnMutation(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenVectorIndex(filepath.Join(dir, "vector.json"), nil)
	if err != nil {
		t.Fatalf("OpenVectorIndex: %v", err)
	}
	defer idx.Close()

	id1, err := idx.Identity()
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if err := idx.Index("doc1", "some content"); err != nil {
		t.Fatalf("Index: %v", err)
	}
	id2, err := idx.Identity()
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if id1.Digest == id2.Digest {
		t.Fatalf("expected digest to change after mutation")
	}
	if id2.Version <= id1.Version {
		t.Fatalf("expected version to increase, got %d -> %d", id1.Version, id2.Version)
	}
}
