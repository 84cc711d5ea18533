package indexing

import (
	"os"
	"path/filepath"
	"testing"
)

func TestManifestBumpIncrementsVersionAndDigest(t *testing.T) {
	dir := t.TempDir()
	indexFile := filepath.Join(dir, "idx.bin")
	if err := os.WriteFile(indexFile, []byte("v1"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	m, err := LoadOrInitManifest(filepath.Join(dir, "idx.bin.manifest.json"), "lexical")
	if err != nil {
		t.Fatalf("LoadOrInitManifest: %v", err)
	}
	if m.Version != 0 {
		t.Fatalf("expected fresh manifest at version 0, got %d", m.Version)
	}

	if err := m.Bump(indexFile); err != nil {
		t.Fatalf("Bump: %v", err)
	}
	if m.Version != 1 {
		t.Fatalf("expected version 1 after bump, got %d", m.Version)
	}
	d1 := m.Digest

	if err := os.WriteFile(indexFile, []byte("v2"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	if err := m.Bump(indexFile); err != nil {
		t.Fatalf("Bump 2: %v", err)
	}
	if m.Version != 2 {
		t.Fatalf("expected version 2, got %d", m.Version)
	}
	if m.Digest == d1 {
		t.Fatalf("expected digest to change when file content changed")
	}
}

func TestManifestPersistsAcrossLoad(t *testing.T) {
	dir := t.TempDir()
	indexFile := filepath.Join(dir, "idx.bin")
	manifestFile := filepath.Join(dir, "idx.bin.manifest.json")
	if err := os.WriteFile(indexFile, []byte("contents"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	m, err := LoadOrInitManifest(manifestFile, "vector")
	if err != nil {
		t.Fatalf("LoadOrInitManifest: %v", err)
	}
	if err := m.Bump(indexFile); err != nil {
		t.Fatalf("Bump: %v", err)
	}

	reloaded, err := LoadOrInitManifest(manifestFile, "vector")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Version != m.Version || reloaded.Digest != m.Digest {
		t.Fatalf("expected reloaded manifest to match persisted state, got %+v vs %+v", reloaded, m)
	}
}

func TestManifestRecomputeDigestIfStaleSkipsUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	indexFile := filepath.Join(dir, "idx.bin")
	if err := os.WriteFile(indexFile, []byte("contents"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	m, err := LoadOrInitManifest(filepath.Join(dir, "idx.bin.manifest.json"), "lexical")
	if err != nil {
		t.Fatalf("LoadOrInitManifest: %v", err)
	}
	if err := m.Bump(indexFile); err != nil {
		t.Fatalf("Bump: %v", err)
	}
	d1, err := m.RecomputeDigestIfStale(indexFile)
	if err != nil {
		t.Fatalf("RecomputeDigestIfStale: %v", err)
	}
	if d1 != m.Digest {
		t.Fatalf("expected unchanged digest, got %s vs %s", d1, m.Digest)
	}
}
