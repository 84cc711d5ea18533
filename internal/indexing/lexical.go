// Package indexing implements spec.md §4.8: the lexical full-text index,
// the vector cosine index, the deterministic hash embedder, and the
// version+digest manifest that invalidates readers on any content change.
package indexing

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/autocapture/engine/internal/canon"
)

// Hit is one lexical or vector query result.
type Hit struct {
	DocID   string
	Snippet string
	Score   float64
}

// Identity describes an index's on-disk shape for consumer cache
// invalidation (spec.md §4.8).
type Identity struct {
	Backend      string `json:"backend"`
	Path         string `json:"path"`
	Digest       string `json:"digest"`
	Version      int64  `json:"version"`
	ManifestPath string `json:"manifest_path"`
}

// LexicalIndex is a BM25-ranked full-text index backed by SQLite's FTS5
// virtual table module (modernc.org/sqlite is compiled with FTS5
// enabled), matching spec.md's "full-text, BM25-style" contract without
// hand-rolling a ranking function the engine already ships a library for.
type LexicalIndex struct {
	mu       sync.Mutex
	db       *sql.DB
	path     string
	manifest *Manifest
	hashes   map[string]string // doc_id -> content hash, for index_if_changed
}

// OpenLexicalIndex opens (creating if absent) the FTS5 table at path and
// loads its manifest.
func OpenLexicalIndex(ctx context.Context, path string) (*LexicalIndex, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("indexing: open lexical index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS lexical USING fts5(doc_id UNINDEXED, content)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("indexing: create fts5 table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS lexical_hash (doc_id TEXT PRIMARY KEY, content_hash TEXT NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("indexing: create hash table: %w", err)
	}

	m, err := LoadOrInitManifest(manifestPath(path), "lexical")
	if err != nil {
		db.Close()
		return nil, err
	}

	idx := &LexicalIndex{db: db, path: path, manifest: m, hashes: make(map[string]string)}
	rows, err := db.QueryContext(ctx, `SELECT doc_id, content_hash FROM lexical_hash`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var id, h string
			if rows.Scan(&id, &h) == nil {
				idx.hashes[id] = h
			}
		}
	}
	return idx, nil
}

// Index inserts or replaces doc_id's content unconditionally.
func (l *LexicalIndex) Index(ctx context.Context, docID, content string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.indexLocked(ctx, docID, content)
}

func (l *LexicalIndex) indexLocked(ctx context.Context, docID, content string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM lexical WHERE doc_id = ?`, docID); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO lexical (doc_id, content) VALUES (?, ?)`, docID, content); err != nil {
		tx.Rollback()
		return err
	}
	hash := canon.HashBytes([]byte(content))
	if _, err := tx.ExecContext(ctx, `INSERT INTO lexical_hash (doc_id, content_hash) VALUES (?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET content_hash = excluded.content_hash`, docID, hash); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.hashes[docID] = hash
	return l.bumpManifestLocked()
}

// IndexIfChanged re-indexes docID only when content's hash differs from
// the last indexed hash, satisfying the idempotent-version-bump invariant
// in spec.md §8.
func (l *LexicalIndex) IndexIfChanged(ctx context.Context, docID, content string) (changed bool, err error) {
	l.mu.Lock()
	hash := canon.HashBytes([]byte(content))
	if existing, ok := l.hashes[docID]; ok && existing == hash {
		l.mu.Unlock()
		return false, nil
	}
	l.mu.Unlock()
	if err := l.Index(ctx, docID, content); err != nil {
		return false, err
	}
	return true, nil
}

// Query runs a BM25-ranked full-text search, normalizing scores to
// 1/(1+max(bm25,0)) per spec.md §4.8 so that higher is always better.
func (l *LexicalIndex) Query(ctx context.Context, text string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx, `
		SELECT doc_id, snippet(lexical, 1, '[', ']', '...', 10), bm25(lexical) AS rank
		FROM lexical WHERE lexical MATCH ? ORDER BY rank ASC LIMIT ?`, text, limit)
	if err != nil {
		return nil, fmt.Errorf("indexing: lexical query: %w", err)
	}
	defer rows.Close()
	var hits []Hit
	for rows.Next() {
		var docID, snippet string
		var bm25 float64
		if err := rows.Scan(&docID, &snippet, &bm25); err != nil {
			return nil, err
		}
		score := 1.0 / (1.0 + max0(bm25))
		hits = append(hits, Hit{DocID: docID, Snippet: snippet, Score: score})
	}
	return hits, rows.Err()
}

func max0(v float64) float64 {
	if v > 0 {
		return v
	}
	return 0
}

// Count reports the number of indexed documents.
func (l *LexicalIndex) Count(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lexical`).Scan(&n)
	return n, err
}

// Identity reports the index's current backend/path/version/digest.
func (l *LexicalIndex) Identity() (Identity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	digest, err := l.manifest.RecomputeDigestIfStale(l.path)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		Backend:      "sqlite_fts5",
		Path:         l.path,
		Digest:       digest,
		Version:      l.manifest.Version,
		ManifestPath: l.manifest.path,
	}, nil
}

func (l *LexicalIndex) bumpManifestLocked() error {
	return l.manifest.Bump(l.path)
}

// Close releases the underlying database connection.
func (l *LexicalIndex) Close() error { return l.db.Close() }

func manifestPath(indexPath string) string { return indexPath + ".manifest.json" }

// fileExists reports whether path names an existing regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
