// Package store implements the append-only journal and ledger, the
// content-addressed media/blob stores, the queryable metadata projection,
// and the run_state.json lifecycle file described in spec.md §3/§4.5/§6.
package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// FsyncPolicy controls how aggressively an append-only store durably
// flushes to disk, per spec.md §4.5/§9.
type FsyncPolicy string

const (
	FsyncNone   FsyncPolicy = "none"
	FsyncBatch  FsyncPolicy = "batch"
	FsyncAlways FsyncPolicy = "always"
)

// appendLines durably appends lines to path using the temp-file + rename
// discipline spec.md calls for: the whole file (existing content plus the
// new batch) is rewritten to a sibling .tmp file, optionally fsynced per
// policy, then renamed over path in one atomic filesystem operation. A
// reader never observes a partially-written file. This trades O(file
// size) work per append for a write path that is always either "old
// content" or "old content + full new batch" — acceptable for a
// single-user, single-writer journal where batches are flushed on the
// order of captured segments and events rather than a high-throughput log.
func appendLines(path string, policy FsyncPolicy, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: read %s: %w", path, err)
	}

	var buf bytes.Buffer
	buf.Write(existing)
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store: create %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", tmp, err)
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}

	if policy == FsyncBatch || policy == FsyncAlways {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("store: fsync %s: %w", tmp, err)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// readLines reads path's lines, returning (nil, nil) if the file does not
// yet exist.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	text := string(bytes.TrimRight(data, "\n"))
	if text == "" {
		return nil, nil
	}
	return splitLines(text), nil
}

func splitLines(text string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i])
			start = i + 1
		}
	}
	lines = append(lines, text[start:])
	return lines
}

// WriteFileAtomic writes data to path via temp-file + rename, used for
// single-record files (run_state.json) rather than append-only logs.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store: create %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}
