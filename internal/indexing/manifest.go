package indexing

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/autocapture/engine/internal/canon"
	"github.com/autocapture/engine/internal/store"
)

const manifestSchemaVersion = 1

// Manifest is the `<index>.manifest.json` sidecar of spec.md §3/§6: the
// version+digest pair consumers cache against to know when to reload.
type Manifest struct {
	SchemaVersion int       `json:"schema_version"`
	IndexName     string    `json:"index_name"`
	Version       int64     `json:"version"`
	Digest        string    `json:"digest"`
	UpdatedAt     time.Time `json:"updated_at"`

	mu       sync.Mutex `json:"-"`
	path     string
	fileMod  time.Time
	fileSize int64
}

// LoadOrInitManifest loads an existing manifest at path or creates a
// fresh version-0 manifest for indexName.
func LoadOrInitManifest(path, indexName string) (*Manifest, error) {
	m := &Manifest{SchemaVersion: manifestSchemaVersion, IndexName: indexName, path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	m.path = path
	return m, nil
}

// Bump increments Version and recomputes Digest over indexFilePath's
// current bytes, then persists the manifest — the "on every successful
// mutation, bump version" contract (spec.md §4.8).
func (m *Manifest) Bump(indexFilePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	digest, err := digestFile(indexFilePath)
	if err != nil {
		return err
	}
	m.Version++
	m.Digest = digest
	m.UpdatedAt = time.Now().UTC()
	if info, statErr := os.Stat(indexFilePath); statErr == nil {
		m.fileMod = info.ModTime()
		m.fileSize = info.Size()
	}
	return m.save()
}

// RecomputeDigestIfStale recomputes Digest only when indexFilePath's
// mtime/size have changed since the last computation (spec.md §4.8:
// "recompute digest lazily on identity() call when mtime changes").
func (m *Manifest) RecomputeDigestIfStale(indexFilePath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, err := os.Stat(indexFilePath)
	if err != nil {
		return m.Digest, nil
	}
	if info.ModTime().Equal(m.fileMod) && info.Size() == m.fileSize {
		return m.Digest, nil
	}
	digest, err := digestFile(indexFilePath)
	if err != nil {
		return "", err
	}
	m.Digest = digest
	m.fileMod = info.ModTime()
	m.fileSize = info.Size()
	return digest, m.save()
}

func (m *Manifest) save() error {
	data, err := canon.Marshal(manifestView{
		SchemaVersion: m.SchemaVersion,
		IndexName:     m.IndexName,
		Version:       m.Version,
		Digest:        m.Digest,
		UpdatedAt:     m.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(m.path, data, 0o644)
}

// manifestView is the externally-visible shape of Manifest, excluding
// the unexported caching fields canon.Marshal's reflection would
// otherwise need to skip via struct tags anyway.
type manifestView struct {
	SchemaVersion int       `json:"schema_version"`
	IndexName     string    `json:"index_name"`
	Version       int64     `json:"version"`
	Digest        string    `json:"digest"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func digestFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return canon.HashBytes(data), nil
}
