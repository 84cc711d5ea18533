package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/autocapture/engine/internal/canon"
	"github.com/autocapture/engine/internal/keyring"
	"github.com/autocapture/engine/internal/platform"
)

// ContentStore is a content-addressed local filesystem store implementing
// platform.ContentDriver. Content is sharded two hex characters deep
// (root/ab/abcdef...) to keep any one directory small. When keyring is
// non-nil, content is envelope-encrypted at rest under purpose before
// being written — this is how the "blobs/" (encrypted) store differs from
// the "media/" (plaintext, already content-addressed by its own segment
// hash) store described in spec.md §6.
type ContentStore struct {
	mu      sync.RWMutex
	name    string
	root    string
	keyring *keyring.Keyring
	purpose string
	meta    map[string]platform.ContentMetadata
}

var _ platform.ContentDriver = (*ContentStore)(nil)

// NewContentStore opens a content-addressed store rooted at root. Pass a
// non-nil kr + purpose to encrypt blobs at rest (the "blobs/" store); pass
// nil for the plaintext "media/" store, since segment media is already
// protected by the keyring-derived purpose key path chosen by callers one
// layer up when they decide a run is operating in an encrypted-at-rest mode.
func NewContentStore(name, root string, kr *keyring.Keyring, purpose string) *ContentStore {
	return &ContentStore{
		name:    name,
		root:    root,
		keyring: kr,
		purpose: purpose,
		meta:    make(map[string]platform.ContentMetadata),
	}
}

func (s *ContentStore) Name() string { return s.name }

func (s *ContentStore) Start(ctx context.Context) error {
	return os.MkdirAll(s.root, 0o700)
}

func (s *ContentStore) Stop(ctx context.Context) error { return nil }

func (s *ContentStore) Ping(ctx context.Context) error {
	_, err := os.Stat(s.root)
	return err
}

func (s *ContentStore) pathFor(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.root, hash)
	}
	return filepath.Join(s.root, hash[:2], hash)
}

// Store hashes content with SHA256 and writes it under that hash,
// encrypting first if this store was opened with a keyring+purpose.
func (s *ContentStore) Store(ctx context.Context, content []byte) (string, error) {
	hash := canon.HashBytes(content)
	if err := s.writeAt(hash, content); err != nil {
		return "", err
	}
	return hash, nil
}

func (s *ContentStore) writeAt(hash string, content []byte) error {
	path := s.pathFor(hash)
	if _, err := os.Stat(path); err == nil {
		return nil // content-addressed: identical hash already stored
	}

	payload := content
	if s.keyring != nil {
		ciphertext, err := s.keyring.Encrypt(s.purpose, []byte(hash), s.name, content)
		if err != nil {
			return fmt.Errorf("content store %s: encrypt %s: %w", s.name, hash, err)
		}
		payload = ciphertext
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("content store %s: create dir for %s: %w", s.name, hash, err)
	}
	return WriteFileAtomic(path, payload, 0o600)
}

// Retrieve fetches content by hash, decrypting it first if this store was
// opened with a keyring+purpose.
func (s *ContentStore) Retrieve(ctx context.Context, hash string) ([]byte, error) {
	path := s.pathFor(hash)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, platform.ErrContentNotFound{Hash: hash}
	}
	if err != nil {
		return nil, fmt.Errorf("content store %s: read %s: %w", s.name, hash, err)
	}

	if s.keyring == nil {
		return data, nil
	}
	plaintext, _, err := s.keyring.Decrypt(s.purpose, []byte(hash), s.name, data)
	if err != nil {
		return nil, fmt.Errorf("content store %s: decrypt %s: %w", s.name, hash, err)
	}
	return plaintext, nil
}

func (s *ContentStore) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := os.Stat(s.pathFor(hash))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *ContentStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	delete(s.meta, hash)
	s.mu.Unlock()

	err := os.Remove(s.pathFor(hash))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// StoreWithMetadata stores content and records its ContentMetadata
// in-memory, keyed by hash. Metadata is not itself content-addressed or
// persisted to disk here; durable metadata belongs to the metadata store
// (internal/store's MetadataStore), this is a convenience for callers that
// want both writes to happen atomically from their point of view.
func (s *ContentStore) StoreWithMetadata(ctx context.Context, content []byte, meta platform.ContentMetadata) (string, error) {
	hash, err := s.Store(ctx, content)
	if err != nil {
		return "", err
	}
	meta.Hash = hash
	meta.Size = int64(len(content))
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.meta[hash] = meta
	s.mu.Unlock()
	return hash, nil
}

func (s *ContentStore) GetMetadata(ctx context.Context, hash string) (*platform.ContentMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.meta[hash]
	if !ok {
		return nil, platform.ErrContentNotFound{Hash: hash}
	}
	return &meta, nil
}

// SpoolWriter streams a capture segment into a .tmp spool file while
// hashing it incrementally, per the capture pipeline's sealing contract
// (spec.md §4.4, step 1: "Hash the segment file as it is streamed into
// media storage") — large segments never need to be buffered whole in
// memory just to compute their content hash.
type SpoolWriter struct {
	file   *os.File
	hasher hash.Hash
}

// NewSpoolWriter opens path (typically under spool/) for streaming writes.
func NewSpoolWriter(path string) (*SpoolWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	return &SpoolWriter{file: f, hasher: sha256.New()}, nil
}

func (w *SpoolWriter) Write(p []byte) (int, error) {
	w.hasher.Write(p)
	return w.file.Write(p)
}

// Close flushes and closes the underlying spool file.
func (w *SpoolWriter) Close() error { return w.file.Close() }

// Sum returns the lowercase-hex SHA256 digest of everything written so
// far.
func (w *SpoolWriter) Sum() string { return hex.EncodeToString(w.hasher.Sum(nil)) }
