// Package keyring loads the engine's root key and derives per-purpose
// subkeys for envelope encryption and entity hashing, per spec's Keyring
// component (vault/root.key, vault/keyring.json).
package keyring

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/autocapture/engine/infrastructure/crypto"
	enginerrors "github.com/autocapture/engine/infrastructure/errors"
)

const (
	rootKeySize    = 32
	rootKeyFile    = "root.key"
	keyringFile    = "keyring.json"
	keyringVersion = 1
)

// Well-known derivation purposes. Components should use these constants
// rather than ad-hoc strings so rotation and audit tooling can enumerate
// every purpose a root key has ever been asked to derive.
const (
	PurposeMediaDedupeFingerprint = "media.dedupe_fingerprint"
	PurposeBlobAEAD               = "storage.blob"
	PurposeMetadataAEAD           = "storage.metadata"
	PurposeLedgerAnchor           = "ledger.anchor"
	PurposeEntityToken            = "sanitizer.entity_token"
	PurposeWSL2LeaseToken         = "wsl2queue.lease_token"
)

type generationMeta struct {
	Generation int       `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
}

type meta struct {
	Version           int              `json:"version"`
	CurrentGeneration int              `json:"current_generation"`
	Generations       []generationMeta `json:"generations"`
}

// Keyring holds the current root key generation plus any archived
// generations still needed to decrypt data written before a rotation.
type Keyring struct {
	mu       sync.RWMutex
	vaultDir string
	current  int
	keys     map[int][]byte // generation -> 32-byte root key
	meta     meta
}

// Open loads the keyring rooted at vaultDir, creating a fresh root key and
// keyring.json on first boot. vaultDir is created with 0700 permissions if
// missing.
func Open(vaultDir string) (*Keyring, error) {
	if err := os.MkdirAll(vaultDir, 0o700); err != nil {
		return nil, enginerrors.Wrap(enginerrors.ErrCodeConfigInvalid, "create vault directory", enginerrors.ExitFailure, err).
			WithDetails("path", vaultDir)
	}

	metaPath := filepath.Join(vaultDir, keyringFile)
	m, err := loadMeta(metaPath)
	if os.IsNotExist(err) {
		m = meta{
			Version:           keyringVersion,
			CurrentGeneration: 1,
			Generations:       []generationMeta{{Generation: 1, CreatedAt: time.Now().UTC()}},
		}
		if err := saveMeta(metaPath, m); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	kr := &Keyring{
		vaultDir: vaultDir,
		current:  m.CurrentGeneration,
		keys:     make(map[int][]byte, len(m.Generations)),
		meta:     m,
	}

	for _, gen := range m.Generations {
		key, err := loadOrCreateGenerationKey(vaultDir, gen.Generation)
		if err != nil {
			return nil, err
		}
		kr.keys[gen.Generation] = key
	}

	return kr, nil
}

func loadMeta(path string) (meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return meta{}, err
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return meta{}, enginerrors.Wrap(enginerrors.ErrCodeConfigInvalid, "parse keyring.json", enginerrors.ExitFailure, err).
			WithDetails("path", path)
	}
	return m, nil
}

func saveMeta(path string, m meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return enginerrors.Wrap(enginerrors.ErrCodeConfigInvalid, "encode keyring.json", enginerrors.ExitFailure, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return enginerrors.Wrap(enginerrors.ErrCodeConfigInvalid, "write keyring.json", enginerrors.ExitFailure, err).
			WithDetails("path", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return enginerrors.Wrap(enginerrors.ErrCodeConfigInvalid, "rename keyring.json into place", enginerrors.ExitFailure, err).
			WithDetails("path", path)
	}
	return nil
}

func generationKeyPath(vaultDir string, generation int) string {
	if generation == 1 {
		return filepath.Join(vaultDir, rootKeyFile)
	}
	return filepath.Join(vaultDir, fmt.Sprintf("%s.%d", rootKeyFile, generation))
}

func loadOrCreateGenerationKey(vaultDir string, generation int) ([]byte, error) {
	path := generationKeyPath(vaultDir, generation)
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != rootKeySize {
			return nil, enginerrors.New(enginerrors.ErrCodeConfigInvalid, "root key has wrong size", enginerrors.ExitFailure).
				WithDetails("path", path).
				WithDetails("want_bytes", rootKeySize).
				WithDetails("got_bytes", len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, enginerrors.Wrap(enginerrors.ErrCodeConfigInvalid, "read root key", enginerrors.ExitFailure, err).
			WithDetails("path", path)
	}

	key := make([]byte, rootKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, enginerrors.Wrap(enginerrors.ErrCodeConfigInvalid, "generate root key", enginerrors.ExitFailure, err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, enginerrors.Wrap(enginerrors.ErrCodeConfigInvalid, "write root key", enginerrors.ExitFailure, err).
			WithDetails("path", path)
	}
	return key, nil
}

// derivePurposeKey runs HKDF-SHA256 over the generation's root key with
// purpose as the HKDF info parameter, producing a 32-byte subkey that is
// never persisted — every caller re-derives it on demand.
func derivePurposeKey(rootKey []byte, purpose string) ([]byte, error) {
	reader := hkdf.New(sha256.New, rootKey, nil, []byte(purpose))
	sub := make([]byte, rootKeySize)
	if _, err := io.ReadFull(reader, sub); err != nil {
		return nil, fmt.Errorf("keyring: derive purpose key: %w", err)
	}
	return sub, nil
}

// DerivePurposeKey derives the current generation's subkey for purpose.
func (k *Keyring) DerivePurposeKey(purpose string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return derivePurposeKey(k.keys[k.current], purpose)
}

// DeriveHMAC computes HMAC-SHA256 over the concatenation of data using the
// current generation's purpose-derived key. This is the entity-hashing
// primitive used by the egress sanitizer (spec.md §4.12): `token =
// base32(HMAC_SHA256(key, value|kind|scope))`.
func (k *Keyring) DeriveHMAC(purpose string, data ...[]byte) ([]byte, error) {
	key, err := k.DerivePurposeKey(purpose)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	for _, d := range data {
		mac.Write(d)
	}
	return mac.Sum(nil), nil
}

// Encrypt envelope-encrypts plaintext under the current generation's
// purpose-derived key, additionally binding subject and info via
// infrastructure/crypto's AEAD envelope (HMAC-derived inner key + AES-GCM).
func (k *Keyring) Encrypt(purpose string, subject []byte, info string, plaintext []byte) ([]byte, error) {
	purposeKey, err := k.DerivePurposeKey(purpose)
	if err != nil {
		return nil, err
	}
	return crypto.EncryptEnvelope(purposeKey, subject, info, plaintext)
}

// Decrypt attempts to decrypt ciphertext with the current generation's
// purpose key, falling back to older generations in case the data predates
// the most recent rotation. Returns the generation that succeeded.
func (k *Keyring) Decrypt(purpose string, subject []byte, info string, ciphertext []byte) ([]byte, int, error) {
	k.mu.RLock()
	current := k.current
	generations := make([]int, 0, len(k.keys))
	for gen := range k.keys {
		generations = append(generations, gen)
	}
	keys := make(map[int][]byte, len(k.keys))
	for gen, key := range k.keys {
		keys[gen] = key
	}
	k.mu.RUnlock()

	order := append([]int{current}, removeFrom(generations, current)...)

	var lastErr error
	for _, gen := range order {
		purposeKey, err := derivePurposeKey(keys[gen], purpose)
		if err != nil {
			lastErr = err
			continue
		}
		plaintext, err := crypto.DecryptEnvelope(purposeKey, subject, info, ciphertext)
		if err == nil {
			return plaintext, gen, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("keyring: decrypt failed against all %d known generations: %w", len(order), lastErr)
}

func removeFrom(gens []int, exclude int) []int {
	out := make([]int, 0, len(gens))
	for _, g := range gens {
		if g != exclude {
			out = append(out, g)
		}
	}
	return out
}

// CurrentGeneration returns the active root key generation number, for
// tagging newly written records so a future rotation can report which
// generation produced them.
func (k *Keyring) CurrentGeneration() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// Rotate generates a new root key generation, archives the previous
// generation's key so existing ciphertext remains decryptable, and
// persists the update to keyring.json. This backs the `rotate keys` CLI
// operation (spec.md §6).
func (k *Keyring) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	nextGen := k.current + 1
	key, err := loadOrCreateGenerationKey(k.vaultDir, nextGen)
	if err != nil {
		return 0, err
	}

	k.keys[nextGen] = key
	k.current = nextGen
	k.meta.CurrentGeneration = nextGen
	k.meta.Generations = append(k.meta.Generations, generationMeta{
		Generation: nextGen,
		CreatedAt:  time.Now().UTC(),
	})

	if err := saveMeta(filepath.Join(k.vaultDir, keyringFile), k.meta); err != nil {
		return 0, err
	}
	return nextGen, nil
}
