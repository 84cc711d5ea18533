package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/autocapture/engine/internal/keyring"
)

// Deduper fingerprints raw pixel bytes and flags duplicate frames, per
// spec.md §4.4's dedupe policy: "mark_only never drops; drop_exact may
// drop within a window." The window is the single most recently seen
// fingerprint, matching a screen that is static frame-over-frame (the
// common case for an idle workstation) without holding an unbounded
// history of past frames.
type Deduper struct {
	mu      sync.Mutex
	enabled bool
	hashAlg string // "blake2b" | "sha256"
	policy  string // "mark_only" | "drop_exact"
	kr      *keyring.Keyring
	last    string
}

// NewDeduper builds a Deduper. kr may be nil, in which case fingerprints
// are unkeyed (plain blake2b/sha256 rather than HMAC-bound to the root
// key) — acceptable since the fingerprint is compared only within a
// single process's lifetime, never persisted across keyring rotation.
func NewDeduper(enabled bool, hashAlg, policy string, kr *keyring.Keyring) *Deduper {
	return &Deduper{enabled: enabled, hashAlg: hashAlg, policy: policy, kr: kr}
}

func (d *Deduper) fingerprint(pixels []byte) (string, error) {
	if d.kr != nil {
		purpose := keyring.PurposeMediaDedupeFingerprint
		sum, err := d.kr.DeriveHMAC(purpose, pixels)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(sum), nil
	}

	if d.hashAlg == "blake2b" {
		sum := blake2b.Sum256(pixels)
		return hex.EncodeToString(sum[:]), nil
	}
	sum := sha256.Sum256(pixels)
	return hex.EncodeToString(sum[:]), nil
}

// Classify fingerprints pixels and reports whether this frame should be
// treated as a drop_exact duplicate (always false for mark_only, which
// marks but never drops).
func (d *Deduper) Classify(pixels []byte) (Dedupe, bool, error) {
	if !d.enabled {
		return Dedupe{}, false, nil
	}

	fp, err := d.fingerprint(pixels)
	if err != nil {
		return Dedupe{}, false, err
	}

	d.mu.Lock()
	duplicate := d.last == fp
	d.last = fp
	d.mu.Unlock()

	dd := Dedupe{Enabled: true, Hash: d.hashAlg, Duplicate: duplicate, Fingerprint: fp}
	drop := duplicate && d.policy == "drop_exact"
	return dd, drop, nil
}
