package sanitizer

import (
	"encoding/base32"
	"fmt"

	"github.com/autocapture/engine/internal/keyring"
)

// DefaultTokenFormat is the reasoning-packet placeholder format
// (spec.md §4.12): ⟦ENT:{kind}:{token}⟧.
const DefaultTokenFormat = "⟦ENT:%s:%s⟧"

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// EntityHasher derives deterministic, collision-resistant tokens for
// recognized entity values via HMAC-SHA256 keyed by
// keyring.PurposeEntityToken (spec.md §4.12: "entity hashing uses
// HMAC-SHA256 with a purpose-derived key").
type EntityHasher struct {
	kr     *keyring.Keyring
	format string
}

// NewEntityHasher builds an EntityHasher. format defaults to
// DefaultTokenFormat when empty.
func NewEntityHasher(kr *keyring.Keyring, format string) *EntityHasher {
	if format == "" {
		format = DefaultTokenFormat
	}
	return &EntityHasher{kr: kr, format: format}
}

// TokenFor computes a base32 token for value|kind|scope, starting at a
// 16-byte HMAC prefix and expanding by 4 bytes whenever the candidate
// already maps (in existing) to a distinct value — the same
// collision-driven length expansion as the original entity hasher, so
// identical (key, scope, value, kind) always yields the identical token
// and distinct values never share one (spec.md §4.12, §7 determinism
// guarantee).
func (h *EntityHasher) TokenFor(value, kind, scope string, existing *EntityMap) (string, error) {
	msg := []byte(value + "|" + kind + "|" + scope)
	digest, err := h.kr.DeriveHMAC(keyring.PurposeEntityToken, msg)
	if err != nil {
		return "", fmt.Errorf("sanitizer: derive entity token: %w", err)
	}

	length := 16
	for {
		if length > len(digest) {
			length = len(digest)
		}
		candidate := b32.EncodeToString(digest[:length])
		if existing != nil {
			if meta, ok := existing.Get(candidate); ok && meta.Value != value {
				if length >= len(digest) {
					// Exhausted the digest without resolving a collision;
					// this should not happen with a 32-byte SHA256 digest.
					return "", fmt.Errorf("sanitizer: token collision unresolved for kind %s", kind)
				}
				length += 4
				continue
			}
		}
		return candidate, nil
	}
}

// FormatToken renders kind and token through the hasher's token format.
func (h *EntityHasher) FormatToken(kind, token string) string {
	return fmt.Sprintf(h.format, kind, token)
}
