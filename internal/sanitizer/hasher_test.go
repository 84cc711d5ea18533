package sanitizer

import (
	"testing"

	"github.com/autocapture/engine/internal/keyring"
)

func newTestHasher(t *testing.T) *EntityHasher {
	t.Helper()
	kr, err := keyring.Open(t.TempDir())
	if err != nil {
		t.Fatalf("keyring.Open() error = %v", err)
	}
	return NewEntityHasher(kr, DefaultTokenFormat)
}

func TestTokenForDeterministic(t *testing.T) {
	h := newTestHasher(t)
	em := NewEntityMap()
	first, err := h.TokenFor("a@b.com", KindEmail, "default", em)
	if err != nil {
		t.Fatalf("TokenFor() error = %v", err)
	}
	second, err := h.TokenFor("a@b.com", KindEmail, "default", em)
	if err != nil {
		t.Fatalf("TokenFor() error = %v", err)
	}
	if first != second {
		t.Fatalf("expected deterministic token, got %q vs %q", first, second)
	}
}

func TestTokenForDistinctValuesDistinctTokens(t *testing.T) {
	h := newTestHasher(t)
	em := NewEntityMap()
	a, err := h.TokenFor("a@b.com", KindEmail, "default", em)
	if err != nil {
		t.Fatalf("TokenFor() error = %v", err)
	}
	em.Put(a, "a@b.com", KindEmail)
	b, err := h.TokenFor("c@d.com", KindEmail, "default", em)
	if err != nil {
		t.Fatalf("TokenFor() error = %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct tokens for distinct values, got %q for both", a)
	}
}

func TestTokenForDifferentScopeDifferentToken(t *testing.T) {
	h := newTestHasher(t)
	em := NewEntityMap()
	a, err := h.TokenFor("a@b.com", KindEmail, "scope1", em)
	if err != nil {
		t.Fatalf("TokenFor() error = %v", err)
	}
	b, err := h.TokenFor("a@b.com", KindEmail, "scope2", em)
	if err != nil {
		t.Fatalf("TokenFor() error = %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct tokens across scopes, got %q for both", a)
	}
}

func TestFormatTokenMatchesDefaultShape(t *testing.T) {
	h := newTestHasher(t)
	got := h.FormatToken(KindEmail, "ABCDEFGH")
	want := "⟦ENT:EMAIL:ABCDEFGH⟧"
	if got != want {
		t.Fatalf("FormatToken() = %q, want %q", got, want)
	}
}
