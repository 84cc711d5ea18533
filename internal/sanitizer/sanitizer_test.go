package sanitizer

import (
	"testing"

	"github.com/autocapture/engine/internal/keyring"
)

func newTestSanitizer(t *testing.T) *Sanitizer {
	t.Helper()
	kr, err := keyring.Open(t.TempDir())
	if err != nil {
		t.Fatalf("keyring.Open() error = %v", err)
	}
	s, err := New(kr, DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestSanitizeTextReplacesEmailAndPhone(t *testing.T) {
	s := newTestSanitizer(t)
	out, tokens, err := s.SanitizeText("Contact John Doe at john@example.com or 555-123-4567.", "default")
	if err != nil {
		t.Fatalf("SanitizeText() error = %v", err)
	}
	if len(tokens) == 0 {
		t.Fatalf("expected at least one token, got none; output=%q", out)
	}
	for _, meta := range tokens {
		if meta.Value == "john@example.com" && meta.Kind != KindEmail {
			t.Fatalf("expected email kind, got %s", meta.Kind)
		}
	}
	if got := out; got == "Contact John Doe at john@example.com or 555-123-4567." {
		t.Fatalf("expected text to be rewritten, got unchanged: %q", got)
	}
}

func TestSanitizeTextDeterministicAcrossCalls(t *testing.T) {
	s := newTestSanitizer(t)
	first, _, err := s.SanitizeText("email me at a@b.com", "default")
	if err != nil {
		t.Fatalf("first SanitizeText() error = %v", err)
	}
	second, _, err := s.SanitizeText("email me at a@b.com", "default")
	if err != nil {
		t.Fatalf("second SanitizeText() error = %v", err)
	}
	if first != second {
		t.Fatalf("expected identical output for identical input, got %q vs %q", first, second)
	}
}

func TestSanitizeTextDistinctValuesDistinctTokens(t *testing.T) {
	s := newTestSanitizer(t)
	out, _, err := s.SanitizeText("a@b.com and c@d.com", "default")
	if err != nil {
		t.Fatalf("SanitizeText() error = %v", err)
	}

	tokensSeen := map[string]bool{}
	for _, tok := range extractTokens(t, s, out) {
		tokensSeen[tok] = true
	}
	if len(tokensSeen) != 2 {
		t.Fatalf("expected 2 distinct tokens, got %d from %q", len(tokensSeen), out)
	}
}

func extractTokens(t *testing.T, s *Sanitizer, text string) []string {
	t.Helper()
	matches := s.tokenRe.FindAllStringSubmatch(text, -1)
	var out []string
	for _, m := range matches {
		out = append(out, m[2])
	}
	return out
}

func TestDetokenizeTextRestoresOriginal(t *testing.T) {
	s := newTestSanitizer(t)
	original := "Contact John Doe at john@example.com or 555-123-4567."
	sanitized, _, err := s.SanitizeText(original, "default")
	if err != nil {
		t.Fatalf("SanitizeText() error = %v", err)
	}
	restored := s.DetokenizeText(sanitized)
	if restored != original {
		t.Fatalf("DetokenizeText() = %q, want %q", restored, original)
	}
}

func TestSanitizePayloadAndLeakCheck(t *testing.T) {
	s := newTestSanitizer(t)
	payload := map[string]interface{}{
		"note": "Contact John Doe at john@example.com or 555-123-4567.",
		"tags": []interface{}{"work", "john@example.com"},
	}
	packet, err := s.SanitizePayload(payload, "default")
	if err != nil {
		t.Fatalf("SanitizePayload() error = %v", err)
	}
	if !s.LeakCheck(packet) {
		t.Fatalf("expected LeakCheck to pass on sanitized payload")
	}
	if len(packet.Glossary) == 0 {
		t.Fatalf("expected non-empty glossary")
	}

	restored := s.DetokenizePayload(packet.Payload)
	restoredMap, ok := restored.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map after detokenize, got %T", restored)
	}
	if restoredMap["note"] != payload["note"] {
		t.Fatalf("DetokenizePayload() note = %v, want %v", restoredMap["note"], payload["note"])
	}
}

func TestLeakCheckDetectsUnsanitizedValue(t *testing.T) {
	s := newTestSanitizer(t)
	packet := ReasoningPacket{
		Payload: map[string]interface{}{"note": "raw value a@b.com still here"},
		Tokens:  map[string]TokenMeta{"TOKEN1": {Value: "a@b.com", Kind: KindEmail}},
	}
	if s.LeakCheck(packet) {
		t.Fatalf("expected LeakCheck to detect leaked value")
	}
}

func TestSanitizeTextNoEntitiesReturnsTextUnchanged(t *testing.T) {
	s := newTestSanitizer(t)
	out, tokens, err := s.SanitizeText("nothing sensitive here", "default")
	if err != nil {
		t.Fatalf("SanitizeText() error = %v", err)
	}
	if out != "nothing sensitive here" {
		t.Fatalf("expected unchanged text, got %q", out)
	}
	if len(tokens) != 0 {
		t.Fatalf("expected no tokens, got %d", len(tokens))
	}
}
