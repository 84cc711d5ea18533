package answer

import (
	"strings"
	"testing"
)

func TestContextPackFormats(t *testing.T) {
	spans := []Span{{SpanID: "s1", Text: "hello"}}
	signals := map[string]interface{}{"tier": "FAST"}
	pack := BuildContextPack(spans, signals)

	json := pack.ToJSON()
	if json["format"] != "json" {
		t.Fatalf("format = %v, want json", json["format"])
	}
	if _, ok := json["signals"]; !ok {
		t.Fatal("expected signals key in json form")
	}

	tron := pack.ToTRON()
	if !strings.HasPrefix(tron, "TRON/1.0") {
		t.Fatalf("expected tron to start with TRON/1.0, got %q", tron)
	}
	if !strings.Contains(tron, "s1") {
		t.Fatalf("expected tron output to mention span id, got %q", tron)
	}
}
