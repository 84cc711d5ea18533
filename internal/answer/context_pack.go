package answer

import "strings"

// Span is one retrieval hit fed into a context pack: evidence text plus
// whatever signal fields the retrieval planner attached to it.
type Span struct {
	SpanID string                 `json:"span_id"`
	Text   string                 `json:"text"`
	Extra  map[string]interface{} `json:"-"`
}

// ContextPack is the evidence bundle handed to claim extraction: the
// spans retrieval surfaced plus the signals (retrieval tier, scores)
// that produced them.
type ContextPack struct {
	Spans   []Span
	Signals map[string]interface{}
}

// BuildContextPack bundles spans and signals into a ContextPack.
func BuildContextPack(spans []Span, signals map[string]interface{}) ContextPack {
	return ContextPack{Spans: spans, Signals: signals}
}

// ToJSON renders the pack as the plain structured form used internally.
func (p ContextPack) ToJSON() map[string]interface{} {
	spans := make([]map[string]interface{}, 0, len(p.Spans))
	for _, s := range p.Spans {
		entry := map[string]interface{}{"span_id": s.SpanID, "text": s.Text}
		for k, v := range s.Extra {
			entry[k] = v
		}
		spans = append(spans, entry)
	}
	return map[string]interface{}{"format": "json", "spans": spans, "signals": p.Signals}
}

// ToTRON renders the pack in the compact line-oriented format ("TRON/1.0")
// suited to token-budgeted prompt assembly: one "SPAN <id> <text>" line
// per span.
func (p ContextPack) ToTRON() string {
	lines := []string{"TRON/1.0"}
	for _, s := range p.Spans {
		lines = append(lines, "SPAN "+s.SpanID+" "+s.Text)
	}
	return strings.Join(lines, "\n")
}
