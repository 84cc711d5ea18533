package telemetry

import "testing"

func TestRecordAndLatest(t *testing.T) {
	s := NewStore(4)
	s.Record("capture", Payload{"fps": 30})
	sample, ok := s.Latest("capture")
	if !ok {
		t.Fatal("expected a latest sample")
	}
	if sample.Payload["fps"].(float64) != 30 {
		t.Fatalf("fps = %v, want 30", sample.Payload["fps"])
	}
}

func TestHistoryRingBounded(t *testing.T) {
	s := NewStore(2)
	for i := 0; i < 5; i++ {
		s.Record("gov", Payload{"i": i})
	}
	hist := s.History("gov")
	if len(hist) != 2 {
		t.Fatalf("len(history) = %d, want 2 (bounded ring)", len(hist))
	}
	if hist[len(hist)-1].Payload["i"].(float64) != 4 {
		t.Fatalf("last sample should be the most recent")
	}
}

func TestLatestUnknownCategory(t *testing.T) {
	s := NewStore(4)
	if _, ok := s.Latest("nope"); ok {
		t.Fatal("expected no sample for unknown category")
	}
}

func TestNormalizeCollapsesIntAndFloat(t *testing.T) {
	a := Normalize(Payload{"n": 3})
	b := Normalize(Payload{"n": 3.0})
	if a["n"] != b["n"] {
		t.Fatalf("normalized payloads diverge: %v vs %v", a["n"], b["n"])
	}
}
