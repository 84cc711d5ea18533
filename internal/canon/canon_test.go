package canon

import (
	"math"
	"strings"
	"testing"
)

type sample struct {
	Zebra   string  `json:"zebra"`
	Alpha   int     `json:"alpha"`
	Score   float64 `json:"score"`
	Hidden  string  `json:"-"`
	Skipped string  `json:"skipped,omitempty"`
}

func TestMarshal_SortsKeysAndIsCompact(t *testing.T) {
	v := sample{Zebra: "z", Alpha: 1, Score: 0.5, Hidden: "nope"}
	got := MarshalString(v)
	want := `{"alpha":1,"score":"0.500000","zebra":"z"}`
	if got != want {
		t.Errorf("MarshalString() = %q, want %q", got, want)
	}
}

func TestMarshal_OmitsUnexportedAndDashTagged(t *testing.T) {
	v := sample{Zebra: "z", Alpha: 1, Hidden: "nope"}
	got := MarshalString(v)
	if strings.Contains(got, "nope") || strings.Contains(got, "Hidden") {
		t.Errorf("MarshalString() leaked json:\"-\" field: %q", got)
	}
}

func TestMarshal_OmitEmpty(t *testing.T) {
	v := sample{Zebra: "z", Alpha: 1, Skipped: ""}
	got := MarshalString(v)
	if strings.Contains(got, "skipped") {
		t.Errorf("MarshalString() should omit empty skipped field: %q", got)
	}
}

func TestMarshal_FloatFormatting(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{1, `"1.000000"`},
		{0.1, `"0.100000"`},
		{math.Inf(1), `"inf"`},
		{math.Inf(-1), `"-inf"`},
		{math.NaN(), `"nan"`},
	}
	for _, c := range cases {
		got := MarshalString(c.in)
		if got != c.want {
			t.Errorf("MarshalString(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMarshal_MapKeysSorted(t *testing.T) {
	v := map[string]interface{}{"b": 1, "a": 2, "c": 3}
	got := MarshalString(v)
	want := `{"a":2,"b":1,"c":3}`
	if got != want {
		t.Errorf("MarshalString() = %q, want %q", got, want)
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	v := map[string]interface{}{
		"slice": []interface{}{1, 2, 3},
		"inner": map[string]interface{}{"z": 1, "a": 2},
	}
	first := MarshalString(v)
	second := MarshalString(v)
	if first != second {
		t.Errorf("Marshal is not deterministic: %q != %q", first, second)
	}
}

func TestSHA256_MatchesHashBytesOfMarshal(t *testing.T) {
	v := sample{Zebra: "z", Alpha: 1, Score: 2}
	data, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := HashBytes(data)
	got, err := SHA256(v)
	if err != nil {
		t.Fatalf("SHA256() error = %v", err)
	}
	if got != want {
		t.Errorf("SHA256() = %q, want %q", got, want)
	}
	if len(got) != 64 {
		t.Errorf("SHA256() length = %d, want 64 hex chars", len(got))
	}
}

func TestHashRecord_OmitsNamedFieldAndIsStable(t *testing.T) {
	type entry struct {
		Stage string `json:"stage"`
		Hash  string `json:"hash"`
	}

	e1 := entry{Stage: "capture.segment", Hash: "stale-value"}
	e2 := entry{Stage: "capture.segment", Hash: "completely-different-stale-value"}

	h1, err := HashRecord(e1, "hash")
	if err != nil {
		t.Fatalf("HashRecord() error = %v", err)
	}
	h2, err := HashRecord(e2, "hash")
	if err != nil {
		t.Fatalf("HashRecord() error = %v", err)
	}
	if h1 != h2 {
		t.Errorf("HashRecord() should ignore the omitted field: %q != %q", h1, h2)
	}

	e3 := entry{Stage: "capture.partial_failure", Hash: "stale-value"}
	h3, err := HashRecord(e3, "hash")
	if err != nil {
		t.Fatalf("HashRecord() error = %v", err)
	}
	if h1 == h3 {
		t.Errorf("HashRecord() should change when a non-omitted field changes")
	}
}

func TestRecordID_FormatAndSafeFilename(t *testing.T) {
	id := RecordID("run-1", "evidence.capture.segment", 42)
	want := "run-1/evidence.capture.segment/42"
	if id != want {
		t.Errorf("RecordID() = %q, want %q", id, want)
	}

	safe := SafeFilename(id)
	if strings.Contains(safe, "/") {
		t.Errorf("SafeFilename() still contains a slash: %q", safe)
	}
	wantSafe := "run-1_evidence.capture.segment_42"
	if safe != wantSafe {
		t.Errorf("SafeFilename() = %q, want %q", safe, wantSafe)
	}
}

func TestFormatFloat(t *testing.T) {
	if got := FormatFloat(3); got != "3.000000" {
		t.Errorf("FormatFloat(3) = %q, want 3.000000", got)
	}
	if got := FormatFloat(math.NaN()); got != "nan" {
		t.Errorf("FormatFloat(NaN) = %q, want nan", got)
	}
}

func TestMarshal_NestedStructsAndSlices(t *testing.T) {
	type inner struct {
		Values []int `json:"values"`
	}
	type outer struct {
		Name  string `json:"name"`
		Inner inner  `json:"inner"`
	}
	v := outer{Name: "n", Inner: inner{Values: []int{3, 1, 2}}}
	got := MarshalString(v)
	want := `{"inner":{"values":[3,1,2]},"name":"n"}`
	if got != want {
		t.Errorf("MarshalString() = %q, want %q", got, want)
	}
}
