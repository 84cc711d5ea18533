package capture

import "testing"

func TestDeduper_DisabledReturnsZeroValue(t *testing.T) {
	d := NewDeduper(false, "sha256", "drop_exact", nil)
	dd, drop, err := d.Classify([]byte("pixels"))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if drop {
		t.Fatal("disabled deduper must never drop")
	}
	if dd.Enabled {
		t.Fatal("disabled deduper must report Enabled=false")
	}
}

func TestDeduper_MarkOnlyNeverDrops(t *testing.T) {
	d := NewDeduper(true, "sha256", "mark_only", nil)
	pixels := []byte("same frame")

	first, drop1, err := d.Classify(pixels)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if drop1 || first.Duplicate {
		t.Fatalf("first frame must not be a duplicate, got duplicate=%v drop=%v", first.Duplicate, drop1)
	}

	second, drop2, err := d.Classify(pixels)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("repeated identical pixels must be marked duplicate")
	}
	if drop2 {
		t.Fatal("mark_only policy must never drop, even on a duplicate")
	}
}

func TestDeduper_DropExactDropsRepeatedFrame(t *testing.T) {
	d := NewDeduper(true, "blake2b", "drop_exact", nil)
	pixels := []byte("static desktop")

	_, drop1, err := d.Classify(pixels)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if drop1 {
		t.Fatal("first observation of a fingerprint must not be dropped")
	}

	dd2, drop2, err := d.Classify(pixels)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !drop2 {
		t.Fatal("drop_exact must drop an immediately repeated identical frame")
	}
	if !dd2.Duplicate {
		t.Fatal("dropped frame's Dedupe.Duplicate must be true")
	}
	if dd2.Hash != "blake2b" {
		t.Errorf("Dedupe.Hash = %q, want blake2b", dd2.Hash)
	}
}

func TestDeduper_DropExactAdmitsChangedFrame(t *testing.T) {
	d := NewDeduper(true, "sha256", "drop_exact", nil)
	if _, drop, err := d.Classify([]byte("frame A")); err != nil || drop {
		t.Fatalf("Classify(frame A): drop=%v err=%v", drop, err)
	}
	dd, drop, err := d.Classify([]byte("frame B"))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if drop || dd.Duplicate {
		t.Fatal("a changed frame must not be treated as a duplicate")
	}
}
