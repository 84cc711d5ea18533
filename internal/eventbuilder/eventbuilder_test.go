package eventbuilder

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/autocapture/engine/internal/keyring"
	"github.com/autocapture/engine/internal/store"
)

func newTestBuilder(t *testing.T, cfg Config, kr *keyring.Keyring) (*Builder, *store.Ledger) {
	t.Helper()
	dir := t.TempDir()
	j, err := store.OpenJournal(filepath.Join(dir, "journal.ndjson"), store.FsyncBatch, "run-1")
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}
	l, err := store.OpenLedger(filepath.Join(dir, "ledger.ndjson"), store.FsyncBatch)
	if err != nil {
		t.Fatalf("OpenLedger() error = %v", err)
	}
	return New("run-1", j, l, kr, cfg, nil), l
}

func TestRecord_WritesLedgerEntryAndJournalEventLinkedByHash(t *testing.T) {
	b, l := newTestBuilder(t, Config{}, nil)

	entry, event, err := b.Record("capture.seal", "capture.segment", []string{"segment/0"}, []string{"evidence/0"}, map[string]interface{}{
		"segment_id": "run-1/segment/0",
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if entry.Hash == "" {
		t.Error("Record() ledger entry hash is empty")
	}
	if event.Payload["ledger_hash"] != entry.Hash {
		t.Errorf("journal event payload ledger_hash = %v, want %q", event.Payload["ledger_hash"], entry.Hash)
	}
	if event.Payload["segment_id"] != "run-1/segment/0" {
		t.Errorf("journal event payload segment_id = %v, want run-1/segment/0", event.Payload["segment_id"])
	}
	if l.Head() != entry.Hash {
		t.Errorf("ledger head = %q, want %q", l.Head(), entry.Hash)
	}
}

func TestRecord_ChainsAcrossCalls(t *testing.T) {
	b, l := newTestBuilder(t, Config{}, nil)

	first, _, err := b.Record("capture.seal", "capture.segment", nil, nil, nil)
	if err != nil {
		t.Fatalf("first Record() error = %v", err)
	}
	second, _, err := b.Record("index.update", "index.updated", []string{first.Hash}, nil, nil)
	if err != nil {
		t.Fatalf("second Record() error = %v", err)
	}
	if second.PrevHash != first.Hash {
		t.Errorf("second entry PrevHash = %q, want %q", second.PrevHash, first.Hash)
	}
	if err := l.VerifyChain(); err != nil {
		t.Errorf("VerifyChain() error = %v", err)
	}
}

func TestAnchor_WritesSignedAttestationWhenKeyringPresent(t *testing.T) {
	kr, err := keyring.Open(t.TempDir())
	if err != nil {
		t.Fatalf("keyring.Open() error = %v", err)
	}
	anchorPath := filepath.Join(t.TempDir(), "anchor", "anchor.json")
	b, _ := newTestBuilder(t, Config{AnchorPath: anchorPath}, kr)

	if _, _, err := b.Record("capture.seal", "capture.segment", nil, nil, nil); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	a, err := b.Anchor()
	if err != nil {
		t.Fatalf("Anchor() error = %v", err)
	}
	if a.Signature == "" {
		t.Error("Anchor() with keyring present has empty signature")
	}
	if a.LedgerHead == "" {
		t.Error("Anchor().LedgerHead is empty")
	}
}

func TestAnchor_WithoutKeyringHasNoSignature(t *testing.T) {
	anchorPath := filepath.Join(t.TempDir(), "anchor.json")
	b, _ := newTestBuilder(t, Config{AnchorPath: anchorPath}, nil)

	a, err := b.Anchor()
	if err != nil {
		t.Fatalf("Anchor() error = %v", err)
	}
	if a.Signature != "" {
		t.Errorf("Anchor() without keyring signature = %q, want empty", a.Signature)
	}
}

func TestAnchor_RequiresConfiguredPath(t *testing.T) {
	b, _ := newTestBuilder(t, Config{}, nil)
	if _, err := b.Anchor(); err == nil {
		t.Error("Anchor() with no AnchorPath configured error = nil, want error")
	}
}

type fakeAnchorBackend struct {
	writes map[string][]byte
}

func (f *fakeAnchorBackend) WriteAnchor(_ context.Context, name string, data []byte) error {
	if f.writes == nil {
		f.writes = make(map[string][]byte)
	}
	f.writes[name] = data
	return nil
}

func TestAnchor_UsesConfiguredBackendInsteadOfLocalFile(t *testing.T) {
	backend := &fakeAnchorBackend{}
	b, _ := newTestBuilder(t, Config{AnchorPath: "anchors/head", Backend: backend}, nil)

	if _, err := b.Anchor(); err != nil {
		t.Fatalf("Anchor() error = %v", err)
	}
	if _, ok := backend.writes["anchors/head"]; !ok {
		t.Errorf("expected the configured backend to receive a write for %q, got %v", "anchors/head", backend.writes)
	}
}

func TestRecord_AutoAnchorsEveryNRecords(t *testing.T) {
	anchorPath := filepath.Join(t.TempDir(), "anchor.json")
	b, _ := newTestBuilder(t, Config{AnchorPath: anchorPath, AnchorEveryN: 2}, nil)

	for i := 0; i < 2; i++ {
		if _, _, err := b.Record("capture.seal", "capture.segment", nil, nil, nil); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if b.anchorSeq != 1 {
		t.Errorf("anchorSeq = %d, want 1 after 2 records with AnchorEveryN=2", b.anchorSeq)
	}
}
