package store

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	enginerrors "github.com/autocapture/engine/infrastructure/errors"
	"github.com/autocapture/engine/internal/canon"
)

func TestLedger_AppendChainsAndHeadAdvances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.ndjson")
	l, err := OpenLedger(path, FsyncBatch)
	if err != nil {
		t.Fatalf("OpenLedger() error = %v", err)
	}
	if l.Head() != "" {
		t.Errorf("Head() on fresh ledger = %q, want empty", l.Head())
	}

	e1, err := l.Append("capture.seal", []string{"segment/0"}, []string{"evidence/0"}, nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if e1.PrevHash != "" {
		t.Errorf("first entry PrevHash = %q, want empty", e1.PrevHash)
	}
	if e1.Hash == "" {
		t.Error("first entry Hash is empty")
	}
	if l.Head() != e1.Hash {
		t.Errorf("Head() = %q, want %q", l.Head(), e1.Hash)
	}

	e2, err := l.Append("index.update", []string{"evidence/0"}, nil, map[string]interface{}{"index": "fts"})
	if err != nil {
		t.Fatalf("second Append() error = %v", err)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("second entry PrevHash = %q, want %q", e2.PrevHash, e1.Hash)
	}
	if l.Head() != e2.Hash {
		t.Errorf("Head() = %q, want %q", l.Head(), e2.Hash)
	}
}

func TestLedger_VerifyChainPassesForIntactChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.ndjson")
	l, err := OpenLedger(path, FsyncBatch)
	if err != nil {
		t.Fatalf("OpenLedger() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := l.Append("capture.seal", nil, nil, map[string]interface{}{"i": i}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := l.VerifyChain(); err != nil {
		t.Errorf("VerifyChain() error = %v, want nil", err)
	}
}

func TestLedger_VerifyChainDetectsTamperedPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.ndjson")
	l, err := OpenLedger(path, FsyncBatch)
	if err != nil {
		t.Fatalf("OpenLedger() error = %v", err)
	}
	if _, err := l.Append("capture.seal", nil, nil, map[string]interface{}{"i": 0}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := l.Append("capture.seal", nil, nil, map[string]interface{}{"i": 1}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	entries, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	entries[0].Payload["i"] = 999 // tamper without recomputing hash

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		b, encErr := canon.Marshal(e)
		if encErr != nil {
			t.Fatalf("marshal entry: %v", encErr)
		}
		lines = append(lines, string(b))
	}
	if err := WriteFileAtomic(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("rewrite ledger file: %v", err)
	}

	reopened, err := OpenLedger(path, FsyncBatch)
	if err != nil {
		t.Fatalf("reopen OpenLedger() error = %v", err)
	}
	err = reopened.VerifyChain()
	if err == nil {
		t.Fatal("VerifyChain() = nil, want error for tampered payload")
	}
	var engErr *enginerrors.EngineError
	if !errors.As(err, &engErr) {
		t.Errorf("VerifyChain() error is not an EngineError: %v", err)
	}
}

func TestLedger_ReopenSeedsHeadFromLastEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.ndjson")
	l1, err := OpenLedger(path, FsyncBatch)
	if err != nil {
		t.Fatalf("OpenLedger() error = %v", err)
	}
	entry, err := l1.Append("capture.seal", nil, nil, nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	l2, err := OpenLedger(path, FsyncBatch)
	if err != nil {
		t.Fatalf("reopen OpenLedger() error = %v", err)
	}
	if l2.Head() != entry.Hash {
		t.Errorf("reopened Head() = %q, want %q", l2.Head(), entry.Hash)
	}
}
