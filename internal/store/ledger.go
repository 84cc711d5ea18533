package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	enginerrors "github.com/autocapture/engine/infrastructure/errors"
	"github.com/autocapture/engine/internal/canon"
)

// LedgerEntry is one hash-chained entry in ledger.ndjson (spec.md §4.5).
// Hash = SHA256(canonical JSON of the entry with the hash field omitted);
// PrevHash binds to the previous entry's Hash, forming the chain verified
// by the Testable Properties in spec.md §8.
type LedgerEntry struct {
	Stage    string                 `json:"stage"`
	Inputs   []string               `json:"inputs,omitempty"`
	Outputs  []string               `json:"outputs,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	TSUTC    time.Time              `json:"ts_utc"`
	PrevHash string                 `json:"prev_hash"`
	Hash     string                 `json:"hash"`
}

// Ledger is the append-only, hash-chained evidence ledger.
type Ledger struct {
	mu     sync.Mutex
	path   string
	policy FsyncPolicy
	head   string
}

// OpenLedger opens the ledger at path, seeding the in-memory chain head
// from the last entry on disk (or the empty genesis hash if the ledger is
// new).
func OpenLedger(path string, policy FsyncPolicy) (*Ledger, error) {
	l := &Ledger{path: path, policy: policy}

	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	if len(lines) > 0 {
		var last LedgerEntry
		if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
			return nil, enginerrors.Wrap(enginerrors.ErrCodeStorageCorrupt, "ledger tail entry is not valid JSON", enginerrors.ExitContractBroken, err).
				WithDetails("path", path)
		}
		l.head = last.Hash
	}
	return l, nil
}

// Head returns the current chain head hash (empty string for a fresh
// ledger with no entries yet).
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Append binds a new entry to the current chain head, computes its
// self-hash, writes it, and advances the head. Returns the sealed entry
// so the caller can reference its Hash (e.g. in a journal event).
func (l *Ledger) Append(stage string, inputs, outputs []string, payload map[string]interface{}) (LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LedgerEntry{
		Stage:    stage,
		Inputs:   inputs,
		Outputs:  outputs,
		Payload:  payload,
		TSUTC:    time.Now().UTC(),
		PrevHash: l.head,
	}

	hash, err := canon.HashRecord(entry, "hash")
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("ledger: hash entry: %w", err)
	}
	entry.Hash = hash

	line, err := canon.Marshal(entry)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("ledger: encode entry: %w", err)
	}

	if err := appendLines(l.path, l.policy, []string{string(line)}); err != nil {
		return LedgerEntry{}, err
	}

	l.head = entry.Hash
	return entry, nil
}

// ReadAll returns every ledger entry in append order.
func (l *Ledger) ReadAll() ([]LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lines, err := readLines(l.path)
	if err != nil {
		return nil, err
	}

	entries := make([]LedgerEntry, 0, len(lines))
	for _, line := range lines {
		var e LedgerEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("ledger: decode line: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// VerifyChain re-derives every entry's self-hash and checks prev_hash
// binding against the preceding entry, implementing spec.md §8's ledger
// invariant. It returns a HashChainBroken EngineError identifying the
// first broken link, or nil if the whole chain is intact.
func (l *Ledger) VerifyChain() error {
	entries, err := l.ReadAll()
	if err != nil {
		return err
	}

	prev := ""
	for i, entry := range entries {
		if entry.PrevHash != prev {
			return enginerrors.HashChainBroken(int64(i), prev, entry.PrevHash)
		}

		gotHash := entry.Hash
		wantHash, err := canon.HashRecord(entry, "hash")
		if err != nil {
			return fmt.Errorf("ledger: re-hash entry %d: %w", i, err)
		}
		if gotHash != wantHash {
			return enginerrors.StorageCorrupt("ledger", fmt.Sprintf("entry[%d]", i),
				fmt.Errorf("stored hash %q does not match recomputed hash %q", gotHash, wantHash))
		}

		prev = entry.Hash
	}
	return nil
}
