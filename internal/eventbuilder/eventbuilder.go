// Package eventbuilder assembles canonical event/ledger record pairs and
// periodically anchors the ledger head to an out-of-band attestation file,
// per spec.md §3/§4.5.
package eventbuilder

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/autocapture/engine/infrastructure/logging"
	"github.com/autocapture/engine/internal/canon"
	"github.com/autocapture/engine/internal/keyring"
	"github.com/autocapture/engine/internal/store"
)

// AnchorBackend durably stores a marshaled Anchor attestation. The
// default, used when Config.Backend is nil, writes it as a local file at
// AnchorPath; internal/anchorblob provides an off-device alternative.
type AnchorBackend interface {
	WriteAnchor(ctx context.Context, name string, data []byte) error
}

type localFileBackend struct{}

func (localFileBackend) WriteAnchor(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o700); err != nil {
		return fmt.Errorf("eventbuilder: create anchor dir: %w", err)
	}
	if err := store.WriteFileAtomic(name, data, 0o600); err != nil {
		return fmt.Errorf("eventbuilder: write anchor: %w", err)
	}
	return nil
}

// Config controls how often the ledger head is anchored.
type Config struct {
	// AnchorPath is the signed attestation's name: a local file path for
	// the default backend, or the blob name for an off-device one. It
	// must live outside data_dir to keep the integrity boundary clean
	// (spec.md §6).
	AnchorPath string
	// AnchorEveryN anchors after this many Record calls. Zero disables
	// periodic anchoring; callers may still invoke Anchor directly.
	AnchorEveryN int
	// Backend stores the anchor. Nil defaults to a local file at
	// AnchorPath.
	Backend AnchorBackend
}

// Anchor is the periodic external attestation of the ledger head (spec.md
// §3's Anchor entity).
type Anchor struct {
	Sequence   int64     `json:"sequence"`
	RunID      string    `json:"run_id"`
	LedgerHead string    `json:"ledger_head"`
	TSUTC      time.Time `json:"ts_utc"`
	Signature  string    `json:"signature"`
}

// Builder assembles journal events and ledger entries together: every
// domain operation that needs durable evidence goes through Record, which
// writes the ledger entry first (so its hash is known), then a journal
// event whose payload references that hash — the ledger is the hash-chained
// source of truth, the journal is the human-auditable narrative of how it
// got there.
type Builder struct {
	mu          sync.Mutex
	runID       string
	journal     *store.Journal
	ledger      *store.Ledger
	keyring     *keyring.Keyring
	logger      *logging.Logger
	cfg         Config
	sinceAnchor int
	anchorSeq   int64
}

// New constructs a Builder over an already-open journal and ledger. kr may
// be nil, in which case Anchor signatures are skipped (anchor file still
// written, with an empty signature) — callers operating without a keyring
// accept an unsigned anchor chain.
func New(runID string, journal *store.Journal, ledger *store.Ledger, kr *keyring.Keyring, cfg Config, logger *logging.Logger) *Builder {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Backend == nil {
		cfg.Backend = localFileBackend{}
	}
	return &Builder{
		runID:   runID,
		journal: journal,
		ledger:  ledger,
		keyring: kr,
		logger:  logger,
		cfg:     cfg,
	}
}

// Record writes a ledger entry binding inputs/outputs/payload to the
// current chain head, then a journal event of eventType carrying the
// ledger entry's hash and stage in its payload. It returns both records so
// callers can reference the ledger hash (e.g. as a future entry's input).
func (b *Builder) Record(stage, eventType string, inputs, outputs []string, payload map[string]interface{}) (store.LedgerEntry, store.JournalEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, err := b.ledger.Append(stage, inputs, outputs, payload)
	if err != nil {
		b.logger.LogStoreWrite(context.Background(), "ledger", stage, 0, err)
		return store.LedgerEntry{}, store.JournalEvent{}, fmt.Errorf("eventbuilder: append ledger entry: %w", err)
	}

	eventPayload := map[string]interface{}{
		"stage":       stage,
		"ledger_hash": entry.Hash,
	}
	for k, v := range payload {
		eventPayload[k] = v
	}

	event, err := b.journal.Append(eventType, eventPayload)
	if err != nil {
		b.logger.LogStoreWrite(context.Background(), "journal", eventType, 0, err)
		return entry, store.JournalEvent{}, fmt.Errorf("eventbuilder: append journal event: %w", err)
	}
	b.logger.LogStoreWrite(context.Background(), "journal", event.EventID, len(eventType), nil)

	b.sinceAnchor++
	if b.cfg.AnchorEveryN > 0 && b.sinceAnchor >= b.cfg.AnchorEveryN {
		b.sinceAnchor = 0
		if _, anchorErr := b.anchorLocked(); anchorErr != nil {
			b.logger.LogStoreWrite(context.Background(), "anchor", b.cfg.AnchorPath, 0, anchorErr)
		}
	}

	return entry, event, nil
}

// Anchor writes a fresh attestation of the current ledger head, signed
// with the keyring's ledger.anchor purpose key when a keyring is present.
func (b *Builder) Anchor() (Anchor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.anchorLocked()
}

func (b *Builder) anchorLocked() (Anchor, error) {
	if b.cfg.AnchorPath == "" {
		return Anchor{}, fmt.Errorf("eventbuilder: anchor path is not configured")
	}

	b.anchorSeq++
	a := Anchor{
		Sequence:   b.anchorSeq,
		RunID:      b.runID,
		LedgerHead: b.ledger.Head(),
		TSUTC:      time.Now().UTC(),
	}

	if b.keyring != nil {
		sig, err := b.keyring.DeriveHMAC(keyring.PurposeLedgerAnchor,
			[]byte(a.LedgerHead), []byte(b.runID), []byte(fmt.Sprintf("%d", a.Sequence)))
		if err != nil {
			return Anchor{}, fmt.Errorf("eventbuilder: sign anchor: %w", err)
		}
		a.Signature = hex.EncodeToString(sig)
	}

	data, err := canon.Marshal(a)
	if err != nil {
		return Anchor{}, fmt.Errorf("eventbuilder: encode anchor: %w", err)
	}
	if err := b.cfg.Backend.WriteAnchor(context.Background(), b.cfg.AnchorPath, data); err != nil {
		return Anchor{}, err
	}
	return a, nil
}
