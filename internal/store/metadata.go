package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	platformdb "github.com/autocapture/engine/internal/platform/database"
	"github.com/autocapture/engine/internal/platform/migrations"
)

// SegmentRecord projects a capture segment's metadata row (spec.md §3's
// Evidence.capture.segment).
type SegmentRecord struct {
	SegmentID   string     `db:"segment_id"`
	Kind        string     `db:"kind"`
	StartedAt   time.Time  `db:"started_at"`
	EndedAt     *time.Time `db:"ended_at"`
	ContentHash string     `db:"content_hash"`
	AppName     string     `db:"app_name"`
	WindowTitle string     `db:"window_title"`
	MonitorID   string     `db:"monitor_id"`
	Sealed      bool       `db:"sealed"`
	Redacted    bool       `db:"redacted"`
}

// EvidenceRecord projects a Derived.text.* (or other derived evidence)
// metadata row.
type EvidenceRecord struct {
	RecordID    string    `db:"record_id"`
	SegmentID   string    `db:"segment_id"`
	Kind        string    `db:"kind"`
	CreatedAt   time.Time `db:"created_at"`
	ContentHash string    `db:"content_hash"`
	Extractor   string    `db:"extractor"`
}

// IndexManifestRecord projects an index manifest row (spec.md §4.8).
type IndexManifestRecord struct {
	IndexName string    `db:"index_name"`
	Version   int64     `db:"version"`
	Digest    string    `db:"digest"`
	UpdatedAt time.Time `db:"updated_at"`
}

// MetadataStore is the queryable SQLite projection of the journal/ledger.
// It is a rebuildable cache, never the source of truth: the integrity
// sweep (internal/recovery) can always repopulate it from the journal and
// ledger.
type MetadataStore struct {
	db *sqlx.DB
}

// OpenMetadataStore opens (creating if necessary) the metadata SQLite
// database at path and applies every embedded migration.
func OpenMetadataStore(ctx context.Context, path string) (*MetadataStore, error) {
	raw, err := platformdb.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Apply(ctx, raw); err != nil {
		raw.Close()
		return nil, fmt.Errorf("metadata store: apply migrations: %w", err)
	}
	return &MetadataStore{db: sqlx.NewDb(raw, "sqlite")}, nil
}

// Close releases the underlying database connection.
func (m *MetadataStore) Close() error { return m.db.Close() }

// UpsertSegment inserts or replaces a segment row by SegmentID.
func (m *MetadataStore) UpsertSegment(ctx context.Context, s SegmentRecord) error {
	_, err := m.db.NamedExecContext(ctx, `
		INSERT INTO segments (segment_id, kind, started_at, ended_at, content_hash, app_name, window_title, monitor_id, sealed, redacted)
		VALUES (:segment_id, :kind, :started_at, :ended_at, :content_hash, :app_name, :window_title, :monitor_id, :sealed, :redacted)
		ON CONFLICT(segment_id) DO UPDATE SET
			kind=excluded.kind, ended_at=excluded.ended_at, content_hash=excluded.content_hash,
			app_name=excluded.app_name, window_title=excluded.window_title, monitor_id=excluded.monitor_id,
			sealed=excluded.sealed, redacted=excluded.redacted
	`, s)
	if err != nil {
		return fmt.Errorf("metadata store: upsert segment %s: %w", s.SegmentID, err)
	}
	return nil
}

// SealSegment marks a segment sealed with its final content hash, per the
// capture pipeline's sealing contract (spec.md §4.4 step 2).
func (m *MetadataStore) SealSegment(ctx context.Context, segmentID, contentHash string) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE segments SET sealed = 1, content_hash = ? WHERE segment_id = ?`,
		contentHash, segmentID)
	if err != nil {
		return fmt.Errorf("metadata store: seal segment %s: %w", segmentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("metadata store: seal segment %s: no such segment", segmentID)
	}
	return nil
}

// UnsealedSegments returns every segment not yet marked sealed, used by
// the Recovery & Integrity Sweep (spec.md §4.6).
func (m *MetadataStore) UnsealedSegments(ctx context.Context) ([]SegmentRecord, error) {
	var out []SegmentRecord
	if err := m.db.SelectContext(ctx, &out, `SELECT * FROM segments WHERE sealed = 0`); err != nil {
		return nil, fmt.Errorf("metadata store: list unsealed segments: %w", err)
	}
	return out, nil
}

// SealedSegments returns every segment marked sealed, used by the
// Recovery & Integrity Sweep's content-hash verification pass (spec.md
// §4.6/§8).
func (m *MetadataStore) SealedSegments(ctx context.Context) ([]SegmentRecord, error) {
	var out []SegmentRecord
	if err := m.db.SelectContext(ctx, &out, `SELECT * FROM segments WHERE sealed = 1`); err != nil {
		return nil, fmt.Errorf("metadata store: list sealed segments: %w", err)
	}
	return out, nil
}

// ExpiredSealedSegments returns every sealed segment whose StartedAt is
// before cutoff, the candidate set for the storage retention sweep (spec.md
// §4.3's `storage.retention` job; segment lifecycle is "deletable only by
// explicit retention sweep, logged").
func (m *MetadataStore) ExpiredSealedSegments(ctx context.Context, cutoff time.Time) ([]SegmentRecord, error) {
	var out []SegmentRecord
	if err := m.db.SelectContext(ctx, &out,
		`SELECT * FROM segments WHERE sealed = 1 AND started_at < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("metadata store: list expired segments: %w", err)
	}
	return out, nil
}

// DeleteSegment removes a segment's metadata row. Callers are responsible
// for removing its media blob first via the content store.
func (m *MetadataStore) DeleteSegment(ctx context.Context, segmentID string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM segments WHERE segment_id = ?`, segmentID); err != nil {
		return fmt.Errorf("metadata store: delete segment %s: %w", segmentID, err)
	}
	return nil
}

// GetSegment fetches one segment by ID.
func (m *MetadataStore) GetSegment(ctx context.Context, segmentID string) (*SegmentRecord, error) {
	var rec SegmentRecord
	err := m.db.GetContext(ctx, &rec, `SELECT * FROM segments WHERE segment_id = ?`, segmentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata store: get segment %s: %w", segmentID, err)
	}
	return &rec, nil
}

// InsertEvidenceRecord inserts a derived-evidence metadata row.
func (m *MetadataStore) InsertEvidenceRecord(ctx context.Context, e EvidenceRecord) error {
	_, err := m.db.NamedExecContext(ctx, `
		INSERT INTO evidence_records (record_id, segment_id, kind, created_at, content_hash, extractor)
		VALUES (:record_id, :segment_id, :kind, :created_at, :content_hash, :extractor)
		ON CONFLICT(record_id) DO NOTHING
	`, e)
	if err != nil {
		return fmt.Errorf("metadata store: insert evidence record %s: %w", e.RecordID, err)
	}
	return nil
}

// EvidenceBySegment returns every derived-evidence row for a segment.
func (m *MetadataStore) EvidenceBySegment(ctx context.Context, segmentID string) ([]EvidenceRecord, error) {
	var out []EvidenceRecord
	if err := m.db.SelectContext(ctx, &out, `SELECT * FROM evidence_records WHERE segment_id = ?`, segmentID); err != nil {
		return nil, fmt.Errorf("metadata store: list evidence for segment %s: %w", segmentID, err)
	}
	return out, nil
}

// UpsertLedgerHead records the current ledger head hash and sequence
// number under ledgerName, so a restart can sanity-check the in-memory
// chain head it rebuilds from ledger.ndjson against the last persisted
// value.
func (m *MetadataStore) UpsertLedgerHead(ctx context.Context, ledgerName, headHash string, sequence int64) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO ledger_heads (ledger_name, head_hash, sequence, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ledger_name) DO UPDATE SET head_hash=excluded.head_hash, sequence=excluded.sequence, updated_at=excluded.updated_at
	`, ledgerName, headHash, sequence, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("metadata store: upsert ledger head %s: %w", ledgerName, err)
	}
	return nil
}

// UpsertIndexManifest records an index's manifest row, used by readers
// that cache by (path, version, digest) per spec.md §4.8.
func (m *MetadataStore) UpsertIndexManifest(ctx context.Context, rec IndexManifestRecord) error {
	_, err := m.db.NamedExecContext(ctx, `
		INSERT INTO index_manifests (index_name, version, digest, updated_at)
		VALUES (:index_name, :version, :digest, :updated_at)
		ON CONFLICT(index_name) DO UPDATE SET version=excluded.version, digest=excluded.digest, updated_at=excluded.updated_at
	`, rec)
	if err != nil {
		return fmt.Errorf("metadata store: upsert index manifest %s: %w", rec.IndexName, err)
	}
	return nil
}

// GetIndexManifest fetches an index's manifest row, or nil if it has never
// been written.
func (m *MetadataStore) GetIndexManifest(ctx context.Context, indexName string) (*IndexManifestRecord, error) {
	var rec IndexManifestRecord
	err := m.db.GetContext(ctx, &rec, `SELECT * FROM index_manifests WHERE index_name = ?`, indexName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata store: get index manifest %s: %w", indexName, err)
	}
	return &rec, nil
}

// InsertPluginExecAudit records one capability invocation outcome (spec.md
// §4.7's plugin_exec_audit row).
func (m *MetadataStore) InsertPluginExecAudit(ctx context.Context, pluginID, capability, method string, ok bool, tsUTC time.Time) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO plugin_exec_audit (plugin_id, capability, method, ok, ts_utc)
		VALUES (?, ?, ?, ?, ?)
	`, pluginID, capability, method, ok, tsUTC)
	if err != nil {
		return fmt.Errorf("metadata store: insert plugin exec audit %s/%s: %w", pluginID, capability, err)
	}
	return nil
}

// UpsertPluginState records a plugin's enabled flag and verified lock
// hashes (spec.md §4.7).
func (m *MetadataStore) UpsertPluginState(ctx context.Context, pluginID, manifestSHA256, artifactSHA256 string, enabled bool, lastError string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO plugin_state (plugin_id, manifest_sha256, artifact_sha256, enabled, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(plugin_id) DO UPDATE SET
			manifest_sha256=excluded.manifest_sha256, artifact_sha256=excluded.artifact_sha256,
			enabled=excluded.enabled, last_error=excluded.last_error, updated_at=excluded.updated_at
	`, pluginID, manifestSHA256, artifactSHA256, enabled, lastError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("metadata store: upsert plugin state %s: %w", pluginID, err)
	}
	return nil
}
