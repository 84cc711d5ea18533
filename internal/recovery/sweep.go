package recovery

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/autocapture/engine/internal/eventbuilder"
	"github.com/autocapture/engine/internal/store"
)

// SweepConfig wires Sweep to one run's storage roots and durability
// objects.
type SweepConfig struct {
	DataDir      string
	StorageRoots []string // directories to scan for orphaned *.tmp spool files
	LedgerPath   string
	MetaStore    *store.MetadataStore
	Media        *store.ContentStore
	Builder      *eventbuilder.Builder
	PrevRunState *store.RunState
	CrashLoop    CrashLoopConfig
}

// Summary is Sweep's outcome, and the basis of the storage.recovery
// journal+ledger event it emits.
type Summary struct {
	ArchivedTmpCount       int
	ArchivedTmpDir         string
	SealedCount            int
	RecoveredSegmentIDs    []string
	MissingMediaSegmentIDs []string
	CrashDetected          bool
	CrashCountInWindow     int
	SafeModeForced         bool
	IntegrityMismatches    []IntegrityMismatch
}

const sampleLimit = 10

// Sweep runs the full boot-time recovery & integrity sweep (spec.md
// §4.6): archive orphaned .tmp spool files, reconcile unsealed segments
// against the ledger and media store, detect a prior crash, evaluate the
// crash-loop window, verify sealed-segment integrity, and emit one
// storage.recovery summary event.
func Sweep(ctx context.Context, cfg SweepConfig) (Summary, error) {
	var summary Summary

	archived, err := ArchiveTmpFiles(cfg.StorageRoots, filepath.Join(cfg.DataDir, "recovery", "archived_tmp"))
	if err != nil {
		return summary, fmt.Errorf("recovery: archive tmp files: %w", err)
	}
	summary.ArchivedTmpCount = archived.Count
	summary.ArchivedTmpDir = archived.Dir

	sealedIDs, err := scanSealedSegments(cfg.LedgerPath)
	if err != nil {
		return summary, fmt.Errorf("recovery: scan sealed segments: %w", err)
	}

	recon, err := ReconcileSegments(ctx, cfg.MetaStore, cfg.Media, cfg.Builder, sealedIDs)
	if err != nil {
		return summary, fmt.Errorf("recovery: reconcile segments: %w", err)
	}
	summary.SealedCount = recon.SealedCount
	summary.RecoveredSegmentIDs = recon.RecoveredSegmentIDs
	summary.MissingMediaSegmentIDs = recon.UnavailableSegmentIDs

	crashDetected, err := DetectCrash(cfg.PrevRunState, cfg.Builder)
	if err != nil {
		return summary, fmt.Errorf("recovery: detect crash: %w", err)
	}
	summary.CrashDetected = crashDetected

	forced, count, err := EvaluateCrashLoop(cfg.LedgerPath, cfg.CrashLoop, time.Now().UTC())
	if err != nil {
		return summary, fmt.Errorf("recovery: evaluate crash loop: %w", err)
	}
	summary.CrashCountInWindow = count
	if forced {
		if err := ForceSafeMode(cfg.Builder, count); err != nil {
			return summary, err
		}
		summary.SafeModeForced = true
	}

	report, err := VerifyIntegrity(ctx, cfg.MetaStore, cfg.Media, sealedIDs)
	if err != nil {
		return summary, fmt.Errorf("recovery: verify integrity: %w", err)
	}
	summary.IntegrityMismatches = report.Mismatches

	payload := map[string]interface{}{
		"event":               "storage.recovery",
		"archived_tmp_count":  summary.ArchivedTmpCount,
		"sealed_count":        summary.SealedCount,
		"missing_media_count": len(summary.MissingMediaSegmentIDs),
	}
	if len(summary.RecoveredSegmentIDs) > 0 {
		payload["recovered_segment_ids_sample"] = sample(summary.RecoveredSegmentIDs)
	}
	if len(summary.MissingMediaSegmentIDs) > 0 {
		payload["missing_media_ids_sample"] = sample(summary.MissingMediaSegmentIDs)
	}
	if _, _, err := cfg.Builder.Record("storage.recovery", "storage.recovery", nil, nil, payload); err != nil {
		return summary, fmt.Errorf("recovery: record storage.recovery summary: %w", err)
	}

	return summary, nil
}

func sample(ids []string) []string {
	if len(ids) <= sampleLimit {
		return ids
	}
	return ids[:sampleLimit]
}
