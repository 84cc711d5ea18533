package recovery

import (
	"context"
	"fmt"

	"github.com/autocapture/engine/internal/eventbuilder"
	"github.com/autocapture/engine/internal/store"
)

// Reconciliation is ReconcileSegments's outcome.
type Reconciliation struct {
	SealedCount           int
	RecoveredSegmentIDs   []string
	UnavailableSegmentIDs []string
}

// ReconcileSegments implements spec.md §4.6's segment reconciliation:
// every metadata segment not already sealed in the ledger (sealedIDs)
// either has its media blob and gets a synthesized, recovered:true
// segment.sealed pair, or is missing its media blob and gets an
// evidence.capture.unavailable record instead. A segment the ledger
// already shows sealed, but whose metadata row lags behind (the crash
// window between eventbuilder.Builder.Record and
// MetadataStore.SealSegment in the capture writer), is fixed up in
// metadata without emitting a duplicate ledger entry.
func ReconcileSegments(ctx context.Context, metaStore *store.MetadataStore, media *store.ContentStore, builder *eventbuilder.Builder, sealedIDs map[string]string) (Reconciliation, error) {
	recon := Reconciliation{SealedCount: len(sealedIDs)}

	unsealed, err := metaStore.UnsealedSegments(ctx)
	if err != nil {
		return recon, fmt.Errorf("recovery: list unsealed segments: %w", err)
	}

	for _, seg := range unsealed {
		if ledgerHash, ok := sealedIDs[seg.SegmentID]; ok {
			hash := ledgerHash
			if hash == "" {
				hash = seg.ContentHash
			}
			if err := metaStore.SealSegment(ctx, seg.SegmentID, hash); err != nil {
				return recon, fmt.Errorf("recovery: fix up sealed metadata for %s: %w", seg.SegmentID, err)
			}
			continue
		}

		if seg.ContentHash == "" {
			if err := recordUnavailable(builder, seg.SegmentID, "no_content_hash"); err != nil {
				return recon, err
			}
			recon.UnavailableSegmentIDs = append(recon.UnavailableSegmentIDs, seg.SegmentID)
			continue
		}

		exists, err := media.Exists(ctx, seg.ContentHash)
		if err != nil {
			return recon, fmt.Errorf("recovery: check media for %s: %w", seg.SegmentID, err)
		}
		if !exists {
			if err := recordUnavailable(builder, seg.SegmentID, "media_missing"); err != nil {
				return recon, err
			}
			recon.UnavailableSegmentIDs = append(recon.UnavailableSegmentIDs, seg.SegmentID)
			continue
		}

		if _, _, err := builder.Record("segment.sealed", "segment.sealed", []string{seg.SegmentID}, nil, map[string]interface{}{
			"event":        "segment.sealed",
			"segment_id":   seg.SegmentID,
			"content_hash": seg.ContentHash,
			"recovered":    true,
		}); err != nil {
			return recon, fmt.Errorf("recovery: synthesize seal entry for %s: %w", seg.SegmentID, err)
		}
		if err := metaStore.SealSegment(ctx, seg.SegmentID, seg.ContentHash); err != nil {
			return recon, fmt.Errorf("recovery: mark recovered segment sealed %s: %w", seg.SegmentID, err)
		}
		recon.RecoveredSegmentIDs = append(recon.RecoveredSegmentIDs, seg.SegmentID)
	}

	return recon, nil
}

func recordUnavailable(builder *eventbuilder.Builder, segmentID, reason string) error {
	_, _, err := builder.Record("evidence.capture.unavailable", "evidence.capture.unavailable", []string{segmentID}, nil, map[string]interface{}{
		"event":      "evidence.capture.unavailable",
		"segment_id": segmentID,
		"reason":     reason,
	})
	if err != nil {
		return fmt.Errorf("recovery: record evidence.capture.unavailable for %s: %w", segmentID, err)
	}
	return nil
}
