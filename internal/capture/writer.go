package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	enginerrors "github.com/autocapture/engine/infrastructure/errors"
	"github.com/autocapture/engine/infrastructure/hotlog"
	"github.com/autocapture/engine/infrastructure/metrics"
	"github.com/autocapture/engine/internal/eventbuilder"
	"github.com/autocapture/engine/internal/store"
)

// Writer is the pipeline's third stage: it drains the segment queue and
// seals each artifact per spec.md §4.4's sealing contract.
type Writer struct {
	in        *SegmentQueue
	spoolDir  string
	media     *store.ContentStore
	metaStore *store.MetadataStore
	builder   *eventbuilder.Builder
	metrics   *metrics.Metrics
	hot       *hotlog.Logger
}

// NewWriter builds a Writer. metrics/hot may be nil in tests.
func NewWriter(in *SegmentQueue, spoolDir string, media *store.ContentStore, metaStore *store.MetadataStore, builder *eventbuilder.Builder, m *metrics.Metrics, hot *hotlog.Logger) *Writer {
	return &Writer{in: in, spoolDir: spoolDir, media: media, metaStore: metaStore, builder: builder, metrics: m, hot: hot}
}

// Run drains the segment queue until it is closed, sealing each artifact
// in turn. A sealing failure is recorded as a capture.partial_failure
// event rather than aborting the stage, so one bad segment does not stop
// the write stage from draining the rest.
func (w *Writer) Run(ctx context.Context) {
	for {
		art, ok := w.in.Pop()
		if !ok {
			return
		}
		if err := w.Seal(ctx, art); err != nil {
			if w.hot != nil {
				w.hot.Error("write", err)
			}
		}
	}
}

// Seal implements spec.md §4.4's six-step sealing contract:
//  1. Hash the segment file as it is streamed into media storage.
//  2. Write metadata record with content_hash.
//  3. Append capture.segment journal event.
//  4. Append capture.segment ledger entry.
//  5. Append segment.seal ledger entry.
//  6. Remove the temporary spool file.
//
// Steps 3 and 4 happen together inside one eventbuilder.Builder.Record
// call, which always writes the ledger entry first then the journal
// event referencing its hash (see internal/eventbuilder). On any failure
// in steps 1-5, a capture.partial_failure event/entry is written instead
// and the spool file is left in place for internal/recovery to archive.
func (w *Writer) Seal(ctx context.Context, art SegmentArtifact) error {
	spoolPath := filepath.Join(w.spoolDir, art.SegmentID+".tmp")

	contentHash, err := w.spoolAndHash(spoolPath, art.Data)
	if err != nil {
		w.recordPartialFailure(art, "spool_write", err)
		return fmt.Errorf("capture: spool segment %s: %w", art.SegmentID, err)
	}

	if _, err := w.media.Store(ctx, art.Data); err != nil {
		w.recordPartialFailure(art, "media_write", err)
		return enginerrors.StorageWrite("media", err)
	}

	if err := w.metaStore.UpsertSegment(ctx, store.SegmentRecord{
		SegmentID:   art.SegmentID,
		Kind:        "capture.segment",
		StartedAt:   art.TSStartUTC,
		EndedAt:     &art.TSEndUTC,
		ContentHash: contentHash,
		AppName:     art.WindowRef,
		WindowTitle: art.WindowRef,
		Sealed:      false,
	}); err != nil {
		w.recordPartialFailure(art, "metadata_write", err)
		return enginerrors.StorageWrite("metadata", err)
	}

	segmentPayload := map[string]interface{}{
		"segment_id":     art.SegmentID,
		"ts_start_utc":   art.TSStartUTC,
		"ts_end_utc":     art.TSEndUTC,
		"frame_count":    art.FrameCount,
		"width":          art.Width,
		"height":         art.Height,
		"container_type": art.ContainerType,
		"fps_target":     art.FPSTarget,
		"fps_effective":  art.FPSEffective,
		"bitrate_kbps":   art.BitrateKbps,
		"encoder":        art.Encoder,
		"content_hash":   contentHash,
		"drops": map[string]interface{}{
			"frames":          art.Drops.Frames,
			"queue_depth_max": art.Drops.QueueDepthMax,
			"policy":          art.Drops.Policy,
		},
		"encode_ms_total": art.EncodeMsTotal,
		"encode_ms_max":   art.EncodeMsMax,
	}

	if _, _, err := w.builder.Record("capture.segment", "capture.segment", nil, []string{art.SegmentID}, segmentPayload); err != nil {
		w.recordPartialFailure(art, "journal_ledger", err)
		return fmt.Errorf("capture: record segment %s: %w", art.SegmentID, err)
	}

	if _, _, err := w.builder.Record("segment.sealed", "segment.sealed", []string{art.SegmentID}, nil, map[string]interface{}{
		"event":        "segment.sealed",
		"segment_id":   art.SegmentID,
		"content_hash": contentHash,
	}); err != nil {
		w.recordPartialFailure(art, "seal_entry", err)
		return fmt.Errorf("capture: seal entry %s: %w", art.SegmentID, err)
	}

	if err := w.metaStore.SealSegment(ctx, art.SegmentID, contentHash); err != nil {
		return fmt.Errorf("capture: mark sealed %s: %w", art.SegmentID, err)
	}

	if err := os.Remove(spoolPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("capture: remove spool %s: %w", spoolPath, err)
	}

	if w.metrics != nil {
		w.metrics.SegmentsSealedTotal.Inc()
	}
	if w.hot != nil {
		w.hot.Segment("sealed", art.SegmentID, art.FrameCount, time.Duration(art.EncodeMsTotal)*time.Millisecond)
	}
	return nil
}

// spoolAndHash streams data through a SpoolWriter, hashing it
// incrementally as spec.md §4.4 step 1 requires, and returns the digest.
func (w *Writer) spoolAndHash(spoolPath string, data []byte) (string, error) {
	sw, err := store.NewSpoolWriter(spoolPath)
	if err != nil {
		return "", err
	}
	if _, err := sw.Write(data); err != nil {
		sw.Close()
		return "", err
	}
	if err := sw.Close(); err != nil {
		return "", err
	}
	return sw.Sum(), nil
}

func (w *Writer) recordPartialFailure(art SegmentArtifact, step string, cause error) {
	_, _, _ = w.builder.Record("capture.partial_failure", "capture.partial_failure", nil, nil, map[string]interface{}{
		"segment_id": art.SegmentID,
		"step":       step,
		"error":      cause.Error(),
	})
}
