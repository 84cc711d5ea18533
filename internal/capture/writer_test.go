package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/autocapture/engine/internal/eventbuilder"
	"github.com/autocapture/engine/internal/store"
)

func newTestWriter(t *testing.T) (*Writer, *store.MetadataStore, *store.Journal) {
	t.Helper()
	dir := t.TempDir()

	spoolDir := filepath.Join(dir, "spool")
	mediaDir := filepath.Join(dir, "media")

	journal, err := store.OpenJournal(filepath.Join(dir, "journal.ndjson"), store.FsyncNone, "run-test")
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	ledger, err := store.OpenLedger(filepath.Join(dir, "ledger.ndjson"), store.FsyncNone)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	builder := eventbuilder.New("run-test", journal, ledger, nil, eventbuilder.Config{}, nil)

	media := store.NewContentStore("media", mediaDir, nil, "")

	metaStore, err := store.OpenMetadataStore(context.Background(), filepath.Join(dir, "metadata.db"))
	if err != nil {
		t.Fatalf("OpenMetadataStore: %v", err)
	}
	t.Cleanup(func() { metaStore.Close() })

	w := NewWriter(NewSegmentQueue(1), spoolDir, media, metaStore, builder, nil, nil)
	return w, metaStore, journal
}

func TestWriter_SealWritesMediaMetadataAndLedger(t *testing.T) {
	w, metaStore, _ := newTestWriter(t)
	ctx := context.Background()

	art := SegmentArtifact{
		SegmentID:     "run-test/capture_segment/1",
		TSStartUTC:    time.Now().UTC(),
		TSEndUTC:      time.Now().UTC().Add(5 * time.Second),
		FrameCount:    3,
		Width:         100,
		Height:        100,
		ContainerType: "zip",
		Data:          []byte("fake segment bytes"),
	}

	if err := w.Seal(ctx, art); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	rec, err := metaStore.GetSegment(ctx, art.SegmentID)
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	if rec == nil {
		t.Fatal("GetSegment returned nil after Seal")
	}
	if !rec.Sealed {
		t.Error("segment record must be marked sealed after Seal")
	}
	if rec.ContentHash == "" {
		t.Error("segment record must carry a content_hash after Seal")
	}

	if _, err := os.Stat(filepath.Join(w.spoolDir, art.SegmentID+".tmp")); !os.IsNotExist(err) {
		t.Errorf("spool file should be removed after a successful Seal, stat err = %v", err)
	}

	ok, err := w.media.Exists(ctx, rec.ContentHash)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Error("sealed segment's content hash must exist in media store")
	}
}

func TestWriter_SealRecordsPartialFailureOnMediaError(t *testing.T) {
	w, _, journal := newTestWriter(t)
	// Point the media store at a path that cannot be created so the
	// media write step fails.
	badMedia := store.NewContentStore("media", "/dev/null/not-a-dir", nil, "")
	w.media = badMedia

	art := SegmentArtifact{SegmentID: "run-test/capture_segment/2", Data: []byte("x")}
	if err := w.Seal(context.Background(), art); err == nil {
		t.Fatal("expected Seal to fail when the media store cannot write")
	}

	events, err := journal.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	found := false
	for _, e := range events {
		if e.EventType == "capture.partial_failure" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a capture.partial_failure journal event after a failed media write")
	}
}
