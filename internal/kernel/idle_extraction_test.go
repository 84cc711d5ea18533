package kernel

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/autocapture/engine/internal/config"
	"github.com/autocapture/engine/internal/governor"
	"github.com/autocapture/engine/internal/idlebatch"
	"github.com/autocapture/engine/internal/keyring"
	"github.com/autocapture/engine/internal/store"
	"github.com/autocapture/engine/internal/wsl2queue"
)

func newTestMetadataStore(t *testing.T) *store.MetadataStore {
	t.Helper()
	dir := t.TempDir()
	meta, err := store.OpenMetadataStore(context.Background(), filepath.Join(dir, "metadata.db"))
	if err != nil {
		t.Fatalf("OpenMetadataStore: %v", err)
	}
	t.Cleanup(func() { meta.Close() })
	return meta
}

func TestIdleExtractionProcessorReportsDoneWithNoBacklog(t *testing.T) {
	meta := newTestMetadataStore(t)
	gov := governor.New(governor.Config{WindowS: 60, WindowBudgetMs: 20000, PerJobMaxMs: 2000, MaxHeavyConcurrency: 1}, nil)
	runner := idlebatch.New(gov, nil, config.IdleBatchConfig{MaxLoops: 5, MaxConcurrencyCPU: 1, BatchPerWorker: 3}, nil)
	processor := newIdleExtractionProcessor(runner, meta, idlebatch.ManifestContext{RunID: "run-test", EffectiveConfig: map[string]interface{}{}}, nil)

	result, err := processor.ProcessStep(func() bool { return false }, 500)
	if err != nil {
		t.Fatalf("ProcessStep: %v", err)
	}
	if !result.Done {
		t.Fatalf("expected Done with an empty metadata store, got stats=%v", result.Stats)
	}
	if result.Stats["pending"] != 0 {
		t.Errorf("expected zero pending backlog, got %v", result.Stats["pending"])
	}
}

func TestIdleExtractionProcessorCountsSealedSegmentsMissingEvidence(t *testing.T) {
	meta := newTestMetadataStore(t)
	ctx := context.Background()

	if err := meta.UpsertSegment(ctx, store.SegmentRecord{SegmentID: "seg-1", Kind: "video", StartedAt: time.Now(), ContentHash: "h1"}); err != nil {
		t.Fatalf("UpsertSegment: %v", err)
	}
	if err := meta.SealSegment(ctx, "seg-1", "h1-sealed"); err != nil {
		t.Fatalf("SealSegment: %v", err)
	}

	gov := governor.New(governor.Config{WindowS: 60, WindowBudgetMs: 20000, PerJobMaxMs: 2000, MaxHeavyConcurrency: 1}, nil)
	runner := idlebatch.New(gov, nil, config.IdleBatchConfig{MaxLoops: 2, MaxConcurrencyCPU: 1, BatchPerWorker: 3}, nil)
	processor := newIdleExtractionProcessor(runner, meta, idlebatch.ManifestContext{RunID: "run-test", EffectiveConfig: map[string]interface{}{}}, nil)

	result, err := processor.ProcessStep(func() bool { return false }, 500)
	if err != nil {
		t.Fatalf("ProcessStep: %v", err)
	}
	if result.Done {
		t.Fatal("expected the sealed, un-extracted segment to count as pending backlog")
	}
	if result.Stats["pending"] != 1 {
		t.Errorf("expected pending=1, got %v", result.Stats["pending"])
	}
}

func TestIdleExtractionProcessorDispatchesBacklogToGPUQueue(t *testing.T) {
	meta := newTestMetadataStore(t)
	ctx := context.Background()
	if err := meta.UpsertSegment(ctx, store.SegmentRecord{SegmentID: "seg-1", Kind: "video", StartedAt: time.Now(), ContentHash: "h1"}); err != nil {
		t.Fatalf("UpsertSegment: %v", err)
	}
	if err := meta.SealSegment(ctx, "seg-1", "h1-sealed"); err != nil {
		t.Fatalf("SealSegment: %v", err)
	}

	kr, err := keyring.Open(t.TempDir())
	if err != nil {
		t.Fatalf("keyring.Open: %v", err)
	}
	queueDir := t.TempDir()
	gpuQueue, err := wsl2queue.Open(queueDir, wsl2queue.DefaultConfig(), kr)
	if err != nil {
		t.Fatalf("wsl2queue.Open: %v", err)
	}

	gov := governor.New(governor.Config{WindowS: 60, WindowBudgetMs: 20000, PerJobMaxMs: 2000, MaxHeavyConcurrency: 1}, nil)
	runner := idlebatch.New(gov, nil, config.IdleBatchConfig{MaxLoops: 1, MaxConcurrencyCPU: 1, BatchPerWorker: 3}, nil)
	processor := newIdleExtractionProcessor(runner, meta, idlebatch.ManifestContext{RunID: "run-test", EffectiveConfig: map[string]interface{}{}}, gpuQueue)

	if _, err := processor.ProcessStep(func() bool { return false }, 500); err != nil {
		t.Fatalf("ProcessStep: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(queueDir, "requests"))
	if err != nil {
		t.Fatalf("ReadDir requests: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected ProcessStep to have dispatched a job for the pending segment")
	}
}

func TestIdleExtractionProcessorAppliesGPUResponsesAsEvidence(t *testing.T) {
	meta := newTestMetadataStore(t)
	ctx := context.Background()
	if err := meta.UpsertSegment(ctx, store.SegmentRecord{SegmentID: "seg-2", Kind: "video", StartedAt: time.Now(), ContentHash: "h2"}); err != nil {
		t.Fatalf("UpsertSegment: %v", err)
	}
	if err := meta.SealSegment(ctx, "seg-2", "h2-sealed"); err != nil {
		t.Fatalf("SealSegment: %v", err)
	}

	kr, err := keyring.Open(t.TempDir())
	if err != nil {
		t.Fatalf("keyring.Open: %v", err)
	}
	queueDir := t.TempDir()
	gpuQueue, err := wsl2queue.Open(queueDir, wsl2queue.DefaultConfig(), kr)
	if err != nil {
		t.Fatalf("wsl2queue.Open: %v", err)
	}

	dispatchResult, err := gpuQueue.Dispatch(wsl2queue.DispatchRequest{
		JobName:         gpuExtractionJobName,
		RunID:           "run-test",
		Payload:         []byte(`{"segment_ids":["seg-2"]}`),
		ProtocolVersion: wsl2queue.CurrentProtocolVersion,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Simulate the WSL2 worker dropping a response file; this engine
	// never runs that worker itself, so the test plays its part directly.
	responseBody, err := json.Marshal(struct {
		Status string `json:"status"`
		gpuExtractionResult
	}{
		Status: "ok",
		gpuExtractionResult: gpuExtractionResult{
			SegmentID:   "seg-2",
			Kind:        "ocr_text",
			ContentHash: "result-hash",
			Extractor:   "test-extractor",
		},
	})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	responsePath := filepath.Join(queueDir, "responses", dispatchResult.JobID+".json")
	if err := os.WriteFile(responsePath, responseBody, 0o644); err != nil {
		t.Fatalf("write response file: %v", err)
	}

	gov := governor.New(governor.Config{WindowS: 60, WindowBudgetMs: 20000, PerJobMaxMs: 2000, MaxHeavyConcurrency: 1}, nil)
	runner := idlebatch.New(gov, nil, config.IdleBatchConfig{MaxLoops: 1, MaxConcurrencyCPU: 1, BatchPerWorker: 3}, nil)
	processor := newIdleExtractionProcessor(runner, meta, idlebatch.ManifestContext{RunID: "run-test", EffectiveConfig: map[string]interface{}{}}, gpuQueue)

	if _, err := processor.ProcessStep(func() bool { return false }, 500); err != nil {
		t.Fatalf("ProcessStep: %v", err)
	}

	evidence, err := meta.EvidenceBySegment(ctx, "seg-2")
	if err != nil {
		t.Fatalf("EvidenceBySegment: %v", err)
	}
	if len(evidence) != 1 {
		t.Fatalf("expected one evidence record applied from the GPU response, got %d", len(evidence))
	}
	if evidence[0].Extractor != "test-extractor" {
		t.Errorf("expected extractor %q, got %q", "test-extractor", evidence[0].Extractor)
	}
}
