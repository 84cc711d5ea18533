package conductor

import (
	"path/filepath"
	"testing"

	"github.com/autocapture/engine/internal/capture/pressure"
	"github.com/autocapture/engine/internal/config"
	"github.com/autocapture/engine/internal/eventbuilder"
	"github.com/autocapture/engine/internal/governor"
	"github.com/autocapture/engine/internal/scheduler"
	"github.com/autocapture/engine/internal/store"
	"github.com/autocapture/engine/internal/telemetry"
)

type fakeCapturePipeline struct {
	observed     []pressure.Level
	hardStop     bool
	stopped      int
	frameDepth   int
	segmentDepth int
}

func (f *fakeCapturePipeline) ObservePressure(level pressure.Level) { f.observed = append(f.observed, level) }
func (f *fakeCapturePipeline) HardStopRequested() bool              { return f.hardStop }
func (f *fakeCapturePipeline) FrameQueueDepth() int                 { return f.frameDepth }
func (f *fakeCapturePipeline) SegmentQueueDepth() int                { return f.segmentDepth }
func (f *fakeCapturePipeline) Stop()                                { f.stopped++ }

func newConductorWithCapture(t *testing.T, pipeline CapturePipeline) (*Conductor, *telemetry.Store) {
	t.Helper()
	dir := t.TempDir()

	journal, err := store.OpenJournal(filepath.Join(dir, "journal.ndjson"), store.FsyncNone, "run-test")
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	ledger, err := store.OpenLedger(filepath.Join(dir, "ledger.ndjson"), store.FsyncNone)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	builder := eventbuilder.New("run-test", journal, ledger, nil, eventbuilder.Config{}, nil)
	gov := governor.New(governor.Config{WindowS: 60, WindowBudgetMs: 20000, PerJobMaxMs: 2000, MaxHeavyConcurrency: 4}, nil)
	sched := scheduler.New(gov, nil, nil, nil)
	tel := telemetry.NewStore(16)

	c := New(config.ConductorConfig{}, config.GovernorConfig{}, Deps{
		Governor:        gov,
		Scheduler:       sched,
		CapturePipeline: pipeline,
		Telemetry:       tel,
		Builder:         builder,
		RunID:           "run-test",
	})
	return c, tel
}

func TestApplyCapturePressureForwardsLevelAndPublishesTelemetry(t *testing.T) {
	pipeline := &fakeCapturePipeline{frameDepth: 3, segmentDepth: 1}
	c, tel := newConductorWithCapture(t, pipeline)

	c.applyCapturePressure(pressure.Sample{Level: pressure.LevelWarn, FreeGB: 150})

	if len(pipeline.observed) != 1 || pipeline.observed[0] != pressure.LevelWarn {
		t.Fatalf("expected ObservePressure(LevelWarn) once, got %v", pipeline.observed)
	}
	sample, ok := tel.Latest("capture.pipeline")
	if !ok {
		t.Fatal("expected a capture.pipeline telemetry sample")
	}
	if sample.Payload["queue_depth_p95"] != float64(3) {
		t.Errorf("queue_depth_p95 = %v, want 3", sample.Payload["queue_depth_p95"])
	}
	if pipeline.stopped != 0 {
		t.Errorf("expected no Stop() call below a hard-stop verdict, got %d", pipeline.stopped)
	}
}

func TestApplyCapturePressureStopsPipelineOnceOnHardStop(t *testing.T) {
	pipeline := &fakeCapturePipeline{hardStop: true}
	c, _ := newConductorWithCapture(t, pipeline)

	c.applyCapturePressure(pressure.Sample{Level: pressure.LevelCritical, FreeGB: 10})
	c.applyCapturePressure(pressure.Sample{Level: pressure.LevelCritical, FreeGB: 10})

	if pipeline.stopped != 1 {
		t.Errorf("expected Stop() exactly once across repeated hard-stop ticks, got %d", pipeline.stopped)
	}
}

func TestApplyCapturePressureNoopsWithoutAPipeline(t *testing.T) {
	c, _ := newConductorWithCapture(t, nil)
	c.applyCapturePressure(pressure.Sample{Level: pressure.LevelCritical})
}
