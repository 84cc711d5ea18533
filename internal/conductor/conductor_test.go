package conductor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/autocapture/engine/internal/config"
	"github.com/autocapture/engine/internal/eventbuilder"
	"github.com/autocapture/engine/internal/governor"
	"github.com/autocapture/engine/internal/scheduler"
	"github.com/autocapture/engine/internal/store"
	"github.com/autocapture/engine/internal/telemetry"
)

type fixedActivity struct {
	idleSeconds float64
	userActive  bool
}

func (f fixedActivity) Signal() ActivitySignal {
	return ActivitySignal{IdleSeconds: f.idleSeconds, UserActive: f.userActive}
}

type fixedResources struct{ snapshot ResourceSnapshot }

func (f fixedResources) Sample() ResourceSnapshot { return f.snapshot }

type fixedFullscreen struct{ fullscreen bool }

func (f fixedFullscreen) Check() FullscreenSignal {
	return FullscreenSignal{Enabled: true, Fullscreen: f.fullscreen, Reason: "test"}
}

type fakeIdleProcessor struct {
	calls     int
	remaining int
}

func (f *fakeIdleProcessor) ProcessStep(shouldAbort func() bool, budgetMs int64) (IdleStepResult, error) {
	f.calls++
	f.remaining--
	return IdleStepResult{Done: f.remaining <= 0, Stats: map[string]interface{}{"processed": 1, "errors": 0}}, nil
}

func newTestConductor(t *testing.T, cfg config.ConductorConfig, activity ActivityTracker, idle IdleProcessor) (*Conductor, *store.Journal) {
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

	govCfg := config.GovernorConfig{IdleWindowS: 1, SuspendWorkers: true, AllowQueryHeavy: true}

	c := New(cfg, govCfg, Deps{
		Governor:   gov,
		Scheduler:  sched,
		Activity:   activity,
		Resources:  fixedResources{},
		Fullscreen: fixedFullscreen{},
		IdleProcessor: idle,
		Telemetry:  telemetry.NewStore(16),
		Builder:    builder,
		RunID:      "run-test",
	})
	return c, journal
}

func TestRunOnceSchedulesAndDrainsIdleExtractWhenIdle(t *testing.T) {
	cfg := config.ConductorConfig{
		LoopSleepMs: 10, IdleExtractEnabled: true, FullscreenEnabled: true,
		WatchdogEnabled: true, WatchdogStallSeconds: 300, TelemetryEnabled: true, TelemetryIntervalS: 0.01,
	}
	idle := &fakeIdleProcessor{remaining: 2}
	c, _ := newTestConductor(t, cfg, fixedActivity{idleSeconds: 999, userActive: false}, idle)

	result := c.RunOnce(false)
	if result.Stats.Mode != governor.ModeIdleDrain {
		t.Fatalf("expected IDLE_DRAIN on first tick, got %s (%s)", result.Stats.Mode, result.Stats.Reason)
	}
	if idle.calls == 0 {
		t.Fatal("expected idle.extract to have been stepped at least once")
	}

	// Drain until the idle processor reports done.
	for i := 0; i < 10 && idle.remaining > 0; i++ {
		c.RunOnce(false)
	}
	if idle.remaining > 0 {
		t.Fatalf("idle processor never finished draining, remaining=%d", idle.remaining)
	}
}

func TestRunOnceDoesNotScheduleIdleWhenUserActive(t *testing.T) {
	cfg := config.ConductorConfig{LoopSleepMs: 10, IdleExtractEnabled: true, FullscreenEnabled: true}
	idle := &fakeIdleProcessor{remaining: 1}
	c, _ := newTestConductor(t, cfg, fixedActivity{idleSeconds: 0, userActive: true}, idle)

	c.RunOnce(false)
	if idle.calls != 0 {
		t.Fatalf("expected idle.extract not to run while the user is active, got %d calls", idle.calls)
	}
}

func TestRunOnceSuppressesSchedulingDuringFullscreen(t *testing.T) {
	cfg := config.ConductorConfig{LoopSleepMs: 10, IdleExtractEnabled: true, FullscreenEnabled: true}
	idle := &fakeIdleProcessor{remaining: 1}
	c, _ := newTestConductor(t, cfg, fixedActivity{idleSeconds: 999, userActive: false}, idle)
	c.fullscreen = fixedFullscreen{fullscreen: true}

	c.RunOnce(false)
	if idle.calls != 0 {
		t.Fatalf("expected idle.extract not to be scheduled during fullscreen, got %d calls", idle.calls)
	}
}

func TestWatchdogPendingThenOKAfterFirstRun(t *testing.T) {
	cfg := config.ConductorConfig{
		LoopSleepMs: 10, IdleExtractEnabled: true, FullscreenEnabled: true,
		WatchdogEnabled: true, WatchdogStallSeconds: 300,
	}
	idle := &fakeIdleProcessor{remaining: 1}
	c, _ := newTestConductor(t, cfg, fixedActivity{idleSeconds: 999, userActive: false}, idle)

	result := c.RunOnce(false)
	if result.Watchdog.State != "ok" && result.Watchdog.State != "pending" {
		t.Fatalf("expected pending or ok watchdog state after a successful run, got %s", result.Watchdog.State)
	}
}

func TestWatchdogDisabledWhenIdleExtractDisabled(t *testing.T) {
	cfg := config.ConductorConfig{LoopSleepMs: 10, IdleExtractEnabled: false, FullscreenEnabled: true, WatchdogEnabled: true}
	c, _ := newTestConductor(t, cfg, fixedActivity{idleSeconds: 999, userActive: false}, nil)

	result := c.RunOnce(false)
	if result.Watchdog.State != "disabled" {
		t.Fatalf("expected disabled watchdog state, got %s", result.Watchdog.State)
	}
}

func TestStartStopRunsLoopAtLeastOnce(t *testing.T) {
	cfg := config.ConductorConfig{LoopSleepMs: 20, IdleExtractEnabled: true, FullscreenEnabled: true}
	idle := &fakeIdleProcessor{remaining: 100}
	c, _ := newTestConductor(t, cfg, fixedActivity{idleSeconds: 999, userActive: false}, idle)

	c.Start()
	time.Sleep(80 * time.Millisecond)
	c.Stop()

	if idle.calls == 0 {
		t.Fatal("expected the background loop to have run at least one tick")
	}
}

func TestHandleModeTransitionsTracksSuspendAck(t *testing.T) {
	cfg := config.ConductorConfig{LoopSleepMs: 10, FullscreenEnabled: true, SuspendDeadlineMs: 500}
	c, _ := newTestConductor(t, cfg, fixedActivity{idleSeconds: 0, userActive: true}, nil)

	c.handleModeTransitions(scheduler.RunStats{Mode: governor.ModeActiveCaptureOnly, InflightHeavy: 0})
	if !c.suspendAcked {
		t.Fatal("expected suspend to be acked once inflight heavy work reaches zero")
	}
}
