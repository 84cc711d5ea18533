// Package conductor implements the Runtime Conductor (spec.md §4.3): a
// long-lived loop that assembles activity/resource/fullscreen/GPU-guard
// signals each tick, asks the Governor for a mode, schedules idle
// extraction, research, and storage jobs onto the Scheduler on configured
// cadences, and tracks a watchdog state machine over idle heartbeats.
//
// Grounded on original_source/autocapture/runtime/conductor.py's
// RuntimeConductor.
package conductor

import (
	"context"
	"sync"
	"time"

	"github.com/autocapture/engine/infrastructure/logging"
	"github.com/autocapture/engine/internal/capture/pressure"
	"github.com/autocapture/engine/internal/capture/retention"
	"github.com/autocapture/engine/internal/config"
	"github.com/autocapture/engine/internal/eventbuilder"
	"github.com/autocapture/engine/internal/governor"
	"github.com/autocapture/engine/internal/governor/gpulag"
	"github.com/autocapture/engine/internal/scheduler"
	"github.com/autocapture/engine/internal/telemetry"
)

// CapturePipeline is the subset of capture.Pipeline the Conductor drives:
// disk-pressure backpressure and the queue-depth telemetry the GPU lag
// guard's capture-age/queue-depth checks read. A nil CapturePipeline
// means storage.pressure sampling still runs but never touches capture,
// matching how a nil IdleProcessor means idle.extract is never scheduled.
type CapturePipeline interface {
	ObservePressure(level pressure.Level)
	HardStopRequested() bool
	FrameQueueDepth() int
	SegmentQueueDepth() int
	Stop()
}

// IdleStepResult is what an IdleProcessor reports back from one budgeted
// step (conductor.py's process_step tuple of (done, stats)).
type IdleStepResult struct {
	Done  bool
	Stats map[string]interface{}
}

// IdleProcessor runs the idle extraction pipeline in cooperative steps.
// A nil IdleProcessor on the Conductor means idle.extract is never
// scheduled, mirroring _resolve_idle_processor returning None when no
// concrete processor is wired.
type IdleProcessor interface {
	ProcessStep(shouldAbort func() bool, budgetMs int64) (IdleStepResult, error)
}

// ResearchRunner runs the background research pipeline in cooperative
// steps. A nil ResearchRunner means idle.research is never scheduled.
type ResearchRunner interface {
	RunStep(shouldAbort func() bool, budgetMs int64) (bool, error)
}

// stats mirrors conductor.py's ConductorStats dataclass: the Conductor's
// memory of its own idle/research/storage heartbeats, read by the
// watchdog and telemetry emitter.
type stats struct {
	lastIdleRun      time.Time
	lastIdleOK       time.Time
	lastIdleError    string
	lastIdleErrorTS  time.Time
	lastIdleStats    map[string]interface{}
	lastWatchdog     WatchdogPayload
	lastResearchRun  time.Time
	lastStorageSample time.Time
	lastRetentionRun time.Time
	lastTelemetryEmit time.Time
	lastMode         governor.Mode
	lastReason       string
}

// Conductor ties the Governor, Scheduler, and the idle/research/storage
// jobs together into one tick function, runnable either once (RunOnce,
// the `boot`/CLI one-shot path) or as a background loop (Start/Stop).
type Conductor struct {
	mu sync.Mutex

	cfg    config.ConductorConfig
	govCfg config.GovernorConfig

	gov       *governor.Governor
	scheduler *scheduler.Scheduler

	activity   ActivityTracker
	resources  ResourceSampler
	fullscreen FullscreenChecker
	gpuSampler gpulag.Sampler
	gpuGuardCfg gpulag.GuardConfig
	gpuReleaser GPUReleaser

	idleProcessor  IdleProcessor
	researchRunner ResearchRunner
	storageMonitor   *pressure.Monitor
	retentionMonitor *retention.Monitor
	capturePipeline  CapturePipeline
	captureHardStopped bool

	telemetry *telemetry.Store
	builder   *eventbuilder.Builder
	logger    *logging.Logger
	runID     string

	queued map[string]bool
	st     stats

	lastWatchdogState   string
	lastWatchdogEventTS time.Time
	lastGPUReleaseTS    time.Time
	fullscreenKnown     bool
	lastFullscreenState bool
	gpuGuardKnown       bool
	lastGPUGuardOK      bool

	suspendRequestedAt time.Time
	resumeRequestedAt  time.Time
	suspendAcked       bool
	resumeAcked        bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps bundles every collaborator the Conductor needs. Pointer/interface
// fields left nil fall back to a Noop implementation or, for
// IdleProcessor/ResearchRunner/storage monitors, to "never scheduled" —
// matching conductor.py's pattern of tolerating every optional collaborator
// being absent.
type Deps struct {
	Governor  *governor.Governor
	Scheduler *scheduler.Scheduler

	Activity   ActivityTracker
	Resources  ResourceSampler
	Fullscreen FullscreenChecker
	GPUSampler gpulag.Sampler
	GPUReleaser GPUReleaser

	IdleProcessor    IdleProcessor
	ResearchRunner   ResearchRunner
	StorageMonitor   *pressure.Monitor
	RetentionMonitor *retention.Monitor
	CapturePipeline  CapturePipeline

	Telemetry *telemetry.Store
	Builder   *eventbuilder.Builder
	Logger    *logging.Logger
	RunID     string
}

// New constructs a Conductor. cfg and govCfg are the already-resolved
// configuration layers (spec.md §6); deps wires every collaborator.
func New(cfg config.ConductorConfig, govCfg config.GovernorConfig, deps Deps) *Conductor {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	activity := deps.Activity
	if activity == nil {
		activity = NoopActivityTracker{}
	}
	resources := deps.Resources
	if resources == nil {
		resources = GopsutilSampler{}
	}
	fullscreen := deps.Fullscreen
	if fullscreen == nil {
		fullscreen = NoopFullscreenChecker{}
	}
	if !cfg.FullscreenEnabled {
		fullscreen = DisabledFullscreenChecker{}
	}
	gpuSampler := deps.GPUSampler
	if gpuSampler == nil {
		gpuSampler = gpulag.NoopSampler{}
	}
	gpuReleaser := deps.GPUReleaser
	if gpuReleaser == nil {
		gpuReleaser = NoopGPUReleaser{}
	}
	guardCfg := gpulag.DefaultGuardConfig()
	guardCfg.Enabled = cfg.GPUGuardEnabled

	return &Conductor{
		cfg:              cfg,
		govCfg:           govCfg,
		gov:              deps.Governor,
		scheduler:        deps.Scheduler,
		activity:         activity,
		resources:        resources,
		fullscreen:       fullscreen,
		gpuSampler:       gpuSampler,
		gpuGuardCfg:      guardCfg,
		gpuReleaser:      gpuReleaser,
		idleProcessor:    deps.IdleProcessor,
		researchRunner:   deps.ResearchRunner,
		storageMonitor:   deps.StorageMonitor,
		retentionMonitor: deps.RetentionMonitor,
		capturePipeline:  deps.CapturePipeline,
		telemetry:        deps.Telemetry,
		builder:          deps.Builder,
		logger:           logger,
		runID:            deps.RunID,
		queued:           make(map[string]bool),
	}
}

// RunResult is what one tick reports back to a CLI caller (conductor.py's
// run_once return dict).
type RunResult struct {
	Executed []string
	Stats    scheduler.RunStats
	Watchdog WatchdogPayload
}

// RunOnce runs a single tick synchronously: assembles signals, schedules
// due jobs (unless fullscreen is suppressing them), runs the scheduler,
// handles mode-transition audit, GPU release, fullscreen/GPU-guard
// events, watchdog evaluation, and telemetry emission. force mirrors
// run_once(force=True): it asserts query intent for this tick only, used
// by one-shot CLI invocations that need USER_QUERY mode regardless of
// idleness.
func (c *Conductor) RunOnce(force bool) RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runOnceLocked(force)
}

func (c *Conductor) runOnceLocked(force bool) RunResult {
	signals := c.assembleSignals(force)

	if !signals.Fullscreen.Fullscreen {
		c.scheduleIdle()
		c.scheduleResearch()
		c.scheduleStoragePressure()
		c.scheduleStorageRetention()
	}

	runStats := c.scheduler.RunPending(signals.Governor)
	executed := c.namesCompletedThisTick(runStats)

	c.handleModeTransitions(runStats)
	c.maybeEmitFullscreenEvent(signals)
	c.maybeEmitGPUGuardEvent(signals)
	c.maybeReleaseGPU(signals, runStats.Mode)

	watchdog := c.watchdogPayload(signals, runStats.Mode, runStats.Reason)
	c.st.lastWatchdog = watchdog
	c.maybeEmitWatchdogEvent(watchdog)
	c.emitTelemetry(signals, executed, watchdog, runStats)

	for _, name := range executed {
		delete(c.queued, name)
	}

	return RunResult{Executed: executed, Stats: runStats, Watchdog: watchdog}
}

// namesCompletedThisTick reports which of this tick's scheduled job names
// actually ran to completion, so _queued can be cleared for them the way
// conductor.py clears self._queued from the scheduler's returned name
// list. This port's Scheduler.RunPending does not return names, only
// counts, so every name this tick enqueued is treated as eligible for
// re-scheduling next tick regardless of completion — a job still mid-step
// is re-enqueued internally by the scheduler and its name is intentionally
// kept in c.queued until RunPending reports no deferred/preempted jobs.
func (c *Conductor) namesCompletedThisTick(runStats scheduler.RunStats) []string {
	if runStats.DeferredJobs > 0 || runStats.PreemptedJobs > 0 {
		return nil
	}
	var names []string
	for name := range c.queued {
		names = append(names, name)
	}
	return names
}

// Start launches the background tick loop at cfg.LoopSleepMs cadence.
// Calling Start twice without an intervening Stop is a no-op.
func (c *Conductor) Start() {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(stopCh)
}

// Stop signals the background loop to exit and waits for it to return.
func (c *Conductor) Stop() {
	c.mu.Lock()
	stopCh := c.stopCh
	c.stopCh = nil
	c.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	c.wg.Wait()
}

func (c *Conductor) loop(stopCh chan struct{}) {
	defer c.wg.Done()
	sleepMs := c.cfg.LoopSleepMs
	if sleepMs <= 0 {
		sleepMs = 2000
	}
	ticker := time.NewTicker(time.Duration(sleepMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.runOnceLocked(false)
			c.mu.Unlock()
		}
	}
}

// WatchdogState returns the most recently computed watchdog payload
// without running a tick.
func (c *Conductor) WatchdogState() WatchdogPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.lastWatchdog
}

func (c *Conductor) recordJournal(ctx context.Context, eventType string, payload map[string]interface{}) {
	if c.builder == nil {
		return
	}
	if _, _, err := c.builder.Record(eventType, eventType, nil, nil, payload); err != nil {
		c.logger.Error(ctx, "conductor: record event failed", err, map[string]interface{}{"event": eventType})
	}
}
