package conductor

import (
	"context"
	"time"

	"github.com/autocapture/engine/internal/capture/pressure"
	"github.com/autocapture/engine/internal/scheduler"
	"github.com/autocapture/engine/internal/telemetry"
)

// scheduleIdle enqueues idle.extract once per drain cycle, ported from
// conductor.py's _schedule_idle. A nil idleProcessor means idle.extract
// is simply never scheduled; kernel.Boot wires one backed by
// idlebatch.Runner that measures real extraction backlog even though no
// concrete OCR/VLM extractor ships with this engine.
func (c *Conductor) scheduleIdle() {
	if !c.cfg.IdleExtractEnabled || c.idleProcessor == nil {
		return
	}
	if c.queued["idle.extract"] {
		return
	}

	step := func(shouldAbort func() bool, budgetMs int64) scheduler.StepResult {
		c.st.lastIdleRun = time.Now()
		started := time.Now()
		result, err := c.idleProcessor.ProcessStep(shouldAbort, budgetMs)
		consumedMs := time.Since(started).Milliseconds()
		if err != nil {
			c.st.lastIdleError = err.Error()
			c.st.lastIdleErrorTS = time.Now()
			c.recordJournal(context.Background(), "processing.idle", map[string]interface{}{
				"done": false, "consumed_ms": consumedMs, "error": err.Error(),
			})
			return scheduler.StepResult{Done: false, ConsumedMs: consumedMs}
		}
		if result.Stats != nil {
			c.st.lastIdleStats = result.Stats
			if processed, ok := toInt(result.Stats["processed"]); ok && processed > 0 {
				c.st.lastIdleOK = time.Now()
			}
			if errs, ok := toInt(result.Stats["errors"]); ok && errs > 0 {
				c.st.lastIdleError = "idle_errors"
				c.st.lastIdleErrorTS = time.Now()
			}
		}
		return scheduler.StepResult{Done: result.Done, ConsumedMs: consumedMs}
	}

	estimateMs := int64(2000)
	c.scheduler.Enqueue(scheduler.Job{
		Name: "idle.extract", Step: step, Heavy: true, GPUHeavy: true,
		EstimatedMs: estimateMs, Payload: map[string]interface{}{"task": "idle.extract"},
	})
	c.queued["idle.extract"] = true
}

// scheduleResearch enqueues idle.research on its configured interval,
// ported from conductor.py's _schedule_research.
func (c *Conductor) scheduleResearch() {
	if !c.cfg.IdleResearchEnabled || c.researchRunner == nil {
		return
	}
	intervalS := c.cfg.ResearchIntervalS
	if intervalS <= 0 {
		intervalS = 1800
	}
	if !c.st.lastResearchRun.IsZero() && time.Since(c.st.lastResearchRun) < time.Duration(intervalS*float64(time.Second)) {
		return
	}
	if c.queued["idle.research"] {
		return
	}

	step := func(shouldAbort func() bool, budgetMs int64) scheduler.StepResult {
		c.st.lastResearchRun = time.Now()
		started := time.Now()
		done, err := c.researchRunner.RunStep(shouldAbort, budgetMs)
		consumedMs := time.Since(started).Milliseconds()
		if err != nil {
			return scheduler.StepResult{Done: false, ConsumedMs: consumedMs}
		}
		return scheduler.StepResult{Done: done, ConsumedMs: consumedMs}
	}

	c.scheduler.Enqueue(scheduler.Job{
		Name: "idle.research", Step: step, Heavy: true, GPUHeavy: true,
		EstimatedMs: 1500, Payload: map[string]interface{}{"task": "idle.research"},
	})
	c.queued["idle.research"] = true
}

// scheduleStoragePressure enqueues a disk-pressure sample job once the
// monitor's own cadence is due, ported from _schedule_storage_pressure.
func (c *Conductor) scheduleStoragePressure() {
	if c.storageMonitor == nil || !c.storageMonitor.Due() {
		return
	}
	if c.queued["storage.pressure"] {
		return
	}
	step := func(shouldAbort func() bool, budgetMs int64) scheduler.StepResult {
		sample, err := c.storageMonitor.Record(context.Background())
		if err == nil {
			c.st.lastStorageSample = time.Now()
			c.applyCapturePressure(sample)
		}
		return scheduler.StepResult{Done: true}
	}
	c.scheduler.Enqueue(scheduler.Job{Name: "storage.pressure", Step: step, Heavy: true, EstimatedMs: 300})
	c.queued["storage.pressure"] = true
}

// applyCapturePressure folds a disk pressure sample into the capture
// pipeline's backpressure controller and publishes the resulting queue
// depths as the "capture.pipeline" telemetry sample the GPU lag guard
// reads. On a hard-stop verdict (critical disk pressure), it stops the
// pipeline once and records the disk.critical event, ported from
// conductor.py's _storage_pressure_step.
func (c *Conductor) applyCapturePressure(sample pressure.Sample) {
	if c.capturePipeline == nil {
		return
	}
	c.capturePipeline.ObservePressure(sample.Level)
	if c.telemetry != nil {
		c.telemetry.Record("capture.pipeline", telemetry.Payload{
			"queue_depth_p95":     float64(c.capturePipeline.FrameQueueDepth()),
			"segment_queue_depth": float64(c.capturePipeline.SegmentQueueDepth()),
		})
	}
	if c.capturePipeline.HardStopRequested() && !c.captureHardStopped {
		c.captureHardStopped = true
		c.capturePipeline.Stop()
		c.recordJournal(context.Background(), "disk.critical", map[string]interface{}{
			"event": "disk.critical", "free_gb": sample.FreeGB, "level": string(sample.Level),
		})
	}
}

// scheduleStorageRetention enqueues a retention sweep job once due,
// ported from _schedule_storage_retention.
func (c *Conductor) scheduleStorageRetention() {
	if c.retentionMonitor == nil || !c.retentionMonitor.Due() {
		return
	}
	if c.queued["storage.retention"] {
		return
	}
	step := func(shouldAbort func() bool, budgetMs int64) scheduler.StepResult {
		if _, err := c.retentionMonitor.Record(context.Background()); err == nil {
			c.st.lastRetentionRun = time.Now()
		}
		return scheduler.StepResult{Done: true}
	}
	c.scheduler.Enqueue(scheduler.Job{Name: "storage.retention", Step: step, Heavy: true, EstimatedMs: 500})
	c.queued["storage.retention"] = true
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
