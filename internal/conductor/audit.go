package conductor

import (
	"context"
	"time"

	"github.com/autocapture/engine/internal/governor"
	"github.com/autocapture/engine/internal/scheduler"
	"github.com/autocapture/engine/internal/telemetry"
)

// handleModeTransitions records a mode-change audit event whenever the
// Governor's decided mode differs from the last tick's, then tracks the
// suspend/resume acknowledgement deadlines spec.md §4.3 requires: a
// suspend ack once in-flight heavy work drains to zero, a force-stop if
// it hasn't drained by SuspendDeadlineMs, a resume ack once heavy work is
// first admitted again, and a resume-late warning if that takes longer
// than ResumeBudgetMs. Ported from _handle_mode_transitions.
func (c *Conductor) handleModeTransitions(runStats scheduler.RunStats) {
	mode := runStats.Mode
	now := time.Now()

	if c.st.lastMode != mode {
		c.st.lastMode = mode
		switch mode {
		case governor.ModeActiveCaptureOnly:
			c.suspendRequestedAt = now
			c.resumeRequestedAt = time.Time{}
			c.suspendAcked = false
		case governor.ModeIdleDrain:
			c.resumeRequestedAt = now
			c.suspendRequestedAt = time.Time{}
			c.resumeAcked = false
		}
		c.logger.LogAudit(context.Background(), "runtime.mode_change", "runtime.conductor", string(mode), "ok")
	}

	if mode == governor.ModeActiveCaptureOnly && !c.suspendRequestedAt.IsZero() {
		elapsedMs := now.Sub(c.suspendRequestedAt).Milliseconds()
		inflight := runStats.InflightHeavy
		if !c.suspendAcked && inflight == 0 {
			c.suspendAcked = true
			c.logger.LogAudit(context.Background(), "runtime.suspend_ack", "runtime.scheduler", "", "ok")
		}
		deadline := c.cfg.SuspendDeadlineMs
		if deadline <= 0 {
			deadline = 500
		}
		if elapsedMs > deadline && inflight > 0 {
			removed := c.scheduler.ForceStop("active_suspend_deadline")
			outcome := "noop"
			if removed > 0 {
				outcome = "ok"
			}
			c.logger.LogAudit(context.Background(), "runtime.force_stop", "runtime.scheduler", "", outcome)
		}
	}

	if mode == governor.ModeIdleDrain && !c.resumeRequestedAt.IsZero() {
		elapsedMs := now.Sub(c.resumeRequestedAt).Milliseconds()
		admitted := runStats.AdmittedHeavy
		if !c.resumeAcked && admitted > 0 {
			c.resumeAcked = true
			c.logger.LogAudit(context.Background(), "runtime.resume_ack", "runtime.scheduler", "", "ok")
		}
		budget := c.cfg.ResumeBudgetMs
		if budget <= 0 {
			budget = 3000
		}
		if elapsedMs > budget && !c.resumeAcked {
			c.logger.LogAudit(context.Background(), "runtime.resume_late", "runtime.scheduler", "", "warn")
		}
	}
}

// maybeReleaseGPU best-effort frees GPU VRAM when the user becomes
// active, rate-limited to once per GPUReleaseDeadlineMs, ported from
// _maybe_release_gpu.
func (c *Conductor) maybeReleaseGPU(signals Signals, mode governor.Mode) {
	if !c.cfg.GPUReleaseOnActive || !signals.Governor.UserActive {
		return
	}
	deadlineMs := c.cfg.GPUReleaseDeadlineMs
	if deadlineMs <= 0 {
		deadlineMs = 250
	}
	now := time.Now()
	if !c.lastGPUReleaseTS.IsZero() && now.Sub(c.lastGPUReleaseTS) < time.Duration(deadlineMs)*time.Millisecond {
		return
	}
	result := c.gpuReleaser.Release("user_active")
	c.lastGPUReleaseTS = now
	c.recordJournal(context.Background(), "gpu.release", map[string]interface{}{
		"event": "gpu.release", "mode": string(mode), "user_active": true,
		"released": result.Released, "ok": result.OK, "reason": result.Reason,
	})
}

// maybeEmitFullscreenEvent emits a halt/resume event on fullscreen state
// transitions only (never on the first observation), ported from
// _maybe_emit_fullscreen_event.
func (c *Conductor) maybeEmitFullscreenEvent(signals Signals) {
	fullscreen := signals.Fullscreen.Fullscreen
	if !c.fullscreenKnown {
		c.fullscreenKnown = true
		c.lastFullscreenState = fullscreen
		return
	}
	if fullscreen == c.lastFullscreenState {
		return
	}
	c.lastFullscreenState = fullscreen
	eventType := "runtime.fullscreen_resume"
	if fullscreen {
		eventType = "runtime.fullscreen_halt"
	}
	c.logger.LogAudit(context.Background(), eventType, "runtime.conductor", signals.Fullscreen.Reason, "ok")
	c.recordJournal(context.Background(), eventType, map[string]interface{}{
		"event": eventType, "fullscreen": fullscreen, "reason": signals.Fullscreen.Reason,
	})
}

// maybeEmitGPUGuardEvent emits a blocked/ok transition event when the GPU
// lag guard's verdict flips, ported from _maybe_emit_gpu_guard_event.
func (c *Conductor) maybeEmitGPUGuardEvent(signals Signals) {
	if !c.gpuGuardCfg.Enabled {
		return
	}
	ok := signals.GPUGuard.OK
	if !c.gpuGuardKnown {
		c.gpuGuardKnown = true
		c.lastGPUGuardOK = ok
		return
	}
	if ok == c.lastGPUGuardOK {
		return
	}
	c.lastGPUGuardOK = ok
	eventType := "runtime.gpu_guard_blocked"
	if ok {
		eventType = "runtime.gpu_guard_ok"
	}
	c.logger.LogAudit(context.Background(), eventType, "runtime.conductor", signals.GPUGuard.Reason, "ok")
	c.recordJournal(context.Background(), eventType, map[string]interface{}{
		"event": eventType, "reason": signals.GPUGuard.Reason, "gpu_only_allowed": signals.Governor.GPUOnlyAllowed,
	})
}

// emitTelemetry records this tick's runtime snapshot to the telemetry
// store unconditionally, then at most once per TelemetryIntervalS writes
// the same payload to the journal and logger, ported from
// _emit_telemetry.
func (c *Conductor) emitTelemetry(signals Signals, executed []string, watchdog WatchdogPayload, runStats scheduler.RunStats) {
	if c.telemetry != nil {
		c.telemetry.Record("processing.watchdog", telemetry.Payload{
			"state": watchdog.State, "reason": watchdog.Reason, "age_seconds": watchdog.AgeSeconds,
		})
	}
	if !c.cfg.TelemetryEnabled {
		return
	}
	intervalS := c.cfg.TelemetryIntervalS
	if intervalS <= 0 {
		intervalS = 5
	}
	now := time.Now()
	if !c.st.lastTelemetryEmit.IsZero() && now.Sub(c.st.lastTelemetryEmit) < time.Duration(intervalS*float64(time.Second)) {
		return
	}

	payload := map[string]interface{}{
		"mode":            string(runStats.Mode),
		"reason":          runStats.Reason,
		"idle_seconds":    signals.Governor.IdleSeconds,
		"user_active":     signals.Governor.UserActive,
		"fullscreen":      signals.Fullscreen.Fullscreen,
		"gpu_guard":       signals.GPUGuard,
		"budget": map[string]interface{}{
			"used_ms": runStats.BudgetUsedMs,
			"cap_ms":  runStats.BudgetCapMs,
			"inflight_heavy": runStats.InflightHeavy,
		},
		"jobs": map[string]interface{}{
			"completed":      runStats.CompletedJobs,
			"admitted_heavy": runStats.AdmittedHeavy,
			"deferred":       runStats.DeferredJobs,
			"preempted":      runStats.PreemptedJobs,
			"ran_light":      runStats.RanLight,
			"ran_gpu_only":   runStats.RanGPUOnly,
		},
		"executed": executed,
		"watchdog": watchdog,
	}

	c.st.lastTelemetryEmit = now
	c.st.lastMode = runStats.Mode
	c.st.lastReason = runStats.Reason

	if c.telemetry != nil {
		c.telemetry.Record("runtime", telemetry.Payload(payload))
	}
	c.recordJournal(context.Background(), "runtime.telemetry", payload)
	c.logger.Info(context.Background(), "runtime.telemetry", map[string]interface{}{"mode": string(runStats.Mode)})
}
