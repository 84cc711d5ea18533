// Package gpulag evaluates whether the GPU is healthy enough for heavy
// work to proceed, and samples GPU utilization when a vendor binding is
// available. Restored from original_source/autocapture/runtime/
// {gpu_guard,gpu_monitor}.py — the distillation into spec.md dropped this
// concrete sampler, keeping only the abstract "GPU lag-guard verdict"
// signal feeding the Conductor (spec.md §4.3).
package gpulag

import (
	"time"
)

// Snapshot mirrors the Python GpuSnapshot dataclass. Vendor GPU query
// libraries (NVML and friends) require cgo bindings that are out of scope
// for this engine the same way spec.md §1 places concrete OCR/VLM model
// binaries and screen-capture platform bindings out of scope; Sampler is
// the seam a future platform-specific build tags in.
type Snapshot struct {
	UtilizationValid    bool
	Utilization         float64
	MemUtilizationValid bool
	MemUtilization      float64
	MemUsedMB           int64
	MemTotalMB          int64
	TemperatureC        int
	TSMonotonic         time.Time
}

// Sampler produces a point-in-time GPU reading. NoopSampler is the
// default; a platform build can register a vendor-backed implementation.
type Sampler interface {
	Sample(index int) Snapshot
}

// NoopSampler always reports "no reading available", the conservative
// default when no vendor binding is compiled in.
type NoopSampler struct{}

func (NoopSampler) Sample(int) Snapshot {
	return Snapshot{TSMonotonic: time.Now()}
}

func clampFraction(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CaptureTelemetry is the subset of the capture pipeline's telemetry
// snapshot the lag guard reads (spec.md §2's Telemetry snapshot store).
type CaptureTelemetry struct {
	Valid            bool
	LagP95Ms         *float64
	QueueDepthP95    *float64
	LastCaptureAgeS  *float64
}

// GuardConfig mirrors guard_cfg in gpu_guard.py.
type GuardConfig struct {
	Enabled          bool
	MaxCaptureLagMs  float64
	MaxQueueDepthP95 float64
	MaxCaptureAgeS   float64
}

// DefaultGuardConfig matches the Python defaults (50ms lag, queue depth
// 12, 2s capture age).
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{Enabled: true, MaxCaptureLagMs: 50, MaxQueueDepthP95: 12, MaxCaptureAgeS: 2.0}
}

// Decision is the lag-guard verdict the Conductor asks for before
// allowing gpu_heavy/gpu_only jobs to run (spec.md §4.3).
type Decision struct {
	OK             bool
	Reason         string
	LagP95Ms       *float64
	QueueP95       *float64
	CaptureAgeS    *float64
	GPUUtilization *float64
	GPUMemUtil     *float64
}

// Evaluate ports evaluate_gpu_lag_guard one-for-one: missing telemetry or
// an out-of-bound reading on any of lag/queue/age fails closed with a
// named reason; an explicitly disabled guard always passes.
func Evaluate(cfg GuardConfig, telemetry CaptureTelemetry, gpu *Snapshot) Decision {
	var gpuUtil, gpuMemUtil *float64
	if gpu != nil {
		if gpu.UtilizationValid {
			u := clampFraction(gpu.Utilization)
			gpuUtil = &u
		}
		if gpu.MemUtilizationValid {
			m := clampFraction(gpu.MemUtilization)
			gpuMemUtil = &m
		}
	}

	if !cfg.Enabled {
		return Decision{OK: true, Reason: "disabled"}
	}
	if !telemetry.Valid {
		return Decision{OK: false, Reason: "missing_capture_telemetry", GPUUtilization: gpuUtil, GPUMemUtil: gpuMemUtil}
	}
	if telemetry.LagP95Ms == nil {
		return Decision{OK: false, Reason: "missing_lag", QueueP95: telemetry.QueueDepthP95, CaptureAgeS: telemetry.LastCaptureAgeS, GPUUtilization: gpuUtil, GPUMemUtil: gpuMemUtil}
	}
	if cfg.MaxCaptureLagMs > 0 && *telemetry.LagP95Ms > cfg.MaxCaptureLagMs {
		return Decision{OK: false, Reason: "capture_lag", LagP95Ms: telemetry.LagP95Ms, QueueP95: telemetry.QueueDepthP95, CaptureAgeS: telemetry.LastCaptureAgeS, GPUUtilization: gpuUtil, GPUMemUtil: gpuMemUtil}
	}
	if telemetry.QueueDepthP95 != nil && cfg.MaxQueueDepthP95 > 0 && *telemetry.QueueDepthP95 > cfg.MaxQueueDepthP95 {
		return Decision{OK: false, Reason: "queue_depth", LagP95Ms: telemetry.LagP95Ms, QueueP95: telemetry.QueueDepthP95, CaptureAgeS: telemetry.LastCaptureAgeS, GPUUtilization: gpuUtil, GPUMemUtil: gpuMemUtil}
	}
	if telemetry.LastCaptureAgeS != nil && cfg.MaxCaptureAgeS > 0 && *telemetry.LastCaptureAgeS > cfg.MaxCaptureAgeS {
		return Decision{OK: false, Reason: "capture_age", LagP95Ms: telemetry.LagP95Ms, QueueP95: telemetry.QueueDepthP95, CaptureAgeS: telemetry.LastCaptureAgeS, GPUUtilization: gpuUtil, GPUMemUtil: gpuMemUtil}
	}
	return Decision{OK: true, Reason: "ok", LagP95Ms: telemetry.LagP95Ms, QueueP95: telemetry.QueueDepthP95, CaptureAgeS: telemetry.LastCaptureAgeS, GPUUtilization: gpuUtil, GPUMemUtil: gpuMemUtil}
}
