package capture

import (
	"sync"

	"github.com/autocapture/engine/internal/capture/pressure"
)

// BackpressureConfig bounds how far the controller may throttle fps and
// bitrate before giving up quality, per spec.md §4.4.
type BackpressureConfig struct {
	FPSTarget      float64
	FPSFloor       float64
	BitrateKbps    int
	BitrateFloor   int
	QueueWarnDepth int
}

// BackpressureController adjusts fps_target and bitrate_kbps from queue
// depth and disk pressure level after every frame, per spec.md §4.4:
// "the backpressure controller adjusts fps_target and bitrate_kbps using
// queue depth and disk-pressure level." Disk pressure at LevelCritical
// additionally triggers a hard stop.
type BackpressureController struct {
	mu          sync.RWMutex
	cfg         BackpressureConfig
	fpsTarget   float64
	bitrateKbps int
	level       pressure.Level
	hardStop    bool
}

// NewBackpressureController starts at cfg's configured targets with no
// pressure applied.
func NewBackpressureController(cfg BackpressureConfig) *BackpressureController {
	return &BackpressureController{
		cfg:         cfg,
		fpsTarget:   cfg.FPSTarget,
		bitrateKbps: cfg.BitrateKbps,
		level:       pressure.LevelOK,
	}
}

// Observe folds in the latest queue depth and disk pressure level,
// recomputing fps_target/bitrate_kbps. Call once per admitted frame.
func (b *BackpressureController) Observe(queueDepth int, level pressure.Level) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.level = level
	if level == pressure.LevelCritical {
		b.hardStop = true
		return
	}

	switch {
	case level == pressure.LevelSoft || queueDepth >= b.cfg.QueueWarnDepth*2:
		b.fpsTarget = clampFloat(b.fpsTarget*0.5, b.cfg.FPSFloor, b.cfg.FPSTarget)
		b.bitrateKbps = clampInt(b.bitrateKbps/2, b.cfg.BitrateFloor, b.cfg.BitrateKbps)
	case level == pressure.LevelWarn || queueDepth >= b.cfg.QueueWarnDepth:
		b.fpsTarget = clampFloat(b.fpsTarget*0.75, b.cfg.FPSFloor, b.cfg.FPSTarget)
		b.bitrateKbps = clampInt(int(float64(b.bitrateKbps)*0.75), b.cfg.BitrateFloor, b.cfg.BitrateKbps)
	default:
		// Recover toward the configured targets once pressure eases.
		b.fpsTarget = clampFloat(b.fpsTarget*1.1, b.cfg.FPSFloor, b.cfg.FPSTarget)
		b.bitrateKbps = clampInt(int(float64(b.bitrateKbps)*1.1), b.cfg.BitrateFloor, b.cfg.BitrateKbps)
	}
}

// FPSTarget returns the current, possibly throttled, target frame rate.
func (b *BackpressureController) FPSTarget() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fpsTarget
}

// BitrateKbps returns the current, possibly throttled, target bitrate.
func (b *BackpressureController) BitrateKbps() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bitrateKbps
}

// HardStop reports whether critical disk pressure has been observed and
// the pipeline must stop, per spec.md §4.4: "Critical disk pressure
// triggers a hard stop (disk.critical event, pipeline stop)."
func (b *BackpressureController) HardStop() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hardStop
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
