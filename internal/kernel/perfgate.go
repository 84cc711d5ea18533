package kernel

import (
	"fmt"
	"time"

	"github.com/autocapture/engine/internal/config"
)

// PerfGateResult is the `perf gate` CLI operation's outcome: a lightweight
// startup-time regression check.
//
// Grounded on original_source/tools/gate_perf.py: boot once, compare
// elapsed wall time against max(startup_target_ms*5, 3000).
type PerfGateResult struct {
	ElapsedMs float64
	MaxMs     float64
	Passed    bool
}

// RunPerfGate boots cfg once, timing the whole sequence, and fails the
// gate if it exceeds the configured startup budget. Unlike Boot for real
// use, it always shuts the resulting handle back down before returning so
// repeated gate runs don't leak instance locks or run states.
func RunPerfGate(cfg *config.Config, startupTargetMs int) (PerfGateResult, error) {
	if startupTargetMs <= 0 {
		startupTargetMs = 1000
	}
	maxMs := float64(startupTargetMs) * 5
	if maxMs < 3000 {
		maxMs = 3000
	}

	start := time.Now()
	h, err := Boot(cfg)
	elapsed := time.Since(start)
	if err != nil {
		return PerfGateResult{}, fmt.Errorf("kernel: perf gate boot failed: %w", err)
	}
	if shutdownErr := Shutdown(h); shutdownErr != nil {
		return PerfGateResult{}, fmt.Errorf("kernel: perf gate shutdown failed: %w", shutdownErr)
	}

	elapsedMs := float64(elapsed.Microseconds()) / 1000.0
	return PerfGateResult{
		ElapsedMs: elapsedMs,
		MaxMs:     maxMs,
		Passed:    elapsedMs <= maxMs,
	}, nil
}
