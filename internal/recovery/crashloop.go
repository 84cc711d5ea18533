package recovery

import (
	"fmt"
	"time"

	"github.com/autocapture/engine/internal/eventbuilder"
	"github.com/autocapture/engine/internal/store"
)

// CrashLoopConfig tunes the crash-loop detector (spec.md §4.6's
// window_s/max_crashes).
type CrashLoopConfig struct {
	WindowSeconds int
	MaxCrashes    int
}

// DetectCrash appends a system.crash_detected ledger+journal entry if
// prevState shows the previous run left state "running" without a clean
// shutdown. Returns whether a crash was detected.
func DetectCrash(prevState *store.RunState, builder *eventbuilder.Builder) (bool, error) {
	if prevState == nil || prevState.State != store.RunStateRunning {
		return false, nil
	}
	_, _, err := builder.Record("system.crash_detected", "system.crash_detected", nil, nil, map[string]interface{}{
		"event":            "system.crash_detected",
		"previous_run_id":  prevState.RunID,
		"previous_started": prevState.StartedAt,
	})
	if err != nil {
		return true, fmt.Errorf("recovery: record system.crash_detected: %w", err)
	}
	return true, nil
}

// EvaluateCrashLoop counts system.crash_detected entries within the last
// cfg.WindowSeconds and reports whether cfg.MaxCrashes has been reached.
func EvaluateCrashLoop(ledgerPath string, cfg CrashLoopConfig, now time.Time) (forced bool, count int, err error) {
	if cfg.WindowSeconds <= 0 || cfg.MaxCrashes <= 0 {
		return false, 0, nil
	}
	since := now.Add(-time.Duration(cfg.WindowSeconds) * time.Second)
	timestamps, err := crashTimestampsSince(ledgerPath, since)
	if err != nil {
		return false, 0, err
	}
	count = len(timestamps)
	return count >= cfg.MaxCrashes, count, nil
}

// ForceSafeMode records the audit event for a crash-loop-triggered safe
// mode (spec.md §4.6: "forces safe mode, disables idle processing, and
// records an audit event").
func ForceSafeMode(builder *eventbuilder.Builder, crashCount int) error {
	_, _, err := builder.Record("runtime.safe_mode", "runtime.safe_mode", nil, nil, map[string]interface{}{
		"event":       "runtime.safe_mode",
		"reason":      "crash_loop",
		"crash_count": crashCount,
	})
	if err != nil {
		return fmt.Errorf("recovery: record runtime.safe_mode: %w", err)
	}
	return nil
}
