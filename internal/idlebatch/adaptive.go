package idlebatch

import "github.com/autocapture/engine/internal/config"

// AdaptiveState is the idle batch runner's current worker-count knobs,
// mutated in place by EvaluateAdaptive/ApplySLAPressure between loops.
type AdaptiveState struct {
	MaxConcurrencyCPU int
	BatchSize         int
	MaxItemsPerRun    int
}

// ResourceSignals is the subset of governor.Signals the adaptive rule
// table reads.
type ResourceSignals struct {
	CPUUtilization float64
	RAMUtilization float64
}

// AdaptiveDecision is EvaluateAdaptive's outcome for one loop.
type AdaptiveDecision struct {
	Enabled       bool
	Action        string // scale_up|scale_down|hold
	Reason        string
	PressureRatio float64
	State         AdaptiveState
}

// EvaluateAdaptive applies spec.md §4.10's adaptive decision rule table, in
// order, against the current pressure ratio, loop latency p95, and queue
// depth. cfg.Enabled false returns a disabled, unchanged decision.
func EvaluateAdaptive(cfg config.AdaptiveConfig, state AdaptiveState, signals ResourceSignals, steps []StepRecord) AdaptiveDecision {
	if !cfg.Enabled {
		return AdaptiveDecision{State: state}
	}

	cpuMin := max1(cfg.CPUMin)
	cpuMax := cfg.CPUMax
	if cpuMax < cpuMin {
		cpuMax = cpuMin
	}
	stepUp := max1(cfg.CPUStepUp)
	stepDown := max1(cfg.CPUStepDown)
	currentCPU := state.MaxConcurrencyCPU
	if currentCPU <= 0 {
		currentCPU = cpuMin
	}

	pressureRatio := maxFloat(signals.CPUUtilization, signals.RAMUtilization)

	var pending int
	if len(steps) > 0 {
		pending = steps[len(steps)-1].PendingRecords
	}
	latencyP95 := recentLatencyP95(steps, 32)

	action := "hold"
	reason := "pressure_mid"
	nextCPU := currentCPU

	switch {
	case pressureRatio >= cfg.HighWatermark:
		action, reason = "scale_down", "pressure_high"
		nextCPU = clampInt(currentCPU-stepDown, cpuMin, cpuMax)
	case pressureRatio <= cfg.LowWatermark:
		action, reason = "scale_up", "pressure_low"
		nextCPU = clampInt(currentCPU+stepUp, cpuMin, cpuMax)
	}

	if action == "hold" && cfg.LatencyHardCapMs > 0 && latencyP95 >= cfg.LatencyHardCapMs && currentCPU > cpuMin {
		action, reason = "scale_down", "latency_p95_hard_cap"
		nextCPU = clampInt(currentCPU-maxInt(stepDown, 2), cpuMin, cpuMax)
	} else if action == "hold" && cfg.LatencyTargetMs > 0 && latencyP95 > cfg.LatencyTargetMs && currentCPU > cpuMin {
		action, reason = "scale_down", "latency_p95_target_exceeded"
		nextCPU = clampInt(currentCPU-stepDown, cpuMin, cpuMax)
	} else if action == "hold" && pending >= cfg.QueueHighWatermark && currentCPU < cpuMax && latencyP95 <= cfg.LatencyTargetMs {
		action, reason = "scale_up", "queue_high"
		nextCPU = clampInt(currentCPU+stepUp, cpuMin, cpuMax)
	} else if action == "hold" && len(steps) > 0 && pending <= cfg.QueueLowWatermark && currentCPU > cpuMin && pressureRatio >= cfg.LowWatermark {
		action, reason = "scale_down", "queue_low"
		nextCPU = clampInt(currentCPU-stepDown, cpuMin, cpuMax)
	}

	next := state
	next.MaxConcurrencyCPU = nextCPU

	return AdaptiveDecision{
		Enabled:       true,
		Action:        action,
		Reason:        reason,
		PressureRatio: pressureRatio,
		State:         next,
	}
}

// ApplySLAPressure implements spec.md §4.10 step 3: if the *previous*
// loop's SLA snapshot showed retention risk, scale up by cpu_step_up_on_risk
// regardless of the ordinary adaptive rule table, bounded by cpu_max.
func ApplySLAPressure(cfg config.AdaptiveConfig, previous *SLASnapshot, state AdaptiveState) (bool, AdaptiveState) {
	if previous == nil || !previous.RetentionRisk {
		return false, state
	}
	cpuMax := cfg.CPUMax
	if cpuMax <= 0 {
		cpuMax = max1(state.MaxConcurrencyCPU)
	}
	stepUp := max1(cfg.CPUStepUpOnRisk)
	currentCPU := max1(state.MaxConcurrencyCPU)
	nextCPU := currentCPU + stepUp
	if nextCPU > cpuMax {
		nextCPU = cpuMax
	}
	if nextCPU == currentCPU {
		return false, state
	}
	next := state
	next.MaxConcurrencyCPU = nextCPU
	return true, next
}

func recentLatencyP95(steps []StepRecord, window int) int64 {
	if len(steps) > window {
		steps = steps[len(steps)-window:]
	}
	var latencies []int64
	for _, s := range steps {
		if s.ConsumedMs > 0 {
			latencies = append(latencies, s.ConsumedMs)
		}
	}
	return p95(latencies)
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
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

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
