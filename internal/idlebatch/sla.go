package idlebatch

import (
	"math"
	"sort"

	"github.com/autocapture/engine/internal/config"
)

// StepRecord is one completed loop iteration's outcome, the unit the SLA
// snapshot and adaptive-parallelism rules are computed over.
type StepRecord struct {
	Loop             int
	Mode             string
	Reason           string
	ConsumedMs       int64
	Done             bool
	PendingRecords   int
	RecordsCompleted int
}

// SLASnapshot is spec.md §4.10's per-loop retention-pressure estimate.
type SLASnapshot struct {
	Enabled                bool
	PendingRecords         int
	CompletedRecords       int
	ThroughputRecordsPerS  float64
	ProjectedLagHours      float64
	LoopLatencyP95Ms       int64
	RetentionHorizonHours  float64
	RetentionRisk          bool
}

// EstimateSLA computes the SLA snapshot from recent step history (spec.md
// §4.10, step 2): throughput_records_per_s = completed / consumed_ms *
// 1000, retention_risk iff pending>0 AND (throughput==0 OR
// projected_lag_hours > retention_horizon_hours * lag_warn_ratio).
func EstimateSLA(cfg config.SLAConfig, steps []StepRecord) SLASnapshot {
	horizon := cfg.RetentionHorizonHours
	if horizon <= 0 {
		horizon = 144
	}
	warnRatio := cfg.LagWarnRatio
	if warnRatio <= 0 {
		warnRatio = 0.8
	}

	var completed int
	var consumedMs int64
	var pending int
	var latencies []int64
	for _, s := range steps {
		consumedMs += s.ConsumedMs
		if s.ConsumedMs > 0 {
			latencies = append(latencies, s.ConsumedMs)
		}
		completed += s.RecordsCompleted
		pending = s.PendingRecords
	}

	var throughput float64
	if consumedMs > 0 {
		throughput = float64(completed) / (float64(consumedMs) / 1000.0)
	}

	var projectedLagHours float64
	if pending > 0 {
		if throughput > 0 {
			projectedLagHours = float64(pending) / throughput / 3600.0
		} else {
			projectedLagHours = math.Inf(1)
		}
	}

	retentionRisk := cfg.Enabled && pending > 0 &&
		(math.IsInf(projectedLagHours, 1) || projectedLagHours > horizon*warnRatio)

	return SLASnapshot{
		Enabled:               cfg.Enabled,
		PendingRecords:        pending,
		CompletedRecords:      completed,
		ThroughputRecordsPerS: throughput,
		ProjectedLagHours:     projectedLagHours,
		LoopLatencyP95Ms:      p95(latencies),
		RetentionHorizonHours: horizon,
		RetentionRisk:         retentionRisk,
	}
}

// p95 returns the 95th-percentile value of a sorted copy of vals (nearest
// rank method), matching the original's ceil(0.95*n)-1 index.
func p95(vals []int64) int64 {
	if len(vals) == 0 {
		return 0
	}
	ordered := append([]int64(nil), vals...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	idx := int(math.Ceil(0.95*float64(len(ordered)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(ordered) {
		idx = len(ordered) - 1
	}
	return ordered[idx]
}

// SLOAlerts derives the manifest's slo_alerts list from the terminal SLA
// snapshot and metadata DB guard outcome.
func SLOAlerts(sla SLASnapshot, guard *DBGuardSnapshot) []string {
	var alerts []string
	if sla.RetentionRisk {
		alerts = append(alerts, "retention_risk")
	}
	if sla.PendingRecords > 0 && sla.ThroughputRecordsPerS <= 0 {
		alerts = append(alerts, "throughput_zero_with_backlog")
	}
	if guard != nil && !guard.OK {
		alerts = append(alerts, "metadata_db_unstable")
	}
	return alerts
}
