// Package idlebatch implements the idle batch runner and SLA controller
// (spec.md §4.10): a loop that drains idle processing work under Governor
// gating, adaptive worker-count scaling, retention-risk SLA pressure, and a
// pre-loop metadata DB stability guard, terminating in a landscape
// manifest.
package idlebatch

import (
	"context"
	"time"

	"github.com/autocapture/engine/infrastructure/logging"
	"github.com/autocapture/engine/internal/config"
	"github.com/autocapture/engine/internal/eventbuilder"
	"github.com/autocapture/engine/internal/governor"
)

// StepFunc runs one idle processing step under budgetMs, polling
// shouldAbort between units of work, and reports whether all outstanding
// work is now drained plus how many records remain pending/were completed.
type StepFunc func(shouldAbort func() bool, budgetMs int64) (done bool, pendingRecords, recordsCompleted int)

// SignalsFunc is called once per loop (and again inside shouldAbort) to
// assemble the current Governor signals and resource utilization.
type SignalsFunc func() (governor.Signals, ResourceSignals)

// Runner drains idle processing work to completion or until blocked,
// gated by the Governor, the metadata DB guard, and adaptive parallelism.
type Runner struct {
	gov     *governor.Governor
	builder *eventbuilder.Builder
	cfg     config.IdleBatchConfig
	logger  *logging.Logger
}

// New constructs a Runner. builder may be nil to skip manifest persistence
// (used by callers that only want the in-memory Summary, e.g. `doctor`).
func New(gov *governor.Governor, builder *eventbuilder.Builder, cfg config.IdleBatchConfig, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{gov: gov, builder: builder, cfg: cfg, logger: logger}
}

// Summary is Run's outcome.
type Summary struct {
	Done          bool
	BlockedReason string
	Loops         int
	SLA           SLASnapshot
	Manifest      LandscapeManifest
}

// ManifestContext supplies the non-loop inputs BuildManifest needs.
type ManifestContext struct {
	RunID             string
	EffectiveConfig   interface{}
	ContractsLockPath string
	PluginLocksPath   string
	MetadataDBPath    string
}

// Run executes the loop body of spec.md §4.10 until done, MaxLoops, or
// blocked, then emits a landscape manifest (persisted via eventbuilder when
// a Builder was supplied).
func (r *Runner) Run(ctx context.Context, mc ManifestContext, signalsFn SignalsFunc, step StepFunc) (Summary, error) {
	maxLoops := r.cfg.MaxLoops
	if maxLoops <= 0 {
		maxLoops = 500
	}

	var guard *DBGuardSnapshot
	if mc.MetadataDBPath != "" {
		g := CheckMetadataDBGuard(r.cfg.MetadataDBGuard, mc.MetadataDBPath)
		guard = &g
	}

	state := AdaptiveState{
		MaxConcurrencyCPU: r.cfg.MaxConcurrencyCPU,
		BatchSize:         r.cfg.MaxConcurrencyCPU * batchPerWorker(r.cfg),
		MaxItemsPerRun:    r.cfg.MaxConcurrencyCPU * 20,
	}

	var steps []LoopTrace
	var stepRecords []StepRecord
	var previousSLA *SLASnapshot
	done := false
	blockedReason := ""

	if guard != nil && !guard.OK && guard.FailClosed {
		blockedReason = guard.Reason
	}

	for loop := 0; blockedReason == "" && loop < maxLoops; loop++ {
		select {
		case <-ctx.Done():
			blockedReason = "context_cancelled"
		default:
		}
		if blockedReason != "" {
			break
		}

		signals, resourceSignals := signalsFn()

		slaPressureApplied := false
		if applied, next := ApplySLAPressure(r.cfg.Adaptive, previousSLA, state); applied {
			state = next
			slaPressureApplied = true
		}
		adaptive := EvaluateAdaptive(r.cfg.Adaptive, state, resourceSignals, stepRecords)
		if adaptive.Enabled {
			state = adaptive.State
		}

		decision := r.gov.Decide(signals)
		if decision.Mode != governor.ModeIdleDrain {
			blockedReason = decision.Reason
			break
		}

		lease := r.gov.Lease("idlebatch.step", int64(state.MaxConcurrencyCPU)*1000, true)
		if !lease.Allowed || lease.GrantedMs <= 0 {
			blockedReason = "budget_unavailable"
			break
		}

		shouldAbort := func() bool {
			sig, _ := signalsFn()
			return r.gov.ShouldPreempt(sig)
		}

		started := time.Now()
		stepDone, pending, completed := step(shouldAbort, lease.GrantedMs)
		consumedMs := time.Since(started).Milliseconds()
		r.gov.Release(lease, consumedMs)

		rec := StepRecord{
			Loop:             loop,
			Mode:             string(decision.Mode),
			Reason:           decision.Reason,
			ConsumedMs:       consumedMs,
			Done:             stepDone,
			PendingRecords:   pending,
			RecordsCompleted: completed,
		}
		stepRecords = append(stepRecords, rec)

		sla := EstimateSLA(r.cfg.SLA, stepRecords)
		previousSLA = &sla

		trace := LoopTrace{
			Loop:            loop,
			Mode:            rec.Mode,
			Reason:          rec.Reason,
			BudgetGrantedMs: lease.GrantedMs,
			ConsumedMs:      consumedMs,
			Done:            stepDone,
		}
		if adaptive.Enabled {
			trace.Adaptive = &adaptive
		}
		trace.SLAPressure = slaPressureApplied
		steps = append(steps, trace)

		if stepDone {
			done = true
			break
		}
	}

	sla := EstimateSLA(r.cfg.SLA, stepRecords)

	manifest, err := BuildManifest(ManifestInput{
		RunID:             mc.RunID,
		EffectiveConfig:   mc.EffectiveConfig,
		ContractsLockPath: mc.ContractsLockPath,
		PluginLocksPath:   mc.PluginLocksPath,
		Done:              done,
		BlockedReason:     blockedReason,
		Steps:             steps,
		SLA:               sla,
		MetadataDBGuard:   guard,
	})
	if err != nil {
		return Summary{}, err
	}

	if r.builder != nil {
		payload := map[string]interface{}{
			"event":                   "derived.landscape.manifest",
			"run_id":                  manifest.RunID,
			"effective_config_sha256": manifest.EffectiveConfigSHA256,
			"done":                    manifest.Done,
			"blocked_reason":          manifest.BlockedReason,
			"loops":                   manifest.Loops,
			"sla":                     manifest.SLA,
			"slo_alerts":              manifest.SLOAlerts,
			"payload_hash":            manifest.PayloadHash,
		}
		if _, _, err := r.builder.Record("idlebatch.manifest", "derived.landscape.manifest", nil, nil, payload); err != nil {
			return Summary{}, err
		}
	}

	return Summary{
		Done:          done,
		BlockedReason: blockedReason,
		Loops:         len(steps),
		SLA:           sla,
		Manifest:      manifest,
	}, nil
}

func batchPerWorker(cfg config.IdleBatchConfig) int {
	if cfg.BatchPerWorker > 0 {
		return cfg.BatchPerWorker
	}
	return 3
}
