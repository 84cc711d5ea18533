// Package scheduler implements the FIFO job queue of spec.md §4.2: it
// asks the Governor for a mode each tick, admits jobs whose flags permit
// that mode, steps admitted steppable jobs within a bounded budget, and
// records per-tick run stats.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/autocapture/engine/infrastructure/logging"
	"github.com/autocapture/engine/infrastructure/resilience"
	"github.com/autocapture/engine/internal/governor"
)

// StepResult is returned by a steppable job's Step function each call.
type StepResult struct {
	Done       bool
	ConsumedMs int64
}

// StepFunc is a cooperative job body: it must return control within
// budgetMs, either finishing (Done=true) or reporting partial progress
// (Done=false) to be re-enqueued for the next tick. shouldAbort is
// re-evaluated by the caller and must be polled between units of work
// (spec.md §5).
type StepFunc func(shouldAbort func() bool, budgetMs int64) StepResult

// Job is one unit of admittable work.
type Job struct {
	Name        string
	Heavy       bool
	GPUHeavy    bool
	GPUOnly     bool
	EstimatedMs int64
	Step        StepFunc
	MaxAttempts int
	Payload     interface{}

	attempts int
}

// GPURouter dispatches gpu_heavy jobs to the WSL2 routing queue instead of
// running them locally (spec.md §4.2/§4.11). Nil means no external queue
// is configured; gpu_heavy jobs are then treated as ordinary heavy jobs.
type GPURouter interface {
	Route(job Job) (routed bool)
}

// RunStats is recorded once per tick (spec.md §4.2).
type RunStats struct {
	Mode           governor.Mode
	Reason         string
	BudgetUsedMs   int64
	BudgetCapMs    int64
	InflightHeavy  int
	AdmittedHeavy  int
	CompletedJobs  int
	DeferredJobs   int
	PreemptedJobs  int
	RanLight       int
	RanGPUOnly    int
	RoutedJobs    int
	TSMonotonic   time.Time
}

// AttemptRecorder is called once per retried job attempt so the caller can
// append a `job.attempt` ledger entry (spec.md §9). May be nil.
type AttemptRecorder func(jobName string, attempt int, err error)

// Scheduler holds the FIFO job queue and the Governor it asks for mode
// decisions. It does not spawn worker goroutines of its own: run_pending
// executes synchronously on the calling goroutine (spec.md §5).
type Scheduler struct {
	mu        sync.Mutex
	jobs      []*Job
	gov       *governor.Governor
	router    GPURouter
	logger    *logging.Logger
	onAttempt AttemptRecorder
}

// New constructs a Scheduler bound to gov. router may be nil.
func New(gov *governor.Governor, router GPURouter, logger *logging.Logger, onAttempt AttemptRecorder) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{gov: gov, router: router, logger: logger, onAttempt: onAttempt}
}

// Enqueue appends job to the tail of the FIFO queue.
func (s *Scheduler) Enqueue(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := job
	s.jobs = append(s.jobs, &j)
}

// Len reports the number of queued jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// ForceStop drops every queued heavy job (including gpu_heavy/gpu_only)
// and returns the removed count (spec.md §4.2). Light jobs are left
// queued since they run unconditionally regardless of mode.
func (s *Scheduler) ForceStop(reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.jobs[:0]
	removed := 0
	for _, j := range s.jobs {
		if j.Heavy || j.GPUHeavy || j.GPUOnly {
			removed++
			continue
		}
		kept = append(kept, j)
	}
	s.jobs = kept
	s.logger.LogAudit(context.Background(), "force_stop", "scheduler", reason, "ok")
	return removed
}

// RunPending runs one scheduling tick: admit jobs per the current mode,
// step admitted steppable jobs, and re-enqueue any that are not done.
func (s *Scheduler) RunPending(signals governor.Signals) RunStats {
	decision := s.gov.Decide(signals)
	usedMs, capMs := s.gov.BudgetSnapshot()
	stats := RunStats{
		Mode:         decision.Mode,
		Reason:       decision.Reason,
		BudgetUsedMs: usedMs,
		BudgetCapMs:  capMs,
		TSMonotonic:  time.Now(),
	}

	s.mu.Lock()
	pending := s.jobs
	s.jobs = nil
	s.mu.Unlock()

	var requeue []*Job
	for _, job := range pending {
		admitted, routed := s.admit(job, decision, signals)
		if routed {
			stats.RoutedJobs++
			continue
		}
		if !admitted {
			requeue = append(requeue, job)
			stats.DeferredJobs++
			continue
		}

		if !job.Heavy && !job.GPUOnly {
			stats.RanLight++
		}
		if job.GPUOnly {
			stats.RanGPUOnly++
		}

		lease := governor.Lease{Allowed: true, GrantedMs: job.EstimatedMs}
		var heavyLease governor.Lease
		if job.Heavy {
			heavyLease = s.gov.Lease(job.Name, job.EstimatedMs, true)
			if !heavyLease.Allowed {
				requeue = append(requeue, job)
				stats.DeferredJobs++
				continue
			}
			lease = heavyLease
			stats.AdmittedHeavy++
			stats.InflightHeavy++
		}

		budget := lease.GrantedMs
		if budget <= 0 {
			budget = job.EstimatedMs
		}
		shouldAbort := func() bool { return s.gov.ShouldPreempt(signals) }
		result := s.runStep(job, shouldAbort, budget)

		if job.Heavy {
			s.gov.Release(heavyLease, result.ConsumedMs)
		}

		if result.Done {
			stats.CompletedJobs++
		} else {
			if shouldAbort() {
				stats.PreemptedJobs++
			}
			requeue = append(requeue, job)
		}
	}

	s.mu.Lock()
	s.jobs = append(requeue, s.jobs...)
	s.mu.Unlock()

	return stats
}

func (s *Scheduler) admit(job *Job, decision governor.Decision, signals governor.Signals) (admitted, routed bool) {
	if job.GPUOnly {
		if !signals.GPUOnlyAllowed {
			return false, false
		}
		return decision.Mode == governor.ModeIdleDrain || decision.Mode == governor.ModeUserQuery, false
	}
	if job.GPUHeavy {
		if s.router != nil && s.router.Route(*job) {
			return false, true
		}
		// Falls through to ordinary heavy admission when no router is
		// configured or the router declined to accept the job.
	}
	if job.Heavy || job.GPUHeavy {
		return decision.Mode == governor.ModeIdleDrain || decision.Mode == governor.ModeUserQuery, false
	}
	return true, false
}

func (s *Scheduler) runStep(job *Job, shouldAbort func() bool, budgetMs int64) StepResult {
	if job.Step == nil {
		return StepResult{Done: true}
	}
	if job.MaxAttempts <= 1 {
		return job.Step(shouldAbort, budgetMs)
	}
	return s.runStepWithRetries(job, shouldAbort, budgetMs)
}

// runStepWithRetries wraps job.Step in bounded exponential backoff
// (spec.md §9's run_job_with_retries helper), recording each attempt via
// onAttempt so the caller can append a `job.attempt` ledger entry.
func (s *Scheduler) runStepWithRetries(job *Job, shouldAbort func() bool, budgetMs int64) StepResult {
	var last StepResult
	cfg := resilience.RetryConfig{MaxAttempts: job.MaxAttempts, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.1}
	attempt := 0
	_ = resilience.Retry(context.Background(), cfg, func() error {
		attempt++
		job.attempts = attempt
		func() {
			defer func() {
				if r := recover(); r != nil {
					last = StepResult{}
				}
			}()
			last = job.Step(shouldAbort, budgetMs)
		}()
		if last.Done {
			if s.onAttempt != nil {
				s.onAttempt(job.Name, attempt, nil)
			}
			return nil
		}
		err := errNotDone
		if s.onAttempt != nil {
			s.onAttempt(job.Name, attempt, err)
		}
		if shouldAbort() {
			return nil // stop retrying once preemption is requested
		}
		return err
	})
	return last
}

var errNotDone = &notDoneError{}

type notDoneError struct{}

func (*notDoneError) Error() string { return "scheduler: job step did not finish within budget" }
