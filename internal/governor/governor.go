// Package governor implements the runtime Governor (spec.md §4.1): it
// decides which operating mode applies given the current signals and
// issues bounded, cancellable work leases against a rolling millisecond
// budget.
package governor

import (
	"sync"
	"time"

	"github.com/autocapture/engine/infrastructure/logging"
	"github.com/autocapture/engine/infrastructure/ratelimit"
)

// Mode is one of the three exhaustive runtime modes (spec.md §4.1).
type Mode string

const (
	ModeActiveCaptureOnly Mode = "ACTIVE_CAPTURE_ONLY"
	ModeIdleDrain         Mode = "IDLE_DRAIN"
	ModeUserQuery         Mode = "USER_QUERY"
)

// Signals is the sole input to Decide; the Conductor assembles it each
// tick from the activity tracker, resource sampler, and query front end.
type Signals struct {
	QueryIntent       bool
	AllowQueryHeavy   bool
	UserActive        bool
	SuspendWorkers    bool
	IdleSeconds       float64
	IdleWindowS       float64
	CPUUtilization    float64
	CPUMaxUtilization float64
	RAMUtilization    float64
	RAMMaxUtilization float64
	GPUOnlyAllowed    bool
	FullscreenActive  bool
}

// Decision is the Governor's verdict for one tick. The Governor never
// fails: misconfiguration folds into a conservative decision instead of
// an error.
type Decision struct {
	Mode     Mode
	Reason   string
	Degraded bool
}

// Config controls lease budgeting and preemption timing.
type Config struct {
	WindowS             int64
	WindowBudgetMs      int64
	PerJobMaxMs         int64
	MaxHeavyConcurrency int
	PreemptGraceMs      int64
	SuspendDeadlineMs   int64
}

// DefaultConfig returns conservative defaults matching the teacher's
// DefaultConfig convention elsewhere in infrastructure/.
func DefaultConfig() Config {
	return Config{
		WindowS:             60,
		WindowBudgetMs:      20000,
		PerJobMaxMs:         2000,
		MaxHeavyConcurrency: 1,
		PreemptGraceMs:      500,
		SuspendDeadlineMs:   5000,
	}
}

// Lease is an ephemeral budget grant (spec.md §3, "Budget lease").
type Lease struct {
	JobName   string
	Allowed   bool
	GrantedMs int64
	Heavy     bool
}

// Governor holds the rolling budget and last-known mode. All mutation
// happens under a single lock per spec.md §5.
type Governor struct {
	mu            sync.Mutex
	cfg           Config
	budget        *ratelimit.MsBudget
	heavyInflight int
	lastMode      Mode
	modeChangedAt time.Time
	hasDecided    bool
	logger        *logging.Logger
}

// New constructs a Governor. A zero-value Config falls back to
// DefaultConfig's fields that are zero.
func New(cfg Config, logger *logging.Logger) *Governor {
	if cfg.WindowS <= 0 {
		cfg.WindowS = DefaultConfig().WindowS
	}
	if cfg.WindowBudgetMs <= 0 {
		cfg.WindowBudgetMs = DefaultConfig().WindowBudgetMs
	}
	if cfg.PerJobMaxMs <= 0 {
		cfg.PerJobMaxMs = DefaultConfig().PerJobMaxMs
	}
	if cfg.MaxHeavyConcurrency <= 0 {
		cfg.MaxHeavyConcurrency = DefaultConfig().MaxHeavyConcurrency
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Governor{
		cfg:      cfg,
		budget:   ratelimit.NewMsBudget(cfg.WindowS*1000, cfg.WindowBudgetMs),
		lastMode: ModeActiveCaptureOnly,
		logger:   logger,
	}
}

// Decide runs the mode decision algorithm of spec.md §4.1 against the
// given signals, recording the mode transition timestamp used by
// ShouldPreempt.
func (g *Governor) Decide(s Signals) Decision {
	d := decide(s)
	g.mu.Lock()
	if !g.hasDecided || d.Mode != g.lastMode {
		g.modeChangedAt = time.Now()
		g.hasDecided = true
	}
	g.lastMode = d.Mode
	g.mu.Unlock()
	return d
}

func decide(s Signals) Decision {
	// Resource override applies regardless of idleness or query intent
	// (spec.md §4.1, "Resource override").
	if (s.CPUMaxUtilization > 0 && s.CPUUtilization > s.CPUMaxUtilization) ||
		(s.RAMMaxUtilization > 0 && s.RAMUtilization > s.RAMMaxUtilization) {
		return Decision{Mode: ModeActiveCaptureOnly, Reason: "resource_budget"}
	}
	if s.QueryIntent && s.AllowQueryHeavy {
		return Decision{Mode: ModeUserQuery, Reason: "query_intent"}
	}
	if s.UserActive && s.SuspendWorkers {
		return Decision{Mode: ModeActiveCaptureOnly, Reason: "active_user"}
	}
	if s.IdleSeconds >= s.IdleWindowS {
		return Decision{Mode: ModeIdleDrain, Reason: "idle_threshold"}
	}
	if s.UserActive && !s.SuspendWorkers {
		return Decision{Mode: ModeIdleDrain, Reason: "active_user_not_suspended", Degraded: true}
	}
	return Decision{Mode: ModeActiveCaptureOnly, Reason: "default"}
}

// ShouldPreempt reports whether in-flight heavy work should be preempted:
// true once the mode has transitioned away from IDLE_DRAIN/USER_QUERY and
// PreemptGraceMs has elapsed since that transition.
func (g *Governor) ShouldPreempt(s Signals) bool {
	d := decide(s)
	g.mu.Lock()
	defer g.mu.Unlock()
	wasHeavyMode := g.lastMode == ModeIdleDrain || g.lastMode == ModeUserQuery
	if d.Mode == g.lastMode {
		return false
	}
	if !wasHeavyMode {
		// Transitioning between non-heavy modes is not a preemption event.
		g.lastMode = d.Mode
		g.modeChangedAt = time.Now()
		return false
	}
	transitionedAt := g.modeChangedAt
	g.lastMode = d.Mode
	g.modeChangedAt = time.Now()
	return time.Since(transitionedAt) >= time.Duration(g.cfg.PreemptGraceMs)*time.Millisecond || g.cfg.PreemptGraceMs <= 0
}

// Lease attempts to grant requestedMs for jobName, capped by
// PerJobMaxMs and, for heavy jobs, MaxHeavyConcurrency.
func (g *Governor) Lease(jobName string, requestedMs int64, heavy bool) Lease {
	if requestedMs > g.cfg.PerJobMaxMs {
		requestedMs = g.cfg.PerJobMaxMs
	}
	g.mu.Lock()
	if heavy {
		if g.heavyInflight >= g.cfg.MaxHeavyConcurrency {
			g.mu.Unlock()
			return Lease{JobName: jobName, Heavy: heavy}
		}
	}
	g.mu.Unlock()

	granted := g.budget.Reserve(requestedMs)
	if granted <= 0 {
		return Lease{JobName: jobName, Heavy: heavy}
	}
	if heavy {
		g.mu.Lock()
		g.heavyInflight++
		g.mu.Unlock()
	}
	return Lease{JobName: jobName, Allowed: true, GrantedMs: granted, Heavy: heavy}
}

// Release returns unused credit for a lease and, for heavy leases,
// decrements the in-flight counter. consumedMs is the amount of the
// grant actually spent (may equal GrantedMs if the job ran to budget).
func (g *Governor) Release(l Lease, consumedMs int64) {
	if !l.Allowed {
		return
	}
	g.budget.Release(l.GrantedMs, consumedMs)
	if l.Heavy {
		g.mu.Lock()
		if g.heavyInflight > 0 {
			g.heavyInflight--
		}
		g.mu.Unlock()
	}
}

// CurrentMode returns the Governor's last-decided mode without running
// the decision algorithm again.
func (g *Governor) CurrentMode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastMode
}

// BudgetSnapshot reports the rolling window's used/capacity milliseconds,
// used by SchedulerRunStats (spec.md §4.2).
func (g *Governor) BudgetSnapshot() (used, capacity int64) {
	return g.budget.Used(), g.budget.Capacity()
}
