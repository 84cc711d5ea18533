package conductor

import (
	"github.com/autocapture/engine/internal/governor"
	"github.com/autocapture/engine/internal/governor/gpulag"
)

// ActivitySignal is the input tracker's idle/activity reading (conductor.py's
// _signals, the activity_signal()/idle_seconds() branch).
type ActivitySignal struct {
	IdleSeconds    float64
	UserActive     bool
	ActivityScore  float64
	ActivityRecent bool
}

// ActivityTracker reports the current user-activity state. NoopActivityTracker
// is the default when no platform input tracker is wired: it reports the
// user as active (idle_seconds=0), matching conductor.py's
// assume_idle_when_missing=false default.
type ActivityTracker interface {
	Signal() ActivitySignal
}

// NoopActivityTracker always reports an active user.
type NoopActivityTracker struct{}

func (NoopActivityTracker) Signal() ActivitySignal {
	return ActivitySignal{IdleSeconds: 0, UserActive: true}
}

// Signals is one tick's fully assembled decision input: the Governor's
// governor.Signals plus the auxiliary fields the Conductor itself consumes
// (fullscreen, GPU guard, resource readings) that governor.Signals doesn't
// carry.
type Signals struct {
	Governor         governor.Signals
	Fullscreen       FullscreenSignal
	GPUGuard         gpulag.Decision
	Resources        ResourceSnapshot
	RunID            string
}

// assembleSignals ports conductor.py's _signals: it blends activity,
// resource, fullscreen, and GPU-guard readings into one tick's Signals,
// forcing query_intent when force is true (the run_once(force=True) path
// used by one-shot CLI invocations).
func (c *Conductor) assembleSignals(force bool) Signals {
	activity := c.activity.Signal()
	userActive := activity.UserActive

	resources := c.resources.Sample()

	fullscreen := c.fullscreen.Check()

	gpuDecision := gpulag.Decision{OK: false, Reason: "disabled"}
	gpuOnlyAllowed := false
	if c.gpuGuardCfg.Enabled {
		sample := c.gpuSampler.Sample(0)
		telemetry := c.captureTelemetry()
		gpuDecision = gpulag.Evaluate(c.gpuGuardCfg, telemetry, &sample)
		gpuOnlyAllowed = userActive && c.cfg.GPUAllowDuringActive && gpuDecision.OK
	}
	if fullscreen.Fullscreen {
		gpuOnlyAllowed = false
	}

	gs := governor.Signals{
		QueryIntent:       force,
		AllowQueryHeavy:   c.govCfg.AllowQueryHeavy,
		UserActive:        userActive,
		SuspendWorkers:    c.govCfg.SuspendWorkers,
		IdleSeconds:       activity.IdleSeconds,
		IdleWindowS:       float64(c.govCfg.IdleWindowS),
		CPUUtilization:    resources.CPUUtilization,
		CPUMaxUtilization: c.govCfg.CPUMaxUtilization,
		RAMUtilization:    resources.RAMUtilization,
		RAMMaxUtilization: c.govCfg.RAMMaxUtilization,
		GPUOnlyAllowed:    gpuOnlyAllowed,
		FullscreenActive:  fullscreen.Fullscreen,
	}

	return Signals{
		Governor:   gs,
		Fullscreen: fullscreen,
		GPUGuard:   gpuDecision,
		Resources:  resources,
		RunID:      c.runID,
	}
}

// captureTelemetry reads the capture pipeline's latest telemetry sample
// (spec.md §2) for the GPU lag guard. Missing/unrecorded telemetry yields
// an invalid reading, which gpulag.Evaluate fails closed on.
func (c *Conductor) captureTelemetry() gpulag.CaptureTelemetry {
	if c.telemetry == nil {
		return gpulag.CaptureTelemetry{}
	}
	sample, ok := c.telemetry.Latest("capture.pipeline")
	if !ok {
		return gpulag.CaptureTelemetry{}
	}
	get := func(key string) *float64 {
		v, ok := sample.Payload[key]
		if !ok {
			return nil
		}
		f, ok := toFloat(v)
		if !ok {
			return nil
		}
		return &f
	}
	return gpulag.CaptureTelemetry{
		Valid:           true,
		LagP95Ms:        get("lag_p95_ms"),
		QueueDepthP95:   get("queue_depth_p95"),
		LastCaptureAgeS: get("last_capture_age_s"),
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
