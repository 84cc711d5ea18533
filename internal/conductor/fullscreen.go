package conductor

import "time"

// FullscreenSignal mirrors fullscreen.py's FullscreenSnapshot: whether a
// foreground window currently covers its monitor, suppressing idle work.
type FullscreenSignal struct {
	Enabled    bool
	Fullscreen bool
	Reason     string
	TSUTC      time.Time
}

// FullscreenChecker reports the current fullscreen state. NoopFullscreen is
// the default: this engine has no Win32 active-window binding (the same
// cgo/platform-binding boundary gpulag.Sampler draws for GPU readings), so
// without a platform-specific Checker fullscreen suppression never engages.
type FullscreenChecker interface {
	Check() FullscreenSignal
}

// NoopFullscreenChecker always reports "unsupported", matching
// fullscreen_snapshot's os.name != "nt" branch.
type NoopFullscreenChecker struct{}

func (NoopFullscreenChecker) Check() FullscreenSignal {
	return FullscreenSignal{Enabled: true, Fullscreen: false, Reason: "unsupported", TSUTC: time.Now().UTC()}
}

// DisabledFullscreenChecker always reports fullscreen suppression disabled,
// used when ConductorConfig.FullscreenEnabled is false.
type DisabledFullscreenChecker struct{}

func (DisabledFullscreenChecker) Check() FullscreenSignal {
	return FullscreenSignal{Enabled: false, Fullscreen: false, Reason: "disabled", TSUTC: time.Now().UTC()}
}
