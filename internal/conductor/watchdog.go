package conductor

import (
	"context"
	"time"

	"github.com/autocapture/engine/internal/governor"
)

// WatchdogPayload is the idle-heartbeat state machine's reading for one
// tick, ported from conductor.py's _watchdog_payload. State is one of
// disabled|paused|error|pending|stalled|ok.
type WatchdogPayload struct {
	Enabled         bool      `json:"enabled"`
	State           string    `json:"state"`
	Reason          string    `json:"reason"`
	StallSeconds    int       `json:"stall_seconds"`
	MinIdleSeconds  int       `json:"min_idle_seconds"`
	IdleSeconds     float64   `json:"idle_seconds"`
	UserActive      bool      `json:"user_active"`
	LastIdleRunTS   time.Time `json:"last_idle_run_ts,omitempty"`
	LastIdleOKTS    time.Time `json:"last_idle_ok_ts,omitempty"`
	LastIdleErrorTS time.Time `json:"last_idle_error_ts,omitempty"`
	LastIdleError   string    `json:"last_idle_error,omitempty"`
	AgeSeconds      float64   `json:"age_seconds,omitempty"`
}

// watchdogPayload computes this tick's watchdog state: disabled when
// idle processing is off, paused while the user is active or idle time
// hasn't cleared the minimum, error while the last idle run ended in a
// failure more recent than its last success, pending before any idle run
// has ever happened, stalled once too long has passed since the last
// heartbeat, ok otherwise.
func (c *Conductor) watchdogPayload(signals Signals, mode governor.Mode, reason string) WatchdogPayload {
	stallSeconds := c.cfg.WatchdogStallSeconds
	if stallSeconds <= 0 {
		stallSeconds = 300
	}
	minIdleSeconds := c.cfg.WatchdogMinIdleSeconds

	payload := WatchdogPayload{
		Enabled:        c.cfg.WatchdogEnabled && c.cfg.IdleExtractEnabled,
		State:          "disabled",
		StallSeconds:   stallSeconds,
		MinIdleSeconds: minIdleSeconds,
		IdleSeconds:    signals.Governor.IdleSeconds,
		UserActive:     signals.Governor.UserActive,
		LastIdleRunTS:  c.st.lastIdleRun,
		LastIdleOKTS:   c.st.lastIdleOK,
		LastIdleErrorTS: c.st.lastIdleErrorTS,
		LastIdleError:  c.st.lastIdleError,
	}

	if !payload.Enabled {
		payload.Reason = "idle_disabled"
		return payload
	}
	if payload.UserActive || payload.IdleSeconds < float64(minIdleSeconds) {
		payload.State = "paused"
		if payload.UserActive {
			payload.Reason = "active_user"
		} else {
			payload.Reason = "idle_short"
		}
		return payload
	}
	if mode == governor.ModeActiveCaptureOnly {
		payload.State = "paused"
		payload.Reason = reason
		if payload.Reason == "" {
			payload.Reason = "governor_block"
		}
		return payload
	}
	if !c.st.lastIdleErrorTS.IsZero() && (c.st.lastIdleOK.IsZero() || c.st.lastIdleErrorTS.After(c.st.lastIdleOK)) {
		payload.State = "error"
		payload.Reason = "idle_error"
		payload.AgeSeconds = time.Since(c.st.lastIdleErrorTS).Seconds()
		return payload
	}
	if c.st.lastIdleRun.IsZero() {
		payload.State = "pending"
		payload.Reason = "no_idle_runs"
		return payload
	}
	age := time.Since(c.st.lastIdleRun)
	payload.AgeSeconds = age.Seconds()
	if age >= time.Duration(stallSeconds)*time.Second {
		payload.State = "stalled"
		payload.Reason = "no_idle_heartbeat"
	} else {
		payload.State = "ok"
	}
	return payload
}

// maybeEmitWatchdogEvent emits a throttled state-change event: entering
// stalled/error emits at most once per stall-seconds window, and
// recovering from either back to ok emits a restore event, ported from
// _maybe_emit_watchdog_event.
func (c *Conductor) maybeEmitWatchdogEvent(w WatchdogPayload) {
	if w.State == "" {
		return
	}
	now := time.Now()
	var eventType string
	switch w.State {
	case "stalled", "error":
		throttle := time.Duration(w.StallSeconds) * time.Second
		if throttle < 60*time.Second {
			throttle = 60 * time.Second
		}
		if c.lastWatchdogState == w.State && !c.lastWatchdogEventTS.IsZero() && now.Sub(c.lastWatchdogEventTS) < throttle {
			c.lastWatchdogState = w.State
			return
		}
		eventType = "processing.watchdog." + w.State
	case "ok":
		if c.lastWatchdogState == "stalled" || c.lastWatchdogState == "error" {
			eventType = "processing.watchdog.restore"
		}
	}
	c.lastWatchdogState = w.State
	if eventType == "" {
		return
	}
	c.recordJournal(context.Background(), eventType, map[string]interface{}{
		"event": eventType, "state": w.State, "reason": w.Reason, "age_seconds": w.AgeSeconds,
	})
	c.lastWatchdogEventTS = now
}
