package wsl2queue

import (
	"sync"
	"time"
)

// dedupeWindow tracks recently dispatched job keys within a TTL window,
// coalescing identical jobs (spec.md §4.11: "identical jobs are
// coalesced"). Adapted from the teacher's generic replay-attack detector
// (infrastructure/security.ReplayProtection: a window-bound seen-ID map
// with periodic expired-entry cleanup) into this queue's specific
// job_key → job_id coalescing contract — this is the in-memory fast path
// in front of the on-disk request_index directory, which survives
// process restarts that this map does not.
type dedupeWindow struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]dedupeEntry
}

type dedupeEntry struct {
	jobID string
	at    time.Time
}

func newDedupeWindow(window time.Duration) *dedupeWindow {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &dedupeWindow{window: window, seen: make(map[string]dedupeEntry)}
}

// checkAndMark returns the coalesced job_id and true if jobKey was seen
// within the window; otherwise it records jobID under jobKey and returns
// ("", false).
func (d *dedupeWindow) checkAndMark(jobKey, jobID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.seen)%100 == 0 {
		d.cleanupLocked()
	}

	if entry, ok := d.seen[jobKey]; ok && time.Since(entry.at) < d.window {
		return entry.jobID, true
	}
	d.seen[jobKey] = dedupeEntry{jobID: jobID, at: time.Now()}
	return "", false
}

func (d *dedupeWindow) cleanupLocked() {
	now := time.Now()
	for key, entry := range d.seen {
		if now.Sub(entry.at) > d.window {
			delete(d.seen, key)
		}
	}
}

// size reports the number of tracked job keys, for diagnostics.
func (d *dedupeWindow) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
