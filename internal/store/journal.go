package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/autocapture/engine/internal/canon"
)

// JournalEvent is one append-only, human-auditable event line written to
// journal.ndjson, matching spec.md §3's journal event entity:
// {event_id, event_type, ts_utc, payload, run_id, tzid, offset_minutes}.
// EventType is a dotted name ("capture.segment", "runtime.force_stop",
// "storage.recovery", ...); Payload carries event-specific fields.
type JournalEvent struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	TSUTC         time.Time              `json:"ts_utc"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	RunID         string                 `json:"run_id,omitempty"`
	TZID          string                 `json:"tzid,omitempty"`
	OffsetMinutes int                    `json:"offset_minutes"`
}

// Journal is the append-only newline-delimited canonical JSON event log. It
// assigns each event a stable, restart-safe event_id from a per-journal
// sequence counter seeded from the line count already on disk.
type Journal struct {
	mu     sync.Mutex
	path   string
	policy FsyncPolicy
	runID  string
	seq    uint64
}

// OpenJournal opens (or creates on first append) the journal at path,
// scoping generated event IDs to runID (see canon.RecordID).
func OpenJournal(path string, policy FsyncPolicy, runID string) (*Journal, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	return &Journal{path: path, policy: policy, runID: runID, seq: uint64(len(lines))}, nil
}

// Append writes a single event. It is sugar over AppendBatch for the
// common one-event case.
func (j *Journal) Append(eventType string, payload map[string]interface{}) (JournalEvent, error) {
	events, err := j.AppendBatch([]JournalEvent{{
		EventType: eventType,
		Payload:   payload,
	}})
	if err != nil {
		return JournalEvent{}, err
	}
	return events[0], nil
}

// AppendBatch durably appends every event in one temp-file + rename write,
// so the fsync policy applies once per batch rather than once per event.
// Each event is stamped with its event_id, ts_utc, run_id, tzid, and
// offset_minutes when the caller has not already set them.
func (j *Journal) AppendBatch(events []JournalEvent) ([]JournalEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	lines := make([]string, len(events))
	for i, e := range events {
		if e.TSUTC.IsZero() {
			e.TSUTC = time.Now().UTC()
		}
		if e.RunID == "" {
			e.RunID = j.runID
		}
		if e.EventID == "" {
			e.EventID = canon.RecordID(j.runID, "journal_event", j.seq)
			j.seq++
		}
		if e.TZID == "" {
			zoneName, offsetSeconds := time.Now().Zone()
			e.TZID = zoneName
			e.OffsetMinutes = offsetSeconds / 60
		}
		events[i] = e

		line, err := canon.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("journal: encode event %q: %w", e.EventType, err)
		}
		lines[i] = string(line)
	}

	if err := appendLines(j.path, j.policy, lines); err != nil {
		return nil, err
	}
	return events, nil
}

// ReadAll returns every event currently on disk, in append order. Intended
// for recovery sweeps and tests, not the steady-state write path.
func (j *Journal) ReadAll() ([]JournalEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	lines, err := readLines(j.path)
	if err != nil {
		return nil, err
	}

	events := make([]JournalEvent, 0, len(lines))
	for _, line := range lines {
		var e JournalEvent
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("journal: decode line: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
