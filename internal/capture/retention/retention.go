// Package retention implements the storage retention sweep the Conductor
// schedules as its `storage.retention` job (spec.md §4.3): sealed segments
// older than the configured retention window are deleted, logged, never
// silently dropped. Segment lifecycle is "deletable only by explicit
// retention sweep (logged)" (spec.md §3), mirrored here by a
// `storage.retention` ledger+journal entry per sweep.
package retention

import (
	"context"
	"time"

	"github.com/autocapture/engine/internal/eventbuilder"
	"github.com/autocapture/engine/internal/store"
)

// Config controls the retention sweep's window and cadence.
type Config struct {
	RetentionDays int
	IntervalS     int64
}

// Result is one sweep's outcome.
type Result struct {
	TSUTC     time.Time `json:"ts_utc"`
	Cutoff    time.Time `json:"cutoff"`
	Evaluated int       `json:"evaluated"`
	Deleted   int       `json:"deleted"`
	Errors    int       `json:"errors"`
}

// Monitor gates retention sweeps to cfg.IntervalS and records each sweep
// through the event builder, mirroring internal/capture/pressure.Monitor's
// due()/record() shape.
type Monitor struct {
	cfg     Config
	meta    *store.MetadataStore
	media   *store.ContentStore
	builder *eventbuilder.Builder
	last    time.Time
}

// NewMonitor constructs a Monitor. builder may be nil to skip journal/ledger
// recording (e.g. a `doctor` dry-run).
func NewMonitor(cfg Config, meta *store.MetadataStore, media *store.ContentStore, builder *eventbuilder.Builder) *Monitor {
	return &Monitor{cfg: cfg, meta: meta, media: media, builder: builder}
}

// Due reports whether enough time has elapsed since the last sweep.
func (m *Monitor) Due() bool {
	interval := time.Duration(m.cfg.IntervalS) * time.Second
	if interval < 60*time.Second {
		interval = 60 * time.Second
	}
	return time.Since(m.last) >= interval
}

// Record sweeps every sealed segment older than RetentionDays, deleting its
// media blob and metadata row, and writes one `storage.retention` summary
// event.
func (m *Monitor) Record(ctx context.Context) (Result, error) {
	days := m.cfg.RetentionDays
	if days <= 0 {
		days = 90
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	expired, err := m.meta.ExpiredSealedSegments(ctx, cutoff)
	if err != nil {
		return Result{}, err
	}

	result := Result{TSUTC: time.Now().UTC(), Cutoff: cutoff, Evaluated: len(expired)}
	for _, seg := range expired {
		if seg.ContentHash != "" && m.media != nil {
			if err := m.media.Delete(ctx, seg.ContentHash); err != nil {
				result.Errors++
				continue
			}
		}
		if err := m.meta.DeleteSegment(ctx, seg.SegmentID); err != nil {
			result.Errors++
			continue
		}
		result.Deleted++
	}

	if m.builder != nil {
		payload := map[string]interface{}{
			"ts_utc":    result.TSUTC,
			"cutoff":    result.Cutoff,
			"evaluated": result.Evaluated,
			"deleted":   result.Deleted,
			"errors":    result.Errors,
		}
		if _, _, err := m.builder.Record("storage.retention", "storage.retention", nil, nil, payload); err != nil {
			return result, err
		}
	}
	m.last = time.Now()
	return result, nil
}
