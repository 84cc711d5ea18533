package idlebatch

import (
	"os"
	"time"

	"github.com/autocapture/engine/internal/config"
)

// DBGuardSnapshot is the metadata DB stability check's outcome (spec.md
// §4.10's metadata_db_guard: "sample the metadata DB inode/size/mtime N
// times at interval T; if any sample differs, churn").
type DBGuardSnapshot struct {
	Enabled    bool
	OK         bool
	FailClosed bool
	Reason     string
}

// CheckMetadataDBGuard samples dbPath's size and mtime cfg.SampleCount
// times, cfg.PollIntervalMs apart. Any two samples disagreeing on size or
// mtime is treated as churn. A missing file is reported not-ok with reason
// "missing", since there is nothing to stabilize a check against.
//
// Go has no portable inode accessor in the standard library across the
// platforms this engine targets, so this guard samples size+mtime only;
// that is sufficient to detect the write-in-progress churn the sweep cares
// about, since a stable file's size and mtime are invariant across the
// sampling window.
func CheckMetadataDBGuard(cfg config.MetadataDBGuardConfig, dbPath string) DBGuardSnapshot {
	if !cfg.Enabled {
		return DBGuardSnapshot{Enabled: false, OK: true, Reason: "disabled"}
	}

	samples := cfg.SampleCount
	if samples < 1 {
		samples = 1
	}
	interval := time.Duration(cfg.PollIntervalMs) * time.Millisecond

	var firstSize int64
	var firstMtime time.Time
	for i := 0; i < samples; i++ {
		info, err := os.Stat(dbPath)
		if err != nil {
			return DBGuardSnapshot{Enabled: true, OK: false, FailClosed: cfg.FailClosed, Reason: "missing"}
		}
		if i == 0 {
			firstSize = info.Size()
			firstMtime = info.ModTime()
		} else if info.Size() != firstSize || !info.ModTime().Equal(firstMtime) {
			return DBGuardSnapshot{Enabled: true, OK: false, FailClosed: cfg.FailClosed, Reason: "metadata_db_unstable"}
		}
		if i < samples-1 && interval > 0 {
			time.Sleep(interval)
		}
	}
	return DBGuardSnapshot{Enabled: true, OK: true, FailClosed: cfg.FailClosed, Reason: "ok"}
}
