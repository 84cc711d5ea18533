// Package pressure samples free disk space and derives the capture
// pipeline's backpressure level (spec.md §4.4), grounded on
// original_source/autocapture/storage/pressure.py.
package pressure

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/autocapture/engine/internal/eventbuilder"
)

// Level is the disk pressure classification the backpressure controller
// and the Conductor's hard-stop check read.
type Level string

const (
	LevelOK       Level = "ok"
	LevelWarn     Level = "warn"
	LevelSoft     Level = "soft"
	LevelCritical Level = "critical"
)

// Config thresholds mirror pressure.py's dataclass fields: either an
// absolute watermark in MB (checked first, takes priority) or a
// free-space-in-GB tier.
type Config struct {
	WatermarkSoftMB int64
	WatermarkHardMB int64
	WarnFreeGB      int64
	SoftFreeGB      int64
	CriticalFreeGB  int64
	IntervalS       int64
}

// DefaultConfig matches pressure.py's defaults.
func DefaultConfig() Config {
	return Config{
		WarnFreeGB:     200,
		SoftFreeGB:     100,
		CriticalFreeGB: 50,
		IntervalS:      3600,
	}
}

// Sample is one disk pressure reading (pressure.py's DiskPressureSample).
type Sample struct {
	TSUTC         time.Time
	FreeBytes     int64
	TotalBytes    int64
	UsedBytes     int64
	FreeGB        int64
	HardHalt      bool
	EvidenceBytes int64
	DerivedBytes  int64
	MetadataBytes int64
	LexicalBytes  int64
	VectorBytes   int64
	Level         Level
}

// Payload projects a Sample into the journal/ledger payload shape
// (pressure.py's sample_payload).
func (s Sample) Payload() map[string]interface{} {
	return map[string]interface{}{
		"ts_utc":         s.TSUTC,
		"free_gb":        s.FreeGB,
		"free_bytes":     s.FreeBytes,
		"total_bytes":    s.TotalBytes,
		"used_bytes":     s.UsedBytes,
		"hard_halt":      s.HardHalt,
		"evidence_bytes": s.EvidenceBytes,
		"derived_bytes":  s.DerivedBytes,
		"metadata_bytes": s.MetadataBytes,
		"lexical_bytes":  s.LexicalBytes,
		"vector_bytes":   s.VectorBytes,
		"level":          string(s.Level),
	}
}

func classify(freeBytes, freeGB int64, cfg Config) (Level, bool) {
	if cfg.WatermarkHardMB > 0 && freeBytes <= cfg.WatermarkHardMB*1024*1024 {
		return LevelCritical, true
	}
	if cfg.WatermarkSoftMB > 0 && freeBytes <= cfg.WatermarkSoftMB*1024*1024 {
		return LevelSoft, false
	}
	switch {
	case cfg.CriticalFreeGB > 0 && freeGB <= cfg.CriticalFreeGB:
		return LevelCritical, false
	case cfg.SoftFreeGB > 0 && freeGB <= cfg.SoftFreeGB:
		return LevelSoft, false
	case cfg.WarnFreeGB > 0 && freeGB <= cfg.WarnFreeGB:
		return LevelWarn, false
	default:
		return LevelOK, false
	}
}

func dirSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	_ = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil || fi == nil || fi.IsDir() {
			return nil
		}
		total += fi.Size()
		return nil
	})
	return total
}

func mediaBytesByKind(mediaDir string) (evidence, derived int64) {
	_ = filepath.Walk(mediaDir, func(p string, fi os.FileInfo, err error) error {
		if err != nil || fi == nil || fi.IsDir() {
			return nil
		}
		if filepath.Base(filepath.Dir(p)) == "derived" {
			derived += fi.Size()
		} else {
			evidence += fi.Size()
		}
		return nil
	})
	return evidence, derived
}

// Paths points Sample at the storage roots it should measure, letting
// callers pass the engine's already-normalized config.StorageConfig
// fields without this package importing internal/config.
type Paths struct {
	DataDir      string
	MediaDir     string
	MetadataPath string
	LexicalPath  string
	VectorPath   string
}

// Sample measures free disk space at paths.DataDir and the size of every
// configured storage root, classifying the result per cfg.
func SampleDiskPressure(cfg Config, paths Paths) (Sample, error) {
	usage, err := disk.Usage(paths.DataDir)
	if err != nil {
		return Sample{}, err
	}
	freeBytes := int64(usage.Free)
	freeGB := freeBytes / (1024 * 1024 * 1024)

	evidenceBytes, derivedBytes := mediaBytesByKind(paths.MediaDir)
	level, hardHalt := classify(freeBytes, freeGB, cfg)

	return Sample{
		TSUTC:         time.Now().UTC(),
		FreeBytes:     freeBytes,
		TotalBytes:    int64(usage.Total),
		UsedBytes:     int64(usage.Used),
		FreeGB:        freeGB,
		HardHalt:      hardHalt,
		EvidenceBytes: evidenceBytes,
		DerivedBytes:  derivedBytes,
		MetadataBytes: dirSize(paths.MetadataPath),
		LexicalBytes:  dirSize(paths.LexicalPath),
		VectorBytes:   dirSize(paths.VectorPath),
		Level:         level,
	}, nil
}

// Monitor gates disk pressure sampling to cfg.IntervalS and records each
// sample through the event builder, mirroring pressure.py's
// StoragePressureMonitor (due()/record()).
type Monitor struct {
	cfg     Config
	paths   Paths
	builder *eventbuilder.Builder
	last    time.Time
}

// NewMonitor constructs a Monitor. builder may be nil for callers that
// only want Sample()'s raw reading without journal/ledger recording
// (e.g. the `doctor` CLI's disk-space check).
func NewMonitor(cfg Config, paths Paths, builder *eventbuilder.Builder) *Monitor {
	return &Monitor{cfg: cfg, paths: paths, builder: builder}
}

// Due reports whether enough time has elapsed since the last recorded
// sample, per pressure.py's minimum-60s floor.
func (m *Monitor) Due() bool {
	interval := time.Duration(m.cfg.IntervalS) * time.Second
	if interval < 60*time.Second {
		interval = 60 * time.Second
	}
	return time.Since(m.last) >= interval
}

// Record takes a sample and writes it as a "disk.pressure" journal event
// plus "storage.pressure" ledger entry. Returns the sample so callers can
// react to Level/HardHalt immediately without a second read.
func (m *Monitor) Record(ctx context.Context) (Sample, error) {
	sample, err := SampleDiskPressure(m.cfg, m.paths)
	if err != nil {
		return Sample{}, err
	}
	if m.builder != nil {
		if _, _, err := m.builder.Record("storage.pressure", "disk.pressure", nil, nil, sample.Payload()); err != nil {
			return sample, err
		}
	}
	m.last = time.Now()
	return sample, nil
}
