package metrics

import (
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-engine", reg)
	if m == nil {
		t.Fatal("NewWithRegistry() returned nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered collectors to be gatherable")
	}
}

func TestRecordCaptureFrameAndDrop(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-engine", reg)

	m.RecordCaptureFrame("grab")
	m.RecordCaptureDrop("grab", "drop_oldest")

	if got := testutil.ToFloat64(m.CaptureFramesTotal.WithLabelValues("grab")); got != 1 {
		t.Errorf("capture frames = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CaptureDropsTotal.WithLabelValues("grab", "drop_oldest")); got != 1 {
		t.Errorf("capture drops = %v, want 1", got)
	}
}

func TestRecordSegmentSealed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-engine", reg)

	m.RecordSegmentSealed("avi_mjpeg", 50*time.Millisecond)
	if got := testutil.ToFloat64(m.SegmentsSealedTotal); got != 1 {
		t.Errorf("segments sealed = %v, want 1", got)
	}
}

func TestRecordGovernorMode(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-engine", reg)

	m.RecordGovernorMode("IDLE_DRAIN", "idle_window_elapsed")
	if got := testutil.ToFloat64(m.GovernorModeTotal.WithLabelValues("IDLE_DRAIN", "idle_window_elapsed")); got != 1 {
		t.Errorf("governor mode total = %v, want 1", got)
	}
}

func TestRecordError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-engine", reg)

	m.RecordError("StorageError", "journal.append")
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("StorageError", "journal.append")); got != 1 {
		t.Errorf("errors total = %v, want 1", got)
	}
}

func TestUpdateUptime(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-engine", reg)

	start := time.Now().Add(-5 * time.Second)
	m.UpdateUptime(start)
}

func TestEnabled(t *testing.T) {
	old, hadOld := os.LookupEnv("METRICS_ENABLED")
	defer func() {
		if hadOld {
			os.Setenv("METRICS_ENABLED", old)
		} else {
			os.Unsetenv("METRICS_ENABLED")
		}
	}()

	os.Setenv("METRICS_ENABLED", "true")
	if !Enabled() {
		t.Error("expected Enabled() to be true when METRICS_ENABLED=true")
	}

	os.Setenv("METRICS_ENABLED", "false")
	if Enabled() {
		t.Error("expected Enabled() to be false when METRICS_ENABLED=false")
	}
}

func TestInitAndGlobal(t *testing.T) {
	m1 := Init("test-service")
	m2 := Global()
	if m1 != m2 {
		t.Error("Init() and Global() should return the same instance")
	}
}
