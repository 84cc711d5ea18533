package kernel

import (
	"path/filepath"
	"testing"

	"github.com/autocapture/engine/internal/config"
	"github.com/autocapture/engine/internal/store"
)

func testConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.Storage.Root = root
	cfg.Storage.DataDir = filepath.Join(root, "data")
	cfg.Storage.ConfigDir = filepath.Join(root, "config")
	cfg.Storage.BundleDir = filepath.Join(root, "bundles")
	cfg.Storage.AnchorDir = filepath.Join(root, "anchor")
	cfg.Storage.Archive.Dir = filepath.Join(root, "archives")
	cfg.Keyring.RootKeyPath = filepath.Join(root, "data", "vault", "root.key")
	cfg.Keyring.KeyringPath = filepath.Join(root, "data", "vault", "keyring.json")
	cfg.Conductor.WatchdogEnabled = false
	cfg.Conductor.TelemetryEnabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config failed validation: %v", err)
	}
	return cfg
}

func TestBootThenShutdownWritesRunState(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)

	h, err := Boot(cfg)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	rs, err := store.LoadRunState(filepath.Join(cfg.Storage.DataDir, "run_state.json"))
	if err != nil {
		t.Fatalf("LoadRunState: %v", err)
	}
	if rs == nil || rs.State != store.RunStateRunning {
		t.Fatalf("expected run_state running after boot, got %+v", rs)
	}

	if err := Shutdown(h); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	rs, err = store.LoadRunState(filepath.Join(cfg.Storage.DataDir, "run_state.json"))
	if err != nil {
		t.Fatalf("LoadRunState after shutdown: %v", err)
	}
	if rs.State != store.RunStateStopped {
		t.Fatalf("expected run_state stopped after shutdown, got %q", rs.State)
	}
}

func TestBootTwiceAgainstSameDataDirIsRejected(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)

	h1, err := Boot(cfg)
	if err != nil {
		t.Fatalf("first Boot: %v", err)
	}
	defer Shutdown(h1)

	if _, err := Boot(cfg); err == nil {
		t.Fatal("expected second concurrent Boot against the same data_dir to fail")
	}
}

func TestBootStartsCapturePipelineAndShutdownStopsIt(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)

	h, err := Boot(cfg)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if h.Capture == nil {
		t.Fatal("expected Boot to construct a capture pipeline")
	}
	if h.Registry != nil {
		t.Fatal("expected no registry without a contract lockfile configured")
	}

	if err := Shutdown(h); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestBootRecordsCrashDetectedAfterUncleanShutdown(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)

	h1, err := Boot(cfg)
	if err != nil {
		t.Fatalf("first Boot: %v", err)
	}
	// Simulate a crash: release the lock without writing a stopped run_state.
	if err := h1.releaseLock(); err != nil {
		t.Fatalf("release lock: %v", err)
	}

	h2, err := Boot(cfg)
	if err != nil {
		t.Fatalf("second Boot: %v", err)
	}
	defer Shutdown(h2)

	if !h2.Recovery.CrashDetected {
		t.Fatal("expected the second boot to detect the unclean prior shutdown")
	}
}
