package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestLoadAppliesCapturePreset(t *testing.T) {
	dir := t.TempDir()
	preset := filepath.Join(dir, "preset.json")
	if err := os.WriteFile(preset, []byte(`{"capture":{"fps_target":5,"segment_seconds":60,"bitrate_kbps":2000,"container_type":"avi_mjpeg","frame_queue_depth":64,"segment_queue_depth":8,"dedupe_hash":"sha256","dedupe_policy":"mark_only","fsync_policy":"always"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(preset)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Capture.FPSTarget != 5 {
		t.Errorf("fps_target = %v, want 5", cfg.Capture.FPSTarget)
	}
	if cfg.Capture.DedupeHash != "sha256" {
		t.Errorf("dedupe_hash = %v, want sha256", cfg.Capture.DedupeHash)
	}
}

func TestSafeModeOverridesRegistry(t *testing.T) {
	cfg := New()
	cfg.Registry.SafeMode = true
	applySafeModeOverrides(cfg)
	if len(cfg.Registry.AllowList) != 1 || cfg.Registry.AllowList[0] != "default_pack" {
		t.Errorf("safe mode allow list = %v, want [default_pack]", cfg.Registry.AllowList)
	}
	if cfg.Governor.AllowQueryHeavy {
		t.Errorf("safe mode must force allow_query_heavy=false")
	}
}

func TestQueryProfileDisablesFusion(t *testing.T) {
	cfg := New()
	cfg.Query.MetadataOnly = true
	applyQueryProfile(cfg)
	if cfg.Retrieval.FusionThreshold != 0 {
		t.Errorf("metadata-only profile must zero fusion_threshold, got %v", cfg.Retrieval.FusionThreshold)
	}
}

func TestWSL2EnvOverridesFillUntaggedFields(t *testing.T) {
	t.Setenv("AUTOCAPTURE_WSL2_QUEUE_ENABLED", "true")
	t.Setenv("AUTOCAPTURE_WSL2_QUEUE_DIR", "custom_wsl2_dir")
	t.Setenv("AUTOCAPTURE_WSL2_QUEUE_INFLIGHT_CAP", "9")

	cfg := New()
	applyWSL2EnvOverrides(cfg)

	if !cfg.WSL2.Enabled {
		t.Error("expected AUTOCAPTURE_WSL2_QUEUE_ENABLED to enable the queue")
	}
	if cfg.WSL2.QueueDir != "custom_wsl2_dir" {
		t.Errorf("queue_dir = %v, want custom_wsl2_dir", cfg.WSL2.QueueDir)
	}
	if cfg.WSL2.InflightCap != 9 {
		t.Errorf("inflight_cap = %v, want 9", cfg.WSL2.InflightCap)
	}
}

func TestWSL2EnvOverridesLeaveConfigValuesAlone(t *testing.T) {
	cfg := New()
	cfg.WSL2.QueueDir = "from_config_file"
	applyWSL2EnvOverrides(cfg)
	if cfg.WSL2.QueueDir != "from_config_file" {
		t.Errorf("queue_dir = %v, want from_config_file unchanged with no env override set", cfg.WSL2.QueueDir)
	}
}

func TestLoadJoinsWSL2QueueDirUnderDataDir(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := filepath.Join(cfg.Storage.DataDir, "wsl2_queue")
	if cfg.WSL2.QueueDir != want {
		t.Errorf("wsl2 queue_dir = %v, want %v", cfg.WSL2.QueueDir, want)
	}
}

func TestValidateRejectsBadDedupeHash(t *testing.T) {
	cfg := New()
	cfg.Capture.DedupeHash = "md5"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unsupported dedupe hash")
	}
}

func TestValidateRejectsEnabledAnchorBlobWithoutAccountURL(t *testing.T) {
	cfg := New()
	cfg.Storage.AnchorBlob.Enabled = true
	cfg.Storage.AnchorBlob.Container = "anchors"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for anchor_blob enabled without account_url")
	}
}

func TestValidateAllowsDisabledAnchorBlobWithoutAccountURL(t *testing.T) {
	cfg := New()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil for default (disabled) anchor_blob", err)
	}
}
