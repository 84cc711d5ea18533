// Package config loads and layers the autocapture engine's configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/autocapture/engine/infrastructure/runtime"
)

// GovernorConfig controls the Runtime Governor's mode decisions and leases.
type GovernorConfig struct {
	IdleWindowS         int     `json:"idle_window_s" env:"AUTOCAPTURE_IDLE_WINDOW_S"`
	SuspendWorkers      bool    `json:"suspend_workers" env:"AUTOCAPTURE_SUSPEND_WORKERS"`
	CPUMaxUtilization   float64 `json:"cpu_max_utilization" env:"AUTOCAPTURE_CPU_MAX_UTILIZATION"`
	RAMMaxUtilization   float64 `json:"ram_max_utilization" env:"AUTOCAPTURE_RAM_MAX_UTILIZATION"`
	WindowBudgetMs      int64   `json:"window_budget_ms" env:"AUTOCAPTURE_WINDOW_BUDGET_MS"`
	WindowS             int     `json:"window_s" env:"AUTOCAPTURE_WINDOW_S"`
	PerJobMaxMs         int64   `json:"per_job_max_ms" env:"AUTOCAPTURE_PER_JOB_MAX_MS"`
	MaxHeavyConcurrency int     `json:"max_heavy_concurrency" env:"AUTOCAPTURE_MAX_HEAVY_CONCURRENCY"`
	PreemptGraceMs      int64   `json:"preempt_grace_ms" env:"AUTOCAPTURE_PREEMPT_GRACE_MS"`
	SuspendDeadlineMs   int64   `json:"suspend_deadline_ms" env:"AUTOCAPTURE_SUSPEND_DEADLINE_MS"`
	AllowQueryHeavy     bool    `json:"allow_query_heavy" env:"AUTOCAPTURE_ALLOW_QUERY_HEAVY"`
}

// CaptureConfig controls the three-stage capture pipeline.
type CaptureConfig struct {
	FPSTarget         float64 `json:"fps_target" env:"AUTOCAPTURE_FPS_TARGET"`
	SegmentSeconds    int     `json:"segment_seconds" env:"AUTOCAPTURE_SEGMENT_SECONDS"`
	BitrateKbps       int     `json:"bitrate_kbps" env:"AUTOCAPTURE_BITRATE_KBPS"`
	ContainerType     string  `json:"container_type" env:"AUTOCAPTURE_CONTAINER_TYPE"`
	FrameQueueDepth   int     `json:"frame_queue_depth" env:"AUTOCAPTURE_FRAME_QUEUE_DEPTH"`
	SegmentQueueDepth int     `json:"segment_queue_depth" env:"AUTOCAPTURE_SEGMENT_QUEUE_DEPTH"`
	DedupeEnabled     bool    `json:"dedupe_enabled" env:"AUTOCAPTURE_DEDUPE_ENABLED"`
	DedupeHash        string  `json:"dedupe_hash" env:"AUTOCAPTURE_DEDUPE_HASH"` // blake2b|sha256
	DedupePolicy      string  `json:"dedupe_policy" env:"AUTOCAPTURE_DEDUPE_POLICY"` // mark_only|drop_exact
	FsyncPolicy       string  `json:"fsync_policy" env:"AUTOCAPTURE_FSYNC_POLICY"`   // none|batch|always
}

// StorageConfig controls the append-only store roots.
type StorageConfig struct {
	DataDir       string           `json:"data_dir" env:"AUTOCAPTURE_DATA_DIR"`
	ConfigDir     string           `json:"config_dir" env:"AUTOCAPTURE_CONFIG_DIR"`
	Root          string           `json:"root" env:"AUTOCAPTURE_ROOT"`
	BundleDir     string           `json:"bundle_dir" env:"AUTOCAPTURE_BUNDLE_DIR"`
	AnchorDir     string           `json:"anchor_dir"`
	AnchorBlob    AnchorBlobConfig `json:"anchor_blob"`
	RetentionDays int              `json:"retention_days" env:"AUTOCAPTURE_RETENTION_DAYS"`
	Archive       ArchiveConfig    `json:"archive"`
}

// AnchorBlobConfig optionally redirects ledger-head anchoring from the
// default local file to Azure Blob Storage, for operators who want the
// attestation to survive a lost or corrupted local disk. Disabled unless
// Enabled is set, since it requires network egress and Azure credentials
// an always-on local-first daemon cannot assume it has.
type AnchorBlobConfig struct {
	Enabled    bool   `json:"enabled" env:"AUTOCAPTURE_ANCHOR_BLOB_ENABLED"`
	AccountURL string `json:"account_url" env:"AUTOCAPTURE_ANCHOR_BLOB_ACCOUNT_URL"`
	Container  string `json:"container" env:"AUTOCAPTURE_ANCHOR_BLOB_CONTAINER"`
}

// ArchiveConfig controls export/import bundle behavior.
type ArchiveConfig struct {
	Dir         string `json:"dir" env:"AUTOCAPTURE_ARCHIVE_DIR"`
	SafeExtract bool   `json:"safe_extract" env:"AUTOCAPTURE_ARCHIVE_SAFE_EXTRACT"`
}

// KeyringConfig controls root-key loading and AEAD envelope defaults.
type KeyringConfig struct {
	RootKeyPath string `json:"root_key_path"`
	KeyringPath string `json:"keyring_path"`
}

// RegistryConfig controls the plugin/capability registry.
type RegistryConfig struct {
	SearchPaths []string `json:"search_paths"`
	SafeMode    bool     `json:"safe_mode" env:"AUTOCAPTURE_SAFE_MODE"`
	AllowList   []string `json:"allow_list"`
}

// RetrievalConfig controls the tiered retrieval planner.
type RetrievalConfig struct {
	FastThreshold   int `json:"fast_threshold"`
	FusionThreshold int `json:"fusion_threshold"`
	RRFK            int `json:"rrf_k"`
	VectorDims      int `json:"vector_dims"`
}

// WSL2QueueConfig controls the filesystem-mediated GPU routing queue.
type WSL2QueueConfig struct {
	Enabled        bool   `json:"enabled"`
	QueueDir       string `json:"queue_dir"`
	ForceLocal     bool   `json:"force_local" env:"AUTOCAPTURE_WSL2_QUEUE_FORCE"`
	InflightCap    int    `json:"inflight_cap"`
	PendingCap     int    `json:"pending_cap"`
	TokenTTLSec    int    `json:"token_ttl_sec"`
	ProtocolVerMaj int    `json:"protocol_version_major"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// MetricsConfig controls the Prometheus metrics surface.
type MetricsConfig struct {
	Enabled bool `json:"enabled" env:"METRICS_ENABLED"`
}

// QueryConfig controls the `query` CLI operation and metadata-only mode.
type QueryConfig struct {
	MetadataOnly bool `json:"metadata_only" env:"AUTOCAPTURE_QUERY_METADATA_ONLY"`
}

// RecoveryConfig controls the boot-time integrity sweep's crash-loop
// detector.
type RecoveryConfig struct {
	WindowS    int `json:"window_s" env:"AUTOCAPTURE_RECOVERY_WINDOW_S"`
	MaxCrashes int `json:"max_crashes" env:"AUTOCAPTURE_RECOVERY_MAX_CRASHES"`
}

// AdaptiveConfig controls internal/idlebatch's adaptive-parallelism rule
// table (spec.md §4.10).
type AdaptiveConfig struct {
	Enabled             bool    `json:"enabled" env:"AUTOCAPTURE_ADAPTIVE_ENABLED"`
	CPUMin              int     `json:"cpu_min" env:"AUTOCAPTURE_ADAPTIVE_CPU_MIN"`
	CPUMax              int     `json:"cpu_max" env:"AUTOCAPTURE_ADAPTIVE_CPU_MAX"`
	CPUStepUp           int     `json:"cpu_step_up" env:"AUTOCAPTURE_ADAPTIVE_CPU_STEP_UP"`
	CPUStepDown         int     `json:"cpu_step_down" env:"AUTOCAPTURE_ADAPTIVE_CPU_STEP_DOWN"`
	CPUStepUpOnRisk     int     `json:"cpu_step_up_on_risk" env:"AUTOCAPTURE_ADAPTIVE_CPU_STEP_UP_ON_RISK"`
	LowWatermark        float64 `json:"low_watermark" env:"AUTOCAPTURE_ADAPTIVE_LOW_WATERMARK"`
	HighWatermark       float64 `json:"high_watermark" env:"AUTOCAPTURE_ADAPTIVE_HIGH_WATERMARK"`
	QueueLowWatermark   int     `json:"queue_low_watermark" env:"AUTOCAPTURE_ADAPTIVE_QUEUE_LOW"`
	QueueHighWatermark  int     `json:"queue_high_watermark" env:"AUTOCAPTURE_ADAPTIVE_QUEUE_HIGH"`
	LatencyTargetMs     int64   `json:"latency_p95_target_ms" env:"AUTOCAPTURE_ADAPTIVE_LATENCY_TARGET_MS"`
	LatencyHardCapMs    int64   `json:"latency_p95_hard_cap_ms" env:"AUTOCAPTURE_ADAPTIVE_LATENCY_HARD_CAP_MS"`
}

// SLAConfig controls internal/idlebatch's retention-risk SLA snapshot
// (spec.md §4.10).
type SLAConfig struct {
	Enabled                bool    `json:"enabled" env:"AUTOCAPTURE_SLA_ENABLED"`
	RetentionHorizonHours  float64 `json:"retention_horizon_hours" env:"AUTOCAPTURE_SLA_RETENTION_HORIZON_HOURS"`
	LagWarnRatio           float64 `json:"lag_warn_ratio" env:"AUTOCAPTURE_SLA_LAG_WARN_RATIO"`
}

// MetadataDBGuardConfig controls internal/idlebatch's pre-loop metadata DB
// stability check (spec.md §4.10).
type MetadataDBGuardConfig struct {
	Enabled        bool `json:"enabled" env:"AUTOCAPTURE_DB_GUARD_ENABLED"`
	SampleCount    int  `json:"sample_count" env:"AUTOCAPTURE_DB_GUARD_SAMPLE_COUNT"`
	PollIntervalMs int  `json:"poll_interval_ms" env:"AUTOCAPTURE_DB_GUARD_POLL_INTERVAL_MS"`
	FailClosed     bool `json:"fail_closed" env:"AUTOCAPTURE_DB_GUARD_FAIL_CLOSED"`
}

// IdleBatchConfig bundles the idle batch runner's knobs, itself wrapping
// AdaptiveConfig, SLAConfig, and MetadataDBGuardConfig.
type IdleBatchConfig struct {
	MaxLoops          int                   `json:"max_loops" env:"AUTOCAPTURE_IDLEBATCH_MAX_LOOPS"`
	MaxConcurrencyCPU int                   `json:"max_concurrency_cpu" env:"AUTOCAPTURE_IDLEBATCH_MAX_CONCURRENCY_CPU"`
	BatchPerWorker    int                   `json:"batch_per_worker" env:"AUTOCAPTURE_IDLEBATCH_BATCH_PER_WORKER"`
	Adaptive          AdaptiveConfig        `json:"adaptive_parallelism"`
	SLA               SLAConfig             `json:"sla_control"`
	MetadataDBGuard   MetadataDBGuardConfig `json:"metadata_db_guard"`
}

// ConductorConfig controls the Runtime Conductor's idle cadences,
// watchdog thresholds, fullscreen suppression, and GPU release deadline
// (spec.md §4.3).
type ConductorConfig struct {
	LoopSleepMs            int     `json:"loop_sleep_ms" env:"AUTOCAPTURE_CONDUCTOR_LOOP_SLEEP_MS"`
	ActiveWindowS          float64 `json:"active_window_s" env:"AUTOCAPTURE_CONDUCTOR_ACTIVE_WINDOW_S"`
	IdleExtractEnabled     bool    `json:"idle_extract_enabled" env:"AUTOCAPTURE_CONDUCTOR_IDLE_EXTRACT_ENABLED"`
	IdleResearchEnabled    bool    `json:"idle_research_enabled" env:"AUTOCAPTURE_CONDUCTOR_IDLE_RESEARCH_ENABLED"`
	ResearchIntervalS      float64 `json:"research_interval_s" env:"AUTOCAPTURE_CONDUCTOR_RESEARCH_INTERVAL_S"`
	StoragePressureIntervalS  float64 `json:"storage_pressure_interval_s" env:"AUTOCAPTURE_CONDUCTOR_STORAGE_PRESSURE_INTERVAL_S"`
	StorageRetentionIntervalS float64 `json:"storage_retention_interval_s" env:"AUTOCAPTURE_CONDUCTOR_STORAGE_RETENTION_INTERVAL_S"`
	FullscreenEnabled      bool    `json:"fullscreen_halt_enabled" env:"AUTOCAPTURE_CONDUCTOR_FULLSCREEN_ENABLED"`
	FullscreenPollMs       int     `json:"fullscreen_poll_ms" env:"AUTOCAPTURE_CONDUCTOR_FULLSCREEN_POLL_MS"`
	GPUReleaseOnActive     bool    `json:"gpu_release_vram_on_active" env:"AUTOCAPTURE_CONDUCTOR_GPU_RELEASE_ON_ACTIVE"`
	GPUReleaseDeadlineMs   int64   `json:"gpu_release_deadline_ms" env:"AUTOCAPTURE_CONDUCTOR_GPU_RELEASE_DEADLINE_MS"`
	GPUGuardEnabled        bool    `json:"gpu_guard_enabled" env:"AUTOCAPTURE_CONDUCTOR_GPU_GUARD_ENABLED"`
	GPUAllowDuringActive   bool    `json:"gpu_allow_during_active" env:"AUTOCAPTURE_CONDUCTOR_GPU_ALLOW_DURING_ACTIVE"`
	GPUDeviceIndex         int     `json:"gpu_device_index" env:"AUTOCAPTURE_CONDUCTOR_GPU_DEVICE_INDEX"`
	WatchdogEnabled        bool    `json:"watchdog_enabled" env:"AUTOCAPTURE_CONDUCTOR_WATCHDOG_ENABLED"`
	WatchdogStallSeconds   int     `json:"watchdog_stall_seconds" env:"AUTOCAPTURE_CONDUCTOR_WATCHDOG_STALL_SECONDS"`
	WatchdogMinIdleSeconds int     `json:"watchdog_min_idle_seconds" env:"AUTOCAPTURE_CONDUCTOR_WATCHDOG_MIN_IDLE_SECONDS"`
	SuspendDeadlineMs      int64   `json:"suspend_deadline_ms" env:"AUTOCAPTURE_CONDUCTOR_SUSPEND_DEADLINE_MS"`
	ResumeBudgetMs         int64   `json:"idle_resume_budget_ms" env:"AUTOCAPTURE_CONDUCTOR_RESUME_BUDGET_MS"`
	TelemetryEnabled       bool    `json:"telemetry_enabled" env:"AUTOCAPTURE_CONDUCTOR_TELEMETRY_ENABLED"`
	TelemetryIntervalS     float64 `json:"telemetry_emit_interval_s" env:"AUTOCAPTURE_CONDUCTOR_TELEMETRY_INTERVAL_S"`
}

// Config is the top-level configuration structure, assembled via the
// layered merge order: defaults -> user overrides -> environment
// overrides -> capture preset patch -> safe-mode overrides -> metadata-only
// query profile -> path normalization -> schema validation.
type Config struct {
	Governor  GovernorConfig  `json:"governor"`
	Capture   CaptureConfig   `json:"capture"`
	Storage   StorageConfig   `json:"storage"`
	Keyring   KeyringConfig   `json:"keyring"`
	Registry  RegistryConfig  `json:"registry"`
	Retrieval RetrievalConfig `json:"retrieval"`
	WSL2      WSL2QueueConfig `json:"wsl2_queue"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Query     QueryConfig     `json:"query"`
	Recovery  RecoveryConfig  `json:"recovery"`
	IdleBatch IdleBatchConfig `json:"idle_batch"`
	Conductor ConductorConfig `json:"conductor"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Governor: GovernorConfig{
			IdleWindowS:         120,
			SuspendWorkers:      true,
			CPUMaxUtilization:   0.85,
			RAMMaxUtilization:   0.85,
			WindowBudgetMs:      60_000,
			WindowS:             300,
			PerJobMaxMs:         5_000,
			MaxHeavyConcurrency: 1,
			PreemptGraceMs:      500,
			SuspendDeadlineMs:   10_000,
			AllowQueryHeavy:     false,
		},
		Capture: CaptureConfig{
			FPSTarget:         2,
			SegmentSeconds:    300,
			BitrateKbps:       1200,
			ContainerType:     "avi_mjpeg",
			FrameQueueDepth:   64,
			SegmentQueueDepth: 8,
			DedupeEnabled:     true,
			DedupeHash:        "blake2b",
			DedupePolicy:      "mark_only",
			FsyncPolicy:       "batch",
		},
		Storage: StorageConfig{
			DataDir:       "data",
			ConfigDir:     "config",
			Root:          ".",
			BundleDir:     "bundles",
			AnchorDir:     "anchor",
			RetentionDays: 90,
			Archive: ArchiveConfig{
				Dir:         "archives",
				SafeExtract: true,
			},
		},
		Keyring: KeyringConfig{
			RootKeyPath: "vault/root.key",
			KeyringPath: "vault/keyring.json",
		},
		Registry: RegistryConfig{
			SearchPaths: []string{"plugins"},
			SafeMode:    false,
		},
		Retrieval: RetrievalConfig{
			FastThreshold:   5,
			FusionThreshold: 10,
			RRFK:            60,
			VectorDims:      384,
		},
		WSL2: WSL2QueueConfig{
			Enabled:        false,
			QueueDir:       "wsl2_queue",
			InflightCap:    2,
			PendingCap:     64,
			TokenTTLSec:    120,
			ProtocolVerMaj: 1,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePrefix: "autocapture",
		},
		Metrics:  MetricsConfig{Enabled: true},
		Query:    QueryConfig{MetadataOnly: false},
		Recovery: RecoveryConfig{WindowS: 600, MaxCrashes: 3},
		IdleBatch: IdleBatchConfig{
			MaxLoops:          500,
			MaxConcurrencyCPU: 1,
			BatchPerWorker:    3,
			Adaptive: AdaptiveConfig{
				Enabled:          false,
				CPUMin:           1,
				CPUMax:           4,
				CPUStepUp:        1,
				CPUStepDown:      1,
				CPUStepUpOnRisk:  1,
				LowWatermark:     0.65,
				HighWatermark:    0.9,
				QueueLowWatermark:  64,
				QueueHighWatermark: 512,
				LatencyTargetMs:    1200,
				LatencyHardCapMs:   4000,
			},
			SLA: SLAConfig{
				Enabled:               true,
				RetentionHorizonHours: 144,
				LagWarnRatio:          0.8,
			},
			MetadataDBGuard: MetadataDBGuardConfig{
				Enabled:        true,
				SampleCount:    3,
				PollIntervalMs: 150,
				FailClosed:     true,
			},
		},
		Conductor: ConductorConfig{
			LoopSleepMs:               2000,
			ActiveWindowS:             3,
			IdleExtractEnabled:        true,
			IdleResearchEnabled:       true,
			ResearchIntervalS:         1800,
			StoragePressureIntervalS:  300,
			StorageRetentionIntervalS: 3600,
			FullscreenEnabled:         true,
			FullscreenPollMs:          250,
			GPUReleaseOnActive:        true,
			GPUReleaseDeadlineMs:      250,
			GPUGuardEnabled:           true,
			GPUAllowDuringActive:      false,
			GPUDeviceIndex:            0,
			WatchdogEnabled:           true,
			WatchdogStallSeconds:      300,
			WatchdogMinIdleSeconds:    0,
			SuspendDeadlineMs:         500,
			ResumeBudgetMs:            3000,
			TelemetryEnabled:          true,
			TelemetryIntervalS:        5,
		},
	}
}

// Load assembles configuration through the full layered merge order and
// validates the result.
func Load(presetPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("AUTOCAPTURE_CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load user config: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if presetPath != "" {
		if err := loadFromFile(presetPath, cfg); err != nil {
			return nil, fmt.Errorf("apply capture preset %s: %w", presetPath, err)
		}
	}

	applyWSL2EnvOverrides(cfg)
	applySafeModeOverrides(cfg)
	applyQueryProfile(cfg)
	cfg.normalizePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from a YAML or JSON file (by extension) and
// runs it through normalization and validation, bypassing env/preset
// layers. Used by the `doctor` CLI command to check a config file in
// isolation.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applySafeModeOverrides(cfg)
	applyQueryProfile(cfg)
	cfg.normalizePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// applySafeModeOverrides forces a conservative registry/governor posture
// when AUTOCAPTURE_SAFE_MODE is set, either by env var or by the
// crash-loop detector at boot (internal/recovery calls SetSafeMode).
// applyWSL2EnvOverrides fills in env-var overrides for the WSL2 queue
// fields that carry no `env:` struct tag (unlike the rest of Config,
// which envdecode.Decode handles directly): each resolves file/default
// value, then an explicit env var, then the field's own existing value
// as the final fallback, so an operator can tune the GPU queue without a
// config file edit.
func applyWSL2EnvOverrides(cfg *Config) {
	cfg.WSL2.Enabled = runtime.ResolveBool(cfg.WSL2.Enabled, "AUTOCAPTURE_WSL2_QUEUE_ENABLED")
	cfg.WSL2.QueueDir = runtime.ResolveString(cfg.WSL2.QueueDir, "AUTOCAPTURE_WSL2_QUEUE_DIR", cfg.WSL2.QueueDir)
	cfg.WSL2.InflightCap = runtime.ResolveInt(cfg.WSL2.InflightCap, "AUTOCAPTURE_WSL2_QUEUE_INFLIGHT_CAP", cfg.WSL2.InflightCap)
	cfg.WSL2.PendingCap = runtime.ResolveInt(cfg.WSL2.PendingCap, "AUTOCAPTURE_WSL2_QUEUE_PENDING_CAP", cfg.WSL2.PendingCap)
	cfg.WSL2.TokenTTLSec = runtime.ResolveInt(cfg.WSL2.TokenTTLSec, "AUTOCAPTURE_WSL2_QUEUE_TOKEN_TTL_SEC", cfg.WSL2.TokenTTLSec)
}

func applySafeModeOverrides(cfg *Config) {
	if !cfg.Registry.SafeMode {
		return
	}
	cfg.Registry.AllowList = []string{"default_pack"}
	cfg.Governor.AllowQueryHeavy = false
}

// SetSafeMode forces cfg into safe mode and reapplies the conservative
// registry/governor posture. internal/recovery calls this when the
// crash-loop detector trips at boot (spec.md §4.6: "forces safe mode with
// reason=crash_loop").
func (c *Config) SetSafeMode(reason string) {
	c.Registry.SafeMode = true
	applySafeModeOverrides(c)
}

// applyQueryProfile narrows the engine to metadata-only retrieval when
// AUTOCAPTURE_QUERY_METADATA_ONLY is set, skipping vector/fusion tiers
// entirely for constrained environments.
func applyQueryProfile(cfg *Config) {
	if !cfg.Query.MetadataOnly {
		return
	}
	cfg.Retrieval.FusionThreshold = 0
}

func (c *Config) normalizePaths() {
	root := c.Storage.Root
	if root == "" {
		root = "."
	}
	c.Storage.DataDir = joinIfRelative(root, c.Storage.DataDir)
	c.Storage.ConfigDir = joinIfRelative(root, c.Storage.ConfigDir)
	c.Storage.BundleDir = joinIfRelative(root, c.Storage.BundleDir)
	c.Keyring.RootKeyPath = joinIfRelative(c.Storage.DataDir, trimDataPrefix(c.Keyring.RootKeyPath))
	c.Keyring.KeyringPath = joinIfRelative(c.Storage.DataDir, trimDataPrefix(c.Keyring.KeyringPath))
	if c.WSL2.QueueDir != "" {
		c.WSL2.QueueDir = joinIfRelative(c.Storage.DataDir, c.WSL2.QueueDir)
	}
}

func trimDataPrefix(p string) string {
	return strings.TrimPrefix(p, "data/")
}

func joinIfRelative(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// Validate applies schema validation, the final merge-order stage.
// Violations are reported as a ContractViolation by the caller.
func (c *Config) Validate() error {
	if c.Governor.WindowS <= 0 {
		return fmt.Errorf("config: governor.window_s must be positive")
	}
	if c.Governor.MaxHeavyConcurrency < 0 {
		return fmt.Errorf("config: governor.max_heavy_concurrency must be non-negative")
	}
	if c.Capture.FPSTarget <= 0 {
		return fmt.Errorf("config: capture.fps_target must be positive")
	}
	if c.Capture.SegmentSeconds <= 0 {
		return fmt.Errorf("config: capture.segment_seconds must be positive")
	}
	switch c.Capture.DedupeHash {
	case "blake2b", "sha256":
	default:
		return fmt.Errorf("config: capture.dedupe_hash must be blake2b or sha256, got %q", c.Capture.DedupeHash)
	}
	switch c.Capture.FsyncPolicy {
	case "none", "batch", "always":
	default:
		return fmt.Errorf("config: capture.fsync_policy must be none, batch, or always, got %q", c.Capture.FsyncPolicy)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("config: storage.data_dir is required")
	}
	if c.Retrieval.VectorDims <= 0 {
		return fmt.Errorf("config: retrieval.vector_dims must be positive")
	}
	if c.Storage.AnchorBlob.Enabled {
		if c.Storage.AnchorBlob.AccountURL == "" {
			return fmt.Errorf("config: storage.anchor_blob.account_url is required when anchor_blob is enabled")
		}
		if c.Storage.AnchorBlob.Container == "" {
			return fmt.Errorf("config: storage.anchor_blob.container is required when anchor_blob is enabled")
		}
	}
	return nil
}
