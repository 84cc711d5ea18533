// Package kernel assembles configuration, crypto, storage, and the
// governor/scheduler/conductor runtime into one boot/shutdown lifecycle.
// It is the single place that owns the process-wide singletons spec.md §9
// calls out — the instance lock, the event builder, the telemetry store —
// so cmd/autocapture stays a thin CLI dispatcher over Boot/Shutdown/Doctor.
//
// Grounded on original_source/autocapture_nx/kernel/loader.py's Kernel
// class: __init__, boot(), and shutdown().
package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	enginerrors "github.com/autocapture/engine/infrastructure/errors"
	"github.com/autocapture/engine/infrastructure/hotlog"
	"github.com/autocapture/engine/infrastructure/logging"
	"github.com/autocapture/engine/infrastructure/metrics"
	"github.com/autocapture/engine/infrastructure/runtime"
	"github.com/autocapture/engine/internal/anchorblob"
	"github.com/autocapture/engine/internal/capture"
	"github.com/autocapture/engine/internal/capture/pressure"
	"github.com/autocapture/engine/internal/capture/retention"
	"github.com/autocapture/engine/internal/conductor"
	"github.com/autocapture/engine/internal/config"
	"github.com/autocapture/engine/internal/eventbuilder"
	"github.com/autocapture/engine/internal/governor"
	"github.com/autocapture/engine/internal/idlebatch"
	"github.com/autocapture/engine/internal/keyring"
	"github.com/autocapture/engine/internal/recovery"
	"github.com/autocapture/engine/internal/registry"
	"github.com/autocapture/engine/internal/sanitizer"
	"github.com/autocapture/engine/internal/scheduler"
	"github.com/autocapture/engine/internal/store"
	"github.com/autocapture/engine/internal/telemetry"
	"github.com/autocapture/engine/internal/wsl2queue"
	"go.uber.org/zap/zapcore"
)

// engineKernelVersion is the compat surface internal/registry checks every
// plugin manifest's requires_kernel/requires_schema_versions against.
// Schema version 1 is the one internal/indexing's manifests declare
// (manifestSchemaVersion); bump both together.
var engineKernelVersion = registry.KernelVersion{Version: "1.0.0", SchemaVersions: []int64{1}}

// Handle is the live system a successful Boot returns: every collaborator
// a CLI operation might need, plus what Shutdown needs to release them
// cleanly (loader.py's System object, generalized).
type Handle struct {
	Config  *config.Config
	RunID   string
	Logger  *logging.Logger
	Keyring *keyring.Keyring

	Journal *store.Journal
	Ledger  *store.Ledger
	Meta    *store.MetadataStore
	Media   *store.ContentStore

	Builder   *eventbuilder.Builder
	Governor  *governor.Governor
	Scheduler *scheduler.Scheduler
	Conductor *conductor.Conductor
	Telemetry *telemetry.Store
	Capture   *capture.Pipeline
	Registry  *registry.Registry

	Recovery recovery.Summary

	runStatePath string
	lockPath     string
	releaseLock  func() error
}

// Boot runs the full load sequence: open the vault, acquire the instance
// lock, open the durable stores, detect a prior crash and run the
// recovery sweep (forcing safe mode on a crash loop), construct the event
// builder, and wire the governor/scheduler/conductor. cfg is the
// already-loaded, already-validated configuration (config.Load's job, not
// this package's).
func Boot(cfg *config.Config) (*Handle, error) {
	logger := logging.NewFromEnv("autocapture")

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, enginerrors.Wrap(enginerrors.ErrCodeConfigInvalid, "create data directory", enginerrors.ExitFailure, err)
	}

	lockPath := filepath.Join(cfg.Storage.DataDir, "run_state.lock")
	release, err := acquireLock(lockPath)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		Config:       cfg,
		Logger:       logger,
		runStatePath: filepath.Join(cfg.Storage.DataDir, "run_state.json"),
		lockPath:     lockPath,
		releaseLock:  release,
	}

	prevState, err := store.LoadRunState(h.runStatePath)
	if err != nil {
		release()
		return nil, enginerrors.Wrap(enginerrors.ErrCodeStorageRead, "read run_state.json", enginerrors.ExitFailure, err)
	}

	runID := fmt.Sprintf("run_%d", time.Now().UnixNano())
	h.RunID = runID

	vaultDir := filepath.Dir(cfg.Keyring.KeyringPath)
	kr, err := keyring.Open(vaultDir)
	if err != nil {
		release()
		return nil, err
	}
	h.Keyring = kr

	journal, err := store.OpenJournal(filepath.Join(cfg.Storage.DataDir, "journal.ndjson"), store.FsyncPolicy(cfg.Capture.FsyncPolicy), runID)
	if err != nil {
		release()
		return nil, enginerrors.Wrap(enginerrors.ErrCodeStorageWrite, "open journal", enginerrors.ExitFailure, err)
	}
	h.Journal = journal

	ledgerPath := filepath.Join(cfg.Storage.DataDir, "ledger.ndjson")
	ledger, err := store.OpenLedger(ledgerPath, store.FsyncPolicy(cfg.Capture.FsyncPolicy))
	if err != nil {
		release()
		return nil, enginerrors.Wrap(enginerrors.ErrCodeStorageWrite, "open ledger", enginerrors.ExitFailure, err)
	}
	h.Ledger = ledger

	meta, err := store.OpenMetadataStore(context.Background(), filepath.Join(cfg.Storage.DataDir, "metadata.db"))
	if err != nil {
		release()
		return nil, enginerrors.Wrap(enginerrors.ErrCodeStorageWrite, "open metadata store", enginerrors.ExitFailure, err)
	}
	h.Meta = meta

	h.Media = store.NewContentStore("media", filepath.Join(cfg.Storage.DataDir, "media"), nil, "")
	if err := h.Media.Start(context.Background()); err != nil {
		release()
		return nil, enginerrors.Wrap(enginerrors.ErrCodeStorageWrite, "start media store", enginerrors.ExitFailure, err)
	}

	anchorCfg := eventbuilder.Config{
		AnchorPath:   filepath.Join(cfg.Storage.AnchorDir, "anchor.json"),
		AnchorEveryN: 20,
	}
	if cfg.Storage.AnchorBlob.Enabled {
		blobBackend, err := anchorblob.NewBackend(cfg.Storage.AnchorBlob.AccountURL, cfg.Storage.AnchorBlob.Container)
		if err != nil {
			release()
			return nil, enginerrors.Wrap(enginerrors.ErrCodeConfigInvalid, "build anchor blob backend", enginerrors.ExitFailure, err)
		}
		anchorCfg.AnchorPath = "anchor.json"
		anchorCfg.Backend = blobBackend
	}
	h.Builder = eventbuilder.New(runID, journal, ledger, kr, anchorCfg, logger)

	summary, err := recovery.Sweep(context.Background(), recovery.SweepConfig{
		DataDir:      cfg.Storage.DataDir,
		StorageRoots: []string{filepath.Join(cfg.Storage.DataDir, "spool")},
		LedgerPath:   ledgerPath,
		MetaStore:    meta,
		Media:        h.Media,
		Builder:      h.Builder,
		PrevRunState: prevState,
		CrashLoop: recovery.CrashLoopConfig{
			WindowSeconds: cfg.Recovery.WindowS,
			MaxCrashes:    cfg.Recovery.MaxCrashes,
		},
	})
	if err != nil {
		release()
		return nil, enginerrors.Wrap(enginerrors.ErrCodeStorageRead, "recovery sweep", enginerrors.ExitFailure, err)
	}
	h.Recovery = summary
	if summary.SafeModeForced {
		cfg.SetSafeMode("crash_loop")
	}

	if err := store.SaveRunState(h.runStatePath, store.RunState{
		RunID:      runID,
		State:      store.RunStateRunning,
		StartedAt:  time.Now().UTC(),
		LedgerHead: ledger.Head(),
	}); err != nil {
		release()
		return nil, enginerrors.Wrap(enginerrors.ErrCodeStorageWrite, "write run_state.json", enginerrors.ExitFailure, err)
	}

	h.Telemetry = telemetry.NewStore(64)

	registryLockPath := contractLockPath(cfg)
	if _, err := os.Stat(registryLockPath); err == nil {
		egressSanitizer, err := sanitizer.New(kr, sanitizer.DefaultConfig())
		if err != nil {
			release()
			return nil, enginerrors.Wrap(enginerrors.ErrCodeConfigInvalid, "build egress sanitizer", enginerrors.ExitFailure, err)
		}
		pctx := &registry.Context{Keyring: kr, Logger: logger, Sanitizer: egressSanitizer}
		reg, result, err := registry.Load(context.Background(), cfg.Registry, engineKernelVersion, registryLockPath, filepath.Dir(registryLockPath), nil, pctx, meta, logger)
		if err != nil {
			release()
			return nil, enginerrors.Wrap(enginerrors.ErrCodeConfigInvalid, "load plugin registry", enginerrors.ExitFailure, err)
		}
		for pluginID, loadErr := range result.Failed {
			logger.Error(context.Background(), "kernel: plugin failed to load", loadErr, map[string]interface{}{"plugin_id": pluginID})
		}
		h.Registry = reg
	}
	// An absent lockfile means no contract pins have been generated for
	// this install, the same "no contract lockfile configured" state
	// RunDoctor's contracts_lock check treats as passing rather than a
	// boot failure — h.Registry stays nil and every capability lookup
	// below falls back to its no-plugin default.

	var frameSource capture.FrameSource = capture.NullFrameSource{}
	if h.Registry != nil {
		if _, ok := h.Registry.Capability(capture.ScreenCaptureCapability); ok {
			frameSource = capture.NewPluginFrameSource(h.Registry)
		}
	}

	captureMetrics := metrics.New("autocapture")
	hot := hotlog.New(zapcore.InfoLevel)
	h.Capture = capture.New(runID, capture.Config{
		FPSTarget:         cfg.Capture.FPSTarget,
		SegmentSeconds:    cfg.Capture.SegmentSeconds,
		BitrateKbps:       cfg.Capture.BitrateKbps,
		ContainerType:     cfg.Capture.ContainerType,
		FrameQueueDepth:   cfg.Capture.FrameQueueDepth,
		SegmentQueueDepth: cfg.Capture.SegmentQueueDepth,
		DedupeEnabled:     cfg.Capture.DedupeEnabled,
		DedupeHash:        cfg.Capture.DedupeHash,
		DedupePolicy:      cfg.Capture.DedupePolicy,
		SpoolDir:          filepath.Join(cfg.Storage.DataDir, "spool"),
	}, frameSource, h.Media, meta, h.Builder, kr, captureMetrics, hot)
	h.Capture.Start(context.Background())

	h.Governor = governor.New(governor.Config{
		WindowS:             int64(cfg.Governor.WindowS),
		WindowBudgetMs:      cfg.Governor.WindowBudgetMs,
		PerJobMaxMs:         cfg.Governor.PerJobMaxMs,
		MaxHeavyConcurrency: cfg.Governor.MaxHeavyConcurrency,
		PreemptGraceMs:      cfg.Governor.PreemptGraceMs,
		SuspendDeadlineMs:   cfg.Governor.SuspendDeadlineMs,
	}, logger)
	h.Scheduler = scheduler.New(h.Governor, nil, logger, nil)

	storageMonitor := pressure.NewMonitor(pressure.DefaultConfig(), pressure.Paths{
		DataDir:      cfg.Storage.DataDir,
		MediaDir:     filepath.Join(cfg.Storage.DataDir, "media"),
		MetadataPath: filepath.Join(cfg.Storage.DataDir, "metadata.db"),
	}, h.Builder)
	retentionMonitor := retention.NewMonitor(retention.Config{RetentionDays: cfg.Storage.RetentionDays}, meta, h.Media, h.Builder)

	var gpuQueue *wsl2queue.Queue
	if cfg.WSL2.Enabled && !cfg.WSL2.ForceLocal {
		// TokenTTLSec (config/default) wins when set; a config that
		// explicitly zeroes it falls through to
		// AUTOCAPTURE_WSL2_QUEUE_TOKEN_TTL, then to the queue package's
		// own default TTL.
		tokenTTL := runtime.ResolveDuration(
			time.Duration(cfg.WSL2.TokenTTLSec)*time.Second,
			"AUTOCAPTURE_WSL2_QUEUE_TOKEN_TTL",
			wsl2queue.DefaultConfig().TokenTTL,
		)
		gpuQueue, err = wsl2queue.Open(cfg.WSL2.QueueDir, wsl2queue.Config{
			MaxInflight:   cfg.WSL2.InflightCap,
			MaxPending:    cfg.WSL2.PendingCap,
			TokenTTL:      tokenTTL,
			DedupeWindow:  tokenTTL,
			AllowFallback: true,
		}, kr)
		if err != nil {
			release()
			return nil, enginerrors.Wrap(enginerrors.ErrCodeConfigInvalid, "open wsl2 gpu queue", enginerrors.ExitFailure, err)
		}
	}

	idleRunner := idlebatch.New(h.Governor, h.Builder, cfg.IdleBatch, logger)
	idleProcessor := newIdleExtractionProcessor(idleRunner, meta, idlebatch.ManifestContext{
		RunID:             runID,
		EffectiveConfig:   cfg,
		ContractsLockPath: registryLockPath,
		MetadataDBPath:    filepath.Join(cfg.Storage.DataDir, "metadata.db"),
	}, gpuQueue)

	h.Conductor = conductor.New(cfg.Conductor, cfg.Governor, conductor.Deps{
		Governor:         h.Governor,
		Scheduler:        h.Scheduler,
		StorageMonitor:   storageMonitor,
		RetentionMonitor: retentionMonitor,
		CapturePipeline:  h.Capture,
		IdleProcessor:    idleProcessor,
		Telemetry:        h.Telemetry,
		Builder:          h.Builder,
		Logger:           logger,
		RunID:            runID,
	})

	return h, nil
}

// Shutdown stops the conductor if it was started, marks run_state.json
// stopped, and releases the instance lock — the mirror of loader.py's
// shutdown().
func Shutdown(h *Handle) error {
	if h == nil {
		return nil
	}
	h.Conductor.Stop()
	if h.Capture != nil {
		h.Capture.Stop()
	}

	now := time.Now().UTC()
	if err := store.SaveRunState(h.runStatePath, store.RunState{
		RunID:      h.RunID,
		State:      store.RunStateStopped,
		StartedAt:  now,
		StoppedAt:  &now,
		LedgerHead: h.Ledger.Head(),
	}); err != nil {
		return enginerrors.Wrap(enginerrors.ErrCodeStorageWrite, "write run_state.json on shutdown", enginerrors.ExitFailure, err)
	}
	if h.Meta != nil {
		_ = h.Meta.Close()
	}
	if h.releaseLock != nil {
		return h.releaseLock()
	}
	return nil
}
