package idlebatch

import (
	"os"
	"time"

	"github.com/autocapture/engine/internal/canon"
)

// LandscapeManifest is the per-batch summary emitted when the idle batch
// runner terminates (spec.md §4.10): effective config/contracts/plugin-lock
// digests, the loop outcome, and every loop's SLA/adaptive trace.
type LandscapeManifest struct {
	RunID                string                 `json:"run_id"`
	TSUTC                time.Time              `json:"ts_utc"`
	EffectiveConfigSHA256 string                `json:"effective_config_sha256"`
	ContractsLockSHA256  string                 `json:"contracts_lock_sha256"`
	PluginLocksSHA256    string                 `json:"plugin_locks_sha256"`
	Done                 bool                   `json:"done"`
	BlockedReason        string                 `json:"blocked_reason"`
	Loops                int                    `json:"loops"`
	Steps                []LoopTrace            `json:"steps"`
	SLA                  SLASnapshot            `json:"sla"`
	MetadataDBGuard      *DBGuardSnapshot       `json:"metadata_db_guard,omitempty"`
	SLOAlerts            []string               `json:"slo_alerts"`
	PayloadHash          string                 `json:"payload_hash"`
}

// LoopTrace is one loop iteration's recorded outcome, embedded in the
// landscape manifest's steps array.
type LoopTrace struct {
	Loop            int               `json:"loop"`
	Mode            string            `json:"mode"`
	Reason          string            `json:"reason"`
	BudgetGrantedMs int64             `json:"budget_granted_ms"`
	ConsumedMs      int64             `json:"consumed_ms"`
	Done            bool              `json:"done"`
	Adaptive        *AdaptiveDecision `json:"adaptive,omitempty"`
	SLAPressure     bool              `json:"sla_pressure,omitempty"`
}

// ManifestInput bundles BuildManifest's inputs.
type ManifestInput struct {
	RunID              string
	EffectiveConfig    interface{}
	ContractsLockPath  string
	PluginLocksPath    string
	Done               bool
	BlockedReason      string
	Steps              []LoopTrace
	SLA                SLASnapshot
	MetadataDBGuard    *DBGuardSnapshot
}

// BuildManifest assembles a LandscapeManifest, hashing the effective config
// and any present lock files, then self-hashing the assembled payload
// (spec.md §4.10's payload_hash, "canonical JSON of the manifest with
// payload_hash omitted").
func BuildManifest(in ManifestInput) (LandscapeManifest, error) {
	configHash, err := canon.SHA256(in.EffectiveConfig)
	if err != nil {
		return LandscapeManifest{}, err
	}

	manifest := LandscapeManifest{
		RunID:                in.RunID,
		TSUTC:                time.Now().UTC(),
		EffectiveConfigSHA256: configHash,
		ContractsLockSHA256:  hashFileIfPresent(in.ContractsLockPath),
		PluginLocksSHA256:    hashFileIfPresent(in.PluginLocksPath),
		Done:                 in.Done,
		BlockedReason:        in.BlockedReason,
		Loops:                len(in.Steps),
		Steps:                in.Steps,
		SLA:                  in.SLA,
		MetadataDBGuard:      in.MetadataDBGuard,
		SLOAlerts:            SLOAlerts(in.SLA, in.MetadataDBGuard),
	}

	payloadHash, err := canon.HashRecord(manifest, "payload_hash")
	if err != nil {
		return LandscapeManifest{}, err
	}
	manifest.PayloadHash = payloadHash
	return manifest, nil
}

func hashFileIfPresent(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return canon.HashBytes(data)
}
