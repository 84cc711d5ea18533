package store

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// RunState mirrors spec.md §6's run_state.json:
// {run_id,state,started_at,stopped_at,ledger_head}.
type RunState struct {
	RunID      string     `json:"run_id"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	LedgerHead string     `json:"ledger_head"`
}

const (
	RunStateRunning = "running"
	RunStateStopped = "stopped"
	RunStateCrashed = "crashed"
)

// LoadRunState reads run_state.json, returning (nil, nil) if it does not
// exist yet (first boot).
func LoadRunState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run_state: read %s: %w", path, err)
	}
	var rs RunState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("run_state: decode %s: %w", path, err)
	}
	return &rs, nil
}

// SaveRunState atomically writes rs to path.
func SaveRunState(path string, rs RunState) error {
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("run_state: encode: %w", err)
	}
	return WriteFileAtomic(path, data, 0o600)
}
