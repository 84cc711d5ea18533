package kernel

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/autocapture/engine/internal/governor"
)

// StateEvalCase is one golden fixture: a name, the signals fed to the
// mode-decision layer, and the mode it must produce.
//
// original_source/autocapture_nx/state_layer/harness.py and store_sqlite.py
// were not present in the retrieved source tree (_INDEX.md lists only
// tools/state_layer_eval.py and tests/test_state_layer_golden.py that call
// into them) — this reimplements the same golden-fixture/report shape
// against the mode-decision layer this port does carry, internal/governor,
// rather than guessing at an unseen store_sqlite-backed state tape.
type StateEvalCase struct {
	Name    string           `json:"name"`
	Signals governor.Signals `json:"signals"`
	Want    governor.Mode    `json:"want_mode"`
}

// StateEvalFixture is the golden file's top-level shape: tools/
// state_layer_eval.py's load_state_eval_cases(path)["cases"].
type StateEvalFixture struct {
	Cases []StateEvalCase `json:"cases"`
}

// StateEvalCaseResult is one case's outcome.
type StateEvalCaseResult struct {
	Name   string        `json:"name"`
	Got    governor.Mode `json:"got_mode"`
	Want   governor.Mode `json:"want_mode"`
	Passed bool          `json:"passed"`
}

// StateEvalResult mirrors run_state_eval's {"ok": bool, "cases": [...]}.
type StateEvalResult struct {
	OK    bool                  `json:"ok"`
	Cases []StateEvalCaseResult `json:"cases"`
}

// LoadStateEvalCases reads a golden fixture file from disk.
func LoadStateEvalCases(path string) (StateEvalFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StateEvalFixture{}, fmt.Errorf("kernel: read state eval fixture %s: %w", path, err)
	}
	var fixture StateEvalFixture
	if err := json.Unmarshal(data, &fixture); err != nil {
		return StateEvalFixture{}, fmt.Errorf("kernel: parse state eval fixture %s: %w", path, err)
	}
	return fixture, nil
}

// RunStateEval runs every case's signals through the mode-decision layer
// and reports pass/fail per case plus an overall ok flag — the `state
// layer eval` CLI operation's body.
func RunStateEval(cases []StateEvalCase) StateEvalResult {
	result := StateEvalResult{OK: true}
	for _, c := range cases {
		got := governor.New(governor.DefaultConfig(), nil).Decide(c.Signals).Mode
		passed := got == c.Want
		if !passed {
			result.OK = false
		}
		result.Cases = append(result.Cases, StateEvalCaseResult{
			Name: c.Name, Got: got, Want: c.Want, Passed: passed,
		})
	}
	return result
}
