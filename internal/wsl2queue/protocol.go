package wsl2queue

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/autocapture/engine/internal/store"
)

// CurrentProtocolVersion is this build's wire protocol version for the
// filesystem-mediated GPU routing queue (spec.md §4.11).
const CurrentProtocolVersion = 1

// ErrProtocolMismatch is returned by Dispatch when the caller's declared
// protocol version does not match the queue's protocol.json, per spec.md
// §4.11: "mismatch returns protocol_mismatch (no fallback unless
// allowed)."
var ErrProtocolMismatch = errors.New("wsl2queue: protocol_mismatch")

// Protocol is the persisted contents of queue_dir/protocol.json.
type Protocol struct {
	Version int `json:"version"`
}

func loadOrInitProtocol(path string) (Protocol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			p := Protocol{Version: CurrentProtocolVersion}
			return p, saveProtocol(path, p)
		}
		return Protocol{}, err
	}
	var p Protocol
	if err := json.Unmarshal(data, &p); err != nil {
		return Protocol{}, err
	}
	return p, nil
}

func saveProtocol(path string, p Protocol) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, data, 0o644)
}
