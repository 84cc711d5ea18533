// Package wsl2queue implements spec.md §4.11: a filesystem-mediated
// outbox for GPU-heavy jobs routed to a WSL2 worker, used when
// gpu_heavy.target == "wsl2". Requests, responses, and lease tokens are
// plain files under a queue directory so either side of the WSL2
// boundary can operate with nothing more than filesystem access.
package wsl2queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/autocapture/engine/internal/canon"
	"github.com/autocapture/engine/internal/keyring"
	"github.com/autocapture/engine/internal/store"
)

// ErrBackpressure is returned when the pending request file count has
// reached Config.MaxPending (spec.md §4.11: "Pending cap by file count →
// backpressure").
var ErrBackpressure = errors.New("wsl2queue: backpressure")

// ErrTokenBackpressure is returned when the inflight token count has
// reached Config.MaxInflight (spec.md §4.11: "Inflight cap via token
// files with TTL; exceeded → token_backpressure").
var ErrTokenBackpressure = errors.New("wsl2queue: token_backpressure")

// Config tunes queue behavior; zero values fall back to DefaultConfig.
type Config struct {
	MaxInflight   int
	MaxPending    int
	TokenTTL      time.Duration
	DedupeWindow  time.Duration
	AllowFallback bool // permit callers to fall back on protocol_mismatch
}

// DefaultConfig returns conservative defaults: 4 inflight jobs, 64
// pending requests, a 5-minute token TTL and dedupe window.
func DefaultConfig() Config {
	return Config{MaxInflight: 4, MaxPending: 64, TokenTTL: 5 * time.Minute, DedupeWindow: 5 * time.Minute}
}

// DispatchRequest describes one job to route to the WSL2 worker.
type DispatchRequest struct {
	JobName         string
	RunID           string
	Payload         []byte
	ProtocolVersion int
}

// DispatchResult is Dispatch's outcome: a job_id to poll against, and
// whether this call coalesced into an already-inflight identical job.
type DispatchResult struct {
	JobID     string
	Coalesced bool
}

// Response is one parsed response file.
type Response struct {
	JobID   string
	Status  string
	Payload []byte
}

// Queue is a filesystem-mediated GPU job outbox rooted at dir.
type Queue struct {
	dir      string
	protocol Protocol
	signer   *tokenSigner
	dedupe   *dedupeWindow
	cfg      Config
}

// Open creates (if absent) dir's subdirectory layout
// (requests/responses/done/tokens/request_index) and loads or
// initializes protocol.json.
func Open(dir string, cfg Config, kr *keyring.Keyring) (*Queue, error) {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultConfig().MaxInflight
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultConfig().TokenTTL
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = DefaultConfig().DedupeWindow
	}

	for _, sub := range []string{"requests", "responses", "done", "tokens", "request_index"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("wsl2queue: create %s: %w", sub, err)
		}
	}
	protocol, err := loadOrInitProtocol(filepath.Join(dir, "protocol.json"))
	if err != nil {
		return nil, fmt.Errorf("wsl2queue: load protocol: %w", err)
	}
	signer, err := newTokenSigner(kr)
	if err != nil {
		return nil, fmt.Errorf("wsl2queue: token signer: %w", err)
	}

	return &Queue{dir: dir, protocol: protocol, signer: signer, dedupe: newDedupeWindow(cfg.DedupeWindow), cfg: cfg}, nil
}

func (q *Queue) requestsDir() string     { return filepath.Join(q.dir, "requests") }
func (q *Queue) responsesDir() string    { return filepath.Join(q.dir, "responses") }
func (q *Queue) doneDir() string         { return filepath.Join(q.dir, "done") }
func (q *Queue) tokensDir() string       { return filepath.Join(q.dir, "tokens") }
func (q *Queue) requestIndexDir() string { return filepath.Join(q.dir, "request_index") }

func jobKey(jobName, runID string, payload []byte, protocolVersion int) string {
	payloadHash := canon.HashBytes(payload)
	return canon.HashBytes([]byte(fmt.Sprintf("%s|%s|%s|%d", jobName, runID, payloadHash, protocolVersion)))
}

// Dispatch writes req as a request file, coalescing with an already
// in-flight identical job when one exists (spec.md §4.11's job_key
// dedupe contract) and enforcing the token-backpressure and
// pending-backpressure caps before admitting a new job.
func (q *Queue) Dispatch(req DispatchRequest) (DispatchResult, error) {
	if req.ProtocolVersion != q.protocol.Version {
		if !q.cfg.AllowFallback {
			return DispatchResult{}, ErrProtocolMismatch
		}
	}

	key := jobKey(req.JobName, req.RunID, req.Payload, req.ProtocolVersion)
	jobID := key

	if existing, coalesced := q.dedupe.checkAndMark(key, jobID); coalesced {
		return DispatchResult{JobID: existing, Coalesced: true}, nil
	}
	if existingID, ok := q.checkPersistedIndex(key); ok {
		return DispatchResult{JobID: existingID, Coalesced: true}, nil
	}

	pending, err := countFiles(q.requestsDir())
	if err != nil {
		return DispatchResult{}, err
	}
	if pending >= q.cfg.MaxPending {
		return DispatchResult{}, ErrBackpressure
	}

	inflight, err := q.signer.countInflight(q.tokensDir())
	if err != nil {
		return DispatchResult{}, err
	}
	if inflight >= q.cfg.MaxInflight {
		return DispatchResult{}, ErrTokenBackpressure
	}

	token, err := q.signer.mint(jobID, q.cfg.TokenTTL)
	if err != nil {
		return DispatchResult{}, err
	}
	if err := store.WriteFileAtomic(tokenPath(q.tokensDir(), jobID), []byte(token), 0o600); err != nil {
		return DispatchResult{}, err
	}

	reqData, err := json.Marshal(requestFile{
		JobID:           jobID,
		JobName:         req.JobName,
		RunID:           req.RunID,
		Payload:         req.Payload,
		ProtocolVersion: req.ProtocolVersion,
	})
	if err != nil {
		return DispatchResult{}, err
	}
	if err := store.WriteFileAtomic(filepath.Join(q.requestsDir(), jobID+".json"), reqData, 0o644); err != nil {
		return DispatchResult{}, err
	}
	if err := store.WriteFileAtomic(filepath.Join(q.requestIndexDir(), key+".json"), []byte(jobID), 0o644); err != nil {
		return DispatchResult{}, err
	}

	return DispatchResult{JobID: jobID, Coalesced: false}, nil
}

type requestFile struct {
	JobID           string `json:"job_id"`
	JobName         string `json:"job_name"`
	RunID           string `json:"run_id"`
	Payload         []byte `json:"payload"`
	ProtocolVersion int    `json:"protocol_version"`
}

func (q *Queue) checkPersistedIndex(key string) (string, bool) {
	path := filepath.Join(q.requestIndexDir(), key+".json")
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	if time.Since(info.ModTime()) >= q.cfg.DedupeWindow {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func countFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n, nil
}

// PollResponses drains every pending response file, ordered by filename
// (spec.md §4.11), archiving each into done/ rather than deleting it and
// releasing that job's inflight token.
func (q *Queue) PollResponses() ([]Response, error) {
	entries, err := os.ReadDir(q.responsesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	responses := make([]Response, 0, len(names))
	for _, name := range names {
		resp, err := q.drainResponse(name)
		if err != nil {
			continue
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

func (q *Queue) drainResponse(name string) (Response, error) {
	path := filepath.Join(q.responsesDir(), name)
	data, err := os.ReadFile(path)
	if err != nil {
		return Response{}, err
	}
	jobID := name[:len(name)-len(filepath.Ext(name))]
	resp := Response{JobID: jobID, Payload: data}
	var rf responseFile
	if err := json.Unmarshal(data, &rf); err == nil {
		resp.Status = rf.Status
	}

	archived := filepath.Join(q.doneDir(), name)
	if err := os.Rename(path, archived); err != nil {
		return Response{}, err
	}
	releaseToken(q.tokensDir(), jobID)
	return resp, nil
}

type responseFile struct {
	Status string `json:"status"`
}

// AwaitResponse polls for jobID's response file until it appears,
// timeout elapses, or ctx is cancelled.
func (q *Queue) AwaitResponse(ctx context.Context, jobID string, timeout, poll time.Duration) (Response, error) {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	path := filepath.Join(q.responsesDir(), jobID+".json")

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(path); err == nil {
			return q.drainResponse(jobID + ".json")
		}
		if timeout > 0 && time.Now().After(deadline) {
			return Response{}, fmt.Errorf("wsl2queue: await response %s: timeout", jobID)
		}
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
