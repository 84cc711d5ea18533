package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	enginerrors "github.com/autocapture/engine/infrastructure/errors"
	"github.com/autocapture/engine/internal/canon"
)

// ContractLockfile pins the SHA256 of every tracked contract file — the
// files whose drift would silently change the engine's on-disk formats or
// plugin ABI. Step 1 of the load sequence verifies every entry before any
// plugin is even discovered.
type ContractLockfile struct {
	Files map[string]string `json:"files"` // path (relative to lockfile dir) -> sha256
}

// LoadContractLockfile reads and parses the contract lockfile.
func LoadContractLockfile(path string) (ContractLockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ContractLockfile{}, fmt.Errorf("registry: read contract lockfile %s: %w", path, err)
	}
	var lf ContractLockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return ContractLockfile{}, fmt.Errorf("registry: parse contract lockfile %s: %w", path, err)
	}
	return lf, nil
}

// Verify checks that every tracked file under baseDir still hashes to the
// value recorded in the lockfile. The first mismatch or missing file is
// returned as a LockfileFail EngineError.
func (lf ContractLockfile) Verify(baseDir string) error {
	paths := make([]string, 0, len(lf.Files))
	for p := range lf.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		want := lf.Files[rel]
		data, err := os.ReadFile(filepath.Join(baseDir, rel))
		if err != nil {
			return lockfileFail(rel, fmt.Sprintf("read failed: %v", err))
		}
		got := canon.HashBytes(data)
		if got != want {
			return lockfileFail(rel, fmt.Sprintf("sha256 mismatch: want %s, got %s", want, got))
		}
	}
	return nil
}

// HashDirectory computes a single SHA256 digest over a directory's
// contents: every regular file's path (relative to root, forward-slash
// separated) and bytes, visited in sorted path order, skipping any file
// whose base name is in except. This backs artifact_sha256 verification
// in step 2 of the load sequence — plugin.json itself is excluded since it
// carries its own manifest_sha256 self-hash instead.
func HashDirectory(root string, except ...string) (string, error) {
	skip := make(map[string]bool, len(except))
	for _, name := range except {
		skip[name] = true
	}
	type entry struct {
		rel  string
		path string
	}
	var entries []entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if skip[d.Name()] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, entry{rel: filepath.ToSlash(rel), path: path})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("registry: walk directory %s: %w", root, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	h := sha256.New()
	for _, e := range entries {
		data, err := os.ReadFile(e.path)
		if err != nil {
			return "", fmt.Errorf("registry: read %s: %w", e.path, err)
		}
		h.Write([]byte(e.rel))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0xff})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func lockfileFail(path, reason string) error {
	return enginerrors.LockfileFail(path, reason)
}
