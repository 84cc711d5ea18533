package kernel

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	enginerrors "github.com/autocapture/engine/infrastructure/errors"
)

// acquireLock implements the instance-lock semantics spec.md §8 requires
// ("second boot raises ConfigError"): a PID file at path, created
// exclusively. If a lock file already exists, the recorded PID is checked
// for liveness — a lock left by a process that is no longer running is
// stale and is reclaimed rather than blocking boot forever.
//
// loader.py's Kernel uses a platform file lock under the hood; a
// PID-liveness check gives the same observable guarantee (concurrent boot
// against the same data_dir is rejected) without a platform-specific
// flock/fcntl binding.
func acquireLock(path string) (release func() error, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, openErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if openErr == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return func() error { return os.Remove(path) }, nil
		}
		if !os.IsExist(openErr) {
			return nil, enginerrors.Wrap(enginerrors.ErrCodeConfigInvalid, "create instance lock", enginerrors.ExitFailure, openErr).
				WithDetails("path", path)
		}
		if processAlive(path) {
			return nil, enginerrors.New(enginerrors.ErrCodeConfigValidation, "another instance already holds the data directory", enginerrors.ExitFailure).
				WithDetails("path", path)
		}
		// Stale lock from a dead process: reclaim it and retry once.
		_ = os.Remove(path)
	}
	return nil, enginerrors.New(enginerrors.ErrCodeConfigValidation, "could not acquire instance lock", enginerrors.ExitFailure).
		WithDetails("path", path)
}

func processAlive(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
