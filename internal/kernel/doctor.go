package kernel

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/autocapture/engine/internal/config"
	"github.com/autocapture/engine/internal/keyring"
	"github.com/autocapture/engine/internal/registry"
)

// DoctorCheck is one named pass/fail probe (loader.py's DoctorCheck
// dataclass: name, ok, detail).
type DoctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// RunDoctor runs every boot-time health probe spec.md §4.7/§6 calls out:
// the data directory is writable, the vault is open, the contract
// lockfile (if configured) still hashes clean, and the network allow-list
// contains at most the egress gateway singleton.
func RunDoctor(cfg *config.Config) []DoctorCheck {
	var checks []DoctorCheck

	checks = append(checks, checkWritable("data_dir_writable", cfg.Storage.DataDir))
	checks = append(checks, checkVault("vault_open", cfg))
	checks = append(checks, checkContractLock("contracts_lock", cfg))
	checks = append(checks, checkNetworkAllowlist("network_allowlist", cfg))

	return checks
}

func checkWritable(name, dir string) DoctorCheck {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return DoctorCheck{Name: name, OK: false, Detail: err.Error()}
	}
	probe := filepath.Join(dir, ".doctor_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return DoctorCheck{Name: name, OK: false, Detail: err.Error()}
	}
	_ = os.Remove(probe)
	return DoctorCheck{Name: name, OK: true, Detail: dir}
}

func checkVault(name string, cfg *config.Config) DoctorCheck {
	vaultDir := filepath.Dir(cfg.Keyring.KeyringPath)
	kr, err := keyring.Open(vaultDir)
	if err != nil {
		return DoctorCheck{Name: name, OK: false, Detail: err.Error()}
	}
	return DoctorCheck{Name: name, OK: true, Detail: "generation " + strconv.Itoa(kr.CurrentGeneration())}
}

// contractLockPath is the one place that knows where a contract lockfile
// lives, shared by RunDoctor's check and Boot's registry load so the two
// can never disagree about what "configured" means.
func contractLockPath(cfg *config.Config) string {
	return filepath.Join(cfg.Storage.ConfigDir, "..", "contracts", "lock.json")
}

func checkContractLock(name string, cfg *config.Config) DoctorCheck {
	lockPath := contractLockPath(cfg)
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		return DoctorCheck{Name: name, OK: true, Detail: "no contract lockfile configured"}
	}
	lf, err := registry.LoadContractLockfile(lockPath)
	if err != nil {
		return DoctorCheck{Name: name, OK: false, Detail: err.Error()}
	}
	if err := lf.Verify(filepath.Dir(lockPath)); err != nil {
		return DoctorCheck{Name: name, OK: false, Detail: err.Error()}
	}
	return DoctorCheck{Name: name, OK: true, Detail: lockPath}
}

func checkNetworkAllowlist(name string, cfg *config.Config) DoctorCheck {
	const gateway = "builtin.egress.gateway"
	for _, id := range cfg.Registry.AllowList {
		if id != gateway {
			return DoctorCheck{Name: name, OK: false, Detail: "allow_list contains " + id + "; only " + gateway + " may reach the network"}
		}
	}
	return DoctorCheck{Name: name, OK: true, Detail: "network allow-list is a subset of {" + gateway + "}"}
}
