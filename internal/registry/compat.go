package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// KernelVersion is the running engine's schema/kernel version surface
// that compat predicates are checked against. "Kernel" here means the
// engine core version, not the OS kernel — spec.md's plugin manifests
// pin compatibility to the engine they were built for.
type KernelVersion struct {
	Version        string  // e.g. "2.3.0"
	SchemaVersions []int64 // schema versions this engine build supports
}

// checkCompat applies step 4's compat predicate: a plugin's
// requires_kernel range (supports "", an exact "X.Y.Z", or ">=X.Y.Z" /
// "<=X.Y.Z") must admit the running kernel version, and every schema
// version the plugin requires must be present in the set this engine
// build supports.
func checkCompat(m Manifest, kv KernelVersion) error {
	if m.Compat.RequiresKernel != "" {
		if !kernelSatisfies(kv.Version, m.Compat.RequiresKernel) {
			return fmt.Errorf("registry: plugin %s requires kernel %s, running %s", m.PluginID, m.Compat.RequiresKernel, kv.Version)
		}
	}
	if len(m.Compat.RequiresSchemaVersions) > 0 {
		supported := make(map[int64]bool, len(kv.SchemaVersions))
		for _, v := range kv.SchemaVersions {
			supported[v] = true
		}
		for _, want := range m.Compat.RequiresSchemaVersions {
			if !supported[want] {
				return fmt.Errorf("registry: plugin %s requires schema version %d, unsupported", m.PluginID, want)
			}
		}
	}
	return nil
}

func kernelSatisfies(running, want string) bool {
	op := ""
	spec := want
	switch {
	case strings.HasPrefix(want, ">="):
		op, spec = ">=", strings.TrimPrefix(want, ">=")
	case strings.HasPrefix(want, "<="):
		op, spec = "<=", strings.TrimPrefix(want, "<=")
	}
	spec = strings.TrimSpace(spec)

	cmp := compareVersions(running, spec)
	switch op {
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	default:
		return running == spec
	}
}

// compareVersions compares two dotted version strings numerically,
// component by component; missing components compare as 0.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int64
		if i < len(as) {
			av, _ = strconv.ParseInt(as[i], 10, 64)
		}
		if i < len(bs) {
			bv, _ = strconv.ParseInt(bs[i], 10, 64)
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
