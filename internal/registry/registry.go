// Package registry implements the plugin/capability registry (spec.md
// §4.7): manifest discovery, lockfile verification, safe-mode and
// allowlist filtering, dependency-ordered instantiation with per-plugin
// failure isolation, and an audited capability table.
//
// Go has no safe, portable way to load arbitrary compiled third-party code
// from a manifest at runtime the way a dynamic-language host can, so
// plugins are either compiled into the binary and registered under their
// plugin_id via a Factory, or ship an in-process JavaScript entrypoint
// executed through DefaultJSFactory (see jsplugin.go). Either way, the
// manifest still drives every policy decision (safe mode, allowlisting,
// compat, settings, capability exposure) exactly as spec'd. This mirrors
// the teacher's own registry: a fixed set of ServiceModule implementations
// registered by name, looked up and filtered at runtime.
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	enginerrors "github.com/autocapture/engine/infrastructure/errors"
	"github.com/autocapture/engine/infrastructure/logging"
	"github.com/autocapture/engine/internal/config"
	"github.com/autocapture/engine/internal/keyring"
	"github.com/autocapture/engine/internal/sanitizer"
	"github.com/autocapture/engine/internal/store"
)

// NetworkAllowlistSingleton is the only capability name permitted to carry
// network_allowed=true (spec.md §4.7 step 7, a doctor check).
const NetworkAllowlistSingleton = "builtin.egress.gateway"

// Plugin is a loaded, instantiated plugin instance.
type Plugin interface {
	ID() string
	Capabilities() []string
	Invoke(ctx context.Context, capability, method string, args map[string]interface{}) (map[string]interface{}, error)
}

// Factory constructs a Plugin given its manifest and shared context. It is
// the compiled-in counterpart to the manifest's declarative create_plugin
// hook.
type Factory func(manifest Manifest, pctx *Context) (Plugin, error)

// Context is the shared dependency set every Factory receives.
type Context struct {
	Keyring   *keyring.Keyring
	Logger    *logging.Logger
	Settings  map[string]map[string]interface{} // plugin_id -> validated/stripped settings
	Sanitizer *sanitizer.Sanitizer              // applied to every NetworkAllowlistSingleton invoke
}

// CapabilityBinding records which plugin a capability name dispatches to.
type CapabilityBinding struct {
	PluginID       string
	NetworkAllowed bool
}

// Registry holds the loaded plugin set and its capability table.
type Registry struct {
	plugins      map[string]Plugin
	manifests    map[string]Manifest
	order        []string
	capabilities map[string]CapabilityBinding
	failed       map[string]error

	metadata  *store.MetadataStore
	logger    *logging.Logger
	sanitizer *sanitizer.Sanitizer
}

// LoadResult reports the outcome of a Load call: which plugins came up,
// which failed (and why), in case a caller wants to surface this via
// `doctor`.
type LoadResult struct {
	Loaded      []string
	Failed      map[string]error
	Diagnostics *multierror.Error // every non-fatal skip/rejection encountered along the way
}

// Load runs the full seven-step sequence described in spec.md §4.7 and
// returns a ready-to-use Registry.
func Load(ctx context.Context, cfg config.RegistryConfig, kv KernelVersion, lockfilePath, contractBaseDir string, factories map[string]Factory, pctx *Context, metadata *store.MetadataStore, logger *logging.Logger) (*Registry, LoadResult, error) {
	if logger == nil {
		logger = logging.Default()
	}

	// Step 1: contract lockfile.
	lockfile, err := LoadContractLockfile(lockfilePath)
	if err != nil {
		return nil, LoadResult{}, err
	}
	if err := lockfile.Verify(contractBaseDir); err != nil {
		return nil, LoadResult{}, err
	}

	// Discovery + step 2: manifest/artifact hash verification.
	manifests, err := Discover(cfg.SearchPaths)
	if err != nil {
		return nil, LoadResult{}, err
	}
	var diagnostics *multierror.Error
	admissible := make([]Manifest, 0, len(manifests))
	for _, m := range manifests {
		if err := verifyPluginHashes(m); err != nil {
			diagnostics = multierror.Append(diagnostics, err)
			if metadata != nil {
				_ = metadata.UpsertPluginState(ctx, m.PluginID, m.HashLock.ManifestSHA256, m.HashLock.ArtifactSHA256, false, err.Error())
			}
			continue
		}
		admissible = append(admissible, m)
	}

	// Step 3: safe mode restricts to the default pack.
	if cfg.SafeMode {
		filtered := admissible[:0:0]
		for _, m := range admissible {
			if m.InDefaultPack() {
				filtered = append(filtered, m)
			}
		}
		admissible = filtered
	}

	// Step 4: allowlist + compat filtering. An empty AllowList means "no
	// restriction" — safe mode already narrowed things to default_pack
	// when that policy is active.
	admissible = filterByAllowlist(admissible, cfg.AllowList)
	compatible := admissible[:0:0]
	for _, m := range admissible {
		if err := checkCompat(m, kv); err != nil {
			diagnostics = multierror.Append(diagnostics, err)
			if metadata != nil {
				_ = metadata.UpsertPluginState(ctx, m.PluginID, m.HashLock.ManifestSHA256, m.HashLock.ArtifactSHA256, false, err.Error())
			}
			continue
		}
		compatible = append(compatible, m)
	}
	admissible = compatible

	ordered, cycleErr := dependencyOrder(admissible)
	if cycleErr != nil {
		return nil, LoadResult{}, cycleErr
	}

	r := &Registry{
		plugins:      make(map[string]Plugin),
		manifests:    make(map[string]Manifest),
		capabilities: make(map[string]CapabilityBinding),
		failed:       make(map[string]error),
		metadata:     metadata,
		logger:       logger,
	}
	if pctx != nil {
		r.sanitizer = pctx.Sanitizer
	}

	// Step 6: dependency-ordered instantiation with per-plugin isolation.
	for _, m := range ordered {
		factory, ok := factories[m.PluginID]
		if !ok {
			factory = DefaultJSFactory
		}
		depsOK := true
		for _, dep := range m.DependsOn {
			if _, ok := r.plugins[dep]; !ok {
				depsOK = false
				break
			}
		}
		if !depsOK {
			err := fmt.Errorf("registry: plugin %s has an unmet dependency", m.PluginID)
			r.failed[m.PluginID] = err
			diagnostics = multierror.Append(diagnostics, err)
			continue
		}

		// Step 5: settings validation/stripping, applied in place so the
		// factory only ever sees the validated, narrowed view.
		if pctx != nil {
			stripped, err := validateAndStripSettings(m, pctx.Settings[m.PluginID])
			if err != nil {
				r.failed[m.PluginID] = err
				diagnostics = multierror.Append(diagnostics, err)
				continue
			}
			if pctx.Settings == nil {
				pctx.Settings = map[string]map[string]interface{}{}
			}
			pctx.Settings[m.PluginID] = stripped
		}

		plugin, err := instantiate(factory, m, pctx)
		if err != nil {
			loadErr := enginerrors.PluginLoad(m.PluginID, err)
			r.failed[m.PluginID] = loadErr
			diagnostics = multierror.Append(diagnostics, loadErr)
			if metadata != nil {
				_ = metadata.UpsertPluginState(ctx, m.PluginID, m.HashLock.ManifestSHA256, m.HashLock.ArtifactSHA256, false, loadErr.Error())
			}
			logger.LogStoreWrite(ctx, "plugin_state", m.PluginID, 0, loadErr)
			continue
		}

		r.plugins[m.PluginID] = plugin
		r.manifests[m.PluginID] = m
		r.order = append(r.order, m.PluginID)
		if metadata != nil {
			_ = metadata.UpsertPluginState(ctx, m.PluginID, m.HashLock.ManifestSHA256, m.HashLock.ArtifactSHA256, true, "")
		}

		// Step 7: capability table registration with network_allowed
		// enforcement.
		for _, capName := range plugin.Capabilities() {
			binding := CapabilityBinding{PluginID: m.PluginID, NetworkAllowed: m.Permissions.Network}
			if binding.NetworkAllowed && capName != NetworkAllowlistSingleton {
				err := fmt.Errorf("registry: plugin %s declares network_allowed capability %q, only %q may carry network access", m.PluginID, capName, NetworkAllowlistSingleton)
				r.failed[m.PluginID] = err
				diagnostics = multierror.Append(diagnostics, err)
				delete(r.plugins, m.PluginID)
				delete(r.manifests, m.PluginID)
				continue
			}
			r.capabilities[capName] = binding
		}
	}

	result := LoadResult{Loaded: append([]string(nil), r.order...), Failed: r.failed, Diagnostics: diagnostics}
	return r, result, nil
}

// verifyPluginHashes checks a manifest's hash_lock against the plugin's
// actual content (step 2): manifest_sha256 against the manifest's own
// declared fields, and artifact_sha256 against everything else in the
// plugin directory.
func verifyPluginHashes(m Manifest) error {
	manifestHash, err := m.ComputeManifestSHA256()
	if err != nil {
		return err
	}
	if m.HashLock.ManifestSHA256 != "" && manifestHash != m.HashLock.ManifestSHA256 {
		return enginerrors.LockfileFail(m.PluginID, fmt.Sprintf("manifest_sha256 mismatch: want %s, got %s", m.HashLock.ManifestSHA256, manifestHash))
	}

	dirHash, err := HashDirectory(m.Dir(), "plugin.json")
	if err != nil {
		return err
	}
	if m.HashLock.ArtifactSHA256 != "" && dirHash != m.HashLock.ArtifactSHA256 {
		return enginerrors.LockfileFail(m.PluginID, fmt.Sprintf("artifact_sha256 mismatch: want %s, got %s", m.HashLock.ArtifactSHA256, dirHash))
	}
	return nil
}

func filterByAllowlist(manifests []Manifest, allowList []string) []Manifest {
	if len(allowList) == 0 {
		return manifests
	}
	allowed := make(map[string]bool, len(allowList))
	for _, id := range allowList {
		allowed[id] = true
	}
	out := manifests[:0:0]
	for _, m := range manifests {
		if allowed[m.PluginID] {
			out = append(out, m)
		}
	}
	return out
}

// dependencyOrder topologically sorts manifests by depends_on, breaking
// ties by plugin_id for determinism. A dependency cycle is reported as an
// InvariantBroken EngineError rather than silently dropping plugins.
func dependencyOrder(manifests []Manifest) ([]Manifest, error) {
	byID := make(map[string]Manifest, len(manifests))
	for _, m := range manifests {
		byID[m.PluginID] = m
	}

	var ordered []Manifest
	state := make(map[string]int) // 0=unvisited, 1=visiting, 2=done
	var ids []string
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case 2:
			return nil
		case 1:
			return enginerrors.InvariantBroken("plugin_dependency_cycle", fmt.Errorf("cycle includes %s", id))
		}
		state[id] = 1
		m, ok := byID[id]
		if !ok {
			return nil // dependency outside the admissible set; unmet, handled at instantiation
		}
		deps := append([]string(nil), m.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = 2
		ordered = append(ordered, m)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

func instantiate(factory Factory, m Manifest, pctx *Context) (plugin Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during instantiation: %v", r)
		}
	}()
	return factory(m, pctx)
}

// Capability looks up which plugin a capability name is bound to.
func (r *Registry) Capability(name string) (CapabilityBinding, bool) {
	b, ok := r.capabilities[name]
	return b, ok
}

// Loaded returns the plugin IDs that instantiated successfully, in
// dependency order.
func (r *Registry) Loaded() []string { return append([]string(nil), r.order...) }

// Failed returns the plugin IDs that failed to load, with their errors.
func (r *Registry) Failed() map[string]error { return r.failed }

// Invoke calls a capability's bound plugin, recovering from panics as a
// PluginCrash so one misbehaving plugin never takes the process down, and
// recording a plugin_exec_audit row regardless of outcome. Per spec.md
// §4.7's network doctor check ("only builtin.egress.gateway may be
// allowed, and only after the sanitizer pipeline has been applied"),
// every argument bound for a network-carrying capability is run through
// the registry's Sanitizer first.
func (r *Registry) Invoke(ctx context.Context, capability, method string, args map[string]interface{}) (result map[string]interface{}, err error) {
	binding, ok := r.capabilities[capability]
	if !ok {
		return nil, enginerrors.CapabilityDenied("", capability)
	}
	plugin, ok := r.plugins[binding.PluginID]
	if !ok {
		return nil, enginerrors.CapabilityDenied(binding.PluginID, capability)
	}

	if binding.NetworkAllowed {
		args, err = r.sanitizeEgressArgs(args)
		if err != nil {
			return nil, err
		}
	}

	defer func() {
		ok := err == nil
		if rec := recover(); rec != nil {
			err = enginerrors.PluginCrash(binding.PluginID, capability, fmt.Errorf("panic: %v", rec))
			ok = false
		}
		r.audit(ctx, binding.PluginID, capability, method, ok)
	}()

	result, err = plugin.Invoke(ctx, capability, method, args)
	return result, err
}

// sanitizeEgressArgs replaces every PII span the registry's Sanitizer
// recognizes in a network-bound call's arguments with opaque entity
// tokens. A registry with no Sanitizer configured (e.g. built from tests
// that never construct one) denies every network-carrying invoke rather
// than letting raw args leave the device unsanitized.
func (r *Registry) sanitizeEgressArgs(args map[string]interface{}) (map[string]interface{}, error) {
	if r.sanitizer == nil {
		return nil, enginerrors.InvariantBroken("network_allowlist",
			fmt.Errorf("registry: no sanitizer configured, refusing to invoke %q", NetworkAllowlistSingleton))
	}
	sanitized, _, err := r.sanitizer.SanitizeValue(args, "egress."+NetworkAllowlistSingleton)
	if err != nil {
		return nil, err
	}
	out, ok := sanitized.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("registry: sanitized egress args were not a map, got %T", sanitized)
	}
	return out, nil
}

func (r *Registry) audit(ctx context.Context, pluginID, capability, method string, ok bool) {
	if r.metadata == nil {
		return
	}
	if auditErr := r.metadata.InsertPluginExecAudit(ctx, pluginID, capability, method, ok, time.Now().UTC()); auditErr != nil && r.logger != nil {
		r.logger.LogStoreWrite(ctx, "plugin_exec_audit", pluginID, 0, auditErr)
	}
}

// DoctorCheckNetworkAllowlist verifies the network allowlist invariant
// holds: at most the singleton capability may carry network access. It is
// a belt-and-suspenders re-check for `doctor`, since Load already refuses
// to register an offending capability.
func (r *Registry) DoctorCheckNetworkAllowlist() error {
	for name, binding := range r.capabilities {
		if binding.NetworkAllowed && name != NetworkAllowlistSingleton {
			return enginerrors.InvariantBroken("network_allowlist",
				fmt.Errorf("capability %q from plugin %s has network access outside %q", name, binding.PluginID, NetworkAllowlistSingleton))
		}
	}
	return nil
}
