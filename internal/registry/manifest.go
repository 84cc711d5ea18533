package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/autocapture/engine/internal/canon"
)

// Entrypoint is one callable surface a plugin exposes.
type Entrypoint struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	Path     string `json:"path"`
	Callable string `json:"callable"`
}

// Permissions declares the resource classes a plugin asks to touch.
type Permissions struct {
	Filesystem bool `json:"filesystem"`
	GPU        bool `json:"gpu"`
	RawInput   bool `json:"raw_input"`
	Network    bool `json:"network"`
}

// Compat declares the kernel/schema versions a plugin was built against.
type Compat struct {
	RequiresKernel         string  `json:"requires_kernel"`
	RequiresSchemaVersions []int64 `json:"requires_schema_versions"`
}

// HashLock pins the manifest and artifact hashes a lockfile must match.
type HashLock struct {
	ManifestSHA256 string `json:"manifest_sha256"`
	ArtifactSHA256 string `json:"artifact_sha256"`
}

// Manifest is a parsed plugin.json (spec.md §4.7).
type Manifest struct {
	PluginID             string                 `json:"plugin_id"`
	Version              string                 `json:"version"`
	Entrypoints          []Entrypoint           `json:"entrypoints"`
	Permissions          Permissions            `json:"permissions"`
	RequiredCapabilities []string               `json:"required_capabilities"`
	Compat               Compat                 `json:"compat"`
	DependsOn            []string               `json:"depends_on"`
	HashLock             HashLock               `json:"hash_lock"`
	SettingsPaths        []string               `json:"settings_paths,omitempty"`
	SettingsSchema       map[string]interface{} `json:"settings_schema,omitempty"`
	CapabilityTags       []string               `json:"capability_tags,omitempty"`
	Provides             []string               `json:"provides,omitempty"`

	// dir is the manifest's containing directory, set by Discover.
	dir string `json:"-"`
}

// Dir returns the plugin's directory on disk.
func (m Manifest) Dir() string { return m.dir }

// ComputeManifestSHA256 hashes the manifest's own declared fields, with
// HashLock zeroed out — the same self-hash convention internal/canon uses
// for records elsewhere, since the manifest embeds the hash meant to
// verify it and so cannot include itself in its own digest.
func (m Manifest) ComputeManifestSHA256() (string, error) {
	m.HashLock = HashLock{}
	return canon.SHA256(m)
}

// InDefaultPack reports whether this plugin belongs to the always-admissible
// default pack used under safe mode (spec.md §4.7 step 3).
func (m Manifest) InDefaultPack() bool {
	for _, tag := range m.CapabilityTags {
		if tag == "default_pack" {
			return true
		}
	}
	return false
}

// ParseManifest reads and parses a single plugin.json file.
func ParseManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("registry: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("registry: parse manifest %s: %w", path, err)
	}
	if m.PluginID == "" {
		return Manifest{}, fmt.Errorf("registry: manifest %s is missing plugin_id", path)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// Discover walks each search path for immediate-child directories
// containing a plugin.json and parses each one. A directory without a
// manifest is silently skipped; a malformed manifest is an error, since a
// half-declared plugin must not be allowed to load with default zero
// values for its permission/compat fields.
func Discover(searchPaths []string) ([]Manifest, error) {
	var out []Manifest
	for _, root := range searchPaths {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("registry: list plugin search path %s: %w", root, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			manifestPath := filepath.Join(root, entry.Name(), "plugin.json")
			if _, err := os.Stat(manifestPath); err != nil {
				continue
			}
			m, err := ParseManifest(manifestPath)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
	}
	return out, nil
}
