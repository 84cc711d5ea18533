package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dop251/goja"
)

// JSPlugin runs a plugin whose entrypoints are in-process JavaScript,
// interpreted by goja. This is the concrete answer to spec.md §4.7's
// create_plugin(plugin_id, context) hook for manifests that declare no
// compiled-in Factory: the plugin ships a script instead of a Go package,
// and the registry is itself the runtime for it.
//
// A fresh VM is built per invocation, mirroring the teacher's script
// engine, which isolates state across calls rather than reusing a runtime
// a crashing or misbehaving script could leave corrupted.
type JSPlugin struct {
	id         string
	source     string
	callableOf map[string]string // capability -> JS function name
}

// DefaultJSFactory builds a JSPlugin from any manifest whose entrypoints
// include at least one of kind "js". It is meant to be registered under
// every plugin_id discovered on disk that has no compiled-in Factory, so
// script-only plugins still load through the same dependency-ordered,
// failure-isolated path as native ones.
func DefaultJSFactory(manifest Manifest, _ *Context) (Plugin, error) {
	callableOf := make(map[string]string)
	var source string
	for _, ep := range manifest.Entrypoints {
		if ep.Kind != "js" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(manifest.Dir(), ep.Path))
		if err != nil {
			return nil, fmt.Errorf("registry: read js entrypoint %s: %w", ep.Path, err)
		}
		source += string(data) + "\n"
		callableOf[ep.ID] = ep.Callable
	}
	if len(callableOf) == 0 {
		return nil, fmt.Errorf("registry: plugin %s declares no js entrypoints", manifest.PluginID)
	}
	return &JSPlugin{id: manifest.PluginID, source: source, callableOf: callableOf}, nil
}

// ID returns the owning plugin's ID.
func (p *JSPlugin) ID() string { return p.id }

// Capabilities returns the entrypoint IDs this script exposes.
func (p *JSPlugin) Capabilities() []string {
	caps := make([]string, 0, len(p.callableOf))
	for capName := range p.callableOf {
		caps = append(caps, capName)
	}
	return caps
}

// Invoke runs the JS function bound to capability, passing method and args
// as its single input object, and converts the return value back to a map.
func (p *JSPlugin) Invoke(ctx context.Context, capability, method string, args map[string]interface{}) (map[string]interface{}, error) {
	callable, ok := p.callableOf[capability]
	if !ok {
		return nil, fmt.Errorf("registry: plugin %s does not expose capability %s", p.id, capability)
	}

	vm := goja.New()
	if _, err := vm.RunString(p.source); err != nil {
		return nil, fmt.Errorf("registry: load script for plugin %s: %w", p.id, err)
	}

	fn, ok := goja.AssertFunction(vm.Get(callable))
	if !ok {
		return nil, fmt.Errorf("registry: entrypoint %q is not a function in plugin %s", callable, p.id)
	}

	input := map[string]interface{}{"method": method, "args": args}
	resultVal, err := fn(goja.Undefined(), vm.ToValue(input))
	if err != nil {
		return nil, fmt.Errorf("registry: call %s in plugin %s: %w", callable, p.id, err)
	}
	if resultVal == nil || goja.IsUndefined(resultVal) || goja.IsNull(resultVal) {
		return nil, nil
	}

	switch v := resultVal.Export().(type) {
	case map[string]interface{}:
		return v, nil
	default:
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("registry: encode result from plugin %s: %w", p.id, err)
		}
		var out map[string]interface{}
		if err := json.Unmarshal(jsonBytes, &out); err != nil {
			return nil, fmt.Errorf("registry: result from plugin %s is not an object", p.id)
		}
		return out, nil
	}
}
