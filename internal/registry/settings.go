package registry

import (
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"
)

// validateAndStripSettings applies step 5 of the load sequence: a
// plugin's settings are checked against its declared settings_schema (a
// minimal type-only JSON-schema subset: "type" per top-level property,
// required via a "required" array) and then stripped down to exactly the
// dotted paths the manifest declares in settings_paths. A plugin that
// declares no settings_schema is not validated, only stripped (or passed
// through unchanged if it also declares no settings_paths).
func validateAndStripSettings(m Manifest, raw map[string]interface{}) (map[string]interface{}, error) {
	if raw == nil {
		raw = map[string]interface{}{}
	}
	if m.SettingsSchema != nil {
		if err := validateAgainstSchema(m.SettingsSchema, raw); err != nil {
			return nil, fmt.Errorf("registry: plugin %s settings invalid: %w", m.PluginID, err)
		}
	}
	if len(m.SettingsPaths) == 0 {
		return raw, nil
	}
	stripped := make(map[string]interface{}, len(m.SettingsPaths))
	for _, path := range m.SettingsPaths {
		if v, ok := lookupJSONPath(raw, path); ok {
			setDotted(stripped, path, v)
		}
	}
	return stripped, nil
}

// lookupJSONPath resolves a manifest's dotted settings_paths entry (e.g.
// "ocr.lang") against the raw settings tree via PaesslerAG/jsonpath, the
// same JSONPath engine the upstream settings-schema option surface uses
// for path-driven stripping.
func lookupJSONPath(raw map[string]interface{}, dottedPath string) (interface{}, bool) {
	v, err := jsonpath.Get("$."+dottedPath, raw)
	if err != nil {
		return nil, false
	}
	return v, true
}

func validateAgainstSchema(schema map[string]interface{}, raw map[string]interface{}) error {
	props, _ := schema["properties"].(map[string]interface{})
	required, _ := schema["required"].([]interface{})

	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := raw[name]; !present {
			return fmt.Errorf("missing required setting %q", name)
		}
	}

	for name, value := range raw {
		propSchema, ok := props[name].(map[string]interface{})
		if !ok {
			continue
		}
		wantType, _ := propSchema["type"].(string)
		if wantType == "" {
			continue
		}
		if !matchesJSONType(wantType, value) {
			return fmt.Errorf("setting %q: want type %s", name, wantType)
		}
	}
	return nil
}

func matchesJSONType(want string, v interface{}) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	default:
		return true
	}
}

func setDotted(m map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := m
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = value
			return
		}
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[part] = next
		}
		cur = next
	}
}
