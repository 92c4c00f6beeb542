package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// coerceToJSONBytes turns a YAML document into JSON so both formats go
// through the same strict decoder. Files without a .yaml/.yml extension are
// returned as-is.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, formatJSON, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, formatYAML, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		// empty document
		return []byte("{}"), formatYAML, nil
	}

	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, formatYAML, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, formatYAML, nil
}

// stringKeys rewrites map keys to strings so the tree can be JSON-marshaled.
// Numeric chat ids used as keys would otherwise break json.Marshal.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}
