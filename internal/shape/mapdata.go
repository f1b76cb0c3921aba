package shape

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Map handling covers JSON and YAML documents. Selectors are key
// paths: string keys descend into objects, numeric entries index
// arrays.

func decodeMap(path string, content []byte) (any, error) {
	var data any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(content, &data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s is not a map format", ErrBadSelector, path)
	}
	return data, nil
}

func encodeMap(path string, data any) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.MarshalIndent(data, "", "  ")
	default:
		return yaml.Marshal(data)
	}
}

func outlineMap(path string, content []byte) (map[string]any, error) {
	data, err := decodeMap(path, content)
	if err != nil {
		return nil, err
	}
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		return map[string]any{"summary": "map", "keys": keys}, nil
	case []any:
		return map[string]any{"summary": "map-list", "length": len(v)}, nil
	default:
		return map[string]any{"summary": "map-scalar", "type": fmt.Sprintf("%T", v)}, nil
	}
}

// descend walks data along path and returns the value at the end.
func descend(data any, path []any) (any, error) {
	cur := data
	for _, step := range path {
		var err error
		cur, err = index(cur, step)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func index(data any, step any) (any, error) {
	switch node := data.(type) {
	case map[string]any:
		key, ok := step.(string)
		if !ok {
			return nil, fmt.Errorf("%w: object needs a string key, got %v", ErrBadSelector, step)
		}
		val, ok := node[key]
		if !ok {
			return nil, fmt.Errorf("%w: key %q", ErrSectionNotFound, key)
		}
		return val, nil
	case []any:
		i, ok := asIndex(step)
		if !ok {
			return nil, fmt.Errorf("%w: array needs a numeric index, got %v", ErrBadSelector, step)
		}
		if i < 0 || i >= len(node) {
			return nil, fmt.Errorf("%w: index %d out of range", ErrSectionNotFound, i)
		}
		return node[i], nil
	default:
		return nil, fmt.Errorf("%w: cannot descend into %T", ErrSectionNotFound, data)
	}
}

// asIndex accepts the numeric shapes a selector element can arrive in.
func asIndex(step any) (int, bool) {
	switch v := step.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func selectMap(path string, content []byte, sel []any) (any, error) {
	if len(sel) == 0 {
		return nil, fmt.Errorf("%w: empty map selector", ErrBadSelector)
	}
	data, err := decodeMap(path, content)
	if err != nil {
		return nil, err
	}
	return descend(data, sel)
}

func replaceMap(path string, content []byte, sel []any, value any) ([]byte, error) {
	if len(sel) == 0 {
		return nil, fmt.Errorf("%w: empty map selector", ErrBadSelector)
	}
	data, err := decodeMap(path, content)
	if err != nil {
		return nil, err
	}

	parent, err := descend(data, sel[:len(sel)-1])
	if err != nil {
		return nil, err
	}
	last := sel[len(sel)-1]
	switch node := parent.(type) {
	case map[string]any:
		key, ok := last.(string)
		if !ok {
			return nil, fmt.Errorf("%w: object needs a string key, got %v", ErrBadSelector, last)
		}
		node[key] = value
	case []any:
		i, ok := asIndex(last)
		if !ok {
			return nil, fmt.Errorf("%w: array needs a numeric index, got %v", ErrBadSelector, last)
		}
		if i < 0 || i >= len(node) {
			return nil, fmt.Errorf("%w: index %d out of range", ErrSectionNotFound, i)
		}
		node[i] = value
	default:
		return nil, fmt.Errorf("%w: cannot assign into %T", ErrSectionNotFound, parent)
	}
	return encodeMap(path, data)
}
