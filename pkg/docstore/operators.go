package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

type arrayUnion struct {
	values []interface{}
}

type arrayRemove struct {
	values []interface{}
}

type serverTimestamp struct{}

// ArrayUnion adds each value to an array field unless an equal element is already present.
func ArrayUnion(values ...interface{}) interface{} {
	return arrayUnion{values: values}
}

// ArrayRemove removes every element equal to one of values from an array field.
func ArrayRemove(values ...interface{}) interface{} {
	return arrayRemove{values: values}
}

// ServerTimestamp resolves to the store clock when the write is applied.
func ServerTimestamp() interface{} {
	return serverTimestamp{}
}

// applyUpdates returns a copy of base with updates merged in. The result is normalised to its
// JSON representation so every backend observes the same value types.
func applyUpdates(base, updates map[string]interface{}, now time.Time) (map[string]interface{}, error) {
	out := cloneMap(base)
	if out == nil {
		out = make(map[string]interface{}, len(updates))
	}
	for field, value := range updates {
		switch op := value.(type) {
		case arrayUnion:
			current := asSlice(out[field])
			next := make([]interface{}, 0, len(current)+len(op.values))
			next = append(next, current...)
			for _, v := range op.values {
				nv, err := normalizeValue(v)
				if err != nil {
					return nil, fmt.Errorf("field %s: %w", field, err)
				}
				if !containsValue(next, nv) {
					next = append(next, nv)
				}
			}
			out[field] = next
		case arrayRemove:
			removals := make([]interface{}, 0, len(op.values))
			for _, v := range op.values {
				nv, err := normalizeValue(v)
				if err != nil {
					return nil, fmt.Errorf("field %s: %w", field, err)
				}
				removals = append(removals, nv)
			}
			current := asSlice(out[field])
			next := make([]interface{}, 0, len(current))
			for _, item := range current {
				if !containsValue(removals, item) {
					next = append(next, item)
				}
			}
			out[field] = next
		case serverTimestamp:
			out[field] = now.UTC()
		default:
			out[field] = value
		}
	}
	return normalize(out)
}

func normalize(data map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

func normalizeValue(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

func asSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case []interface{}:
		return s
	case []string:
		out := make([]interface{}, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out
	}
	return nil
}

func containsValue(list []interface{}, v interface{}) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}
