package stream

import (
	"bytes"
	"encoding/json"
)

// decodeArgs turns a raw args field into a value. A missing or null field
// yields ok=false.
func decodeArgs(raw json.RawMessage) (any, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw), true
	}
	if v == nil {
		return nil, false
	}
	return v, true
}

// isNullArgs reports an args field that is present and explicitly null.
func isNullArgs(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// mergeValue folds an incoming delta into an existing value: strings
// concatenate, arrays merge element-wise on their "index" field, objects
// merge shallowly and anything else is replaced.
func mergeValue(existing, incoming any) any {
	if incoming == nil {
		return existing
	}
	switch cur := existing.(type) {
	case nil:
		return cloneValue(incoming)
	case string:
		if s, ok := incoming.(string); ok {
			return cur + s
		}
	case []any:
		if in, ok := incoming.([]any); ok {
			return mergeIndexed(cur, in)
		}
	case map[string]any:
		if in, ok := incoming.(map[string]any); ok {
			out := make(map[string]any, len(cur)+len(in))
			for k, v := range cur {
				out[k] = v
			}
			for k, v := range in {
				out[k] = cloneValue(v)
			}
			return out
		}
	}
	return cloneValue(incoming)
}

func mergeIndexed(existing, incoming []any) []any {
	out := append([]any(nil), existing...)
	for _, elem := range incoming {
		idx, ok := elementIndex(elem)
		if !ok {
			out = append(out, cloneValue(elem))
			continue
		}
		merged := false
		for i, cur := range out {
			if curIdx, ok := elementIndex(cur); ok && curIdx == idx {
				out[i] = mergeValue(cur, elem)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, cloneValue(elem))
		}
	}
	return out
}

func elementIndex(v any) (float64, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return 0, false
	}
	idx, ok := m["index"].(float64)
	return idx, ok
}

// hasArgs reports whether a tool call holds accumulated arguments.
func hasArgs(tc *ToolCall) bool {
	switch a := tc.Args.(type) {
	case nil:
		return false
	case string:
		return a != ""
	default:
		return true
	}
}
