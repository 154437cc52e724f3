package toolcall

import (
	"encoding/json"
	"strings"
)

// DefaultWrappedField receives string arguments that are not a JSON object.
const DefaultWrappedField = "input"

// singleStringTools maps tool-name families that take one free-text
// argument to the field that argument belongs in.
var singleStringTools = []struct {
	prefix string
	field  string
}{
	{"web_search", "query"},
	{"search", "query"},
	{"execute_code", "code"},
	{"run_python", "code"},
	{"python", "code"},
	{"bash", "command"},
	{"shell", "command"},
	{"fetch", "url"},
}

// FieldFor returns the field a plain-string argument to toolName is wrapped into.
func FieldFor(toolName string) string {
	name := strings.ToLower(toolName)
	for _, family := range singleStringTools {
		if strings.HasPrefix(name, family.prefix) {
			return family.field
		}
	}
	return DefaultWrappedField
}

// ArgsKind tags an Args value.
type ArgsKind int

const (
	// ArgsParsed holds an object decoded from the input.
	ArgsParsed ArgsKind = iota
	// ArgsRaw holds a string that is not JSON, kept verbatim.
	ArgsRaw
	// ArgsWrapped holds a non-object input placed under a single field.
	ArgsWrapped
)

func (k ArgsKind) String() string {
	switch k {
	case ArgsParsed:
		return "parsed"
	case ArgsRaw:
		return "raw"
	case ArgsWrapped:
		return "wrapped"
	default:
		return "unknown"
	}
}

// Args is the result of ParseArgs.
type Args struct {
	Kind   ArgsKind
	Object map[string]any
	Raw    string
	// Field names the wrapping field for ArgsWrapped.
	Field string
}

// Arguments returns the object sent to the tool server. No input is dropped:
// a raw string ends up under DefaultWrappedField.
func (a Args) Arguments() map[string]any {
	switch a.Kind {
	case ArgsRaw:
		return map[string]any{DefaultWrappedField: a.Raw}
	default:
		if a.Object == nil {
			return map[string]any{}
		}
		return a.Object
	}
}

// ParseArgs interprets tool input. Objects and JSON-encoded objects are
// Parsed. Anything else is wrapped under field; with an empty field an
// undecodable string is returned Raw.
func ParseArgs(input any, field string) Args {
	switch v := input.(type) {
	case nil:
		return Args{Kind: ArgsParsed, Object: map[string]any{}}
	case map[string]any:
		return Args{Kind: ArgsParsed, Object: v}
	case json.RawMessage:
		return parseString(string(v), field)
	case []byte:
		return parseString(string(v), field)
	case string:
		return parseString(v, field)
	default:
		// Structs and other typed values go through JSON so they reach the
		// server in the same shape they would on the wire.
		data, err := json.Marshal(v)
		if err != nil {
			return wrap(v, field)
		}
		return parseString(string(data), field)
	}
}

func parseString(s, field string) Args {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || trimmed == "null" {
		return Args{Kind: ArgsParsed, Object: map[string]any{}}
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		if obj, ok := decoded.(map[string]any); ok {
			return Args{Kind: ArgsParsed, Object: obj}
		}
		return wrap(decoded, field)
	}

	if field == "" {
		return Args{Kind: ArgsRaw, Raw: s}
	}
	return wrap(s, field)
}

func wrap(v any, field string) Args {
	if field == "" {
		field = DefaultWrappedField
	}
	return Args{Kind: ArgsWrapped, Object: map[string]any{field: v}, Field: field}
}
