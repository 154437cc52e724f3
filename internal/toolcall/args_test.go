package toolcall

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name   string
		input  any
		field  string
		kind   ArgsKind
		expect map[string]any
	}{
		{"nil", nil, "query", ArgsParsed, map[string]any{}},
		{"empty string", "  ", "query", ArgsParsed, map[string]any{}},
		{"json null", "null", "query", ArgsParsed, map[string]any{}},
		{"map", map[string]any{"a": 1}, "query", ArgsParsed, map[string]any{"a": 1}},
		{"json object", `{"q": "go"}`, "query", ArgsParsed, map[string]any{"q": "go"}},
		{"raw json bytes", json.RawMessage(`{"n": 2}`), "", ArgsParsed, map[string]any{"n": float64(2)}},
		{"json array", `[1, 2]`, "input", ArgsWrapped, map[string]any{"input": []any{float64(1), float64(2)}}},
		{"json number", `42`, "query", ArgsWrapped, map[string]any{"query": float64(42)}},
		{"plain text", "golang generics", "query", ArgsWrapped, map[string]any{"query": "golang generics"}},
		{"plain text without field", "ls -la", "", ArgsRaw, map[string]any{"input": "ls -la"}},
		{"struct", struct {
			Path string `json:"path"`
		}{"/tmp"}, "", ArgsParsed, map[string]any{"path": "/tmp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseArgs(tt.input, tt.field)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.expect, got.Arguments())
		})
	}
}

func TestFieldFor(t *testing.T) {
	assert.Equal(t, "query", FieldFor("web_search"))
	assert.Equal(t, "query", FieldFor("search_issues"))
	assert.Equal(t, "code", FieldFor("execute_code"))
	assert.Equal(t, "command", FieldFor("Bash"))
	assert.Equal(t, "url", FieldFor("fetch"))
	assert.Equal(t, DefaultWrappedField, FieldFor("create_issue"))
}

func TestParseArgsNeverDropsInput(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		input := rapid.String().Draw(t, "input")
		field := rapid.SampledFrom([]string{"", "input", "query"}).Draw(t, "field")

		got := ParseArgs(input, field)
		args := got.Arguments()
		switch got.Kind {
		case ArgsParsed:
			var obj map[string]any
			if json.Unmarshal([]byte(input), &obj) != nil {
				// Only blank or null input may parse to an empty object.
				if len(args) != 0 {
					t.Fatalf("unexpected arguments %v for %q", args, input)
				}
			}
		case ArgsRaw:
			if args[DefaultWrappedField] != input {
				t.Fatalf("raw input lost: %v", args)
			}
		case ArgsWrapped:
			if len(args) != 1 {
				t.Fatalf("wrapped arguments must hold one field, got %v", args)
			}
		}
	})
}
