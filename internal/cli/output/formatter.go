// Package output renders CLI results as a table, JSON or YAML.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// EnvFormat overrides the default output format.
const EnvFormat = "MCPCHAT_OUTPUT"

// Formatter renders command results.
type Formatter interface {
	// Format renders structured data. Table formatters fall back to YAML.
	Format(data any) (string, error)
	// FormatTable renders rows under headers.
	FormatTable(headers []string, rows [][]string) (string, error)
	// FormatError renders a command failure.
	FormatError(err StructuredError) (string, error)
}

// NewFormatter returns the formatter for format (table, json or yaml).
func NewFormatter(format string) (Formatter, error) {
	switch strings.ToLower(format) {
	case "table", "":
		return &TableFormatter{Separators: term.IsTerminal(int(os.Stdout.Fd()))}, nil
	case "json":
		return JSONFormatter{}, nil
	case "yaml":
		return YAMLFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown output format: %s (valid: table, json, yaml)", format)
	}
}

// ResolveFormat picks the flag value, then MCPCHAT_OUTPUT, then table.
func ResolveFormat(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvFormat); env != "" {
		return env
	}
	return "table"
}

// TableFormatter aligns columns with tabwriter.
type TableFormatter struct {
	// Separators draws a rule under the headers.
	Separators bool
}

func (f *TableFormatter) Format(data any) (string, error) {
	return YAMLFormatter{}.Format(data)
}

func (f *TableFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	if len(rows) == 0 {
		return "No results found\n", nil
	}
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	if f.Separators {
		rules := make([]string, len(headers))
		for i, h := range headers {
			rules[i] = strings.Repeat("-", len(h))
		}
		fmt.Fprintln(w, strings.Join(rules, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (f *TableFormatter) FormatError(err StructuredError) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s\n", err.Message)
	if err.Guidance != "" {
		fmt.Fprintf(&b, "  %s\n", err.Guidance)
	}
	if err.RecoveryCommand != "" {
		fmt.Fprintf(&b, "  Try: %s\n", err.RecoveryCommand)
	}
	return b.String(), nil
}

// JSONFormatter renders indented JSON.
type JSONFormatter struct{}

func (JSONFormatter) Format(data any) (string, error) {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out) + "\n", nil
}

func (f JSONFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	return f.Format(tableObjects(headers, rows))
}

func (f JSONFormatter) FormatError(err StructuredError) (string, error) {
	return f.Format(err)
}

// YAMLFormatter renders YAML.
type YAMLFormatter struct{}

func (YAMLFormatter) Format(data any) (string, error) {
	out, err := yaml.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (f YAMLFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	return f.Format(tableObjects(headers, rows))
}

func (f YAMLFormatter) FormatError(err StructuredError) (string, error) {
	return f.Format(err)
}

func tableObjects(headers []string, rows [][]string) []map[string]string {
	out := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		obj := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(row) {
				obj[h] = row[i]
			} else {
				obj[h] = ""
			}
		}
		out = append(out, obj)
	}
	return out
}

// StructuredError is a command failure with a machine-readable code.
type StructuredError struct {
	Code            string `json:"code" yaml:"code"`
	Message         string `json:"message" yaml:"message"`
	Guidance        string `json:"guidance,omitempty" yaml:"guidance,omitempty"`
	RecoveryCommand string `json:"recovery_command,omitempty" yaml:"recovery_command,omitempty"`
}

func (e StructuredError) Error() string { return e.Message }

const (
	ErrCodeConfigInvalid       = "CONFIG_INVALID"
	ErrCodeServerNotFound      = "SERVER_NOT_FOUND"
	ErrCodeDaemonNotRunning    = "DAEMON_NOT_RUNNING"
	ErrCodeInvalidOutputFormat = "INVALID_OUTPUT_FORMAT"
	ErrCodeAuthRequired        = "AUTH_REQUIRED"
	ErrCodeConnectionFailed    = "CONNECTION_FAILED"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeOperationFailed     = "OPERATION_FAILED"
)

// NewStructuredError creates a StructuredError.
func NewStructuredError(code, message string) StructuredError {
	return StructuredError{Code: code, Message: message}
}

// WithGuidance adds an explanation.
func (e StructuredError) WithGuidance(guidance string) StructuredError {
	e.Guidance = guidance
	return e
}

// WithRecoveryCommand suggests a command that fixes the problem.
func (e StructuredError) WithRecoveryCommand(cmd string) StructuredError {
	e.RecoveryCommand = cmd
	return e
}

// FromError converts err, keeping an existing StructuredError as is.
func FromError(err error, code string) StructuredError {
	if se, ok := err.(StructuredError); ok {
		return se
	}
	return StructuredError{Code: code, Message: err.Error()}
}
