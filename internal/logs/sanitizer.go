package logs

import (
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"
)

// TokenSanitizer wraps a zapcore.Core and masks OAuth credentials in messages and string fields.
type TokenSanitizer struct {
	zapcore.Core
}

type secretPattern struct {
	regex    *regexp.Regexp
	maskFunc func(string) string
}

var secretPatterns = []secretPattern{
	{
		// Authorization headers
		regex: regexp.MustCompile(`\bBearer\s+[A-Za-z0-9\-\._~\+\/]+=*`),
		maskFunc: func(token string) string {
			parts := strings.SplitN(token, " ", 2)
			if len(parts) != 2 {
				return "Bearer ****"
			}
			return "Bearer " + maskValue(strings.TrimSpace(parts[1]))
		},
	},
	{
		// JWT access tokens
		regex: regexp.MustCompile(`\beyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`),
		maskFunc: func(jwt string) string {
			parts := strings.Split(jwt, ".")
			return parts[0] + ".***"
		},
	},
	{
		// token and code parameters in URLs and form bodies
		regex: regexp.MustCompile(`\b(access_token|refresh_token|client_secret|code|code_verifier)=([^&\s"']+)`),
		maskFunc: func(match string) string {
			idx := strings.IndexByte(match, '=')
			return match[:idx+1] + maskValue(match[idx+1:])
		},
	},
}

// NewTokenSanitizer creates a sanitizing core that wraps the provided core
func NewTokenSanitizer(core zapcore.Core) *TokenSanitizer {
	return &TokenSanitizer{Core: core}
}

// Sanitize masks every credential found in s.
func Sanitize(s string) string {
	for _, p := range secretPatterns {
		s = p.regex.ReplaceAllStringFunc(s, p.maskFunc)
	}
	return s
}

// Write sanitizes the entry before writing
func (s *TokenSanitizer) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = Sanitize(entry.Message)
	return s.Core.Write(entry, sanitizeFields(fields))
}

// With creates a sanitizing child core
func (s *TokenSanitizer) With(fields []zapcore.Field) zapcore.Core {
	return &TokenSanitizer{Core: s.Core.With(sanitizeFields(fields))}
}

// Check delegates to the wrapped core
func (s *TokenSanitizer) Check(entry zapcore.Entry, checkedEntry *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return checkedEntry.AddCore(entry, s)
	}
	return checkedEntry
}

func sanitizeFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		if field.Type == zapcore.StringType {
			field.String = Sanitize(field.String)
		}
		out[i] = field
	}
	return out
}

// maskValue masks a secret value showing first 3 and last 2 characters
func maskValue(value string) string {
	if len(value) <= 5 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "***" + value[len(value)-2:]
}
