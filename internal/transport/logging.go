package transport

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat/internal/logs"
)

// LoggingTransport wraps http.RoundTripper to log tool server HTTP traffic.
// Bodies are not logged; URLs pass through the credential sanitizer.
type LoggingTransport struct {
	base   http.RoundTripper
	logger *zap.Logger
}

// NewLoggingTransport creates a new logging HTTP transport
func NewLoggingTransport(base http.RoundTripper, logger *zap.Logger) *LoggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingTransport{
		base:   base,
		logger: logger.Named("http-trace"),
	}
}

// RoundTrip implements http.RoundTripper.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	target := logs.Sanitize(req.URL.String())

	t.logger.Debug("HTTP request",
		zap.String("method", req.Method),
		zap.String("url", target),
		zap.Bool("authorization", req.Header.Get("Authorization") != ""))

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)
	if err != nil {
		t.logger.Debug("HTTP request failed",
			zap.String("method", req.Method),
			zap.String("url", target),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, err
	}

	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", duration),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		fields = append(fields, zap.Bool("sse", true))
	}
	if www := resp.Header.Get("WWW-Authenticate"); www != "" {
		fields = append(fields, zap.String("www_authenticate", www))
	}
	t.logger.Debug("HTTP response", fields...)
	return resp, nil
}
