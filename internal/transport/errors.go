package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/client/transport"
)

// HTTPError represents an HTTP failure reported by a tool server.
type HTTPError struct {
	Status int    `json:"status_code"`
	Body   string `json:"body,omitempty"`
	Err    error  `json:"-"`
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
	}
	return fmt.Sprintf("HTTP %d %s", e.Status, http.StatusText(e.Status))
}

// StatusCode returns the HTTP status.
func (e *HTTPError) StatusCode() int {
	return e.Status
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

var statusRe = regexp.MustCompile(`(?:status(?: code)?:? )(\d{3})(?::\s*(.*))?`)

// ClassifyError converts the status-bearing error strings produced by mcp-go
// transports into *HTTPError. Other errors are returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return err
	}
	if errors.Is(err, transport.ErrUnauthorized) {
		return &HTTPError{Status: http.StatusUnauthorized, Err: err}
	}
	m := statusRe.FindStringSubmatch(err.Error())
	if m == nil {
		return err
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil || code < 100 || code > 599 {
		return err
	}
	return &HTTPError{Status: code, Body: strings.TrimSpace(m[2]), Err: err}
}

// IsTransportError reports whether err looks like a broken or unreachable
// connection, as opposed to an application level failure. Such errors are
// worth one retry on a fresh connection.
func IsTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, transport.ErrSessionTerminated) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(ClassifyError(err), &httpErr) {
		return httpErr.Status == http.StatusNotFound || httpErr.Status >= 500
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "transport closed", "client not initialized", "session terminated"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
