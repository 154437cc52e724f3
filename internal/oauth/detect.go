package oauth

import (
	"errors"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// authStatusPattern matches 401 or 403 as a whole number, not inside a port
// or a byte count.
var authStatusPattern = regexp.MustCompile(`\b40[13]\b`)

var authErrorIndicators = []string{
	"unauthorized",
	"invalid_token",
	"authorization required",
	"authentication required",
	"no valid token",
}

// IsAuthError reports whether err means the server wants the user to authorize.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthRequiredError
	if errors.As(err, &authErr) {
		return true
	}
	if client.IsOAuthAuthorizationRequiredError(err) ||
		errors.Is(err, transport.ErrOAuthAuthorizationRequired) ||
		errors.Is(err, transport.ErrUnauthorized) {
		return true
	}
	var coded StatusCoder
	if errors.As(err, &coded) {
		if code := coded.StatusCode(); code == 401 || code == 403 {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	if authStatusPattern.MatchString(msg) {
		return true
	}
	for _, indicator := range authErrorIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
