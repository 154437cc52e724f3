package main

import (
	"errors"
	"syscall"

	bolterrors "go.etcd.io/bbolt/errors"

	"github.com/smart-mcp-proxy/mcpchat/internal/cli/output"
)

// Exit codes let service managers tell failure causes apart.
const (
	ExitCodeSuccess         = 0
	ExitCodeGeneralError    = 1
	ExitCodePortConflict    = 2
	ExitCodeDBLocked        = 3
	ExitCodeConfigError     = 4
	ExitCodePermissionError = 5
)

// exitCodeDescription returns a human-readable description of the exit code.
func exitCodeDescription(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "Success"
	case ExitCodeGeneralError:
		return "General error"
	case ExitCodePortConflict:
		return "Port conflict - address already in use"
	case ExitCodeDBLocked:
		return "Credential database locked by another process"
	case ExitCodeConfigError:
		return "Configuration error"
	case ExitCodePermissionError:
		return "Permission denied"
	default:
		return "Unknown error"
	}
}

// classifyError maps a startup failure to an exit code.
func classifyError(err error) int {
	var se output.StructuredError
	switch {
	case err == nil:
		return ExitCodeSuccess
	case errors.As(err, &se) && se.Code == output.ErrCodeConfigInvalid:
		return ExitCodeConfigError
	case errors.Is(err, syscall.EADDRINUSE):
		return ExitCodePortConflict
	case errors.Is(err, bolterrors.ErrTimeout):
		return ExitCodeDBLocked
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return ExitCodePermissionError
	default:
		return ExitCodeGeneralError
	}
}
