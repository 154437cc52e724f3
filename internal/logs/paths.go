package logs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
)

// LogDir resolves the directory log files are written to: the configured directory,
// else <dataDir>/logs, else ~/.mcpchat/logs.
func LogDir(configured, dataDir string) (string, error) {
	dir := configured
	if dir == "" && dataDir != "" {
		dir = filepath.Join(dataDir, "logs")
	}
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(homeDir, config.DefaultDataDir, "logs")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return dir, nil
}

// LogFilePath returns the full path of a log file inside LogDir.
func LogFilePath(configuredDir, dataDir, filename string) (string, error) {
	dir, err := LogDir(configuredDir, dataDir)
	if err != nil {
		return "", err
	}
	if filename == "" {
		filename = "mcpchat.log"
	}
	return filepath.Join(dir, filename), nil
}
