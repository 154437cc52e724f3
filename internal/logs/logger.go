// Package logs builds the process loggers.
package logs

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
)

const (
	LogLevelTrace = "trace"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// DefaultLogConfig returns the logging section of the default configuration.
func DefaultLogConfig() *config.LogConfig {
	cfg := *config.DefaultConfig().Logging
	return &cfg
}

// ParseLevel maps a level name to a zap level. trace is an alias for debug;
// unknown names mean info.
func ParseLevel(name string) zapcore.Level {
	if name == LogLevelTrace {
		return zapcore.DebugLevel
	}
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// SetupLogger tees the console and file outputs enabled in cfg behind a
// TokenSanitizer. Relative log directories resolve against dataDir.
func SetupLogger(cfg *config.LogConfig, dataDir string) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultLogConfig()
	}
	level := ParseLevel(cfg.Level)

	var cores []zapcore.Core
	if cfg.EnableConsole {
		cores = append(cores, zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stderr), level))
	}
	if cfg.EnableFile {
		path, err := LogFilePath(cfg.LogDir, dataDir, cfg.Filename)
		if err != nil {
			return nil, fmt.Errorf("resolve log file: %w", err)
		}
		sink := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(fileEncoder(cfg.JSONFormat), zapcore.AddSync(sink), level))
	}
	if len(cores) == 0 {
		return nil, errors.New("logging: neither console nor file output is enabled")
	}

	return zap.New(NewTokenSanitizer(zapcore.NewTee(cores...)), zap.AddCaller()), nil
}

// SetupCommandLogger returns a stderr logger for CLI commands, warn level
// unless told otherwise.
func SetupCommandLogger(level string) (*zap.Logger, error) {
	cfg := DefaultLogConfig()
	cfg.EnableFile = false
	cfg.EnableConsole = true
	cfg.Level = level
	if level == "" {
		cfg.Level = LogLevelWarn
	}
	return SetupLogger(cfg, "")
}

func consoleEncoder() zapcore.Encoder {
	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

func fileEncoder(jsonFormat bool) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	if jsonFormat {
		ec.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	ec.ConsoleSeparator = " | "
	return zapcore.NewConsoleEncoder(ec)
}

// ForServer tags logger with the tool server and, when set, the user.
func ForServer(logger *zap.Logger, serverName, userID string) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{zap.String("server", serverName)}
	if userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	return logger.With(fields...)
}
