// Package observability provides the process loggers.
//
// CLILogger is a console-profile zap logger for command output paths; server
// components get a structured logger from NewServerLogger driven by the
// logging config.
package observability

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the shared logger for CLI command paths. It defaults to a
// no-op logger until InitCLILogger runs so early failures never nil-panic.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger with a console encoder at the given
// level. verbose forces debug level.
func InitCLILogger(level string, verbose bool) {
	lvl := parseLevel(level)
	if verbose {
		lvl = zapcore.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than failing the command.
		CLILogger = zap.NewNop()
		return
	}
	CLILogger = logger
}

// NewServerLogger builds the structured logger for the serve path.
//
// profile selects the encoder: "STRUCTURED" (JSON, production defaults) or
// "CONSOLE" (human-readable, for local development).
func NewServerLogger(level, profile string) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "CONSOLE":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
