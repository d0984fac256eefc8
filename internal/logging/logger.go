// Package logging builds the service's zap logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production logger. Set CDP_LOG_LEVEL to debug/info/warn/
// error to adjust verbosity; CDP_LOG_FORMAT=console switches off JSON for
// local development.
func New() *zap.Logger {
	level := zapcore.InfoLevel
	if raw := os.Getenv("CDP_LOG_LEVEL"); raw != "" {
		if parsed, err := zapcore.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	if os.Getenv("CDP_LOG_FORMAT") == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than failing startup.
		return zap.NewNop()
	}
	return logger
}
