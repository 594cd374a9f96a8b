package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a structured JSON zap logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lower := strings.ToLower(strings.TrimSpace(level))
	if lower == "" {
		lower = "info"
	}
	var zapLevel zapcore.Level
	if err := zapLevel.Set(lower); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"

	return cfg.Build()
}

// DigestPrefix shortens a signature digest for log output.
func DigestPrefix(digest string) string {
	if len(digest) <= 8 {
		return digest
	}
	return digest[:8]
}
