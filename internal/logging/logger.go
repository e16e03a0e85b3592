package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "earthonline"

// Options selects the log level and the node identity stamped on every entry.
type Options struct {
	Level string
	Mode  string
}

// ParseLevel maps a configured level name to a zap level. Unknown names fall back to info.
func ParseLevel(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// NewLogger returns a JSON production logger tagged with the service name and
// node mode, so entries from the local and prod peers can be told apart once
// they share a sink.
func NewLogger(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(opts.Level))
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build(zap.Fields(identityFields(opts)...))
}

func identityFields(opts Options) []zap.Field {
	fields := []zap.Field{zap.String("service", serviceName)}
	if mode := strings.TrimSpace(opts.Mode); mode != "" {
		fields = append(fields, zap.String("mode", mode))
	}
	return fields
}
