// Package logging builds the process logger: a log/slog front end over a zap core.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// NewLogger returns a logger writing to stderr. Stdout is left to command output.
func NewLogger(cfg Config) *slog.Logger {
	return New(cfg, os.Stderr)
}

// New returns a logger writing to w. Pretty selects the console encoder,
// otherwise entries are JSON.
func New(cfg Config, w io.Writer) *slog.Logger {
	return slog.New(zapslog.NewHandler(NewCore(cfg, w)))
}

// NewCore builds the zap core behind the slog handler.
func NewCore(cfg Config, w io.Writer) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder

	var enc zapcore.Encoder
	if cfg.Pretty {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	return zapcore.NewCore(enc, zapcore.AddSync(w), zap.NewAtomicLevelAt(ParseLevel(cfg.Level)))
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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
