// Package logger builds the zap loggers used across propledger.
package logger

import (
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the encoder used by New.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config controls logger construction.
type Config struct {
	Format Format
	Level  zapcore.Level
}

// NewConfig returns a Config with defaults.
func NewConfig() Config {
	return Config{Format: FormatJSON, Level: zapcore.InfoLevel}
}

// New builds a logger writing to w.
func New(w io.Writer, cfg Config) *zap.Logger {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}
	var enc zapcore.Encoder
	if cfg.Format == FormatConsole {
		config.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(config)
	} else {
		enc = zapcore.NewJSONEncoder(config)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), cfg.Level))
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
