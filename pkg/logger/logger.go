// Package logger provides the structured logger used across the ingestion
// binary. It is a thin facade over zap so packages depend on a small
// interface instead of the zap API, and so tests can inject a no-op logger.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field is re-exported so callers do not import zapcore directly.
type Field = zapcore.Field

// Logger is the logging interface used by all components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Named(name string) Logger
	Sync() error
}

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Encoding is "console" (default for the CLI) or "json".
	Encoding string
	// FilePath, when non-empty, additionally writes rotated logs to this file.
	FilePath string
	// MaxSizeMB, MaxBackups and MaxAgeDays configure file rotation.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type logger struct {
	zap *zap.Logger
}

// New builds a Logger writing to stderr and, optionally, a rotated file.
func New(cfg Config) (Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "console"
	}
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 3
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 7
	}

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("logger: parse level %q: %w", cfg.Level, err)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var enc zapcore.Encoder
	if cfg.Encoding == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), level),
	}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("logger: create log directory: %w", err)
		}
		fileEnc := zapcore.NewJSONEncoder(encCfg)
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(fileEnc, w, level))
	}

	z := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return &logger{zap: z}, nil
}

// Nop returns a logger that discards everything. Intended for tests.
func Nop() Logger {
	return &logger{zap: zap.NewNop()}
}

func (l *logger) Debug(msg string, fields ...Field) { l.zap.Debug(msg, fields...) }
func (l *logger) Info(msg string, fields ...Field)  { l.zap.Info(msg, fields...) }
func (l *logger) Warn(msg string, fields ...Field)  { l.zap.Warn(msg, fields...) }
func (l *logger) Error(msg string, fields ...Field) { l.zap.Error(msg, fields...) }
func (l *logger) Sync() error                       { return l.zap.Sync() }

func (l *logger) With(fields ...Field) Logger {
	return &logger{zap: l.zap.With(fields...)}
}

func (l *logger) Named(name string) Logger {
	return &logger{zap: l.zap.Named(name)}
}

// Field constructors mirrored from zap for call-site brevity.
func String(key, val string) Field                  { return zap.String(key, val) }
func Int(key string, val int) Field                 { return zap.Int(key, val) }
func Int64(key string, val int64) Field             { return zap.Int64(key, val) }
func Bool(key string, val bool) Field               { return zap.Bool(key, val) }
func Any(key string, val any) Field                 { return zap.Any(key, val) }
func Err(err error) Field                           { return zap.Error(err) }
func Time(key string, val time.Time) Field          { return zap.Time(key, val) }
func Duration(key string, val time.Duration) Field  { return zap.Duration(key, val) }
func Strings(key string, vals []string) Field       { return zap.Strings(key, vals) }
