// Package logging builds the zap loggers used by the coordinator and worker
// binaries, with optional size-rotated file output.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, encoding and sinks.
type Config struct {
	Level      string `yaml:"level" env:"PC_LOG_LEVEL"`   // debug, info, warn, error
	Format     string `yaml:"format" env:"PC_LOG_FORMAT"` // json, console
	Output     string `yaml:"output" env:"PC_LOG_OUTPUT"` // stdout, file, both
	FilePath   string `yaml:"file_path" env:"PC_LOG_FILE"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
}

// ParseLevel maps a level name to a zap level. The empty string is info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger from cfg. The returned AtomicLevel changes the level of
// every core at runtime.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	level := zap.NewAtomicLevelAt(lvl)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var cores []zapcore.Core
	switch cfg.Output {
	case "", "stdout", "both":
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	case "file":
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("unknown log output %q", cfg.Output)
	}
	if cfg.Output == "file" || cfg.Output == "both" {
		if cfg.FilePath == "" {
			return nil, zap.AtomicLevel{}, fmt.Errorf("log output %q needs a file path", cfg.Output)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(RotatingFile(cfg.FilePath, cfg)), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), level, nil
}

// RotatingFile returns a size-rotated writer using the rotation limits of cfg.
// The coordinator also writes uploaded worker logs through one of these.
func RotatingFile(path string, cfg Config) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	}
}
