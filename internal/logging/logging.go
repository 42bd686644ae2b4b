// Package logging builds the zap loggers used by the server and the CLI.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Encodings accepted by New.
const (
	EncodingJSON    = "json"
	EncodingConsole = "console"
)

// ParseLevel maps debug/info/warn/error to a zap level. Anything else is info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger. JSON goes to stdout for the server; console output
// goes to stderr so the CLI keeps stdout for results.
func New(level, encoding string) (*zap.Logger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	output := "stdout"
	if encoding == EncodingConsole {
		encCfg = zap.NewDevelopmentEncoderConfig()
		output = "stderr"
	} else {
		encoding = EncodingJSON
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(ParseLevel(level)),
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    encCfg,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// MustNew is New that panics on error.
func MustNew(level, encoding string) *zap.Logger {
	logger, err := New(level, encoding)
	if err != nil {
		panic(err)
	}
	return logger
}
