// Package logger builds the zap logger used across the storage engine.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level, the encoding and the output destination.
type Config struct {
	// Level is one of "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
	// Format is "console" for human-readable output or "json".
	Format string `yaml:"format"`
	// OutputFile is "stdout", "stderr" or a file path.
	OutputFile string `yaml:"output_file"`
}

// Validate rejects level and format values zap cannot work with, so a bad
// configuration fails at load time instead of at the first log call.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("logger.level %q is not a valid level: %w", c.Level, err)
	}
	switch strings.ToLower(c.Format) {
	case "console", "json":
		return nil
	default:
		return fmt.Errorf(`logger.format must be "console" or "json", got %q`, c.Format)
	}
}

// New builds a logger from a validated configuration. Output destinations
// are resolved by zap itself, so OutputFile accepts "stdout", "stderr" or
// any file path.
func New(c Config) (*zap.Logger, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	level, _ := zapcore.ParseLevel(c.Level)

	out := c.OutputFile
	if out == "" {
		out = "stdout"
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.Encoding = strings.ToLower(c.Format)
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zc.InitialFields = map[string]any{"service": "compoundfs"}

	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return log, nil
}
