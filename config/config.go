// Package config loads and validates the YAML configuration for the
// CompoundFs storage engine and its surrounding services.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/demirole/compoundfs/pkg/logger"
	"github.com/demirole/compoundfs/pkg/telemetry"
)

// StorageConfig controls the on-disk layout and the cache sizing of the
// storage engine.
type StorageConfig struct {
	// Path is the location of the single compound file.
	Path string `yaml:"path"`
	// MaxCachedPages is the page count at which the cache manager starts
	// evicting. Zero selects the default.
	MaxCachedPages int `yaml:"max_cached_pages"`
}

// Config is the root configuration for a CompoundFs process.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns a configuration suitable for local development.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Path:           "compound.fs",
			MaxCachedPages: 256,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "compoundfs",
			PrometheusPort: 9464,
		},
	}
}

// Load reads the YAML file at path and merges it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.Storage.MaxCachedPages < 0 {
		return fmt.Errorf("storage.max_cached_pages must not be negative, got %d", c.Storage.MaxCachedPages)
	}
	if err := c.Logger.Validate(); err != nil {
		return err
	}
	if c.Telemetry.Enabled && (c.Telemetry.PrometheusPort <= 0 || c.Telemetry.PrometheusPort > 65535) {
		return fmt.Errorf("telemetry.prometheus_port %d is out of range", c.Telemetry.PrometheusPort)
	}
	return nil
}
