// Package config holds the analysis configuration: the numerical tolerance,
// filtering defaults, archive location and API settings, loaded from a YAML
// file with defaults filled in for anything the file omits.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/talgya/defect-levels/internal/envelope"
)

// FilterConfig holds the default filtering options applied to every batch
// unless overridden on the command line.
type FilterConfig struct {
	Keywords        []string `yaml:"keywords,omitempty"`
	Include         []string `yaml:"include,omitempty"`
	Exclude         []string `yaml:"exclude,omitempty"`
	Whitelist       []string `yaml:"whitelist,omitempty"`
	DropUnconverged bool     `yaml:"drop_unconverged"`
	DropShallow     bool     `yaml:"drop_shallow"`
}

// APIConfig holds the HTTP server settings.
type APIConfig struct {
	Port     int    `yaml:"port"`
	AdminKey string `yaml:"admin_key,omitempty"`
}

// Config is the full analysis configuration.
type Config struct {
	// Tolerance is the envelope acceptance ε. It is the single source of
	// the value for the whole process.
	Tolerance float64 `yaml:"tolerance"`
	// Workers bounds diagram-solving concurrency; 0 means unbounded.
	Workers int `yaml:"workers"`

	ArchivePath string       `yaml:"archive_path"`
	Filter      FilterConfig `yaml:"filter,omitempty"`
	API         APIConfig    `yaml:"api,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Tolerance:   envelope.DefaultTolerance,
		Workers:     4,
		ArchivePath: "defect-levels.db",
		Filter: FilterConfig{
			DropUnconverged: true,
			DropShallow:     true,
		},
		API: APIConfig{
			Port: 8080,
		},
	}
}

// Load reads path and overlays it on the defaults, so a partial file is
// valid. A missing file is an error; use Default directly when no file is
// wanted.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Tolerance <= 0 {
		return Config{}, fmt.Errorf("config: tolerance must be positive, got %g", cfg.Tolerance)
	}
	if cfg.Workers < 0 {
		return Config{}, fmt.Errorf("config: workers must be non-negative, got %d", cfg.Workers)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
