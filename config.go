package geotag

import (
	"fmt"
	"os"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	DatabasePath string          `yaml:"database_path"`
	TimelinePath string          `yaml:"timeline_path,omitempty"`
	Engine       EngineConfig    `yaml:"engine"`
	Store        StoreConfig     `yaml:"store"`
	Batch        BatchConfig     `yaml:"batch"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
}

// EngineConfig tunes the interpolation fallback chain.
type EngineConfig struct {
	TimelineToleranceMinutes float64 `yaml:"timeline_tolerance_minutes"`
	MaxToleranceHours        int     `yaml:"max_tolerance_hours"`
	ProgressiveSearch        bool    `yaml:"progressive_search"`
	SpatialMaxSpanMinutes    float64 `yaml:"spatial_max_span_minutes"`
}

// StoreConfig holds durable-tier settings.
type StoreConfig struct {
	SlowQueryThresholdMs int `yaml:"slow_query_threshold_ms"`
}

// BatchConfig bounds batch concurrency.
type BatchConfig struct {
	Size int `yaml:"size"`
}

// TelemetryConfig bounds query-stat retention.
type TelemetryConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		DatabasePath: "./data/geotag.db",
		Engine: EngineConfig{
			TimelineToleranceMinutes: 60,
			MaxToleranceHours:        24,
			ProgressiveSearch:        true,
			SpatialMaxSpanMinutes:    120,
		},
		Store:     StoreConfig{SlowQueryThresholdMs: 100},
		Batch:     BatchConfig{Size: 8},
		Telemetry: TelemetryConfig{RetentionDays: DefaultStatsRetentionDays},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.DatabasePath, validation.Required),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Engine,
		validation.Field(&c.Engine.TimelineToleranceMinutes, validation.Required, validation.Min(1.0)),
		validation.Field(&c.Engine.MaxToleranceHours, validation.Required, validation.Min(1), validation.Max(24*30)),
		validation.Field(&c.Engine.SpatialMaxSpanMinutes, validation.Required, validation.Min(1.0)),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Batch,
		validation.Field(&c.Batch.Size, validation.Required, validation.Min(1), validation.Max(256)),
	); err != nil {
		return err
	}
	return validation.ValidateStruct(&c.Telemetry,
		validation.Field(&c.Telemetry.RetentionDays, validation.Required, validation.Min(1)),
	)
}

// EngineOptions converts the engine section to engine options.
func (c *Config) EngineOptions() EngineOptions {
	return EngineOptions{
		TimelineToleranceMinutes: c.Engine.TimelineToleranceMinutes,
		MaxToleranceHours:        c.Engine.MaxToleranceHours,
		ProgressiveSearch:        c.Engine.ProgressiveSearch,
		SpatialMaxSpanMinutes:    c.Engine.SpatialMaxSpanMinutes,
	}
}

// DefaultConfigPath returns the default config file path following XDG spec.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "geotag", "config.yaml")
}

// LoadConfig loads configuration from the specified path, falling back to
// defaults if the file doesn't exist.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
