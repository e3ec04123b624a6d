package geotag

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing config file should not error: %v", err)
	}
	if cfg.Engine.TimelineToleranceMinutes != 60 {
		t.Errorf("tolerance = %v, want default 60", cfg.Engine.TimelineToleranceMinutes)
	}
	if cfg.Batch.Size != 8 {
		t.Errorf("batch size = %d, want default 8", cfg.Batch.Size)
	}
	if !cfg.Engine.ProgressiveSearch {
		t.Error("progressive search disabled by default")
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `database_path: /var/lib/geotag/photos.db
timeline_path: /data/timeline.json
engine:
  timeline_tolerance_minutes: 30
  max_tolerance_hours: 12
  progressive_search: true
  spatial_max_span_minutes: 90
store:
  slow_query_threshold_ms: 250
batch:
  size: 16
telemetry:
  retention_days: 7
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DatabasePath != "/var/lib/geotag/photos.db" {
		t.Errorf("database path = %q", cfg.DatabasePath)
	}
	if cfg.TimelinePath != "/data/timeline.json" {
		t.Errorf("timeline path = %q", cfg.TimelinePath)
	}
	if cfg.Engine.TimelineToleranceMinutes != 30 || cfg.Engine.MaxToleranceHours != 12 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Store.SlowQueryThresholdMs != 250 {
		t.Errorf("slow query threshold = %d", cfg.Store.SlowQueryThresholdMs)
	}
	if cfg.Batch.Size != 16 {
		t.Errorf("batch size = %d", cfg.Batch.Size)
	}
	if cfg.Telemetry.RetentionDays != 7 {
		t.Errorf("retention = %d", cfg.Telemetry.RetentionDays)
	}

	opts := cfg.EngineOptions()
	if opts.TimelineToleranceMinutes != 30 || opts.SpatialMaxSpanMinutes != 90 {
		t.Errorf("engine options = %+v", opts)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `database_path: ""
batch:
  size: 1000
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg.Batch.Size = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero batch size accepted")
	}
}
