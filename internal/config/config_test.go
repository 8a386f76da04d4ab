package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProject(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ProjectFileName)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeProject(t, `
image_width: 32
image_height: 48
minibatch_size: 4
learning_rates:
  - used_epoch: 2
    learning_rate: 0.0005
download:
  workers: 3
  base_delay: 250ms
server:
  host: "127.0.0.1"
  port: 9000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Training.ImageWidth != 32 || cfg.Training.ImageHeight != 48 {
		t.Errorf("image size: got %dx%d", cfg.Training.ImageWidth, cfg.Training.ImageHeight)
	}
	if cfg.Training.MinibatchSize != 4 {
		t.Errorf("minibatch_size: got %d", cfg.Training.MinibatchSize)
	}
	if len(cfg.Training.LearningRates) != 1 || cfg.Training.LearningRates[0].UsedEpoch != 2 {
		t.Errorf("learning_rates: got %+v", cfg.Training.LearningRates)
	}
	if cfg.Download.Workers != 3 || cfg.Download.BaseDelay != 250*time.Millisecond {
		t.Errorf("download: got %+v", cfg.Download)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoad_explicitZeroOverridesDefault(t *testing.T) {
	path := writeProject(t, `
minimum_tag_count: 0
download:
  max_retries: 0
build:
  source_uri: dump.sqlite
  use_deleted: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Training.MinimumTagCount != 0 {
		t.Errorf("minimum_tag_count = %d, want 0", cfg.Training.MinimumTagCount)
	}
	if cfg.Download.MaxRetries != 0 {
		t.Errorf("max_retries = %d, want 0", cfg.Download.MaxRetries)
	}
	if cfg.Download.Workers != 10 || cfg.Training.EpochCount != 10 {
		t.Errorf("omitted keys should keep defaults: workers=%d epochs=%d", cfg.Download.Workers, cfg.Training.EpochCount)
	}
	if cfg.Build.Source != "danbooru" || cfg.Build.ChunkSize != 5000000 || !cfg.Build.UseDeleted {
		t.Errorf("build = %+v", cfg.Build)
	}
	if want := filepath.Join(filepath.Dir(path), "dump.sqlite"); cfg.Build.SourceURI != want {
		t.Errorf("source_uri = %s, want %s", cfg.Build.SourceURI, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoad_pathsRelativeToProjectDir(t *testing.T) {
	path := writeProject(t, `
database_path: "./db/training.sqlite"
image_path: "imgs"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Dir(path)
	if want := filepath.Join(dir, "db", "training.sqlite"); cfg.DatabasePath != want {
		t.Errorf("database_path = %s, want %s", cfg.DatabasePath, want)
	}
	if want := filepath.Join(dir, "imgs"); cfg.ImagePath != want {
		t.Errorf("image_path = %s, want %s", cfg.ImagePath, want)
	}
	if want := filepath.Join(dir, "checkpoints"); cfg.CheckpointPath != want {
		t.Errorf("checkpoint_path = %s, want %s", cfg.CheckpointPath, want)
	}
	if cfg.ProjectDir != dir {
		t.Errorf("ProjectDir = %s, want %s", cfg.ProjectDir, dir)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Training.LearningRate != 0.001 {
		t.Errorf("default learning_rate: got %v", cfg.Training.LearningRate)
	}
	if cfg.Training.ExportModelPerEpoch != 10 {
		t.Errorf("default export_model_per_epoch: got %d", cfg.Training.ExportModelPerEpoch)
	}
	if cfg.Training.CheckpointsToKeep != 3 {
		t.Errorf("default checkpoints_to_keep: got %d", cfg.Training.CheckpointsToKeep)
	}
	if cfg.Download.Workers != 10 || cfg.Download.BatchSize != 1000 || cfg.Download.MaxRetries != 8 {
		t.Errorf("download defaults: got %+v", cfg.Download)
	}
	if cfg.Download.MinFreeBytes != 10<<30 {
		t.Errorf("default min_free_bytes: got %d", cfg.Download.MinFreeBytes)
	}
	if cfg.Build.ChunkSize != 5000000 {
		t.Errorf("default chunk_size: got %d", cfg.Build.ChunkSize)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		wantErr     bool
		unsupported bool
	}{
		{"defaults are valid", func(*Config) {}, false, false},
		{"unknown model", func(c *Config) { c.Training.Model = "resnet" }, true, true},
		{"unknown optimizer", func(c *Config) { c.Training.Optimizer = "adamw" }, true, true},
		{"unknown source", func(c *Config) { c.Build.Source = "gelbooru" }, true, true},
		{"derpibooru source", func(c *Config) { c.Build.Source = "derpibooru" }, false, false},
		{"zero minibatch", func(c *Config) { c.Training.MinibatchSize = -1 }, true, false},
		{"zero retries", func(c *Config) { c.Download.MaxRetries = 0 }, false, false},
		{"negative retries", func(c *Config) { c.Download.MaxRetries = -1 }, true, false},
		{"zero tag count", func(c *Config) { c.Training.MinimumTagCount = 0 }, false, false},
		{"zero chunk size", func(c *Config) { c.Build.ChunkSize = 0 }, true, false},
		{"bad schedule entry", func(c *Config) {
			c.Training.LearningRates = []LearningRateEntry{{UsedEpoch: 1, LearningRate: 0}}
		}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.unsupported && !errors.Is(err, ErrUnsupported) {
				t.Errorf("Validate() error = %v, want ErrUnsupported", err)
			}
		})
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ProjectFileName)
	cfg := Default()
	cfg.Server.Port = 9090
	cfg.Training.EpochCount = 3
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadProject(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
	if loaded.Training.EpochCount != 3 {
		t.Errorf("loaded epoch_count: got %d", loaded.Training.EpochCount)
	}
	if loaded.DatabasePath != filepath.Join(dir, "training.sqlite") {
		t.Errorf("loaded database_path: got %s", loaded.DatabasePath)
	}
}
