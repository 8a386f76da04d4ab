// Package config provides project configuration loading and structs for tagger.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectFileName is the configuration file inside a project directory.
const ProjectFileName = "project.yaml"

// ErrUnsupported is returned by Validate for unknown source, model, or optimizer names.
var ErrUnsupported = errors.New("unsupported value")

// Config holds all configuration for a project.
type Config struct {
	Debug          bool   `yaml:"debug"`
	DatabasePath   string `yaml:"database_path"`
	ImagePath      string `yaml:"image_path"`
	TagsPath       string `yaml:"tags_path"`
	CheckpointPath string `yaml:"checkpoint_path"`
	ExportPath     string `yaml:"export_path"`
	IndexPath      string `yaml:"index_path"`

	Training TrainingConfig `yaml:",inline"`
	Build    BuildConfig    `yaml:"build"`
	Download DownloadConfig `yaml:"download"`
	Server   ServerConfig   `yaml:"server"`

	// ProjectDir is the directory holding the loaded file; not persisted.
	ProjectDir string `yaml:"-"`
}

// TrainingConfig holds model and training loop settings.
type TrainingConfig struct {
	ImageWidth                int                 `yaml:"image_width"`
	ImageHeight               int                 `yaml:"image_height"`
	MinimumTagCount           int64               `yaml:"minimum_tag_count"`
	Model                     string              `yaml:"model"`
	Optimizer                 string              `yaml:"optimizer"`
	LearningRate              float64             `yaml:"learning_rate"`
	LearningRates             []LearningRateEntry `yaml:"learning_rates"`
	MinibatchSize             int                 `yaml:"minibatch_size"`
	EpochCount                int64               `yaml:"epoch_count"`
	ExportModelPerEpoch       int64               `yaml:"export_model_per_epoch"`
	CheckpointFrequencyMB     int                 `yaml:"checkpoint_frequency_mb"`
	ConsoleLoggingFrequencyMB int                 `yaml:"console_logging_frequency_mb"`
	CheckpointsToKeep         int                 `yaml:"checkpoints_to_keep"`
}

// LearningRateEntry switches the learning rate once UsedEpoch is reached.
type LearningRateEntry struct {
	UsedEpoch    int64   `yaml:"used_epoch"`
	LearningRate float64 `yaml:"learning_rate"`
}

// BuildConfig holds defaults for make-training-database.
type BuildConfig struct {
	Source     string `yaml:"source"`
	SourceURI  string `yaml:"source_uri"`
	ChunkSize  int    `yaml:"chunk_size"`
	UseDeleted bool   `yaml:"use_deleted"`
	Vacuum     bool   `yaml:"vacuum"`
}

// DownloadConfig holds image downloader settings.
type DownloadConfig struct {
	Workers      int           `yaml:"workers"`
	BatchSize    int           `yaml:"batch_size"`
	MaxRetries   int           `yaml:"max_retries"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MinFreeBytes uint64        `yaml:"min_free_bytes"`
	Timeout      time.Duration `yaml:"timeout"`
	UserAgent    string        `yaml:"user_agent"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string  `yaml:"host"`
	Port             int     `yaml:"port"`
	DefaultThreshold float64 `yaml:"default_threshold"`
	ModelPath        string  `yaml:"model_path"`
	WatchModel       bool    `yaml:"watch_model"`
}

// Load reads and parses the config file at path and expands paths. The file is decoded
// over Default(), so keys it omits keep their defaults and keys it sets, zero included,
// win. Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	projectDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}
	cfg.ProjectDir = projectDir
	cfg.DatabasePath = expandPath(cfg.DatabasePath, projectDir)
	cfg.ImagePath = expandPath(cfg.ImagePath, projectDir)
	cfg.TagsPath = expandPath(cfg.TagsPath, projectDir)
	cfg.CheckpointPath = expandPath(cfg.CheckpointPath, projectDir)
	cfg.ExportPath = expandPath(cfg.ExportPath, projectDir)
	cfg.IndexPath = expandPath(cfg.IndexPath, projectDir)
	if cfg.Server.ModelPath != "" {
		cfg.Server.ModelPath = expandPath(cfg.Server.ModelPath, projectDir)
	}
	if cfg.Build.SourceURI != "" && cfg.Build.Source != "derpibooru" {
		cfg.Build.SourceURI = expandPath(cfg.Build.SourceURI, projectDir)
	}

	return cfg, nil
}

// LoadProject loads project.yaml from a project directory.
func LoadProject(dir string) (*Config, error) {
	return Load(filepath.Join(dir, ProjectFileName))
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects configurations no command can run with.
func (c *Config) Validate() error {
	if c.Build.Source != "" && c.Build.Source != "danbooru" && c.Build.Source != "derpibooru" {
		return fmt.Errorf("source %q: %w", c.Build.Source, ErrUnsupported)
	}
	if c.Training.Model != "linear" {
		return fmt.Errorf("model %q: %w", c.Training.Model, ErrUnsupported)
	}
	switch c.Training.Optimizer {
	case "sgd", "momentum":
	default:
		return fmt.Errorf("optimizer %q: %w", c.Training.Optimizer, ErrUnsupported)
	}
	t := c.Training
	if t.ImageWidth <= 0 || t.ImageHeight <= 0 {
		return fmt.Errorf("image size must be positive, got %dx%d", t.ImageWidth, t.ImageHeight)
	}
	if t.MinibatchSize <= 0 || t.CheckpointFrequencyMB <= 0 || t.ConsoleLoggingFrequencyMB <= 0 {
		return fmt.Errorf("minibatch_size, checkpoint_frequency_mb and console_logging_frequency_mb must be positive")
	}
	if t.EpochCount <= 0 || t.ExportModelPerEpoch <= 0 {
		return fmt.Errorf("epoch_count and export_model_per_epoch must be positive")
	}
	if t.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %v", t.LearningRate)
	}
	for _, e := range t.LearningRates {
		if e.UsedEpoch < 0 || e.LearningRate <= 0 {
			return fmt.Errorf("invalid learning_rates entry %+v", e)
		}
	}
	if t.MinimumTagCount < 0 {
		return fmt.Errorf("minimum_tag_count must not be negative, got %d", t.MinimumTagCount)
	}
	if c.Download.Workers <= 0 || c.Download.BatchSize <= 0 {
		return fmt.Errorf("download workers and batch_size must be positive")
	}
	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("download max_retries must not be negative, got %d", c.Download.MaxRetries)
	}
	if c.Build.ChunkSize <= 0 {
		return fmt.Errorf("build chunk_size must be positive, got %d", c.Build.ChunkSize)
	}
	return nil
}

// expandPath converts a path to absolute. "~/" paths are relative to the home directory;
// other relative paths are relative to projectDir.
func expandPath(path string, projectDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return filepath.Join(projectDir, path)
}
