package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg. Load does not call it on
// decoded files; zero there is an explicit setting.
func ApplyDefaults(cfg *Config) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "./training.sqlite"
	}
	if cfg.ImagePath == "" {
		cfg.ImagePath = "./images"
	}
	if cfg.TagsPath == "" {
		cfg.TagsPath = "./tags.txt"
	}
	if cfg.CheckpointPath == "" {
		cfg.CheckpointPath = "./checkpoints"
	}
	if cfg.ExportPath == "" {
		cfg.ExportPath = "./models"
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = "./index/records.bleve"
	}

	t := &cfg.Training
	if t.ImageWidth == 0 {
		t.ImageWidth = 64
	}
	if t.ImageHeight == 0 {
		t.ImageHeight = 64
	}
	if t.MinimumTagCount == 0 {
		t.MinimumTagCount = 20
	}
	if t.Model == "" {
		t.Model = "linear"
	}
	if t.Optimizer == "" {
		t.Optimizer = "sgd"
	}
	if t.LearningRate == 0 {
		t.LearningRate = 0.001
	}
	if t.MinibatchSize == 0 {
		t.MinibatchSize = 32
	}
	if t.EpochCount == 0 {
		t.EpochCount = 10
	}
	if t.ExportModelPerEpoch == 0 {
		t.ExportModelPerEpoch = 10
	}
	if t.CheckpointFrequencyMB == 0 {
		t.CheckpointFrequencyMB = 200
	}
	if t.ConsoleLoggingFrequencyMB == 0 {
		t.ConsoleLoggingFrequencyMB = 10
	}
	if t.CheckpointsToKeep == 0 {
		t.CheckpointsToKeep = 3
	}

	if cfg.Build.Source == "" {
		cfg.Build.Source = "danbooru"
	}
	if cfg.Build.ChunkSize == 0 {
		cfg.Build.ChunkSize = 5000000
	}

	d := &cfg.Download
	if d.Workers == 0 {
		d.Workers = 10
	}
	if d.BatchSize == 0 {
		d.BatchSize = 1000
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 8
	}
	if d.BaseDelay == 0 {
		d.BaseDelay = time.Second
	}
	if d.MinFreeBytes == 0 {
		d.MinFreeBytes = 10 << 30
	}
	if d.Timeout == 0 {
		d.Timeout = 60 * time.Second
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.DefaultThreshold == 0 {
		cfg.Server.DefaultThreshold = 0.5
	}
}

// Default returns a config with every default applied and paths left project-relative.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
