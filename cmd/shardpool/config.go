package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents ~/.config/shardpool/config.yaml. Numeric fields are
// pointers so "not set" differs from zero.
type Config struct {
	ModelsDir string `yaml:"models_dir"`

	Backend         string `yaml:"backend"`
	Align           *int64 `yaml:"align"`
	BatchSize       *int   `yaml:"batch_size"`
	ReadConcurrency *int   `yaml:"read_concurrency"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "shardpool", "config.yaml")
}

// applyConfig copies config values into the flag variables for every flag
// the user did not set explicitly.
func applyConfig(isSet func(name string) bool, cfg Config) {
	if cfg.ModelsDir != "" && !isSet("models-path") {
		modelsPath = cfg.ModelsDir
	}
	if cfg.Backend != "" && !isSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.Align != nil && !isSet("align") {
		align = *cfg.Align
	}
	if cfg.BatchSize != nil && !isSet("batch") {
		batchSize = *cfg.BatchSize
	}
	if cfg.ReadConcurrency != nil && !isSet("read-concurrency") {
		readConcurrency = *cfg.ReadConcurrency
	}
	if cfg.LogLevel != "" && !isSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !isSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. A missing file yields a zero Config; a
// file that does not parse is an error.
func LoadConfig() (Config, error) {
	path := configPath()
	if path == "" {
		return Config{}, nil
	}
	return readConfig(path)
}

func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
