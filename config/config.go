// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/poiesic/shopcache/ai"
	"github.com/spf13/viper"
)

// Config holds all configuration for the cache service.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	ImageDir  string          `mapstructure:"image_dir"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Semantic  SemanticConfig  `mapstructure:"semantic"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Sources   []SourceConfig  `mapstructure:"sources"`
	Log       LogConfig       `mapstructure:"log"`
}

// CacheConfig holds cache store configuration.
type CacheConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	SweepBatch int           `mapstructure:"sweep_batch"`
	// SweepInterval enables a periodic background sweep when positive.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SemanticConfig holds query resolution configuration.
type SemanticConfig struct {
	Threshold float64 `mapstructure:"threshold"`
	TopK      int     `mapstructure:"top_k"`
	BatchSize int     `mapstructure:"batch_size"`
}

// EmbeddingConfig holds embedding service configuration.
type EmbeddingConfig struct {
	Host  string `mapstructure:"host"`
	Model string `mapstructure:"model"`
	Token string `mapstructure:"token"`
}

// ScrapeConfig holds scrape orchestration configuration.
type ScrapeConfig struct {
	MaxConcurrent int  `mapstructure:"max_concurrent"`
	Buffer        int  `mapstructure:"buffer"`
	Coalesce      bool `mapstructure:"coalesce"`
}

// SourceConfig describes one product feed endpoint.
type SourceConfig struct {
	Name        string        `mapstructure:"name"`
	URL         string        `mapstructure:"url"`
	Rate        float64       `mapstructure:"rate"`
	Burst       int           `mapstructure:"burst"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from the file at path, environment variables and defaults.
// An empty path searches for shopcache.yaml in ., ./config and /etc/shopcache/;
// a missing file is not an error in that case.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("shopcache")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/shopcache/")
	}

	v.SetEnvPrefix("SHOPCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	// Defaults always decode.
	_ = v.Unmarshal(&config)
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("image_dir", "./images")

	v.SetDefault("cache.ttl", "2880m")
	v.SetDefault("cache.sweep_batch", 900)
	v.SetDefault("cache.sweep_interval", "0s")

	v.SetDefault("semantic.threshold", 0.65)
	v.SetDefault("semantic.top_k", 5)
	v.SetDefault("semantic.batch_size", 64)

	v.SetDefault("embedding.host", "http://localhost:11434/v1")
	v.SetDefault("embedding.model", "all-minilm")
	v.SetDefault("embedding.token", "none")

	v.SetDefault("scrape.max_concurrent", 3)
	v.SetDefault("scrape.buffer", 256)
	v.SetDefault("scrape.coalesce", false)

	v.SetDefault("log.level", "info")
}

func validate(config *Config) error {
	if config.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if config.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %v", config.Cache.TTL)
	}
	if config.Cache.SweepBatch < 1 {
		return fmt.Errorf("cache.sweep_batch must be positive, got %d", config.Cache.SweepBatch)
	}
	if config.Cache.SweepInterval < 0 {
		return fmt.Errorf("cache.sweep_interval must not be negative, got %v", config.Cache.SweepInterval)
	}
	if config.Semantic.Threshold < 0 || config.Semantic.Threshold > 1 {
		return fmt.Errorf("semantic.threshold must be within [0,1], got %v", config.Semantic.Threshold)
	}
	if config.Semantic.TopK < 1 {
		return fmt.Errorf("semantic.top_k must be positive, got %d", config.Semantic.TopK)
	}
	if config.Semantic.BatchSize < 1 {
		return fmt.Errorf("semantic.batch_size must be positive, got %d", config.Semantic.BatchSize)
	}
	if config.Scrape.MaxConcurrent < 1 {
		return fmt.Errorf("scrape.max_concurrent must be positive, got %d", config.Scrape.MaxConcurrent)
	}
	if config.Scrape.Buffer < 1 {
		return fmt.Errorf("scrape.buffer must be positive, got %d", config.Scrape.Buffer)
	}
	if _, err := ParseLevel(config.Log.Level); err != nil {
		return err
	}

	seen := make(map[string]bool, len(config.Sources))
	for i, src := range config.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		if seen[src.Name] {
			return fmt.Errorf("sources[%d]: duplicate source %q", i, src.Name)
		}
		seen[src.Name] = true
		if src.URL == "" {
			return fmt.Errorf("sources[%d] (%s): url is required", i, src.Name)
		}
		if src.Rate < 0 {
			return fmt.Errorf("sources[%d] (%s): rate must not be negative", i, src.Name)
		}
	}
	return nil
}

// ParseLevel maps a level name (debug, info, warn, error) to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// CachePath is the location of the sqlite cache store.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// IndexPath is the location of the vector index artifact.
func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir, "semantic.hnsw")
}

// MetaDir is the directory of the semantic metadata bundle.
func (c *Config) MetaDir() string {
	return filepath.Join(c.DataDir, "semantic.meta")
}

// AIConfig converts the embedding settings into a validated ai.Config.
func (c *Config) AIConfig() (*ai.Config, error) {
	cfg := ai.NewConfig(
		ai.WithEmbeddingHost(c.Embedding.Host),
		ai.WithEmbeddingModel(c.Embedding.Model),
		ai.WithToken(c.Embedding.Token),
	)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
