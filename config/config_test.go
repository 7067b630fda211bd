package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shopcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "./images", cfg.ImageDir)
	assert.Equal(t, 2880*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 900, cfg.Cache.SweepBatch)
	assert.Equal(t, time.Duration(0), cfg.Cache.SweepInterval)
	assert.InDelta(t, 0.65, cfg.Semantic.Threshold, 1e-9)
	assert.Equal(t, 5, cfg.Semantic.TopK)
	assert.Equal(t, 64, cfg.Semantic.BatchSize)
	assert.Equal(t, "http://localhost:11434/v1", cfg.Embedding.Host)
	assert.Equal(t, "all-minilm", cfg.Embedding.Model)
	assert.Equal(t, 3, cfg.Scrape.MaxConcurrent)
	assert.Equal(t, 256, cfg.Scrape.Buffer)
	assert.False(t, cfg.Scrape.Coalesce)
	assert.Empty(t, cfg.Sources)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, validate(cfg))
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/shopcache
cache:
  ttl: 48h
  sweep_interval: 30m
semantic:
  threshold: 0.7
scrape:
  max_concurrent: 5
  coalesce: true
sources:
  - name: Amazon
    url: http://scrapers/amazon?q={query}
    rate: 0.5
    burst: 2
    timeout: 20s
    max_attempts: 4
    retry_delay: 250ms
  - name: Myntra
    url: http://scrapers/myntra?q={query}
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/shopcache", cfg.DataDir)
	assert.Equal(t, "./images", cfg.ImageDir, "unset keys keep defaults")
	assert.Equal(t, 48*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 30*time.Minute, cfg.Cache.SweepInterval)
	assert.InDelta(t, 0.7, cfg.Semantic.Threshold, 1e-9)
	assert.Equal(t, 5, cfg.Scrape.MaxConcurrent)
	assert.True(t, cfg.Scrape.Coalesce)
	assert.Equal(t, "debug", cfg.Log.Level)

	require.Len(t, cfg.Sources, 2)
	amazon := cfg.Sources[0]
	assert.Equal(t, "Amazon", amazon.Name)
	assert.Equal(t, "http://scrapers/amazon?q={query}", amazon.URL)
	assert.InDelta(t, 0.5, amazon.Rate, 1e-9)
	assert.Equal(t, 2, amazon.Burst)
	assert.Equal(t, 20*time.Second, amazon.Timeout)
	assert.Equal(t, 4, amazon.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, amazon.RetryDelay)
	assert.Equal(t, "Myntra", cfg.Sources[1].Name)

	assert.Equal(t, filepath.Join("/tmp/shopcache", "cache.db"), cfg.CachePath())
	assert.Equal(t, filepath.Join("/tmp/shopcache", "semantic.hnsw"), cfg.IndexPath())
	assert.Equal(t, filepath.Join("/tmp/shopcache", "semantic.meta"), cfg.MetaDir())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("SHOPCACHE_CACHE_TTL", "90m")
	t.Setenv("SHOPCACHE_SEMANTIC_TOP_K", "8")
	t.Setenv("SHOPCACHE_EMBEDDING_MODEL", "nomic-embed-text")

	path := writeConfig(t, "cache:\n  ttl: 48h\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Minute, cfg.Cache.TTL, "environment beats file")
	assert.Equal(t, 8, cfg.Semantic.TopK)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero ttl", "cache:\n  ttl: 0s\n"},
		{"zero sweep batch", "cache:\n  sweep_batch: 0\n"},
		{"threshold above one", "semantic:\n  threshold: 1.5\n"},
		{"zero top k", "semantic:\n  top_k: 0\n"},
		{"zero concurrency", "scrape:\n  max_concurrent: 0\n"},
		{"zero buffer", "scrape:\n  buffer: 0\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"unnamed source", "sources:\n  - url: http://x/{query}\n"},
		{"source without url", "sources:\n  - name: Amazon\n"},
		{"duplicate source", "sources:\n  - name: A\n    url: http://x/{query}\n  - name: A\n    url: http://y/{query}\n"},
		{"negative rate", "sources:\n  - name: A\n    url: http://x/{query}\n    rate: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, "invalid configuration")
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestAIConfig(t *testing.T) {
	cfg := Default()
	cfg.Embedding.Host = "http://ollama:11434"
	cfg.Embedding.Token = ""

	aiCfg, err := cfg.AIConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://ollama:11434/v1", aiCfg.EmbeddingHost)
	assert.Equal(t, "all-minilm", aiCfg.EmbeddingModel)
	assert.Equal(t, "none", aiCfg.Token)

	cfg.Embedding.Model = ""
	_, err = cfg.AIConfig()
	assert.Error(t, err)
}
