package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 0.6, cfg.SimilarityFloor)
	assert.Equal(t, 10, cfg.Session.MaxIterations)
	assert.Equal(t, 5*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, int64(100*1024*1024), cfg.Session.ResourceBudgetBytes)
	assert.Equal(t, 3, cfg.Session.StagnationWindow)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relearn.yaml")
	content := `
log_level: debug
db_path: /tmp/test.db
similarity_floor: 0.75
session:
  max_iterations: 5
  quality_threshold: 0.8
trigger:
  min_error_count: 3
  quality_floor: 0.4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, 0.75, cfg.SimilarityFloor)
	assert.Equal(t, 5, cfg.Session.MaxIterations)
	assert.Equal(t, 0.8, cfg.Session.QualityThreshold)
	assert.Equal(t, 3, cfg.Trigger.MinErrorCount)
	// Untouched fields keep their defaults
	assert.Equal(t, 256, cfg.EventBuffer)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"similarity floor above 1", func(c *Config) { c.SimilarityFloor = 1.5 }},
		{"zero min error count", func(c *Config) { c.Trigger.MinErrorCount = 0 }},
		{"decay factor above 1", func(c *Config) { c.Aging.DecayFactor = 1.2 }},
		{"quality threshold above 1", func(c *Config) { c.Session.QualityThreshold = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
