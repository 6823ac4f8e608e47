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
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10.0, cfg.Allocation.SmallBuffer)
	assert.Equal(t, 20.0, cfg.Allocation.BigBuffer)
	assert.False(t, cfg.Allocation.Directional)
	assert.Equal(t, 32722, cfg.Projection.SRID())

	opts := cfg.Allocation.Options(cfg.Projection.SRID())
	assert.NoError(t, opts.Validate())
	assert.Equal(t, 32722, opts.SRID)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"big buffer not greater than small", func(c *Config) { c.Allocation.BigBuffer = c.Allocation.SmallBuffer }},
		{"negative small buffer", func(c *Config) { c.Allocation.SmallBuffer = -1 }},
		{"zone out of range", func(c *Config) { c.Projection.Zone = 61 }},
		{"zero page size", func(c *Config) { c.Batch.PageSize = 0 }},
		{"zero parallelism", func(c *Config) { c.Batch.Parallelism = 0 }},
		{"unknown export format", func(c *Config) { c.Export.Formats = []string{"shapefile"} }},
		{"malformed feed url", func(c *Config) { c.Feed.URL = "not a url" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
allocation:
  small_buffer: 5
  big_buffer: 25
  directional: true
batch:
  page_size: 250
  interval: 30m
export:
  formats: [geojson, kml]
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 5.0, cfg.Allocation.SmallBuffer)
	assert.Equal(t, 25.0, cfg.Allocation.BigBuffer)
	assert.True(t, cfg.Allocation.Directional)
	assert.Equal(t, 250, cfg.Batch.PageSize)
	assert.Equal(t, 30*time.Minute, cfg.Batch.Interval)
	assert.Equal(t, []string{"geojson", "kml"}, cfg.Export.Formats)

	// Unset sections keep their defaults
	assert.Equal(t, 22, cfg.Projection.Zone)
	assert.Equal(t, 4, cfg.Batch.Parallelism)
}

func TestLoadFile_Invalid(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("allocation:\n  small_buffer: 30\n  big_buffer: 20\n"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)
}
