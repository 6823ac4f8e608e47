package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dpup/jamalloc/internal/lib/allocation"
	"github.com/dpup/jamalloc/internal/lib/geo"
)

// Config represents the complete allocator configuration
type Config struct {
	Allocation AllocationConfig `yaml:"allocation" koanf:"allocation"`
	Projection geo.Projection   `yaml:"projection" koanf:"projection"`
	Batch      BatchConfig      `yaml:"batch" koanf:"batch"`
	Database   DatabaseConfig   `yaml:"database" koanf:"database"`
	Feed       FeedConfig       `yaml:"feed" koanf:"feed"`
	Export     ExportConfig     `yaml:"export" koanf:"export"`
}

// AllocationConfig holds the buffer radii (meters) and direction mode
type AllocationConfig struct {
	SmallBuffer float64 `yaml:"small_buffer" koanf:"small_buffer" validate:"gte=0"`
	BigBuffer   float64 `yaml:"big_buffer" koanf:"big_buffer" validate:"gtfield=SmallBuffer"`
	Directional bool    `yaml:"directional" koanf:"directional"`
}

// Options converts the section into engine options in the given planar frame
func (a AllocationConfig) Options(srid int) allocation.Options {
	return allocation.Options{
		SmallBuffer: a.SmallBuffer,
		BigBuffer:   a.BigBuffer,
		Directional: a.Directional,
		SRID:        srid,
	}
}

// BatchConfig controls how a time window of jams is split into pages
type BatchConfig struct {
	PageSize        int           `yaml:"page_size" koanf:"page_size" validate:"min=1"`
	Parallelism     int           `yaml:"parallelism" koanf:"parallelism" validate:"min=1,max=64"`
	SkipFailedPages bool          `yaml:"skip_failed_pages" koanf:"skip_failed_pages"`
	Interval        time.Duration `yaml:"interval" koanf:"interval" validate:"gte=0"`
	NetworkTTL      time.Duration `yaml:"network_ttl" koanf:"network_ttl" validate:"gte=0"`
	Lookback        time.Duration `yaml:"lookback" koanf:"lookback" validate:"gte=0"`
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL      string `yaml:"url" koanf:"url"`
	MaxConns int32  `yaml:"max_conns" koanf:"max_conns" validate:"gte=0"`
}

// FeedConfig holds the jam feed settings
type FeedConfig struct {
	URL     string        `yaml:"url" koanf:"url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" koanf:"timeout" validate:"gte=0"`
}

// ExportConfig selects where per-segment summaries are written after a run
type ExportConfig struct {
	Dir     string   `yaml:"dir" koanf:"dir"`
	Formats []string `yaml:"formats" koanf:"formats" validate:"dive,oneof=geojson kml"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the cross-field rule big_buffer > small_buffer
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// LoadFile reads a YAML configuration file on top of the defaults
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a default configuration for Joinville (UTM zone 22 south)
func DefaultConfig() *Config {
	return &Config{
		Allocation: AllocationConfig{
			SmallBuffer: 10,
			BigBuffer:   20,
		},
		Projection: geo.Projection{
			Zone:  22,
			South: true,
		},
		Batch: BatchConfig{
			PageSize:    1000,
			Parallelism: 4,
			Interval:    time.Hour,
			NetworkTTL:  24 * time.Hour,
			Lookback:    24 * time.Hour,
		},
		Database: DatabaseConfig{
			MaxConns: 8,
		},
		Feed: FeedConfig{
			Timeout: 30 * time.Second,
		},
		Export: ExportConfig{
			Formats: []string{"geojson"},
		},
	}
}
