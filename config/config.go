// Package config loads the volume engine configuration from YAML with
// defaults applied first, so a missing or partial file yields a runnable
// configuration.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ZonesConfig sizes the threaded zones of the engine.
type ZonesConfig struct {
	Logical  int `yaml:"logical"`
	Physical int `yaml:"physical"`
	BlockMap int `yaml:"block_map"`
}

// CacheConfig sizes the per-zone block map page cache.
type CacheConfig struct {
	PagesPerZone    int `yaml:"pages_per_zone"`
	CarrierPoolSize int `yaml:"carrier_pool_size"`
}

// JournalConfig sizes the recovery journal region.
type JournalConfig struct {
	Blocks         uint64 `yaml:"blocks"`
	CommitInterval string `yaml:"commit_interval"`
}

// VolumeConfig describes the volume being managed.
type VolumeConfig struct {
	Directory       string `yaml:"directory"`
	LogicalBlocks   uint64 `yaml:"logical_blocks"`
	PhysicalBlocks  uint64 `yaml:"physical_blocks"`
	Compression     string `yaml:"compression"` // "snappy", "lz4", "zstd", "none"
	MaxConcurrentIO int    `yaml:"max_concurrent_io"`
}

// LoggingConfig controls the engine's slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "none"
}

// Config is the top-level configuration.
type Config struct {
	Volume  VolumeConfig  `yaml:"volume"`
	Zones   ZonesConfig   `yaml:"zones"`
	Cache   CacheConfig   `yaml:"cache"`
	Journal JournalConfig `yaml:"journal"`
	Logging LoggingConfig `yaml:"logging"`
}

// ParseDuration parses a duration string, falling back to the default when
// the string is empty or invalid.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader; nil or empty input yields the
// defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Volume: VolumeConfig{
			Directory:       "./volume",
			LogicalBlocks:   1 << 20, // 4 GiB of logical space
			PhysicalBlocks:  1 << 18, // 1 GiB backing store
			Compression:     "snappy",
			MaxConcurrentIO: 16,
		},
		Zones: ZonesConfig{
			Logical:  2,
			Physical: 2,
			BlockMap: 2,
		},
		Cache: CacheConfig{
			PagesPerZone:    512,
			CarrierPoolSize: 8,
		},
		Journal: JournalConfig{
			Blocks:         256,
			CommitInterval: "500ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}

	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file; a missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Volume.LogicalBlocks == 0 || c.Volume.PhysicalBlocks == 0 {
		return fmt.Errorf("volume logical_blocks and physical_blocks must be positive")
	}
	if c.Zones.Logical <= 0 || c.Zones.Physical <= 0 || c.Zones.BlockMap <= 0 {
		return fmt.Errorf("every zone count must be positive")
	}
	if c.Cache.PagesPerZone <= 0 {
		return fmt.Errorf("cache pages_per_zone must be positive")
	}
	if c.Journal.Blocks == 0 {
		return fmt.Errorf("journal blocks must be positive")
	}
	switch c.Volume.Compression {
	case "snappy", "lz4", "zstd", "none":
	default:
		return fmt.Errorf("unknown compression %q", c.Volume.Compression)
	}
	return nil
}
