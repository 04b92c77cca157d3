package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
volume:
  directory: "/tmp/test_volume"
  logical_blocks: 2097152
  compression: "zstd"
zones:
  logical: 4
cache:
  pages_per_zone: 1024
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "/tmp/test_volume", cfg.Volume.Directory)
	assert.Equal(t, uint64(2097152), cfg.Volume.LogicalBlocks)
	assert.Equal(t, "zstd", cfg.Volume.Compression)
	assert.Equal(t, 4, cfg.Zones.Logical)
	assert.Equal(t, 1024, cfg.Cache.PagesPerZone)

	// Untouched sections keep their defaults.
	assert.Equal(t, uint64(1<<18), cfg.Volume.PhysicalBlocks)
	assert.Equal(t, 2, cfg.Zones.BlockMap)
	assert.Equal(t, uint64(256), cfg.Journal.Blocks)
}

func TestLoad_EmptyInputYieldsDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "snappy", cfg.Volume.Compression)
	assert.Equal(t, 512, cfg.Cache.PagesPerZone)
	require.NoError(t, cfg.Validate())

	cfg2, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, cfg, cfg2)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(strings.NewReader("volume: [not a map"))
	require.Error(t, err)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "zero logical blocks", yaml: "volume:\n  logical_blocks: 0\n"},
		{name: "negative zone count", yaml: "zones:\n  block_map: -1\n"},
		{name: "unknown compression", yaml: "volume:\n  compression: gzip\n"},
		{name: "zero journal blocks", yaml: "journal:\n  blocks: 0\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "snappy", cfg.Volume.Compression)
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("journal:\n  blocks: 64\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), cfg.Journal.Blocks)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, time.Second, ParseDuration("", time.Second, nil))
	assert.Equal(t, time.Second, ParseDuration("0", time.Second, nil))
	assert.Equal(t, time.Second, ParseDuration("garbage", time.Second, nil))
	assert.Equal(t, 250*time.Millisecond, ParseDuration("250ms", time.Second, nil))
}
