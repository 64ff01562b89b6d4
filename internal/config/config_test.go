package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	d := defaults()
	require.Equal(t, d.CacheMaxBytes, cfg.CacheMaxBytes)
	require.Equal(t, d.ThresholdPercent, cfg.ThresholdPercent)
	require.Equal(t, d.LogLevel, cfg.LogLevel)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("thresholdPercent: 60\nlogLevel: debug\n"), 0600))

	cfg := Load(path)
	require.Equal(t, 60, cfg.ThresholdPercent)
	require.Equal(t, "debug", cfg.LogLevel)
	// Untouched fields keep their default values.
	require.Equal(t, defaults().HydrationConcurrency, cfg.HydrationConcurrency)
}

func TestLoadUnparseableFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid yaml"), 0600))

	cfg := Load(path)
	require.Equal(t, defaults().CacheMaxBytes, cfg.CacheMaxBytes)
}

func TestValidateClampsOutOfRangeValues(t *testing.T) {
	cfg := &Config{
		ThresholdPercent: 150,
		LogLevel:         "not-a-level",
	}
	validate(cfg)

	d := defaults()
	require.Equal(t, d.ThresholdPercent, cfg.ThresholdPercent)
	require.Equal(t, d.LogLevel, cfg.LogLevel)
	require.Equal(t, d.CacheDir, cfg.CacheDir)
}

func TestWriteConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yml")
	cfg := defaults()
	cfg.ThresholdPercent = 42

	require.NoError(t, cfg.WriteConfig(path))

	reloaded := Load(path)
	require.Equal(t, 42, reloaded.ThresholdPercent)
}
