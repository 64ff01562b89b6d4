// Package config loads lnxdrive's on-disk YAML configuration, merges
// it with built-in defaults, and validates the result, in the same
// layered style the teacher uses for its own configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/imdario/mergo"
	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v3"
)

// Config is lnxdrive's full set of tunables: the mount/cache layout,
// the dehydration policy (C5), the hydration worker pool (C4), the
// write serializer (C3), and the ambient logging/metrics surface.
type Config struct {
	MountPoint string `yaml:"mountPoint"`
	CacheDir   string `yaml:"cacheDir"`

	CacheMaxBytes     int64 `yaml:"cacheMaxBytes"`
	ThresholdPercent  int   `yaml:"thresholdPercent"`
	MaxAgeDays        int   `yaml:"maxAgeDays"`
	SweepIntervalMins int   `yaml:"sweepIntervalMinutes"`

	HydrationConcurrency    int64 `yaml:"hydrationConcurrency"`
	LargeFileThresholdBytes int64 `yaml:"largeFileThresholdBytes"`
	ChunkSizeBytes          int64 `yaml:"chunkSizeBytes"`

	HydrationMaxRetries      int `yaml:"hydrationMaxRetries"`
	HydrationRetryInitialMs  int `yaml:"hydrationRetryInitialMs"`
	HydrationRetryMaxDelayMs int `yaml:"hydrationRetryMaxDelayMs"`

	WriteQueueCapacity  int `yaml:"writeQueueCapacity"`
	WriteQueueTimeoutMs int `yaml:"writeQueueTimeoutMs"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	MetricsAddr string `yaml:"metricsAddr"`
}

// DefaultConfigPath mirrors the teacher's XDG-based default location.
func DefaultConfigPath() string {
	confDir, err := os.UserConfigDir()
	if err != nil {
		log.Error().Err(err).Msg("config: could not determine configuration directory")
	}
	return filepath.Join(confDir, "lnxdrive/config.yml")
}

func defaults() Config {
	xdgCacheDir, _ := os.UserCacheDir()
	return Config{
		CacheDir:                filepath.Join(xdgCacheDir, "lnxdrive"),
		CacheMaxBytes:           10 * 1024 * 1024 * 1024,
		ThresholdPercent:        80,
		MaxAgeDays:              30,
		SweepIntervalMins:       15,
		HydrationConcurrency:    4,
		LargeFileThresholdBytes: 100 * 1024 * 1024,
		ChunkSizeBytes:          10 * 1024 * 1024,

		HydrationMaxRetries:      3,
		HydrationRetryInitialMs:  1000,
		HydrationRetryMaxDelayMs: 30000,

		WriteQueueCapacity:      1000,
		WriteQueueTimeoutMs:     5000,
		LogLevel:                "info",
		LogFormat:               "console",
		MetricsAddr:             "",
	}
}

// Load reads path, merges it over the defaults, validates the result,
// and returns it. A missing or unparseable file falls back to the
// defaults (logged, not fatal), matching the teacher's tolerant
// load behavior.
func Load(path string) *Config {
	base := defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config: file not found, using defaults")
		return &base
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		log.Error().Err(err).Str("path", path).Msg("config: could not parse, using defaults")
		return &base
	}

	if err := mergo.Merge(cfg, base); err != nil {
		log.Error().Err(err).Str("path", path).Msg("config: could not merge with defaults")
		return &base
	}

	validate(cfg)
	return cfg
}

func validate(c *Config) {
	d := defaults()

	if c.CacheDir == "" {
		log.Warn().Msg("config: cacheDir empty, using default")
		c.CacheDir = d.CacheDir
	}
	if c.CacheMaxBytes <= 0 {
		log.Warn().Int64("cacheMaxBytes", c.CacheMaxBytes).Msg("config: cacheMaxBytes must be positive, using default")
		c.CacheMaxBytes = d.CacheMaxBytes
	}
	if c.ThresholdPercent <= 0 || c.ThresholdPercent > 100 {
		log.Warn().Int("thresholdPercent", c.ThresholdPercent).Msg("config: thresholdPercent out of range, using default")
		c.ThresholdPercent = d.ThresholdPercent
	}
	if c.MaxAgeDays < 0 {
		c.MaxAgeDays = d.MaxAgeDays
	}
	if c.SweepIntervalMins <= 0 {
		c.SweepIntervalMins = d.SweepIntervalMins
	}
	if c.HydrationConcurrency <= 0 {
		c.HydrationConcurrency = d.HydrationConcurrency
	}
	if c.LargeFileThresholdBytes <= 0 {
		c.LargeFileThresholdBytes = d.LargeFileThresholdBytes
	}
	if c.ChunkSizeBytes <= 0 {
		c.ChunkSizeBytes = d.ChunkSizeBytes
	}
	if c.HydrationMaxRetries <= 0 {
		c.HydrationMaxRetries = d.HydrationMaxRetries
	}
	if c.HydrationRetryInitialMs <= 0 {
		c.HydrationRetryInitialMs = d.HydrationRetryInitialMs
	}
	if c.HydrationRetryMaxDelayMs <= 0 {
		c.HydrationRetryMaxDelayMs = d.HydrationRetryMaxDelayMs
	}
	if c.WriteQueueCapacity <= 0 {
		c.WriteQueueCapacity = d.WriteQueueCapacity
	}
	if c.WriteQueueTimeoutMs <= 0 {
		c.WriteQueueTimeoutMs = d.WriteQueueTimeoutMs
	}
	if !validLogLevel(c.LogLevel) {
		log.Warn().Str("logLevel", c.LogLevel).Msg("config: invalid log level, using default")
		c.LogLevel = d.LogLevel
	}
}

func validLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "trace", "debug", "info", "warn", "error", "fatal":
		return true
	default:
		return false
	}
}

// WriteConfig writes c to path as YAML, creating parent directories
// as needed.
func (c Config) WriteConfig(path string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	return os.WriteFile(path, out, 0600)
}
