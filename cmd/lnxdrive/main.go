// Command lnxdrive mounts a cloud drive as a local POSIX directory
// tree, hydrating file content on demand and dehydrating it again
// under cache pressure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/lnxdrive/lnxdrive/internal/cloud"
	"github.com/lnxdrive/lnxdrive/internal/config"
	"github.com/lnxdrive/lnxdrive/internal/metrics"
	"github.com/lnxdrive/lnxdrive/internal/mount"
)

func usage() {
	fmt.Printf(`lnxdrive - mounts a cloud drive as a local directory tree.

Files are fetched on demand: opening a file hydrates its content,
and infrequently used content is dehydrated again to stay under the
configured cache size. Only metadata persists for dehydrated files.

Usage: lnxdrive [options] <mountpoint>

Valid options:
`)
	flag.PrintDefaults()
}

func setupFlags() (cfg *config.Config, debugOn bool, mountpoint string) {
	configPath := flag.StringP("config-file", "f", config.DefaultConfigPath(),
		"A YAML-formatted configuration file.")
	cacheDir := flag.StringP("cache-dir", "c", "",
		"Override the configured cache directory.")
	logLevel := flag.StringP("log", "l", "",
		"Override the configured log level (trace, debug, info, warn, error, fatal).")
	metricsAddr := flag.StringP("metrics-addr", "m", "",
		"Loopback address to serve Prometheus metrics on, e.g. 127.0.0.1:9469. Disabled if empty.")
	debugOnFlag := flag.BoolP("debug", "d", false,
		"Enable FUSE debug logging of kernel/filesystem traffic.")
	help := flag.BoolP("help", "h", false, "Displays this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg = config.Load(*configPath)
	if *cacheDir != "" {
		cfg.CacheDir = *cacheDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	return cfg, *debugOnFlag, flag.Arg(0)
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func validateMountpoint(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("mountpoint: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mountpoint %q is not a directory", path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("mountpoint: %w", err)
	}
	if len(entries) != 0 {
		return fmt.Errorf("mountpoint %q is not empty", path)
	}
	return nil
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, debugOn, mountpoint := setupFlags()
	setupLogging(cfg)

	mountpoint, err := filepath.Abs(mountpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("lnxdrive: resolve mountpoint")
	}
	if err := validateMountpoint(mountpoint); err != nil {
		log.Fatal().Err(err).Msg("lnxdrive: invalid mountpoint")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0700); err != nil {
		log.Fatal().Err(err).Msg("lnxdrive: create cache directory")
	}

	registry := prometheus.NewRegistry()
	_ = metrics.New(registry)
	metricsServer, err := metrics.Start(cfg.MetricsAddr, registry)
	if err != nil {
		log.Fatal().Err(err).Msg("lnxdrive: start metrics server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudClient := cloud.NewHTTPClient(nil)

	m, err := mount.New(ctx, cfg, cloudClient, mountpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("lnxdrive: initialize mount")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", strings.ToUpper(sig.String())).
			Msg("lnxdrive: signal received, unmounting")
		cancel()
		if err := metricsServer.Stop(context.Background()); err != nil {
			log.Error().Err(err).Msg("lnxdrive: stop metrics server")
		}
		if err := m.Unmount(); err != nil {
			log.Error().Err(err).Msg("lnxdrive: unmount")
		}
	}()

	log.Info().Str("mountpoint", mountpoint).Str("cacheDir", cfg.CacheDir).
		Msg("lnxdrive: mounting")
	if err := m.Serve(debugOn); err != nil {
		log.Fatal().Err(err).Msg("lnxdrive: serve")
	}
}
