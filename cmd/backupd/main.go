// Package main provides a headless daemon that watches a directory and
// keeps its catalog up to date.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nithronos/backupengine/catalog"
	"nithronos/backupengine/config"
	"nithronos/backupengine/snapshot"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	Commit    = "unknown"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		debugMode   = flag.Bool("debug", false, "Enable debug logging")
		configPath  = flag.String("config", "", "Path to configuration file")
		watchPath   = flag.String("watch", "", "Directory to watch (for initial setup)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("backupd v%s\n", Version)
		fmt.Printf("Build time: %s\n", BuildTime)
		fmt.Printf("Commit: %s\n", Commit)
		os.Exit(0)
	}

	logLevel := zerolog.InfoLevel
	if *debugMode {
		logLevel = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	logDir, err := config.GetLogDir()
	if err == nil {
		logFile, err := os.OpenFile(
			filepath.Join(logDir, "backupd.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY,
			0644,
		)
		if err == nil {
			multi := zerolog.MultiLevelWriter(os.Stderr, logFile)
			log.Logger = zerolog.New(multi).With().Timestamp().Logger()
		}
	}

	var cfg *config.Config
	if *configPath != "" {
		cfg, err = config.LoadFrom(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *watchPath != "" {
		if err := cfg.Update(func(c *config.Config) {
			c.WatchPaths = []string{*watchPath}
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to save configuration")
		}
	}

	if !cfg.IsConfigured() {
		log.Error().Msg("backupd is not configured")
		log.Info().Msg("Run with -watch <dir> to set up, or edit the config file directly")
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.RepoRoot, 0755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create repository directory")
	}
	cat, err := catalog.Open(cfg.RepoRoot)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open catalog")
	}
	defer cat.Close()

	if len(cfg.WatchPaths) == 0 {
		log.Fatal().Msg("No watch paths configured")
	}

	watchers := make([]*snapshot.Watcher, 0, len(cfg.WatchPaths))
	for _, path := range cfg.WatchPaths {
		wCfg := snapshot.DefaultConfig(path)
		wCfg.ExcludePatterns = cfg.ExcludePatterns
		wCfg.DebounceTime = time.Duration(cfg.PollIntervalSecs) * time.Second
		w, err := snapshot.New(wCfg, cat, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("Failed to create watcher")
		}
		if err := w.Start(); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("Failed to start watcher")
		}
		watchers = append(watchers, w)
		go logResults(w)
	}

	log.Info().Strs("paths", cfg.WatchPaths).Msg("backupd started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal")
		cancel()
	}()

	<-ctx.Done()

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		for _, w := range watchers {
			w.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Shutdown complete")
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timed out")
	}
}

func logResults(w *snapshot.Watcher) {
	for r := range w.Results() {
		if r.Err != nil {
			log.Error().Err(r.Err).Str("path", r.Path).Msg("snapshot failed")
			continue
		}
		log.Info().Str("path", r.Path).Int("version", r.Version.VersionNumber).Msg("snapshot taken")
	}
}
