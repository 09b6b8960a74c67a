// Package main provides the relayerd daemon, the order dispatcher that
// connects users to resolvers.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingdex-relay/internal/config"
	"github.com/Klingon-tech/klingdex-relay/internal/relayer"
	"github.com/Klingon-tech/klingdex-relay/internal/storage"
	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir      = flag.String("data-dir", "~/.klingdex-relay", "Data directory")
		configFile   = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		listenAddr   = flag.String("listen", "", "HTTP/WebSocket listen address, overrides config")
		noRedispatch = flag.Bool("no-redispatch", false, "Disable automatic re-dispatch of unassigned orders")
		logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion  = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("relayerd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfgDir := *dataDir
	if *configFile != "" {
		cfgDir = filepath.Dir(*configFile)
	}
	cfg, err := config.LoadRelayerConfig(cfgDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	if *listenAddr != "" {
		cfg.HTTP.ListenAddr = *listenAddr
	}
	if *noRedispatch {
		cfg.Redispatch.Enabled = false
	}
	if isFlagSet("log-level") || cfg.Logging.Level == "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(cfgDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	srv, err := relayer.New(cfg.Server(), store)
	if err != nil {
		log.Fatal("Failed to create relayer", "error", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatal("Failed to start relayer", "error", err)
	}

	printBanner(log, srv, cfg)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counts := srv.Registry().Counts()
				log.Info("Status",
					"connections", counts.Connected,
					"resolvers", counts.Resolvers,
					"active", len(srv.Tracker().Active()),
					"unassigned", len(srv.Tracker().Unassigned()))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")
	cancel()

	if err := srv.Stop(); err != nil {
		log.Error("Error stopping relayer", "error", err)
	}

	log.Info("Goodbye!")
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func printBanner(log *logging.Logger, srv *relayer.Server, cfg *config.RelayerConfig) {
	addr := srv.Addr()
	log.Info("")
	log.Info("=================================================")
	log.Info("  Klingdex Relayer")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  HTTP: http://%s", addr)
	log.Infof("  WS:   ws://%s/ws", addr)
	log.Info("")
	log.Infof("  Re-dispatch: %v (every %s)", cfg.Redispatch.Enabled, cfg.Redispatch.Interval)
	log.Infof("  EVM chains: %v", cfg.EVMChains)
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
