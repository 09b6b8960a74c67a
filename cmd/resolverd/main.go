// Package main provides the resolverd daemon. It registers with a relayer,
// executes assigned orders on the EVM and Move chains and serves an ops API.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Klingon-tech/klingdex-relay/internal/client"
	"github.com/Klingon-tech/klingdex-relay/internal/config"
	"github.com/Klingon-tech/klingdex-relay/internal/escrow/aptos"
	"github.com/Klingon-tech/klingdex-relay/internal/escrow/evm"
	"github.com/Klingon-tech/klingdex-relay/internal/resolver"
	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.klingdex-resolver", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		listenAddr  = flag.String("listen", "", "Ops HTTP listen address, overrides config")
		relayerURL  = flag.String("relayer", "", "Relayer WebSocket URL, overrides config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("resolverd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfgDir := *dataDir
	if *configFile != "" {
		cfgDir = filepath.Dir(*configFile)
	}
	cfg, err := config.LoadResolverConfig(cfgDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	if *listenAddr != "" {
		cfg.HTTP.ListenAddr = *listenAddr
	}
	if *relayerURL != "" {
		cfg.Relayer.URL = *relayerURL
	}
	if isFlagSet("log-level") || cfg.Logging.Level == "" {
		cfg.Logging.Level = *logLevel
	}
	if cfg.ResolverID == "" {
		cfg.ResolverID = "resolver-" + uuid.NewString()[:8]
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "path", config.ConfigPath(cfgDir), "error", err)
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(cfgDir), "resolver", cfg.ResolverID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// EVM collaborator
	evmClient, err := evm.Dial(ctx, cfg.EVMClientConfig())
	if err != nil {
		log.Fatal("Failed to connect to EVM node", "url", cfg.EVM.RPCURL, "error", err)
	}
	defer evmClient.Close()
	log.Info("EVM client initialized", "chain", evmClient.ChainID(), "from", evmClient.From().Hex())

	// Move collaborator
	resolverSigner, err := aptos.ParseSigner(cfg.Move.PrivateKey)
	if err != nil {
		log.Fatal("Invalid Move private key", "error", err)
	}
	var announcer *aptos.Signer
	if cfg.Move.AnnouncerKey != "" {
		if announcer, err = aptos.ParseSigner(cfg.Move.AnnouncerKey); err != nil {
			log.Fatal("Invalid Move announcer key", "error", err)
		}
	}
	swap, err := aptos.NewSwap(aptos.NewClient(cfg.MoveClientConfig()), cfg.SwapConfig(), resolverSigner, announcer)
	if err != nil {
		log.Fatal("Failed to create Move collaborator", "error", err)
	}
	log.Info("Move client initialized", "node", cfg.Move.NodeURL, "account", swap.ResolverAddress())

	// Action ledger
	var ledger resolver.Ledger
	if cfg.Ledger.RedisURL != "" {
		rl, err := resolver.NewRedisLedger(cfg.Ledger.RedisURL, cfg.Ledger.TTL)
		if err != nil {
			log.Fatal("Invalid redis URL", "error", err)
		}
		if err := rl.Ping(ctx); err != nil {
			log.Fatal("Failed to reach redis", "error", err)
		}
		defer rl.Close()
		ledger = rl
		log.Info("Action ledger initialized", "backend", "redis")
	} else {
		ledger = resolver.NewMemoryLedger()
		log.Warn("Action ledger kept in memory; completed steps are lost on restart")
	}

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		log.Fatal("Invalid engine config", "error", err)
	}
	engine := resolver.NewEngine(engineCfg, evmClient, swap, ledger, nil)

	c := client.New(cfg.ClientConfig())
	session := client.NewSession(c, &client.WSDialer{URL: cfg.Relayer.URL}, cfg.SessionConfig())
	session.OnStateChange(func(s client.State) {
		log.Info("Relayer link", "state", s, "url", cfg.Relayer.URL)
	})
	link := resolver.NewLink(c, session, engine, &resolver.LinkConfig{
		ResolverID:        cfg.ResolverID,
		HeartbeatInterval: cfg.Relayer.HeartbeatInterval,
	})

	// Ops API
	ops := resolver.NewHTTP(engine, link, &resolver.HTTPConfig{
		RateLimit:   cfg.HTTP.RateLimit,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		CoinType:    cfg.Move.CoinType,
	})
	listener, err := net.Listen("tcp", cfg.HTTP.ListenAddr)
	if err != nil {
		log.Fatal("Failed to start ops API", "addr", cfg.HTTP.ListenAddr, "error", err)
	}
	httpServer := &http.Server{
		Handler:      ops.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Ops API error", "error", err)
		}
	}()

	linkDone := make(chan struct{})
	go func() {
		defer close(linkDone)
		link.Run(ctx)
	}()

	printBanner(log, cfg, listener.Addr().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error stopping ops API", "error", err)
	}
	<-linkDone
	engine.Wait()

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

func printBanner(log *logging.Logger, cfg *config.ResolverConfig, apiAddr string) {
	log.Info("")
	log.Info("=================================================")
	log.Info("  Klingdex Resolver")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Resolver ID: %s", cfg.ResolverID)
	log.Infof("  Relayer: %s", cfg.Relayer.URL)
	log.Infof("  API: http://%s", apiAddr)
	log.Info("")
	log.Infof("  EVM chains: %v | Move chains: %v", cfg.EVM.ChainIDs, cfg.Move.ChainIDs)
	log.Infof("  Coin type: %s", cfg.Move.CoinType)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
