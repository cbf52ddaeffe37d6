package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailengine/internal/cache"
	"github.com/brandon/mailengine/internal/config"
	"github.com/brandon/mailengine/internal/creds"
	"github.com/brandon/mailengine/internal/engine"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailengine version %s\n", version)
		os.Exit(0)
	}

	// Optional .env for local development; ignored when absent.
	godotenv.Load() //nolint:errcheck

	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting mail engine")

	// Initialize cache
	mailCache, err := cache.NewCache(cfg.CachePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize cache")
	}
	defer mailCache.Close()

	store, err := cache.NewStore(mailCache, cfg.SnapshotLRU, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize cache store")
	}

	// Credential provider; secrets never live in the config or the cache.
	var provider creds.Provider
	switch cfg.CredentialBackend {
	case "keyring":
		provider = creds.NewKeyring(filepath.Join(filepath.Dir(cfg.CachePath), "keyring"))
	default:
		provider = creds.Env{}
	}

	coordinator := engine.NewCoordinator(cfg, store, provider, logger)
	for _, acc := range cfg.Accounts {
		if err := coordinator.Register(acc); err != nil {
			logger.WithError(err).WithField("account", acc.ID).Fatal("Failed to register account")
		}
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StopWait)
	defer cancel()
	if err := coordinator.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown did not complete cleanly")
	}

	logger.Info("Mail engine stopped")
}
