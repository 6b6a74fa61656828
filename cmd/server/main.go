package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/better-wallet/permit-signer/internal/api"
	"github.com/better-wallet/permit-signer/internal/app"
	"github.com/better-wallet/permit-signer/internal/chain"
	"github.com/better-wallet/permit-signer/internal/config"
	"github.com/better-wallet/permit-signer/internal/keycustody"
	"github.com/better-wallet/permit-signer/internal/logger"
	"github.com/better-wallet/permit-signer/internal/metrics"
	"github.com/better-wallet/permit-signer/internal/secretstore"
	"github.com/better-wallet/permit-signer/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.LogFormat, cfg.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if err := run(context.Background(), cfg); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// run wires the service and blocks until the server fails or a shutdown
// signal arrives. Every resource it opens is closed before it returns.
func run(ctx context.Context, cfg *config.Config) error {
	// Server key
	serverKey, err := secretstore.LoadServerKey(ctx, cfg.SecretStore())
	if err != nil {
		return fmt.Errorf("failed to load server key from %s: %w", cfg.ServerKeySource, err)
	}
	custody := keycustody.New(serverKey)
	if pub, ok := custody.PublicKey(); ok {
		slog.Info("server key loaded", "source", cfg.ServerKeySource, "public_key", pub)
	}

	// Chains
	defs, err := chain.LoadDefinitions(cfg.ChainConfig)
	if err != nil {
		return fmt.Errorf("failed to load chain definitions from %s: %w", cfg.ChainConfig, err)
	}
	registry := chain.NewRegistry(defs)
	defer registry.Close()
	slog.Info("loaded chain definitions", "networks", registry.Networks())

	// Decimals cache
	var decimalsStore chain.DecimalsStore = chain.NewMemoryStore()
	if cfg.RedisURL != "" {
		redisStore, err := chain.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisStore.Close()
		decimalsStore = redisStore
		slog.Info("connected to redis")
	}
	tokenMetadata := chain.NewTokenMetadata(decimalsStore, cfg.DecimalsCacheTTL)

	m := metrics.New()
	opts := []app.PermitServiceOption{app.WithObserver(m)}
	deps := api.Deps{
		ServerKey: custody,
		Counter:   m,
		Metrics:   m.Handler(),
	}

	// Audit log
	if cfg.PostgresDSN != "" {
		store, err := storage.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer store.Close()
		slog.Info("connected to database")

		repo := store.Permits()
		opts = append(opts, app.WithRecorder(repo))
		deps.Records = repo
	}

	deps.Permits = app.NewPermitService(app.RegistryProvider{Registry: registry}, custody, tokenMetadata, opts...)

	// Initialize API server
	server := api.NewServer(cfg, deps)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		_ = server.Shutdown(ctx)
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		slog.Info("received shutdown signal", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("error during shutdown", "error", err)
			slog.Warn("forcing shutdown")
		}

		slog.Info("server stopped")
		return nil
	}
}
