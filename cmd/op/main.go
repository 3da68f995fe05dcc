// Command op runs the demo OpenID provider.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jiang-12196/op-rp-example/config"
	"github.com/jiang-12196/op-rp-example/op"
	"github.com/joho/godotenv"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	var (
		configPath string
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "", "path to a yaml config file")
	flag.StringVar(&logLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")
	flag.Parse()

	// Environment overrides live in .env during development; absence is
	// not an error.
	_ = godotenv.Load()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "op",
		Level: hclog.LevelFromString(logLevel),
	})

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("unable to load config", "error", err)
		return 1
	}

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		logger.Error("unable to build provider", "error", err)
		return 1
	}
	defer provider.Done()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           op.Handler(provider),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("provider listening", "addr", cfg.Listen, "issuer", cfg.Issuer)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			return 1
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}

func buildProvider(cfg *config.Config, logger hclog.Logger) (*op.Provider, error) {
	pc, err := cfg.ProviderConfig()
	if err != nil {
		return nil, err
	}
	keys, err := cfg.Keys()
	if err != nil {
		return nil, err
	}
	keyStore, err := op.NewKeyStore(keys)
	if err != nil {
		return nil, err
	}
	clients, err := cfg.OPClients()
	if err != nil {
		return nil, err
	}
	registry, err := op.NewRegistry(clients)
	if err != nil {
		return nil, err
	}
	store, err := cfg.Store()
	if err != nil {
		return nil, err
	}
	accounts, err := cfg.Directory()
	if err != nil {
		return nil, err
	}
	return op.NewProvider(pc, keyStore, registry, store, accounts,
		op.WithLogger(logger.Named("provider")))
}
