// Command rp runs the demo relying party.
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
	"github.com/jiang-12196/op-rp-example/rp"
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

	_ = godotenv.Load()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "rp",
		Level: hclog.LevelFromString(logLevel),
	})

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("unable to load config", "error", err)
		return 1
	}

	rpConfig, err := rp.NewConfig(
		cfg.Issuer,
		cfg.RP.ClientID,
		rp.ClientSecret(cfg.RP.ClientSecret),
		cfg.RP.RedirectURL,
		rp.WithRPScopes(cfg.RP.Scopes...),
	)
	if err != nil {
		logger.Error("invalid relying party config", "error", err)
		return 1
	}

	// Discovery needs the provider to already be up; retry briefly so the
	// two demo processes can start in any order.
	provider, err := connect(rpConfig, logger)
	if err != nil {
		logger.Error("unable to reach provider", "issuer", cfg.Issuer, "error", err)
		return 1
	}
	defer provider.Done()

	srv := &http.Server{
		Addr:              cfg.RP.Listen,
		Handler:           rp.Handler(provider, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relying party listening", "addr", cfg.RP.Listen)
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

func connect(c *rp.Config, logger hclog.Logger) (*rp.Provider, error) {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		p, err := rp.NewProvider(c)
		if err == nil {
			return p, nil
		}
		lastErr = err
		logger.Warn("provider discovery failed, retrying", "attempt", attempt+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	return nil, lastErr
}
