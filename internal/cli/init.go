// Package cli provides common CLI initialization utilities shared by
// cmd/ledgerd and cmd/ledger-token.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"taxledger/internal/config"
	"taxledger/internal/ledger"
	"taxledger/internal/log"
	"taxledger/internal/realtime"
)

// SetupLogger initializes structured logging at the given LOG_LEVEL.
// Returns the configured logger and sets it as the default logger.
func SetupLogger(level string) *log.Logger {
	cfg := log.DefaultConfig()
	lvl, err := log.ParseLevel(level)
	cfg.Level = lvl
	logger := log.New(cfg)
	log.SetDefault(logger)
	if err != nil {
		logger.Warn("Falling back to info level", log.FieldError, err)
	}
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *log.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// SyncConfig builds the per-stream controller settings from cfg.
func SyncConfig(cfg *config.Config, logger *log.Logger) realtime.Config {
	rc := realtime.Config{
		FetchTimeout: cfg.SyncFetchTimeout,
		Reconnect:    realtime.NoReconnect{},
		Logger:       logger,
	}
	if cfg.SyncReconnect == "backoff" {
		rc.Reconnect = realtime.BackoffReconnect{
			Base:     cfg.SyncReconnectBase,
			Max:      cfg.SyncReconnectMax,
			Attempts: uint64(cfg.SyncReconnectAttempts),
		}
	}
	return rc
}

// LedgerOptions maps cfg onto ledger options. Validate has already
// rejected unknown policies.
func LedgerOptions(cfg *config.Config, logger *log.Logger) []ledger.Option {
	concurrency, _ := ledger.ParseConcurrency(cfg.LedgerConcurrency)
	return []ledger.Option{
		ledger.WithConcurrency(concurrency),
		ledger.WithLogger(logger),
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(logger *log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// GracefulShutdown runs shutdown with a bounded context and logs whether
// it finished in time.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, shutdown func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := shutdown(ctx)
	if ctx.Err() != nil {
		logger.Warn("Shutdown timeout reached")
		return err
	}
	logger.Info("Shutdown complete")
	return err
}
