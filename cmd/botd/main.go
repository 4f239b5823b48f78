// Command botd is the thin CLI entry point for the quote-reconciliation
// engine.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	internal/engine       — supervisor: wires auth, broker client, book, strategy, order manager
//	internal/strategy      — inventory-skewed quote model + self-exclusion
//	internal/market        — local order-book mirror fed by WebSocket snapshots
//	internal/orders        — live-orders table + reconciliation (place/edit/cancel)
//	internal/exchange      — REST client, auth, and WebSocket feeds for the broker
//	internal/store         — optional append-only recovery log for the live-orders table
//
// It reads BKS_TOKEN from the environment, loads YAML config for the
// instrument and strategy parameters, starts the supervisor, and waits for
// a shutdown signal. Exit codes: 0 clean shutdown, 1 auth/config failure,
// 2 fatal loop error (spec §6).
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brokermm/internal/config"
	"brokermm/internal/engine"
	"brokermm/internal/exchange"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BKS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	logger := slog.New(newHandler(cfg.Logging))

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		return 1
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE: no real orders will be placed")
	}
	logger.Info("starting market-making engine",
		"ticker", cfg.Instrument.Ticker,
		"class_code", cfg.Instrument.ClassCode,
		"dry_run", cfg.DryRun,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		runErr = <-errCh
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("fatal engine error, shutting down", "error", runErr)
		}
		cancel()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	eng.Stop(stopCtx)

	if runErr != nil {
		var authErr *exchange.AuthError
		if errors.As(runErr, &authErr) {
			return 1
		}
		return 2
	}
	return 0
}

func newHandler(cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
