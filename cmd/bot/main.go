// Pair Trade Engine — an automated statistical-arbitrage bot trading one
// cointegrated instrument pair through a broker gateway.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go        — orchestrator: recovery → collector → signal → executor → watchers
//	marketdata/collector.go — rolling window, OLS hedge ratio, spread z-score snapshots
//	signal/worker.go        — classifies snapshots into entry/pyramid/exit/rebalance actions
//	executor/worker.go      — places hedged orders, owns the grid and persisted positions
//	executor/grid.go        — 2-variable pyramiding ladder (last_z_entry, next_z_entry)
//	executor/rebalance.go   — single-leg hedge correction when lot imbalance drifts
//	risk/supervisor.go      — per-setup, portfolio, and daily loss layers plus the daily lock
//	monitor/monitor.go      — live P&L per spread from broker truth
//	attribution/engine.go   — decomposes floating P&L into convergence/drift/directional buckets
//	store/                  — crash-safe JSON persistence, recovery protocol, daily lock
//	broker/                 — REST client, tick WebSocket feed, close-all fan-out
//	api/server.go           — operator control server (status, close-all, unlock, config)
//
// How it makes money:
//
//	The two instruments are cointegrated, so their hedged spread oscillates
//	around a rolling mean. The bot sells the spread when it is rich and
//	buys it when it is cheap (|z| above the entry threshold), pyramids at
//	fixed z-score intervals as the dislocation deepens, and closes the
//	whole position when the spread reverts to the mean.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pairtrade-engine/internal/config"
	"pairtrade-engine/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PAIR_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE: no real orders will be placed")
	}

	logger.Info("pair trade engine started",
		"primary", cfg.Pair.PrimarySymbol,
		"secondary", cfg.Pair.SecondarySymbol,
		"entry_z", cfg.Trading.EntryThreshold,
		"exit_z", cfg.Trading.ExitThreshold,
		"max_entries", cfg.Trading.MaxEntries,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
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
