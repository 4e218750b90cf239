// Package engine is the central orchestrator of the pair-trading bot.
//
// It wires together all subsystems:
//
//  1. The broker adapter (REST client plus tick WebSocket feed).
//  2. Startup recovery reconciles persisted intent with broker truth.
//  3. The collector maintains the rolling window and emits snapshots.
//  4. The signal worker classifies snapshots into actions.
//  5. The execution worker drives the pyramiding grid and the rebalancer.
//  6. The risk supervisor and the position monitor watch live positions.
//  7. The attribution engine decomposes floating P&L.
//  8. The optional control server exposes operator commands.
//
// Lifecycle: New() then Start(), runs until SIGINT, then Stop().
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pairtrade-engine/internal/api"
	"pairtrade-engine/internal/attribution"
	"pairtrade-engine/internal/broker"
	"pairtrade-engine/internal/config"
	"pairtrade-engine/internal/executor"
	"pairtrade-engine/internal/marketdata"
	"pairtrade-engine/internal/monitor"
	"pairtrade-engine/internal/risk"
	"pairtrade-engine/internal/signal"
	"pairtrade-engine/internal/store"
	"pairtrade-engine/pkg/types"
)

// Engine orchestrates all components and owns every goroutine.
type Engine struct {
	client    *broker.Client
	feed      *broker.TickFeed
	closer    *broker.Closer
	st        *store.Store
	flag      *store.FlagManager
	lock      *store.LockManager
	collector *marketdata.Collector
	rebal     *executor.Rebalancer
	exec      *executor.Worker
	sig       *signal.Worker
	riskSup   *risk.Supervisor
	mon       *monitor.Monitor
	attr      *attribution.Engine
	alerts    *api.AlertRing
	control   *api.Server
	logger    *slog.Logger

	actions chan types.Action

	cfgMu sync.Mutex
	cfg   *config.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	client := broker.NewClient(cfg.Broker, cfg.DryRun, logger)
	closer := broker.NewCloser(client, cfg.Broker.Magic, logger)
	feed := broker.NewTickFeed(cfg.Broker.TickWSURL, cfg.Broker.Token, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}
	flag := store.OpenFlag(cfg.Store.DataDir)

	sessionStart, err := config.ParseSessionTime(cfg.Risk.SessionStart)
	if err != nil {
		return nil, err
	}
	lock, err := store.OpenLock(cfg.Store.DataDir, sessionStart, logger)
	if err != nil {
		return nil, err
	}

	alerts := api.NewAlertRing()
	collector := marketdata.New(client, cfg.Pair, cfg.Model, logger)
	rebal := executor.NewRebalancer(cfg.Rebalancer, cfg.Pair)
	exec := executor.NewWorker(cfg, client, closer, st, flag, lock, rebal, alerts, logger)

	riskSup, err := risk.NewSupervisor(cfg, client, exec, lock, alerts, logger)
	if err != nil {
		return nil, err
	}
	mon := monitor.New(client, cfg.Broker.Magic, cfg.System.MonitorInterval, cfg.Pair.PrimarySymbol, logger)
	attr := attribution.NewEngine(cfg, client, exec, mon, alerts, logger)

	exec.AttachRegistry(riskSup)
	exec.AttachRegistry(mon)

	actions := make(chan types.Action, cfg.System.QueueSize)
	sig := signal.NewWorker(cfg.Trading, exec, rebal, mon, actions, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		client:    client,
		feed:      feed,
		closer:    closer,
		st:        st,
		flag:      flag,
		lock:      lock,
		collector: collector,
		rebal:     rebal,
		exec:      exec,
		sig:       sig,
		riskSup:   riskSup,
		mon:       mon,
		attr:      attr,
		alerts:    alerts,
		logger:    logger.With("component", "engine"),
		actions:   actions,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.Control.Enabled {
		e.control = api.NewServer(cfg.Control, e, alerts, logger)
	}
	return e, nil
}

// Start verifies connectivity, runs recovery, bootstraps the window, and
// launches all worker goroutines.
func (e *Engine) Start() error {
	if err := e.client.Initialize(e.ctx); err != nil {
		return fmt.Errorf("broker init: %w", err)
	}

	// Recovery before any trading decision.
	e.cfgMu.Lock()
	cfg := e.cfg
	e.cfgMu.Unlock()

	result, err := store.Recover(e.ctx, e.st, e.flag, e.client, cfg.Broker.Magic, cfg.Trading, e.logger)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	e.logger.Info("startup recovery", "note", result.Note)
	e.exec.Restore(result.States, result.Positions)
	if result.CloseRemaining {
		report, err := e.closer.CloseAllByTag(e.ctx)
		if err != nil {
			return fmt.Errorf("recovery close-all: %w", err)
		}
		if report.Remaining > 0 {
			return fmt.Errorf("recovery close-all left %d position(s) open", report.Remaining)
		}
	}

	if err := e.collector.Bootstrap(e.ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	if err := e.feed.Subscribe([]string{cfg.Pair.PrimarySymbol, cfg.Pair.SecondarySymbol}); err != nil {
		e.logger.Warn("tick subscribe failed, will retry on connect", "error", err)
	}

	snapshots := make(chan types.MarketSnapshot, cfg.System.QueueSize)
	signalIn := make(chan types.MarketSnapshot, cfg.System.QueueSize)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("tick feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.collector.Run(e.ctx, e.feed.Ticks(), snapshots)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.fanOutSnapshots(snapshots, signalIn)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sig.Run(e.ctx, signalIn)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.exec.Run(e.ctx, e.actions)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.riskSup.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.mon.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.attr.Run(e.ctx)
	}()

	if e.control != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.control.Start(); err != nil {
				e.logger.Error("control server error", "error", err)
			}
		}()
	}

	e.logger.Info("engine started",
		"pair", fmt.Sprintf("%s/%s", cfg.Pair.PrimarySymbol, cfg.Pair.SecondarySymbol),
		"dry_run", cfg.DryRun,
	)
	return nil
}

// Stop shuts down in reverse dependency order: stop producing snapshots
// and actions first, then the watchers, then close resources. Open
// positions are deliberately left open; restart recovery resumes them.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	if e.control != nil {
		if err := e.control.Stop(); err != nil {
			e.logger.Error("control server stop failed", "error", err)
		}
	}
	e.wg.Wait()
	if err := e.feed.Close(); err != nil {
		e.logger.Debug("feed close", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// fanOutSnapshots tees collector output to the attribution engine and
// the signal worker. Forwarding never blocks; a slow signal worker sees
// only the freshest snapshot.
func (e *Engine) fanOutSnapshots(in <-chan types.MarketSnapshot, out chan<- types.MarketSnapshot) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case snap, ok := <-in:
			if !ok {
				return
			}
			e.attr.Observe(snap)
			select {
			case out <- snap:
			default:
				e.logger.Debug("signal queue full, dropping snapshot")
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Control surface (api.Controller)
// ————————————————————————————————————————————————————————————————————————

// StatusSnapshot assembles the operator status view.
func (e *Engine) StatusSnapshot() api.StatusResponse {
	e.cfgMu.Lock()
	cfg := e.cfg
	e.cfgMu.Unlock()

	return api.StatusResponse{
		DryRun:      cfg.DryRun,
		Pair:        cfg.Pair,
		Spreads:     e.exec.States(),
		Risk:        e.riskSup.Status(),
		PnL:         e.mon.Status(),
		Attribution: e.attr.Reports(),
		Time:        time.Now(),
	}
}

// CloseAll flattens everything on operator request.
func (e *Engine) CloseAll(ctx context.Context, reason string) error {
	return e.exec.CloseAll(ctx, reason)
}

// Unlock releases the daily trading lock on operator request.
func (e *Engine) Unlock() error {
	return e.lock.Unlock()
}

// ApplyRuntimeUpdate merges a partial update into the live config and
// fans the new parameters out to every worker that caches them.
func (e *Engine) ApplyRuntimeUpdate(u config.RuntimeUpdate) error {
	e.cfgMu.Lock()
	scaleChanged := e.cfg.Apply(u)
	trading := e.cfg.Trading
	features := e.cfg.Features
	riskCfg := e.cfg.Risk
	e.cfgMu.Unlock()

	e.sig.UpdateTrading(trading)
	e.riskSup.UpdateRisk(riskCfg)
	e.attr.SetKillSwitch(features.AttributionKillSwitch)
	if err := e.exec.UpdateTrading(trading, features, scaleChanged); err != nil {
		return err
	}

	e.logger.Info("runtime parameters applied",
		"scale_interval", trading.ScaleInterval,
		"entry", trading.EntryThreshold,
		"exit", trading.ExitThreshold,
		"stop_loss", trading.StopLossZScore,
		"rescaled", scaleChanged,
	)
	return nil
}

// ConfigView returns a copy of the live config.
func (e *Engine) ConfigView() config.Config {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	return *e.cfg
}
