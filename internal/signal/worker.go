// Package signal turns market snapshots into trading actions.
//
// The signal worker is the only producer on the action queue. It never
// touches the broker: it classifies each snapshot against the current
// thresholds and the open-spread state, and forwards intent to the
// execution worker. Exit intents preempt everything already queued.
package signal

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"pairtrade-engine/internal/config"
	"pairtrade-engine/internal/executor"
	"pairtrade-engine/pkg/types"
)

// LotsProvider reports broker-observed leg lots for a spread. The
// position monitor implements it.
type LotsProvider interface {
	SpreadLots(spreadID string) (primary, secondary float64, ok bool)
}

// Worker classifies snapshots and enqueues actions.
type Worker struct {
	exec    *executor.Worker
	rebal   *executor.Rebalancer
	lots    LotsProvider
	actions chan types.Action
	logger  *slog.Logger

	mu      sync.Mutex
	trading config.TradingConfig
}

// NewWorker creates the signal worker writing into the given action queue.
func NewWorker(trading config.TradingConfig, exec *executor.Worker, rebal *executor.Rebalancer, lots LotsProvider, actions chan types.Action, logger *slog.Logger) *Worker {
	return &Worker{
		exec:    exec,
		rebal:   rebal,
		lots:    lots,
		actions: actions,
		trading: trading,
		logger:  logger.With("component", "signal"),
	}
}

// UpdateTrading installs new runtime thresholds.
func (w *Worker) UpdateTrading(trading config.TradingConfig) {
	w.mu.Lock()
	w.trading = trading
	w.mu.Unlock()
}

// Run consumes snapshots until the context is cancelled.
func (w *Worker) Run(ctx context.Context, snapshots <-chan types.MarketSnapshot) {
	w.logger.Info("signal worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("signal worker stopped")
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			w.evaluate(snap)
		}
	}
}

// evaluate classifies one snapshot. Exit wins over everything; a volume
// rebalance is only proposed when no entry or exit fires on the same
// snapshot.
func (w *Worker) evaluate(snap types.MarketSnapshot) {
	w.mu.Lock()
	trading := w.trading
	w.mu.Unlock()

	w.exec.ObserveZScore(snap.ZScore)
	open := w.exec.HasOpenSpread()

	// Exit: mean reversion completed.
	if open && math.Abs(snap.ZScore) <= trading.ExitThreshold {
		w.preemptWithExit(snap, "mean reversion complete")
		return
	}

	// Entry or pyramid. The executor re-checks everything under its own
	// lock; the classification here only avoids pointless queue traffic.
	side := executor.ClassifyEntry(snap.ZScore, trading.EntryThreshold)
	if side != "" || open {
		if side == "" && open {
			// Pyramids fire on the grid ladder, not the entry threshold;
			// let the executor decide against next_z_entry.
			if active := w.activeState(); active != nil {
				side = active.Side
			}
		}
		if side != "" {
			w.enqueue(types.Action{
				Kind:     types.ActionEntryOrPyramid,
				Snapshot: snap,
				Entry:    &types.EntryIntent{Side: side},
			})
		}
	}

	// Hedge maintenance. Leg lots come from the monitor's broker view so
	// manual partial closes are seen; the grid totals only cover fills
	// the worker itself made. Before the first poll the grid totals are
	// the only numbers available.
	if active := w.activeState(); active != nil {
		primLots, secLots := active.TotalPrimaryLots, active.TotalSecondaryLots
		if w.lots != nil {
			if p, s, ok := w.lots.SpreadLots(active.SpreadID); ok {
				primLots, secLots = p, s
			}
		}
		adj := w.rebal.CheckVolumeImbalance(active, snap.HedgeRatio, snap.ZScore,
			primLots, secLots, time.Now())
		if adj != nil {
			w.enqueue(types.Action{
				Kind:      types.ActionRebalance,
				Snapshot:  snap,
				Rebalance: adj,
			})
		}
	}
}

func (w *Worker) activeState() *types.SpreadEntryState {
	for _, s := range w.exec.States() {
		return s
	}
	return nil
}

// preemptWithExit drains every pending action and enqueues the exit, so
// a stale entry or rebalance cannot execute after the close decision.
func (w *Worker) preemptWithExit(snap types.MarketSnapshot, reason string) {
	drained := 0
	for {
		select {
		case <-w.actions:
			drained++
		default:
			if drained > 0 {
				w.logger.Info("drained stale actions before exit", "count", drained)
			}
			w.enqueue(types.Action{
				Kind:     types.ActionExit,
				Snapshot: snap,
				Exit:     &types.ExitIntent{Reason: reason},
			})
			return
		}
	}
}

// enqueue drops on a full queue rather than blocking the snapshot loop.
// Snapshots arrive every few seconds, so a dropped action is re-derived
// almost immediately.
func (w *Worker) enqueue(act types.Action) {
	select {
	case w.actions <- act:
	default:
		w.logger.Warn("action queue full, dropping", "kind", act.Kind)
	}
}
