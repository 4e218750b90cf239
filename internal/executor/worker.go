// Package executor drives order placement for the pair-trading engine.
//
// The execution worker consumes Actions from the signal worker and is the
// only component that mutates the grid, the persisted position registry,
// and the setup flag. All three risk layers and the operator API flatten
// positions through the worker so in-memory and on-disk state never
// diverge from broker truth.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairtrade-engine/internal/broker"
	"pairtrade-engine/internal/config"
	"pairtrade-engine/internal/store"
	"pairtrade-engine/pkg/types"
)

// TicketRegistry receives live ticket ownership updates. The risk
// supervisor and the position monitor both implement it; the worker fans
// registrations out to every registry.
type TicketRegistry interface {
	Register(ticket int64, spreadID string)
	Unregister(tickets []int64)
	Reset()
}

// AlertSink receives operator alerts.
type AlertSink interface {
	Publish(a types.Alert)
}

// Worker is the unified execution worker. A single coarse mutex guards
// the grid, the position registry, and the trading parameters; order
// placement happens under the lock so a spread can never double-enter.
type Worker struct {
	broker broker.Broker
	closer *broker.Closer
	st     *store.Store
	flag   *store.FlagManager
	lock   *store.LockManager
	rebal  *Rebalancer
	alerts AlertSink
	logger *slog.Logger

	primarySymbol   string
	secondarySymbol string
	deviation       int
	magic           int64

	mu        sync.Mutex
	trading   config.TradingConfig
	features  config.FeatureConfig
	grid      *Grid
	positions map[string]types.PersistedPosition
	// rearmed gates re-entry when the legacy cooldown feature is on: after
	// an exit the z-score must first return inside the entry threshold.
	rearmed bool

	registries []TicketRegistry
}

// NewWorker creates the execution worker. Registries may be attached
// later with AttachRegistry before Run starts.
func NewWorker(
	cfg *config.Config,
	b broker.Broker,
	closer *broker.Closer,
	st *store.Store,
	flag *store.FlagManager,
	lock *store.LockManager,
	rebal *Rebalancer,
	alerts AlertSink,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		broker:          b,
		closer:          closer,
		st:              st,
		flag:            flag,
		lock:            lock,
		rebal:           rebal,
		alerts:          alerts,
		logger:          logger.With("component", "executor"),
		primarySymbol:   cfg.Pair.PrimarySymbol,
		secondarySymbol: cfg.Pair.SecondarySymbol,
		deviation:       cfg.Broker.Deviation,
		magic:           cfg.Broker.Magic,
		trading:         cfg.Trading,
		features:        cfg.Features,
		grid:            NewGrid(),
		positions:       make(map[string]types.PersistedPosition),
		rearmed:         true,
	}
}

// AttachRegistry adds a ticket registry. Not safe after Run starts.
func (w *Worker) AttachRegistry(r TicketRegistry) {
	w.registries = append(w.registries, r)
}

// Restore installs recovered state before the worker starts and replays
// ticket ownership into the attached registries.
func (w *Worker) Restore(states map[string]*types.SpreadEntryState, positions map[string]types.PersistedPosition) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.grid.Restore(states)
	w.positions = make(map[string]types.PersistedPosition, len(positions))
	for id, p := range positions {
		w.positions[id] = p
		for _, r := range w.registries {
			r.Register(p.BrokerTicket, p.SpreadID)
		}
	}
}

// Run consumes actions until the context is cancelled.
func (w *Worker) Run(ctx context.Context, actions <-chan types.Action) {
	w.logger.Info("execution worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("execution worker stopped")
			return
		case act, ok := <-actions:
			if !ok {
				return
			}
			w.dispatch(ctx, act)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, act types.Action) {
	switch act.Kind {
	case types.ActionExit:
		if err := w.CloseAll(ctx, act.Exit.Reason); err != nil {
			w.logger.Error("exit failed", "error", err)
		}
	case types.ActionEntryOrPyramid:
		if err := w.handleEntry(ctx, act); err != nil {
			w.logger.Error("entry handling failed", "error", err)
		}
	case types.ActionRebalance:
		if err := w.handleRebalance(ctx, act); err != nil {
			w.logger.Error("rebalance failed", "error", err)
		}
	default:
		w.logger.Warn("unknown action kind", "kind", act.Kind)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Entry and pyramid
// ————————————————————————————————————————————————————————————————————————

func (w *Worker) handleEntry(ctx context.Context, act types.Action) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := act.Snapshot
	if active := w.grid.Active(); active != nil {
		return w.tryPyramid(ctx, active, snap)
	}
	return w.tryInitialEntry(ctx, act.Entry.Side, snap)
}

func (w *Worker) tryInitialEntry(ctx context.Context, side types.SpreadSide, snap types.MarketSnapshot) error {
	if !w.lock.CanTrade() {
		w.logger.Debug("entry suppressed, trading locked")
		return nil
	}
	if w.features.LegacyCooldown && !w.rearmed {
		w.logger.Debug("entry suppressed, cooldown not re-armed", "z", snap.ZScore)
		return nil
	}
	if side == "" {
		return nil
	}
	if err := w.grid.ReserveEntry(side); err != nil {
		return nil
	}

	primaryLots, secondaryLots, err := w.sizeEntry(ctx, snap)
	if err != nil {
		w.grid.ReleaseEntry(side)
		return err
	}

	prim, sec, err := w.placeSpread(ctx, side, primaryLots, secondaryLots, snap, "entry")
	if err != nil {
		w.grid.ReleaseEntry(side)
		return err
	}

	spreadID := fmt.Sprintf("T%d_%d", prim.Ticket, sec.Ticket)
	state := w.grid.CommitEntry(spreadID, side, snap.ZScore,
		w.trading.ScaleInterval, prim.Volume, sec.Volume, snap.SpreadMean)

	w.recordFills(spreadID, side, snap, prim, sec)
	if err := w.persistLocked(); err != nil {
		return err
	}
	if err := w.flag.Set(spreadID); err != nil {
		return err
	}

	w.logger.Info("spread opened",
		"spread", spreadID,
		"side", side,
		"z", snap.ZScore,
		"next_z", state.NextZEntry,
		"primary_lots", prim.Volume,
		"secondary_lots", sec.Volume,
	)
	return nil
}

func (w *Worker) tryPyramid(ctx context.Context, state *types.SpreadEntryState, snap types.MarketSnapshot) error {
	if !w.lock.CanTrade() {
		return nil
	}
	if !ShouldPyramid(state, snap.ZScore, w.trading.MaxEntries, w.trading.StopLossZScore) {
		return nil
	}

	prev, ok := w.grid.BeginPyramid(state.SpreadID, snap.ZScore, w.trading.ScaleInterval)
	if !ok {
		return nil
	}

	primaryLots, secondaryLots, err := w.sizeEntry(ctx, snap)
	if err != nil {
		w.grid.RollbackPyramid(state.SpreadID, prev)
		return err
	}

	prim, sec, err := w.placeSpread(ctx, state.Side, primaryLots, secondaryLots, snap,
		fmt.Sprintf("pyramid-%d", state.EntryCount+1))
	if err != nil {
		w.grid.RollbackPyramid(state.SpreadID, prev)
		return err
	}

	st := w.grid.FinalizePyramid(state.SpreadID, prim.Volume, sec.Volume)
	w.recordFills(state.SpreadID, state.Side, snap, prim, sec)
	if err := w.persistLocked(); err != nil {
		return err
	}

	w.logger.Info("pyramid filled",
		"spread", state.SpreadID,
		"entry", st.EntryCount,
		"z", snap.ZScore,
		"next_z", st.NextZEntry,
	)
	return nil
}

// sizeEntry fetches account equity and symbol specs and sizes a hedged
// lot pair for the current snapshot.
func (w *Worker) sizeEntry(ctx context.Context, snap types.MarketSnapshot) (float64, float64, error) {
	account, err := w.broker.AccountInfo(ctx)
	if err != nil {
		return 0, 0, err
	}
	primSpec, err := w.broker.SymbolInfo(ctx, w.primarySymbol)
	if err != nil {
		return 0, 0, err
	}
	secSpec, err := w.broker.SymbolInfo(ctx, w.secondarySymbol)
	if err != nil {
		return 0, 0, err
	}
	mid := (snap.PrimaryBid + snap.PrimaryAsk) / 2
	return SpreadLots(account.Equity, w.trading.InitialFraction, mid, snap.HedgeRatio, primSpec, secSpec)
}

// placeSpread submits both legs. If the secondary leg fails after the
// primary filled, the primary is closed immediately; when that close
// also fails the naked leg is recorded, persisted, and flagged so the
// risk sweeps and restart recovery can resolve it. Caller holds the
// mutex.
func (w *Worker) placeSpread(
	ctx context.Context,
	side types.SpreadSide,
	primaryLots, secondaryLots float64,
	snap types.MarketSnapshot,
	tag string,
) (prim, sec types.OrderResult, err error) {
	primAction, secAction := legActions(side)

	prim, err = w.broker.OrderSend(ctx, types.OrderRequest{
		Symbol:    w.primarySymbol,
		Action:    primAction,
		Volume:    primaryLots,
		Deviation: w.deviation,
		Magic:     w.magic,
		Comment:   "pt-" + tag,
	})
	if err != nil {
		return prim, sec, fmt.Errorf("primary leg: %w", err)
	}

	sec, err = w.broker.OrderSend(ctx, types.OrderRequest{
		Symbol:    w.secondarySymbol,
		Action:    secAction,
		Volume:    secondaryLots,
		Deviation: w.deviation,
		Magic:     w.magic,
		Comment:   "pt-" + tag,
	})
	if err == nil {
		return prim, sec, nil
	}

	// One-leg failure: unwind the naked primary.
	if closeErr := w.broker.ClosePosition(ctx, prim.Ticket); closeErr != nil {
		w.recordStuckLeg(side, snap, prim)
		w.alert(types.AlertCritical, "unhedged_leg",
			fmt.Sprintf("secondary leg failed and primary %d could not be closed: %v", prim.Ticket, closeErr))
		return prim, sec, fmt.Errorf("secondary leg failed, primary %d stuck open: %w", prim.Ticket, err)
	}
	w.alert(types.AlertWarning, "one_leg_rollback",
		fmt.Sprintf("secondary leg rejected, primary %d unwound", prim.Ticket))
	return prim, sec, fmt.Errorf("secondary leg: %w", err)
}

// legActions maps a spread side to per-leg order directions. LONG buys
// the primary and sells the secondary.
func legActions(side types.SpreadSide) (primary, secondary types.OrderAction) {
	if side == types.LONG {
		return types.BUY, types.SELL
	}
	return types.SELL, types.BUY
}

// recordFills registers both legs in the position map and the attached
// registries. Caller holds the mutex.
func (w *Worker) recordFills(
	spreadID string,
	side types.SpreadSide,
	snap types.MarketSnapshot,
	prim, sec types.OrderResult,
) {
	primAction, secAction := legActions(side)
	now := time.Now()

	for _, leg := range []struct {
		res       types.OrderResult
		symbol    string
		action    types.OrderAction
		isPrimary bool
	}{
		{prim, w.primarySymbol, primAction, true},
		{sec, w.secondarySymbol, secAction, false},
	} {
		p := types.PersistedPosition{
			PositionID:   uuid.NewString(),
			SpreadID:     spreadID,
			BrokerTicket: leg.res.Ticket,
			Symbol:       leg.symbol,
			Action:       leg.action,
			Volume:       leg.res.Volume,
			EntryPrice:   leg.res.Price,
			EntryTime:    now,
			EntryZScore:  snap.ZScore,
			HedgeRatio:   snap.HedgeRatio,
			IsPrimary:    leg.isPrimary,
		}
		w.positions[p.PositionID] = p
		for _, r := range w.registries {
			r.Register(p.BrokerTicket, spreadID)
		}
	}
}

// recordStuckLeg registers a naked leg whose unwind failed under a
// synthetic spread id. With the leg persisted, registered, and the
// setup flag set, the risk sweeps see it immediately and a restart
// reconciles it against the broker instead of starting idle. Caller
// holds the mutex.
func (w *Worker) recordStuckLeg(side types.SpreadSide, snap types.MarketSnapshot, prim types.OrderResult) {
	spreadID := fmt.Sprintf("STUCK_%d", prim.Ticket)
	primAction, _ := legActions(side)

	p := types.PersistedPosition{
		PositionID:   uuid.NewString(),
		SpreadID:     spreadID,
		BrokerTicket: prim.Ticket,
		Symbol:       w.primarySymbol,
		Action:       primAction,
		Volume:       prim.Volume,
		EntryPrice:   prim.Price,
		EntryTime:    time.Now(),
		EntryZScore:  snap.ZScore,
		HedgeRatio:   snap.HedgeRatio,
		IsPrimary:    true,
	}
	w.positions[p.PositionID] = p
	for _, r := range w.registries {
		r.Register(p.BrokerTicket, spreadID)
	}

	if err := w.persistLocked(); err != nil {
		w.logger.Error("failed to persist stuck leg", "error", err, "ticket", prim.Ticket)
	}
	if err := w.flag.Set(spreadID); err != nil {
		w.logger.Error("failed to flag stuck leg", "error", err, "ticket", prim.Ticket)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Volume rebalance
// ————————————————————————————————————————————————————————————————————————

func (w *Worker) handleRebalance(ctx context.Context, act types.Action) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	adj := act.Rebalance
	state := w.grid.Active()
	if state == nil || state.SpreadID != adj.SpreadID {
		return nil
	}

	spec, err := w.broker.SymbolInfo(ctx, adj.Symbol)
	if err != nil {
		return err
	}
	lots, err := NormalizeLots(adj.Quantity, spec)
	if err != nil {
		return err
	}

	res, err := w.broker.OrderSend(ctx, types.OrderRequest{
		Symbol:    adj.Symbol,
		Action:    adj.Action,
		Volume:    lots,
		Deviation: w.deviation,
		Magic:     w.magic,
		Comment:   "pt-rebalance",
	})
	if err != nil {
		return fmt.Errorf("rebalance leg: %w", err)
	}

	w.applyRebalanceFill(state, adj, res)
	w.rebal.MarkAdjusted(adj.SpreadID, time.Now())
	if err := w.persistLocked(); err != nil {
		return err
	}

	w.logger.Info("volume rebalanced",
		"spread", adj.SpreadID,
		"symbol", adj.Symbol,
		"action", adj.Action,
		"lots", res.Volume,
		"reason", adj.Reason,
	)
	return nil
}

// applyRebalanceFill updates grid lot totals and the position registry
// for a single-leg correction. An order in the leg's holding direction
// grows the leg; the opposite direction shrinks it.
func (w *Worker) applyRebalanceFill(state *types.SpreadEntryState, adj *types.VolumeAdjustment, res types.OrderResult) {
	primAction, secAction := legActions(state.Side)
	isPrimary := adj.Symbol == w.primarySymbol

	holding := secAction
	if isPrimary {
		holding = primAction
	}
	delta := res.Volume
	if adj.Action != holding {
		delta = -delta
	}
	if isPrimary {
		state.TotalPrimaryLots += delta
	} else {
		state.TotalSecondaryLots += delta
	}

	p := types.PersistedPosition{
		PositionID:   uuid.NewString(),
		SpreadID:     adj.SpreadID,
		BrokerTicket: res.Ticket,
		Symbol:       adj.Symbol,
		Action:       adj.Action,
		Volume:       res.Volume,
		EntryPrice:   res.Price,
		EntryTime:    time.Now(),
		HedgeRatio:   adj.NewHedge,
		IsPrimary:    isPrimary,
	}
	w.positions[p.PositionID] = p
	for _, r := range w.registries {
		r.Register(p.BrokerTicket, adj.SpreadID)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Flatten paths
// ————————————————————————————————————————————————————————————————————————

// CloseAll closes every position under the strategy tag and resets all
// state. Used by the exit signal, the portfolio and daily risk layers,
// and the operator API. The fan-out always runs against broker truth:
// the grid and the position registry are caches that can miss a leg,
// so an internally flat worker still sweeps the broker. When positions
// remain open after two close rounds, state is kept so the next
// attempt retries them.
func (w *Worker) CloseAll(ctx context.Context, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	report, err := w.closer.CloseAllByTag(ctx)
	if err != nil {
		return err
	}
	if report.Remaining > 0 {
		w.alert(types.AlertCritical, "close_all_incomplete",
			fmt.Sprintf("%d position(s) still open after close-all (%s)", report.Remaining, reason))
		return fmt.Errorf("close-all left %d position(s) open", report.Remaining)
	}

	if w.grid.Empty() && len(w.positions) == 0 {
		if len(report.Closed) > 0 {
			w.logger.Warn("closed positions the engine was not tracking",
				"reason", reason,
				"closed", len(report.Closed),
			)
		}
		return nil
	}

	w.logger.Info("all positions closed",
		"reason", reason,
		"closed", len(report.Closed),
	)
	return w.clearAllLocked(reason)
}

// CloseSpread closes one spread's legs only. Used by the per-setup risk
// layer so an unrelated healthy spread survives.
func (w *Worker) CloseSpread(ctx context.Context, spreadID, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var tickets []int64
	for _, p := range w.positions {
		if p.SpreadID == spreadID {
			tickets = append(tickets, p.BrokerTicket)
		}
	}
	if len(tickets) == 0 {
		return nil
	}

	report, err := w.closer.CloseTickets(ctx, tickets)
	if err != nil {
		return err
	}
	if report.Remaining > 0 {
		w.alert(types.AlertCritical, "close_spread_incomplete",
			fmt.Sprintf("spread %s: %d position(s) still open (%s)", spreadID, report.Remaining, reason))
		return fmt.Errorf("spread close left %d position(s) open", report.Remaining)
	}

	w.logger.Info("spread closed", "spread", spreadID, "reason", reason)
	return w.clearSpreadLocked(spreadID, reason)
}

// HandleManualClosure resets state after the risk supervisor observed
// that the operator closed the positions directly at the broker. No
// orders are sent; only bookkeeping is cleaned up.
func (w *Worker) HandleManualClosure(reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.grid.Empty() && len(w.positions) == 0 {
		return nil
	}
	w.logger.Warn("manual closure detected, resetting state", "reason", reason)
	return w.clearAllLocked(reason)
}

// clearAllLocked archives every spread and resets grid, positions, flag,
// registries, and the re-arm gate. Caller holds the mutex.
func (w *Worker) clearAllLocked(reason string) error {
	bySpread := make(map[string][]types.PersistedPosition)
	var tickets []int64
	for _, p := range w.positions {
		bySpread[p.SpreadID] = append(bySpread[p.SpreadID], p)
		tickets = append(tickets, p.BrokerTicket)
	}
	for spreadID, legs := range bySpread {
		if err := w.st.ArchiveSpread(spreadID, reason, legs); err != nil {
			return err
		}
		w.rebal.Forget(spreadID)
	}

	w.grid.Reset()
	w.positions = make(map[string]types.PersistedPosition)
	if w.features.LegacyCooldown {
		w.rearmed = false
	}
	for _, r := range w.registries {
		r.Unregister(tickets)
	}

	if err := w.persistLocked(); err != nil {
		return err
	}
	return w.flag.Clear()
}

// clearSpreadLocked removes one spread's state. Caller holds the mutex.
func (w *Worker) clearSpreadLocked(spreadID, reason string) error {
	var legs []types.PersistedPosition
	var tickets []int64
	for id, p := range w.positions {
		if p.SpreadID == spreadID {
			legs = append(legs, p)
			tickets = append(tickets, p.BrokerTicket)
			delete(w.positions, id)
		}
	}
	if err := w.st.ArchiveSpread(spreadID, reason, legs); err != nil {
		return err
	}
	w.grid.Remove(spreadID)
	w.rebal.Forget(spreadID)
	if w.features.LegacyCooldown {
		w.rearmed = false
	}
	for _, r := range w.registries {
		r.Unregister(tickets)
	}

	if err := w.persistLocked(); err != nil {
		return err
	}
	if w.grid.Empty() {
		return w.flag.Clear()
	}
	return nil
}

// persistLocked writes grid states and positions. Caller holds the mutex.
// A failed write is returned to the caller as fatal for the operation.
func (w *Worker) persistLocked() error {
	if err := w.st.SaveSpreadStates(w.grid.States()); err != nil {
		return err
	}
	return w.st.SavePositions(w.snapshotPositionsLocked())
}

func (w *Worker) snapshotPositionsLocked() map[string]types.PersistedPosition {
	out := make(map[string]types.PersistedPosition, len(w.positions))
	for id, p := range w.positions {
		out[id] = p
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Runtime updates and status
// ————————————————————————————————————————————————————————————————————————

// UpdateTrading installs new runtime trading parameters. When the scale
// interval changed, next_z_entry is recomputed for every active spread
// and the state is persisted.
func (w *Worker) UpdateTrading(trading config.TradingConfig, features config.FeatureConfig, scaleChanged bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trading = trading
	w.features = features
	if !scaleChanged {
		return nil
	}
	w.grid.Rescale(trading.ScaleInterval)
	w.logger.Info("grid rescaled", "scale_interval", trading.ScaleInterval)
	return w.persistLocked()
}

// States returns a deep copy of the grid states.
func (w *Worker) States() map[string]*types.SpreadEntryState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.grid.States()
}

// Positions returns a copy of the persisted position registry.
func (w *Worker) Positions() map[string]types.PersistedPosition {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotPositionsLocked()
}

// TicketsBySpread groups live broker tickets by spread.
func (w *Worker) TicketsBySpread() map[string][]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string][]int64)
	for _, p := range w.positions {
		out[p.SpreadID] = append(out[p.SpreadID], p.BrokerTicket)
	}
	return out
}

// ObserveZScore re-arms the legacy cooldown once the z-score returns
// inside the entry threshold. The signal worker calls this on every
// snapshot, including the quiet ones that produce no action.
func (w *Worker) ObserveZScore(z float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.features.LegacyCooldown || w.rearmed {
		return
	}
	if absF(z) < w.trading.EntryThreshold {
		w.rearmed = true
		w.logger.Info("re-entry armed", "z", z)
	}
}

// HasOpenSpread reports whether any spread is active or in flight.
func (w *Worker) HasOpenSpread() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.grid.Empty()
}

func (w *Worker) alert(level types.AlertLevel, code, msg string) {
	if w.alerts == nil {
		return
	}
	w.alerts.Publish(types.Alert{
		Level:   level,
		Code:    code,
		Message: msg,
		Time:    time.Now(),
	})
	if level == types.AlertCritical {
		w.logger.Error(strings.ToUpper(code), "message", msg)
	}
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
