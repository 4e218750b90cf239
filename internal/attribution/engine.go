// Package attribution decomposes floating P&L into sources.
//
// The broker's reported P&L is authoritative; attribution explains it.
// Components always sum to the broker figure because the directional
// residual absorbs whatever the model cannot assign:
//
//	convergence       spread moving back toward the rolling mean
//	mean drift        the rolling mean itself moving since entry
//	directional       residual market exposure (residual bucket)
//	hedge imbalance   P&L from unhedged primary-equivalent lots
//	costs             bid/ask spreads plus round-trip commission
//	slippage          0, fills are recorded at the broker fill price
//	rebalance alpha   0, corrections are hedge maintenance, not alpha
//
// A spread paying off mostly through the directional bucket is not doing
// statistical arbitrage anymore; the optional kill switch flattens it.
package attribution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"pairtrade-engine/internal/broker"
	"pairtrade-engine/internal/config"
	"pairtrade-engine/internal/executor"
	"pairtrade-engine/internal/monitor"
	"pairtrade-engine/pkg/types"
)

// directionalKillShare triggers the kill switch when the directional
// bucket explains more than this share of the decomposition while the
// z-score keeps diverging.
const directionalKillShare = 0.8

// Report is one attribution pass over a single spread.
type Report struct {
	SpreadID       string    `json:"spread_id"`
	BrokerPnL      float64   `json:"broker_pnl"`
	Convergence    float64   `json:"convergence"`
	MeanDrift      float64   `json:"mean_drift"`
	Directional    float64   `json:"directional"`
	HedgeImbalance float64   `json:"hedge_imbalance"`
	Costs          float64   `json:"costs"`
	Slippage       float64   `json:"slippage"`
	RebalanceAlpha float64   `json:"rebalance_alpha"`
	HedgeQuality   float64   `json:"hedge_quality"`   // [0,1], 1 = perfectly hedged
	StrategyPurity float64   `json:"strategy_purity"` // convergence share of the gross
	ZScore         float64   `json:"zscore"`
	Time           time.Time `json:"time"`
}

// Engine runs periodic attribution passes.
type Engine struct {
	broker  broker.Broker
	worker  *executor.Worker
	monitor *monitor.Monitor
	alerts  executor.AlertSink
	logger  *slog.Logger

	primarySymbol    string
	secondarySymbol  string
	commissionPerLot float64
	interval         time.Duration

	mu         sync.Mutex
	killSwitch bool
	latest     types.MarketSnapshot
	haveSnap   bool
	lastZ      map[string]float64
	reports    map[string]Report
}

// NewEngine creates the attribution engine.
func NewEngine(
	cfg *config.Config,
	b broker.Broker,
	worker *executor.Worker,
	mon *monitor.Monitor,
	alerts executor.AlertSink,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		broker:           b,
		worker:           worker,
		monitor:          mon,
		alerts:           alerts,
		logger:           logger.With("component", "attribution"),
		primarySymbol:    cfg.Pair.PrimarySymbol,
		secondarySymbol:  cfg.Pair.SecondarySymbol,
		commissionPerLot: cfg.Costs.CommissionPerLot,
		interval:         cfg.System.AttributionInterval,
		killSwitch:       cfg.Features.AttributionKillSwitch,
		lastZ:            make(map[string]float64),
		reports:          make(map[string]Report),
	}
}

// SetKillSwitch toggles the directional kill switch at runtime.
func (e *Engine) SetKillSwitch(on bool) {
	e.mu.Lock()
	e.killSwitch = on
	e.mu.Unlock()
}

// Observe records the latest market snapshot. Called from the snapshot
// fan-out, never blocks.
func (e *Engine) Observe(snap types.MarketSnapshot) {
	e.mu.Lock()
	e.latest = snap
	e.haveSnap = true
	e.mu.Unlock()
}

// Reports returns a copy of the last pass per spread.
func (e *Engine) Reports() map[string]Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Report, len(e.reports))
	for id, r := range e.reports {
		out[id] = r
	}
	return out
}

// Run attributes on a fixed cadence until cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("attribution engine started", "interval", e.interval)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("attribution engine stopped")
			return
		case <-ticker.C:
			if err := e.pass(ctx); err != nil {
				e.logger.Error("attribution pass failed", "error", err)
			}
		}
	}
}

func (e *Engine) pass(ctx context.Context) error {
	e.mu.Lock()
	snap := e.latest
	haveSnap := e.haveSnap
	kill := e.killSwitch
	e.mu.Unlock()
	if !haveSnap {
		return nil
	}

	states := e.worker.States()
	if len(states) == 0 {
		e.mu.Lock()
		e.reports = make(map[string]Report)
		e.lastZ = make(map[string]float64)
		e.mu.Unlock()
		return nil
	}
	positions := e.worker.Positions()
	pnl := e.monitor.Status()

	primSpec, err := e.broker.SymbolInfo(ctx, e.primarySymbol)
	if err != nil {
		return err
	}

	for spreadID, state := range states {
		report := e.attribute(spreadID, state, positions, pnl, snap, primSpec)

		e.mu.Lock()
		prevZ, hadZ := e.lastZ[spreadID]
		e.lastZ[spreadID] = snap.ZScore
		e.reports[spreadID] = report
		e.mu.Unlock()

		e.logger.Info("attribution",
			"spread", spreadID,
			"broker_pnl", report.BrokerPnL,
			"convergence", report.Convergence,
			"mean_drift", report.MeanDrift,
			"directional", report.Directional,
			"hedge_imbalance", report.HedgeImbalance,
			"costs", report.Costs,
			"hedge_quality", report.HedgeQuality,
			"purity", report.StrategyPurity,
		)

		if kill && hadZ {
			e.maybeKill(ctx, spreadID, report, prevZ, snap.ZScore)
		}
	}
	return nil
}

// attribute decomposes one spread's floating P&L.
func (e *Engine) attribute(
	spreadID string,
	state *types.SpreadEntryState,
	positions map[string]types.PersistedPosition,
	pnl monitor.Status,
	snap types.MarketSnapshot,
	primSpec types.SymbolSpec,
) Report {
	direction := 1.0
	if state.Side == types.SHORT {
		direction = -1
	}
	contract := primSpec.ContractSize
	if contract <= 0 {
		contract = 1
	}

	// Volume-weighted entry prices per leg.
	var primNotional, primVol, secNotional, secVol float64
	for _, p := range positions {
		if p.SpreadID != spreadID {
			continue
		}
		if p.IsPrimary {
			primNotional += p.EntryPrice * p.Volume
			primVol += p.Volume
		} else {
			secNotional += p.EntryPrice * p.Volume
			secVol += p.Volume
		}
	}
	if primVol <= 0 {
		return Report{SpreadID: spreadID, Time: time.Now()}
	}
	entryPrimary := primNotional / primVol
	entrySecondary := 0.0
	if secVol > 0 {
		entrySecondary = secNotional / secVol
	}
	entrySpread := entryPrimary - snap.HedgeRatio*entrySecondary

	scale := state.TotalPrimaryLots * contract

	// Total spread move split into mean drift and convergence.
	spreadMove := direction * (snap.Spread - entrySpread) * scale
	meanDrift := direction * (snap.SpreadMean - state.FirstEntrySpreadMean) * scale
	convergence := spreadMove - meanDrift

	// Unhedged primary-equivalent lots riding the primary leg.
	primMid := (snap.PrimaryBid + snap.PrimaryAsk) / 2
	imb := executor.Imbalance(state.TotalPrimaryLots, state.TotalSecondaryLots, snap.HedgeRatio)
	hedgeImbalance := direction * imb * contract * (primMid - entryPrimary)

	// Costs: current half-spread on both legs plus round-trip commission.
	totalLots := state.TotalPrimaryLots + state.TotalSecondaryLots
	costs := (snap.PrimaryAsk-snap.PrimaryBid)*state.TotalPrimaryLots*contract +
		(snap.SecondaryAsk-snap.SecondaryBid)*state.TotalSecondaryLots*contract +
		e.commissionPerLot*totalLots*2

	brokerPnL := pnl.Spreads[spreadID].UnrealizedPnL
	directional := brokerPnL - convergence - meanDrift - hedgeImbalance + costs

	hedgeQuality := 1.0
	if state.TotalPrimaryLots > 0 {
		hedgeQuality = 1 - math.Min(1, math.Abs(imb)/state.TotalPrimaryLots)
	}

	gross := math.Abs(convergence) + math.Abs(meanDrift) + math.Abs(directional) + math.Abs(hedgeImbalance)
	purity := 0.0
	if gross > 0 {
		purity = math.Abs(convergence) / gross
	}

	return Report{
		SpreadID:       spreadID,
		BrokerPnL:      brokerPnL,
		Convergence:    convergence,
		MeanDrift:      meanDrift,
		Directional:    directional,
		HedgeImbalance: hedgeImbalance,
		Costs:          -costs,
		Slippage:       0,
		RebalanceAlpha: 0,
		HedgeQuality:   hedgeQuality,
		StrategyPurity: purity,
		ZScore:         snap.ZScore,
		Time:           time.Now(),
	}
}

// maybeKill flattens a spread whose P&L is dominated by directional
// exposure while the z-score keeps diverging from the mean.
func (e *Engine) maybeKill(ctx context.Context, spreadID string, r Report, prevZ, z float64) {
	gross := math.Abs(r.Convergence) + math.Abs(r.MeanDrift) + math.Abs(r.Directional) + math.Abs(r.HedgeImbalance)
	if gross <= 0 {
		return
	}
	share := math.Abs(r.Directional) / gross
	diverging := math.Abs(z) > math.Abs(prevZ)
	if share <= directionalKillShare || !diverging {
		return
	}

	msg := fmt.Sprintf("spread %s is %.0f%% directional with diverging z (%.2f to %.2f)",
		spreadID, share*100, prevZ, z)
	e.logger.Error("kill switch triggered", "spread", spreadID, "share", share)
	if e.alerts != nil {
		e.alerts.Publish(types.Alert{
			Level:   types.AlertCritical,
			Code:    "attribution_kill",
			Message: msg,
			Time:    time.Now(),
		})
	}
	if err := e.worker.CloseSpread(ctx, spreadID, "attribution kill switch"); err != nil {
		e.logger.Error("kill switch close failed", "spread", spreadID, "error", err)
	}
}
