package executor

import (
	"fmt"
	"math"
	"sync"
	"time"

	"pairtrade-engine/internal/config"
	"pairtrade-engine/pkg/types"
)

// Rebalancer detects hedge-ratio drift and proposes a single-leg
// correction. Lot imbalance uses the same sign convention as the price
// spread, imbalance = primary_lots − β × secondary_lots; the two formulas
// diverging was a historical bug and must stay algebraically identical.
type Rebalancer struct {
	cfg             config.RebalancerConfig
	primarySymbol   string
	secondarySymbol string

	mu             sync.Mutex
	lastAdjustment map[string]time.Time
}

// NewRebalancer creates a rebalancer for the configured pair.
func NewRebalancer(cfg config.RebalancerConfig, pair config.PairConfig) *Rebalancer {
	return &Rebalancer{
		cfg:             cfg,
		primarySymbol:   pair.PrimarySymbol,
		secondarySymbol: pair.SecondarySymbol,
		lastAdjustment:  make(map[string]time.Time),
	}
}

// Imbalance computes primary_lots − β × secondary_lots. Zero means a
// clean hedge.
func Imbalance(primaryLots, secondaryLots, hedgeRatio float64) float64 {
	return primaryLots - hedgeRatio*secondaryLots
}

// CheckVolumeImbalance returns a one-shot adjustment when the imbalance
// exceeds the threshold and the per-spread throttle interval elapsed,
// nil otherwise. Leg lots must come from the broker view, not the
// grid's own bookkeeping, or externally changed volumes go unnoticed.
// The returned order targets the leg whose correction moves the fewest
// lots.
func (r *Rebalancer) CheckVolumeImbalance(
	state *types.SpreadEntryState,
	hedgeRatio, zScore, primaryLots, secondaryLots float64,
	now time.Time,
) *types.VolumeAdjustment {
	imb := Imbalance(primaryLots, secondaryLots, hedgeRatio)
	if math.Abs(imb) < r.cfg.VolumeImbalanceThreshold {
		return nil
	}

	r.mu.Lock()
	last, seen := r.lastAdjustment[state.SpreadID]
	r.mu.Unlock()
	if seen && now.Sub(last) < r.cfg.MinAdjustmentInterval {
		return nil
	}

	// Zeroing the imbalance needs |imb| lots on the primary leg or
	// |imb|/β lots on the secondary; take the smaller movement.
	primaryQty := math.Abs(imb)
	secondaryQty := primaryQty / hedgeRatio

	adj := &types.VolumeAdjustment{
		SpreadID: state.SpreadID,
		OldHedge: state.TotalPrimaryLots / math.Max(state.TotalSecondaryLots, 1e-9),
		NewHedge: hedgeRatio,
		Reason: fmt.Sprintf("imbalance %.4f exceeds threshold %.4f at z %.2f",
			imb, r.cfg.VolumeImbalanceThreshold, zScore),
	}

	// Growing a leg means ordering in its holding direction; shrinking
	// means the opposite. Positive imbalance: the secondary leg is light
	// relative to beta (grow it) or the primary is heavy (shrink it).
	primHold, secHold := legActions(state.Side)
	if secondaryQty <= primaryQty {
		adj.Symbol = r.secondarySymbol
		adj.Quantity = secondaryQty
		if imb > 0 {
			adj.Action = secHold
		} else {
			adj.Action = oppositeAction(secHold)
		}
	} else {
		adj.Symbol = r.primarySymbol
		adj.Quantity = primaryQty
		if imb > 0 {
			adj.Action = oppositeAction(primHold)
		} else {
			adj.Action = primHold
		}
	}
	return adj
}

func oppositeAction(a types.OrderAction) types.OrderAction {
	if a == types.BUY {
		return types.SELL
	}
	return types.BUY
}

// MarkAdjusted records a successful adjustment for the throttle.
func (r *Rebalancer) MarkAdjusted(spreadID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAdjustment[spreadID] = at
}

// LastAdjustment returns the time of the last successful adjustment.
func (r *Rebalancer) LastAdjustment(spreadID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastAdjustment[spreadID]
	return t, ok
}

// Forget drops throttle state for a closed spread.
func (r *Rebalancer) Forget(spreadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastAdjustment, spreadID)
}
