// Package marketdata maintains the rolling statistics window for the pair
// and produces MarketSnapshots for the signal worker.
//
// The window holds the last W bar closes of both symbols at the configured
// bar interval. The tail bar is overwritten in place with the latest bid
// on every update and rolled forward when the bar closes, so the window is
// a true rolling window rather than an append-only series.
//
// Statistics per snapshot:
//
//	hedge_ratio = rolling OLS beta of primary on secondary (per bar)
//	spread      = primary − hedge_ratio × secondary
//	zscore      = (spread − mean(spread)) / std(spread), 0 when std < ε
//
// The volume rebalancer uses the identical sign convention for lot
// imbalance; the two formulas must never diverge.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"pairtrade-engine/internal/broker"
	"pairtrade-engine/internal/config"
	"pairtrade-engine/pkg/types"
)

// ErrInsufficientHistory reports that the broker returned fewer bars than
// the window needs; the engine must not trade without a full window.
var ErrInsufficientHistory = errors.New("marketdata: insufficient history")

// stdEpsilon guards the z-score against a degenerate flat window.
const stdEpsilon = 1e-9

// Collector owns the rolling window and the latest quotes for both legs.
type Collector struct {
	broker broker.Broker
	pair   config.PairConfig
	model  config.ModelConfig
	logger *slog.Logger

	mu            sync.Mutex
	primary       []float64 // bar closes, oldest first, tail = current bar
	secondary     []float64
	barStart      time.Time
	hedgeRatio    float64
	primaryTick   types.Tick
	secondaryTick types.Tick
}

// New creates a collector. Bootstrap must run before Snapshot.
func New(b broker.Broker, pair config.PairConfig, model config.ModelConfig, logger *slog.Logger) *Collector {
	return &Collector{
		broker: b,
		pair:   pair,
		model:  model,
		logger: logger.With("component", "collector"),
	}
}

// Bootstrap populates the window with historical bars from the broker.
// Fails with ErrInsufficientHistory when fewer than W bars are available.
func (c *Collector) Bootstrap(ctx context.Context) error {
	w := c.model.WindowBars

	// Request more than W so broker-side gaps still leave a full window.
	count := w * 2
	primBars, err := c.broker.Bars(ctx, c.pair.PrimarySymbol, c.model.BarInterval, count)
	if err != nil {
		return fmt.Errorf("bootstrap %s: %w", c.pair.PrimarySymbol, err)
	}
	secBars, err := c.broker.Bars(ctx, c.pair.SecondarySymbol, c.model.BarInterval, count)
	if err != nil {
		return fmt.Errorf("bootstrap %s: %w", c.pair.SecondarySymbol, err)
	}

	n := len(primBars)
	if len(secBars) < n {
		n = len(secBars)
	}
	if n < w {
		return fmt.Errorf("%w: have %d bars, need %d", ErrInsufficientHistory, n, w)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.primary = make([]float64, w)
	c.secondary = make([]float64, w)
	for i := 0; i < w; i++ {
		c.primary[i] = primBars[len(primBars)-w+i].Close
		c.secondary[i] = secBars[len(secBars)-w+i].Close
	}
	c.barStart = primBars[len(primBars)-1].Time
	c.hedgeRatio = regressBeta(c.secondary, c.primary)

	c.logger.Info("window bootstrapped",
		"bars", w,
		"hedge_ratio", c.hedgeRatio,
		"last_bar", c.barStart,
	)
	return nil
}

// ApplyTick records a quote from the streaming feed.
func (c *Collector) ApplyTick(t types.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch t.Symbol {
	case c.pair.PrimarySymbol:
		c.primaryTick = t
	case c.pair.SecondarySymbol:
		c.secondaryTick = t
	}
}

// Snapshot overwrites the current bar close with the latest bid, rolls the
// bar forward if the interval elapsed, recomputes statistics, and returns
// an immutable snapshot. Quotes are fetched over REST when the streaming
// feed has not delivered any.
func (c *Collector) Snapshot(ctx context.Context) (types.MarketSnapshot, error) {
	if err := c.refreshQuotes(ctx); err != nil {
		return types.MarketSnapshot{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.primary) == 0 {
		return types.MarketSnapshot{}, fmt.Errorf("%w: window not bootstrapped", ErrInsufficientHistory)
	}

	now := time.Now()

	// Roll the window forward when the current bar closed, once per
	// elapsed interval so a stall does not leave stale bar boundaries.
	// Gap bars carry the latest bid; beta is re-estimated after the roll.
	if elapsed := now.Sub(c.barStart); elapsed >= c.model.BarInterval {
		steps := int(elapsed / c.model.BarInterval)
		if steps > len(c.primary) {
			steps = len(c.primary)
		}
		for i := 0; i < steps; i++ {
			copy(c.primary, c.primary[1:])
			copy(c.secondary, c.secondary[1:])
			c.primary[len(c.primary)-1] = c.primaryTick.Bid
			c.secondary[len(c.secondary)-1] = c.secondaryTick.Bid
		}
		c.barStart = now.Truncate(c.model.BarInterval)
		// A fully carried-forward window has no secondary variance and no
		// regression slope; keep the previous beta until prices move.
		if beta := regressBeta(c.secondary, c.primary); !math.IsNaN(beta) {
			c.hedgeRatio = beta
		}
	} else {
		// In-place tail update until the bar closes
		c.primary[len(c.primary)-1] = c.primaryTick.Bid
		c.secondary[len(c.secondary)-1] = c.secondaryTick.Bid
	}

	beta := c.hedgeRatio
	spreads := make([]float64, len(c.primary))
	for i := range c.primary {
		spreads[i] = c.primary[i] - beta*c.secondary[i]
	}
	mean, std := stat.MeanStdDev(spreads, nil)

	spread := c.primaryTick.Bid - beta*c.secondaryTick.Bid
	z := 0.0
	if std >= stdEpsilon {
		z = (spread - mean) / std
	}

	return types.MarketSnapshot{
		Time:         now,
		PrimaryBid:   c.primaryTick.Bid,
		PrimaryAsk:   c.primaryTick.Ask,
		SecondaryBid: c.secondaryTick.Bid,
		SecondaryAsk: c.secondaryTick.Ask,
		Spread:       spread,
		SpreadMean:   mean,
		SpreadStd:    std,
		ZScore:       z,
		HedgeRatio:   beta,
	}, nil
}

// HedgeRatio returns the current rolling beta.
func (c *Collector) HedgeRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hedgeRatio
}

// Run produces snapshots at the model update interval until ctx is done.
// Enqueue is non-blocking: when the signal worker is behind, the stale
// snapshot is dropped in favour of the next one.
func (c *Collector) Run(ctx context.Context, ticks <-chan types.Tick, out chan<- types.MarketSnapshot) {
	ticker := time.NewTicker(c.model.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case t, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			c.ApplyTick(t)

		case <-ticker.C:
			snap, err := c.Snapshot(ctx)
			if err != nil {
				c.logger.Warn("snapshot failed", "error", err)
				continue
			}
			select {
			case out <- snap:
			default:
				c.logger.Debug("snapshot queue full, dropping")
			}
		}
	}
}

// refreshQuotes pulls quotes over REST for any leg the feed has not
// covered yet, or when the streamed quote is older than two update
// intervals.
func (c *Collector) refreshQuotes(ctx context.Context) error {
	c.mu.Lock()
	primStale := c.primaryTick.Bid <= 0 || time.Since(c.primaryTick.Time) > 2*c.model.UpdateInterval
	secStale := c.secondaryTick.Bid <= 0 || time.Since(c.secondaryTick.Time) > 2*c.model.UpdateInterval
	c.mu.Unlock()

	if primStale {
		t, err := c.broker.SymbolTick(ctx, c.pair.PrimarySymbol)
		if err != nil {
			return fmt.Errorf("refresh primary: %w", err)
		}
		if t.Time.IsZero() {
			t.Time = time.Now()
		}
		c.ApplyTick(t)
	}
	if secStale {
		t, err := c.broker.SymbolTick(ctx, c.pair.SecondarySymbol)
		if err != nil {
			return fmt.Errorf("refresh secondary: %w", err)
		}
		if t.Time.IsZero() {
			t.Time = time.Now()
		}
		c.ApplyTick(t)
	}
	return nil
}

// regressBeta estimates the OLS slope of primary on secondary.
func regressBeta(secondary, primary []float64) float64 {
	_, beta := stat.LinearRegression(secondary, primary, nil, false)
	return beta
}
