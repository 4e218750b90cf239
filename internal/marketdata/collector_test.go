package marketdata

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"pairtrade-engine/internal/config"
	"pairtrade-engine/pkg/types"
)

// barBroker serves deterministic bar history: secondary closes count up
// from 1 and the primary tracks 2×secondary + 5 exactly, so the OLS
// hedge ratio is exactly 2 and every windowed spread is exactly 5.
type barBroker struct {
	bars  int
	ticks map[string]types.Tick
}

func (b *barBroker) Initialize(ctx context.Context) error { return nil }
func (b *barBroker) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	return types.AccountInfo{}, nil
}
func (b *barBroker) SymbolInfo(ctx context.Context, symbol string) (types.SymbolSpec, error) {
	return types.SymbolSpec{Symbol: symbol}, nil
}
func (b *barBroker) SymbolTick(ctx context.Context, symbol string) (types.Tick, error) {
	if t, ok := b.ticks[symbol]; ok {
		return t, nil
	}
	return types.Tick{Symbol: symbol, Bid: 1, Ask: 1.1, Time: time.Now()}, nil
}
func (b *barBroker) Bars(ctx context.Context, symbol string, interval time.Duration, count int) ([]types.Bar, error) {
	n := b.bars
	if count < n {
		n = count
	}
	now := time.Now()
	out := make([]types.Bar, n)
	for i := 0; i < n; i++ {
		sec := float64(i + 1)
		px := sec
		if symbol == "XAUUSD" {
			px = 2*sec + 5
		}
		out[i] = types.Bar{
			Time:  now.Add(-time.Duration(n-1-i) * interval),
			Close: px,
		}
	}
	return out, nil
}
func (b *barBroker) Positions(ctx context.Context, magic int64) ([]types.BrokerPosition, error) {
	return nil, nil
}
func (b *barBroker) Deals(ctx context.Context, from, to time.Time) ([]types.Deal, error) {
	return nil, nil
}
func (b *barBroker) OrderSend(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	return types.OrderResult{}, nil
}
func (b *barBroker) ClosePosition(ctx context.Context, ticket int64) error { return nil }

func testCollector(bars int) (*Collector, *barBroker) {
	b := &barBroker{bars: bars, ticks: map[string]types.Tick{}}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c := New(b,
		config.PairConfig{PrimarySymbol: "XAUUSD", SecondarySymbol: "XAGUSD"},
		config.ModelConfig{WindowBars: 4, BarInterval: time.Hour, UpdateInterval: 5 * time.Second},
		logger,
	)
	return c, b
}

func TestBootstrapInsufficientHistory(t *testing.T) {
	t.Parallel()
	c, _ := testCollector(2) // window needs 4
	err := c.Bootstrap(context.Background())
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Errorf("err = %v, want ErrInsufficientHistory", err)
	}
}

func TestBootstrapEstimatesHedgeRatio(t *testing.T) {
	t.Parallel()
	c, _ := testCollector(10)
	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := c.HedgeRatio(); math.Abs(got-2.0) > 1e-9 {
		t.Errorf("hedge ratio = %v, want 2.0", got)
	}
}

func TestSnapshotFlatWindowZeroZ(t *testing.T) {
	t.Parallel()
	c, _ := testCollector(10)
	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Quotes on the 2s+5 line keep every windowed spread at 5: the window
	// is flat and the z-score must be 0 (not NaN, not Inf).
	now := time.Now()
	c.ApplyTick(types.Tick{Symbol: "XAUUSD", Bid: 25, Ask: 25.2, Time: now}) // 2×10+5
	c.ApplyTick(types.Tick{Symbol: "XAGUSD", Bid: 10, Ask: 10.1, Time: now})

	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.ZScore != 0 {
		t.Errorf("z = %v, want 0 for a flat window", snap.ZScore)
	}
	if math.Abs(snap.Spread-5) > 1e-9 {
		t.Errorf("spread = %v, want 5", snap.Spread)
	}
	if snap.SpreadStd >= stdEpsilon {
		t.Errorf("std = %v, want below epsilon", snap.SpreadStd)
	}
}

func TestSnapshotZScore(t *testing.T) {
	t.Parallel()
	c, _ := testCollector(10)
	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Every bootstrapped spread is exactly 5. Overwriting the tail with a
	// dislocated quote pair gives tail spread = 24 − 2×10 = 4.
	// spreads = [5 5 5 4]: mean 4.75, sample std 0.5, z = −1.5.
	now := time.Now()
	c.ApplyTick(types.Tick{Symbol: "XAUUSD", Bid: 24, Ask: 24.2, Time: now})
	c.ApplyTick(types.Tick{Symbol: "XAGUSD", Bid: 10, Ask: 10.1, Time: now})

	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(snap.HedgeRatio-2.0) > 1e-9 {
		t.Errorf("hedge ratio = %v, want 2.0", snap.HedgeRatio)
	}
	if math.Abs(snap.Spread-4) > 1e-9 {
		t.Errorf("spread = %v, want 4", snap.Spread)
	}
	if math.Abs(snap.SpreadMean-4.75) > 1e-9 {
		t.Errorf("mean = %v, want 4.75", snap.SpreadMean)
	}
	if math.Abs(snap.ZScore-(-1.5)) > 1e-9 {
		t.Errorf("z = %v, want -1.5", snap.ZScore)
	}
}

// In-place tail updates must not shrink or grow the window.
func TestSnapshotKeepsWindowSize(t *testing.T) {
	t.Parallel()
	c, _ := testCollector(10)
	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for i := 0; i < 5; i++ {
		c.ApplyTick(types.Tick{Symbol: "XAUUSD", Bid: 24 + float64(i), Ask: 25, Time: now})
		c.ApplyTick(types.Tick{Symbol: "XAGUSD", Bid: 10, Ask: 10.1, Time: now})
		if _, err := c.Snapshot(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.primary) != 4 || len(c.secondary) != 4 {
		t.Errorf("window = (%d, %d), want (4, 4)", len(c.primary), len(c.secondary))
	}
}

// A stall spanning several bar intervals rolls the window once per
// elapsed interval, carrying the latest bid into the gap bars.
func TestSnapshotRollsOncePerElapsedInterval(t *testing.T) {
	t.Parallel()
	c, _ := testCollector(10)
	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	c.ApplyTick(types.Tick{Symbol: "XAUUSD", Bid: 24, Ask: 24.2, Time: now})
	c.ApplyTick(types.Tick{Symbol: "XAGUSD", Bid: 10, Ask: 10.1, Time: now})

	// Pretend the last bar opened two and a half intervals ago.
	c.mu.Lock()
	c.barStart = now.Add(-2*time.Hour - 30*time.Minute)
	c.mu.Unlock()

	if _, err := c.Snapshot(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	wantPrim := []float64{23, 25, 24, 24}
	wantSec := []float64{9, 10, 10, 10}
	for i := range wantPrim {
		if c.primary[i] != wantPrim[i] || c.secondary[i] != wantSec[i] {
			t.Fatalf("window = %v / %v, want %v / %v", c.primary, c.secondary, wantPrim, wantSec)
		}
	}
	if time.Since(c.barStart) >= time.Hour {
		t.Errorf("barStart = %v, want advanced to the current bar", c.barStart)
	}
}

// After a stall longer than the whole window the carried-forward prices
// flatten it: the z-score must come back as 0 and the beta must survive
// the degenerate regression.
func TestSnapshotLongStallFlattensWindow(t *testing.T) {
	t.Parallel()
	c, _ := testCollector(10)
	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	c.ApplyTick(types.Tick{Symbol: "XAUUSD", Bid: 24, Ask: 24.2, Time: now})
	c.ApplyTick(types.Tick{Symbol: "XAGUSD", Bid: 10, Ask: 10.1, Time: now})

	c.mu.Lock()
	c.barStart = now.Add(-100 * time.Hour)
	c.mu.Unlock()

	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.ZScore != 0 {
		t.Errorf("z = %v, want 0 for a fully carried-forward window", snap.ZScore)
	}
	if math.Abs(snap.HedgeRatio-2.0) > 1e-9 {
		t.Errorf("hedge ratio = %v, want the pre-stall 2.0", snap.HedgeRatio)
	}
	if math.Abs(snap.Spread-4) > 1e-9 {
		t.Errorf("spread = %v, want 4", snap.Spread)
	}
}

// When the feed has delivered nothing, quotes come from REST.
func TestSnapshotRESTFallback(t *testing.T) {
	t.Parallel()
	c, b := testCollector(10)
	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.ticks["XAUUSD"] = types.Tick{Symbol: "XAUUSD", Bid: 25, Ask: 25.2, Time: time.Now()}
	b.ticks["XAGUSD"] = types.Tick{Symbol: "XAGUSD", Bid: 10, Ask: 10.1, Time: time.Now()}

	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.PrimaryBid != 25 || snap.SecondaryBid != 10 {
		t.Errorf("quotes = (%v, %v), want REST values (25, 10)", snap.PrimaryBid, snap.SecondaryBid)
	}
}

func TestSnapshotBeforeBootstrapFails(t *testing.T) {
	t.Parallel()
	c, _ := testCollector(10)
	if _, err := c.Snapshot(context.Background()); !errors.Is(err, ErrInsufficientHistory) {
		t.Errorf("err = %v, want ErrInsufficientHistory", err)
	}
}
