package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pairtrade-engine/internal/config"
	"pairtrade-engine/pkg/types"
)

// stubBroker serves a fixed position list for recovery tests.
type stubBroker struct {
	positions []types.BrokerPosition
}

func (s *stubBroker) Initialize(ctx context.Context) error { return nil }
func (s *stubBroker) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	return types.AccountInfo{}, nil
}
func (s *stubBroker) SymbolInfo(ctx context.Context, symbol string) (types.SymbolSpec, error) {
	return types.SymbolSpec{Symbol: symbol}, nil
}
func (s *stubBroker) SymbolTick(ctx context.Context, symbol string) (types.Tick, error) {
	return types.Tick{}, nil
}
func (s *stubBroker) Bars(ctx context.Context, symbol string, interval time.Duration, count int) ([]types.Bar, error) {
	return nil, nil
}
func (s *stubBroker) Positions(ctx context.Context, magic int64) ([]types.BrokerPosition, error) {
	return s.positions, nil
}
func (s *stubBroker) Deals(ctx context.Context, from, to time.Time) ([]types.Deal, error) {
	return nil, nil
}
func (s *stubBroker) OrderSend(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	return types.OrderResult{}, nil
}
func (s *stubBroker) ClosePosition(ctx context.Context, ticket int64) error { return nil }

func recoveryTrading() config.TradingConfig {
	return config.TradingConfig{
		EntryThreshold: 2.0,
		ExitThreshold:  0.5,
		ScaleInterval:  0.5,
		StopLossZScore: 4.0,
		MaxEntries:     5,
	}
}

func twoLegs() map[string]types.PersistedPosition {
	return map[string]types.PersistedPosition{
		"p1": {PositionID: "p1", SpreadID: "s1", BrokerTicket: 1001, Symbol: "XAUUSD", Action: types.BUY, Volume: 0.02, EntryZScore: -2.2, IsPrimary: true},
		"p2": {PositionID: "p2", SpreadID: "s1", BrokerTicket: 1002, Symbol: "XAGUSD", Action: types.SELL, Volume: 0.01, EntryZScore: -2.2},
	}
}

func TestRecoverIdleWithoutFlag(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, _ := Open(dir)
	flag := OpenFlag(dir)

	result, err := Recover(context.Background(), st, flag, &stubBroker{}, 777, recoveryTrading(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.States) != 0 || len(result.Positions) != 0 || result.CloseRemaining {
		t.Errorf("want clean idle, got %+v", result)
	}
}

func TestRecoverClearsStaleFlag(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, _ := Open(dir)
	flag := OpenFlag(dir)
	if err := flag.Set("s1"); err != nil {
		t.Fatal(err)
	}

	result, err := Recover(context.Background(), st, flag, &stubBroker{}, 777, recoveryTrading(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.States) != 0 {
		t.Error("stale flag must not restore states")
	}
	got, err := flag.Get()
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Error("stale flag should be cleared")
	}
}

func TestRecoverFullRestore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, _ := Open(dir)
	flag := OpenFlag(dir)

	if err := st.SavePositions(twoLegs()); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveSpreadStates(map[string]*types.SpreadEntryState{
		"s1": {SpreadID: "s1", Side: types.LONG, LastZEntry: -2.7, NextZEntry: -3.2, EntryCount: 2, TotalPrimaryLots: 0.02, TotalSecondaryLots: 0.01},
	}); err != nil {
		t.Fatal(err)
	}
	if err := flag.Set("s1"); err != nil {
		t.Fatal(err)
	}

	b := &stubBroker{positions: []types.BrokerPosition{
		{Ticket: 1001, Symbol: "XAUUSD"},
		{Ticket: 1002, Symbol: "XAGUSD"},
	}}

	result, err := Recover(context.Background(), st, flag, b, 777, recoveryTrading(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if result.CloseRemaining {
		t.Error("full restore must not request a close")
	}
	state, ok := result.States["s1"]
	if !ok {
		t.Fatal("state s1 missing")
	}
	// The ladder position survives the restart exactly.
	if state.LastZEntry != -2.7 || state.NextZEntry != -3.2 || state.EntryCount != 2 {
		t.Errorf("restored ladder = %+v", state)
	}
	if len(result.Positions) != 2 {
		t.Errorf("restored legs = %d, want 2", len(result.Positions))
	}
}

func TestRecoverAllClosedOffline(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, _ := Open(dir)
	flag := OpenFlag(dir)

	if err := st.SavePositions(twoLegs()); err != nil {
		t.Fatal(err)
	}
	if err := flag.Set("s1"); err != nil {
		t.Fatal(err)
	}

	// Broker has nothing: everything was closed while we were down.
	result, err := Recover(context.Background(), st, flag, &stubBroker{}, 777, recoveryTrading(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.States) != 0 || result.CloseRemaining {
		t.Errorf("want idle result, got %+v", result)
	}

	got, _ := flag.Get()
	if got.Active {
		t.Error("flag should be cleared")
	}
	positions, _ := st.LoadPositions()
	if len(positions) != 0 {
		t.Error("position file should be reset")
	}
	entries, err := os.ReadDir(filepath.Join(dir, "positions", "history"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("archive files = %d, want 1", len(entries))
	}
}

func TestRecoverPartialHedgeFailsClosed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, _ := Open(dir)
	flag := OpenFlag(dir)

	if err := st.SavePositions(twoLegs()); err != nil {
		t.Fatal(err)
	}
	if err := flag.Set("s1"); err != nil {
		t.Fatal(err)
	}

	// Only the primary leg survived: an incomplete hedge.
	b := &stubBroker{positions: []types.BrokerPosition{{Ticket: 1001, Symbol: "XAUUSD"}}}

	result, err := Recover(context.Background(), st, flag, b, 777, recoveryTrading(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !result.CloseRemaining {
		t.Error("incomplete hedge must fail closed")
	}
	if len(result.States) != 0 || len(result.Positions) != 0 {
		t.Error("incomplete hedge must not restore state")
	}
}

func TestRecoverMigratesLegacyState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, _ := Open(dir)
	flag := OpenFlag(dir)

	if err := st.SavePositions(twoLegs()); err != nil {
		t.Fatal(err)
	}
	if err := flag.Set("s1"); err != nil {
		t.Fatal(err)
	}
	// Pre-state-file deployments persisted only the last entry z-score.
	legacy, _ := json.Marshal(legacyLadderFile{Side: types.LONG, LastZEntry: -2.7})
	if err := os.WriteFile(filepath.Join(dir, "state", "last_z_entry.json"), legacy, 0o600); err != nil {
		t.Fatal(err)
	}

	b := &stubBroker{positions: []types.BrokerPosition{
		{Ticket: 1001, Symbol: "XAUUSD"},
		{Ticket: 1002, Symbol: "XAGUSD"},
	}}

	result, err := Recover(context.Background(), st, flag, b, 777, recoveryTrading(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	state, ok := result.States["s1"]
	if !ok {
		t.Fatal("migrated state missing")
	}
	if state.Side != types.LONG {
		t.Errorf("Side = %q, want LONG (primary leg was a BUY)", state.Side)
	}
	if state.LastZEntry != -2.7 {
		t.Errorf("LastZEntry = %v, want -2.7 from legacy file", state.LastZEntry)
	}
	if state.NextZEntry != -3.2 {
		t.Errorf("NextZEntry = %v, want -3.2", state.NextZEntry)
	}
	if state.TotalPrimaryLots != 0.02 || state.TotalSecondaryLots != 0.01 {
		t.Errorf("lots = (%v, %v)", state.TotalPrimaryLots, state.TotalSecondaryLots)
	}

	// The migrated state is persisted for the next restart.
	onDisk, err := st.LoadSpreadStates()
	if err != nil {
		t.Fatal(err)
	}
	if len(onDisk) != 1 {
		t.Error("migrated state should be saved to the state file")
	}
}
