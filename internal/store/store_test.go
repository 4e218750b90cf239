package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pairtrade-engine/pkg/types"
)

func TestSpreadStatesRoundTrip(t *testing.T) {
	t.Parallel()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	states := map[string]*types.SpreadEntryState{
		"T1001_1002": {
			SpreadID:             "T1001_1002",
			Side:                 types.LONG,
			LastZEntry:           -2.2,
			NextZEntry:           -2.7,
			EntryCount:           2,
			TotalPrimaryLots:     0.02,
			TotalSecondaryLots:   0.01,
			FirstEntrySpreadMean: 12.5,
		},
	}
	if err := st.SaveSpreadStates(states); err != nil {
		t.Fatal(err)
	}

	loaded, err := st.LoadSpreadStates()
	if err != nil {
		t.Fatal(err)
	}
	got, ok := loaded["T1001_1002"]
	if !ok {
		t.Fatal("state missing after reload")
	}
	if got.NextZEntry != -2.7 || got.EntryCount != 2 || got.Side != types.LONG {
		t.Errorf("reloaded state = %+v", got)
	}
}

func TestLoadSpreadStatesMissingFile(t *testing.T) {
	t.Parallel()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	states, err := st.LoadSpreadStates()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 0 {
		t.Errorf("want empty map, got %d entries", len(states))
	}
	if st.HasSpreadStates() {
		t.Error("HasSpreadStates should be false before first save")
	}
}

// Saving an empty map must rewrite the file so a restart never
// resurrects a closed spread.
func TestSaveEmptyStatesOverwrites(t *testing.T) {
	t.Parallel()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := st.SaveSpreadStates(map[string]*types.SpreadEntryState{
		"s1": {SpreadID: "s1", Side: types.SHORT, EntryCount: 1},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveSpreadStates(map[string]*types.SpreadEntryState{}); err != nil {
		t.Fatal(err)
	}

	states, err := st.LoadSpreadStates()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 0 {
		t.Errorf("closed spread resurrected: %d states", len(states))
	}
}

func TestPositionsRoundTripAndSpreadFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	positions := map[string]types.PersistedPosition{
		"p1": {PositionID: "p1", SpreadID: "s1", BrokerTicket: 1001, Symbol: "XAUUSD", Action: types.BUY, Volume: 0.01, IsPrimary: true, EntryTime: time.Now()},
		"p2": {PositionID: "p2", SpreadID: "s1", BrokerTicket: 1002, Symbol: "XAGUSD", Action: types.SELL, Volume: 0.01, EntryTime: time.Now()},
	}
	if err := st.SavePositions(positions); err != nil {
		t.Fatal(err)
	}

	loaded, err := st.LoadPositions()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d positions, want 2", len(loaded))
	}
	if loaded["p1"].BrokerTicket != 1001 {
		t.Errorf("p1 ticket = %d", loaded["p1"].BrokerTicket)
	}

	if _, err := os.Stat(filepath.Join(dir, "positions", "spread_s1.json")); err != nil {
		t.Errorf("per-spread file missing: %v", err)
	}
}

func TestArchiveSpreadMovesToHistory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	legs := []types.PersistedPosition{
		{PositionID: "p1", SpreadID: "s1", BrokerTicket: 1001, Symbol: "XAUUSD", IsPrimary: true},
		{PositionID: "p2", SpreadID: "s1", BrokerTicket: 1002, Symbol: "XAGUSD"},
	}
	if err := st.SavePositions(map[string]types.PersistedPosition{"p1": legs[0], "p2": legs[1]}); err != nil {
		t.Fatal(err)
	}

	if err := st.ArchiveSpread("s1", "exit", legs); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "positions", "spread_s1.json")); !os.IsNotExist(err) {
		t.Error("per-spread file should be removed after archive")
	}
	entries, err := os.ReadDir(filepath.Join(dir, "positions", "history"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("history files = %d, want 1", len(entries))
	}
}

// Atomic writes must not leave .tmp siblings behind.
func TestNoTempFilesLeftBehind(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveSpreadStates(map[string]*types.SpreadEntryState{"s1": {SpreadID: "s1"}}); err != nil {
		t.Fatal(err)
	}

	var tmps []string
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && filepath.Ext(path) == ".tmp" {
			tmps = append(tmps, path)
		}
		return nil
	})
	if len(tmps) != 0 {
		t.Errorf("temp files left behind: %v", tmps)
	}
}
