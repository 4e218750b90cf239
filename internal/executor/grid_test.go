package executor

import (
	"testing"

	"pairtrade-engine/pkg/types"
)

func TestClassifyEntry(t *testing.T) {
	t.Parallel()

	cases := []struct {
		z    float64
		want types.SpreadSide
	}{
		{-2.5, types.LONG},
		{2.5, types.SHORT},
		{1.9, ""},
		{-1.9, ""},
		{2.0, ""}, // threshold itself does not fire
		{0, ""},
	}
	for _, tc := range cases {
		if got := ClassifyEntry(tc.z, 2.0); got != tc.want {
			t.Errorf("ClassifyEntry(%v) = %q, want %q", tc.z, got, tc.want)
		}
	}
}

func TestReserveEntryBlocksSecond(t *testing.T) {
	t.Parallel()
	g := NewGrid()

	if err := g.ReserveEntry(types.LONG); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := g.ReserveEntry(types.LONG); err == nil {
		t.Error("second reserve should fail while sentinel exists")
	}
	if err := g.ReserveEntry(types.SHORT); err == nil {
		t.Error("opposite-side reserve should fail too")
	}

	g.ReleaseEntry(types.LONG)
	if err := g.ReserveEntry(types.SHORT); err != nil {
		t.Errorf("reserve after release: %v", err)
	}
}

func TestCommitEntryLadder(t *testing.T) {
	t.Parallel()
	g := NewGrid()

	if err := g.ReserveEntry(types.LONG); err != nil {
		t.Fatal(err)
	}
	state := g.CommitEntry("s1", types.LONG, -2.2, 0.5, 1.0, 0.5, 10.0)

	if state.LastZEntry != -2.2 {
		t.Errorf("LastZEntry = %v, want -2.2", state.LastZEntry)
	}
	if state.NextZEntry != -2.7 {
		t.Errorf("NextZEntry = %v, want -2.7", state.NextZEntry)
	}
	if state.EntryCount != 1 {
		t.Errorf("EntryCount = %d, want 1", state.EntryCount)
	}
	if state.FirstEntrySpreadMean != 10.0 {
		t.Errorf("FirstEntrySpreadMean = %v, want 10", state.FirstEntrySpreadMean)
	}
	if g.Empty() {
		t.Error("grid should not be empty after commit")
	}

	// SHORT ladder advances upward.
	g2 := NewGrid()
	_ = g2.ReserveEntry(types.SHORT)
	s2 := g2.CommitEntry("s2", types.SHORT, 2.3, 0.5, 1.0, 0.5, 0)
	if s2.NextZEntry != 2.8 {
		t.Errorf("SHORT NextZEntry = %v, want 2.8", s2.NextZEntry)
	}
}

func TestShouldPyramid(t *testing.T) {
	t.Parallel()

	long := &types.SpreadEntryState{
		SpreadID:   "s1",
		Side:       types.LONG,
		LastZEntry: -2.2,
		NextZEntry: -2.7,
		EntryCount: 1,
	}

	cases := []struct {
		name  string
		state *types.SpreadEntryState
		z     float64
		max   int
		stop  float64
		want  bool
	}{
		{"long not reached", long, -2.5, 5, 4.0, false},
		{"long tie fires", long, -2.7, 5, 4.0, true},
		{"long beyond fires", long, -2.9, 5, 4.0, true},
		{"long oscillation back up", long, -2.4, 5, 4.0, false},
		{"max entries block", &types.SpreadEntryState{Side: types.LONG, NextZEntry: -2.7, EntryCount: 5}, -3.0, 5, 4.0, false},
		{"stop loss blocks", long, -4.0, 5, 4.0, false},
		{"short fires upward", &types.SpreadEntryState{Side: types.SHORT, NextZEntry: 2.8, EntryCount: 1}, 2.8, 5, 4.0, true},
		{"short below rung", &types.SpreadEntryState{Side: types.SHORT, NextZEntry: 2.8, EntryCount: 1}, 2.5, 5, 4.0, false},
	}
	for _, tc := range cases {
		if got := ShouldPyramid(tc.state, tc.z, tc.max, tc.stop); got != tc.want {
			t.Errorf("%s: ShouldPyramid = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// The ladder must advance on every fill so oscillation around a filled
// rung cannot re-trigger it.
func TestPyramidOscillationNeverRefires(t *testing.T) {
	t.Parallel()
	g := NewGrid()
	_ = g.ReserveEntry(types.LONG)
	g.CommitEntry("s1", types.LONG, -2.2, 0.5, 1.0, 0.5, 0)

	state := g.Active()
	if !ShouldPyramid(state, -2.7, 5, 4.0) {
		t.Fatal("rung at -2.7 should fire")
	}
	if _, ok := g.BeginPyramid("s1", -2.7, 0.5); !ok {
		t.Fatal("begin pyramid failed")
	}
	g.FinalizePyramid("s1", 1.0, 0.5)

	state = g.Active()
	if state.EntryCount != 2 {
		t.Fatalf("EntryCount = %d, want 2", state.EntryCount)
	}
	if state.NextZEntry != -3.2 {
		t.Fatalf("NextZEntry = %v, want -3.2", state.NextZEntry)
	}

	// Oscillate back and forth over the filled rung.
	for _, z := range []float64{-2.4, -2.8, -2.6, -3.0, -2.7} {
		if ShouldPyramid(state, z, 5, 4.0) {
			t.Errorf("z=%v re-fired a filled rung", z)
		}
	}
	if !ShouldPyramid(state, -3.2, 5, 4.0) {
		t.Error("next rung at -3.2 should fire")
	}
}

func TestBeginPyramidRollback(t *testing.T) {
	t.Parallel()
	g := NewGrid()
	_ = g.ReserveEntry(types.SHORT)
	g.CommitEntry("s1", types.SHORT, 2.3, 0.5, 1.0, 0.5, 0)

	prev, ok := g.BeginPyramid("s1", 2.8, 0.5)
	if !ok {
		t.Fatal("begin pyramid failed")
	}
	// Ladder advanced before the order.
	if got := g.Active().NextZEntry; got != 3.3 {
		t.Fatalf("NextZEntry after begin = %v, want 3.3", got)
	}

	g.RollbackPyramid("s1", prev)
	state := g.Active()
	if state.LastZEntry != 2.3 || state.NextZEntry != 2.8 {
		t.Errorf("rollback left (%v, %v), want (2.3, 2.8)", state.LastZEntry, state.NextZEntry)
	}
	if state.EntryCount != 1 {
		t.Errorf("EntryCount = %d, want 1", state.EntryCount)
	}
}

func TestRescalePreservesLastEntry(t *testing.T) {
	t.Parallel()
	g := NewGrid()
	_ = g.ReserveEntry(types.LONG)
	g.CommitEntry("s1", types.LONG, -2.2, 0.5, 1.0, 0.5, 0)

	g.Rescale(0.3)
	state := g.Active()
	if state.LastZEntry != -2.2 {
		t.Errorf("LastZEntry changed to %v", state.LastZEntry)
	}
	if state.NextZEntry != -2.5 {
		t.Errorf("NextZEntry = %v, want -2.5", state.NextZEntry)
	}
}

func TestStatesReturnsDeepCopies(t *testing.T) {
	t.Parallel()
	g := NewGrid()
	_ = g.ReserveEntry(types.LONG)
	g.CommitEntry("s1", types.LONG, -2.2, 0.5, 1.0, 0.5, 0)

	copy1 := g.States()
	copy1["s1"].NextZEntry = 99
	if g.Active().NextZEntry == 99 {
		t.Error("States() leaked internal pointers")
	}
}
