package executor

import (
	"errors"
	"math"

	"pairtrade-engine/pkg/types"
)

// ErrEntryLocked reports that a spread (or an in-flight first entry)
// already exists, so no new initial entry may be created.
var ErrEntryLocked = errors.New("executor: active spread blocks new entry")

// Grid is the 2-variable pyramiding state machine. For every open spread
// the pair (last_z_entry, next_z_entry) fully describes when the next
// fill fires:
//
//	LONG:  fires when z ≤ next_z_entry; next advances downward on fill
//	SHORT: fires when z ≥ next_z_entry; next advances upward on fill
//
// Because next_z_entry moves strictly further from the mean on every
// fill, oscillation around a prior entry can never re-trigger. The grid
// does not perform I/O; the execution worker drives it and persists every
// mutation.
//
// Not safe for concurrent use; callers hold the executor mutex.
type Grid struct {
	states   map[string]*types.SpreadEntryState
	sentinel map[types.SpreadSide]bool // in-flight initial entries
}

// NewGrid creates an empty grid.
func NewGrid() *Grid {
	return &Grid{
		states:   make(map[string]*types.SpreadEntryState),
		sentinel: make(map[types.SpreadSide]bool),
	}
}

// Restore replaces the state map (startup recovery).
func (g *Grid) Restore(states map[string]*types.SpreadEntryState) {
	g.states = make(map[string]*types.SpreadEntryState, len(states))
	for id, s := range states {
		g.states[id] = s.Clone()
	}
}

// States returns a deep copy of the state map for persistence and status.
func (g *Grid) States() map[string]*types.SpreadEntryState {
	out := make(map[string]*types.SpreadEntryState, len(g.states))
	for id, s := range g.states {
		out[id] = s.Clone()
	}
	return out
}

// Active returns the single active state, or nil when flat. The engine
// trades one pair, so at most one spread is open at a time.
func (g *Grid) Active() *types.SpreadEntryState {
	for _, s := range g.states {
		return s
	}
	return nil
}

// Empty reports whether no state and no sentinel exists.
func (g *Grid) Empty() bool {
	return len(g.states) == 0 && len(g.sentinel) == 0
}

// ClassifyEntry maps a z-score to the spread side an initial entry would
// take, or "" when |z| is inside the entry threshold. A z below
// −threshold means the spread is cheap: buy primary, sell secondary.
func ClassifyEntry(z, entryThreshold float64) types.SpreadSide {
	switch {
	case z < -entryThreshold:
		return types.LONG
	case z > entryThreshold:
		return types.SHORT
	default:
		return ""
	}
}

// ReserveEntry inserts the in-memory sentinel for an initial entry so a
// concurrent snapshot cannot race into a second first entry while orders
// are in flight. Fails when any state or sentinel already exists.
func (g *Grid) ReserveEntry(side types.SpreadSide) error {
	if !g.Empty() {
		return ErrEntryLocked
	}
	g.sentinel[side] = true
	return nil
}

// ReleaseEntry removes the sentinel after a failed order submission.
func (g *Grid) ReleaseEntry(side types.SpreadSide) {
	delete(g.sentinel, side)
}

// CommitEntry replaces the sentinel with the real state after the first
// fill. next_z_entry starts one scale interval beyond the fill z.
func (g *Grid) CommitEntry(
	spreadID string,
	side types.SpreadSide,
	z, scaleInterval, primaryLots, secondaryLots, spreadMean float64,
) *types.SpreadEntryState {
	delete(g.sentinel, side)

	state := &types.SpreadEntryState{
		SpreadID:             spreadID,
		Side:                 side,
		LastZEntry:           z,
		NextZEntry:           nextZ(side, z, scaleInterval),
		EntryCount:           1,
		TotalPrimaryLots:     primaryLots,
		TotalSecondaryLots:   secondaryLots,
		FirstEntrySpreadMean: spreadMean,
	}
	g.states[spreadID] = state
	return state
}

// ShouldPyramid reports whether the current z-score fires the next rung.
// Ties fire (non-strict comparison). Pyramids are blocked once the entry
// count or the stop-loss z-score is reached.
func ShouldPyramid(state *types.SpreadEntryState, z float64, maxEntries int, stopLossZ float64) bool {
	if state.EntryCount >= maxEntries {
		return false
	}
	if math.Abs(z) >= stopLossZ {
		return false
	}
	if state.Side == types.LONG {
		return z <= state.NextZEntry
	}
	return z >= state.NextZEntry
}

// BeginPyramid tentatively advances the ladder before order submission,
// returning the pre-image for rollback. Advancing first means a transient
// duplicate snapshot cannot fire the same rung twice while the order is
// in flight.
func (g *Grid) BeginPyramid(spreadID string, z, scaleInterval float64) (prev *types.SpreadEntryState, ok bool) {
	state, found := g.states[spreadID]
	if !found {
		return nil, false
	}
	prev = state.Clone()
	state.LastZEntry = z
	state.NextZEntry = nextZ(state.Side, z, scaleInterval)
	return prev, true
}

// RollbackPyramid restores the pre-image after a failed submission.
func (g *Grid) RollbackPyramid(spreadID string, prev *types.SpreadEntryState) {
	if _, found := g.states[spreadID]; found {
		g.states[spreadID] = prev
	}
}

// FinalizePyramid completes a filled pyramid: bumps the entry count and
// the cumulative lots.
func (g *Grid) FinalizePyramid(spreadID string, primaryLots, secondaryLots float64) *types.SpreadEntryState {
	state, found := g.states[spreadID]
	if !found {
		return nil
	}
	state.EntryCount++
	state.TotalPrimaryLots += primaryLots
	state.TotalSecondaryLots += secondaryLots
	return state
}

// Remove deletes a state on exit.
func (g *Grid) Remove(spreadID string) {
	delete(g.states, spreadID)
}

// Reset drops all states and sentinels (close-all, manual closure).
func (g *Grid) Reset() {
	g.states = make(map[string]*types.SpreadEntryState)
	g.sentinel = make(map[types.SpreadSide]bool)
}

// Rescale recomputes next_z_entry for every active state after a runtime
// scale-interval change, preserving last_z_entry.
func (g *Grid) Rescale(scaleInterval float64) {
	for _, state := range g.states {
		state.NextZEntry = nextZ(state.Side, state.LastZEntry, scaleInterval)
	}
}

func nextZ(side types.SpreadSide, last, scaleInterval float64) float64 {
	if side == types.LONG {
		return last - scaleInterval
	}
	return last + scaleInterval
}
