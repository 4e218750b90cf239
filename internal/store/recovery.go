package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"pairtrade-engine/internal/broker"
	"pairtrade-engine/internal/config"
	"pairtrade-engine/pkg/types"
)

// RecoveryResult tells the engine how to resume after a restart.
type RecoveryResult struct {
	// States and Positions are the restored registries (empty on idle start).
	States    map[string]*types.SpreadEntryState
	Positions map[string]types.PersistedPosition

	// CloseRemaining is set when some persisted legs are missing from the
	// broker: the spread is an incomplete hedge and the caller must close
	// every remaining tagged position (fail-closed).
	CloseRemaining bool

	// Note describes the path taken, for the startup log.
	Note string
}

// Recover reconciles on-disk intent against live broker positions.
//
// The trading lock is deliberately not touched here: it obeys only its
// own session-rollover rule regardless of what happened to positions.
func Recover(
	ctx context.Context,
	st *Store,
	flag *FlagManager,
	b broker.Broker,
	magic int64,
	trading config.TradingConfig,
	logger *slog.Logger,
) (*RecoveryResult, error) {
	logger = logger.With("component", "recovery")

	idle := &RecoveryResult{
		States:    map[string]*types.SpreadEntryState{},
		Positions: map[string]types.PersistedPosition{},
	}

	// Step 1: no active setup means a clean idle start.
	setupFlag, err := flag.Get()
	if err != nil {
		return nil, err
	}
	if !setupFlag.Active {
		idle.Note = "no active setup"
		return idle, nil
	}

	// Step 2: flag set but nothing persisted is a stale flag.
	persisted, err := st.LoadPositions()
	if err != nil {
		return nil, err
	}
	if len(persisted) == 0 {
		if err := flag.Clear(); err != nil {
			return nil, err
		}
		idle.Note = "stale setup flag cleared"
		return idle, nil
	}

	// Step 3: diff persisted intent against broker truth.
	live, err := b.Positions(ctx, magic)
	if err != nil {
		return nil, fmt.Errorf("recovery: %w", err)
	}
	liveTickets := make(map[int64]bool, len(live))
	for _, p := range live {
		liveTickets[p.Ticket] = true
	}

	missing := 0
	for _, p := range persisted {
		if !liveTickets[p.BrokerTicket] {
			missing++
		}
	}

	// Step 4: everything gone while we were down. Archive as closed
	// offline, reset state, and idle. The lock is independent.
	if missing == len(persisted) {
		for spreadID, legs := range groupBySpread(persisted) {
			if err := st.ArchiveSpread(spreadID, "closed_offline", legs); err != nil {
				return nil, err
			}
		}
		if err := st.SaveSpreadStates(map[string]*types.SpreadEntryState{}); err != nil {
			return nil, err
		}
		if err := st.SavePositions(map[string]types.PersistedPosition{}); err != nil {
			return nil, err
		}
		if err := flag.Clear(); err != nil {
			return nil, err
		}
		idle.Note = "all positions closed offline"
		logger.Warn("all persisted positions gone from broker, archived as closed offline",
			"legs", len(persisted))
		return idle, nil
	}

	// Step 6: partial loss. One leg of a hedge is gone; re-opening it at
	// market is deliberately not attempted. Archive and close the rest.
	if missing > 0 {
		for spreadID, legs := range groupBySpread(persisted) {
			if err := st.ArchiveSpread(spreadID, "unhedged", legs); err != nil {
				return nil, err
			}
		}
		if err := st.SaveSpreadStates(map[string]*types.SpreadEntryState{}); err != nil {
			return nil, err
		}
		if err := st.SavePositions(map[string]types.PersistedPosition{}); err != nil {
			return nil, err
		}
		if err := flag.Clear(); err != nil {
			return nil, err
		}
		logger.Error("incomplete hedge detected on recovery, closing remaining positions",
			"persisted", len(persisted),
			"missing", missing,
		)
		return &RecoveryResult{
			States:         map[string]*types.SpreadEntryState{},
			Positions:      map[string]types.PersistedPosition{},
			CloseRemaining: true,
			Note:           "incomplete hedge, fail closed",
		}, nil
	}

	// Step 5: full restore. Grid scalars come from the state file when it
	// exists (preserving the ladder position); otherwise they are rebuilt
	// from the persisted entry z-scores.
	states, err := st.LoadSpreadStates()
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		states = migrateLegacyStates(st, persisted, trading, logger)
		if err := st.SaveSpreadStates(states); err != nil {
			return nil, err
		}
	}

	logger.Info("recovered active setup",
		"spreads", len(states),
		"legs", len(persisted),
	)
	return &RecoveryResult{
		States:    states,
		Positions: persisted,
		Note:      fmt.Sprintf("restored %d spread(s)", len(states)),
	}, nil
}

// legacyLadderFile is the pre-state-file format holding only the last
// entry z-score per side.
type legacyLadderFile struct {
	Side       types.SpreadSide `json:"side"`
	LastZEntry float64          `json:"last_z_entry"`
}

// migrateLegacyStates reconstructs best-effort grid states when the state
// file is absent: one state per spread with entry_count equal to the
// number of primary legs and a conservatively advanced next_z_entry.
func migrateLegacyStates(
	st *Store,
	persisted map[string]types.PersistedPosition,
	trading config.TradingConfig,
	logger *slog.Logger,
) map[string]*types.SpreadEntryState {
	legacy := map[string]legacyLadderFile{}
	if data, err := os.ReadFile(filepath.Join(st.Dir(), "state", "last_z_entry.json")); err == nil {
		var lf legacyLadderFile
		if json.Unmarshal(data, &lf) == nil && lf.Side != "" {
			legacy[string(lf.Side)] = lf
		}
	}

	states := map[string]*types.SpreadEntryState{}
	for spreadID, legs := range groupBySpread(persisted) {
		state := &types.SpreadEntryState{
			SpreadID:   spreadID,
			EntryCount: 1,
		}
		for _, leg := range legs {
			if leg.IsPrimary {
				state.TotalPrimaryLots += leg.Volume
				if leg.Action == types.BUY {
					state.Side = types.LONG
				} else {
					state.Side = types.SHORT
				}
				state.LastZEntry = leg.EntryZScore
			} else {
				state.TotalSecondaryLots += leg.Volume
			}
		}
		if lf, ok := legacy[string(state.Side)]; ok {
			state.LastZEntry = lf.LastZEntry
		}
		if state.Side == types.LONG {
			state.NextZEntry = state.LastZEntry - trading.ScaleInterval
		} else {
			state.NextZEntry = state.LastZEntry + trading.ScaleInterval
		}
		states[spreadID] = state
		logger.Warn("migrated legacy grid state",
			"spread", spreadID,
			"side", state.Side,
			"last_z", state.LastZEntry,
			"next_z", state.NextZEntry,
		)
	}
	return states
}

func groupBySpread(positions map[string]types.PersistedPosition) map[string][]types.PersistedPosition {
	bySpread := make(map[string][]types.PersistedPosition)
	for _, p := range positions {
		bySpread[p.SpreadID] = append(bySpread[p.SpreadID], p)
	}
	return bySpread
}
