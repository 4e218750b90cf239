// Package store provides crash-safe persistence for the trading engine.
//
// Four file families live under the data directory:
//
//	state/spread_states.json       — grid state per open spread
//	positions/active_positions.json — one record per open leg
//	positions/spread_<id>.json      — per-spread subset
//	positions/history/closed_*.json — archives written on spread close
//	state/trading_lock.json         — persistent daily lock
//	active_setup_flag.json          — duplicate-entry guard across restarts
//
// Writes use atomic file replacement (write to .tmp, then rename) to
// prevent corruption from partial writes or crashes mid-save. A failed
// state write is fatal to the affected operation: the engine cannot
// safely continue without durable intent.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pairtrade-engine/pkg/types"
)

// Store persists engine state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// spreadStatesFile is the on-disk schema of state/spread_states.json.
type spreadStatesFile struct {
	Spreads     map[string]*types.SpreadEntryState `json:"spreads"`
	LastUpdated time.Time                          `json:"last_updated"`
}

// Open creates a store backed by the given directory, creating the
// state, positions and history subdirectories.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{
		filepath.Join(dir, "state"),
		filepath.Join(dir, "positions", "history"),
	} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the data directory root.
func (s *Store) Dir() string { return s.dir }

func (s *Store) statePath() string     { return filepath.Join(s.dir, "state", "spread_states.json") }
func (s *Store) positionsPath() string { return filepath.Join(s.dir, "positions", "active_positions.json") }
func (s *Store) spreadPath(id string) string {
	return filepath.Join(s.dir, "positions", "spread_"+id+".json")
}

// writeAtomic writes data to path via a sibling .tmp file and rename.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

// SaveSpreadStates atomically persists the full grid state map. The map
// may be empty (all spreads exited); the file is rewritten either way so
// restart never resurrects a closed spread.
func (s *Store) SaveSpreadStates(states map[string]*types.SpreadEntryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return writeAtomic(s.statePath(), spreadStatesFile{
		Spreads:     states,
		LastUpdated: time.Now(),
	})
}

// LoadSpreadStates restores the grid state map from disk.
// Returns an empty map if no state file exists.
func (s *Store) LoadSpreadStates() (map[string]*types.SpreadEntryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*types.SpreadEntryState{}, nil
		}
		return nil, fmt.Errorf("read spread states: %w", err)
	}

	var file spreadStatesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal spread states: %w", err)
	}
	if file.Spreads == nil {
		file.Spreads = map[string]*types.SpreadEntryState{}
	}
	return file.Spreads, nil
}

// HasSpreadStates reports whether a state file exists on disk.
func (s *Store) HasSpreadStates() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(s.statePath())
	return err == nil
}

// SavePositions atomically persists the full active-positions map,
// keyed by internal position ID, and rewrites the per-spread subsets.
func (s *Store) SavePositions(positions map[string]types.PersistedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeAtomic(s.positionsPath(), positions); err != nil {
		return err
	}

	bySpread := make(map[string][]types.PersistedPosition)
	for _, p := range positions {
		bySpread[p.SpreadID] = append(bySpread[p.SpreadID], p)
	}
	for id, legs := range bySpread {
		if err := writeAtomic(s.spreadPath(id), legs); err != nil {
			return err
		}
	}
	return nil
}

// LoadPositions restores active positions from disk.
// Returns an empty map if no file exists.
func (s *Store) LoadPositions() (map[string]types.PersistedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.positionsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]types.PersistedPosition{}, nil
		}
		return nil, fmt.Errorf("read positions: %w", err)
	}

	var positions map[string]types.PersistedPosition
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("unmarshal positions: %w", err)
	}
	if positions == nil {
		positions = map[string]types.PersistedPosition{}
	}
	return positions, nil
}

// ArchiveSpread moves a closed spread's legs into the history directory
// and removes its per-spread file. Reason records why it closed
// ("exit", "risk", "manual", "closed_offline", "unhedged").
func (s *Store) ArchiveSpread(spreadID, reason string, legs []types.PersistedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	archive := struct {
		SpreadID string                    `json:"spread_id"`
		Reason   string                    `json:"reason"`
		ClosedAt time.Time                 `json:"closed_at"`
		Legs     []types.PersistedPosition `json:"legs"`
	}{
		SpreadID: spreadID,
		Reason:   reason,
		ClosedAt: time.Now(),
		Legs:     legs,
	}

	name := fmt.Sprintf("closed_%s_%d.json", spreadID, time.Now().Unix())
	path := filepath.Join(s.dir, "positions", "history", name)
	if err := writeAtomic(path, archive); err != nil {
		return err
	}

	if err := os.Remove(s.spreadPath(spreadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove spread file: %w", err)
	}
	return nil
}
