package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SetupFlag is the on-disk duplicate-entry guard. It is set on the first
// fill of a spread and cleared on exit; startup recovery reads it to
// decide whether persisted positions are expected at all.
type SetupFlag struct {
	Active      bool              `json:"active"`
	SpreadID    string            `json:"spread_id,omitempty"`
	ActivatedAt time.Time         `json:"activated_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// FlagManager owns active_setup_flag.json.
type FlagManager struct {
	path string
	mu   sync.Mutex
}

// OpenFlag creates a flag manager under the data dir.
func OpenFlag(dataDir string) *FlagManager {
	return &FlagManager{path: filepath.Join(dataDir, "active_setup_flag.json")}
}

// Set marks a setup active for the given spread.
func (fm *FlagManager) Set(spreadID string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return writeAtomic(fm.path, SetupFlag{
		Active:      true,
		SpreadID:    spreadID,
		ActivatedAt: time.Now(),
	})
}

// Clear marks no setup active.
func (fm *FlagManager) Clear() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return writeAtomic(fm.path, SetupFlag{Active: false})
}

// Get reads the flag; a missing file means inactive.
func (fm *FlagManager) Get() (SetupFlag, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	data, err := os.ReadFile(fm.path)
	if err != nil {
		if os.IsNotExist(err) {
			return SetupFlag{}, nil
		}
		return SetupFlag{}, fmt.Errorf("read setup flag: %w", err)
	}
	var flag SetupFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		return SetupFlag{}, fmt.Errorf("unmarshal setup flag: %w", err)
	}
	return flag, nil
}
