package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pairtrade-engine/internal/config"
	"pairtrade-engine/pkg/types"
)

// LockManager owns the persistent daily trading lock. The on-disk state
// is authoritative over any in-memory locked flag: after a daily-limit
// close-all, every restart before locked_until starts locked.
//
// Transitions: UNLOCKED → LOCKED on daily limit breach → UNLOCKED on
// session rollover (now ≥ locked_until or date changed) or explicit
// operator unlock.
type LockManager struct {
	path         string
	sessionStart config.SessionClock
	logger       *slog.Logger

	mu    sync.Mutex
	state types.LockState
}

// OpenLock loads (or initializes) the lock state under the data dir.
func OpenLock(dataDir string, sessionStart config.SessionClock, logger *slog.Logger) (*LockManager, error) {
	lm := &LockManager{
		path:         filepath.Join(dataDir, "state", "trading_lock.json"),
		sessionStart: sessionStart,
		logger:       logger.With("component", "lock"),
	}

	data, err := os.ReadFile(lm.path)
	if err != nil {
		if os.IsNotExist(err) {
			return lm, nil
		}
		return nil, fmt.Errorf("read lock state: %w", err)
	}
	if err := json.Unmarshal(data, &lm.state); err != nil {
		return nil, fmt.Errorf("unmarshal lock state: %w", err)
	}

	// Auto-unlock on session rollover at startup
	if lm.state.TradingLocked && lm.rolloverDue(time.Now()) {
		lm.logger.Info("session rolled over, releasing lock",
			"locked_at", lm.state.LockedAt,
			"reason", lm.state.LockReason,
		)
		if err := lm.unlockLocked(); err != nil {
			return nil, err
		}
	}
	return lm, nil
}

// Engage locks trading until the next session start and persists the
// lock. Idempotent: re-engaging an active lock keeps the original expiry.
func (lm *LockManager) Engage(reason string, dailyPnL, dailyLimit float64) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.state.TradingLocked {
		return nil
	}

	now := time.Now()
	lm.state = types.LockState{
		TradingLocked:    true,
		LockReason:       reason,
		LockedAt:         now,
		LockedUntil:      lm.sessionStart.NextOccurrence(now),
		DailyPnLAtLock:   dailyPnL,
		DailyLimitAtLock: dailyLimit,
		SessionDate:      now.Format("2006-01-02"),
	}

	lm.logger.Error("trading locked",
		"reason", reason,
		"daily_pnl", dailyPnL,
		"daily_limit", dailyLimit,
		"locked_until", lm.state.LockedUntil,
	)
	return writeAtomic(lm.path, lm.state)
}

// CanTrade reports whether trading is allowed, releasing the lock first
// when the session has rolled over.
func (lm *LockManager) CanTrade() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if !lm.state.TradingLocked {
		return true
	}
	if lm.rolloverDue(time.Now()) {
		lm.logger.Info("session rolled over, releasing lock")
		if err := lm.unlockLocked(); err != nil {
			lm.logger.Error("failed to persist unlock", "error", err)
			// Rollover is still honoured in memory
		}
		return true
	}
	return false
}

// Unlock is the explicit operator unlock.
func (lm *LockManager) Unlock() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if !lm.state.TradingLocked {
		return nil
	}
	lm.logger.Warn("operator unlock", "reason", lm.state.LockReason)
	return lm.unlockLocked()
}

// State returns a copy of the current lock state.
func (lm *LockManager) State() types.LockState {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.state
}

// rolloverDue reports whether the lock has expired: the wall clock
// passed locked_until, or the calendar date changed past the session date.
func (lm *LockManager) rolloverDue(now time.Time) bool {
	if !now.Before(lm.state.LockedUntil) {
		return true
	}
	return now.Format("2006-01-02") > lm.state.SessionDate &&
		!lm.sessionStart.LastOccurrence(now).Before(lm.state.LockedAt)
}

func (lm *LockManager) unlockLocked() error {
	lm.state = types.LockState{}
	return writeAtomic(lm.path, lm.state)
}
