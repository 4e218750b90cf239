// Package risk implements the three-layer loss supervisor.
//
// The layers are orthogonal and checked every cycle:
//
//	per-setup:  one spread's floating loss   → close that spread
//	portfolio:  total floating loss          → close everything
//	daily:      realized + floating today    → close everything and lock
//	            trading until the next session start
//
// The supervisor keeps its own ticket set, registered by the execution
// worker, so it can detect the operator closing positions directly at
// the broker and reset engine state to match.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pairtrade-engine/internal/broker"
	"pairtrade-engine/internal/config"
	"pairtrade-engine/internal/executor"
	"pairtrade-engine/internal/store"
	"pairtrade-engine/pkg/types"
)

// rearmFraction releases a one-shot breach flag once the metric recovers
// to this fraction of its limit.
const rearmFraction = 0.8

// alertThrottle suppresses repeats of the same alert code.
const alertThrottle = 5 * time.Minute

// Snapshot is the supervisor state exposed to the status API.
type Snapshot struct {
	DailyPnL        float64         `json:"daily_pnl"`
	DailyLimit      float64         `json:"daily_limit"`
	UnrealizedPnL   float64         `json:"unrealized_pnl"`
	SessionBalance  float64         `json:"session_balance"`
	PeakEquity      float64         `json:"peak_equity"`
	OpenPositions   int             `json:"open_positions"`
	TradingLocked   bool            `json:"trading_locked"`
	Lock            types.LockState `json:"lock"`
	LastCheck       time.Time       `json:"last_check"`
	SessionStart    time.Time       `json:"session_start"`
}

// Supervisor runs the periodic risk checks.
type Supervisor struct {
	broker broker.Broker
	worker *executor.Worker
	lock   *store.LockManager
	alerts executor.AlertSink
	logger *slog.Logger
	magic  int64

	sessionStart config.SessionClock

	mu  sync.Mutex
	cfg config.RiskConfig

	// ticket → spread ownership, maintained via the registry interface
	tickets map[int64]string

	// session accounting
	sessionAnchor  time.Time
	sessionBalance float64
	peakEquity     float64

	// one-shot breach flags
	setupBreached     map[string]bool
	portfolioBreached bool

	lastAlert map[string]time.Time
	lastCheck Snapshot
}

// NewSupervisor creates the risk supervisor.
func NewSupervisor(
	cfg *config.Config,
	b broker.Broker,
	worker *executor.Worker,
	lock *store.LockManager,
	alerts executor.AlertSink,
	logger *slog.Logger,
) (*Supervisor, error) {
	start, err := config.ParseSessionTime(cfg.Risk.SessionStart)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		broker:        b,
		worker:        worker,
		lock:          lock,
		alerts:        alerts,
		logger:        logger.With("component", "risk"),
		magic:         cfg.Broker.Magic,
		sessionStart:  start,
		cfg:           cfg.Risk,
		tickets:       make(map[int64]string),
		setupBreached: make(map[string]bool),
		lastAlert:     make(map[string]time.Time),
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Ticket registry (called by the execution worker)
// ————————————————————————————————————————————————————————————————————————

// Register records ticket ownership.
func (s *Supervisor) Register(ticket int64, spreadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[ticket] = spreadID
}

// Unregister drops tickets after an orderly close and releases breach
// flags for spreads that no longer own any ticket.
func (s *Supervisor) Unregister(tickets []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickets {
		delete(s.tickets, t)
	}
	remaining := make(map[string]bool, len(s.tickets))
	for _, spreadID := range s.tickets {
		remaining[spreadID] = true
	}
	for spreadID := range s.setupBreached {
		if !remaining[spreadID] {
			delete(s.setupBreached, spreadID)
		}
	}
}

// Reset drops all ticket state.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets = make(map[int64]string)
	s.setupBreached = make(map[string]bool)
}

// UpdateRisk installs new runtime limits.
func (s *Supervisor) UpdateRisk(cfg config.RiskConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Status returns the last check snapshot.
func (s *Supervisor) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.lastCheck
	snap.TradingLocked = !s.lock.CanTrade()
	snap.Lock = s.lock.State()
	return snap
}

// Run checks every check interval until cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("risk supervisor started", "interval", s.cfg.CheckInterval)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("risk supervisor stopped")
			return
		case <-ticker.C:
			if err := s.check(ctx); err != nil {
				s.logger.Error("risk check failed", "error", err)
			}
		}
	}
}

// check runs one full supervision cycle.
func (s *Supervisor) check(ctx context.Context) error {
	now := time.Now()

	account, err := s.broker.AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("account info: %w", err)
	}
	positions, err := s.broker.Positions(ctx, s.magic)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}

	s.rollSession(now, account)

	if s.detectManualClosure(positions) {
		if err := s.worker.HandleManualClosure("positions closed at broker"); err != nil {
			s.logger.Error("manual closure reset failed", "error", err)
		}
		s.Reset()
		return nil
	}

	unrealized := 0.0
	bySpread := make(map[string]float64)
	s.mu.Lock()
	for _, p := range positions {
		unrealized += p.Profit
		if spreadID, ok := s.tickets[p.Ticket]; ok {
			bySpread[spreadID] += p.Profit
		}
	}
	cfg := s.cfg
	sessionBalance := s.sessionBalance
	anchor := s.sessionAnchor
	if account.Equity > s.peakEquity {
		s.peakEquity = account.Equity
	}
	peak := s.peakEquity
	s.mu.Unlock()

	realized, err := s.realizedSince(ctx, anchor)
	if err != nil {
		return fmt.Errorf("deal history: %w", err)
	}
	dailyPnL := realized + unrealized
	dailyLimit := cfg.DailyLossLimitPct / 100 * sessionBalance

	// Layer order: daily first since it also locks, then portfolio, then
	// per-setup. A broader layer firing makes the narrower ones moot.
	if s.checkDaily(ctx, dailyPnL, dailyLimit) {
		s.storeSnapshot(now, dailyPnL, dailyLimit, unrealized, sessionBalance, peak, len(positions), anchor)
		return nil
	}
	if s.checkPortfolio(ctx, unrealized, cfg, sessionBalance) {
		s.storeSnapshot(now, dailyPnL, dailyLimit, unrealized, sessionBalance, peak, len(positions), anchor)
		return nil
	}
	s.checkPerSetup(ctx, bySpread, cfg, sessionBalance)

	s.checkMargin(account, cfg)
	s.checkDrawdown(account, cfg, peak)
	if cfg.MaxOpenPositions > 0 && len(positions) > cfg.MaxOpenPositions {
		s.alert(types.AlertWarning, "too_many_positions",
			fmt.Sprintf("%d open positions exceed the cap of %d", len(positions), cfg.MaxOpenPositions))
	}

	s.storeSnapshot(now, dailyPnL, dailyLimit, unrealized, sessionBalance, peak, len(positions), anchor)
	return nil
}

// rollSession re-anchors daily accounting when a new session started.
func (s *Supervisor) rollSession(now time.Time, account types.AccountInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	anchor := s.sessionStart.LastOccurrence(now)
	if anchor.Equal(s.sessionAnchor) {
		return
	}
	s.sessionAnchor = anchor
	s.sessionBalance = account.Balance
	s.peakEquity = account.Equity
	s.portfolioBreached = false
	s.setupBreached = make(map[string]bool)
	s.logger.Info("session rolled over",
		"session_start", anchor,
		"balance", account.Balance,
	)
}

// detectManualClosure reports that every registered ticket vanished from
// the broker while the engine believes a spread is open.
func (s *Supervisor) detectManualClosure(positions []types.BrokerPosition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tickets) == 0 {
		return false
	}
	for _, p := range positions {
		if _, ok := s.tickets[p.Ticket]; ok {
			return false
		}
	}
	return true
}

// realizedSince sums the realized profit of closing deals under the
// strategy tag since the session anchor, commission included.
func (s *Supervisor) realizedSince(ctx context.Context, from time.Time) (float64, error) {
	deals, err := s.broker.Deals(ctx, from, time.Now())
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, d := range deals {
		if d.Magic != s.magic || d.Entry != types.DealEntryOut {
			continue
		}
		total += d.Profit + d.Commission
	}
	return total, nil
}

// checkDaily engages the persistent lock and flattens on a daily-limit
// breach. Returns true when it fired. The lock itself is the one-shot
// flag: it stays engaged until the next session start.
func (s *Supervisor) checkDaily(ctx context.Context, dailyPnL, dailyLimit float64) bool {
	if dailyLimit <= 0 || dailyPnL > -dailyLimit {
		return false
	}
	if !s.lock.CanTrade() {
		return false // already locked, nothing left to close
	}

	reason := fmt.Sprintf("daily loss %.2f breached limit %.2f", dailyPnL, dailyLimit)
	s.alert(types.AlertCritical, "daily_loss_limit", reason)
	if err := s.lock.Engage(reason, dailyPnL, dailyLimit); err != nil {
		s.logger.Error("failed to engage lock", "error", err)
	}
	if err := s.worker.CloseAll(ctx, "daily loss limit"); err != nil {
		s.logger.Error("daily close-all failed", "error", err)
	}
	return true
}

// checkPortfolio flattens everything on a total floating-loss breach.
// One-shot: re-arms when the loss recovers to 80% of the limit.
func (s *Supervisor) checkPortfolio(ctx context.Context, unrealized float64, cfg config.RiskConfig, balance float64) bool {
	limit := cfg.MaxTotalUnrealizedLossPct / 100 * balance
	if limit <= 0 {
		return false
	}

	s.mu.Lock()
	breached := s.portfolioBreached
	if breached && unrealized > -rearmFraction*limit {
		s.portfolioBreached = false
		breached = false
	}
	s.mu.Unlock()

	if breached || unrealized > -limit {
		return false
	}

	s.mu.Lock()
	s.portfolioBreached = true
	s.mu.Unlock()

	s.alert(types.AlertCritical, "portfolio_loss_limit",
		fmt.Sprintf("floating loss %.2f breached limit %.2f", unrealized, limit))
	if err := s.worker.CloseAll(ctx, "portfolio loss limit"); err != nil {
		s.logger.Error("portfolio close-all failed", "error", err)
	}
	return true
}

// checkPerSetup closes individual spreads whose floating loss breaches
// the per-setup limit, leaving healthy spreads open.
func (s *Supervisor) checkPerSetup(ctx context.Context, bySpread map[string]float64, cfg config.RiskConfig, balance float64) {
	limit := cfg.MaxLossPerSetupPct / 100 * balance
	if limit <= 0 {
		return
	}

	for spreadID, pnl := range bySpread {
		s.mu.Lock()
		breached := s.setupBreached[spreadID]
		if breached && pnl > -rearmFraction*limit {
			delete(s.setupBreached, spreadID)
			breached = false
		}
		s.mu.Unlock()

		if breached || pnl > -limit {
			continue
		}

		s.mu.Lock()
		s.setupBreached[spreadID] = true
		s.mu.Unlock()

		s.alert(types.AlertCritical, "setup_loss_limit",
			fmt.Sprintf("spread %s loss %.2f breached limit %.2f", spreadID, pnl, limit))
		if err := s.worker.CloseSpread(ctx, spreadID, "per-setup loss limit"); err != nil {
			s.logger.Error("spread close failed", "spread", spreadID, "error", err)
		}
	}
}

func (s *Supervisor) checkMargin(account types.AccountInfo, cfg config.RiskConfig) {
	if account.MarginLevel <= 0 {
		return
	}
	switch {
	case account.MarginLevel < cfg.MarginCriticalLevel:
		s.alert(types.AlertCritical, "margin_critical",
			fmt.Sprintf("margin level %.1f%% below critical %.1f%%", account.MarginLevel, cfg.MarginCriticalLevel))
	case account.MarginLevel < cfg.MarginWarnLevel:
		s.alert(types.AlertWarning, "margin_low",
			fmt.Sprintf("margin level %.1f%% below warning %.1f%%", account.MarginLevel, cfg.MarginWarnLevel))
	}
}

func (s *Supervisor) checkDrawdown(account types.AccountInfo, cfg config.RiskConfig, peak float64) {
	if peak <= 0 {
		return
	}
	dd := (peak - account.Equity) / peak * 100
	switch {
	case dd >= cfg.DrawdownCriticalPct:
		s.alert(types.AlertCritical, "drawdown_critical",
			fmt.Sprintf("session drawdown %.1f%% exceeds %.1f%%", dd, cfg.DrawdownCriticalPct))
	case dd >= cfg.DrawdownWarnPct:
		s.alert(types.AlertWarning, "drawdown_warn",
			fmt.Sprintf("session drawdown %.1f%% exceeds %.1f%%", dd, cfg.DrawdownWarnPct))
	}
}

func (s *Supervisor) storeSnapshot(
	now time.Time,
	dailyPnL, dailyLimit, unrealized, sessionBalance, peak float64,
	openPositions int,
	anchor time.Time,
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheck = Snapshot{
		DailyPnL:       dailyPnL,
		DailyLimit:     dailyLimit,
		UnrealizedPnL:  unrealized,
		SessionBalance: sessionBalance,
		PeakEquity:     peak,
		OpenPositions:  openPositions,
		LastCheck:      now,
		SessionStart:   anchor,
	}
}

// alert publishes throttled: the same code fires at most once per
// throttle window.
func (s *Supervisor) alert(level types.AlertLevel, code, msg string) {
	s.mu.Lock()
	last, seen := s.lastAlert[code]
	if seen && time.Since(last) < alertThrottle {
		s.mu.Unlock()
		return
	}
	s.lastAlert[code] = time.Now()
	s.mu.Unlock()

	s.logger.Warn("risk alert", "code", code, "level", level, "message", msg)
	if s.alerts != nil {
		s.alerts.Publish(types.Alert{Level: level, Code: code, Message: msg, Time: time.Now()})
	}
}
