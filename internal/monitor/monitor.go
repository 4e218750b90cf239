// Package monitor tracks live P&L per spread.
//
// The monitor polls the broker on a fixed cadence and overwrites its
// view with broker truth every cycle. It never estimates: a value it
// cannot fetch stays stale and is marked as such via LastUpdate.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pairtrade-engine/internal/broker"
)

// SpreadPnL is the per-spread P&L view.
type SpreadPnL struct {
	SpreadID      string  `json:"spread_id"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Legs          int     `json:"legs"`
	PrimaryLots   float64 `json:"primary_lots"`
	SecondaryLots float64 `json:"secondary_lots"`
}

// Status is the full monitor view.
type Status struct {
	Equity        float64              `json:"equity"`
	Balance       float64              `json:"balance"`
	MarginLevel   float64              `json:"margin_level"`
	UnrealizedPnL float64              `json:"unrealized_pnl"`
	Spreads       map[string]SpreadPnL `json:"spreads"`
	LastUpdate    time.Time            `json:"last_update"`
}

// Monitor polls broker positions and account state.
type Monitor struct {
	broker        broker.Broker
	magic         int64
	interval      time.Duration
	primarySymbol string
	logger        *slog.Logger

	mu      sync.Mutex
	tickets map[int64]string
	status  Status
}

// New creates a monitor polling at the given interval.
func New(b broker.Broker, magic int64, interval time.Duration, primarySymbol string, logger *slog.Logger) *Monitor {
	return &Monitor{
		broker:        b,
		magic:         magic,
		interval:      interval,
		primarySymbol: primarySymbol,
		logger:        logger.With("component", "monitor"),
		tickets:       make(map[int64]string),
		status:        Status{Spreads: map[string]SpreadPnL{}},
	}
}

// Register records ticket ownership.
func (m *Monitor) Register(ticket int64, spreadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[ticket] = spreadID
}

// Unregister drops closed tickets.
func (m *Monitor) Unregister(tickets []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tickets {
		delete(m.tickets, t)
	}
}

// Reset drops all ticket state.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets = make(map[int64]string)
}

// SpreadLots returns the broker-observed leg lots for a spread from the
// last poll. ok is false before the spread has been observed.
func (m *Monitor) SpreadLots(spreadID string) (primary, secondary float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status.Spreads[spreadID]
	return s.PrimaryLots, s.SecondaryLots, ok
}

// Status returns a copy of the current view.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.status
	out.Spreads = make(map[string]SpreadPnL, len(m.status.Spreads))
	for id, s := range m.status.Spreads {
		out.Spreads[id] = s
	}
	return out
}

// Run polls until cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("position monitor started", "interval", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("position monitor stopped")
			return
		case <-ticker.C:
			if err := m.refresh(ctx); err != nil {
				m.logger.Error("refresh failed", "error", err)
			}
		}
	}
}

func (m *Monitor) refresh(ctx context.Context) error {
	account, err := m.broker.AccountInfo(ctx)
	if err != nil {
		return err
	}
	positions, err := m.broker.Positions(ctx, m.magic)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	spreads := make(map[string]SpreadPnL)
	total := 0.0
	for _, p := range positions {
		total += p.Profit
		spreadID, ok := m.tickets[p.Ticket]
		if !ok {
			continue
		}
		s := spreads[spreadID]
		s.SpreadID = spreadID
		s.UnrealizedPnL += p.Profit
		s.Legs++
		if p.Symbol == m.primarySymbol {
			s.PrimaryLots += p.Volume
		} else {
			s.SecondaryLots += p.Volume
		}
		spreads[spreadID] = s
	}

	m.status = Status{
		Equity:        account.Equity,
		Balance:       account.Balance,
		MarginLevel:   account.MarginLevel,
		UnrealizedPnL: total,
		Spreads:       spreads,
		LastUpdate:    time.Now(),
	}

	if len(spreads) > 0 {
		m.logger.Debug("pnl refreshed",
			"spreads", len(spreads),
			"unrealized", total,
			"equity", account.Equity,
		)
	}
	return nil
}
