// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — broker DTOs,
// market snapshots, spread grid state, persisted positions, and the action
// variants passed between workers. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// OrderAction is the direction of a single order: BUY or SELL.
type OrderAction string

const (
	BUY  OrderAction = "BUY"
	SELL OrderAction = "SELL"
)

// SpreadSide is the direction of a spread position. LONG means long the
// primary leg and short the secondary leg; SHORT is the mirror.
type SpreadSide string

const (
	LONG  SpreadSide = "LONG"
	SHORT SpreadSide = "SHORT"
)

// Opposite returns the mirrored spread side.
func (s SpreadSide) Opposite() SpreadSide {
	if s == LONG {
		return SHORT
	}
	return LONG
}

// ————————————————————————————————————————————————————————————————————————
// Broker DTOs
// ————————————————————————————————————————————————————————————————————————

// SymbolSpec is the immutable contract specification for one symbol.
// Fetched lazily from the broker and cached by the adapter.
type SymbolSpec struct {
	Symbol       string  `json:"symbol"`
	ContractSize float64 `json:"contract_size"`
	LotStep      float64 `json:"lot_step"`
	MinLot       float64 `json:"min_lot"`
	MaxLot       float64 `json:"max_lot"`
	TickSize     float64 `json:"tick_size"`
}

// Tick is a top-of-book quote for one symbol.
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Bar is a single OHLC bar from broker history.
type Bar struct {
	Time  time.Time `json:"time"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// AccountInfo is the broker's account snapshot.
type AccountInfo struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	MarginFree  float64 `json:"margin_free"`
	MarginLevel float64 `json:"margin_level"` // percent; 0 when no margin used
	Profit      float64 `json:"profit"`       // floating P&L across all positions
}

// BrokerPosition is one open position as reported by the broker.
type BrokerPosition struct {
	Ticket       int64       `json:"ticket"`
	Symbol       string      `json:"symbol"`
	Action       OrderAction `json:"action"` // BUY or SELL
	Volume       float64     `json:"volume"`
	PriceOpen    float64     `json:"price_open"`
	PriceCurrent float64     `json:"price_current"`
	Profit       float64     `json:"profit"`
	Magic        int64       `json:"magic"`
	Comment      string      `json:"comment"`
	OpenTime     time.Time   `json:"open_time"`
}

// DealEntry distinguishes opening from closing deals in history.
type DealEntry string

const (
	DealEntryIn  DealEntry = "IN"
	DealEntryOut DealEntry = "OUT"
)

// Deal is one executed deal from broker history. Closing deals
// (Entry == OUT) carry the realized profit of the position they closed.
type Deal struct {
	Ticket     int64     `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Entry      DealEntry `json:"entry"`
	Profit     float64   `json:"profit"`
	Commission float64   `json:"commission"`
	Magic      int64     `json:"magic"`
	Time       time.Time `json:"time"`
}

// OrderRequest is a market order submission. Deviation is the maximum
// slippage in points; orders are GTC with IOC filling.
type OrderRequest struct {
	Symbol    string      `json:"symbol"`
	Action    OrderAction `json:"action"`
	Volume    float64     `json:"volume"`
	Deviation int         `json:"deviation"`
	Magic     int64       `json:"magic"`
	Comment   string      `json:"comment"`
}

// OrderResult is the broker's response to an order submission.
type OrderResult struct {
	Success bool    `json:"success"`
	Ticket  int64   `json:"ticket"`
	Price   float64 `json:"price"`  // fill price
	Volume  float64 `json:"volume"` // filled volume
	Retcode int     `json:"retcode"`
	Message string  `json:"message"`
}

// CloseReport summarizes a close-all fan-out.
type CloseReport struct {
	Closed    []int64 `json:"closed"`
	Failed    []int64 `json:"failed"`
	Remaining int     `json:"remaining"`
}

// ————————————————————————————————————————————————————————————————————————
// Market snapshots
// ————————————————————————————————————————————————————————————————————————

// MarketSnapshot is one observation of the pair produced by the collector.
// Never mutated after construction.
//
// Spread convention: spread = primary − hedge_ratio × secondary. The volume
// rebalancer uses the algebraically identical form for lot imbalance; the
// two formulas must never diverge.
type MarketSnapshot struct {
	Time         time.Time
	PrimaryBid   float64
	PrimaryAsk   float64
	SecondaryBid float64
	SecondaryAsk float64
	Spread       float64
	SpreadMean   float64
	SpreadStd    float64
	ZScore       float64
	HedgeRatio   float64
}

// ————————————————————————————————————————————————————————————————————————
// Grid state
// ————————————————————————————————————————————————————————————————————————

// SpreadEntryState is the central state object of the pyramiding grid.
// One exists per open spread; while it exists the engine must not create
// a new initial entry. The pair (LastZEntry, NextZEntry) fully describes
// when the next pyramid fires:
//
//	LONG:  fires when z ≤ NextZEntry, NextZEntry = LastZEntry − scale_interval
//	SHORT: fires when z ≥ NextZEntry, NextZEntry = LastZEntry + scale_interval
type SpreadEntryState struct {
	SpreadID             string     `json:"spread_id"`
	Side                 SpreadSide `json:"side"`
	LastZEntry           float64    `json:"last_z_entry"`
	NextZEntry           float64    `json:"next_z_entry"`
	EntryCount           int        `json:"entry_count"`
	TotalPrimaryLots     float64    `json:"total_primary_lots"`
	TotalSecondaryLots   float64    `json:"total_secondary_lots"`
	FirstEntrySpreadMean float64    `json:"first_entry_spread_mean"`
}

// Clone returns a copy, used for pre-commit updates with rollback.
func (s *SpreadEntryState) Clone() *SpreadEntryState {
	c := *s
	return &c
}

// ————————————————————————————————————————————————————————————————————————
// Persisted positions
// ————————————————————————————————————————————————————————————————————————

// PersistedPosition is one leg of a spread as recorded on disk. Two per
// spread on a healthy position; may become odd after a volume rebalance.
type PersistedPosition struct {
	PositionID   string      `json:"position_id"` // internal UUID
	SpreadID     string      `json:"spread_id"`
	BrokerTicket int64       `json:"broker_ticket"`
	Symbol       string      `json:"symbol"`
	Action       OrderAction `json:"action"`
	Volume       float64     `json:"volume"`
	EntryPrice   float64     `json:"entry_price"`
	EntryTime    time.Time   `json:"entry_time"`
	EntryZScore  float64     `json:"entry_zscore"`
	HedgeRatio   float64     `json:"hedge_ratio"`
	IsPrimary    bool        `json:"is_primary"`
}

// ————————————————————————————————————————————————————————————————————————
// Lock state
// ————————————————————————————————————————————————————————————————————————

// LockState is the persistent daily trading lock. It is authoritative
// over any in-memory locked flag and survives restarts until the next
// session start.
type LockState struct {
	TradingLocked    bool      `json:"trading_locked"`
	LockReason       string    `json:"lock_reason"`
	LockedAt         time.Time `json:"locked_at"`
	LockedUntil      time.Time `json:"locked_until"` // next session-start datetime
	DailyPnLAtLock   float64   `json:"daily_pnl_at_lock"`
	DailyLimitAtLock float64   `json:"daily_limit_at_lock"`
	SessionDate      string    `json:"session_date"` // YYYY-MM-DD
}

// ————————————————————————————————————————————————————————————————————————
// Actions
// ————————————————————————————————————————————————————————————————————————

// ActionKind tags the variant carried by an Action.
type ActionKind string

const (
	ActionExit           ActionKind = "EXIT"
	ActionEntryOrPyramid ActionKind = "ENTRY_OR_PYRAMID"
	ActionRebalance      ActionKind = "VOLUME_REBALANCE"
)

// Action is the tagged variant passed from the signal worker to the
// execution worker. Exactly one payload pointer is set, matching Kind.
type Action struct {
	Kind      ActionKind
	Snapshot  MarketSnapshot
	Exit      *ExitIntent
	Entry     *EntryIntent
	Rebalance *VolumeAdjustment
}

// ExitIntent closes every position under the strategy tag.
type ExitIntent struct {
	Reason string
}

// EntryIntent asks the unified executor to evaluate initial entry or
// pyramid against the grid state at the carried snapshot.
type EntryIntent struct {
	Side SpreadSide // classified signal side
}

// VolumeAdjustment is a one-shot single-leg correction produced by the
// rebalancer and consumed exactly once by the executor.
type VolumeAdjustment struct {
	SpreadID string      `json:"spread_id"`
	Symbol   string      `json:"symbol"`
	Action   OrderAction `json:"action"`
	Quantity float64     `json:"quantity"`
	Reason   string      `json:"reason"`
	OldHedge float64     `json:"old_hedge"`
	NewHedge float64     `json:"new_hedge"`
}

// ————————————————————————————————————————————————————————————————————————
// Alerts
// ————————————————————————————————————————————————————————————————————————

// AlertLevel grades operator alerts.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is an operator-visible event published by the risk supervisor
// and the execution worker. Identical alerts are throttled upstream.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Code    string     `json:"code"` // stable key used for throttling
	Message string     `json:"message"`
	Time    time.Time  `json:"time"`
}
