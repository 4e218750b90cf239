// Package broker implements the market-access adapter.
//
// The REST client (Client) talks to the broker gateway for account state
// and order management:
//   - AccountInfo:  GET  /api/account
//   - SymbolInfo:   GET  /api/symbols/{symbol}       — cached after first fetch
//   - SymbolTick:   GET  /api/symbols/{symbol}/tick
//   - Bars:         GET  /api/symbols/{symbol}/bars
//   - Positions:    GET  /api/positions?magic=...
//   - Deals:        GET  /api/deals?from=...&to=...
//   - OrderSend:    POST /api/orders                 — market, IOC filling
//   - ClosePosition: POST /api/positions/{ticket}/close
//
// Every request is authenticated with a bearer token and automatically
// retried on 5xx errors. The tick WebSocket feed (TickFeed) streams
// top-of-book quotes with auto-reconnect.
package broker

import (
	"context"
	"errors"
	"time"

	"pairtrade-engine/pkg/types"
)

// Sentinel errors surfaced by the adapter.
var (
	// ErrDisconnected reports that the gateway is unreachable.
	ErrDisconnected = errors.New("broker: disconnected")
	// ErrRejected reports a broker-side order rejection. No state was mutated.
	ErrRejected = errors.New("broker: order rejected")
)

// Broker is the operation surface the engine depends on. The production
// implementation is Client; tests substitute fakes.
type Broker interface {
	// Initialize verifies connectivity. Must be called before trading.
	Initialize(ctx context.Context) error

	AccountInfo(ctx context.Context) (types.AccountInfo, error)
	SymbolInfo(ctx context.Context, symbol string) (types.SymbolSpec, error)
	SymbolTick(ctx context.Context, symbol string) (types.Tick, error)
	Bars(ctx context.Context, symbol string, interval time.Duration, count int) ([]types.Bar, error)

	// Positions lists open positions carrying the given magic tag.
	// magic == 0 lists all.
	Positions(ctx context.Context, magic int64) ([]types.BrokerPosition, error)
	// Deals lists executed deals in [from, to].
	Deals(ctx context.Context, from, to time.Time) ([]types.Deal, error)

	OrderSend(ctx context.Context, req types.OrderRequest) (types.OrderResult, error)
	// ClosePosition closes one open position by ticket. Closing an
	// already-closed ticket is a no-op success.
	ClosePosition(ctx context.Context, ticket int64) error
}
