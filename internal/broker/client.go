package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"pairtrade-engine/internal/config"
	"pairtrade-engine/pkg/types"
)

// Client is the broker gateway REST client.
// It wraps a resty HTTP client with retry and bearer-token auth, and
// caches immutable symbol specs after the first fetch.
type Client struct {
	http   *resty.Client
	dryRun bool
	logger *slog.Logger

	specsMu sync.RWMutex
	specs   map[string]types.SymbolSpec

	// dry-run fill bookkeeping: synthetic tickets must stay unique
	dryMu     sync.Mutex
	dryTicket int64
}

// NewClient creates a REST client with retry.
func NewClient(cfg config.BrokerConfig, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.Token)

	return &Client{
		http:      httpClient,
		dryRun:    dryRun,
		logger:    logger.With("component", "broker"),
		specs:     make(map[string]types.SymbolSpec),
		dryTicket: 900000,
	}
}

// Initialize verifies connectivity by fetching account info once.
func (c *Client) Initialize(ctx context.Context) error {
	if _, err := c.AccountInfo(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

// AccountInfo fetches the current account snapshot.
func (c *Client) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	var result types.AccountInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/account")
	if err != nil {
		return types.AccountInfo{}, fmt.Errorf("account info: %w: %v", ErrDisconnected, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.AccountInfo{}, fmt.Errorf("account info: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// SymbolInfo fetches the contract specification, caching it after the
// first successful fetch (specs are immutable per symbol).
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (types.SymbolSpec, error) {
	c.specsMu.RLock()
	spec, ok := c.specs[symbol]
	c.specsMu.RUnlock()
	if ok {
		return spec, nil
	}

	var result types.SymbolSpec
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/symbols/" + symbol)
	if err != nil {
		return types.SymbolSpec{}, fmt.Errorf("symbol info %s: %w: %v", symbol, ErrDisconnected, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.SymbolSpec{}, fmt.Errorf("symbol info %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}

	c.specsMu.Lock()
	c.specs[symbol] = result
	c.specsMu.Unlock()
	return result, nil
}

// SymbolTick fetches the current top-of-book quote.
func (c *Client) SymbolTick(ctx context.Context, symbol string) (types.Tick, error) {
	var result types.Tick
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/symbols/" + symbol + "/tick")
	if err != nil {
		return types.Tick{}, fmt.Errorf("tick %s: %w: %v", symbol, ErrDisconnected, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Tick{}, fmt.Errorf("tick %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return result, nil
}

// Bars fetches up to count recent bars at the given interval.
func (c *Client) Bars(ctx context.Context, symbol string, interval time.Duration, count int) ([]types.Bar, error) {
	var result []types.Bar
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("interval", interval.String()).
		SetQueryParam("count", strconv.Itoa(count)).
		SetResult(&result).
		Get("/api/symbols/" + symbol + "/bars")
	if err != nil {
		return nil, fmt.Errorf("bars %s: %w: %v", symbol, ErrDisconnected, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("bars %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return result, nil
}

// Positions lists open positions, optionally filtered by magic tag.
func (c *Client) Positions(ctx context.Context, magic int64) ([]types.BrokerPosition, error) {
	req := c.http.R().SetContext(ctx)
	if magic != 0 {
		req.SetQueryParam("magic", strconv.FormatInt(magic, 10))
	}
	var result []types.BrokerPosition
	resp, err := req.SetResult(&result).Get("/api/positions")
	if err != nil {
		return nil, fmt.Errorf("positions: %w: %v", ErrDisconnected, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// Deals lists executed deals in [from, to].
func (c *Client) Deals(ctx context.Context, from, to time.Time) ([]types.Deal, error) {
	var result []types.Deal
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("from", from.UTC().Format(time.RFC3339)).
		SetQueryParam("to", to.UTC().Format(time.RFC3339)).
		SetResult(&result).
		Get("/api/deals")
	if err != nil {
		return nil, fmt.Errorf("deals: %w: %v", ErrDisconnected, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("deals: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// OrderSend submits a market order. In dry-run mode it returns a
// synthetic fill at volume without touching the gateway.
func (c *Client) OrderSend(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	if c.dryRun {
		c.dryMu.Lock()
		c.dryTicket++
		ticket := c.dryTicket
		c.dryMu.Unlock()
		c.logger.Info("DRY-RUN order",
			"symbol", req.Symbol,
			"action", req.Action,
			"volume", req.Volume,
		)
		return types.OrderResult{Success: true, Ticket: ticket, Volume: req.Volume}, nil
	}

	var result types.OrderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/api/orders")
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("order send: %w: %v", ErrDisconnected, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderResult{}, fmt.Errorf("order send: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return result, fmt.Errorf("order send %s %s %.2f: %w: retcode %d %s",
			req.Action, req.Symbol, req.Volume, ErrRejected, result.Retcode, result.Message)
	}
	return result, nil
}

// ClosePosition closes one position by ticket. The gateway treats an
// already-closed ticket as success, which keeps concurrent close-alls
// idempotent.
func (c *Client) ClosePosition(ctx context.Context, ticket int64) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN close", "ticket", ticket)
		return nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/api/positions/%d/close", ticket))
	if err != nil {
		return fmt.Errorf("close %d: %w: %v", ticket, ErrDisconnected, err)
	}
	// 404 = already closed, treated as success
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("close %d: status %d: %s", ticket, resp.StatusCode(), resp.String())
	}
	return nil
}
