package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"pairtrade-engine/internal/config"
	"pairtrade-engine/pkg/types"
)

func orderReq(symbol string) types.OrderRequest {
	return types.OrderRequest{Symbol: symbol, Action: types.BUY, Volume: 0.02, Deviation: 20, Magic: 777}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newGatewayClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.BrokerConfig{
		BaseURL: srv.URL,
		Token:   "test-token",
		Timeout: 5 * time.Second,
	}, false, testLogger())
}

func TestAccountInfo(t *testing.T) {
	t.Parallel()
	c := newGatewayClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/account" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"balance": 100000, "equity": 99500, "margin_level": 850}`))
	}))

	info, err := c.AccountInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Balance != 100000 || info.Equity != 99500 {
		t.Errorf("account = %+v", info)
	}
}

func TestSymbolInfoCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	c := newGatewayClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol": "XAUUSD", "contract_size": 100, "lot_step": 0.01, "min_lot": 0.01}`))
	}))

	for i := 0; i < 3; i++ {
		spec, err := c.SymbolInfo(context.Background(), "XAUUSD")
		if err != nil {
			t.Fatal(err)
		}
		if spec.ContractSize != 100 {
			t.Errorf("contract size = %v", spec.ContractSize)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("gateway hit %d times, want 1 (cached after first)", n)
	}
}

func TestOrderSendRejected(t *testing.T) {
	t.Parallel()
	c := newGatewayClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": false, "retcode": 10019, "message": "no money"}`))
	}))

	_, err := c.OrderSend(context.Background(), orderReq("XAUUSD"))
	if !errors.Is(err, ErrRejected) {
		t.Errorf("err = %v, want ErrRejected", err)
	}
}

func TestOrderSendRetriesServerError(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	c := newGatewayClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "gateway restarting", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true, "ticket": 4242, "volume": 0.02, "price": 2000.1}`))
	}))

	res, err := c.OrderSend(context.Background(), orderReq("XAUUSD"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Ticket != 4242 {
		t.Errorf("ticket = %d", res.Ticket)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("gateway hit %d times, want 2 (one retry)", n)
	}
}

// The gateway answers 404 for an already-closed ticket; that must count
// as success so concurrent close-alls converge.
func TestClosePositionAlreadyClosed(t *testing.T) {
	t.Parallel()
	c := newGatewayClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	if err := c.ClosePosition(context.Background(), 1001); err != nil {
		t.Errorf("404 close should succeed, got %v", err)
	}
}

func TestDryRunOrdersNeverReachGateway(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("dry-run must not call the gateway")
	}))
	t.Cleanup(srv.Close)
	c := NewClient(config.BrokerConfig{BaseURL: srv.URL, Timeout: time.Second}, true, testLogger())

	r1, err := c.OrderSend(context.Background(), orderReq("XAUUSD"))
	if err != nil {
		t.Fatal(err)
	}
	r2, err := c.OrderSend(context.Background(), orderReq("XAGUSD"))
	if err != nil {
		t.Fatal(err)
	}
	if !r1.Success || !r2.Success {
		t.Error("dry-run fills must report success")
	}
	if r1.Ticket == r2.Ticket {
		t.Error("synthetic tickets must be unique")
	}
	if err := c.ClosePosition(context.Background(), r1.Ticket); err != nil {
		t.Errorf("dry-run close: %v", err)
	}
}
