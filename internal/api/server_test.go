package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"pairtrade-engine/internal/config"
	"pairtrade-engine/pkg/types"
)

type fakeController struct {
	cfg        config.Config
	closed     []string
	unlocked   int
	lastUpdate config.RuntimeUpdate
	applyErr   error
}

func (f *fakeController) StatusSnapshot() StatusResponse {
	return StatusResponse{
		DryRun: f.cfg.DryRun,
		Pair:   f.cfg.Pair,
		Spreads: map[string]*types.SpreadEntryState{
			"s1": {SpreadID: "s1", Side: types.LONG, EntryCount: 2},
		},
		Time: time.Now(),
	}
}

func (f *fakeController) CloseAll(ctx context.Context, reason string) error {
	f.closed = append(f.closed, reason)
	return nil
}

func (f *fakeController) Unlock() error {
	f.unlocked++
	return nil
}

func (f *fakeController) ApplyRuntimeUpdate(u config.RuntimeUpdate) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.lastUpdate = u
	return nil
}

func (f *fakeController) ConfigView() config.Config { return f.cfg }

func newTestServer(t *testing.T) (*Server, *fakeController, *AlertRing) {
	t.Helper()
	ctrl := &fakeController{
		cfg: config.Config{
			Broker: config.BrokerConfig{BaseURL: "http://broker", Token: "secret-token", Magic: 777},
			Pair:   config.PairConfig{PrimarySymbol: "XAUUSD", SecondarySymbol: "XAGUSD"},
		},
	}
	alerts := NewAlertRing()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewServer(config.ControlConfig{Port: 0}, ctrl, alerts, logger), ctrl, alerts
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Pair.PrimarySymbol != "XAUUSD" {
		t.Errorf("pair = %+v", resp.Pair)
	}
	if resp.Spreads["s1"] == nil || resp.Spreads["s1"].EntryCount != 2 {
		t.Errorf("spreads = %+v", resp.Spreads)
	}

	rec = httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestConfigRedactsToken(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "secret-token") {
		t.Error("token leaked into config response")
	}

	var cfg config.Config
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Broker.Token != "***" {
		t.Errorf("token = %q, want redacted", cfg.Broker.Token)
	}
}

func TestConfigUpdateApplied(t *testing.T) {
	t.Parallel()
	srv, ctrl, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/config",
		strings.NewReader(`{"scale_interval": 0.3, "daily_loss_limit_pct": 4.5}`))
	rec := httptest.NewRecorder()
	srv.handleConfig(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ctrl.lastUpdate.ScaleInterval == nil || *ctrl.lastUpdate.ScaleInterval != 0.3 {
		t.Errorf("scale interval not forwarded: %+v", ctrl.lastUpdate)
	}
	if ctrl.lastUpdate.DailyLossLimitPct == nil || *ctrl.lastUpdate.DailyLossLimitPct != 4.5 {
		t.Errorf("daily limit not forwarded: %+v", ctrl.lastUpdate)
	}
}

func TestConfigUpdateRejectsBadJSON(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.handleConfig(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCloseAllEndpoint(t *testing.T) {
	t.Parallel()
	srv, ctrl, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleCloseAll(rec, httptest.NewRequest(http.MethodPost, "/api/close-all", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(ctrl.closed) != 1 || ctrl.closed[0] != "operator close-all" {
		t.Errorf("close calls = %v", ctrl.closed)
	}

	rec = httptest.NewRecorder()
	srv.handleCloseAll(rec, httptest.NewRequest(http.MethodGet, "/api/close-all", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET close-all = %d, want 405", rec.Code)
	}
}

func TestUnlockEndpoint(t *testing.T) {
	t.Parallel()
	srv, ctrl, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleUnlock(rec, httptest.NewRequest(http.MethodPost, "/api/unlock", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ctrl.unlocked != 1 {
		t.Errorf("unlock calls = %d", ctrl.unlocked)
	}
}

func TestAlertsEndpointNewestFirst(t *testing.T) {
	t.Parallel()
	srv, _, ring := newTestServer(t)

	ring.Publish(types.Alert{Code: "first", Time: time.Now()})
	ring.Publish(types.Alert{Code: "second", Time: time.Now()})

	rec := httptest.NewRecorder()
	srv.handleAlerts(rec, httptest.NewRequest(http.MethodGet, "/api/alerts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var alerts []types.Alert
	if err := json.NewDecoder(rec.Body).Decode(&alerts); err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 2 || alerts[0].Code != "second" {
		t.Errorf("alerts = %+v, want newest first", alerts)
	}
}

func TestAlertRingEvictsOldest(t *testing.T) {
	t.Parallel()
	ring := NewAlertRing()
	for i := 0; i < alertCapacity+10; i++ {
		ring.Publish(types.Alert{Code: fmt.Sprintf("a%d", i)})
	}
	got := ring.List()
	if len(got) != alertCapacity {
		t.Fatalf("ring size = %d, want %d", len(got), alertCapacity)
	}
	if got[0].Code != fmt.Sprintf("a%d", alertCapacity+9) {
		t.Errorf("newest = %s", got[0].Code)
	}
	if got[len(got)-1].Code != "a10" {
		t.Errorf("oldest kept = %s, want a10 after eviction", got[len(got)-1].Code)
	}
}
