// Package api runs the operator control server.
//
// It is a small command surface, not a dashboard: status, alerts, config
// inspection, runtime parameter updates, and the two manual actions
// (close-all and unlock). It binds to localhost-style deployments; there
// is no authentication layer here.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pairtrade-engine/internal/attribution"
	"pairtrade-engine/internal/config"
	"pairtrade-engine/internal/monitor"
	"pairtrade-engine/internal/risk"
	"pairtrade-engine/pkg/types"
)

// StatusResponse is the /api/status payload.
type StatusResponse struct {
	DryRun      bool                               `json:"dry_run"`
	Pair        config.PairConfig                  `json:"pair"`
	Spreads     map[string]*types.SpreadEntryState `json:"spreads"`
	Risk        risk.Snapshot                      `json:"risk"`
	PnL         monitor.Status                     `json:"pnl"`
	Attribution map[string]attribution.Report      `json:"attribution,omitempty"`
	Time        time.Time                          `json:"time"`
}

// Controller is the engine surface the server drives.
type Controller interface {
	StatusSnapshot() StatusResponse
	CloseAll(ctx context.Context, reason string) error
	Unlock() error
	ApplyRuntimeUpdate(u config.RuntimeUpdate) error
	ConfigView() config.Config
}

// Server is the operator HTTP server.
type Server struct {
	ctrl   Controller
	alerts *AlertRing
	server *http.Server
	logger *slog.Logger
}

// NewServer creates the control server.
func NewServer(cfg config.ControlConfig, ctrl Controller, alerts *AlertRing, logger *slog.Logger) *Server {
	s := &Server{
		ctrl:   ctrl,
		alerts: alerts,
		logger: logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/close-all", s.handleCloseAll)
	mux.HandleFunc("/api/unlock", s.handleUnlock)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("control server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.logger.Info("stopping control server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.StatusSnapshot())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.alerts.List())
}

// handleConfig returns the redacted config on GET and applies a runtime
// update on POST. Only runtime-mutable fields are accepted.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg := s.ctrl.ConfigView()
		cfg.Broker.Token = "***"
		writeJSON(w, http.StatusOK, cfg)

	case http.MethodPost:
		var update config.RuntimeUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, "invalid update: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.ctrl.ApplyRuntimeUpdate(update); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.logger.Info("runtime config updated")
		writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.logger.Warn("operator close-all requested")
	if err := s.ctrl.CloseAll(r.Context(), "operator close-all"); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.logger.Warn("operator unlock requested")
	if err := s.ctrl.Unlock(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
