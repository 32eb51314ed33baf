package rewardsd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lpmining/core/claimable"
	"lpmining/core/rewards"
	"lpmining/services/rewardsd/treasury"
)

// TreasuryUpdater applies operator changes to the treasury window.
type TreasuryUpdater interface {
	Apply(ctx context.Context, update treasury.Update) (rewards.TreasuryWindow, error)
}

// AdminServer exposes HTTP endpoints for operator controls.
type AdminServer struct {
	engine   *RewardEngine
	treasury TreasuryUpdater
	mux      *http.ServeMux
}

// NewAdminServer constructs a server wrapping the provided engine.
func NewAdminServer(engine *RewardEngine, treasury TreasuryUpdater) *AdminServer {
	mux := http.NewServeMux()
	server := &AdminServer{engine: engine, treasury: treasury, mux: mux}
	mux.HandleFunc("/pause", server.handlePause)
	mux.HandleFunc("/resume", server.handleResume)
	mux.HandleFunc("/recalculate", server.handleRecalculate)
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/treasury", server.handleTreasury)
	mux.Handle("/metrics", promhttp.Handler())
	return server
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *AdminServer) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.engine.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.engine.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	run, err := s.engine.Recalculate(r.Context())
	if errors.Is(err, ErrRecalculationInProgress) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil && run.ID == "" {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summarise(run))
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status(r.Context()))
}

type treasuryRequest struct {
	TotalAllocation *float64 `json:"total_allocation"`
	DurationDays    *int     `json:"duration_days"`
}

type treasuryResponse struct {
	TotalAllocation float64 `json:"total_allocation"`
	DurationDays    int     `json:"duration_days"`
	StartDate       string  `json:"start_date"`
	EndDate         string  `json:"end_date"`
	DailyBudget     float64 `json:"daily_budget"`
}

func (s *AdminServer) handleTreasury(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req treasuryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	window, err := s.treasury.Apply(r.Context(), treasury.Update{
		TotalAllocation: req.TotalAllocation,
		DurationDays:    req.DurationDays,
	})
	if errors.Is(err, claimable.ErrValidation) || errors.Is(err, rewards.ErrInvalidWindow) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, treasuryResponse{
		TotalAllocation: window.TotalAllocation,
		DurationDays:    window.DurationDays,
		StartDate:       window.StartDate.Format(time.RFC3339),
		EndDate:         window.EndDate.Format(time.RFC3339),
		DailyBudget:     window.DailyBudget,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
