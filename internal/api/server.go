// Package api exposes the fleet's administrative operations over HTTP.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"mtfleet/internal/cache"
	"mtfleet/internal/domain"
	"mtfleet/internal/registry"
	"mtfleet/internal/supervisor"
	"mtfleet/internal/terminal"
)

// Server wires the supervisor's administrative API to HTTP routes.
type Server struct {
	sup   *supervisor.Supervisor
	token string
	log   *slog.Logger
}

// NewServer creates the admin API server. An empty token disables
// authentication (loopback-only deployments).
func NewServer(sup *supervisor.Supervisor, token string, log *slog.Logger) *Server {
	return &Server{sup: sup, token: token, log: log}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/terminals").Subrouter()

	api.HandleFunc("/available", s.handleAvailable).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatusAll).Methods(http.MethodGet)
	api.HandleFunc("/active", s.handleActive).Methods(http.MethodGet)
	api.HandleFunc("/data", s.handleAllData).Methods(http.MethodGet)
	api.HandleFunc("/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)
	api.HandleFunc("/add", s.handleAdd).Methods(http.MethodPost)
	api.HandleFunc("/test-connection", s.handleTestConnection).Methods(http.MethodPost)

	api.HandleFunc("/{id:[0-9]+}", s.handleRemove).Methods(http.MethodDelete)
	api.HandleFunc("/{id:[0-9]+}/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/{id:[0-9]+}/connect", s.handleConnect).Methods(http.MethodPost)
	api.HandleFunc("/{id:[0-9]+}/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/{id:[0-9]+}/data", s.handleData).Methods(http.MethodGet)
	api.HandleFunc("/{id:[0-9]+}/daily-stats", s.handleDailyStats).Methods(http.MethodGet)

	return corsMiddleware(s.authMiddleware(r))
}

// authMiddleware enforces the bearer token when one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := "Bearer " + s.token
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(want)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "err", err)
	}
}

// writeError maps domain errors to status codes and a JSON error body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotConfigured),
		errors.Is(err, registry.ErrSlotNotFound),
		errors.Is(err, cache.ErrMiss):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyConfigured):
		status = http.StatusConflict
	case errors.Is(err, terminal.ErrConnectFailed):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func terminalID(r *http.Request) int {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	return id
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	slots := s.sup.AvailableSlots()
	if slots == nil {
		slots = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"available_slots": slots})
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	records := s.sup.StatusAll(r.Context())
	if records == nil {
		records = []*domain.StatusRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminals": records})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sup.Status(r.Context(), terminalID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type addRequest struct {
	TerminalID int    `json:"terminal_id"`
	Login      string `json:"login"`
	Password   string `json:"password"`
	Server     string `json:"server"`
	Label      string `json:"label"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Login == "" || req.Password == "" || req.Server == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "login, password, and server are required"})
		return
	}

	tc, err := s.sup.AddTerminal(req.TerminalID, req.Login, req.Server, req.Label, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tc)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.ConnectTerminal(r.Context(), terminalID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminal_id": terminalID(r), "connecting": true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.DisconnectTerminal(r.Context(), terminalID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminal_id": terminalID(r), "connected": false})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.RemoveTerminal(r.Context(), terminalID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sup.Snapshot(r.Context(), terminalID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	active := s.sup.ActiveTerminals()
	ids := make([]int, 0, len(active))
	for _, tc := range active {
		ids = append(ids, tc.TerminalID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_terminals": ids})
}

// handleAllData returns the latest snapshot of every configured terminal.
// Terminals without a live snapshot are reported as unavailable rather than
// omitted, so dashboards can show the gap.
func (s *Server) handleAllData(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		TerminalID int              `json:"terminal_id"`
		Available  bool             `json:"available"`
		Data       *domain.Snapshot `json:"data,omitempty"`
	}

	var out []entry
	for _, tc := range s.sup.Terminals() {
		e := entry{TerminalID: tc.TerminalID}
		if snap, err := s.sup.Snapshot(r.Context(), tc.TerminalID); err == nil {
			e.Available = true
			e.Data = snap
		}
		out = append(out, e)
	}
	if out == nil {
		out = []entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminals": out})
}

func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "date must be YYYY-MM-DD"})
		return
	}

	stats, err := s.sup.DailyStats(r.Context(), terminalID(r), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type testConnectionRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	info, err := s.sup.TestConnection(r.Context(), req.Login, req.Server, req.Password)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"balance":  info.Balance,
		"equity":   info.Equity,
		"currency": info.Currency,
	})
}

// leaderboardEntry ranks terminals by the day's realized profit.
type leaderboardEntry struct {
	Rank        int     `json:"rank"`
	TerminalID  int     `json:"terminal_id"`
	Label       string  `json:"label"`
	Login       string  `json:"login"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	DailyProfit float64 `json:"daily_profit"`
	WinRate     float64 `json:"win_rate"`
	TotalTrades int     `json:"total_trades"`
}

// leaderboardKeys maps a sort_by value to the ranking criterion.
var leaderboardKeys = map[string]func(e leaderboardEntry) float64{
	"profit":   func(e leaderboardEntry) float64 { return e.DailyProfit },
	"balance":  func(e leaderboardEntry) float64 { return e.Balance },
	"equity":   func(e leaderboardEntry) float64 { return e.Equity },
	"win_rate": func(e leaderboardEntry) float64 { return e.WinRate },
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	sortBy := r.URL.Query().Get("sort_by")
	if sortBy == "" {
		sortBy = "profit"
	}
	key, ok := leaderboardKeys[sortBy]
	if !ok {
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": "sort_by must be one of profit, balance, equity, win_rate"})
		return
	}

	var entries []leaderboardEntry
	for _, tc := range s.sup.Terminals() {
		snap, err := s.sup.Snapshot(r.Context(), tc.TerminalID)
		if err != nil {
			continue
		}
		entries = append(entries, leaderboardEntry{
			TerminalID:  tc.TerminalID,
			Label:       snap.Label,
			Login:       snap.Login,
			Balance:     snap.Balance,
			Equity:      snap.Equity,
			DailyProfit: snap.DailyStats.TotalProfit,
			WinRate:     snap.DailyStats.WinRate,
			TotalTrades: snap.DailyStats.TotalTrades,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if key(entries[i]) != key(entries[j]) {
			return key(entries[i]) > key(entries[j])
		}
		return entries[i].TerminalID < entries[j].TerminalID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	if entries == nil {
		entries = []leaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries, "sorted_by": sortBy})
}
