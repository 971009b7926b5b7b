package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mtfleet/internal/cache"
	"mtfleet/internal/collector"
	"mtfleet/internal/config"
	"mtfleet/internal/domain"
	"mtfleet/internal/registry"
	"mtfleet/internal/supervisor"
	"mtfleet/internal/terminal"
	"mtfleet/internal/vault"
)

type harness struct {
	srv  *httptest.Server
	sims map[int]*terminal.SimTerminal
	mu   sync.Mutex
}

func (h *harness) sim(terminalID int) *terminal.SimTerminal {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sims[terminalID]
	if !ok {
		s = terminal.NewSimTerminal()
		h.sims[terminalID] = s
	}
	return s
}

func newHarness(t *testing.T, slots ...int) *harness {
	t.Helper()
	dir := t.TempDir()
	base := filepath.Join(dir, "terminals")
	for _, n := range slots {
		if err := os.MkdirAll(filepath.Join(base, fmt.Sprintf("Account%d", n)), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	reg, err := registry.Open(filepath.Join(dir, "registry.json"), base, registry.MinSlot, registry.MaxSlot)
	if err != nil {
		t.Fatal(err)
	}
	vlt, err := vault.New(filepath.Join(dir, "vault.key"))
	if err != nil {
		t.Fatal(err)
	}
	cch, err := cache.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cch.Close() })

	cfg := config.Default()
	cfg.Poll.Interval = config.Duration(20 * time.Millisecond)
	cfg.Poll.CallTimeout = config.Duration(100 * time.Millisecond)
	cfg.Poll.SnapshotTTL = config.Duration(time.Minute)
	cfg.Poll.Timezone = "UTC"

	log := slog.Default()
	col, err := collector.New(cch, cfg.Poll, log)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{sims: make(map[int]*terminal.SimTerminal)}
	factory := func(tc *domain.TerminalConfig) terminal.Terminal {
		return h.sim(tc.TerminalID)
	}
	sup := supervisor.New(reg, vlt, cch, col, nil, factory, nil, cfg, log)
	t.Cleanup(sup.Close)

	h.srv = httptest.NewServer(NewServer(sup, "", log).Router())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode, out
}

func waitForStatus(t *testing.T, h *harness, id int, connected bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		code, body := h.do(t, http.MethodGet, fmt.Sprintf("/api/terminals/%d/status", id), nil)
		if code == http.StatusOK && body["is_connected"] == connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("terminal %d never reached is_connected=%v", id, connected)
}

func TestAddConnectDataLifecycle(t *testing.T) {
	h := newHarness(t, 3)
	h.sim(3).SetAccount(terminal.AccountInfo{Balance: 4242, Equity: 4300, Currency: "USD"})

	code, body := h.do(t, http.MethodGet, "/api/terminals/available", nil)
	if code != http.StatusOK {
		t.Fatalf("available: status %d", code)
	}
	if slots := body["available_slots"].([]any); len(slots) != 1 {
		t.Fatalf("available_slots = %v", slots)
	}

	code, _ = h.do(t, http.MethodPost, "/api/terminals/add", addRequest{
		TerminalID: 3, Login: "1001", Password: "pw", Server: "Broker-Demo", Label: "alpha",
	})
	if code != http.StatusCreated {
		t.Fatalf("add: status %d", code)
	}

	code, _ = h.do(t, http.MethodPost, "/api/terminals/3/connect", nil)
	if code != http.StatusOK {
		t.Fatalf("connect: status %d", code)
	}
	waitForStatus(t, h, 3, true)

	code, data := h.do(t, http.MethodGet, "/api/terminals/3/data", nil)
	if code != http.StatusOK {
		t.Fatalf("data: status %d", code)
	}
	if data["balance"].(float64) != 4242 {
		t.Errorf("balance = %v", data["balance"])
	}

	code, active := h.do(t, http.MethodGet, "/api/terminals/active", nil)
	if code != http.StatusOK || len(active["active_terminals"].([]any)) != 1 {
		t.Errorf("active = %v", active)
	}

	code, _ = h.do(t, http.MethodPost, "/api/terminals/3/disconnect", nil)
	if code != http.StatusOK {
		t.Fatalf("disconnect: status %d", code)
	}
	waitForStatus(t, h, 3, false)

	code, _ = h.do(t, http.MethodDelete, "/api/terminals/3", nil)
	if code != http.StatusNoContent {
		t.Fatalf("remove: status %d", code)
	}
	code, _ = h.do(t, http.MethodGet, "/api/terminals/3/status", nil)
	if code != http.StatusNotFound {
		t.Errorf("status after remove = %d, want 404", code)
	}
}

func TestAddValidation(t *testing.T) {
	h := newHarness(t, 3)

	// Missing credentials.
	code, _ := h.do(t, http.MethodPost, "/api/terminals/add", addRequest{TerminalID: 3})
	if code != http.StatusBadRequest {
		t.Errorf("add without credentials: status %d, want 400", code)
	}

	// Unknown slot.
	code, _ = h.do(t, http.MethodPost, "/api/terminals/add", addRequest{
		TerminalID: 7, Login: "1", Password: "p", Server: "s",
	})
	if code != http.StatusNotFound {
		t.Errorf("add to missing slot: status %d, want 404", code)
	}

	// Duplicate.
	req := addRequest{TerminalID: 3, Login: "1", Password: "p", Server: "s"}
	if code, _ := h.do(t, http.MethodPost, "/api/terminals/add", req); code != http.StatusCreated {
		t.Fatalf("first add failed: %d", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/api/terminals/add", req); code != http.StatusConflict {
		t.Errorf("duplicate add: status %d, want 409", code)
	}
}

func TestDataMissWhenNotPolling(t *testing.T) {
	h := newHarness(t, 3)
	if code, _ := h.do(t, http.MethodPost, "/api/terminals/add", addRequest{
		TerminalID: 3, Login: "1", Password: "p", Server: "s",
	}); code != http.StatusCreated {
		t.Fatal("add failed")
	}

	code, _ := h.do(t, http.MethodGet, "/api/terminals/3/data", nil)
	if code != http.StatusNotFound {
		t.Errorf("data without snapshot: status %d, want 404", code)
	}
}

func TestTestConnectionEndpoint(t *testing.T) {
	h := newHarness(t, 3)
	h.sim(0).RequirePassword("good")

	code, body := h.do(t, http.MethodPost, "/api/terminals/test-connection",
		testConnectionRequest{Login: "1", Password: "good", Server: "s"})
	if code != http.StatusOK || body["success"] != true {
		t.Errorf("valid credentials: code %d, body %v", code, body)
	}

	code, body = h.do(t, http.MethodPost, "/api/terminals/test-connection",
		testConnectionRequest{Login: "1", Password: "bad", Server: "s"})
	if code != http.StatusOK || body["success"] != false {
		t.Errorf("invalid credentials: code %d, body %v", code, body)
	}
	if body["error"] == "" {
		t.Error("failure response missing error message")
	}
}

func TestAuthMiddleware(t *testing.T) {
	s := &Server{token: "secret"}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(s.authMiddleware(next))
	t.Cleanup(srv.Close)

	cases := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"secret", http.StatusUnauthorized},
		{"Bearer secret", http.StatusOK},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("Authorization %q: status %d, want %d", tc.header, resp.StatusCode, tc.want)
		}
	}
}

func TestCORSPreflightAllowsAuthorization(t *testing.T) {
	h := newHarness(t, 3)

	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/terminals/status", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	allowed := resp.Header.Get("Access-Control-Allow-Headers")
	if !strings.Contains(allowed, "Authorization") {
		t.Errorf("Access-Control-Allow-Headers = %q, missing Authorization", allowed)
	}
}

func TestLeaderboardOrdersByDailyProfit(t *testing.T) {
	h := newHarness(t, 3, 4)

	today := time.Now().UTC()
	h.sim(3).AddClosedDeal(domain.Trade{Ticket: 1, Profit: 10, CloseTime: today})
	h.sim(4).AddClosedDeal(domain.Trade{Ticket: 2, Profit: 250, CloseTime: today})

	// Terminal 3 trails on daily profit but leads on balance, so the two
	// sort keys produce opposite orders.
	h.sim(3).SetAccount(terminal.AccountInfo{Balance: 9000, Equity: 9000, Currency: "USD"})
	h.sim(4).SetAccount(terminal.AccountInfo{Balance: 1000, Equity: 1000, Currency: "USD"})

	for _, id := range []int{3, 4} {
		if code, _ := h.do(t, http.MethodPost, "/api/terminals/add", addRequest{
			TerminalID: id, Login: "1", Password: "p", Server: "s", Label: fmt.Sprintf("t%d", id),
		}); code != http.StatusCreated {
			t.Fatal("add failed")
		}
		if code, _ := h.do(t, http.MethodPost, fmt.Sprintf("/api/terminals/%d/connect", id), nil); code != http.StatusOK {
			t.Fatal("connect failed")
		}
		waitForStatus(t, h, id, true)
	}

	// Both terminals must have published a snapshot.
	deadline := time.Now().Add(2 * time.Second)
	var board []any
	for time.Now().Before(deadline) {
		_, body := h.do(t, http.MethodGet, "/api/terminals/leaderboard", nil)
		board = body["leaderboard"].([]any)
		if len(board) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(board) != 2 {
		t.Fatalf("leaderboard has %d entries, want 2", len(board))
	}

	first := board[0].(map[string]any)
	if first["terminal_id"].(float64) != 4 || first["rank"].(float64) != 1 {
		t.Errorf("leaderboard leader = %v, want terminal 4 at rank 1", first)
	}

	// sort_by=balance flips the order.
	code, body := h.do(t, http.MethodGet, "/api/terminals/leaderboard?sort_by=balance", nil)
	if code != http.StatusOK || body["sorted_by"] != "balance" {
		t.Fatalf("sort_by=balance: code %d, sorted_by %v", code, body["sorted_by"])
	}
	byBalance := body["leaderboard"].([]any)
	if leader := byBalance[0].(map[string]any); leader["terminal_id"].(float64) != 3 {
		t.Errorf("balance leader = %v, want terminal 3", leader)
	}

	if code, _ := h.do(t, http.MethodGet, "/api/terminals/leaderboard?sort_by=bogus", nil); code != http.StatusBadRequest {
		t.Errorf("sort_by=bogus: status %d, want 400", code)
	}
}
