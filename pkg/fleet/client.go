// Package fleet provides a Go SDK for the fleet-server administrative API.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a fleet-server instance.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// Token, when non-empty, is sent as a bearer token on every request.
	Token string
}

// NewClient creates a fleet API client for the given base URL
// (e.g. "http://127.0.0.1:8090").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("fleet api: %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// AvailableSlots returns the unconfigured broker slots.
func (c *Client) AvailableSlots(ctx context.Context) ([]int, error) {
	var resp struct {
		AvailableSlots []int `json:"available_slots"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/terminals/available", nil, &resp); err != nil {
		return nil, err
	}
	return resp.AvailableSlots, nil
}

// AddTerminal registers a terminal in the given slot.
func (c *Client) AddTerminal(ctx context.Context, terminalID int, login, password, server, label string) (*TerminalConfig, error) {
	req := map[string]any{
		"terminal_id": terminalID,
		"login":       login,
		"password":    password,
		"server":      server,
		"label":       label,
	}
	var tc TerminalConfig
	if err := c.do(ctx, http.MethodPost, "/api/terminals/add", req, &tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

// Connect starts the terminal's worker.
func (c *Client) Connect(ctx context.Context, terminalID int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/terminals/%d/connect", terminalID), nil, nil)
}

// Disconnect stops the terminal's worker without removing its config.
func (c *Client) Disconnect(ctx context.Context, terminalID int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/terminals/%d/disconnect", terminalID), nil, nil)
}

// Remove disconnects and deletes the terminal.
func (c *Client) Remove(ctx context.Context, terminalID int) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/terminals/%d", terminalID), nil, nil)
}

// Status returns one terminal's connectivity record.
func (c *Client) Status(ctx context.Context, terminalID int) (*StatusRecord, error) {
	var rec StatusRecord
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/terminals/%d/status", terminalID), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// StatusAll returns connectivity records for all configured terminals.
func (c *Client) StatusAll(ctx context.Context) ([]StatusRecord, error) {
	var resp struct {
		Terminals []StatusRecord `json:"terminals"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/terminals/status", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Terminals, nil
}

// ActiveTerminals returns the IDs of terminals the supervisor is running.
func (c *Client) ActiveTerminals(ctx context.Context) ([]int, error) {
	var resp struct {
		ActiveTerminals []int `json:"active_terminals"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/terminals/active", nil, &resp); err != nil {
		return nil, err
	}
	return resp.ActiveTerminals, nil
}

// Snapshot returns one terminal's latest cached snapshot.
func (c *Client) Snapshot(ctx context.Context, terminalID int) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/terminals/%d/data", terminalID), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DailyStats returns one terminal's stats for a date (YYYY-MM-DD; empty
// means today).
func (c *Client) DailyStats(ctx context.Context, terminalID int, date string) (*DailyStats, error) {
	path := fmt.Sprintf("/api/terminals/%d/daily-stats", terminalID)
	if date != "" {
		path += "?date=" + date
	}
	var stats DailyStats
	if err := c.do(ctx, http.MethodGet, path, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// TestConnectionResult is the outcome of a credential check.
type TestConnectionResult struct {
	Success  bool    `json:"success"`
	Balance  float64 `json:"balance"`
	Equity   float64 `json:"equity"`
	Currency string  `json:"currency"`
	Error    string  `json:"error"`
}

// TestConnection validates credentials without registering a terminal.
func (c *Client) TestConnection(ctx context.Context, login, password, server string) (*TestConnectionResult, error) {
	req := map[string]string{"login": login, "password": password, "server": server}
	var res TestConnectionResult
	if err := c.do(ctx, http.MethodPost, "/api/terminals/test-connection", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
