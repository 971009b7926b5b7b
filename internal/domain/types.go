// Package domain defines the core data types shared across the terminal
// fleet: terminal configurations, account snapshots, trades, and daily
// statistics. JSON tags match the wire names served to reporting surfaces.
package domain

import "time"

// TradeDirection is the side of a trade as reported by the terminal.
type TradeDirection string

// Trade directions.
const (
	DirectionBuy  TradeDirection = "BUY"
	DirectionSell TradeDirection = "SELL"
)

// ---------------------------------------------------------------------------
// Terminal configuration
// ---------------------------------------------------------------------------

// TerminalConfig is one broker-account slot managed by the fleet. It is the
// unit of persistence in the registry: one entry per terminal_id, with the
// password stored only in encrypted form.
type TerminalConfig struct {
	TerminalID        int       `json:"terminal_id"`
	Login             string    `json:"login"`
	Server            string    `json:"server"`
	Label             string    `json:"label"`
	EncryptedPassword string    `json:"encrypted_password"`
	IsActive          bool      `json:"is_active"`
	IsConnected       bool      `json:"is_connected"`
	LastUpdate        time.Time `json:"last_update"`
	ErrorMessage      string    `json:"error_message"`
	RetryCount        int       `json:"retry_count"`

	// ProcessPID is set only while an isolated worker process is running
	// for this terminal. Zero means in-process worker or not running.
	ProcessPID int `json:"process_pid,omitempty"`
}

// Clone returns a copy, so callers of the registry can read or modify a
// config without racing the registry's own writes.
func (tc *TerminalConfig) Clone() *TerminalConfig {
	cp := *tc
	return &cp
}

// ---------------------------------------------------------------------------
// Trades
// ---------------------------------------------------------------------------

// Trade is a single open position or closed deal read from a terminal.
// A Trade is immutable once read for a given poll cycle; the next cycle may
// observe the same open ticket with an updated CurrentPrice and Profit.
type Trade struct {
	Ticket     int64          `json:"ticket"`
	Symbol     string         `json:"symbol"`
	Direction  TradeDirection `json:"type"`
	Volume     float64        `json:"volume"`
	EntryPrice float64        `json:"entry_price"`
	Profit     float64        `json:"profit"`

	// Open-position fields.
	CurrentPrice float64   `json:"current_price,omitempty"`
	StopLoss     float64   `json:"sl,omitempty"`
	TakeProfit   float64   `json:"tp,omitempty"`
	OpenTime     time.Time `json:"open_time"`

	// Closed-deal fields.
	ClosePrice float64   `json:"price,omitempty"`
	CloseTime  time.Time `json:"time"`
	Commission float64   `json:"commission,omitempty"`
	Swap       float64   `json:"swap,omitempty"`
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Snapshot is the complete cached view of one terminal for one poll cycle.
// It is overwritten every cycle and expires from the cache on its own if
// polling stops, so stale data self-heals into "unavailable".
type Snapshot struct {
	TerminalID        int        `json:"terminal_id"`
	Label             string     `json:"label"`
	Login             string     `json:"login"`
	Balance           float64    `json:"balance"`
	Equity            float64    `json:"equity"`
	Margin            float64    `json:"margin"`
	FreeMargin        float64    `json:"free_margin"`
	MarginLevel       float64    `json:"margin_level"`
	Profit            float64    `json:"profit"`
	Currency          string     `json:"currency"`
	OpenTrades        []Trade    `json:"open_trades"`
	ClosedTradesToday []Trade    `json:"closed_trades_today"`
	DailyStats        DailyStats `json:"daily_stats"`
	TradeCount        int        `json:"trade_count"`
	Timestamp         time.Time  `json:"timestamp"`
}

// StatusRecord is the lightweight connectivity record cached per terminal,
// written on every connect attempt and poll outcome.
type StatusRecord struct {
	TerminalID   int       `json:"terminal_id"`
	IsConnected  bool      `json:"is_connected"`
	LastUpdate   time.Time `json:"last_update"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
}

// ---------------------------------------------------------------------------
// Daily statistics
// ---------------------------------------------------------------------------

// DailyStats aggregates one terminal's closed trades for a single calendar
// day. Recomputed in full from the day's closed-deal list every poll cycle
// rather than maintained incrementally, which keeps it consistent even when
// polls are skipped.
type DailyStats struct {
	Date          string  `json:"date"` // YYYY-MM-DD
	TotalProfit   float64 `json:"total_profit"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"` // percent, 2 decimal places
	LargestWin    float64 `json:"largest_win"`
	LargestLoss   float64 `json:"largest_loss"`
}
