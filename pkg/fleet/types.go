package fleet

import "time"

// Wire types mirroring the server's JSON responses, so importers of this
// package can name them in their own signatures.

// TerminalConfig is one configured broker-account slot. The encrypted
// password is not mirrored; clients have no use for ciphertext.
type TerminalConfig struct {
	TerminalID   int       `json:"terminal_id"`
	Login        string    `json:"login"`
	Server       string    `json:"server"`
	Label        string    `json:"label"`
	IsActive     bool      `json:"is_active"`
	IsConnected  bool      `json:"is_connected"`
	LastUpdate   time.Time `json:"last_update"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
	ProcessPID   int       `json:"process_pid,omitempty"`
}

// StatusRecord is one terminal's connectivity record.
type StatusRecord struct {
	TerminalID   int       `json:"terminal_id"`
	IsConnected  bool      `json:"is_connected"`
	LastUpdate   time.Time `json:"last_update"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
}

// Trade is a single open position or closed deal.
type Trade struct {
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"type"`
	Volume     float64 `json:"volume"`
	EntryPrice float64 `json:"entry_price"`
	Profit     float64 `json:"profit"`

	CurrentPrice float64   `json:"current_price,omitempty"`
	StopLoss     float64   `json:"sl,omitempty"`
	TakeProfit   float64   `json:"tp,omitempty"`
	OpenTime     time.Time `json:"open_time"`

	ClosePrice float64   `json:"price,omitempty"`
	CloseTime  time.Time `json:"time"`
	Commission float64   `json:"commission,omitempty"`
	Swap       float64   `json:"swap,omitempty"`
}

// DailyStats aggregates one terminal's closed trades for a calendar day.
type DailyStats struct {
	Date          string  `json:"date"`
	TotalProfit   float64 `json:"total_profit"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	LargestWin    float64 `json:"largest_win"`
	LargestLoss   float64 `json:"largest_loss"`
}

// Snapshot is the latest cached view of one terminal.
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
