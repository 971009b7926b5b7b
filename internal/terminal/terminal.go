// Package terminal abstracts one external trading-session connection. The
// supervisor drives implementations through the Terminal interface and never
// cares whether the far side is a real brokerage or a simulator.
package terminal

import (
	"context"
	"errors"
	"time"

	"mtfleet/internal/domain"
)

var (
	// ErrConnectFailed means the session could not be established
	// (bad credentials, unreachable server, slot busy).
	ErrConnectFailed = errors.New("terminal connect failed")

	// ErrNotConnected means an operation was attempted on a terminal
	// without an established session.
	ErrNotConnected = errors.New("terminal not connected")

	// ErrNoAccountData means the session is up but returned no account
	// information; treated as a failed poll, not a lost connection.
	ErrNoAccountData = errors.New("no account data")
)

// Credentials carry what a terminal needs to log in. The password arrives
// decrypted from the vault and must never be logged or persisted; the
// struct deliberately has no String method.
type Credentials struct {
	Login    string
	Server   string
	Password string
}

// AccountInfo is the financial summary of a connected account for one poll.
type AccountInfo struct {
	Balance     float64
	Equity      float64
	Margin      float64
	FreeMargin  float64
	MarginLevel float64
	Profit      float64
	Currency    string
}

// Terminal is one trading-session connection. Implementations must honor
// context cancellation on every call; a hung far side must not be able to
// hang the caller past its deadline.
type Terminal interface {
	// Name returns the implementation identifier (e.g. "alpaca", "sim").
	Name() string

	// Connect establishes the session. Safe to call again after a failed
	// or dropped session.
	Connect(ctx context.Context, creds Credentials) error

	// Disconnect tears the session down. Idempotent.
	Disconnect(ctx context.Context) error

	// AccountInfo returns the account's current financial summary.
	AccountInfo(ctx context.Context) (*AccountInfo, error)

	// OpenPositions returns all currently open positions.
	OpenPositions(ctx context.Context) ([]domain.Trade, error)

	// ClosedDeals returns deals closed in [from, to).
	ClosedDeals(ctx context.Context, from, to time.Time) ([]domain.Trade, error)
}

// Factory builds a Terminal for one configured slot. The supervisor calls
// it once per worker start, so a restart gets a fresh session object.
type Factory func(cfg *domain.TerminalConfig) Terminal

// SimServer is the server name that selects the scripted in-memory terminal
// instead of a real brokerage connection.
const SimServer = "sim"

// NewTerminal selects the implementation by the configured server name.
// "sim" gives a scripted terminal for development and staging; everything
// else is treated as a brokerage base URL.
func NewTerminal(cfg *domain.TerminalConfig) Terminal {
	if cfg.Server == SimServer {
		return NewSimTerminal()
	}
	return NewAlpacaTerminal()
}

var _ Factory = NewTerminal
