package terminal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mtfleet/internal/domain"
)

// Compile-time interface check.
var _ Terminal = (*SimTerminal)(nil)

// SimTerminal is a scripted in-memory terminal for development and tests.
// Its failure knobs let tests drive the supervisor through every state:
// connect failures, poll failures, and hangs that only a context deadline
// can break.
type SimTerminal struct {
	mu sync.Mutex

	connected bool
	account   AccountInfo
	open      []domain.Trade
	closed    []domain.Trade

	// Failure knobs.
	failConnects int           // next N Connect calls fail
	failPolls    int           // next N AccountInfo calls fail
	hangFor      time.Duration // every call blocks this long first
	wrongPass    string        // if set, Connect fails unless password matches
}

// NewSimTerminal returns a simulator with a small funded account.
func NewSimTerminal() *SimTerminal {
	return &SimTerminal{
		account: AccountInfo{
			Balance:    10000,
			Equity:     10000,
			FreeMargin: 10000,
			Currency:   "USD",
		},
	}
}

// Name returns "sim".
func (s *SimTerminal) Name() string { return "sim" }

// block simulates a slow far side, honoring ctx.
func (s *SimTerminal) block(ctx context.Context) error {
	s.mu.Lock()
	d := s.hangFor
	s.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect establishes the scripted session.
func (s *SimTerminal) Connect(ctx context.Context, creds Credentials) error {
	if err := s.block(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failConnects > 0 {
		s.failConnects--
		return fmt.Errorf("%w: scripted failure", ErrConnectFailed)
	}
	if s.wrongPass != "" && creds.Password != s.wrongPass {
		return fmt.Errorf("%w: invalid credentials", ErrConnectFailed)
	}
	s.connected = true
	return nil
}

// Disconnect tears down the scripted session.
func (s *SimTerminal) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// AccountInfo returns the scripted account summary.
func (s *SimTerminal) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	if err := s.block(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	if s.failPolls > 0 {
		s.failPolls--
		return nil, ErrNoAccountData
	}
	info := s.account
	return &info, nil
}

// OpenPositions returns the scripted open positions.
func (s *SimTerminal) OpenPositions(ctx context.Context) ([]domain.Trade, error) {
	if err := s.block(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	out := make([]domain.Trade, len(s.open))
	copy(out, s.open)
	return out, nil
}

// ClosedDeals returns scripted deals with CloseTime in [from, to).
func (s *SimTerminal) ClosedDeals(ctx context.Context, from, to time.Time) ([]domain.Trade, error) {
	if err := s.block(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	var out []domain.Trade
	for _, d := range s.closed {
		if !d.CloseTime.Before(from) && d.CloseTime.Before(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Scripting controls
// ---------------------------------------------------------------------------

// SetAccount replaces the scripted account summary.
func (s *SimTerminal) SetAccount(info AccountInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = info
}

// SetOpenPositions replaces the scripted open positions.
func (s *SimTerminal) SetOpenPositions(trades []domain.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = trades
}

// AddClosedDeal appends a scripted closed deal.
func (s *SimTerminal) AddClosedDeal(trade domain.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, trade)
}

// FailNextConnects makes the next n Connect calls fail.
func (s *SimTerminal) FailNextConnects(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConnects = n
}

// FailNextPolls makes the next n AccountInfo calls fail.
func (s *SimTerminal) FailNextPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPolls = n
}

// HangFor makes every subsequent call block for d before responding,
// unless the caller's context expires first.
func (s *SimTerminal) HangFor(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangFor = d
}

// RequirePassword makes Connect succeed only with the given password.
func (s *SimTerminal) RequirePassword(password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrongPass = password
}
