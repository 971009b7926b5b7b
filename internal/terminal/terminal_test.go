package terminal

import (
	"context"
	"errors"
	"testing"
	"time"

	"mtfleet/internal/domain"
)

func TestSimConnectDisconnect(t *testing.T) {
	sim := NewSimTerminal()
	ctx := context.Background()

	if _, err := sim.AccountInfo(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("AccountInfo before connect: err = %v, want ErrNotConnected", err)
	}

	if err := sim.Connect(ctx, Credentials{Login: "1001", Server: "demo", Password: "pw"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	info, err := sim.AccountInfo(ctx)
	if err != nil {
		t.Fatalf("AccountInfo: %v", err)
	}
	if info.Balance != 10000 || info.Currency != "USD" {
		t.Errorf("default account = %+v", info)
	}

	if err := sim.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := sim.AccountInfo(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("AccountInfo after disconnect: err = %v, want ErrNotConnected", err)
	}
}

func TestSimScriptedFailures(t *testing.T) {
	sim := NewSimTerminal()
	ctx := context.Background()

	sim.FailNextConnects(2)
	for i := 0; i < 2; i++ {
		if err := sim.Connect(ctx, Credentials{}); !errors.Is(err, ErrConnectFailed) {
			t.Fatalf("scripted connect %d: err = %v, want ErrConnectFailed", i, err)
		}
	}
	if err := sim.Connect(ctx, Credentials{}); err != nil {
		t.Fatalf("connect after failures exhausted: %v", err)
	}

	sim.FailNextPolls(1)
	if _, err := sim.AccountInfo(ctx); !errors.Is(err, ErrNoAccountData) {
		t.Errorf("scripted poll failure: err = %v, want ErrNoAccountData", err)
	}
	if _, err := sim.AccountInfo(ctx); err != nil {
		t.Errorf("poll after failure exhausted: %v", err)
	}
}

func TestSimRequirePassword(t *testing.T) {
	sim := NewSimTerminal()
	sim.RequirePassword("right")
	ctx := context.Background()

	if err := sim.Connect(ctx, Credentials{Password: "wrong"}); !errors.Is(err, ErrConnectFailed) {
		t.Errorf("wrong password: err = %v, want ErrConnectFailed", err)
	}
	if err := sim.Connect(ctx, Credentials{Password: "right"}); err != nil {
		t.Errorf("right password: %v", err)
	}
}

func TestSimHangRespectsContext(t *testing.T) {
	sim := NewSimTerminal()
	sim.HangFor(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := sim.Connect(ctx, Credentials{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("hung connect: err = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("connect blocked %v past its deadline", elapsed)
	}
}

func TestSimClosedDealsWindow(t *testing.T) {
	sim := NewSimTerminal()
	ctx := context.Background()
	if err := sim.Connect(ctx, Credentials{}); err != nil {
		t.Fatal(err)
	}

	day := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	sim.AddClosedDeal(domain.Trade{Ticket: 1, CloseTime: day.Add(-time.Hour)})       // yesterday
	sim.AddClosedDeal(domain.Trade{Ticket: 2, CloseTime: day.Add(10 * time.Hour)})   // today
	sim.AddClosedDeal(domain.Trade{Ticket: 3, CloseTime: day.Add(25 * time.Hour)})   // tomorrow
	sim.AddClosedDeal(domain.Trade{Ticket: 4, CloseTime: day})                       // boundary: included
	sim.AddClosedDeal(domain.Trade{Ticket: 5, CloseTime: day.Add(24 * time.Hour)})   // boundary: excluded

	deals, err := sim.ClosedDeals(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ClosedDeals: %v", err)
	}
	got := map[int64]bool{}
	for _, d := range deals {
		got[d.Ticket] = true
	}
	if len(deals) != 2 || !got[2] || !got[4] {
		t.Errorf("ClosedDeals returned tickets %v, want {2, 4}", got)
	}
}

func TestNewTerminalSelectsByServer(t *testing.T) {
	sim := NewTerminal(&domain.TerminalConfig{TerminalID: 3, Server: SimServer})
	if _, ok := sim.(*SimTerminal); !ok {
		t.Errorf("server %q built %T, want *SimTerminal", SimServer, sim)
	}

	real := NewTerminal(&domain.TerminalConfig{TerminalID: 4, Server: "https://paper-api.alpaca.markets"})
	if _, ok := real.(*AlpacaTerminal); !ok {
		t.Errorf("brokerage URL built %T, want *AlpacaTerminal", real)
	}
}

func TestHashTicketStable(t *testing.T) {
	a := hashTicket("904837e3-3b76-47ec-b432-046db621571b")
	b := hashTicket("904837e3-3b76-47ec-b432-046db621571b")
	c := hashTicket("another-id")
	if a != b {
		t.Error("hashTicket not stable for identical input")
	}
	if a == c {
		t.Error("hashTicket collision on trivially different inputs")
	}
	if a < 0 || c < 0 {
		t.Error("hashTicket produced a negative ticket")
	}
}
