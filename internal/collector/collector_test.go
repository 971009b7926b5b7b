package collector

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"mtfleet/internal/cache"
	"mtfleet/internal/config"
	"mtfleet/internal/domain"
	"mtfleet/internal/terminal"
)

func newTestCollector(t *testing.T) (*Collector, *cache.Cache) {
	t.Helper()
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	poll := config.Poll{
		CallTimeout: config.Duration(time.Second),
		SnapshotTTL: config.Duration(time.Minute),
		StatusTTL:   config.Duration(time.Minute),
		StatsTTL:    config.Duration(time.Minute),
		Timezone:    "UTC",
	}
	col, err := New(c, poll, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return col, c
}

func TestComputeDailyStats(t *testing.T) {
	deals := []domain.Trade{
		{Ticket: 1, Profit: 120.50},
		{Ticket: 2, Profit: -40.25},
		{Ticket: 3, Profit: 300},
		{Ticket: 4, Profit: 0}, // break-even: counted in total only
		{Ticket: 5, Profit: -90.75},
	}

	stats := ComputeDailyStats("2026-09-01", deals)

	if stats.Date != "2026-09-01" {
		t.Errorf("date = %q", stats.Date)
	}
	if stats.TotalTrades != 5 {
		t.Errorf("total_trades = %d, want 5", stats.TotalTrades)
	}
	if stats.WinningTrades != 2 || stats.LosingTrades != 2 {
		t.Errorf("wins/losses = %d/%d, want 2/2", stats.WinningTrades, stats.LosingTrades)
	}
	if got, want := stats.TotalProfit, 120.50-40.25+300-90.75; got != want {
		t.Errorf("total_profit = %v, want %v", got, want)
	}
	if stats.WinRate != 40.0 {
		t.Errorf("win_rate = %v, want 40", stats.WinRate)
	}
	if stats.LargestWin != 300 || stats.LargestLoss != -90.75 {
		t.Errorf("largest win/loss = %v/%v", stats.LargestWin, stats.LargestLoss)
	}
}

func TestComputeDailyStatsEmptyDay(t *testing.T) {
	stats := ComputeDailyStats("2026-09-01", nil)
	if stats.TotalTrades != 0 || stats.WinRate != 0 || stats.LargestWin != 0 || stats.LargestLoss != 0 {
		t.Errorf("empty day stats = %+v, want all zeros", stats)
	}
}

func TestComputeDailyStatsWinRateRounding(t *testing.T) {
	// 1 winner of 3 trades: 33.333...% rounds to 33.33.
	deals := []domain.Trade{
		{Profit: 10}, {Profit: -5}, {Profit: -5},
	}
	if got := ComputeDailyStats("2026-09-01", deals).WinRate; got != 33.33 {
		t.Errorf("win_rate = %v, want 33.33", got)
	}
}

func TestPollWritesSnapshotAndStats(t *testing.T) {
	col, c := newTestCollector(t)
	ctx := context.Background()

	sim := terminal.NewSimTerminal()
	if err := sim.Connect(ctx, terminal.Credentials{}); err != nil {
		t.Fatal(err)
	}
	sim.SetAccount(terminal.AccountInfo{Balance: 5000, Equity: 5150, Profit: 150, Currency: "EUR"})
	sim.SetOpenPositions([]domain.Trade{
		{Ticket: 11, Symbol: "EURUSD", Direction: domain.DirectionBuy, Volume: 0.5, Profit: 150},
	})
	sim.AddClosedDeal(domain.Trade{Ticket: 12, Profit: 75, CloseTime: time.Now().UTC()})
	sim.AddClosedDeal(domain.Trade{Ticket: 13, Profit: -25, CloseTime: time.Now().UTC()})

	tc := &domain.TerminalConfig{TerminalID: 4, Label: "alpha", Login: "1001"}
	snap, err := col.Poll(ctx, sim, tc)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if snap.Balance != 5000 || snap.Equity != 5150 || snap.Currency != "EUR" {
		t.Errorf("snapshot account fields = %+v", snap)
	}
	if snap.TradeCount != 1 || len(snap.OpenTrades) != 1 {
		t.Errorf("open trades = %d", len(snap.OpenTrades))
	}
	if len(snap.ClosedTradesToday) != 2 {
		t.Errorf("closed trades today = %d, want 2", len(snap.ClosedTradesToday))
	}
	if snap.DailyStats.TotalTrades != 2 || snap.DailyStats.WinRate != 50 {
		t.Errorf("daily stats = %+v", snap.DailyStats)
	}

	// Snapshot and stats must both land in the cache.
	var cached domain.Snapshot
	if err := c.Get(ctx, cache.SnapshotKey(4), &cached); err != nil {
		t.Fatalf("cached snapshot: %v", err)
	}
	if cached.Equity != 5150 {
		t.Errorf("cached equity = %v", cached.Equity)
	}

	var stats domain.DailyStats
	date := snap.DailyStats.Date
	if err := c.Get(ctx, cache.DailyStatsKey(4, date), &stats); err != nil {
		t.Fatalf("cached stats: %v", err)
	}
	if stats.TotalProfit != 50 {
		t.Errorf("cached total_profit = %v, want 50", stats.TotalProfit)
	}
}

func TestPollTimesOutOnHungTerminal(t *testing.T) {
	col, _ := newTestCollector(t)
	col.callTimeout = 20 * time.Millisecond
	ctx := context.Background()

	sim := terminal.NewSimTerminal()
	if err := sim.Connect(ctx, terminal.Credentials{}); err != nil {
		t.Fatal(err)
	}
	sim.HangFor(time.Second)

	start := time.Now()
	_, err := col.Poll(ctx, sim, &domain.TerminalConfig{TerminalID: 2})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Poll on hung terminal: err = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Poll blocked %v past the call timeout", elapsed)
	}
}

func TestWriteStatus(t *testing.T) {
	col, c := newTestCollector(t)
	ctx := context.Background()

	col.WriteStatus(ctx, &domain.StatusRecord{
		TerminalID:   6,
		IsConnected:  false,
		ErrorMessage: "connect refused",
		RetryCount:   3,
		LastUpdate:   time.Now(),
	})

	var rec domain.StatusRecord
	if err := c.Get(ctx, cache.StatusKey(6), &rec); err != nil {
		t.Fatalf("cached status: %v", err)
	}
	if rec.IsConnected || rec.RetryCount != 3 || rec.ErrorMessage != "connect refused" {
		t.Errorf("status record = %+v", rec)
	}
}
