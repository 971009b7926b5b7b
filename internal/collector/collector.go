// Package collector reads one terminal's full state for a poll cycle and
// publishes it to the shared cache: account snapshot, open positions, the
// day's closed deals, and derived daily statistics.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"mtfleet/internal/cache"
	"mtfleet/internal/config"
	"mtfleet/internal/domain"
	"mtfleet/internal/terminal"
)

// ErrPollTimeout marks a poll that failed because a single terminal call
// exceeded its deadline while the worker itself was still live.
var ErrPollTimeout = errors.New("poll timeout")

// Collector gathers poll-cycle data for terminals and writes it to the
// cache. One Collector is shared by all workers; it holds no per-terminal
// state.
type Collector struct {
	cache *cache.Cache
	loc   *time.Location

	callTimeout time.Duration
	snapshotTTL time.Duration
	statusTTL   time.Duration
	statsTTL    time.Duration

	log *slog.Logger
}

// New builds a Collector from the poll policy. An empty timezone means the
// host's local zone; a bad IANA name is an error rather than a silent UTC
// fallback, because it would shift every daily boundary.
func New(c *cache.Cache, poll config.Poll, log *slog.Logger) (*Collector, error) {
	loc := time.Local
	if poll.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(poll.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", poll.Timezone, err)
		}
	}
	return &Collector{
		cache:       c,
		loc:         loc,
		callTimeout: poll.CallTimeout.Std(),
		snapshotTTL: poll.SnapshotTTL.Std(),
		statusTTL:   poll.StatusTTL.Std(),
		statsTTL:    poll.StatsTTL.Std(),
		log:         log,
	}, nil
}

// DayWindow returns the [start, end) bounds of the calendar day containing
// now, in the collector's timezone.
func (c *Collector) DayWindow(now time.Time) (time.Time, time.Time) {
	local := now.In(c.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	return start, start.Add(24 * time.Hour)
}

// Poll reads the terminal's account summary, open positions, and today's
// closed deals, derives daily stats, and writes everything to the cache.
// Each terminal call gets its own deadline so a hung terminal cannot stall
// the worker loop indefinitely.
func (c *Collector) Poll(ctx context.Context, term terminal.Terminal, tc *domain.TerminalConfig) (*domain.Snapshot, error) {
	now := time.Now()

	info, err := call(ctx, c.callTimeout, func(callCtx context.Context) (*terminal.AccountInfo, error) {
		return term.AccountInfo(callCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("account summary: %w", err)
	}

	open, err := call(ctx, c.callTimeout, func(callCtx context.Context) ([]domain.Trade, error) {
		return term.OpenPositions(callCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}

	from, to := c.DayWindow(now)
	closed, err := call(ctx, c.callTimeout, func(callCtx context.Context) ([]domain.Trade, error) {
		return term.ClosedDeals(callCtx, from, to)
	})
	if err != nil {
		return nil, fmt.Errorf("closed deals: %w", err)
	}

	date := from.Format("2006-01-02")
	stats := ComputeDailyStats(date, closed)

	snap := &domain.Snapshot{
		TerminalID:        tc.TerminalID,
		Label:             tc.Label,
		Login:             tc.Login,
		Balance:           info.Balance,
		Equity:            info.Equity,
		Margin:            info.Margin,
		FreeMargin:        info.FreeMargin,
		MarginLevel:       info.MarginLevel,
		Profit:            info.Profit,
		Currency:          info.Currency,
		OpenTrades:        open,
		ClosedTradesToday: closed,
		DailyStats:        stats,
		TradeCount:        len(open),
		Timestamp:         now,
	}

	if err := c.cache.Set(ctx, cache.SnapshotKey(tc.TerminalID), snap, c.snapshotTTL); err != nil {
		return nil, fmt.Errorf("caching snapshot: %w", err)
	}
	if err := c.cache.Set(ctx, cache.DailyStatsKey(tc.TerminalID, date), &stats, c.statsTTL); err != nil {
		return nil, fmt.Errorf("caching daily stats: %w", err)
	}
	return snap, nil
}

// WriteStatus publishes a terminal's connectivity record. Called on every
// connect attempt and poll outcome, success or failure.
func (c *Collector) WriteStatus(ctx context.Context, rec *domain.StatusRecord) {
	if err := c.cache.Set(ctx, cache.StatusKey(rec.TerminalID), rec, c.statusTTL); err != nil {
		c.log.Warn("writing status record failed", "terminal", rec.TerminalID, "err", err)
	}
}

// call runs one terminal operation under the per-call timeout. A deadline
// hit on the call (not on the worker's own context) is marked ErrPollTimeout.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := fn(callCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return v, fmt.Errorf("%w: %w", ErrPollTimeout, err)
	}
	return v, err
}

// ComputeDailyStats derives the day's aggregates from its closed-deal list.
// Break-even deals count toward total_trades but neither wins nor losses;
// the win rate is wins over all closed deals, as a percentage rounded to
// two decimal places.
func ComputeDailyStats(date string, closed []domain.Trade) domain.DailyStats {
	stats := domain.DailyStats{Date: date, TotalTrades: len(closed)}

	for _, d := range closed {
		stats.TotalProfit += d.Profit
		switch {
		case d.Profit > 0:
			stats.WinningTrades++
			if d.Profit > stats.LargestWin {
				stats.LargestWin = d.Profit
			}
		case d.Profit < 0:
			stats.LosingTrades++
			if d.Profit < stats.LargestLoss {
				stats.LargestLoss = d.Profit
			}
		}
	}

	if stats.TotalTrades > 0 {
		rate := float64(stats.WinningTrades) / float64(stats.TotalTrades) * 100
		stats.WinRate = math.Round(rate*100) / 100
	}
	return stats
}
