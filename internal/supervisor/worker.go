package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"mtfleet/internal/archive"
	"mtfleet/internal/collector"
	"mtfleet/internal/config"
	"mtfleet/internal/domain"
	"mtfleet/internal/metrics"
	"mtfleet/internal/terminal"
)

// StatusSink receives connection-state changes from a worker. In-process
// workers point it at the registry; isolated worker processes use a no-op
// sink, since only the orchestrator may write the registry.
type StatusSink interface {
	StatusChanged(terminalID int, connected bool, errMessage string, retryCount int)
}

// NopSink discards status changes.
type NopSink struct{}

// StatusChanged implements StatusSink.
func (NopSink) StatusChanged(int, bool, string, int) {}

// Worker runs one terminal's connection state machine: connect, poll on
// schedule, degrade to backoff on failure, cool down after repeated
// failure. It owns its terminal session exclusively and shares nothing with
// other workers except the cache and its sink.
type Worker struct {
	cfg   *domain.TerminalConfig
	creds terminal.Credentials
	term  terminal.Terminal
	col   *collector.Collector
	arch  *archive.Archive
	sink  StatusSink
	poll  config.Poll
	log   *slog.Logger

	mu    sync.Mutex
	state State
}

// NewWorker assembles a worker. The credentials arrive already decrypted;
// they live only in this worker's memory. arch may be nil to disable the
// closed-deal archive.
func NewWorker(cfg *domain.TerminalConfig, creds terminal.Credentials, term terminal.Terminal,
	col *collector.Collector, arch *archive.Archive, sink StatusSink, poll config.Poll, log *slog.Logger) *Worker {
	return &Worker{
		cfg:   cfg,
		creds: creds,
		term:  term,
		col:   col,
		arch:  arch,
		sink:  sink,
		poll:  poll,
		log:   log.With("terminal", cfg.TerminalID),
		state: StateConfigured,
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(to State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !CanTransition(w.state, to) {
		w.log.Warn("illegal state transition", "from", w.state, "to", to)
	}
	w.state = to
}

// report publishes a status change to both the sink and the cache.
func (w *Worker) report(ctx context.Context, connected bool, errMessage string, retryCount int) {
	w.sink.StatusChanged(w.cfg.TerminalID, connected, errMessage, retryCount)
	w.col.WriteStatus(ctx, &domain.StatusRecord{
		TerminalID:   w.cfg.TerminalID,
		IsConnected:  connected,
		LastUpdate:   time.Now(),
		ErrorMessage: errMessage,
		RetryCount:   retryCount,
	})
}

// Run drives the state machine until ctx is cancelled. Every failure is
// absorbed locally; Run never returns an error.
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		// Best-effort session teardown with a short independent deadline;
		// the run context is already cancelled by now.
		dctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = w.term.Disconnect(dctx)
		w.setState(StateStopped)
	}()

	b := &backoff.Backoff{
		Min:    w.poll.BackoffBase.Std(),
		Max:    w.poll.BackoffCap.Std(),
		Factor: 2,
	}
	retries := 0

	for ctx.Err() == nil {
		w.setState(StateConnecting)
		if err := w.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			retries++
			w.setState(StateDisconnected)
			w.report(ctx, false, err.Error(), retries)
			metrics.ConnectAttempts.WithLabelValues(metrics.TerminalLabel(w.cfg.TerminalID), "error").Inc()
			w.log.Warn("connect failed", "err", err, "retries", retries)

			if retries >= w.poll.MaxRetries {
				w.setState(StateCoolingDown)
				metrics.Cooldowns.WithLabelValues(metrics.TerminalLabel(w.cfg.TerminalID)).Inc()
				w.log.Warn("entering cool-down", "for", w.poll.Cooldown.Std())
				if !sleepCtx(ctx, w.poll.Cooldown.Std()) {
					return
				}
				retries = 0
				b.Reset()
				continue
			}
			if !sleepCtx(ctx, b.Duration()) {
				return
			}
			continue
		}

		retries = 0
		b.Reset()
		w.setState(StateConnected)
		w.report(ctx, true, "", 0)
		metrics.ConnectAttempts.WithLabelValues(metrics.TerminalLabel(w.cfg.TerminalID), "ok").Inc()
		metrics.TerminalsConnected.Inc()
		w.log.Info("connected", "login", w.cfg.Login, "server", w.cfg.Server)

		pollErr := w.pollLoop(ctx)
		metrics.TerminalsConnected.Dec()
		if ctx.Err() != nil {
			return
		}

		// A broken session is not resumed; the next cycle reconnects from
		// scratch after backoff.
		retries++
		w.setState(StateDisconnected)
		w.report(ctx, false, pollErr.Error(), retries)
		w.log.Warn("disconnected", "err", pollErr, "retries", retries)
		if !sleepCtx(ctx, b.Duration()) {
			return
		}
	}
}

// connect establishes the session and verifies it can actually report
// account data. A session that logs in but returns nothing is failed, not
// connected.
func (w *Worker) connect(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, w.poll.CallTimeout.Std())
	defer cancel()
	if err := w.term.Connect(callCtx, w.creds); err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, w.poll.CallTimeout.Std())
	defer cancel()
	info, err := w.term.AccountInfo(probeCtx)
	if err != nil {
		return err
	}
	if info == nil {
		return terminal.ErrNoAccountData
	}
	return nil
}

// pollLoop polls on the configured interval until a poll fails or ctx is
// cancelled. Returns the failure that broke the loop.
func (w *Worker) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.poll.Interval.Std())
	defer ticker.Stop()

	for {
		start := time.Now()
		snap, err := w.col.Poll(ctx, w.term, w.cfg)
		metrics.ObservePoll(w.cfg.TerminalID, err, time.Since(start))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		w.report(ctx, true, "", 0)
		if w.arch != nil && len(snap.ClosedTradesToday) > 0 {
			if aerr := w.arch.WriteDay(w.cfg.TerminalID, snap.DailyStats.Date, snap.ClosedTradesToday); aerr != nil {
				w.log.Warn("archiving closed deals failed", "err", aerr)
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
