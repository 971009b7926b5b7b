// Package supervisor orchestrates the terminal fleet: it owns one worker
// per active terminal, funnels every administrative mutation through a
// single API, and recovers previously active terminals at startup.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mtfleet/internal/archive"
	"mtfleet/internal/cache"
	"mtfleet/internal/collector"
	"mtfleet/internal/config"
	"mtfleet/internal/domain"
	"mtfleet/internal/launcher"
	"mtfleet/internal/metrics"
	"mtfleet/internal/registry"
	"mtfleet/internal/terminal"
	"mtfleet/internal/util"
	"mtfleet/internal/vault"
)

// Supervisor is the fleet orchestrator. It is an explicit instance with
// injected dependencies, so tests can run several isolated fleets side by
// side.
type Supervisor struct {
	reg     *registry.Registry
	vlt     *vault.Vault
	cch     *cache.Cache
	col     *collector.Collector
	arch    *archive.Archive
	factory terminal.Factory
	launch  *launcher.Launcher
	cfg     *config.Config
	log     *slog.Logger

	mu      sync.Mutex
	workers map[int]*workerHandle
	procs   map[int]*launcher.Handle
}

// workerHandle tracks one in-process worker goroutine.
type workerHandle struct {
	worker *Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles a Supervisor. arch may be nil to disable the closed-deal
// archive; launch may be nil when the launcher mode is "goroutine".
func New(reg *registry.Registry, vlt *vault.Vault, cch *cache.Cache, col *collector.Collector,
	arch *archive.Archive, factory terminal.Factory, launch *launcher.Launcher,
	cfg *config.Config, log *slog.Logger) *Supervisor {
	return &Supervisor{
		reg:     reg,
		vlt:     vlt,
		cch:     cch,
		col:     col,
		arch:    arch,
		factory: factory,
		launch:  launch,
		cfg:     cfg,
		log:     log,
		workers: make(map[int]*workerHandle),
		procs:   make(map[int]*launcher.Handle),
	}
}

// registrySink routes worker status changes into the registry.
type registrySink struct {
	reg *registry.Registry
	log *slog.Logger
}

// StatusChanged implements StatusSink.
func (s registrySink) StatusChanged(terminalID int, connected bool, errMessage string, retryCount int) {
	if err := s.reg.UpdateStatus(terminalID, connected, errMessage, retryCount); err != nil {
		s.log.Warn("updating registry status failed", "terminal", terminalID, "err", err)
	}
}

// ---------------------------------------------------------------------------
// Administrative operations
// ---------------------------------------------------------------------------

// AddTerminal encrypts the password and registers a terminal in the given
// slot. The terminal starts inactive; Connect starts its worker.
func (s *Supervisor) AddTerminal(terminalID int, login, server, label, password string) (*domain.TerminalConfig, error) {
	ciphertext, err := s.vlt.Encrypt(password)
	if err != nil {
		return nil, fmt.Errorf("encrypting password: %w", err)
	}
	tc, err := s.reg.Add(terminalID, login, server, label, ciphertext)
	if err != nil {
		return nil, err
	}
	metrics.TerminalsConfigured.Set(float64(len(s.reg.List())))
	s.log.Info("terminal added", "terminal", terminalID, "login", login, "server", server)
	return tc, nil
}

// ConnectTerminal marks the terminal active and starts its worker. Already
// running terminals are left alone.
func (s *Supervisor) ConnectTerminal(ctx context.Context, terminalID int) error {
	tc, err := s.reg.Get(terminalID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.workers[terminalID]; running {
		return nil
	}
	if _, running := s.procs[terminalID]; running {
		return nil
	}

	password, err := s.vlt.Decrypt(tc.EncryptedPassword)
	if err != nil {
		return fmt.Errorf("decrypting password for terminal %d: %w", terminalID, err)
	}
	if err := s.reg.SetActive(terminalID, true); err != nil {
		return err
	}

	if s.cfg.Launcher.Mode == "process" {
		h, err := s.launch.Spawn(tc, password)
		if err != nil {
			_ = s.reg.UpdateStatus(terminalID, false, err.Error(), tc.RetryCount+1)
			return err
		}
		s.procs[terminalID] = h
		if err := s.reg.SetProcessPID(terminalID, h.PID); err != nil {
			s.log.Warn("recording worker pid failed", "terminal", terminalID, "err", err)
		}
		s.log.Info("worker process started", "terminal", terminalID, "pid", h.PID)
		return nil
	}

	creds := terminal.Credentials{Login: tc.Login, Server: tc.Server, Password: password}
	w := NewWorker(tc, creds, s.factory(tc), s.col, s.arch,
		registrySink{reg: s.reg, log: s.log}, s.cfg.Poll, s.log)

	runCtx, cancel := context.WithCancel(context.Background())
	h := &workerHandle{worker: w, cancel: cancel, done: make(chan struct{})}
	s.workers[terminalID] = h
	go func() {
		defer close(h.done)
		w.Run(runCtx)
	}()
	s.log.Info("worker started", "terminal", terminalID)
	return nil
}

// DisconnectTerminal stops the terminal's worker and marks it inactive. The
// config stays registered for a later Connect. A mid-sleep or mid-backoff
// worker is interrupted, not waited out.
func (s *Supervisor) DisconnectTerminal(ctx context.Context, terminalID int) error {
	if _, err := s.reg.Get(terminalID); err != nil {
		return err
	}
	s.stopWorker(terminalID)

	if err := s.reg.SetActive(terminalID, false); err != nil {
		return err
	}
	s.col.WriteStatus(ctx, &domain.StatusRecord{
		TerminalID:  terminalID,
		IsConnected: false,
		LastUpdate:  time.Now(),
	})
	s.log.Info("terminal disconnected", "terminal", terminalID)
	return nil
}

// RemoveTerminal disconnects the terminal if needed, deletes its registry
// entry, and drops all of its cache keys.
func (s *Supervisor) RemoveTerminal(ctx context.Context, terminalID int) error {
	if _, err := s.reg.Get(terminalID); err != nil {
		return err
	}
	s.stopWorker(terminalID)

	if err := s.reg.Remove(terminalID); err != nil {
		return err
	}
	for _, prefix := range cache.TerminalPrefix(terminalID) {
		if err := s.cch.DeletePrefix(ctx, prefix); err != nil {
			s.log.Warn("dropping cache keys failed", "terminal", terminalID, "err", err)
		}
	}
	metrics.TerminalsConfigured.Set(float64(len(s.reg.List())))
	s.log.Info("terminal removed", "terminal", terminalID)
	return nil
}

// stopWorker cancels and waits out the terminal's worker, if any.
func (s *Supervisor) stopWorker(terminalID int) {
	s.mu.Lock()
	h, ok := s.workers[terminalID]
	if ok {
		delete(s.workers, terminalID)
	}
	p, pok := s.procs[terminalID]
	if pok {
		delete(s.procs, terminalID)
	}
	s.mu.Unlock()

	if ok {
		h.cancel()
		<-h.done
	}
	if pok {
		if err := s.launch.Stop(p); err != nil {
			s.log.Warn("worker process did not exit cleanly", "terminal", terminalID, "err", err)
		}
		_ = s.reg.SetProcessPID(terminalID, 0)
	}
}

// ---------------------------------------------------------------------------
// Read operations
// ---------------------------------------------------------------------------

// Status returns the terminal's connectivity record. It always returns a
// value for a configured terminal and never blocks on the terminal itself.
// A dead worker process forces a disconnected answer regardless of any
// fresher-looking cached record.
func (s *Supervisor) Status(ctx context.Context, terminalID int) (*domain.StatusRecord, error) {
	tc, err := s.reg.Get(terminalID)
	if err != nil {
		return nil, err
	}

	if tc.ProcessPID != 0 && !util.PIDAlive(tc.ProcessPID) {
		rec := &domain.StatusRecord{
			TerminalID:   terminalID,
			IsConnected:  false,
			LastUpdate:   time.Now(),
			ErrorMessage: launcher.ErrProcessDied.Error(),
			RetryCount:   tc.RetryCount,
		}
		return rec, nil
	}

	var rec domain.StatusRecord
	if err := s.cch.Get(ctx, cache.StatusKey(terminalID), &rec); err == nil {
		return &rec, nil
	}
	// No live record; answer from the registry's last known state.
	return &domain.StatusRecord{
		TerminalID:   terminalID,
		IsConnected:  tc.IsConnected,
		LastUpdate:   tc.LastUpdate,
		ErrorMessage: tc.ErrorMessage,
		RetryCount:   tc.RetryCount,
	}, nil
}

// StatusAll returns connectivity records for every configured terminal.
func (s *Supervisor) StatusAll(ctx context.Context) []*domain.StatusRecord {
	var out []*domain.StatusRecord
	for _, tc := range s.reg.List() {
		rec, err := s.Status(ctx, tc.TerminalID)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// ActiveTerminals returns the configs the supervisor should be running.
func (s *Supervisor) ActiveTerminals() []*domain.TerminalConfig {
	return s.reg.Active()
}

// Terminals returns every configured terminal.
func (s *Supervisor) Terminals() []*domain.TerminalConfig {
	return s.reg.List()
}

// AvailableSlots returns unconfigured slot IDs backed by a directory.
func (s *Supervisor) AvailableSlots() []int {
	return s.reg.AvailableSlots()
}

// Snapshot returns the terminal's latest cached snapshot. Expired or absent
// snapshots surface as cache.ErrMiss.
func (s *Supervisor) Snapshot(ctx context.Context, terminalID int) (*domain.Snapshot, error) {
	if _, err := s.reg.Get(terminalID); err != nil {
		return nil, err
	}
	var snap domain.Snapshot
	if err := s.cch.Get(ctx, cache.SnapshotKey(terminalID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DailyStats returns one terminal's stats for a date (YYYY-MM-DD), from the
// cache when fresh, otherwise recomputed from the deal archive.
func (s *Supervisor) DailyStats(ctx context.Context, terminalID int, date string) (*domain.DailyStats, error) {
	if _, err := s.reg.Get(terminalID); err != nil {
		return nil, err
	}

	var stats domain.DailyStats
	if err := s.cch.Get(ctx, cache.DailyStatsKey(terminalID, date), &stats); err == nil {
		return &stats, nil
	}
	if s.arch == nil {
		return nil, fmt.Errorf("%w: no stats for terminal %d on %s", cache.ErrMiss, terminalID, date)
	}

	deals, err := s.arch.ReadDay(terminalID, date)
	if err != nil {
		return nil, err
	}
	stats = collector.ComputeDailyStats(date, deals)
	return &stats, nil
}

// TestConnection tries the given credentials without registering anything,
// returning the account summary on success. Used by operators to validate
// credentials before committing a slot.
func (s *Supervisor) TestConnection(ctx context.Context, login, server, password string) (*terminal.AccountInfo, error) {
	term := s.factory(&domain.TerminalConfig{Login: login, Server: server})
	creds := terminal.Credentials{Login: login, Server: server, Password: password}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Poll.CallTimeout.Std())
	defer cancel()
	if err := term.Connect(callCtx, creds); err != nil {
		return nil, err
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer dcancel()
		_ = term.Disconnect(dctx)
	}()

	return term.AccountInfo(callCtx)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// RecoverActive starts workers for every terminal that was active before
// the last shutdown. Called once at startup.
func (s *Supervisor) RecoverActive(ctx context.Context) {
	for _, tc := range s.reg.Active() {
		if err := s.ConnectTerminal(ctx, tc.TerminalID); err != nil {
			s.log.Error("recovering terminal failed", "terminal", tc.TerminalID, "err", err)
		}
	}
	metrics.TerminalsConfigured.Set(float64(len(s.reg.List())))
}

// Housekeeping purges expired cache rows and, in process mode, reaps dead
// worker processes. Blocks until ctx is cancelled.
func (s *Supervisor) Housekeeping(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := s.cch.PurgeExpired(ctx); err != nil {
			s.log.Warn("cache purge failed", "err", err)
		} else if n > 0 {
			s.log.Debug("purged expired cache rows", "rows", n)
		}
		s.reapDeadProcesses(ctx)
	}
}

// reapDeadProcesses marks terminals whose worker process vanished as
// disconnected so their last snapshot cannot masquerade as live data.
func (s *Supervisor) reapDeadProcesses(ctx context.Context) {
	s.mu.Lock()
	dead := make(map[int]*launcher.Handle)
	for id, h := range s.procs {
		if !h.Alive() {
			dead[id] = h
			delete(s.procs, id)
		}
	}
	s.mu.Unlock()

	for id := range dead {
		s.log.Warn("worker process died", "terminal", id)
		tc, err := s.reg.Get(id)
		retries := 0
		if err == nil {
			retries = tc.RetryCount + 1
		}
		_ = s.reg.SetProcessPID(id, 0)
		_ = s.reg.UpdateStatus(id, false, launcher.ErrProcessDied.Error(), retries)
		s.col.WriteStatus(ctx, &domain.StatusRecord{
			TerminalID:   id,
			IsConnected:  false,
			LastUpdate:   time.Now(),
			ErrorMessage: launcher.ErrProcessDied.Error(),
			RetryCount:   retries,
		})
	}
}

// Close stops every worker and worker process.
func (s *Supervisor) Close() {
	s.mu.Lock()
	ids := make([]int, 0, len(s.workers)+len(s.procs))
	for id := range s.workers {
		ids = append(ids, id)
	}
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.stopWorker(id)
		}(id)
	}
	wg.Wait()
	s.log.Info("supervisor closed", "workers", len(ids))
}
