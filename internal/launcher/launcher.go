// Package launcher spawns isolated terminal-worker processes, one per
// terminal, for deployments where a misbehaving session must not share an
// address space with the orchestrator.
package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"mtfleet/internal/domain"
	"mtfleet/internal/util"
)

var (
	// ErrProcessSpawnFailed means the worker binary could not be started.
	ErrProcessSpawnFailed = errors.New("worker process spawn failed")

	// ErrProcessDied means a liveness check found the worker process gone.
	ErrProcessDied = errors.New("worker process died")
)

// PasswordEnv is the environment variable carrying the terminal password to
// the child. Credentials never appear in the argv, which is world-readable
// on most hosts; the child reads the variable once and clears it.
const PasswordEnv = "MTFLEET_TERMINAL_PASSWORD"

// Launcher spawns and stops terminal-worker processes.
type Launcher struct {
	workerBin string
	grace     time.Duration
}

// New returns a Launcher that runs workerBin and allows grace between
// SIGTERM and SIGKILL on stop.
func New(workerBin string, grace time.Duration) *Launcher {
	return &Launcher{workerBin: workerBin, grace: grace}
}

// Handle tracks one spawned worker process.
type Handle struct {
	PID  int
	proc *os.Process
	done chan struct{}
	err  error
}

// Spawn starts a worker for the terminal. The password travels through the
// child's environment only; everything else goes on the command line.
func (l *Launcher) Spawn(cfg *domain.TerminalConfig, password string) (*Handle, error) {
	cmd := exec.Command(l.workerBin,
		"--terminal-id", fmt.Sprintf("%d", cfg.TerminalID),
		"--login", cfg.Login,
		"--server", cfg.Server,
		"--label", cfg.Label,
	)
	cmd.Env = append(os.Environ(), PasswordEnv+"="+password)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessSpawnFailed, err)
	}

	h := &Handle{
		PID:  cmd.Process.Pid,
		proc: cmd.Process,
		done: make(chan struct{}),
	}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// Alive reports whether the worker process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return util.PIDAlive(h.PID)
	}
}

// Stop asks the worker to exit with SIGTERM and escalates to SIGKILL if it
// has not exited within the grace period. Returns the process's exit error,
// nil on a clean exit.
func (l *Launcher) Stop(h *Handle) error {
	if !h.Alive() {
		return nil
	}
	if err := h.proc.Signal(syscall.SIGTERM); err != nil {
		// Already gone between the check and the signal.
		return nil
	}

	select {
	case <-h.done:
		return h.err
	case <-time.After(l.grace):
	}

	_ = h.proc.Kill()
	<-h.done
	return h.err
}
