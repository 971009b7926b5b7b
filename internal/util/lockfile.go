package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// ErrLocked is returned by AcquireLock when another live process holds the
// lock.
var ErrLocked = errors.New("lock held by another running process")

// lockInfo is the content of a lock file. Recording the acquisition time
// alongside the PID lets a human distinguish a fresh lock from one surviving
// a reboot where the PID happens to be reused.
type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a held single-instance lock.
type Lock struct {
	path string
}

// AcquireLock takes a single-instance lock at path. A lock file left behind
// by a crashed process (its PID no longer running) is treated as stale and
// replaced rather than trusted.
func AcquireLock(path string) (*Lock, error) {
	if data, err := os.ReadFile(path); err == nil {
		var info lockInfo
		if err := json.Unmarshal(data, &info); err == nil && PIDAlive(info.PID) {
			return nil, fmt.Errorf("%w (pid %d since %s)", ErrLocked, info.PID,
				info.AcquiredAt.Format(time.RFC3339))
		}
		// Stale or unparseable lock: fall through and replace it.
	}

	info := lockInfo{PID: os.Getpid(), AcquiredAt: time.Now()}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := AtomicWriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	return os.Remove(l.path)
}

// PIDAlive reports whether a process with the given PID exists. Signal 0
// performs the existence check without delivering anything.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
