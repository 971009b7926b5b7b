// Package registry is the durable table of configured terminals. It is the
// source of truth for which broker-account slots should be connected; the
// supervisor derives its workers from it and writes status back into it.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"mtfleet/internal/domain"
	"mtfleet/internal/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrSlotNotFound means the terminal ID does not correspond to an
	// existing broker-slot directory.
	ErrSlotNotFound = errors.New("terminal slot not found")

	// ErrAlreadyConfigured means the slot already backs a configured
	// terminal.
	ErrAlreadyConfigured = errors.New("terminal already configured")

	// ErrNotConfigured means no terminal is configured for the given ID.
	ErrNotConfigured = errors.New("terminal not configured")
)

const (
	// Default slot range: broker-slot directories Account2..Account10 under
	// the terminals base. Slot 1 is reserved for the manually operated
	// desktop install. Deployments may narrow or shift the range in config.
	MinSlot = 2
	MaxSlot = 10
)

// fileFormat is the persisted registry document.
type fileFormat struct {
	Terminals []*domain.TerminalConfig `json:"terminals"`
}

// Registry holds the configured terminals in memory and rewrites the backing
// JSON file atomically on every mutation. All methods are safe for
// concurrent use; mutations are serialized by a single writer lock.
type Registry struct {
	mu        sync.RWMutex
	path      string
	base      string
	minSlot   int
	maxSlot   int
	terminals map[int]*domain.TerminalConfig
}

// Open loads the registry file at path, or starts empty when it does not
// exist yet. base is the directory containing the AccountN broker-slot
// directories; minSlot and maxSlot bound the valid IDs, with zero meaning
// the package default.
func Open(path, base string, minSlot, maxSlot int) (*Registry, error) {
	if minSlot == 0 {
		minSlot = MinSlot
	}
	if maxSlot == 0 {
		maxSlot = MaxSlot
	}
	if minSlot < 1 || maxSlot < minSlot {
		return nil, fmt.Errorf("invalid slot range %d..%d", minSlot, maxSlot)
	}

	r := &Registry{
		path:      path,
		base:      base,
		minSlot:   minSlot,
		maxSlot:   maxSlot,
		terminals: make(map[int]*domain.TerminalConfig),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing registry %s: %w", path, err)
	}
	for _, tc := range doc.Terminals {
		r.terminals[tc.TerminalID] = tc
	}
	return r, nil
}

// SlotDir returns the broker-slot directory for a terminal ID.
func (r *Registry) SlotDir(terminalID int) string {
	return filepath.Join(r.base, fmt.Sprintf("Account%d", terminalID))
}

// validateSlot checks the ID range and that the slot directory exists on
// disk.
func (r *Registry) validateSlot(terminalID int) error {
	if terminalID < r.minSlot || terminalID > r.maxSlot {
		return fmt.Errorf("%w: id %d outside slots %d..%d",
			ErrSlotNotFound, terminalID, r.minSlot, r.maxSlot)
	}
	info, err := os.Stat(r.SlotDir(terminalID))
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: no slot directory %s", ErrSlotNotFound, r.SlotDir(terminalID))
	}
	return nil
}

// Add configures a new terminal in the given slot. The password must already
// be encrypted by the vault; the registry never sees plaintext.
func (r *Registry) Add(terminalID int, login, server, label, encryptedPassword string) (*domain.TerminalConfig, error) {
	if err := r.validateSlot(terminalID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.terminals[terminalID]; ok {
		return nil, fmt.Errorf("%w: terminal %d", ErrAlreadyConfigured, terminalID)
	}

	tc := &domain.TerminalConfig{
		TerminalID:        terminalID,
		Login:             login,
		Server:            server,
		Label:             label,
		EncryptedPassword: encryptedPassword,
		IsActive:          false,
		IsConnected:       false,
		LastUpdate:        time.Now(),
	}
	r.terminals[terminalID] = tc

	if err := r.persistLocked(); err != nil {
		delete(r.terminals, terminalID)
		return nil, err
	}
	return tc.Clone(), nil
}

// Remove deletes a terminal from the registry. The caller is responsible
// for stopping its worker first.
func (r *Registry) Remove(terminalID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tc, ok := r.terminals[terminalID]
	if !ok {
		return fmt.Errorf("%w: terminal %d", ErrNotConfigured, terminalID)
	}
	delete(r.terminals, terminalID)

	if err := r.persistLocked(); err != nil {
		r.terminals[terminalID] = tc
		return err
	}
	return nil
}

// Get returns a copy of the terminal config, so callers cannot mutate
// registry state behind the lock.
func (r *Registry) Get(terminalID int) (*domain.TerminalConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tc, ok := r.terminals[terminalID]
	if !ok {
		return nil, fmt.Errorf("%w: terminal %d", ErrNotConfigured, terminalID)
	}
	return tc.Clone(), nil
}

// List returns copies of all configured terminals ordered by ID.
func (r *Registry) List() []*domain.TerminalConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.TerminalConfig, 0, len(r.terminals))
	for _, tc := range r.terminals {
		out = append(out, tc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TerminalID < out[j].TerminalID })
	return out
}

// Active returns copies of the terminals the supervisor should be running.
func (r *Registry) Active() []*domain.TerminalConfig {
	var out []*domain.TerminalConfig
	for _, tc := range r.List() {
		if tc.IsActive {
			out = append(out, tc)
		}
	}
	return out
}

// AvailableSlots returns the slot IDs whose directory exists on disk but
// which have no configured terminal yet.
func (r *Registry) AvailableSlots() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []int
	for id := r.minSlot; id <= r.maxSlot; id++ {
		if _, configured := r.terminals[id]; configured {
			continue
		}
		if info, err := os.Stat(r.SlotDir(id)); err == nil && info.IsDir() {
			out = append(out, id)
		}
	}
	return out
}

// SetActive flips the desired-state flag for a terminal.
func (r *Registry) SetActive(terminalID int, active bool) error {
	return r.update(terminalID, func(tc *domain.TerminalConfig) {
		tc.IsActive = active
		if !active {
			tc.IsConnected = false
			tc.ProcessPID = 0
		}
		tc.LastUpdate = time.Now()
	})
}

// UpdateStatus records the outcome of the latest connection or poll attempt.
func (r *Registry) UpdateStatus(terminalID int, connected bool, errMessage string, retryCount int) error {
	return r.update(terminalID, func(tc *domain.TerminalConfig) {
		tc.IsConnected = connected
		tc.ErrorMessage = errMessage
		tc.RetryCount = retryCount
		tc.LastUpdate = time.Now()
	})
}

// SetProcessPID records (or clears, with 0) the worker process for a
// terminal running in process mode.
func (r *Registry) SetProcessPID(terminalID, pid int) error {
	return r.update(terminalID, func(tc *domain.TerminalConfig) {
		tc.ProcessPID = pid
		tc.LastUpdate = time.Now()
	})
}

func (r *Registry) update(terminalID int, fn func(*domain.TerminalConfig)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tc, ok := r.terminals[terminalID]
	if !ok {
		return fmt.Errorf("%w: terminal %d", ErrNotConfigured, terminalID)
	}
	fn(tc)
	return r.persistLocked()
}

// persistLocked rewrites the registry file. Callers must hold the write
// lock.
func (r *Registry) persistLocked() error {
	doc := fileFormat{Terminals: make([]*domain.TerminalConfig, 0, len(r.terminals))}
	for _, tc := range r.terminals {
		doc.Terminals = append(doc.Terminals, tc)
	}
	sort.Slice(doc.Terminals, func(i, j int) bool {
		return doc.Terminals[i].TerminalID < doc.Terminals[j].TerminalID
	})

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}
	if err := util.AtomicWriteFile(r.path, data, 0o600); err != nil {
		return fmt.Errorf("persisting registry: %w", err)
	}
	return nil
}
