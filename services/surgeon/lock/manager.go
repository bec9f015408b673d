// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock makes mutating runs against one repository exclusive.
//
// Exclusion is two-layered: a registry keyed by repository path stops a
// second run in the same process, and an advisory lock on a file outside
// the git directory stops runs in other processes. The lock file records
// the holder so contention errors can name it.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrOperationInProgress is matched by every contention error.
var ErrOperationInProgress = errors.New("operation in progress")

// Holder identifies the run holding a repository lock.
type Holder struct {
	Repo       string    `json:"repo"`
	PID        int       `json:"pid"`
	RunID      string    `json:"run_id"`
	Hostname   string    `json:"hostname,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// InProgressError reports lock contention.
type InProgressError struct {
	Repo string

	// Holder is nil when the lock file could not be read.
	Holder *Holder
}

func (e *InProgressError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("operation in progress on %s", e.Repo)
	}
	return fmt.Sprintf("operation in progress on %s: held by pid %d (run %s) since %s",
		e.Repo, e.Holder.PID, e.Holder.RunID, e.Holder.AcquiredAt.Format(time.RFC3339))
}

func (e *InProgressError) Unwrap() error { return ErrOperationInProgress }

// DefaultDir is the lock directory used when Config.Dir is empty.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "gitsurgeon-locks")
}

// Config configures a Manager.
type Config struct {
	// Dir holds the lock files. Empty uses DefaultDir.
	Dir string

	// Now stamps holder records. Nil uses time.Now.
	Now func() time.Time
}

// Manager hands out repository locks.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	dir    string
	now    func() time.Time
	locker FileLocker
	logger *slog.Logger

	mu   sync.Mutex
	held map[string]*Lock
}

// NewManager creates the lock directory and returns a Manager.
func NewManager(config Config, logger *slog.Logger) (*Manager, error) {
	if config.Dir == "" {
		config.Dir = DefaultDir()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", config.Dir, err)
	}
	return &Manager{
		dir:    config.Dir,
		now:    config.Now,
		locker: newPlatformLocker(),
		logger: logger.With("component", "lock"),
		held:   make(map[string]*Lock),
	}, nil
}

// Lock is a held repository lock.
type Lock struct {
	m      *Manager
	key    string
	path   string
	file   *os.File
	holder Holder
	once   sync.Once
	err    error
}

// Holder returns the record written for this lock.
func (l *Lock) Holder() Holder { return l.holder }

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire takes the exclusive lock for repoPath without waiting.
//
// # Description
//
// Fails fast with an *InProgressError when another run, in this process or
// another, holds the lock. The lock file lives in the lock directory, named
// by a hash of the repository path, so it never appears inside the git dir
// that a backup copies or a restore replaces.
//
// # Inputs
//
//   - ctx: Checked before acquiring.
//   - repoPath: The repository work tree or git dir.
//   - runID: Recorded so a contention error can name this run.
//
// # Outputs
//
//   - *Lock: Release it on every exit path.
//   - error: *InProgressError on contention.
func (m *Manager) Acquire(ctx context.Context, repoPath, runID string) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := canonical(repoPath)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.held[key]; ok {
		holder := existing.holder
		return nil, &InProgressError{Repo: key, Holder: &holder}
	}

	path := m.lockPath(key)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := m.locker.Lock(f); err != nil {
		holder, _ := readHolder(f)
		f.Close()
		if errors.Is(err, errFileLocked) {
			return nil, &InProgressError{Repo: key, Holder: holder}
		}
		return nil, fmt.Errorf("acquiring lock on %s: %w", path, err)
	}

	hostname, _ := os.Hostname()
	holder := Holder{
		Repo:       key,
		PID:        os.Getpid(),
		RunID:      runID,
		Hostname:   hostname,
		AcquiredAt: m.now().UTC(),
	}
	if err := writeHolder(f, holder); err != nil {
		m.locker.Unlock(f)
		f.Close()
		return nil, fmt.Errorf("writing lock holder: %w", err)
	}

	l := &Lock{m: m, key: key, path: path, file: f, holder: holder}
	m.held[key] = l
	m.logger.Debug("lock acquired", "repo", key, "run_id", runID, "path", path)
	return l, nil
}

// Release unlocks and forgets the lock. Later calls return the first
// call's result.
//
// The lock file is truncated, not removed: removing it would let a waiter
// that already opened the old file and a newcomer that creates a new one
// both succeed.
func (l *Lock) Release() error {
	l.once.Do(func() {
		l.m.mu.Lock()
		defer l.m.mu.Unlock()

		var errs []error
		if err := l.file.Truncate(0); err != nil {
			errs = append(errs, err)
		}
		if err := l.m.locker.Unlock(l.file); err != nil {
			errs = append(errs, err)
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(l.m.held, l.key)
		l.err = errors.Join(errs...)
		l.m.logger.Debug("lock released", "repo", l.key, "run_id", l.holder.RunID)
	})
	return l.err
}

// Inspect returns the recorded holder of repoPath's lock, or nil when it is
// free. stale is true when the record names a process on this host that no
// longer exists; records from other hosts are never reported stale.
func (m *Manager) Inspect(repoPath string) (holder *Holder, stale bool, err error) {
	key, err := canonical(repoPath)
	if err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	if l, ok := m.held[key]; ok {
		h := l.holder
		m.mu.Unlock()
		return &h, false, nil
	}
	m.mu.Unlock()

	f, err := os.Open(m.lockPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()
	holder, err = readHolder(f)
	if err != nil || holder == nil {
		return nil, false, err
	}
	if hostname, _ := os.Hostname(); holder.Hostname != "" && holder.Hostname != hostname {
		return holder, false, nil
	}
	return holder, !IsProcessAlive(holder.PID), nil
}

func (m *Manager) lockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:])[:16]+".lock")
}

func canonical(repoPath string) (string, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return "", fmt.Errorf("resolving path %s: %w", repoPath, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return filepath.Clean(abs), nil
}

func writeHolder(f *os.File, h Holder) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}

func readHolder(f *os.File) (*Holder, error) {
	data, err := io.ReadAll(io.NewSectionReader(f, 0, 1<<16))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse lock holder: %w", err)
	}
	return &h, nil
}
