// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup makes, verifies and restores full copies of a git
// directory.
//
// A backup is a directory "<repo>_backup_<timestamp>" holding a copy of the
// git dir under git/ and a manifest.json with a SHA-256 per file plus an
// overall checksum. It is written under a ".partial" name and renamed only
// after it verifies, so a directory with the final name is always complete.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
)

// TimeFormat is the ISO 8601 basic UTC timestamp in backup names.
const TimeFormat = "20060102T150405.000Z"

const (
	nameSeparator = "_backup_"
	partialSuffix = ".partial"
)

var backupNameRe = regexp.MustCompile(`^(.+)_backup_(\d{8}T\d{6}\.\d{3}Z)$`)

// Backup is a completed, verified backup.
type Backup struct {
	Name         string            `json:"name" yaml:"name"`
	Path         string            `json:"path" yaml:"path"`
	Repo         string            `json:"repo" yaml:"repo"`
	SourceGitDir string            `json:"source_git_dir" yaml:"source_git_dir"`
	CreatedAt    time.Time         `json:"created_at" yaml:"created_at"`
	Head         string            `json:"head,omitempty" yaml:"head,omitempty"`
	Branches     map[string]string `json:"branches" yaml:"branches"`
	Files        int               `json:"files" yaml:"files"`
	Size         int64             `json:"size" yaml:"size"`
	Checksum     string            `json:"checksum" yaml:"checksum"`

	// Mirror is the remote copy's URI when mirroring succeeded.
	Mirror string `json:"mirror,omitempty" yaml:"mirror,omitempty"`
}

// PayloadPath is the directory holding the copied git dir.
func (b *Backup) PayloadPath() string {
	return filepath.Join(b.Path, payloadDir)
}

// Mirror uploads a verified backup somewhere off the machine.
type Mirror interface {
	// Upload copies the backup and returns the remote URI.
	Upload(ctx context.Context, b *Backup) (string, error)
}

// Resetter resets a work tree to a revision. *git.Client implements it.
type Resetter interface {
	ResetHard(ctx context.Context, rev string) error
}

// Config configures a Manager.
type Config struct {
	// Root is the directory backups are written to and listed from.
	Root string

	// Workers bounds the copy and hash pool. Zero uses runtime.NumCPU.
	Workers int

	// Mirror, when set, receives every verified backup.
	Mirror Mirror

	// OnProgress receives throttled progress updates.
	OnProgress func(Progress)

	// Now names backups. Nil uses time.Now.
	Now func() time.Time
}

// Manager creates and restores backups.
//
// # Thread Safety
//
// Safe for concurrent use. Callers serialize mutating runs on the same
// repository with the lock package.
type Manager struct {
	config Config
	logger *slog.Logger
}

// NewManager creates a Manager.
func NewManager(config Config, logger *slog.Logger) *Manager {
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{config: config, logger: logger.With("component", "backup")}
}

// Root returns the backup root for a snapshot: the configured root, or the
// repository's parent directory.
func (m *Manager) Root(snap *git.Snapshot) string {
	if m.config.Root != "" {
		return m.config.Root
	}
	if snap != nil {
		return filepath.Dir(snap.Path)
	}
	return ""
}

// Create writes and verifies a full copy of the snapshot's git dir.
//
// # Description
//
// Copies the git dir into "<name>.partial" with a bounded worker pool,
// writes the manifest, re-hashes the copy against it and only then renames
// it to its final name. On failure the partial directory is removed and no
// backup is reported. An existing backup is never overwritten.
//
// # Inputs
//
//   - ctx: Cancels the copy; a cancelled copy leaves nothing behind.
//   - snap: The repository state being backed up.
//
// # Outputs
//
//   - *Backup: The verified backup.
//   - error: *BackupError.
func (m *Manager) Create(ctx context.Context, snap *git.Snapshot) (*Backup, error) {
	root := m.Root(snap)
	createdAt := m.config.Now().UTC()
	name := snap.Name + nameSeparator + createdAt.Format(TimeFormat)
	final := filepath.Join(root, name)
	partial := final + partialSuffix

	fail := func(op string, err error) (*Backup, error) {
		if rmErr := os.RemoveAll(partial); rmErr != nil {
			m.logger.Warn("could not remove partial backup", "path", partial, "error", rmErr)
		}
		return nil, &BackupError{Kind: KindCreate, Op: op, Path: final, Err: err}
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, &BackupError{Kind: KindCreate, Op: "create root", Path: root, Err: err}
	}
	if _, err := os.Lstat(final); err == nil {
		return nil, &BackupError{Kind: KindCreate, Op: "name", Path: final, Err: os.ErrExist}
	}
	if err := os.Mkdir(partial, 0755); err != nil {
		return nil, &BackupError{Kind: KindCreate, Op: "create partial", Path: partial, Err: err}
	}

	start := time.Now()
	entries, err := copyTree(ctx, snap.GitDir, filepath.Join(partial, payloadDir), m.config.Workers, m.config.OnProgress)
	if err != nil {
		return fail("copy", err)
	}

	manifest := &Manifest{
		Version:      manifestVersion,
		Repo:         snap.Name,
		SourceGitDir: snap.GitDir,
		CreatedAt:    createdAt,
		Head:         snap.Head,
		Branches:     snap.Branches,
		Entries:      entries,
		Checksum:     Checksum(entries),
	}
	if err := writeManifest(partial, manifest); err != nil {
		return fail("write manifest", err)
	}

	if mismatches, err := m.check(ctx, partial, manifest); err != nil {
		return fail("verify", err)
	} else if len(mismatches) > 0 {
		m.removeQuietly(partial)
		return nil, &BackupError{Kind: KindVerification, Path: final, Mismatches: mismatches}
	}

	if _, err := os.Lstat(final); err == nil {
		return fail("rename", os.ErrExist)
	}
	if err := os.Rename(partial, final); err != nil {
		return fail("rename", err)
	}

	b := fromManifest(final, manifest)
	m.logger.Info("backup created",
		"path", b.Path,
		"files", b.Files,
		"bytes", b.Size,
		"duration", time.Since(start))

	if m.config.Mirror != nil {
		uri, err := m.config.Mirror.Upload(ctx, b)
		if err != nil {
			m.logger.Warn("backup mirror failed; local backup is intact", "path", b.Path, "error", err)
		} else {
			b.Mirror = uri
			m.logger.Info("backup mirrored", "uri", uri)
		}
	}
	return b, nil
}

// Verify re-hashes a backup against its manifest.
//
// # Outputs
//
//   - bool: True when every file and the overall checksum match.
//   - error: *BackupError with KindVerification on mismatch.
func (m *Manager) Verify(ctx context.Context, b *Backup) (bool, error) {
	manifest, err := readManifest(b.Path)
	if err != nil {
		return false, &BackupError{Kind: KindVerification, Op: "read manifest", Path: b.Path, Err: err}
	}
	mismatches, err := m.check(ctx, b.Path, manifest)
	if err != nil {
		return false, &BackupError{Kind: KindVerification, Op: "hash", Path: b.Path, Err: err}
	}
	if len(mismatches) > 0 {
		return false, &BackupError{Kind: KindVerification, Path: b.Path, Mismatches: mismatches}
	}
	return true, nil
}

// check compares the payload under dir with manifest.
func (m *Manager) check(ctx context.Context, dir string, manifest *Manifest) ([]string, error) {
	got, err := hashTree(ctx, filepath.Join(dir, payloadDir), m.config.Workers, m.config.OnProgress)
	if err != nil {
		return nil, err
	}
	mismatches := diffEntries(manifest.Entries, got)
	if Checksum(manifest.Entries) != manifest.Checksum {
		mismatches = append(mismatches, manifestName+" (checksum)")
	}
	return mismatches, nil
}

// RestoreStep is one step of a restore.
type RestoreStep struct {
	Name  string `json:"name" yaml:"name"`
	OK    bool   `json:"ok" yaml:"ok"`
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// RestoreResult reports a restore.
type RestoreResult struct {
	Backup   *Backup       `json:"backup" yaml:"backup"`
	GitDir   string        `json:"git_dir" yaml:"git_dir"`
	Checksum string        `json:"checksum" yaml:"checksum"`
	Steps    []RestoreStep `json:"steps" yaml:"steps"`
}

func (r *RestoreResult) record(name string, err error) error {
	step := RestoreStep{Name: name, OK: err == nil}
	if err != nil {
		step.Error = err.Error()
	}
	r.Steps = append(r.Steps, step)
	return err
}

// Restore replaces gitDir with the backup's copy.
//
// # Description
//
// Verifies the backup, copies its payload into a temporary sibling of
// gitDir, checks the copy against the manifest checksum, then swaps it in.
// The previous git dir is moved aside first and put back if the swap
// fails. Finally the work tree is reset to the restored HEAD when worktree
// is non-nil. Restoring the same backup twice gives the same result.
//
// # Inputs
//
//   - ctx: Cancels the copy. The swap itself is not interruptible.
//   - b: A backup from Create, Open or List.
//   - gitDir: The git dir to replace.
//   - worktree: Resets the work tree; nil for bare repositories.
//
// # Outputs
//
//   - *RestoreResult: Always non-nil; lists every step attempted.
//   - error: *BackupError with KindRestore or KindVerification.
func (m *Manager) Restore(ctx context.Context, b *Backup, gitDir string, worktree Resetter) (*RestoreResult, error) {
	result := &RestoreResult{Backup: b, GitDir: gitDir}
	fail := func(err error) (*RestoreResult, error) {
		var berr *BackupError
		if errors.As(err, &berr) {
			return result, err
		}
		return result, &BackupError{Kind: KindRestore, Path: b.Path, Err: err}
	}

	manifest, err := readManifest(b.Path)
	if err := result.record("read manifest", err); err != nil {
		return fail(err)
	}
	if _, err := m.Verify(ctx, b); result.record("verify backup", err) != nil {
		return fail(err)
	}

	parent := filepath.Dir(gitDir)
	staging, err := os.MkdirTemp(parent, ".gitsurgeon-restore-")
	if err := result.record("create staging", err); err != nil {
		return fail(err)
	}
	// copyTree creates its destination.
	stagedDir := filepath.Join(staging, payloadDir)
	cleanup := func() {
		if err := os.RemoveAll(staging); err != nil {
			m.logger.Warn("could not remove restore staging dir", "path", staging, "error", err)
		}
	}

	entries, err := copyTree(ctx, b.PayloadPath(), stagedDir, m.config.Workers, m.config.OnProgress)
	if err := result.record("copy backup", err); err != nil {
		cleanup()
		return fail(err)
	}
	result.Checksum = Checksum(entries)
	if result.Checksum != manifest.Checksum {
		err := &BackupError{Kind: KindVerification, Op: "staged copy", Path: stagedDir, Mismatches: diffEntries(manifest.Entries, entries)}
		result.record("verify staged copy", err)
		cleanup()
		return fail(err)
	}
	result.record("verify staged copy", nil)

	if err := result.record("swap git dir", swapDir(stagedDir, gitDir, staging)); err != nil {
		cleanup()
		return fail(err)
	}
	cleanup()

	if worktree != nil {
		if err := result.record("reset work tree", worktree.ResetHard(context.WithoutCancel(ctx), "HEAD")); err != nil {
			return fail(err)
		}
	}

	m.logger.Info("backup restored", "backup", b.Path, "git_dir", gitDir)
	return result, nil
}

// swapDir replaces target with replacement. The old target is parked in
// park and moved back if the second rename fails.
func swapDir(replacement, target, park string) error {
	old := filepath.Join(park, "previous")
	hadTarget := true
	if err := os.Rename(target, old); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("move current git dir aside: %w", err)
		}
		hadTarget = false
	}
	if err := os.Rename(replacement, target); err != nil {
		var errs error = fmt.Errorf("move restored git dir into place: %w", err)
		if hadTarget {
			errs = multierr.Append(errs, os.Rename(old, target))
		}
		return errs
	}
	return nil
}

// List returns the completed backups in the root, newest first. Partial
// directories and directories without a readable manifest are skipped.
func (m *Manager) List(ctx context.Context, root string) ([]*Backup, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup root: %w", err)
	}
	var out []*Backup
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || !backupNameRe.MatchString(e.Name()) {
			continue
		}
		b, err := Open(filepath.Join(root, e.Name()))
		if err != nil {
			m.logger.Debug("skipping unreadable backup", "name", e.Name(), "error", err)
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Open loads a completed backup from its directory.
func Open(path string) (*Backup, error) {
	if strings.HasSuffix(path, partialSuffix) {
		return nil, fmt.Errorf("%s is an incomplete backup", path)
	}
	manifest, err := readManifest(path)
	if err != nil {
		return nil, err
	}
	return fromManifest(path, manifest), nil
}

func fromManifest(path string, m *Manifest) *Backup {
	return &Backup{
		Name:         filepath.Base(path),
		Path:         path,
		Repo:         m.Repo,
		SourceGitDir: m.SourceGitDir,
		CreatedAt:    m.CreatedAt,
		Head:         m.Head,
		Branches:     m.Branches,
		Files:        len(m.Entries),
		Size:         m.TotalSize(),
		Checksum:     m.Checksum,
	}
}

func (m *Manager) removeQuietly(path string) {
	if err := os.RemoveAll(path); err != nil {
		m.logger.Warn("could not remove directory", "path", path, "error", err)
	}
}
