// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validate checks that a repository is safe to rewrite.
//
// Every check runs on every pass and the report lists all findings, so a
// user fixes everything at once instead of one error per attempt.
package validate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/lock"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
)

// Inspector is the read-only repository access the validator needs.
// *git.Client implements it.
type Inspector interface {
	Status(ctx context.Context) (*git.Status, error)
	InProgress(ctx context.Context) ([]string, error)
	Fsck(ctx context.Context, revs ...string) error
	RevParse(ctx context.Context, rev string) (string, error)
	AheadBehind(ctx context.Context, local, upstream string) (ahead, behind int, err error)
}

// LockInspector reads the recorded holder of a repository lock.
// *lock.Manager implements it.
type LockInspector interface {
	Inspect(repoPath string) (holder *lock.Holder, stale bool, err error)
}

// Config configures a Validator.
type Config struct {
	// BackupRoot is where backups are written; its filesystem must have room
	// for a copy of the git dir. Empty uses the repository's parent dir.
	BackupRoot string

	// DiskFree reports free bytes for a path. Nil uses DiskFree.
	DiskFree func(path string) (uint64, error)

	// Now stamps reports. Nil uses time.Now.
	Now func() time.Time

	// Locks enables the lock holder check. Nil skips it.
	Locks LockInspector
}

// Validator runs repository state checks.
//
// # Thread Safety
//
// Safe for concurrent use; each pass keeps its findings locally.
type Validator struct {
	repo   Inspector
	config Config
	logger *slog.Logger
}

// New creates a Validator.
//
// # Inputs
//
//   - repo: Repository access. Must not be nil.
//   - config: Optional settings.
//   - logger: Nil discards.
//
// # Panics
//
//   - Panics if repo is nil.
func New(repo Inspector, config Config, logger *slog.Logger) *Validator {
	if repo == nil {
		panic("validate: inspector must not be nil")
	}
	if config.DiskFree == nil {
		config.DiskFree = DiskFree
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Validator{repo: repo, config: config, logger: logger.With("component", "validator")}
}

type collector struct {
	mu       sync.Mutex
	findings []Finding
}

func (c *collector) add(f Finding) {
	c.mu.Lock()
	c.findings = append(c.findings, f)
	c.mu.Unlock()
}

type check func(ctx context.Context, snap *git.Snapshot, scope []string, out *collector) error

// Validate runs every pre-execution check concurrently.
//
// # Description
//
// Checks the working tree, in-progress operations, HEAD, scoped branches,
// ref integrity, free disk space and upstream divergence. A check that
// cannot run is itself reported as a blocking CHECK_FAILED finding, so the
// report is complete whenever ctx is not cancelled.
//
// # Inputs
//
//   - ctx: Cancels all checks.
//   - snap: The repository snapshot.
//   - scope: Short branch names the operation will touch.
//
// # Outputs
//
//   - *Report: Findings sorted blocking first.
//   - error: Only ctx errors.
func (v *Validator) Validate(ctx context.Context, snap *git.Snapshot, scope []string) (*Report, error) {
	return v.run(ctx, snap, scope, map[string]check{
		"working tree": v.checkWorkingTree,
		"in progress":  v.checkInProgress,
		"head":         v.checkHead,
		"branches":     v.checkBranches,
		"refs":         v.checkRefs,
		"disk":         v.checkDisk,
		"upstream":     v.checkUpstream,
		"lock":         v.checkLock,
	})
}

// ValidatePost is the reduced pass run after a rewrite: ref integrity and
// branch existence.
func (v *Validator) ValidatePost(ctx context.Context, snap *git.Snapshot, scope []string) (*Report, error) {
	return v.run(ctx, snap, scope, map[string]check{
		"branches": v.checkBranches,
		"refs":     v.checkRefs,
	})
}

func (v *Validator) run(ctx context.Context, snap *git.Snapshot, scope []string, checks map[string]check) (*Report, error) {
	if snap == nil {
		return nil, errors.New("validate: nil snapshot")
	}
	out := &collector{}
	g, gctx := errgroup.WithContext(ctx)
	for name, fn := range checks {
		g.Go(func() error {
			if err := fn(gctx, snap, scope, out); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				v.logger.Warn("check failed", "check", name, "error", err)
				out.add(Finding{
					Code:     CodeCheckFailed,
					Severity: Blocking,
					Message:  fmt.Sprintf("%s check could not run: %v", name, err),
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sortFindings(out.findings)
	report := &Report{Findings: out.findings, CheckedAt: v.config.Now().UTC()}
	v.logger.Debug("validation complete",
		"blocking", len(report.Blocking()),
		"warnings", len(report.Warnings()))
	return report, nil
}

func (v *Validator) checkWorkingTree(ctx context.Context, snap *git.Snapshot, _ []string, out *collector) error {
	if snap.Bare {
		return nil
	}
	status, err := v.repo.Status(ctx)
	if err != nil {
		return err
	}
	if status.HasUncommittedChanges() {
		var details []string
		details = append(details, prefixed("staged: ", status.Staged)...)
		details = append(details, prefixed("modified: ", status.Modified)...)
		details = append(details, prefixed("conflicted: ", status.Conflicted)...)
		out.add(Finding{
			Code:     CodeDirtyWorkingTree,
			Severity: Blocking,
			Message:  "working tree has uncommitted changes; commit or stash them first",
			Details:  details,
		})
	}
	if len(status.Untracked) > 0 {
		out.add(Finding{
			Code:     CodeUntrackedFiles,
			Severity: Warning,
			Message:  fmt.Sprintf("%d untracked file(s) will be left as they are", len(status.Untracked)),
			Details:  status.Untracked,
		})
	}
	return nil
}

func (v *Validator) checkInProgress(ctx context.Context, _ *git.Snapshot, _ []string, out *collector) error {
	ops, err := v.repo.InProgress(ctx)
	if err != nil {
		return err
	}
	if len(ops) > 0 {
		out.add(Finding{
			Code:     CodeOperationInProgress,
			Severity: Blocking,
			Message:  "a git operation is in progress: " + strings.Join(ops, ", "),
			Details:  []string{"finish it or abort it (e.g. git rebase --abort) before rewriting"},
		})
	}
	return nil
}

func (v *Validator) checkHead(_ context.Context, snap *git.Snapshot, _ []string, out *collector) error {
	if snap.Detached {
		out.add(Finding{
			Code:     CodeDetachedHead,
			Severity: Warning,
			Message:  "HEAD is detached; the work tree will not follow rewritten branches",
		})
	}
	return nil
}

func (v *Validator) checkBranches(_ context.Context, snap *git.Snapshot, scope []string, out *collector) error {
	var missing []string
	for _, b := range scope {
		if _, ok := snap.Branches[b]; !ok {
			missing = append(missing, b)
		}
	}
	if len(missing) > 0 {
		out.add(Finding{
			Code:     CodeMissingBranch,
			Severity: Blocking,
			Message:  "branch not found: " + strings.Join(missing, ", "),
			Details:  missing,
		})
	}
	return nil
}

func (v *Validator) checkRefs(ctx context.Context, snap *git.Snapshot, _ []string, out *collector) error {
	var broken []string
	for _, ref := range snap.Refs {
		if !ref.IsBranch() && !strings.HasPrefix(ref.Name, "refs/tags/") {
			continue
		}
		if _, err := v.repo.RevParse(ctx, ref.Name); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			broken = append(broken, ref.Name)
		}
	}
	fsckErr := v.repo.Fsck(ctx)
	if fsckErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if len(broken) == 0 && fsckErr == nil {
		return nil
	}
	f := Finding{
		Code:     CodeCorruptRefs,
		Severity: Blocking,
		Message:  "repository integrity check failed",
		Details:  broken,
	}
	if fsckErr != nil {
		f.Details = append(f.Details, "fsck: "+fsckErr.Error())
	}
	out.add(f)
	return nil
}

func (v *Validator) checkDisk(_ context.Context, snap *git.Snapshot, _ []string, out *collector) error {
	need, err := DirSize(snap.GitDir)
	if err != nil {
		return fmt.Errorf("measure git dir: %w", err)
	}
	root := v.config.BackupRoot
	if root == "" {
		root = filepath.Dir(snap.Path)
	}
	free, err := v.config.DiskFree(existingAncestor(root))
	if err != nil {
		out.add(Finding{
			Code:     CodeInsufficientDisk,
			Severity: Warning,
			Message:  fmt.Sprintf("could not determine free space at %s; backup needs %s", root, operation.FormatSize(need)),
			Details:  []string{err.Error()},
		})
		return nil
	}
	if free < uint64(need) {
		out.add(Finding{
			Code:     CodeInsufficientDisk,
			Severity: Blocking,
			Message: fmt.Sprintf("backup needs %s at %s but only %s is free",
				operation.FormatSize(need), root, operation.FormatSize(int64(free))),
		})
	}
	return nil
}

func (v *Validator) checkUpstream(ctx context.Context, snap *git.Snapshot, scope []string, out *collector) error {
	var diverged []string
	for _, b := range scope {
		ref, ok := snap.Ref("refs/heads/" + b)
		if !ok || ref.Upstream == "" {
			continue
		}
		if _, ok := snap.Ref(ref.Upstream); !ok {
			continue
		}
		ahead, behind, err := v.repo.AheadBehind(ctx, ref.Name, ref.Upstream)
		if err != nil {
			return err
		}
		if ahead > 0 || behind > 0 {
			diverged = append(diverged, fmt.Sprintf("%s: %d ahead, %d behind %s", b, ahead, behind, ref.Upstream))
		}
	}
	if len(diverged) > 0 {
		out.add(Finding{
			Code:     CodeRemoteDiverged,
			Severity: Warning,
			Message:  "scoped branches differ from their upstream (local commits not pushed, or remote ahead)",
			Details:  diverged,
		})
	}
	return nil
}

// checkLock reports a run that holds the repository lock, and records
// left behind by runs that died.
func (v *Validator) checkLock(_ context.Context, snap *git.Snapshot, _ []string, out *collector) error {
	if v.config.Locks == nil {
		return nil
	}
	holder, stale, err := v.config.Locks.Inspect(snap.Path)
	if err != nil || holder == nil {
		return err
	}
	detail := fmt.Sprintf("pid %d, run %s, since %s", holder.PID, holder.RunID, holder.AcquiredAt.Format(time.RFC3339))
	if holder.Hostname != "" {
		detail += ", host " + holder.Hostname
	}
	if stale {
		out.add(Finding{
			Code:     CodeStaleLock,
			Severity: Warning,
			Message:  "lock record names a process that is no longer running",
			Details:  []string{detail},
		})
		return nil
	}
	out.add(Finding{
		Code:     CodeRepositoryLocked,
		Severity: Blocking,
		Message:  "another run holds the repository lock",
		Details:  []string{detail},
	})
	return nil
}

// DirSize sums the sizes of the regular files under dir.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func existingAncestor(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}

func prefixed(prefix string, items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = prefix + s
	}
	return out
}
