// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
)

// Repository is the part of git.Client the adapter drives directly.
type Repository interface {
	Path() string
	GitDir(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, bool, error)
	CommitTree(ctx context.Context, tree, message string, parents ...string) (string, error)
	Replace(ctx context.Context, object, replacement string) error
	ReplaceGraft(ctx context.Context, commit string, parents ...string) error
	DeleteReplace(ctx context.Context, object string) error
	UpdateRef(ctx context.Context, ref, newID, oldID string) error
	ResetHard(ctx context.Context, rev string) error
	ExpireReflogs(ctx context.Context) error
	GC(ctx context.Context) error
}

// Runner executes the filter-repo command line.
type Runner interface {
	// Run runs binary with args in dir and returns its stderr.
	Run(ctx context.Context, dir string, args []string) (string, error)
}

// execRunner runs a real subprocess. Cancelling ctx kills it.
type execRunner struct {
	binary string
}

func (r execRunner) Run(ctx context.Context, dir string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	cmd.WaitDelay = 10 * time.Second
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stderr.String()), err
}

// Config configures a FilterRepoAdapter.
type Config struct {
	// Binary is the git executable. Defaults to "git".
	Binary string

	// TempDir holds the generated input files. Defaults to os.TempDir().
	// It must not be inside the repository.
	TempDir string

	// SkipHousekeeping disables the reflog expiry and gc after a rewrite.
	SkipHousekeeping bool

	// Runner overrides how filter-repo is executed. Tests only.
	Runner Runner
}

// FilterRepoAdapter rewrites history with `git filter-repo`.
//
// # Description
//
// Each plan is turned into one or more filter-repo passes. Targets that
// apply to different branch sets run as separate passes restricted with
// --refs, so unscoped branches and tags are never rewritten. Truncations
// are prepared with replace refs (a graft, or a squashed root built with
// commit-tree) that the following pass makes permanent; drop-after
// truncations are plain ref updates.
//
// After the last pass the commit maps are composed, the checked-out
// branch is reset to its new tip, and reflogs are expired and unreachable
// objects pruned.
//
// # Thread Safety
//
// A FilterRepoAdapter may be reused, but the caller must hold the
// repository lock for the duration of Rewrite.
type FilterRepoAdapter struct {
	repo   Repository
	config Config
	runner Runner
	logger *slog.Logger
}

// NewFilterRepoAdapter creates an adapter over repo.
func NewFilterRepoAdapter(repo Repository, config Config, logger *slog.Logger) *FilterRepoAdapter {
	if config.Binary == "" {
		config.Binary = "git"
	}
	if logger == nil {
		logger = slog.Default()
	}
	runner := config.Runner
	if runner == nil {
		runner = execRunner{binary: config.Binary}
	}
	return &FilterRepoAdapter{
		repo:   repo,
		config: config,
		runner: runner,
		logger: logger.With("component", "filter_repo_adapter"),
	}
}

// Available reports whether `git filter-repo` can be run.
func (a *FilterRepoAdapter) Available(ctx context.Context) error {
	stderr, err := a.runner.Run(ctx, a.repo.Path(), []string{"filter-repo", "--version"})
	if err != nil {
		return &AdapterError{Op: "version", Stderr: stderr, Err: fmt.Errorf("%w: %v", ErrFilterRepoMissing, err)}
	}
	return nil
}

// Rewrite applies p to the repository.
//
// # Description
//
// An empty plan is a no-op that returns an empty commit map. Replace refs
// created for truncation are always removed again, also on failure.
//
// # Outputs
//
//   - *RewriteOutcome: The composed commit map.
//   - error: *AdapterError. Wraps ctx.Err() when the rewrite was cancelled.
func (a *FilterRepoAdapter) Rewrite(ctx context.Context, p *plan.OperationPlan) (*RewriteOutcome, error) {
	start := time.Now()
	outcome := &RewriteOutcome{CommitMap: make(map[string]string)}
	if err := ctx.Err(); err != nil {
		return nil, &AdapterError{Op: "start", Err: err}
	}
	if p.IsEmpty() {
		return outcome, nil
	}

	gitDir, err := a.repo.GitDir(ctx)
	if err != nil {
		return nil, a.fail(ctx, "git-dir", "", err)
	}

	passes := buildPasses(p)
	if len(passes) > 0 {
		if err := a.Available(ctx); err != nil {
			return nil, err
		}
	}

	replaced, err := a.prepareTruncation(ctx, p)
	defer a.dropReplacements(ctx, replaced)
	if err != nil {
		return nil, err
	}

	work, err := os.MkdirTemp(a.config.TempDir, "gitsurgeon-filter-")
	if err != nil {
		return nil, &AdapterError{Op: "prepare", Err: err}
	}
	defer os.RemoveAll(work)

	for i, ps := range passes {
		args, err := ps.args(work, i)
		if err != nil {
			return nil, &AdapterError{Op: "prepare", Err: err}
		}
		a.logger.Info("running filter-repo pass",
			"pass", i+1,
			"of", len(passes),
			"refs", ps.refs)
		stderr, err := a.runner.Run(ctx, a.repo.Path(), args)
		if err != nil {
			return nil, a.fail(ctx, "filter-repo", stderr, err)
		}
		m, err := readCommitMap(gitDir)
		if err != nil {
			return nil, &AdapterError{Op: "commit-map", Err: err}
		}
		outcome.CommitMap = composeMaps(outcome.CommitMap, m)
		outcome.Passes++
	}

	if err := a.truncateAfter(ctx, p); err != nil {
		return nil, err
	}
	for _, t := range p.TargetsOf(plan.KindRange) {
		for _, id := range t.Range.Dropped {
			if _, ok := outcome.CommitMap[id]; !ok {
				outcome.CommitMap[id] = git.ZeroID
			}
		}
	}

	if err := a.refreshWorktree(ctx, p); err != nil {
		return nil, err
	}
	if !a.config.SkipHousekeeping {
		if err := a.repo.ExpireReflogs(ctx); err != nil {
			return nil, a.fail(ctx, "reflog-expire", "", err)
		}
		if err := a.repo.GC(ctx); err != nil {
			return nil, a.fail(ctx, "gc", "", err)
		}
	}

	outcome.Duration = time.Since(start)
	a.logger.Info("rewrite complete",
		"passes", outcome.Passes,
		"rewritten", outcome.Rewritten(),
		"dropped", outcome.Dropped(),
		"duration", outcome.Duration)
	return outcome, nil
}

// prepareTruncation installs the replace refs for drop-before ranges and
// returns the replaced commits.
func (a *FilterRepoAdapter) prepareTruncation(ctx context.Context, p *plan.OperationPlan) ([]string, error) {
	var replaced []string
	for _, t := range p.TargetsOf(plan.KindRange) {
		r := t.Range
		if t.Action != plan.ActionDropBefore || r == nil {
			continue
		}
		if r.Squash {
			root, err := a.repo.CommitTree(ctx, r.Cutoff+"^{tree}", r.SquashMessage)
			if err != nil {
				return replaced, a.fail(ctx, "squash", "", err)
			}
			if err := a.repo.Replace(ctx, r.Cutoff, root); err != nil {
				return replaced, a.fail(ctx, "squash", "", err)
			}
		} else if err := a.repo.ReplaceGraft(ctx, r.Cutoff); err != nil {
			return replaced, a.fail(ctx, "graft", "", err)
		}
		replaced = append(replaced, r.Cutoff)
	}
	return replaced, nil
}

func (a *FilterRepoAdapter) dropReplacements(ctx context.Context, replaced []string) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range replaced {
		if err := a.repo.DeleteReplace(ctx, id); err != nil {
			a.logger.Warn("failed to delete replace ref", "commit", id, "error", err)
		}
	}
}

// truncateAfter moves each drop-after branch back to its cutoff.
func (a *FilterRepoAdapter) truncateAfter(ctx context.Context, p *plan.OperationPlan) error {
	for _, t := range p.TargetsOf(plan.KindRange) {
		r := t.Range
		if t.Action != plan.ActionDropAfter || r == nil {
			continue
		}
		if err := a.repo.UpdateRef(ctx, "refs/heads/"+r.Branch, r.Cutoff, r.Tip); err != nil {
			return a.fail(ctx, "update-ref", "", err)
		}
	}
	return nil
}

// refreshWorktree resets the work tree when the checked-out branch was
// rewritten.
func (a *FilterRepoAdapter) refreshWorktree(ctx context.Context, p *plan.OperationPlan) error {
	branch, detached, err := a.repo.CurrentBranch(ctx)
	if err != nil {
		return a.fail(ctx, "reset", "", err)
	}
	if detached {
		return nil
	}
	if _, scoped := p.Tips[branch]; !scoped {
		return nil
	}
	if err := a.repo.ResetHard(ctx, "HEAD"); err != nil {
		return a.fail(ctx, "reset", "", err)
	}
	return nil
}

func (a *FilterRepoAdapter) fail(ctx context.Context, op, stderr string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return &AdapterError{Op: op, Stderr: stderr, Err: err}
}

// redactionPatterns are the content regexes a plan's redaction targets
// were found with.
func redactionPatterns(p *plan.OperationPlan) []string {
	if len(p.TargetsOf(plan.KindRedaction)) == 0 {
		return nil
	}
	return p.Request.EffectiveSensitivePatterns()
}

