// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/AleutianAI/gitsurgeon/pkg/logging"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/backup"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/journal"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/pipeline"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/validate"
)

// runValidate runs the pre-execution checks on the selected branches.
func (c *cli) runValidate(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	sess, err := c.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	scope, err := c.scope(sess.snap)
	if err != nil {
		return err
	}
	branches := scope.Branches
	if scope.All {
		branches = sess.snap.BranchNames()
	}

	locks, err := c.locks(sess.logger)
	if err != nil {
		return err
	}
	report, err := c.validator(sess, locks).Validate(ctx, sess.snap, branches)
	if err != nil {
		return c.fail(err)
	}
	if c.opts.force {
		report = report.Suppress()
	}
	if err := c.emit(report, func() { c.printer.Validation(report) }); err != nil {
		return err
	}
	if !report.Passed() {
		return &ExitError{
			Code:     pipeline.ExitValidation,
			Err:      &validate.ValidationError{Report: report},
			Reported: true,
		}
	}
	return nil
}

// backupRoot returns the configured backup root, or the parent of the
// repository when none is configured.
func (c *cli) backupRoot(ctx context.Context) (string, error) {
	if c.cfg.Backup.Root != "" {
		return logging.ExpandPath(c.cfg.Backup.Root), nil
	}
	client, err := git.NewClient(c.repoPath, 0)
	if err != nil {
		return "", usageError(err)
	}
	snap, err := client.Snapshot(ctx)
	if err != nil {
		return "", &ExitError{
			Code: pipeline.ExitValidation,
			Err:  fmt.Errorf("no backup root configured and %s is not a repository: %w", c.repoPath, err),
		}
	}
	return filepath.Dir(snap.Path), nil
}

func (c *cli) runBackupList(ctx context.Context) error {
	root, err := c.backupRoot(ctx)
	if err != nil {
		return err
	}
	list, err := backup.NewManager(backup.Config{}, c.slogger()).List(ctx, root)
	if err != nil {
		return c.fail(err)
	}
	if list == nil {
		list = []*backup.Backup{}
	}
	return c.emit(list, func() { c.printer.Backups(list) })
}

func (c *cli) runBackupVerify(ctx context.Context, path string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	b, err := backup.Open(path)
	if err != nil {
		return c.fail(&backup.BackupError{Kind: backup.KindVerification, Path: path, Op: "open", Err: err})
	}
	mgr := backup.NewManager(backup.Config{Workers: c.cfg.Backup.Workers}, c.slogger())
	_, verr := mgr.Verify(ctx, b)

	out := map[string]any{"path": b.Path, "checksum": b.Checksum, "ok": verr == nil}
	if verr != nil {
		out["error"] = verr.Error()
	}
	if err := c.emit(out, func() { c.printer.Verified(b, verr) }); err != nil {
		return err
	}
	if verr != nil {
		return &ExitError{Code: pipeline.ExitCodeOf(verr), Err: verr, Reported: true}
	}
	return nil
}

// runBackupRestore replaces the repository's git dir with a backup under
// the repository lock.
func (c *cli) runBackupRestore(ctx context.Context, path string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	b, err := backup.Open(path)
	if err != nil {
		return c.fail(&backup.BackupError{Kind: backup.KindRestore, Path: path, Op: "open", Err: err})
	}
	client, err := git.NewClient(c.repoPath, 0)
	if err != nil {
		return usageError(err)
	}
	snap, err := client.Snapshot(ctx)
	if err != nil {
		return &ExitError{Code: pipeline.ExitValidation, Err: fmt.Errorf("opening repository %s: %w", c.repoPath, err)}
	}

	if !c.opts.yes {
		if !c.confirmer.Interactive() {
			return usagef("refusing to restore without --yes when not attached to a terminal")
		}
		ok, err := c.confirmer.Confirm(ctx,
			fmt.Sprintf("Replace %s with %s?", snap.GitDir, b.Name),
			"Every change since the backup was taken is lost.")
		if err != nil {
			return err
		}
		if !ok {
			c.printer.Warning(errDeclined.Error())
			return &ExitError{Code: pipeline.ExitValidation, Err: errDeclined, Reported: true}
		}
	}

	locks, err := c.locks(c.slogger())
	if err != nil {
		return err
	}
	held, err := locks.Acquire(ctx, snap.Path, uuid.NewString())
	if err != nil {
		return c.fail(err)
	}
	defer func() {
		if rerr := held.Release(); rerr != nil {
			c.logger.Warn("failed to release lock", "error", rerr)
		}
	}()

	var worktree backup.Resetter
	if !snap.Bare {
		worktree = client
	}
	mgr := backup.NewManager(backup.Config{Workers: c.cfg.Backup.Workers}, c.slogger())
	res, rerr := mgr.Restore(ctx, b, snap.GitDir, worktree)
	if err := c.emit(res, func() { c.printer.Restore(res, rerr) }); err != nil {
		return err
	}
	if rerr != nil {
		return &ExitError{Code: pipeline.ExitCodeOf(rerr), Err: rerr, Reported: true}
	}
	return nil
}

func (c *cli) runHistory(ctx context.Context, limit int, allRepos bool) error {
	if c.cfg.NoJournal {
		return usagef("the journal is disabled (no_journal in %s)", c.configPath)
	}
	jc := journal.DefaultConfig(logging.ExpandPath(c.cfg.JournalDir))
	j, err := journal.Open(jc, c.slogger())
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer j.Close()

	f := journal.Filter{Limit: limit}
	if !allRepos {
		f.Repo = c.repoPath
		if client, err := git.NewClient(c.repoPath, 0); err == nil {
			if snap, err := client.Snapshot(ctx); err == nil {
				f.Repo = snap.Path
			}
		}
	}
	runs, err := j.Runs(ctx, f)
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	if runs == nil {
		runs = []journal.RunRecord{}
	}
	return c.emit(runs, func() { c.printer.History(runs) })
}

// readAuthorMappings loads a rewrite-authors mapping file.
func readAuthorMappings(path string) ([]operation.AuthorMapping, error) {
	f, err := os.Open(logging.ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("opening mapping file: %w", err)
	}
	defer f.Close()
	mappings, err := operation.LoadAuthorMappings(f)
	if err != nil {
		return nil, fmt.Errorf("mapping file %s: %w", path, err)
	}
	return mappings, nil
}
