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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/AleutianAI/gitsurgeon/pkg/logging"
	"github.com/AleutianAI/gitsurgeon/pkg/ux"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/adapter"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/backup"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/dryrun"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/journal"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/lock"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/pipeline"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/resolve"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/telemetry"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/validate"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errDeclined is returned when the operator answers no at the prompt.
var errDeclined = errors.New("operation cancelled by user")

// globalOptions are the persistent flags.
type globalOptions struct {
	repo     string
	branches []string
	dryRun   bool
	force    bool
	noBackup bool
	yes      bool
	output   string
	style    string
	config   string
	logLevel string
	timeout  time.Duration
}

// adapterFactory builds the rewrite adapter for a repository.
type adapterFactory func(repo *git.Client, config adapter.Config, logger *slog.Logger) adapter.RewriteAdapter

func filterRepoAdapter(repo *git.Client, config adapter.Config, logger *slog.Logger) adapter.RewriteAdapter {
	return adapter.NewFilterRepoAdapter(repo, config, logger)
}

// cli holds the state of one command invocation.
//
// # Description
//
// The command tree is built per cli so tests can run commands in process
// with their own writers, prompt and rewrite adapter. setup fills the
// runtime fields from the flags and config file; close releases them.
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	opts globalOptions

	confirmer  Confirmer
	newAdapter adapterFactory
	now        func() time.Time

	repoPath   string
	cfg        Config
	configPath string
	logger     *logging.Logger
	format     ux.Format
	printer    *ux.Printer
	tracing    bool
	shutdown   func(context.Context) error
}

func newCLI(stdin io.Reader, stdout, stderr io.Writer) *cli {
	return &cli{
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		confirmer:  newHuhConfirmer(stdin, stderr),
		newAdapter: filterRepoAdapter,
		now:        time.Now,
	}
}

// setup resolves flags and configuration before any command runs.
func (c *cli) setup(ctx context.Context) error {
	repo := c.opts.repo
	if repo == "" {
		repo = "."
	}
	abs, err := filepath.Abs(repo)
	if err != nil {
		return usagef("invalid --repo %q: %v", repo, err)
	}
	c.repoPath = abs

	cfg, path, err := LoadConfig(c.opts.config, abs)
	if err != nil {
		return usageError(err)
	}
	c.cfg, c.configPath = cfg, path

	levelName := cfg.LogLevel
	if c.opts.logLevel != "" {
		levelName = c.opts.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return usageError(err)
	}
	c.logger = logging.New(logging.Config{
		Level:  level,
		LogDir: cfg.LogDir,
		JSON:   cfg.LogJSON,
		Writer: c.stderr,
	})

	c.format, err = ux.ParseFormat(c.opts.output)
	if err != nil {
		return usageError(err)
	}
	styleLevel := ux.DetectLevel(c.stdout)
	if c.opts.style != "" {
		styleLevel = ux.ParseLevel(c.opts.style)
	}
	c.printer = ux.NewPrinter(c.stdout, styleLevel)

	if c.opts.timeout == 0 {
		if c.opts.timeout, err = cfg.timeout(); err != nil {
			return usageError(err)
		}
	}

	tc := cfg.telemetryConfig(version)
	if tc.Writer == nil {
		tc.Writer = c.stderr
	}
	shutdown, err := telemetry.Init(ctx, tc)
	if err != nil {
		return usageError(fmt.Errorf("telemetry: %w", err))
	}
	c.shutdown = shutdown
	c.tracing = tc.TraceExporter != telemetry.ExporterNone
	pipeline.SetMetricsEnabled(tc.MetricExporter != telemetry.ExporterNone)

	if path != "" {
		c.logger.Debug("config loaded", "path", path)
	}
	return nil
}

// close flushes telemetry and closes the log file.
func (c *cli) close() error {
	var err error
	if c.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, c.shutdown(ctx))
		cancel()
	}
	if c.logger != nil {
		err = multierr.Append(err, c.logger.Close())
	}
	return err
}

func (c *cli) slogger() *slog.Logger {
	return c.logger.Slog()
}

// withTimeout applies --timeout to ctx.
func (c *cli) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.timeout > 0 {
		return context.WithTimeout(ctx, c.opts.timeout)
	}
	return context.WithCancel(ctx)
}

// session is the opened repository and the components around it.
type session struct {
	client  *git.Client
	snap    *git.Snapshot
	backups *backup.Manager
	journal *journal.Journal
	logger  *slog.Logger
}

// locks returns the manager for the configured lock directory.
func (c *cli) locks(logger *slog.Logger) (*lock.Manager, error) {
	return lock.NewManager(lock.Config{Dir: logging.ExpandPath(c.cfg.LockDir), Now: c.now}, logger)
}

// validator checks sess's repository, including the lock holder.
func (c *cli) validator(sess *session, locks *lock.Manager) *validate.Validator {
	return validate.New(sess.client, validate.Config{
		BackupRoot: sess.backups.Root(sess.snap),
		Now:        c.now,
		Locks:      locks,
	}, sess.logger)
}

func (s *session) Close() error {
	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}

// openSession opens the repository at --repo.
//
// # Description
//
// Takes a snapshot, builds the backup manager (with the GCS mirror when
// configured) and opens the journal. A journal that cannot be opened, for
// example because another gitsurgeon process holds it, is logged and
// skipped.
func (c *cli) openSession(ctx context.Context) (*session, error) {
	logger := c.slogger()
	client, err := git.NewClient(c.repoPath, 0)
	if err != nil {
		return nil, usageError(err)
	}
	snap, err := client.Snapshot(ctx)
	if err != nil {
		return nil, &ExitError{
			Code: pipeline.ExitValidation,
			Err:  fmt.Errorf("opening repository %s: %w", c.repoPath, err),
		}
	}

	bc := backup.Config{
		Root:    logging.ExpandPath(c.cfg.Backup.Root),
		Workers: c.cfg.Backup.Workers,
		Now:     c.now,
		OnProgress: func(p backup.Progress) {
			logger.Debug("backup progress",
				"phase", p.Phase, "files", p.Files, "total_files", p.TotalFiles, "bytes", p.Bytes)
		},
	}
	if uri := c.cfg.Backup.Mirror; uri != "" {
		mirror, err := backup.NewGCSMirror(ctx, uri, logging.ExpandPath(c.cfg.Backup.MirrorCredentials))
		if err != nil {
			return nil, &ExitError{Code: pipeline.ExitBackup, Err: fmt.Errorf("backup mirror: %w", err)}
		}
		bc.Mirror = mirror
	}

	s := &session{
		client:  client,
		snap:    snap,
		backups: backup.NewManager(bc, logger),
		logger:  logger,
	}
	if !c.cfg.NoJournal {
		jc := journal.DefaultConfig(logging.ExpandPath(c.cfg.JournalDir))
		jc.Logger = logger
		j, err := journal.Open(jc, logger)
		if err != nil {
			logger.Warn("journal disabled", "dir", jc.Path, "error", err)
		} else {
			s.journal = j
		}
	}
	return s, nil
}

// scope turns --branch into an operation scope. Without the flag the
// checked-out branch is used.
func (c *cli) scope(snap *git.Snapshot) (operation.Scope, error) {
	if slices.Contains(c.opts.branches, "all") {
		if len(c.opts.branches) > 1 {
			return operation.Scope{}, usagef("--branch all cannot be combined with branch names")
		}
		return operation.Scope{All: true}, nil
	}
	if len(c.opts.branches) > 0 {
		return operation.Scope{Branches: slices.Clone(c.opts.branches)}, nil
	}
	if snap.Detached || snap.Head == "" {
		return operation.Scope{}, usagef("HEAD is detached; select branches with --branch")
	}
	return operation.Scope{Branches: []string{snap.Head}}, nil
}

// runOperation resolves, confirms and executes one history rewrite.
func (c *cli) runOperation(ctx context.Context, kind operation.Kind, targets operation.TargetSpec, preserveRecent bool) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	sess, err := c.openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			c.logger.Warn("closing journal", "error", cerr)
		}
	}()

	scope, err := c.scope(sess.snap)
	if err != nil {
		return err
	}
	req, err := operation.New(operation.Request{
		Kind:    kind,
		Targets: targets,
		Scope:   scope,
		Flags: operation.Flags{
			Backup:         !c.opts.noBackup,
			DryRun:         c.opts.dryRun,
			Force:          c.opts.force,
			PreserveRecent: preserveRecent,
		},
	})
	if err != nil {
		return usageError(err)
	}

	watcher := c.startWatcher(ctx, sess.snap)
	if watcher != nil {
		defer watcher.Close()
	}

	locks, err := c.locks(sess.logger)
	if err != nil {
		return err
	}
	validator := c.validator(sess, locks)
	maxScan, _ := c.cfg.maxScanSize()
	op, err := resolve.New(sess.client, resolve.Options{
		MaxScanSize: maxScan,
		Logger:      sess.logger,
		Now:         c.now,
	}).Resolve(ctx, req, sess.snap)
	if err != nil {
		return c.failResolution(ctx, validator, sess.snap, req, err)
	}

	if req.Mutating() {
		if c.format == ux.FormatText {
			c.printer.Plan(op)
		}
		if err := c.confirm(ctx, op); err != nil {
			return err
		}
	}

	deps := pipeline.Deps{
		Repo:      sess.client,
		Validator: validator,
		Backups:   sess.backups,
		Locks:     locks,
		Simulator: dryrun.New(sess.client, sess.logger),
		Adapter: c.newAdapter(sess.client, adapter.Config{
			Binary:           c.cfg.Rewrite.Git,
			SkipHousekeeping: c.cfg.Rewrite.SkipHousekeeping,
		}, sess.logger),
	}
	if watcher != nil {
		deps.Watcher = watcher
	}

	p, err := pipeline.New(deps, pipeline.Config{
		RunID:   uuid.NewString(),
		Tracing: c.tracing,
		Now:     c.now,
	}, sess.logger)
	if err != nil {
		return err
	}

	result, runErr := p.Run(ctx, op)
	if result == nil {
		return runErr
	}
	c.record(ctx, sess, result)
	if err := c.emit(result, func() { c.printer.Result(result) }); err != nil {
		return err
	}
	if runErr != nil {
		return &ExitError{Code: result.ExitCode, Err: runErr, Reported: true}
	}
	return nil
}

// startWatcher watches the refs of snap's repository. Failures only
// disable the early stale check.
func (c *cli) startWatcher(ctx context.Context, snap *git.Snapshot) *git.RefWatcher {
	w, err := git.NewRefWatcher(snap.GitDir, c.slogger())
	if err != nil {
		c.logger.Debug("ref watcher unavailable", "error", err)
		return nil
	}
	if err := w.Start(ctx); err != nil {
		c.logger.Debug("ref watcher unavailable", "error", err)
		_ = w.Close()
		return nil
	}
	return w
}

// confirm asks the operator to approve op unless --yes was given.
func (c *cli) confirm(ctx context.Context, op *plan.OperationPlan) error {
	if c.opts.yes {
		return nil
	}
	if !c.confirmer.Interactive() {
		return usagef("refusing to rewrite history without --yes when not attached to a terminal")
	}
	title := fmt.Sprintf("Rewrite history of %s?", strings.Join(op.Scope, ", "))
	desc := fmt.Sprintf("%d target(s) in %s. A verified backup is taken first.", len(op.Targets), op.RepoPath)
	ok, err := c.confirmer.Confirm(ctx, title, desc)
	if err != nil {
		return err
	}
	if !ok {
		c.printer.Warning(errDeclined.Error())
		return &ExitError{Code: pipeline.ExitValidation, Err: errDeclined, Reported: true}
	}
	return nil
}

// record writes the run and its backup to the journal.
func (c *cli) record(ctx context.Context, sess *session, result *pipeline.ExecutionResult) {
	if sess.journal == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	rec := journal.RunRecord{
		ID:         result.RunID,
		Repo:       sess.snap.Path,
		DryRun:     result.DryRun,
		Status:     string(result.Status),
		FinalState: string(result.FinalState),
		Trail:      result.TrailStrings(),
		ErrorCode:  result.Code,
		Error:      result.Error,
		ExitCode:   result.ExitCode,
		Rewritten:  len(result.CommitMap),
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	}
	if result.Plan != nil {
		rec.Kind = result.Plan.Request.Kind
		rec.PlanID = result.Plan.ID
		rec.Fingerprint = result.Plan.Fingerprint()
		rec.Targets = len(result.Plan.Targets)
	}
	if b := result.Backup; b != nil {
		rec.Backup = b.Path
		if err := sess.journal.RecordBackup(ctx, journal.BackupRecord{
			Name:      b.Name,
			Path:      b.Path,
			Repo:      b.Repo,
			RunID:     result.RunID,
			Checksum:  b.Checksum,
			Files:     b.Files,
			Size:      b.Size,
			Mirror:    b.Mirror,
			CreatedAt: b.CreatedAt,
		}); err != nil {
			c.logger.Warn("failed to journal backup", "backup", b.Path, "error", err)
		}
	}
	if err := sess.journal.RecordRun(ctx, rec); err != nil {
		c.logger.Warn("failed to journal run", "run_id", result.RunID, "error", err)
	}
}

// emit writes v in the selected format; text uses renderText.
func (c *cli) emit(v any, renderText func()) error {
	if c.format != ux.FormatText {
		return ux.Encode(c.stdout, c.format, v)
	}
	renderText()
	return c.printer.Err()
}

// failResolution reports a plan that could not be resolved. The
// repository is validated first so that every blocking finding is shown
// along with the resolution error.
func (c *cli) failResolution(ctx context.Context, v *validate.Validator, snap *git.Snapshot, req operation.Request, err error) error {
	scope := req.Scope.Branches
	if req.Scope.All {
		scope = snap.BranchNames()
	}
	report, verr := v.Validate(ctx, snap, scope)
	if verr != nil {
		c.logger.Warn("validation after resolution failure", "error", verr)
		return c.fail(err)
	}
	if req.Flags.Force {
		report = report.Suppress()
	}
	if report.Passed() {
		return c.fail(err)
	}

	failure := fmt.Errorf("%w; %w", &validate.ValidationError{Report: report}, err)
	if c.format == ux.FormatText {
		c.printer.Validation(report)
		c.printer.Error(failure.Error())
	} else {
		_ = ux.Encode(c.stdout, c.format, map[string]any{
			"code":       validate.CodeValidationFailed,
			"error":      failure.Error(),
			"exit_code":  pipeline.ExitValidation,
			"validation": report,
			"resolution": map[string]string{
				"code":  pipeline.CodeOf(err),
				"error": err.Error(),
			},
		})
	}
	return &ExitError{Code: pipeline.ExitValidation, Err: failure, Reported: true}
}

// fail reports err and returns it with its exit code attached.
func (c *cli) fail(err error) error {
	if c.format == ux.FormatText {
		var verr *validate.ValidationError
		if errors.As(err, &verr) {
			c.printer.Validation(verr.Report)
		}
		c.printer.Error(err.Error())
	} else {
		_ = ux.Encode(c.stdout, c.format, map[string]any{
			"code":      pipeline.CodeOf(err),
			"error":     err.Error(),
			"exit_code": pipeline.ExitCodeOf(err),
		})
	}
	return &ExitError{Code: pipeline.ExitCodeOf(err), Err: err, Reported: true}
}
