// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs an operation plan through validation, backup,
// rewrite and post-validation, rolling back on failure.
//
// The pipeline is an explicit state machine:
//
//	idle -> validating -> backing_up -> executing -> post_validating -> succeeded
//	                   \-> dry_run -> succeeded
//	executing | post_validating -> rolling_back -> rolled_back | failed
//
// Every failure before executing leaves the repository untouched. Every
// failure from executing onward restores the backup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/adapter"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/backup"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/dryrun"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/lock"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/validate"
)

// Repository is the repository access the pipeline needs. *git.Client
// implements it.
type Repository interface {
	Snapshot(ctx context.Context) (*git.Snapshot, error)
	ResetHard(ctx context.Context, rev string) error
}

// StateValidator runs repository checks. *validate.Validator implements it.
type StateValidator interface {
	Validate(ctx context.Context, snap *git.Snapshot, scope []string) (*validate.Report, error)
	ValidatePost(ctx context.Context, snap *git.Snapshot, scope []string) (*validate.Report, error)
}

// BackupStore creates, verifies and restores backups. *backup.Manager
// implements it.
type BackupStore interface {
	Create(ctx context.Context, snap *git.Snapshot) (*backup.Backup, error)
	Verify(ctx context.Context, b *backup.Backup) (bool, error)
	Restore(ctx context.Context, b *backup.Backup, gitDir string, worktree backup.Resetter) (*backup.RestoreResult, error)
}

// Simulator predicts a plan's effect. *dryrun.Simulator implements it.
type Simulator interface {
	Simulate(ctx context.Context, p *plan.OperationPlan, snap *git.Snapshot) (*dryrun.Report, error)
}

// RefChanges reports refs that moved since watching began.
// *git.RefWatcher implements it.
type RefChanges interface {
	Changed() []string
}

// Deps are the collaborators of a Pipeline. Watcher is optional.
type Deps struct {
	Repo      Repository
	Validator StateValidator
	Backups   BackupStore
	Locks     *lock.Manager
	Simulator Simulator
	Adapter   adapter.RewriteAdapter
	Watcher   RefChanges
}

// Config configures a Pipeline.
type Config struct {
	// RunID identifies the run in logs, the lock holder record and the
	// journal. Empty generates a UUID.
	RunID string

	// Tracing enables spans.
	Tracing bool

	// Now stamps the result. Nil uses time.Now.
	Now func() time.Time
}

// Pipeline executes one plan.
//
// # Description
//
// A Pipeline is single use: the first Run consumes it and every later call
// returns ErrPipelineUsed.
//
// # Thread Safety
//
// Run may be called from any goroutine; only the first call runs.
type Pipeline struct {
	deps   Deps
	config Config
	logger *slog.Logger
	tracer *Tracer
	used   atomic.Bool
}

// New creates a Pipeline.
//
// # Inputs
//
//   - deps: Collaborators. Every field except Watcher is required.
//   - config: Optional settings.
//   - logger: Nil uses slog.Default().
//
// # Outputs
//
//   - *Pipeline: Ready to Run once.
//   - error: Non-nil when a required dependency is missing.
func New(deps Deps, config Config, logger *slog.Logger) (*Pipeline, error) {
	for _, d := range []struct {
		name    string
		missing bool
	}{
		{"Repo", deps.Repo == nil},
		{"Validator", deps.Validator == nil},
		{"Backups", deps.Backups == nil},
		{"Locks", deps.Locks == nil},
		{"Simulator", deps.Simulator == nil},
		{"Adapter", deps.Adapter == nil},
	} {
		if d.missing {
			return nil, fmt.Errorf("pipeline: %s must not be nil", d.name)
		}
	}
	if config.RunID == "" {
		config.RunID = uuid.NewString()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline")
	return &Pipeline{
		deps:   deps,
		config: config,
		logger: logger,
		tracer: NewTracer(logger, config.Tracing),
	}, nil
}

// RunID returns the ID the run is recorded under.
func (p *Pipeline) RunID() string {
	return p.config.RunID
}

// Run executes the plan.
//
// # Description
//
// Validates the repository and the plan's frozen tips, then either
// simulates the plan (dry run) or takes the repository lock, writes and
// verifies a backup, re-checks the tips under the lock, calls the rewrite
// adapter and validates the result. A rewrite or post-validation failure,
// including cancellation, restores the backup with a context that is no
// longer cancellable.
//
// # Inputs
//
//   - ctx: Cancels the run. A deadline on ctx is the run's timeout.
//   - op: The plan to execute.
//
// # Outputs
//
//   - *ExecutionResult: Non-nil whenever the run started, whatever the
//     outcome. ExitCode is the process exit code.
//   - error: The failure that ended the run, nil on success.
//     *CorruptionUnrecoverable when the rollback itself failed.
//
// # Thread Safety
//
// Only the first call runs; later calls return ErrPipelineUsed.
func (p *Pipeline) Run(ctx context.Context, op *plan.OperationPlan) (*ExecutionResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if op == nil {
		return nil, ErrNilPlan
	}
	if !p.used.CompareAndSwap(false, true) {
		return nil, ErrPipelineUsed
	}

	now := p.config.Now().UTC()
	r := &run{
		p:       p,
		plan:    op,
		state:   StateIdle,
		entered: now,
		logger:  p.logger.With("run_id", p.config.RunID, "plan_id", op.ID),
		result: &ExecutionResult{
			RunID:     p.config.RunID,
			DryRun:    op.Request.Flags.DryRun,
			Plan:      op,
			Trail:     []State{StateIdle},
			StartedAt: now,
		},
	}

	ctx, span := p.tracer.StartRun(ctx, p.config.RunID, op)
	r.span = span

	r.logger.Info("pipeline started",
		slog.String("kind", string(op.Request.Kind)),
		slog.Bool("dry_run", op.Request.Flags.DryRun),
		slog.Int("targets", len(op.Targets)),
		slog.Any("scope", op.Scope),
	)

	err := r.drive(ctx)
	r.finish(ctx, err)
	p.tracer.EndRun(span, r.result)
	return r.result, err
}

// run is the mutable state of one Run.
type run struct {
	p       *Pipeline
	plan    *plan.OperationPlan
	result  *ExecutionResult
	state   State
	entered time.Time
	snap    *git.Snapshot
	span    trace.Span
	logger  *slog.Logger
}

func (r *run) drive(ctx context.Context) error {
	if err := r.enter(ctx, StateValidating); err != nil {
		return r.fail(ctx, err)
	}
	if err := r.step(ctx, r.validate); err != nil {
		return r.fail(ctx, err)
	}

	if r.plan.Request.Flags.DryRun {
		if err := r.enter(ctx, StateDryRun); err != nil {
			return r.fail(ctx, err)
		}
		if err := r.step(ctx, r.simulate); err != nil {
			return r.fail(ctx, err)
		}
		return r.complete(ctx)
	}

	if err := r.enter(ctx, StateBackingUp); err != nil {
		return r.fail(ctx, err)
	}
	var held *lock.Lock
	err := r.step(ctx, func(ctx context.Context) error {
		l, err := r.p.deps.Locks.Acquire(ctx, r.snap.Path, r.result.RunID)
		if err != nil {
			return err
		}
		held = l
		return r.backup(ctx)
	})
	if held != nil {
		defer r.release(held)
	}
	if err != nil {
		return r.fail(ctx, err)
	}

	if err := r.enter(ctx, StateExecuting); err != nil {
		return r.fail(ctx, err)
	}
	// A recheck failure has mutated nothing and does not roll back.
	var precheck error
	err = r.step(ctx, func(ctx context.Context) error {
		if precheck = r.recheck(ctx); precheck != nil {
			return precheck
		}
		return r.rewrite(ctx)
	})
	if precheck != nil {
		return r.fail(ctx, precheck)
	}
	if err != nil {
		return r.rollback(ctx, err)
	}

	if err := r.enter(ctx, StatePostValidating); err != nil {
		return r.rollback(ctx, err)
	}
	if err := r.step(ctx, r.postValidate); err != nil {
		return r.rollback(ctx, err)
	}
	return r.complete(ctx)
}

// step runs fn inside a span for the current state.
func (r *run) step(ctx context.Context, fn func(context.Context) error) error {
	ctx, span := r.p.tracer.StartState(ctx, r.state)
	err := fn(ctx)
	r.p.tracer.EndState(span, err)
	return err
}

// enter moves to the next state if the table allows it.
func (r *run) enter(ctx context.Context, to State) error {
	if !CanTransition(r.state, to) {
		return &TransitionError{From: r.state, To: to}
	}
	r.move(ctx, to)
	return nil
}

// move records the transition without consulting the table.
func (r *run) move(ctx context.Context, to State) {
	from := r.state
	now := r.p.config.Now().UTC()
	recordStateDuration(ctx, from, now.Sub(r.entered))
	recordStateTransition(ctx, from, to)
	r.p.tracer.AddTransition(r.span, from, to)

	r.state = to
	r.entered = now
	r.result.Trail = append(r.result.Trail, to)

	r.logger.Debug("pipeline state transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

func (r *run) complete(ctx context.Context) error {
	if err := r.enter(ctx, StateSucceeded); err != nil {
		return r.fail(ctx, err)
	}
	return nil
}

// fail ends the run in StateFailed and returns err.
func (r *run) fail(ctx context.Context, err error) error {
	if r.state.IsTerminal() {
		return err
	}
	if !CanTransition(r.state, StateFailed) {
		r.logger.Error("forcing failed state", slog.String("from", string(r.state)), slog.String("error", err.Error()))
	}
	r.move(ctx, StateFailed)
	return err
}

func (r *run) validate(ctx context.Context) error {
	snap, err := r.p.deps.Repo.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot repository: %w", err)
	}
	r.snap = snap

	report, err := r.p.deps.Validator.Validate(ctx, snap, r.plan.Scope)
	if err != nil {
		return err
	}
	if r.plan.Request.Flags.Force {
		report = report.Suppress()
	}
	r.result.Validation = report
	if !report.Passed() {
		return &validate.ValidationError{Report: report}
	}
	return plan.CheckFresh(r.plan, snap)
}

func (r *run) simulate(ctx context.Context) error {
	report, err := r.p.deps.Simulator.Simulate(ctx, r.plan, r.snap)
	if err != nil {
		return fmt.Errorf("simulate plan: %w", err)
	}
	r.result.Simulation = report
	return nil
}

func (r *run) backup(ctx context.Context) error {
	if w := r.p.deps.Watcher; w != nil {
		if changed := w.Changed(); len(changed) > 0 {
			r.logger.Warn("refs changed since the plan was resolved", "refs", changed)
			r.note("refs changed since resolution: %v", changed)
			snap, err := r.p.deps.Repo.Snapshot(ctx)
			if err != nil {
				return fmt.Errorf("snapshot repository: %w", err)
			}
			if err := plan.CheckFresh(r.plan, snap); err != nil {
				return err
			}
			r.snap = snap
		}
	}

	b, err := r.p.deps.Backups.Create(ctx, r.snap)
	if err != nil {
		return err
	}
	r.result.Backup = b
	r.result.BackupStatus = BackupCreated

	ok, err := r.p.deps.Backups.Verify(ctx, b)
	if err == nil && !ok {
		err = &backup.BackupError{Kind: backup.KindVerification, Path: b.Path}
	}
	if err != nil {
		r.result.BackupStatus = BackupInvalid
		return err
	}
	r.result.BackupStatus = BackupVerified
	recordBackup(ctx, b.Size)
	r.logger.Info("backup verified", slog.String("path", b.Path), slog.Int64("size", b.Size))
	return nil
}

// recheck is the authoritative staleness check, made under the lock.
func (r *run) recheck(ctx context.Context) error {
	snap, err := r.p.deps.Repo.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot repository: %w", err)
	}
	if err := plan.CheckFresh(r.plan, snap); err != nil {
		return err
	}
	r.snap = snap
	return nil
}

func (r *run) rewrite(ctx context.Context) error {
	if r.plan.IsEmpty() {
		r.result.CommitMap = map[string]string{}
		r.logger.Info("plan is empty; rewrite skipped")
		return nil
	}
	outcome, err := r.p.deps.Adapter.Rewrite(ctx, r.plan)
	if err != nil {
		return err
	}
	if outcome == nil || outcome.CommitMap == nil {
		r.result.CommitMap = map[string]string{}
		return nil
	}
	r.result.CommitMap = outcome.CommitMap
	r.logger.Info("rewrite finished",
		slog.Int("passes", outcome.Passes),
		slog.Int("rewritten", outcome.Rewritten()),
		slog.Int("dropped", outcome.Dropped()),
	)
	return nil
}

func (r *run) postValidate(ctx context.Context) error {
	snap, err := r.p.deps.Repo.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot rewritten repository: %w", err)
	}
	report, err := r.p.deps.Validator.ValidatePost(ctx, snap, r.plan.Scope)
	if err != nil {
		return err
	}
	r.result.PostValidation = report
	if !report.Passed() {
		return &validate.ValidationError{Report: report}
	}
	return nil
}

// rollback restores the backup after cause. It returns cause when the
// restore succeeds and a *CorruptionUnrecoverable when it does not.
func (r *run) rollback(ctx context.Context, cause error) error {
	// The restore must finish even when the run was cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := r.enter(ctx, StateRollingBack); err != nil {
		return r.fail(ctx, errors.Join(cause, err))
	}
	b := r.result.Backup
	r.logger.Warn("rolling back", slog.String("error", cause.Error()), slog.String("backup", b.Path))

	var worktree backup.Resetter
	if !r.snap.Bare {
		worktree = r.p.deps.Repo
	}
	var restored *backup.RestoreResult
	err := r.step(ctx, func(ctx context.Context) error {
		var err error
		restored, err = r.p.deps.Backups.Restore(ctx, b, r.snap.GitDir, worktree)
		return err
	})
	if restored != nil {
		r.result.Rollback = restored.Steps
	}
	recordRollback(ctx, err == nil)

	if err != nil {
		corrupt := &CorruptionUnrecoverable{
			BackupPath:   b.Path,
			Plan:         r.plan,
			LastGoodTips: b.Branches,
			Steps:        r.result.Rollback,
			Cause:        cause,
			RestoreErr:   err,
		}
		r.logger.Error("rollback failed; repository may be corrupted",
			slog.String("backup", b.Path),
			slog.String("error", err.Error()),
		)
		return r.fail(ctx, corrupt)
	}

	r.result.BackupStatus = BackupRestored
	if err := r.enter(ctx, StateRolledBack); err != nil {
		return r.fail(ctx, errors.Join(cause, err))
	}
	r.logger.Info("rollback complete", slog.String("backup", b.Path))
	return cause
}

func (r *run) release(l *lock.Lock) {
	if err := l.Release(); err != nil {
		r.logger.Warn("failed to release repository lock", slog.String("path", l.Path()), slog.String("error", err.Error()))
	}
}

func (r *run) note(format string, args ...any) {
	r.result.Notes = append(r.result.Notes, fmt.Sprintf(format, args...))
}

func (r *run) finish(ctx context.Context, err error) {
	res := r.result
	res.FinalState = r.state
	res.FinishedAt = r.p.config.Now().UTC()
	recordStateDuration(ctx, r.state, res.FinishedAt.Sub(r.entered))

	switch r.state {
	case StateSucceeded:
		res.Status = StatusSucceeded
		res.ExitCode = ExitSucceeded
		recordRewritten(ctx, r.plan.Request.Kind, len(res.CommitMap))
	case StateRolledBack:
		res.Status = StatusRolledBack
		res.ExitCode = ExitRolledBack
	default:
		res.Status = StatusFailed
		res.ExitCode = failedExitCode(err)
	}
	if err != nil {
		res.Code = CodeOf(err)
		res.Error = err.Error()
	}
	recordRun(ctx, r.plan.Request.Kind, res.DryRun, res.Status)

	attrs := []any{
		slog.String("status", string(res.Status)),
		slog.String("final_state", string(res.FinalState)),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("code", res.Code), slog.String("error", res.Error))
		r.logger.Warn("pipeline finished", attrs...)
		return
	}
	r.logger.Info("pipeline finished", attrs...)
}

// failedExitCode is the exit code of a run that ended in StateFailed.
// Only backup and corruption failures differ from the validation code,
// since nothing else in that state has touched the repository.
func failedExitCode(err error) int {
	switch code := ExitCodeOf(err); code {
	case ExitUnrecoverable, ExitBackup:
		return code
	default:
		return ExitValidation
	}
}
