// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/adapter"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/backup"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/lock"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/resolve"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/validate"
)

func TestCanTransition(t *testing.T) {
	legal := [][2]State{
		{StateIdle, StateValidating},
		{StateValidating, StateDryRun},
		{StateValidating, StateBackingUp},
		{StateValidating, StateFailed},
		{StateBackingUp, StateExecuting},
		{StateBackingUp, StateFailed},
		{StateDryRun, StateSucceeded},
		{StateExecuting, StatePostValidating},
		{StateExecuting, StateRollingBack},
		{StateExecuting, StateFailed},
		{StatePostValidating, StateSucceeded},
		{StatePostValidating, StateRollingBack},
		{StateRollingBack, StateRolledBack},
		{StateRollingBack, StateFailed},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]State{
		{StateIdle, StateExecuting},
		{StateValidating, StateExecuting},
		{StateBackingUp, StateDryRun},
		{StateDryRun, StateExecuting},
		{StatePostValidating, StateFailed},
		{StateExecuting, StateRolledBack},
		{StateSucceeded, StateValidating},
		{StateRolledBack, StateFailed},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range AllStates() {
		if !s.IsTerminal() {
			continue
		}
		for _, to := range AllStates() {
			assert.False(t, CanTransition(s, to), "%s -> %s", s, to)
		}
	}
}

func TestEnter_RejectsIllegalTransition(t *testing.T) {
	p := &Pipeline{
		config: Config{Now: time.Now},
		logger: slog.New(slog.DiscardHandler),
		tracer: NewTracer(slog.New(slog.DiscardHandler), false),
	}
	r := &run{p: p, state: StateIdle, result: &ExecutionResult{}, logger: p.logger}

	var err error
	assert.NotPanics(t, func() { err = r.enter(context.Background(), StateExecuting) })
	var te *TransitionError
	if assert.ErrorAs(t, err, &te) {
		assert.Equal(t, StateIdle, te.From)
		assert.Equal(t, StateExecuting, te.To)
	}
	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.Equal(t, StateIdle, r.state)
	assert.Empty(t, r.result.Trail)
}

func TestExitCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSucceeded},
		{"usage", errors.New("unknown flag"), ExitUsage},
		{"validation", &validate.ValidationError{Report: &validate.Report{}}, ExitValidation},
		{"wrapped validation", fmt.Errorf("run: %w", &validate.ValidationError{Report: &validate.Report{}}), ExitValidation},
		{"resolution", &resolve.ResolutionError{Reason: "bad glob"}, ExitValidation},
		{"stale", &plan.StaleError{}, ExitValidation},
		{"lock", &lock.InProgressError{Repo: "/r"}, ExitValidation},
		{"cancelled", context.Canceled, ExitValidation},
		{"backup", &backup.BackupError{Kind: backup.KindCreate}, ExitBackup},
		{"verification", &backup.BackupError{Kind: backup.KindVerification}, ExitBackup},
		{"adapter", &adapter.AdapterError{Op: "pass 1", Err: errors.New("boom")}, ExitRolledBack},
		{"corruption", &CorruptionUnrecoverable{RestoreErr: errors.New("disk")}, ExitUnrecoverable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCodeOf(tt.err))
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, "", CodeOf(nil))
	assert.Equal(t, CodeLockHeld, CodeOf(&lock.InProgressError{Repo: "/r"}))
	assert.Equal(t, plan.CodePlanStale, CodeOf(&plan.StaleError{}))
	assert.Equal(t, CodeCancelled, CodeOf(fmt.Errorf("x: %w", context.DeadlineExceeded)))

	// An adapter error caused by cancellation keeps the adapter code.
	err := &adapter.AdapterError{Op: "pass 1", Err: context.Canceled}
	assert.Equal(t, adapter.CodeAdapterFailed, CodeOf(err))
}

func TestCorruptionUnrecoverable(t *testing.T) {
	cause := &adapter.AdapterError{Op: "pass 1", Err: errors.New("boom")}
	restoreErr := &backup.BackupError{Kind: backup.KindRestore, Err: errors.New("disk full")}
	err := &CorruptionUnrecoverable{
		BackupPath:   "/backups/repo_backup_20240101T000000.000Z",
		LastGoodTips: map[string]string{"main": "abc", "dev": "def"},
		Cause:        cause,
		RestoreErr:   restoreErr,
	}

	assert.Contains(t, err.Error(), "/backups/repo_backup_20240101T000000.000Z")
	assert.Contains(t, err.Error(), "dev=def main=abc")
	assert.Equal(t, CodeCorruptionUnrecoverable, err.Code())

	var aerr *adapter.AdapterError
	assert.True(t, errors.As(err, &aerr))
	var berr *backup.BackupError
	assert.True(t, errors.As(err, &berr))
	assert.Equal(t, ExitUnrecoverable, ExitCodeOf(err))
}
