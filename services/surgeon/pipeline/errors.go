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
	"sort"
	"strings"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/adapter"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/backup"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/lock"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
)

var (
	// ErrPipelineUsed is returned by a second call to Run.
	ErrPipelineUsed = errors.New("pipeline already used")

	// ErrNilContext indicates Run was called with a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilPlan indicates Run was called without a plan.
	ErrNilPlan = errors.New("plan must not be nil")
)

// Stable error codes owned by this package.
const (
	CodeCorruptionUnrecoverable = "CORRUPTION_UNRECOVERABLE"
	CodeLockHeld                = "LOCK_HELD"
	CodeCancelled               = "CANCELLED"
	CodeInternal                = "INTERNAL"
)

// Outcome exit codes.
const (
	ExitSucceeded     = 0
	ExitUsage         = 1
	ExitValidation    = 2
	ExitBackup        = 3
	ExitRolledBack    = 4
	ExitUnrecoverable = 5
)

// Coded is implemented by every taxonomy error.
type Coded interface {
	error
	Code() string
}

// CorruptionUnrecoverable reports a rewrite that failed and a restore that
// failed after it. The repository may be damaged; the backup at BackupPath
// is intact and must be restored by hand.
type CorruptionUnrecoverable struct {
	// BackupPath is the verified backup taken before the rewrite.
	BackupPath string

	// Plan is the plan that was being executed.
	Plan *plan.OperationPlan

	// LastGoodTips are the branch tips recorded in the backup.
	LastGoodTips map[string]string

	// Steps lists every restore step attempted.
	Steps []backup.RestoreStep

	// Cause is the failure that triggered the rollback.
	Cause error

	// RestoreErr is why the rollback failed.
	RestoreErr error
}

func (e *CorruptionUnrecoverable) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "repository may be corrupted: restore from %s failed: %v", e.BackupPath, e.RestoreErr)
	if e.Cause != nil {
		fmt.Fprintf(&b, " (after: %v)", e.Cause)
	}
	if len(e.LastGoodTips) > 0 {
		branches := make([]string, 0, len(e.LastGoodTips))
		for name := range e.LastGoodTips {
			branches = append(branches, name)
		}
		sort.Strings(branches)
		b.WriteString("; last known-good tips:")
		for _, name := range branches {
			fmt.Fprintf(&b, " %s=%s", name, e.LastGoodTips[name])
		}
	}
	return b.String()
}

// Unwrap exposes both the restore failure and the original cause.
func (e *CorruptionUnrecoverable) Unwrap() []error {
	var out []error
	if e.RestoreErr != nil {
		out = append(out, e.RestoreErr)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// Code returns CodeCorruptionUnrecoverable.
func (e *CorruptionUnrecoverable) Code() string { return CodeCorruptionUnrecoverable }

// TransitionError reports a move that is not in the transition table.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return "invalid pipeline state transition: " + string(e.From) + " -> " + string(e.To)
}

// Code returns CodeInternal.
func (e *TransitionError) Code() string { return CodeInternal }

// CodeOf returns the stable code of err, or "" when it has none.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var corrupt *CorruptionUnrecoverable
	if errors.As(err, &corrupt) {
		return corrupt.Code()
	}
	if errors.Is(err, lock.ErrOperationInProgress) {
		return CodeLockHeld
	}
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}
	return ""
}

// ExitCodeOf maps an error to its outcome exit code.
//
// # Description
//
// Resolution, validation, stale-plan and lock errors all map to
// ExitValidation because nothing was mutated. Errors without a taxonomy
// code map to ExitUsage. A rolled-back run is reported by
// ExecutionResult.ExitCode, not by its cause.
func ExitCodeOf(err error) int {
	if err == nil {
		return ExitSucceeded
	}
	switch code := CodeOf(err); {
	case code == CodeCorruptionUnrecoverable:
		return ExitUnrecoverable
	case code == backup.CodeBackupFailed, code == backup.CodeVerificationFailed:
		return ExitBackup
	case code == adapter.CodeAdapterFailed:
		return ExitRolledBack
	case code == "":
		return ExitUsage
	default:
		return ExitValidation
	}
}
