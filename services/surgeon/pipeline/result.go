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
	"time"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/backup"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/dryrun"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/validate"
)

// Status is the outcome of a run.
type Status string

const (
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// BackupStatus is the lifecycle of the run's backup.
type BackupStatus string

const (
	BackupCreated  BackupStatus = "created"
	BackupVerified BackupStatus = "verified"
	BackupRestored BackupStatus = "restored"
	BackupInvalid  BackupStatus = "invalid"
)

// ExecutionResult is the complete report of one pipeline run.
type ExecutionResult struct {
	RunID      string  `json:"run_id" yaml:"run_id"`
	Status     Status  `json:"status" yaml:"status"`
	FinalState State   `json:"final_state" yaml:"final_state"`
	Trail      []State `json:"trail" yaml:"trail"`
	DryRun     bool    `json:"dry_run" yaml:"dry_run"`

	Plan       *plan.OperationPlan `json:"plan" yaml:"plan"`
	Validation *validate.Report    `json:"validation,omitempty" yaml:"validation,omitempty"`
	Simulation *dryrun.Report      `json:"simulation,omitempty" yaml:"simulation,omitempty"`

	Backup       *backup.Backup `json:"backup,omitempty" yaml:"backup,omitempty"`
	BackupStatus BackupStatus   `json:"backup_status,omitempty" yaml:"backup_status,omitempty"`

	// CommitMap maps every rewritten commit to its replacement. Dropped
	// commits map to the all-zero ID.
	CommitMap map[string]string `json:"commit_map,omitempty" yaml:"commit_map,omitempty"`

	// Rollback lists each restore step when a rollback ran.
	Rollback []backup.RestoreStep `json:"rollback,omitempty" yaml:"rollback,omitempty"`

	// PostValidation is the report of the post-execution pass.
	PostValidation *validate.Report `json:"post_validation,omitempty" yaml:"post_validation,omitempty"`

	Code     string   `json:"code,omitempty" yaml:"code,omitempty"`
	Error    string   `json:"error,omitempty" yaml:"error,omitempty"`
	ExitCode int      `json:"exit_code" yaml:"exit_code"`
	Notes    []string `json:"notes,omitempty" yaml:"notes,omitempty"`

	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}

// Duration is the wall time of the run.
func (r *ExecutionResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the run finished in StateSucceeded.
func (r *ExecutionResult) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// TrailStrings returns the state trail as plain strings.
func (r *ExecutionResult) TrailStrings() []string {
	out := make([]string, len(r.Trail))
	for i, s := range r.Trail {
		out[i] = string(s)
	}
	return out
}
