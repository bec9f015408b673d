// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/backup"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/dryrun"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/journal"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/pipeline"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/validate"
)

// Regenerate with: go test ./pkg/ux -update
func assertGolden(t *testing.T, name string, got []byte) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, got)
}

var fixedTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func sampleValidation() *validate.Report {
	return &validate.Report{
		Findings: []validate.Finding{
			{
				Code:     validate.CodeDirtyWorkingTree,
				Severity: validate.Blocking,
				Message:  "working tree has uncommitted changes",
				Details:  []string{"src/app.go"},
			},
			{
				Code:     validate.CodeUntrackedFiles,
				Severity: validate.Warning,
				Message:  "untracked files present",
				Details:  []string{"notes.txt", "tmp/out.log"},
			},
		},
		CheckedAt: fixedTime,
	}
}

func sampleDryRun() *dryrun.Report {
	return &dryrun.Report{
		PlanID:          "plan-1",
		Kind:            operation.KindClean,
		Scope:           []string{"main"},
		BranchesTouched: []string{"main"},
		CommitsAffected: 3,
		ObjectDelta:     -1,
		ByteDelta:       -5242880,
		Approximate:     true,
		Effects: []dryrun.Effect{
			{
				Target:      "assets/big.bin (1a2b3c4d)",
				Kind:        plan.KindBlob,
				Action:      plan.ActionStrip,
				Commits:     []string{"c1"},
				ObjectDelta: -1,
				ByteDelta:   -5242880,
			},
			{
				Target:      "config/app.env",
				Kind:        plan.KindRedaction,
				Action:      plan.ActionRedact,
				Commits:     []string{"c2", "c3"},
				ByteDelta:   -12,
				Approximate: true,
			},
		},
		Collateral: []dryrun.Collateral{
			{Ref: "refs/tags/v1.0", Targets: []string{"assets/big.bin"}, Objects: 1},
		},
		Notes: []string{"branch dev skipped: not in scope"},
	}
}

func sampleRolledBack() *pipeline.ExecutionResult {
	return &pipeline.ExecutionResult{
		RunID:      "run-1",
		Status:     pipeline.StatusRolledBack,
		FinalState: pipeline.StateRolledBack,
		Trail: []pipeline.State{
			pipeline.StateIdle,
			pipeline.StateValidating,
			pipeline.StateBackingUp,
			pipeline.StateExecuting,
			pipeline.StateRollingBack,
			pipeline.StateRolledBack,
		},
		Backup: &backup.Backup{
			Path:     "/backups/repo_backup_20240102T030405.000Z",
			Checksum: "abc123",
			Size:     2048,
		},
		BackupStatus: pipeline.BackupRestored,
		Rollback: []backup.RestoreStep{
			{Name: "restore objects", OK: true},
			{Name: "reset worktree", OK: true},
		},
		Code:       "ADAPTER_FAILED",
		Error:      "pass 1: exit status 1",
		ExitCode:   pipeline.ExitRolledBack,
		StartedAt:  fixedTime,
		FinishedAt: fixedTime.Add(1500 * time.Millisecond),
	}
}

func TestValidation_Machine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMachine)
	p.Validation(sampleValidation())
	require.NoError(t, p.Err())
	assertGolden(t, "validation_machine", buf.Bytes())
}

func TestDryRun_Machine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMachine)
	p.DryRun(sampleDryRun())
	assertGolden(t, "dryrun_machine", buf.Bytes())
}

func TestResult_MachineRolledBack(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMachine)
	p.Result(sampleRolledBack())
	assertGolden(t, "result_rolled_back_machine", buf.Bytes())
}

func TestInventory_Machine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMachine)
	p.Backups([]*backup.Backup{{
		Name:      "repo_backup_20240102T030405.000Z",
		Path:      "/b/repo_backup_20240102T030405.000Z",
		CreatedAt: fixedTime,
		Files:     12,
		Size:      4096,
		Branches:  map[string]string{"main": "a", "dev": "b"},
		Checksum:  "deadbeef",
		Mirror:    "gs://bucket/backups/repo_backup_20240102T030405.000Z",
	}})
	p.History([]journal.RunRecord{{
		ID:         "0b6f2c1e-run",
		Repo:       "/src/repo",
		Kind:       operation.KindRemove,
		Status:     "rolled_back",
		ExitCode:   4,
		ErrorCode:  "ADAPTER_FAILED",
		Backup:     "/b/x",
		StartedAt:  fixedTime,
		FinishedAt: fixedTime.Add(2 * time.Second),
	}})
	assertGolden(t, "inventory_machine", buf.Bytes())
}

func TestValidation_Full(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelFull)
	p.Validation(sampleValidation())

	out := buf.String()
	assert.Contains(t, out, "Repository validation")
	assert.Contains(t, out, "DIRTY_WORKING_TREE")
	assert.Contains(t, out, "tmp/out.log")
	assert.Contains(t, out, string(IconError))
	assert.Contains(t, out, "1 blocking finding(s)")
}

func TestValidation_SuppressedPasses(t *testing.T) {
	r := &validate.Report{Findings: []validate.Finding{{
		Code: validate.CodeUntrackedFiles, Severity: validate.Warning, Message: "untracked files present",
	}}}
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMinimal)
	p.Validation(r.Suppress())

	assert.Contains(t, buf.String(), "1 warning(s) suppressed by --force")
	assert.Contains(t, buf.String(), "validation passed")
}

func TestDryRun_Full(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelFull)
	p.DryRun(sampleDryRun())

	out := buf.String()
	assert.Contains(t, out, "Dry run: clean")
	assert.Contains(t, out, "TARGET")
	assert.Contains(t, out, "config/app.env")
	assert.Contains(t, out, "~-5.0 MB")
	assert.Contains(t, out, "refs/tags/v1.0 still references 1 affected object(s)")
	assert.NotContains(t, out, "nothing to rewrite")
}

func TestResult_FullSucceeded(t *testing.T) {
	res := &pipeline.ExecutionResult{
		RunID:      "run-2",
		Status:     pipeline.StatusSucceeded,
		FinalState: pipeline.StateSucceeded,
		Trail:      []pipeline.State{pipeline.StateIdle, pipeline.StateSucceeded},
		CommitMap: map[string]string{
			"1111111111111111111111111111111111111111": "2222222222222222222222222222222222222222",
			"3333333333333333333333333333333333333333": git.ZeroID,
		},
		StartedAt:  fixedTime,
		FinishedAt: fixedTime.Add(time.Second),
	}
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelFull)
	p.Result(res)

	out := buf.String()
	assert.Contains(t, out, "Run succeeded")
	assert.Contains(t, out, "1 rewritten, 1 dropped")
	assert.NotContains(t, out, "Rollback")
}

func TestResult_FullRolledBackListsSteps(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMinimal)
	p.Result(sampleRolledBack())

	out := buf.String()
	assert.Contains(t, out, "Run rolled back")
	assert.Contains(t, out, "restore objects")
	assert.Contains(t, out, "[ADAPTER_FAILED] pass 1: exit status 1")
}

func TestRestore_Machine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMachine)
	p.Restore(&backup.RestoreResult{
		Backup:   &backup.Backup{Path: "/b/one"},
		GitDir:   "/src/repo/.git",
		Checksum: "feed",
		Steps: []backup.RestoreStep{
			{Name: "swap", OK: false, Error: "permission denied"},
		},
	}, errors.New("swap failed"))
	assert.Equal(t,
		"restore backup=/b/one git_dir=/src/repo/.git checksum=feed\n"+
			"step name=swap ok=false error=\"permission denied\"\n"+
			"error message=\"swap failed\"\n",
		buf.String())
}

func TestPlan_Machine(t *testing.T) {
	op := &plan.OperationPlan{
		ID:       "plan-9",
		Request:  operation.Request{Kind: operation.KindRemove},
		RepoPath: "/src/repo",
		Scope:    []string{"dev", "main"},
		Targets: []plan.ResolvedTarget{
			{Kind: plan.KindPath, Action: plan.ActionRemove, Path: "secrets.txt"},
		},
		Exempted: []plan.Exemption{
			{Path: "README.md", Branches: []string{"main"}, Reason: "present at tip"},
		},
	}
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMachine)
	p.Plan(op)
	assert.Equal(t,
		"plan id=plan-9 kind=remove repo=/src/repo scope=dev,main targets=1\n"+
			"target kind=path action=remove label=secrets.txt\n"+
			"exempted path=README.md branches=main reason=\"present at tip\"\n",
		buf.String())
}

func TestVerified(t *testing.T) {
	b := &backup.Backup{Path: "/b/one", Checksum: "0123456789abcdef"}

	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMachine)
	p.Verified(b, nil)
	p.Verified(b, errors.New("checksum mismatch"))
	assert.Equal(t,
		"verify path=/b/one ok=true checksum=0123456789abcdef\n"+
			"verify path=/b/one ok=false error=\"checksum mismatch\"\n",
		buf.String())
}

func TestInventory_Empty(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMachine)
	p.Backups(nil)
	p.History(nil)
	assert.Empty(t, buf.String())

	buf.Reset()
	p = NewPrinter(&buf, LevelFull)
	p.Backups(nil)
	p.History(nil)
	assert.Contains(t, buf.String(), "no backups found")
	assert.Contains(t, buf.String(), "no runs recorded")
}
