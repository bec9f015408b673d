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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/adapter"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/adapter/adaptertest"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/git/gittest"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/lock"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/pipeline"
)

// harness runs commands in process against a throwaway repository whose
// backups, locks and journal live in their own temp dirs.
type harness struct {
	repo       *gittest.Repo
	base       string
	config     string
	backupRoot string
	lockDir    string
	stdout     bytes.Buffer
	stderr     bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := gittest.New(t)
	repo.Write("README.md", "hello\n")
	repo.Write(".env", "SECRET=1\n")
	repo.Commit("initial")
	repo.Write("src/app.go", "package main\n")
	base := repo.Commit("add app")

	h := &harness{repo: repo, base: base, backupRoot: t.TempDir(), lockDir: t.TempDir()}
	h.config = writeFile(t, filepath.Join(t.TempDir(), "gitsurgeon.yaml"), fmt.Sprintf(
		"log_level: error\nlock_dir: %s\njournal_dir: %s\nbackup:\n  root: %s\n  workers: 2\n",
		h.lockDir, filepath.Join(t.TempDir(), "journal"), h.backupRoot))
	return h
}

// run executes args with the harness flags appended. opts may adjust the
// cli before the command runs.
func (h *harness) run(t *testing.T, opts func(c *cli), args ...string) int {
	t.Helper()
	h.stdout.Reset()
	h.stderr.Reset()
	c := newCLI(strings.NewReader(""), &h.stdout, &h.stderr)
	if opts != nil {
		opts(c)
	}
	args = append(args, "--repo", h.repo.Dir, "--config", h.config, "--style", "machine")
	return execute(context.Background(), c, args)
}

func (h *harness) backups(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.backupRoot)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, filepath.Join(h.backupRoot, e.Name()))
	}
	return names
}

func withAdapter(a adapter.RewriteAdapter) func(c *cli) {
	return func(c *cli) {
		c.newAdapter = func(*git.Client, adapter.Config, *slog.Logger) adapter.RewriteAdapter { return a }
	}
}

// stubConfirmer answers every prompt with answer.
type stubConfirmer struct {
	answer bool
	asked  int
}

func (s *stubConfirmer) Interactive() bool { return true }

func (s *stubConfirmer) Confirm(ctx context.Context, title, description string) (bool, error) {
	s.asked++
	return s.answer, nil
}

func TestValidate_CleanRepository(t *testing.T) {
	h := newHarness(t)

	code := h.run(t, nil, "validate")
	assert.Equal(t, pipeline.ExitSucceeded, code, h.stderr.String())
	assert.Contains(t, h.stdout.String(), "validation passed=true")
}

func TestValidate_DirtyRepositoryFails(t *testing.T) {
	h := newHarness(t)
	h.repo.Write("README.md", "changed\n")

	code := h.run(t, nil, "validate")
	assert.Equal(t, pipeline.ExitValidation, code)
	assert.Contains(t, h.stdout.String(), "passed=false")
}

func TestValidate_ReportsLockHolder(t *testing.T) {
	h := newHarness(t)
	locks, err := lock.NewManager(lock.Config{Dir: h.lockDir}, nil)
	require.NoError(t, err)
	l, err := locks.Acquire(context.Background(), h.repo.Dir, "other-run")
	require.NoError(t, err)
	defer l.Release()

	code := h.run(t, nil, "validate", "-o", "json")
	assert.Equal(t, pipeline.ExitValidation, code)
	assert.Contains(t, h.stdout.String(), "REPOSITORY_LOCKED")
	assert.Contains(t, h.stdout.String(), "other-run")

	require.NoError(t, l.Release())
	code = h.run(t, nil, "validate")
	assert.Equal(t, pipeline.ExitSucceeded, code, h.stdout.String())
}

func TestRemove_DryRunJSON(t *testing.T) {
	h := newHarness(t)
	rewrite := &adaptertest.Scripted{}

	code := h.run(t, withAdapter(rewrite), "remove", ".env", "--dry-run", "-o", "json")
	require.Equal(t, pipeline.ExitSucceeded, code, h.stderr.String())

	var out map[string]any
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &out))
	assert.Equal(t, "succeeded", out["status"])
	assert.Equal(t, true, out["dry_run"])
	assert.NotNil(t, out["simulation"])

	assert.Empty(t, rewrite.Calls())
	assert.Empty(t, h.backups(t))
	assert.Equal(t, h.base, h.repo.Head())
}

func TestRemove_ResolutionFailureReportsValidation(t *testing.T) {
	h := newHarness(t)
	h.repo.Write("README.md", "changed\n")
	rewrite := &adaptertest.Scripted{}

	code := h.run(t, withAdapter(rewrite), "remove", ".env", "--branch", "gone", "--dry-run", "-o", "json")
	require.Equal(t, pipeline.ExitValidation, code, h.stderr.String())

	var out struct {
		Code       string `json:"code"`
		ExitCode   int    `json:"exit_code"`
		Validation struct {
			Findings []struct {
				Code string `json:"code"`
			} `json:"findings"`
		} `json:"validation"`
		Resolution struct {
			Code string `json:"code"`
		} `json:"resolution"`
	}
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &out), h.stdout.String())
	assert.Equal(t, "VALIDATION_FAILED", out.Code)
	assert.Equal(t, pipeline.ExitValidation, out.ExitCode)
	assert.Equal(t, "RESOLUTION_FAILED", out.Resolution.Code)
	var codes []string
	for _, f := range out.Validation.Findings {
		codes = append(codes, f.Code)
	}
	assert.Contains(t, codes, "DIRTY_WORKING_TREE")
	assert.Contains(t, codes, "MISSING_BRANCH")
	assert.Empty(t, rewrite.Calls())
}

func TestRemove_ResolutionFailureTextListsEveryFinding(t *testing.T) {
	h := newHarness(t)
	h.repo.Write("README.md", "changed\n")

	code := h.run(t, withAdapter(&adaptertest.Scripted{}), "remove", ".env", "--branch", "gone", "--dry-run")
	require.Equal(t, pipeline.ExitValidation, code, h.stderr.String())
	out := h.stdout.String() + h.stderr.String()
	assert.Contains(t, out, "passed=false")
	assert.Contains(t, out, "DIRTY_WORKING_TREE")
	assert.Contains(t, out, "MISSING_BRANCH")
}

func TestRemove_ResolutionFailureOnCleanRepository(t *testing.T) {
	h := newHarness(t)

	code := h.run(t, withAdapter(&adaptertest.Scripted{}), "remove", ".env", "--branch", "gone", "--dry-run", "-o", "json")
	require.Equal(t, pipeline.ExitValidation, code, h.stderr.String())

	var out map[string]any
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &out), h.stdout.String())
	assert.Equal(t, "VALIDATION_FAILED", out["code"])
	assert.Contains(t, out["error"], "MISSING_BRANCH")
}

func TestRemove_RequiresYesWithoutTerminal(t *testing.T) {
	h := newHarness(t)
	rewrite := &adaptertest.Scripted{}

	code := h.run(t, withAdapter(rewrite), "remove", ".env")
	assert.Equal(t, pipeline.ExitUsage, code)
	assert.Contains(t, h.stderr.String(), "--yes")
	assert.Empty(t, rewrite.Calls())
}

func TestRemove_DeclinedConfirmation(t *testing.T) {
	h := newHarness(t)
	rewrite := &adaptertest.Scripted{}
	confirmer := &stubConfirmer{answer: false}

	code := h.run(t, func(c *cli) {
		withAdapter(rewrite)(c)
		c.confirmer = confirmer
	}, "remove", ".env")

	assert.Equal(t, pipeline.ExitValidation, code)
	assert.Equal(t, 1, confirmer.asked)
	assert.Contains(t, h.stdout.String(), errDeclined.Error())
	assert.Empty(t, rewrite.Calls())
	assert.Empty(t, h.backups(t))
}

func TestRemove_ExecutesAndRecords(t *testing.T) {
	h := newHarness(t)
	rewrite := &adaptertest.Scripted{Outcome: &adapter.RewriteOutcome{
		CommitMap: map[string]string{h.base: "1111111111111111111111111111111111111111"},
		Passes:    1,
	}}

	code := h.run(t, withAdapter(rewrite), "remove", ".env", "--yes")
	require.Equal(t, pipeline.ExitSucceeded, code, h.stderr.String())
	assert.Len(t, rewrite.Calls(), 1)
	assert.Contains(t, h.stdout.String(), "status=succeeded")
	assert.Contains(t, h.stdout.String(), "backup status=verified")

	backups := h.backups(t)
	require.Len(t, backups, 1)

	code = h.run(t, nil, "history")
	require.Equal(t, pipeline.ExitSucceeded, code, h.stderr.String())
	assert.Contains(t, h.stdout.String(), "kind=remove")
	assert.Contains(t, h.stdout.String(), "status=succeeded")

	code = h.run(t, nil, "backup", "list")
	require.Equal(t, pipeline.ExitSucceeded, code, h.stderr.String())
	assert.Contains(t, h.stdout.String(), "path="+backups[0])

	code = h.run(t, nil, "backup", "verify", backups[0])
	require.Equal(t, pipeline.ExitSucceeded, code, h.stderr.String())
	assert.Contains(t, h.stdout.String(), "ok=true")
}

func TestRemove_AdapterFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	rewrite := &adaptertest.Scripted{Err: &adapter.AdapterError{Op: "pass 1", Err: errors.New("killed")}}

	code := h.run(t, withAdapter(rewrite), "remove", ".env", "--yes")
	assert.Equal(t, pipeline.ExitRolledBack, code)
	assert.Contains(t, h.stdout.String(), "status=rolled_back")
	assert.Equal(t, h.base, h.repo.Head())
}

func TestBackupVerify_MissingBackup(t *testing.T) {
	h := newHarness(t)

	code := h.run(t, nil, "backup", "verify", filepath.Join(t.TempDir(), "absent"))
	assert.Equal(t, pipeline.ExitBackup, code)
	assert.Contains(t, h.stdout.String(), "ERROR:")
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown output format", []string{"validate", "-o", "xml"}},
		{"truncate without mode", []string{"truncate"}},
		{"truncate with two modes", []string{"truncate", "--before", "2024-01-01", "--keep-recent", "3"}},
		{"all combined with names", []string{"validate", "--branch", "all", "--branch", "main"}},
		{"remove without patterns", []string{"remove"}},
		{"rewrite-authors without mapping", []string{"rewrite-authors"}},
		{"missing mapping file", []string{"rewrite-authors", "--mapping", "/nonexistent/map.json"}},
	}
	h := newHarness(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := h.run(t, nil, tt.args...)
			assert.Equal(t, pipeline.ExitUsage, code, h.stdout.String())
			assert.NotEmpty(t, h.stderr.String())
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(errors.New("flag provided but not defined")))
	assert.Equal(t, 4, exitCode(fmt.Errorf("wrapped: %w", &ExitError{Code: 4})))
	assert.True(t, reported(&ExitError{Code: 2, Reported: true}))
	assert.False(t, reported(usagef("bad")))
}
