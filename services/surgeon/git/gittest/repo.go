// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gittest builds throwaway git repositories for tests.
//
// Commits get deterministic author and committer dates (one hour apart,
// starting 2024-01-01 UTC) so commit IDs and date cutoffs are stable across
// runs. Tests are skipped when the git binary is not installed.
package gittest

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
)

// Epoch is the date of the first commit made by a Repo.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// RequireGit skips the test when git is not on PATH.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// Repo is a temporary repository with a deterministic clock.
type Repo struct {
	t      testing.TB
	Dir    string
	clock  time.Time
	author string
}

// New initialises a repository on branch main in a temp dir.
func New(t testing.TB) *Repo {
	t.Helper()
	RequireGit(t)

	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	r := &Repo{t: t, Dir: filepath.Join(dir, "repo"), clock: Epoch, author: "Test User <test@example.com>"}
	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	r.Git("init", "--quiet")
	r.Git("symbolic-ref", "HEAD", "refs/heads/main")
	r.Git("config", "user.name", "Test User")
	r.Git("config", "user.email", "test@example.com")
	r.Git("config", "commit.gpgsign", "false")
	r.Git("config", "core.autocrlf", "false")
	return r
}

// Git runs git in the repository and returns trimmed stdout. Failures are
// fatal.
func (r *Repo) Git(args ...string) string {
	r.t.Helper()
	out, err := r.TryGit(args...)
	if err != nil {
		r.t.Fatalf("git %s: %v", strings.Join(args, " "), err)
	}
	return out
}

// TryGit runs git and returns the error instead of failing the test.
func (r *Repo) TryGit(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.Dir
	date := r.clock.UTC().Format("2006-01-02 15:04:05 -0700")
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_DATE="+date,
		"GIT_COMMITTER_DATE="+date,
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_TERMINAL_PROMPT=0",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Write creates or replaces a file relative to the work tree.
func (r *Repo) Write(path, content string) {
	r.t.Helper()
	full := filepath.Join(r.Dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		r.t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		r.t.Fatalf("write %s: %v", path, err)
	}
}

// Remove deletes a file from the work tree.
func (r *Repo) Remove(path string) {
	r.t.Helper()
	if err := os.Remove(filepath.Join(r.Dir, filepath.FromSlash(path))); err != nil {
		r.t.Fatalf("remove %s: %v", path, err)
	}
}

// SetAuthor changes the identity used by subsequent commits.
func (r *Repo) SetAuthor(identity string) {
	r.author = identity
}

// Commit stages everything and commits, returning the new commit ID. The
// clock advances one hour per commit.
func (r *Repo) Commit(message string) string {
	r.t.Helper()
	r.clock = r.clock.Add(time.Hour)
	r.Git("add", "-A")
	r.Git("commit", "--quiet", "--allow-empty", "-m", message, "--author", r.author)
	return r.Head()
}

// Head returns the commit ID of HEAD.
func (r *Repo) Head() string {
	r.t.Helper()
	return r.Git("rev-parse", "HEAD")
}

// Now returns the date the last commit was made at.
func (r *Repo) Now() time.Time {
	return r.clock
}

// Client returns a git.Client for the repository.
func (r *Repo) Client() *git.Client {
	r.t.Helper()
	c, err := git.NewClient(r.Dir, 0)
	if err != nil {
		r.t.Fatalf("new client: %v", err)
	}
	return c
}

// GitDir returns the repository's .git directory.
func (r *Repo) GitDir() string {
	return filepath.Join(r.Dir, ".git")
}
