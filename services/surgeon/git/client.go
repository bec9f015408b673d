// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package git is the read side of gitsurgeon's view of a repository: a thin
// client over the git command line, a history index built from
// `git log --raw`, and a ref watcher.
//
// Everything here shells out to the git binary. The rewrite itself is done
// by the adapter package; this package only mutates refs in the narrow ways
// the adapter and the backup restore need (update-ref, replace, reset).
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds a single inspection command. History scans of large
// repositories are the slow case.
const DefaultTimeout = 10 * time.Minute

// gitDateLayout is a date format every git version parses unambiguously.
const gitDateLayout = "2006-01-02 15:04:05 -0700"

// ZeroID is the all-zero object ID git uses for "no object".
const ZeroID = "0000000000000000000000000000000000000000"

var (
	// ErrNotRepository indicates the path is not inside a git repository.
	ErrNotRepository = errors.New("not a git repository")

	// ErrUnknownRevision indicates a revision did not resolve to a commit.
	ErrUnknownRevision = errors.New("unknown revision")
)

// Client runs git commands against one repository.
//
// # Description
//
// Each command runs with the configured timeout and in the repository
// directory. Failures are wrapped as "git <args>: <err>: <stderr>" so the
// operator sees what git said.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Client struct {
	repoPath string
	timeout  time.Duration
	env      []string
}

// NewClient creates a client for the repository at repoPath.
//
// # Inputs
//
//   - repoPath: Absolute path to the repository work tree (or bare git dir).
//   - timeout: Per-command limit. Zero or negative selects DefaultTimeout.
//
// # Outputs
//
//   - *Client: Ready-to-use client.
//   - error: Non-nil if repoPath is not absolute.
func NewClient(repoPath string, timeout time.Duration) (*Client, error) {
	if !filepath.IsAbs(repoPath) {
		return nil, fmt.Errorf("repoPath must be absolute: %s", repoPath)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		repoPath: repoPath,
		timeout:  timeout,
		env:      []string{"GIT_TERMINAL_PROMPT=0", "LC_ALL=C"},
	}, nil
}

// Path returns the directory commands run in.
func (c *Client) Path() string {
	return c.repoPath
}

func (c *Client) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"-c", "core.quotepath=off"}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = c.repoPath
	cmd.Env = append(os.Environ(), c.env...)
	return cmd
}

// exec runs a git command with optional stdin and returns raw stdout.
func (c *Client) exec(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := c.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("git %s: timeout after %v", args[0], c.timeout)
		}
		return stdout.Bytes(), &CommandError{
			Args:   args,
			Err:    err,
			Stderr: strings.TrimSpace(stderr.String()),
		}
	}
	return stdout.Bytes(), nil
}

// run executes a git command and returns trimmed stdout.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	out, err := c.exec(ctx, nil, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// stream runs a git command and hands its stdout to fn while it runs.
func (c *Client) stream(ctx context.Context, stdin io.Reader, fn func(io.Reader) error, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := c.command(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("git %s: %w", args[0], err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("git %s: %w", args[0], err)
	}

	fnErr := fn(stdout)
	if fnErr != nil {
		// Unblock the writer side so Wait can return.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()
	if fnErr != nil {
		return fnErr
	}
	if waitErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("git %s: timeout after %v", args[0], c.timeout)
		}
		return &CommandError{Args: args, Err: waitErr, Stderr: strings.TrimSpace(stderr.String())}
	}
	return nil
}

// CommandError is a failed git invocation.
type CommandError struct {
	Args   []string
	Err    error
	Stderr string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitCode returns the process exit code, or -1 if git did not exit normally.
func (e *CommandError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func exitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode()
	}
	return -1
}

// GitDir returns the absolute path of the repository's git directory.
func (c *Client) GitDir(ctx context.Context) (string, error) {
	dir, err := c.run(ctx, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotRepository, c.repoPath, err)
	}
	return dir, nil
}

// IsBare reports whether the repository has no work tree.
func (c *Client) IsBare(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "rev-parse", "--is-bare-repository")
	if err != nil {
		return false, err
	}
	return out == "true", nil
}

// CurrentBranch returns the short name of the checked out branch, or
// detached=true when HEAD points directly at a commit.
func (c *Client) CurrentBranch(ctx context.Context) (branch string, detached bool, err error) {
	out, err := c.run(ctx, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		if exitCode(err) == 1 {
			return "", true, nil
		}
		return "", false, err
	}
	return out, false, nil
}

// RevParse resolves rev to a full commit ID.
func (c *Client) RevParse(ctx context.Context, rev string) (string, error) {
	if rev == "" || strings.HasPrefix(rev, "-") {
		return "", fmt.Errorf("%w: %q", ErrUnknownRevision, rev)
	}
	out, err := c.run(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil || out == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownRevision, rev)
	}
	return out, nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
// A commit is its own ancestor.
func (c *Client) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := c.run(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// CommitTime returns the committer timestamp of rev.
func (c *Client) CommitTime(ctx context.Context, rev string) (time.Time, error) {
	out, err := c.run(ctx, "show", "-s", "--format=%ct", rev)
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse commit time %q: %w", out, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

// FirstParentAtOrBefore returns the newest first-parent commit of rev whose
// committer date is at or before t, or "" when none exists.
func (c *Client) FirstParentAtOrBefore(ctx context.Context, rev string, t time.Time) (string, error) {
	return c.run(ctx, "rev-list", "-1", "--first-parent",
		"--before="+t.UTC().Format(gitDateLayout), rev, "--")
}

// FirstParentChain returns up to limit first-parent commits of rev, newest
// first. limit <= 0 returns the whole chain.
func (c *Client) FirstParentChain(ctx context.Context, rev string, limit int) ([]string, error) {
	args := []string{"rev-list", "--first-parent"}
	if limit > 0 {
		args = append(args, "--max-count="+strconv.Itoa(limit))
	}
	out, err := c.run(ctx, append(args, rev, "--")...)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// RevList returns commit IDs reachable from include and not from exclude.
func (c *Client) RevList(ctx context.Context, include, exclude []string) ([]string, error) {
	if len(include) == 0 {
		return nil, nil
	}
	args := append([]string{"rev-list"}, include...)
	if len(exclude) > 0 {
		args = append(args, "--not")
		args = append(args, exclude...)
	}
	out, err := c.run(ctx, append(args, "--")...)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ReachableObjects returns the IDs of every object (commits, trees, blobs)
// reachable from revs.
func (c *Client) ReachableObjects(ctx context.Context, revs []string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	if len(revs) == 0 {
		return set, nil
	}
	out, err := c.exec(ctx, nil, append(append([]string{"rev-list", "--objects"}, revs...), "--")...)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		id, _, _ := strings.Cut(line, " ")
		set[id] = struct{}{}
	}
	return set, nil
}

// TreePaths lists every file path in the tree of rev.
func (c *Client) TreePaths(ctx context.Context, rev string) ([]string, error) {
	out, err := c.exec(ctx, nil, "ls-tree", "-r", "-z", "--name-only", rev)
	if err != nil {
		return nil, err
	}
	return splitNUL(out), nil
}

// AheadBehind counts commits in local not in upstream (ahead) and the
// reverse (behind).
func (c *Client) AheadBehind(ctx context.Context, local, upstream string) (ahead, behind int, err error) {
	out, err := c.run(ctx, "rev-list", "--left-right", "--count", local+"..."+upstream, "--")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list --count output %q", out)
	}
	if ahead, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, err
	}
	if behind, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

// Fsck checks connectivity of the objects reachable from revs (or from all
// refs when revs is empty).
func (c *Client) Fsck(ctx context.Context, revs ...string) error {
	args := append([]string{"fsck", "--connectivity-only", "--no-progress", "--no-dangling"}, revs...)
	_, err := c.run(ctx, args...)
	return err
}

// UpdateRef points ref at newID, failing if it no longer points at oldID.
// An empty oldID skips the check.
func (c *Client) UpdateRef(ctx context.Context, ref, newID, oldID string) error {
	args := []string{"update-ref", "-m", "gitsurgeon", ref, newID}
	if oldID != "" {
		args = append(args, oldID)
	}
	_, err := c.run(ctx, args...)
	return err
}

// CommitTree creates a commit object for tree with the given parents.
func (c *Client) CommitTree(ctx context.Context, tree, message string, parents ...string) (string, error) {
	args := []string{"commit-tree", tree}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	out, err := c.exec(ctx, strings.NewReader(message), append(args, "-F", "-")...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Replace installs a replace ref mapping object to replacement.
func (c *Client) Replace(ctx context.Context, object, replacement string) error {
	_, err := c.run(ctx, "replace", "--force", object, replacement)
	return err
}

// ReplaceGraft installs a replace ref that gives commit a new parent list.
// No parents makes it a root commit.
func (c *Client) ReplaceGraft(ctx context.Context, commit string, parents ...string) error {
	_, err := c.run(ctx, append([]string{"replace", "--force", "--graft", commit}, parents...)...)
	return err
}

// DeleteReplace removes the replace ref for object.
func (c *Client) DeleteReplace(ctx context.Context, object string) error {
	_, err := c.run(ctx, "replace", "-d", object)
	return err
}

// ResetHard resets the index and work tree to rev. No-op for bare
// repositories.
func (c *Client) ResetHard(ctx context.Context, rev string) error {
	bare, err := c.IsBare(ctx)
	if err != nil {
		return err
	}
	if bare {
		return nil
	}
	_, err = c.run(ctx, "reset", "--hard", "--quiet", rev)
	return err
}

// ExpireReflogs drops every reflog entry so rewritten objects become
// unreachable.
func (c *Client) ExpireReflogs(ctx context.Context) error {
	_, err := c.run(ctx, "reflog", "expire", "--expire=now", "--all")
	return err
}

// GC prunes unreachable objects immediately.
func (c *Client) GC(ctx context.Context) error {
	_, err := c.run(ctx, "gc", "--prune=now", "--quiet")
	return err
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func splitNUL(b []byte) []string {
	var out []string
	for _, part := range bytes.Split(b, []byte{0}) {
		if len(part) > 0 {
			out = append(out, string(part))
		}
	}
	return out
}
