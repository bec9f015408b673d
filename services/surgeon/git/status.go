// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Status is the work tree state relevant to a history rewrite.
type Status struct {
	Staged     []string `json:"staged,omitempty"`
	Modified   []string `json:"modified,omitempty"`
	Untracked  []string `json:"untracked,omitempty"`
	Conflicted []string `json:"conflicted,omitempty"`
}

// HasUncommittedChanges reports staged, unstaged or conflicted changes.
// Untracked files do not count: a rewrite never touches them.
func (s *Status) HasUncommittedChanges() bool {
	return len(s.Staged) > 0 || len(s.Modified) > 0 || len(s.Conflicted) > 0
}

// Status returns the work tree status. Bare repositories are always clean.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	bare, err := c.IsBare(ctx)
	if err != nil {
		return nil, err
	}
	if bare {
		return &Status{}, nil
	}
	out, err := c.exec(ctx, nil, "status", "--porcelain=v1", "-z", "--untracked-files=normal")
	if err != nil {
		return nil, fmt.Errorf("getting status: %w", err)
	}
	return parseStatus(out), nil
}

// parseStatus parses `git status --porcelain=v1 -z`.
//
// Each record is "XY <path>\0". Renames and copies are followed by the
// original path as an extra NUL-terminated field.
func parseStatus(out []byte) *Status {
	status := &Status{}
	fields := strings.Split(string(out), "\x00")
	for i := 0; i < len(fields); i++ {
		rec := fields[i]
		if len(rec) < 4 {
			continue
		}
		x, y, path := rec[0], rec[1], rec[3:]

		switch {
		case x == '?' && y == '?':
			status.Untracked = append(status.Untracked, path)
			continue
		case x == '!' && y == '!':
			continue
		case x == 'U' || y == 'U' || (x == 'A' && y == 'A') || (x == 'D' && y == 'D'):
			status.Conflicted = append(status.Conflicted, path)
			continue
		}
		if x != ' ' {
			status.Staged = append(status.Staged, path)
		}
		if y != ' ' {
			status.Modified = append(status.Modified, path)
		}
		if x == 'R' || x == 'C' {
			i++ // skip the source path
		}
	}
	return status
}

// inProgressMarkers maps git dir entries to the operation they indicate.
var inProgressMarkers = []struct {
	file string
	name string
}{
	{"rebase-merge", "rebase"},
	{"rebase-apply", "rebase"},
	{"MERGE_HEAD", "merge"},
	{"CHERRY_PICK_HEAD", "cherry-pick"},
	{"REVERT_HEAD", "revert"},
	{"BISECT_LOG", "bisect"},
}

// InProgress lists the interrupted git operations (rebase, merge,
// cherry-pick, revert, bisect) recorded in the git dir.
func (c *Client) InProgress(ctx context.Context) ([]string, error) {
	gitDir, err := c.GitDir(ctx)
	if err != nil {
		return nil, err
	}
	var ops []string
	seen := make(map[string]bool)
	for _, m := range inProgressMarkers {
		if _, err := os.Stat(filepath.Join(gitDir, m.file)); err == nil && !seen[m.name] {
			seen[m.name] = true
			ops = append(ops, m.name)
		}
	}
	return ops, nil
}
