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
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Ref is one entry of `git for-each-ref`.
type Ref struct {
	Name     string `json:"name"`
	Target   string `json:"target"`
	Type     string `json:"type"`
	Peeled   string `json:"peeled,omitempty"`
	Upstream string `json:"upstream,omitempty"`
}

// Commit returns the commit the ref ultimately points at: the peeled target
// for annotated tags, the target otherwise. Empty for refs to non-commits.
func (r Ref) Commit() string {
	if r.Peeled != "" {
		return r.Peeled
	}
	if r.Type == "commit" {
		return r.Target
	}
	return ""
}

// IsBranch reports whether the ref is a local branch.
func (r Ref) IsBranch() bool {
	return strings.HasPrefix(r.Name, "refs/heads/")
}

// ShortName strips refs/heads/, refs/tags/ or refs/remotes/.
func (r Ref) ShortName() string {
	for _, p := range []string{"refs/heads/", "refs/tags/", "refs/remotes/"} {
		if strings.HasPrefix(r.Name, p) {
			return strings.TrimPrefix(r.Name, p)
		}
	}
	return r.Name
}

// ListRefs returns every ref with its target, type, peeled commit and
// upstream, sorted by name.
func (c *Client) ListRefs(ctx context.Context) ([]Ref, error) {
	out, err := c.run(ctx, "for-each-ref",
		"--format=%(refname)%00%(objectname)%00%(objecttype)%00%(*objectname)%00%(upstream)")
	if err != nil {
		return nil, fmt.Errorf("listing refs: %w", err)
	}
	return parseRefs(out), nil
}

func parseRefs(out string) []Ref {
	var refs []Ref
	for _, line := range splitLines(out) {
		f := strings.Split(line, "\x00")
		if len(f) < 5 {
			continue
		}
		refs = append(refs, Ref{Name: f[0], Target: f[1], Type: f[2], Peeled: f[3], Upstream: f[4]})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs
}

// Snapshot is a point-in-time description of a repository: where it lives
// and where every ref pointed when it was taken.
//
// # Description
//
// A Snapshot is plain data. It never holds a live handle; components that
// need to read objects take a Client (or an interface it satisfies)
// separately. Comparing the Branches of two snapshots is how staleness is
// detected.
type Snapshot struct {
	// Path is the work tree root (the git dir for bare repositories).
	Path string `json:"path"`

	// GitDir is the absolute git directory.
	GitDir string `json:"git_dir"`

	// Name is the repository name used for backup naming.
	Name string `json:"name"`

	Bare     bool   `json:"bare"`
	Head     string `json:"head,omitempty"`
	Detached bool   `json:"detached"`

	// Branches maps short local branch names to their tip commit.
	Branches map[string]string `json:"branches"`

	// Refs are all refs, sorted by name.
	Refs []Ref `json:"refs"`

	TakenAt time.Time `json:"taken_at"`
}

// Snapshot captures the current repository state.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	gitDir, err := c.GitDir(ctx)
	if err != nil {
		return nil, err
	}
	bare, err := c.IsBare(ctx)
	if err != nil {
		return nil, err
	}
	head, detached, err := c.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	refs, err := c.ListRefs(ctx)
	if err != nil {
		return nil, err
	}

	path := c.repoPath
	if !bare {
		if top, err := c.run(ctx, "rev-parse", "--show-toplevel"); err == nil && top != "" {
			path = top
		}
	}

	snap := &Snapshot{
		Path:     path,
		GitDir:   gitDir,
		Name:     repoName(path),
		Bare:     bare,
		Head:     head,
		Detached: detached,
		Branches: make(map[string]string),
		Refs:     refs,
		TakenAt:  time.Now().UTC(),
	}
	for _, r := range refs {
		if r.IsBranch() {
			snap.Branches[r.ShortName()] = r.Target
		}
	}
	return snap, nil
}

// BranchNames returns the local branch names, sorted.
func (s *Snapshot) BranchNames() []string {
	names := make([]string, 0, len(s.Branches))
	for name := range s.Branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ref looks up a ref by full name.
func (s *Snapshot) Ref(name string) (Ref, bool) {
	for _, r := range s.Refs {
		if r.Name == name {
			return r, true
		}
	}
	return Ref{}, false
}

func repoName(path string) string {
	name := filepath.Base(filepath.Clean(path))
	if name == ".git" {
		name = filepath.Base(filepath.Dir(filepath.Clean(path)))
	}
	return strings.TrimSuffix(name, ".git")
}
