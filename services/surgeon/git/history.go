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
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signature is an author or committer identity.
type Signature struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (s Signature) String() string {
	return fmt.Sprintf("%s <%s>", s.Name, s.Email)
}

// Change is one path-level entry of a commit's raw diff.
type Change struct {
	Path    string `json:"path"`
	OldBlob string `json:"old_blob"`
	NewBlob string `json:"new_blob"`
	OldMode string `json:"old_mode"`
	NewMode string `json:"new_mode"`
	Status  string `json:"status"`
}

const gitlinkMode = "160000"

// IsGitlink reports whether either side of the entry is a submodule commit.
func (c Change) IsGitlink() bool {
	return c.NewMode == gitlinkMode || c.OldMode == gitlinkMode
}

// Commit is one commit of the history index.
type Commit struct {
	ID        string    `json:"id"`
	Parents   []string  `json:"parents,omitempty"`
	Author    Signature `json:"author"`
	Committer Signature `json:"committer"`
	Time      time.Time `json:"time"`
	Summary   string    `json:"summary"`
	Changes   []Change  `json:"changes,omitempty"`
}

// PathHistory is everything the index knows about one path.
type PathHistory struct {
	Path string `json:"path"`

	// Commits touched the path (added, modified or deleted it), newest first.
	Commits []string `json:"commits"`

	// Blobs are the distinct blob IDs the path ever held, in first-seen order.
	Blobs []string `json:"blobs"`
}

// History is an index of the commits reachable from a set of revisions.
//
// # Description
//
// Built from one `git log --raw -m --no-renames` pass. Merge commits are
// diffed against every parent so a path introduced while resolving a merge
// is still seen. Paths include files that were later deleted, which is what
// makes them purgeable.
type History struct {
	// Commits are keyed by ID.
	Commits map[string]*Commit

	// Order lists commit IDs in git log order (newest first).
	Order []string

	// Paths are keyed by path.
	Paths map[string]*PathHistory

	// BlobPaths maps a blob ID to every path it appeared under.
	BlobPaths map[string][]string
}

// AllPaths returns every path ever present, sorted.
func (h *History) AllPaths() []string {
	paths := make([]string, 0, len(h.Paths))
	for p := range h.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// AllBlobs returns every blob ID ever present, sorted.
func (h *History) AllBlobs() []string {
	blobs := make([]string, 0, len(h.BlobPaths))
	for b := range h.BlobPaths {
		blobs = append(blobs, b)
	}
	sort.Strings(blobs)
	return blobs
}

// CommitsIntroducing returns the commits whose diff adds blob, newest first.
func (h *History) CommitsIntroducing(blob string) []string {
	var out []string
	for _, id := range h.Order {
		for _, ch := range h.Commits[id].Changes {
			if ch.NewBlob == blob {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

const (
	recordSep = "\x1e"
	fieldSep  = "\x1f"
	logFormat = "%x1e%H%x1f%P%x1f%an%x1f%ae%x1f%cn%x1f%ce%x1f%ct%x1f%s"
)

// History indexes every commit reachable from revs.
func (c *Client) History(ctx context.Context, revs []string) (*History, error) {
	h := &History{
		Commits:   make(map[string]*Commit),
		Paths:     make(map[string]*PathHistory),
		BlobPaths: make(map[string][]string),
	}
	if len(revs) == 0 {
		return h, nil
	}
	args := []string{"log", "--raw", "--root", "-m", "--no-renames", "--no-abbrev", "--format=" + logFormat}
	args = append(append(args, revs...), "--")
	err := c.stream(ctx, nil, func(r io.Reader) error {
		return parseLog(r, h)
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	return h, nil
}

// parseLog fills h from `git log --raw` output produced with logFormat.
func parseLog(r io.Reader, h *History) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var cur *Commit
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, recordSep):
			commit, err := parseHeader(strings.TrimPrefix(line, recordSep))
			if err != nil {
				return err
			}
			// With -m a merge is printed once per parent.
			if existing, ok := h.Commits[commit.ID]; ok {
				cur = existing
				continue
			}
			h.Commits[commit.ID] = commit
			h.Order = append(h.Order, commit.ID)
			cur = commit
		case strings.HasPrefix(line, ":"):
			if cur == nil {
				return fmt.Errorf("raw diff line before any commit: %q", line)
			}
			ch, err := parseRaw(line)
			if err != nil {
				return err
			}
			h.addChange(cur, ch)
		}
	}
	return sc.Err()
}

func parseHeader(s string) (*Commit, error) {
	f := strings.Split(s, fieldSep)
	if len(f) < 8 {
		return nil, fmt.Errorf("malformed log header %q", s)
	}
	sec, err := strconv.ParseInt(f[6], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed commit time %q: %w", f[6], err)
	}
	return &Commit{
		ID:        f[0],
		Parents:   strings.Fields(f[1]),
		Author:    Signature{Name: f[2], Email: f[3]},
		Committer: Signature{Name: f[4], Email: f[5]},
		Time:      time.Unix(sec, 0).UTC(),
		Summary:   strings.Join(f[7:], fieldSep),
	}, nil
}

// parseRaw parses ":100644 100644 <old> <new> M\t<path>".
func parseRaw(line string) (Change, error) {
	meta, path, ok := strings.Cut(line, "\t")
	if !ok {
		return Change{}, fmt.Errorf("malformed raw diff line %q", line)
	}
	f := strings.Fields(strings.TrimPrefix(meta, ":"))
	if len(f) < 5 {
		return Change{}, fmt.Errorf("malformed raw diff line %q", line)
	}
	if strings.HasPrefix(path, `"`) {
		if unq, err := strconv.Unquote(path); err == nil {
			path = unq
		}
	}
	return Change{
		Path:    path,
		OldMode: f[0],
		NewMode: f[1],
		OldBlob: f[2],
		NewBlob: f[3],
		Status:  f[4],
	}, nil
}

func (h *History) addChange(c *Commit, ch Change) {
	for _, existing := range c.Changes {
		if existing == ch {
			return
		}
	}
	c.Changes = append(c.Changes, ch)

	ph, ok := h.Paths[ch.Path]
	if !ok {
		ph = &PathHistory{Path: ch.Path}
		h.Paths[ch.Path] = ph
	}
	if !containsString(ph.Commits, c.ID) {
		ph.Commits = append(ph.Commits, c.ID)
	}
	sides := []struct{ blob, mode string }{{ch.NewBlob, ch.NewMode}, {ch.OldBlob, ch.OldMode}}
	for _, side := range sides {
		blob := side.blob
		if blob == ZeroID || blob == "" || side.mode == gitlinkMode {
			continue
		}
		if !containsString(ph.Blobs, blob) {
			ph.Blobs = append(ph.Blobs, blob)
		}
		if !containsString(h.BlobPaths[blob], ch.Path) {
			h.BlobPaths[blob] = append(h.BlobPaths[blob], ch.Path)
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
