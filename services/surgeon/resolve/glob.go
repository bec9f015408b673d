// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type globRule struct {
	raw      string
	pattern  string
	negate   bool
	anchored bool
	dirOnly  bool
}

// GlobSet is an ordered list of path patterns.
//
// # Description
//
// Patterns use doublestar syntax and are case-sensitive. They are applied
// in order: a matching positive pattern selects a path, a matching "!"
// pattern deselects it, and the last matching rule decides. A pattern also
// matches every path below a directory it matches, so "build" selects
// "build/out.bin". A pattern without a slash also matches the base name
// at any depth, so "*.log" selects "logs/app.log". A leading "/" anchors
// the pattern to the repository root and a trailing "/" restricts it to
// directories.
//
// # Thread Safety
//
// Immutable after CompileGlobs; safe for concurrent use.
type GlobSet struct {
	rules []globRule
}

// CompileGlobs validates and compiles patterns. An invalid pattern is a
// *ResolutionError.
func CompileGlobs(patterns []string) (*GlobSet, error) {
	set := &GlobSet{rules: make([]globRule, 0, len(patterns))}
	for _, raw := range patterns {
		r := globRule{raw: raw, pattern: raw}
		if strings.HasPrefix(r.pattern, "!") {
			r.negate = true
			r.pattern = r.pattern[1:]
		}
		if strings.HasPrefix(r.pattern, "/") {
			r.anchored = true
			r.pattern = strings.TrimLeft(r.pattern, "/")
		}
		if strings.HasSuffix(r.pattern, "/") {
			r.dirOnly = true
			r.pattern = strings.TrimRight(r.pattern, "/")
		}
		if r.pattern == "" || !doublestar.ValidatePattern(r.pattern) {
			return nil, &ResolutionError{Reason: "invalid glob pattern", Input: raw}
		}
		set.rules = append(set.rules, r)
	}
	return set, nil
}

// Empty reports whether the set has no rules.
func (g *GlobSet) Empty() bool {
	return g == nil || len(g.rules) == 0
}

// Match reports whether p is selected and returns the positive pattern that
// selected it.
func (g *GlobSet) Match(p string) (bool, string) {
	if g == nil {
		return false, ""
	}
	selected, by := false, ""
	for _, r := range g.rules {
		if !r.matches(p) {
			continue
		}
		if r.negate {
			selected, by = false, ""
		} else {
			selected, by = true, r.raw
		}
	}
	return selected, by
}

// MatchAny reports whether any of paths is selected.
func (g *GlobSet) MatchAny(paths []string) (bool, string) {
	for _, p := range paths {
		if ok, by := g.Match(p); ok {
			return true, by
		}
	}
	return false, ""
}

func (r globRule) matches(p string) bool {
	if !r.dirOnly && r.matchOne(p) {
		return true
	}
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if r.matchOne(dir) {
			return true
		}
	}
	return false
}

func (r globRule) matchOne(p string) bool {
	if ok, _ := doublestar.Match(r.pattern, p); ok {
		return true
	}
	if r.anchored || strings.Contains(r.pattern, "/") {
		return false
	}
	ok, _ := doublestar.Match(r.pattern, path.Base(p))
	return ok
}
