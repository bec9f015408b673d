// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adapter is the boundary between the safety engine and the tool
// that actually rewrites history.
//
// The engine never rewrites objects itself. It hands a frozen
// OperationPlan to a RewriteAdapter and gets back the old->new commit
// mapping. The production binding drives `git filter-repo`; tests use
// adaptertest.Scripted.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
)

// CodeAdapterFailed is the stable code of an AdapterError.
const CodeAdapterFailed = "ADAPTER_FAILED"

// ErrFilterRepoMissing indicates `git filter-repo` is not installed.
var ErrFilterRepoMissing = errors.New("git filter-repo is not installed")

// RewriteAdapter rewrites history according to a plan.
//
// # Description
//
// Rewrite receives the frozen plan and must either apply all of it or
// return an error; the caller restores the backup on any error. There is
// no retry at this layer. Implementations must stop promptly when ctx is
// cancelled.
type RewriteAdapter interface {
	Rewrite(ctx context.Context, p *plan.OperationPlan) (*RewriteOutcome, error)
}

// RewriteOutcome is what a completed rewrite reports.
type RewriteOutcome struct {
	// CommitMap maps every rewritten commit to its new ID. Commits that
	// were dropped map to git.ZeroID.
	CommitMap map[string]string `json:"commit_map" yaml:"commit_map"`

	// Passes is the number of rewrite passes the adapter ran.
	Passes int `json:"passes" yaml:"passes"`

	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Rewritten counts commits that survived with a new ID.
func (o *RewriteOutcome) Rewritten() int {
	n := 0
	for old, nw := range o.CommitMap {
		if nw != git.ZeroID && nw != old {
			n++
		}
	}
	return n
}

// Dropped counts commits that no longer exist.
func (o *RewriteOutcome) Dropped() int {
	n := 0
	for _, nw := range o.CommitMap {
		if nw == git.ZeroID {
			n++
		}
	}
	return n
}

// Changed returns the old IDs whose mapping is not the identity, sorted.
func (o *RewriteOutcome) Changed() []string {
	var out []string
	for old, nw := range o.CommitMap {
		if old != nw {
			out = append(out, old)
		}
	}
	sort.Strings(out)
	return out
}

// AdapterError is a failed rewrite step.
type AdapterError struct {
	// Op is the step that failed, e.g. "filter-repo" or "graft".
	Op string

	// Stderr is what the external tool printed, when there is one.
	Stderr string

	Err error
}

func (e *AdapterError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("rewrite %s: %v: %s", e.Op, e.Err, e.Stderr)
	}
	return fmt.Sprintf("rewrite %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Code returns CodeAdapterFailed.
func (e *AdapterError) Code() string { return CodeAdapterFailed }

// composeMaps chains a second pass onto the result of a first: an ID the
// first pass produced is followed through the second.
func composeMaps(first, second map[string]string) map[string]string {
	out := make(map[string]string, len(first)+len(second))
	produced := make(map[string]bool, len(first))
	for old, nw := range first {
		produced[nw] = true
		if next, ok := second[nw]; ok && nw != git.ZeroID {
			out[old] = next
			continue
		}
		out[old] = nw
	}
	for old, nw := range second {
		if produced[old] {
			continue
		}
		if _, ok := out[old]; !ok {
			out[old] = nw
		}
	}
	return out
}
