// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package operation defines the OperationRequest consumed by the safety
// engine and the rules that make a request valid.
//
// A Request is the only input the engine accepts. The CLI (or any other
// front end) builds one with New, which validates it and returns an
// independent copy; nothing downstream mutates it.
package operation

import (
	"slices"
)

// Kind is the kind of history rewrite requested.
type Kind string

const (
	// KindRemove purges paths matching glob patterns from history.
	KindRemove Kind = "remove"

	// KindTruncate drops history before or after a cutoff.
	KindTruncate Kind = "truncate"

	// KindClean strips large blobs and redacts sensitive content.
	KindClean Kind = "clean"

	// KindRewriteAuthors remaps author (and optionally committer) identities.
	KindRewriteAuthors Kind = "rewrite-authors"
)

// Kinds lists every supported operation kind in display order.
var Kinds = []Kind{KindRemove, KindTruncate, KindClean, KindRewriteAuthors}

// TruncateMode selects which side of the cutoff survives a truncate.
type TruncateMode string

const (
	// TruncateBefore drops every ancestor of the cutoff commit.
	TruncateBefore TruncateMode = "before"

	// TruncateAfter drops every descendant of the cutoff commit.
	TruncateAfter TruncateMode = "after"

	// TruncateKeepRecent keeps the N most recent first-parent commits.
	TruncateKeepRecent TruncateMode = "keep-recent"
)

// DefaultSizeThreshold is the large-file threshold used by clean when the
// caller does not supply one.
const DefaultSizeThreshold = "50MB"

// RedactionText replaces every sensitive match in rewritten blobs.
const RedactionText = "[REDACTED]"

// DefaultSensitivePatterns are the content regexes used by clean --sensitive
// when no explicit patterns are given.
var DefaultSensitivePatterns = []string{
	"password",
	"secret",
	"key",
	"token",
	"credential",
}

// AuthorMapping rewrites one identity to another. Both sides use the
// "Name <email>" form.
type AuthorMapping struct {
	Old string `json:"old" yaml:"old" validate:"required,identity"`
	New string `json:"new" yaml:"new" validate:"required,identity"`
}

// TargetSpec is the raw, unresolved target specification.
type TargetSpec struct {
	// Patterns are glob patterns. A leading "!" negates.
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty" validate:"dive,required,globpattern"`

	// Keep are glob patterns naming paths that must survive the rewrite.
	Keep []string `json:"keep,omitempty" yaml:"keep,omitempty" validate:"dive,required,globpattern"`

	// SizeThreshold is a size spec such as "50MB". Blobs at or above it are
	// stripped.
	SizeThreshold string `json:"size_threshold,omitempty" yaml:"size_threshold,omitempty" validate:"omitempty,sizespec"`

	// ScanSensitive enables content scanning with SensitivePatterns.
	ScanSensitive bool `json:"scan_sensitive,omitempty" yaml:"scan_sensitive,omitempty"`

	// SensitivePatterns are Go regular expressions matched against blob
	// content.
	SensitivePatterns []string `json:"sensitive_patterns,omitempty" yaml:"sensitive_patterns,omitempty" validate:"dive,required,regexp"`

	// Cutoff is a date (YYYY-MM-DD or RFC 3339) or a commit-ish.
	Cutoff string `json:"cutoff,omitempty" yaml:"cutoff,omitempty"`

	// TruncateMode is required for truncate.
	TruncateMode TruncateMode `json:"truncate_mode,omitempty" yaml:"truncate_mode,omitempty" validate:"omitempty,oneof=before after keep-recent"`

	// KeepRecent is the commit count kept by TruncateKeepRecent.
	KeepRecent int `json:"keep_recent,omitempty" yaml:"keep_recent,omitempty" validate:"gte=0"`

	// Squash makes the new root commit list the commits it replaced.
	Squash bool `json:"squash,omitempty" yaml:"squash,omitempty"`

	// Authors are identity rewrites for rewrite-authors.
	Authors []AuthorMapping `json:"authors,omitempty" yaml:"authors,omitempty" validate:"dive"`

	// UpdateCommitter also rewrites committer identities.
	UpdateCommitter bool `json:"update_committer,omitempty" yaml:"update_committer,omitempty"`
}

// Scope is the set of branches an operation is restricted to.
type Scope struct {
	// All selects every local branch. Branches must be empty when set.
	All bool `json:"all,omitempty" yaml:"all,omitempty"`

	// Branches are short branch names, e.g. "main".
	Branches []string `json:"branches,omitempty" yaml:"branches,omitempty" validate:"dive,required,branchname"`
}

// Flags are the behavioural switches of a request.
type Flags struct {
	// Backup must be true for a mutating run. A dry run may disable it.
	Backup bool `json:"backup" yaml:"backup"`

	// DryRun stops after simulation without mutating anything.
	DryRun bool `json:"dry_run" yaml:"dry_run"`

	// Force suppresses warning-level validation findings.
	Force bool `json:"force" yaml:"force"`

	// PreserveRecent keeps paths that exist in a scoped branch tip.
	PreserveRecent bool `json:"preserve_recent" yaml:"preserve_recent"`
}

// Request is a validated OperationRequest.
type Request struct {
	Kind    Kind       `json:"kind" yaml:"kind" validate:"required,oneof=remove truncate clean rewrite-authors"`
	Targets TargetSpec `json:"targets" yaml:"targets"`
	Scope   Scope      `json:"scope" yaml:"scope"`
	Flags   Flags      `json:"flags" yaml:"flags"`
}

// New validates req and returns an independent copy of it.
//
// # Description
//
// Runs struct-tag validation and the per-kind rules, then deep copies every
// slice so the caller's later edits cannot leak into a plan built from the
// returned value.
//
// # Outputs
//
//   - Request: The validated copy.
//   - error: Wraps ErrInvalidRequest and lists every violation.
func New(req Request) (Request, error) {
	if err := Validate(req); err != nil {
		return Request{}, err
	}
	return req.Clone(), nil
}

// Clone returns a deep copy of r.
func (r Request) Clone() Request {
	out := r
	out.Targets.Patterns = slices.Clone(r.Targets.Patterns)
	out.Targets.Keep = slices.Clone(r.Targets.Keep)
	out.Targets.SensitivePatterns = slices.Clone(r.Targets.SensitivePatterns)
	out.Targets.Authors = slices.Clone(r.Targets.Authors)
	out.Scope.Branches = slices.Clone(r.Scope.Branches)
	return out
}

// Mutating reports whether executing r would rewrite history.
func (r Request) Mutating() bool {
	return !r.Flags.DryRun
}

// EffectiveSensitivePatterns returns the patterns clean scans with.
func (r Request) EffectiveSensitivePatterns() []string {
	if !r.Targets.ScanSensitive {
		return nil
	}
	if len(r.Targets.SensitivePatterns) == 0 {
		return slices.Clone(DefaultSensitivePatterns)
	}
	return slices.Clone(r.Targets.SensitivePatterns)
}
