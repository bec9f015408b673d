// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan holds the OperationPlan: the frozen, fully enumerated
// description of a history rewrite that the dry-run simulator, the rewrite
// adapter and the pipeline all consume.
//
// A plan is a value. Nothing in this module mutates one after the resolver
// returns it; a changed repository means resolving a new plan.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
)

// TargetKind classifies a ResolvedTarget.
type TargetKind string

const (
	// KindPath is a path purged from history.
	KindPath TargetKind = "path"

	// KindKeep is a path the request requires to survive.
	KindKeep TargetKind = "keep"

	// KindBlob is a blob stripped from history (size threshold).
	KindBlob TargetKind = "blob"

	// KindRedaction is a blob whose sensitive matches are replaced.
	KindRedaction TargetKind = "redaction"

	// KindRange is a truncation point on one branch.
	KindRange TargetKind = "range"

	// KindAuthor is an identity remapping.
	KindAuthor TargetKind = "author"
)

var kindOrder = map[TargetKind]int{
	KindPath: 0, KindKeep: 1, KindBlob: 2, KindRedaction: 3, KindRange: 4, KindAuthor: 5,
}

// Action is the instruction a target carries.
type Action string

const (
	ActionRemove     Action = "remove"
	ActionPreserve   Action = "preserve"
	ActionStrip      Action = "strip"
	ActionRedact     Action = "redact"
	ActionDropBefore Action = "drop-before"
	ActionDropAfter  Action = "drop-after"
	ActionRemap      Action = "remap"
)

// CommitRange is a frozen truncation point.
type CommitRange struct {
	Branch string `json:"branch" yaml:"branch"`

	// Cutoff is the commit that becomes the new root (drop-before) or the
	// new tip (drop-after).
	Cutoff string `json:"cutoff" yaml:"cutoff"`

	// Tip is the branch tip the range was resolved against.
	Tip string `json:"tip" yaml:"tip"`

	// Dropped commits disappear from the branch.
	Dropped []string `json:"dropped" yaml:"dropped"`

	// Rewritten commits survive with new IDs.
	Rewritten []string `json:"rewritten,omitempty" yaml:"rewritten,omitempty"`

	// Squash makes the new root's message list the dropped commits.
	Squash bool `json:"squash,omitempty" yaml:"squash,omitempty"`

	// SquashMessage is the message for the new root when Squash is set.
	SquashMessage string `json:"squash_message,omitempty" yaml:"squash_message,omitempty"`
}

// AuthorRemap is an identity rewrite.
type AuthorRemap struct {
	Old             git.Signature `json:"old" yaml:"old"`
	New             git.Signature `json:"new" yaml:"new"`
	UpdateCommitter bool          `json:"update_committer" yaml:"update_committer"`
}

// ResolvedTarget is one concrete thing the operation affects.
type ResolvedTarget struct {
	Kind   TargetKind `json:"kind" yaml:"kind"`
	Action Action     `json:"action" yaml:"action"`

	// Path is the target path, or the first path a blob appeared under.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Pattern is the glob or regex that selected the target.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Branches the target applies to. Empty means every scoped branch.
	Branches []string `json:"branches,omitempty" yaml:"branches,omitempty"`

	// Blobs are the blob IDs the target removes or rewrites.
	Blobs []string `json:"blobs,omitempty" yaml:"blobs,omitempty"`

	// Paths are all paths a blob target appeared under.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// Size is the decompressed size of a blob target.
	Size int64 `json:"size,omitempty" yaml:"size,omitempty"`

	// Matches and MatchedBytes describe a redaction target.
	Matches      int   `json:"matches,omitempty" yaml:"matches,omitempty"`
	MatchedBytes int64 `json:"matched_bytes,omitempty" yaml:"matched_bytes,omitempty"`

	// Commits whose content or metadata the target changes.
	Commits []string `json:"commits,omitempty" yaml:"commits,omitempty"`

	Range  *CommitRange `json:"range,omitempty" yaml:"range,omitempty"`
	Author *AuthorRemap `json:"author,omitempty" yaml:"author,omitempty"`
}

// Key is the identity key targets are deduplicated and checked for
// contradictions by.
func (t ResolvedTarget) Key() string {
	switch t.Kind {
	case KindPath, KindKeep:
		return "path:" + t.Path
	case KindBlob, KindRedaction:
		if len(t.Blobs) > 0 {
			return "blob:" + t.Blobs[0]
		}
		return "blob:"
	case KindRange:
		if t.Range != nil {
			return "range:" + t.Range.Branch
		}
		return "range:"
	case KindAuthor:
		if t.Author != nil {
			return "author:" + t.Author.Old.Name + " <" + strings.ToLower(t.Author.Old.Email) + ">"
		}
		return "author:"
	default:
		return string(t.Kind) + ":" + t.Path
	}
}

// instruction is what two targets with the same key must agree on.
func (t ResolvedTarget) instruction() string {
	if t.Kind == KindAuthor && t.Author != nil {
		return string(t.Action) + "->" + t.Author.New.String()
	}
	if t.Kind == KindRange && t.Range != nil {
		return string(t.Action) + "@" + t.Range.Cutoff
	}
	return string(t.Action)
}

// Label is a short human-readable name for reports.
func (t ResolvedTarget) Label() string {
	switch t.Kind {
	case KindRange:
		if t.Range != nil {
			return fmt.Sprintf("%s %s@%s", t.Action, t.Range.Branch, short(t.Range.Cutoff))
		}
	case KindAuthor:
		if t.Author != nil {
			return fmt.Sprintf("%s -> %s", t.Author.Old, t.Author.New)
		}
	case KindBlob, KindRedaction:
		if len(t.Blobs) > 0 {
			return fmt.Sprintf("%s (%s)", t.Path, short(t.Blobs[0]))
		}
	}
	return t.Path
}

// Exemption records a matched path kept because of preserveRecent.
type Exemption struct {
	Path     string   `json:"path" yaml:"path"`
	Branches []string `json:"branches" yaml:"branches"`
	Reason   string   `json:"reason" yaml:"reason"`
}

// OperationPlan is the frozen rewrite plan.
//
// # Description
//
// Built once by the resolver from a request and a snapshot. Tips freezes
// every scoped branch so that execution can prove the repository has not
// moved since; see CheckFresh.
//
// # Thread Safety
//
// Read-only after construction and therefore safe to share.
type OperationPlan struct {
	ID         string            `json:"id" yaml:"id"`
	Request    operation.Request `json:"request" yaml:"request"`
	RepoPath   string            `json:"repo_path" yaml:"repo_path"`
	GitDir     string            `json:"git_dir" yaml:"git_dir"`
	Scope      []string          `json:"scope" yaml:"scope"`
	Tips       map[string]string `json:"tips" yaml:"tips"`
	Targets    []ResolvedTarget  `json:"targets" yaml:"targets"`
	Exempted   []Exemption       `json:"exempted,omitempty" yaml:"exempted,omitempty"`
	Notes      []string          `json:"notes,omitempty" yaml:"notes,omitempty"`
	ResolvedAt time.Time         `json:"resolved_at" yaml:"resolved_at"`
}

// IsEmpty reports whether the plan changes nothing. Keep targets are
// assertions, not changes.
func (p *OperationPlan) IsEmpty() bool {
	for _, t := range p.Targets {
		if t.Kind != KindKeep {
			return false
		}
	}
	return true
}

// TargetsOf returns the targets of the given kinds, in plan order.
func (p *OperationPlan) TargetsOf(kinds ...TargetKind) []ResolvedTarget {
	var out []ResolvedTarget
	for _, t := range p.Targets {
		if slices.Contains(kinds, t.Kind) {
			out = append(out, t)
		}
	}
	return out
}

// Fingerprint is a stable digest of what the plan would do: scope, tips and
// targets. Two resolutions of the same request against the same repository
// have equal fingerprints.
func (p *OperationPlan) Fingerprint() string {
	type canonical struct {
		Kind    operation.Kind    `json:"kind"`
		Scope   []string          `json:"scope"`
		Tips    map[string]string `json:"tips"`
		Targets []ResolvedTarget  `json:"targets"`
	}
	targets := slices.Clone(p.Targets)
	SortTargets(targets)
	data, _ := json.Marshal(canonical{Kind: p.Request.Kind, Scope: p.Scope, Tips: p.Tips, Targets: targets})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SortTargets orders targets by kind, then key, then branch list.
func SortTargets(targets []ResolvedTarget) {
	sort.SliceStable(targets, func(i, j int) bool {
		a, b := targets[i], targets[j]
		if kindOrder[a.Kind] != kindOrder[b.Kind] {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		if a.Key() != b.Key() {
			return a.Key() < b.Key()
		}
		return strings.Join(a.Branches, ",") < strings.Join(b.Branches, ",")
	})
}

// Conflict is a pair of contradictory instructions for one key.
type Conflict struct {
	Key   string `json:"key"`
	First string `json:"first"`
	Other string `json:"other"`
}

// FindConflicts returns every key that carries more than one instruction.
// Targets with identical keys and instructions are duplicates, not
// conflicts.
func FindConflicts(targets []ResolvedTarget) []Conflict {
	first := make(map[string]string)
	var conflicts []Conflict
	reported := make(map[string]bool)
	for _, t := range targets {
		key, instr := t.Key(), t.instruction()
		prev, ok := first[key]
		if !ok {
			first[key] = instr
			continue
		}
		if prev != instr && !reported[key+"\x00"+instr] {
			reported[key+"\x00"+instr] = true
			conflicts = append(conflicts, Conflict{Key: key, First: prev, Other: instr})
		}
	}
	return conflicts
}

// Dedup drops targets whose key and instruction repeat an earlier target,
// merging their branch lists.
func Dedup(targets []ResolvedTarget) []ResolvedTarget {
	index := make(map[string]int)
	var out []ResolvedTarget
	for _, t := range targets {
		id := t.Key() + "\x00" + t.instruction()
		if i, ok := index[id]; ok {
			out[i].Branches = mergeSorted(out[i].Branches, t.Branches)
			out[i].Commits = mergeSorted(out[i].Commits, t.Commits)
			continue
		}
		index[id] = len(out)
		out = append(out, t)
	}
	return out
}

func mergeSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
