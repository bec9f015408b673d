// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolve turns an OperationRequest into a frozen OperationPlan.
//
// Resolution is read-only. It indexes the history of the scoped branches
// once, evaluates the request's targets against that index, and checks the
// result for contradictions before returning it.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
)

// Source is the read-only repository access the resolver needs.
// *git.Client implements it.
type Source interface {
	History(ctx context.Context, revs []string) (*git.History, error)
	TreePaths(ctx context.Context, rev string) ([]string, error)
	BlobSizes(ctx context.Context, ids []string) (map[string]int64, error)
	ScanBlobs(ctx context.Context, ids []string, visit git.BlobVisitor) error
	RevParse(ctx context.Context, rev string) (string, error)
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
	CommitTime(ctx context.Context, rev string) (time.Time, error)
	FirstParentAtOrBefore(ctx context.Context, rev string, t time.Time) (string, error)
	FirstParentChain(ctx context.Context, rev string, limit int) ([]string, error)
	RevList(ctx context.Context, include, exclude []string) ([]string, error)
}

// DefaultMaxScanSize bounds the blobs read for sensitive-content scanning.
const DefaultMaxScanSize = 32 << 20

// Options configures a Resolver.
type Options struct {
	// MaxScanSize skips content scanning of larger blobs. Zero uses
	// DefaultMaxScanSize; negative disables the limit.
	MaxScanSize int64

	// Logger receives progress. Nil discards.
	Logger *slog.Logger

	// Now stamps ResolvedAt. Nil uses time.Now.
	Now func() time.Time
}

// Resolver builds OperationPlans.
//
// # Thread Safety
//
// A Resolver holds no per-call state and is safe for concurrent use.
type Resolver struct {
	src         Source
	maxScanSize int64
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Resolver over src.
func New(src Source, opts Options) *Resolver {
	r := &Resolver{src: src, maxScanSize: opts.MaxScanSize, logger: opts.Logger, now: opts.Now}
	if r.maxScanSize == 0 {
		r.maxScanSize = DefaultMaxScanSize
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// run is the state of a single resolution.
type run struct {
	*Resolver
	req     operation.Request
	snap    *git.Snapshot
	scope   []string
	tips    map[string]string
	hist    *git.History
	members map[string]map[string]struct{}
	notes   []string
	exempt  []plan.Exemption
}

// Resolve builds the plan for req against snap.
//
// # Description
//
// Resolves the branch scope and freezes its tips, indexes the reachable
// history, then resolves targets for the request kind. Keep patterns add
// preserve targets. The contradiction check runs last over the complete
// target list, so either the whole plan is returned or none of it.
//
// # Inputs
//
//   - ctx: Cancels git subprocesses.
//   - req: A request that passed operation.New.
//   - snap: The snapshot the plan is frozen against.
//
// # Outputs
//
//   - *plan.OperationPlan: Deterministic for an unchanged repository.
//   - error: *ResolutionError for bad input or contradictions; other errors
//     come from git.
func (r *Resolver) Resolve(ctx context.Context, req operation.Request, snap *git.Snapshot) (*plan.OperationPlan, error) {
	if snap == nil {
		return nil, errors.New("resolve: nil snapshot")
	}
	req = req.Clone()

	scope, err := resolveScope(req.Scope, snap)
	if err != nil {
		return nil, err
	}
	tips := make(map[string]string, len(scope))
	revs := make([]string, 0, len(scope))
	seen := make(map[string]bool)
	for _, b := range scope {
		tips[b] = snap.Branches[b]
		if !seen[tips[b]] {
			seen[tips[b]] = true
			revs = append(revs, tips[b])
		}
	}
	sort.Strings(revs)

	hist, err := r.src.History(ctx, revs)
	if err != nil {
		return nil, fmt.Errorf("index history: %w", err)
	}
	r.logger.Debug("history indexed",
		"branches", len(scope),
		"commits", len(hist.Commits),
		"paths", len(hist.Paths))

	rn := &run{Resolver: r, req: req, snap: snap, scope: scope, tips: tips, hist: hist}

	var targets []plan.ResolvedTarget
	switch req.Kind {
	case operation.KindRemove:
		targets, err = rn.resolvePaths(ctx)
	case operation.KindClean:
		targets, err = rn.resolveClean(ctx)
	case operation.KindTruncate:
		targets, err = rn.resolveRanges(ctx)
	case operation.KindRewriteAuthors:
		targets, err = rn.resolveAuthors(ctx)
	default:
		err = &ResolutionError{Reason: "unknown operation kind", Input: string(req.Kind)}
	}
	if err != nil {
		return nil, err
	}

	keeps, err := rn.resolveKeeps(targets)
	if err != nil {
		return nil, err
	}
	targets = append(targets, keeps...)

	if conflicts := plan.FindConflicts(targets); len(conflicts) > 0 {
		return nil, &ResolutionError{Reason: "contradictory targets", Conflicts: conflicts}
	}
	targets = plan.Dedup(targets)
	plan.SortTargets(targets)

	sort.Slice(rn.exempt, func(i, j int) bool { return rn.exempt[i].Path < rn.exempt[j].Path })

	p := &plan.OperationPlan{
		ID:         uuid.NewString(),
		Request:    req,
		RepoPath:   snap.Path,
		GitDir:     snap.GitDir,
		Scope:      scope,
		Tips:       tips,
		Targets:    targets,
		Exempted:   rn.exempt,
		Notes:      rn.notes,
		ResolvedAt: r.now().UTC(),
	}
	r.logger.Info("plan resolved",
		"plan_id", p.ID,
		"kind", req.Kind,
		"targets", len(targets),
		"exempted", len(rn.exempt))
	return p, nil
}

func resolveScope(scope operation.Scope, snap *git.Snapshot) ([]string, error) {
	if scope.All {
		names := snap.BranchNames()
		if len(names) == 0 {
			return nil, &ResolutionError{Reason: "repository has no branches"}
		}
		return names, nil
	}
	set := make(map[string]struct{}, len(scope.Branches))
	for _, b := range scope.Branches {
		if _, ok := snap.Branches[b]; !ok {
			return nil, &ResolutionError{Reason: "unknown branch", Input: b}
		}
		set[b] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Strings(out)
	return out, nil
}

// branchMembers returns, per scoped branch, the set of commits reachable
// from its tip. A single-branch scope reuses the history index.
func (rn *run) branchMembers(ctx context.Context) (map[string]map[string]struct{}, error) {
	if rn.members != nil {
		return rn.members, nil
	}
	rn.members = make(map[string]map[string]struct{}, len(rn.scope))
	if len(rn.scope) == 1 {
		set := make(map[string]struct{}, len(rn.hist.Commits))
		for id := range rn.hist.Commits {
			set[id] = struct{}{}
		}
		rn.members[rn.scope[0]] = set
		return rn.members, nil
	}
	for _, b := range rn.scope {
		ids, err := rn.src.RevList(ctx, []string{rn.tips[b]}, nil)
		if err != nil {
			return nil, fmt.Errorf("list commits of %s: %w", b, err)
		}
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		rn.members[b] = set
	}
	return rn.members, nil
}

// branchesOf returns the scoped branches containing any of commits.
func (rn *run) branchesOf(ctx context.Context, commits []string) ([]string, error) {
	if _, err := rn.branchMembers(ctx); err != nil {
		return nil, err
	}
	return rn.containing(commits), nil
}

// containing is branchesOf once membership is loaded.
func (rn *run) containing(commits []string) []string {
	var out []string
	for _, b := range rn.scope {
		for _, c := range commits {
			if _, ok := rn.members[b][c]; ok {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

// commitsOn filters commits to those on any of branches, keeping order.
func (rn *run) commitsOn(ctx context.Context, commits, branches []string) ([]string, error) {
	if len(branches) == len(rn.scope) {
		return commits, nil
	}
	members, err := rn.branchMembers(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range commits {
		for _, b := range branches {
			if _, ok := members[b][c]; ok {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

// resolveKeeps turns keep patterns into preserve targets for every indexed
// path they select. A keep that selects a path or blob another target
// removes produces a matching key, which the contradiction check reports.
func (rn *run) resolveKeeps(targets []plan.ResolvedTarget) ([]plan.ResolvedTarget, error) {
	if len(rn.req.Targets.Keep) == 0 {
		return nil, nil
	}
	keep, err := CompileGlobs(rn.req.Targets.Keep)
	if err != nil {
		return nil, err
	}
	var out []plan.ResolvedTarget
	for _, p := range rn.hist.AllPaths() {
		if ok, by := keep.Match(p); ok {
			out = append(out, plan.ResolvedTarget{
				Kind:    plan.KindKeep,
				Action:  plan.ActionPreserve,
				Path:    p,
				Pattern: by,
			})
		}
	}
	// Blob targets are keyed by blob ID; surface keeps that hit one of their
	// paths as a preserve target under the blob's key.
	for _, t := range targets {
		if t.Kind != plan.KindBlob && t.Kind != plan.KindRedaction {
			continue
		}
		if ok, by := keep.MatchAny(t.Paths); ok {
			out = append(out, plan.ResolvedTarget{
				Kind:    t.Kind,
				Action:  plan.ActionPreserve,
				Path:    t.Path,
				Pattern: by,
				Blobs:   t.Blobs,
			})
		}
	}
	return out, nil
}
