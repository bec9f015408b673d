// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dryrun predicts what a plan would do without doing it.
//
// The simulator only reads: it never invokes the rewrite adapter, opens
// files for writing or moves refs. Its report is plain data and carries no
// timestamps, so simulating twice yields equal reports.
package dryrun

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
)

// Source is the read-only repository view the simulator needs.
type Source interface {
	History(ctx context.Context, revs []string) (*git.History, error)
	BlobSizes(ctx context.Context, ids []string) (map[string]int64, error)
	ReachableObjects(ctx context.Context, revs []string) (map[string]struct{}, error)
	RevList(ctx context.Context, include, exclude []string) ([]string, error)
}

// Simulator computes DryRun reports.
//
// # Thread Safety
//
// Safe for concurrent use; each Simulate call keeps its own state.
type Simulator struct {
	src    Source
	logger *slog.Logger
}

// New creates a Simulator reading from src.
func New(src Source, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{src: src, logger: logger.With("component", "dryrun")}
}

type objectSet = map[string]struct{}

// simulation is the state of one Simulate call.
type simulation struct {
	*Simulator
	p    *plan.OperationPlan
	hist *git.History

	// unscoped maps each unscoped branch or tag to the objects it reaches.
	unscoped     map[string]objectSet
	unscopedRefs []string
	kept         objectSet

	// fullyRemoved are paths removed on every scoped branch.
	fullyRemoved map[string]bool

	// survivors are objects a truncated history still reaches.
	survivors objectSet

	sizes   map[string]int64
	counted objectSet
}

// Simulate predicts the effect of p on the repository described by snap.
//
// # Description
//
// For each target it reports the commits and blobs it touches, the exact
// change in blob and commit objects, an uncompressed byte delta (flagged
// approximate for redaction, truncation and author rewrites) and the
// unscoped branches and tags that would keep the affected objects alive.
// An object shared by several targets is counted once, for the first.
//
// # Inputs
//
//   - ctx: Cancels the underlying git reads.
//   - p: The frozen plan.
//   - snap: Snapshot the plan was resolved against; supplies the unscoped
//     refs.
//
// # Outputs
//
//   - *Report: The prediction.
//   - error: Non-nil if the repository could not be read.
func (s *Simulator) Simulate(ctx context.Context, p *plan.OperationPlan, snap *git.Snapshot) (*Report, error) {
	report := &Report{
		PlanID:          p.ID,
		Kind:            p.Request.Kind,
		Scope:           slices.Clone(p.Scope),
		Effects:         []Effect{},
		BranchesTouched: []string{},
		Exempted:        slices.Clone(p.Exempted),
		Notes:           slices.Clone(p.Notes),
	}

	hist, err := s.src.History(ctx, tipIDs(p))
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	sim := &simulation{
		Simulator:    s,
		p:            p,
		hist:         hist,
		unscoped:     make(map[string]objectSet),
		kept:         make(objectSet),
		fullyRemoved: make(map[string]bool),
		counted:      make(objectSet),
	}
	if err := sim.loadUnscoped(ctx, snap); err != nil {
		return nil, err
	}
	if err := sim.loadSurvivors(ctx); err != nil {
		return nil, err
	}
	if err := sim.loadSizes(ctx); err != nil {
		return nil, err
	}

	for _, t := range p.Targets {
		if t.Kind != plan.KindPath {
			continue
		}
		if len(t.Branches) == 0 || sameSet(t.Branches, p.Scope) {
			sim.fullyRemoved[t.Path] = true
		}
	}

	collateral := make(map[string]*Collateral)
	collateralObjects := make(map[string]objectSet)
	for _, t := range p.Targets {
		effect, affected := sim.effect(t)
		for _, ref := range sim.unscopedRefs {
			hits := intersect(sim.unscoped[ref], affected)
			if len(hits) == 0 {
				continue
			}
			effect.Collateral = append(effect.Collateral, ref)
			c, ok := collateral[ref]
			if !ok {
				c = &Collateral{Ref: ref}
				collateral[ref] = c
				collateralObjects[ref] = make(objectSet)
			}
			c.Targets = append(c.Targets, effect.Target)
			for _, id := range hits {
				collateralObjects[ref][id] = struct{}{}
			}
		}
		report.Effects = append(report.Effects, effect)
		report.ObjectDelta += effect.ObjectDelta
		report.ByteDelta += effect.ByteDelta
		report.Approximate = report.Approximate || effect.Approximate
	}
	for _, ref := range sim.unscopedRefs {
		if c, ok := collateral[ref]; ok {
			c.Objects = len(collateralObjects[ref])
			report.Collateral = append(report.Collateral, *c)
		}
	}

	affected, dropped := sim.commitsAffected()
	report.CommitsAffected = len(affected)
	report.CommitsDropped = dropped
	report.BranchesTouched = sim.branchesTouched(affected)

	s.logger.Debug("simulated plan",
		"plan_id", p.ID,
		"targets", len(p.Targets),
		"commits_affected", report.CommitsAffected,
		"object_delta", report.ObjectDelta,
		"collateral_refs", len(report.Collateral))
	return report, nil
}

// loadUnscoped indexes the objects reachable from every local branch
// outside the scope and every tag.
func (sim *simulation) loadUnscoped(ctx context.Context, snap *git.Snapshot) error {
	if snap == nil {
		return nil
	}
	for _, r := range snap.Refs {
		commit := r.Commit()
		if commit == "" {
			continue
		}
		switch {
		case r.IsBranch():
			if _, scoped := sim.p.Tips[r.ShortName()]; scoped {
				continue
			}
		case strings.HasPrefix(r.Name, "refs/tags/"):
		default:
			continue
		}
		objs, err := sim.src.ReachableObjects(ctx, []string{commit})
		if err != nil {
			return fmt.Errorf("read objects of %s: %w", r.Name, err)
		}
		sim.unscoped[r.Name] = objs
		sim.unscopedRefs = append(sim.unscopedRefs, r.Name)
		for id := range objs {
			sim.kept[id] = struct{}{}
		}
	}
	sort.Strings(sim.unscopedRefs)
	return nil
}

// loadSurvivors collects the objects still reachable once every range
// target is applied: untruncated scoped branches in full, and for each
// truncated branch the part of its history that is kept.
func (sim *simulation) loadSurvivors(ctx context.Context) error {
	ranges := sim.p.TargetsOf(plan.KindRange)
	if len(ranges) == 0 {
		return nil
	}
	sim.survivors = make(objectSet)
	truncated := make(map[string]bool)
	var revs []string
	for _, t := range ranges {
		r := t.Range
		truncated[r.Branch] = true
		switch t.Action {
		case plan.ActionDropAfter:
			revs = append(revs, r.Cutoff)
		case plan.ActionDropBefore:
			revs = append(revs, r.Cutoff+"^{tree}")
			kept, err := sim.src.RevList(ctx, []string{r.Tip}, []string{r.Cutoff})
			if err != nil {
				return fmt.Errorf("list kept commits of %s: %w", r.Branch, err)
			}
			for _, id := range append(kept, r.Cutoff) {
				sim.survivors[id] = struct{}{}
				for _, blob := range sim.introduced(id) {
					sim.survivors[blob] = struct{}{}
				}
			}
		}
	}
	for _, b := range sortedKeys(sim.p.Tips) {
		if !truncated[b] {
			revs = append(revs, sim.p.Tips[b])
		}
	}
	objs, err := sim.src.ReachableObjects(ctx, revs)
	if err != nil {
		return fmt.Errorf("read surviving objects: %w", err)
	}
	for id := range objs {
		sim.survivors[id] = struct{}{}
	}
	return nil
}

// loadSizes fetches the size of every blob a target may remove.
func (sim *simulation) loadSizes(ctx context.Context) error {
	seen := make(objectSet)
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, t := range sim.p.Targets {
		switch t.Kind {
		case plan.KindPath:
			for _, b := range t.Blobs {
				add(b)
			}
		case plan.KindRange:
			for _, c := range t.Range.Dropped {
				for _, b := range sim.introduced(c) {
					add(b)
				}
			}
		}
	}
	sort.Strings(ids)
	sizes, err := sim.src.BlobSizes(ctx, ids)
	if err != nil {
		return fmt.Errorf("read blob sizes: %w", err)
	}
	sim.sizes = sizes
	return nil
}

// effect predicts one target and returns the objects it affects for the
// collateral check.
func (sim *simulation) effect(t plan.ResolvedTarget) (Effect, []string) {
	e := Effect{
		Target:  t.Label(),
		Kind:    t.Kind,
		Action:  t.Action,
		Commits: slices.Clone(t.Commits),
	}
	switch t.Kind {
	case plan.KindKeep:
		e.Commits = nil
		return e, nil

	case plan.KindPath:
		e.Blobs = slices.Clone(t.Blobs)
		for _, b := range t.Blobs {
			if sim.removable(b) && sim.count(b) {
				e.ObjectDelta--
				e.ByteDelta -= sim.sizes[b]
			}
		}
		return e, t.Blobs

	case plan.KindBlob:
		e.Blobs = slices.Clone(t.Blobs)
		for _, b := range t.Blobs {
			if _, held := sim.kept[b]; !held && sim.count(b) {
				e.ObjectDelta--
				e.ByteDelta -= t.Size
			}
		}
		return e, t.Blobs

	case plan.KindRedaction:
		e.Blobs = slices.Clone(t.Blobs)
		e.ByteDelta = int64(t.Matches)*int64(len(operation.RedactionText)) - t.MatchedBytes
		e.Approximate = true
		return e, t.Blobs

	case plan.KindRange:
		r := t.Range
		e.Commits = slices.Clone(r.Dropped)
		e.Approximate = true
		for _, c := range r.Dropped {
			if sim.gone(c) && sim.count(c) {
				e.ObjectDelta--
			}
		}
		var blobs []string
		for _, c := range r.Dropped {
			for _, b := range sim.introduced(c) {
				if sim.gone(b) && sim.count(b) {
					blobs = append(blobs, b)
					e.ObjectDelta--
					e.ByteDelta -= sim.sizes[b]
				}
			}
		}
		sort.Strings(blobs)
		e.Blobs = blobs
		return e, r.Dropped

	case plan.KindAuthor:
		a := t.Author
		perCommit := len(a.New.Name) + len(a.New.Email) - len(a.Old.Name) - len(a.Old.Email)
		if a.UpdateCommitter {
			perCommit *= 2
		}
		e.ByteDelta = int64(perCommit) * int64(len(t.Commits))
		e.Approximate = true
		return e, t.Commits
	}
	return e, nil
}

// removable reports whether a blob disappears when the fully removed
// paths are purged: every path it appeared under goes, and no unscoped ref
// holds it.
func (sim *simulation) removable(blob string) bool {
	if _, held := sim.kept[blob]; held {
		return false
	}
	for _, p := range sim.hist.BlobPaths[blob] {
		if !sim.fullyRemoved[p] {
			return false
		}
	}
	return true
}

// gone reports whether an object is unreachable after truncation.
func (sim *simulation) gone(id string) bool {
	if _, held := sim.kept[id]; held {
		return false
	}
	_, survives := sim.survivors[id]
	return !survives
}

// count records id as accounted for and reports whether it was new.
func (sim *simulation) count(id string) bool {
	if _, done := sim.counted[id]; done {
		return false
	}
	sim.counted[id] = struct{}{}
	return true
}

// introduced returns the blobs commit id adds.
func (sim *simulation) introduced(id string) []string {
	c, ok := sim.hist.Commits[id]
	if !ok {
		return nil
	}
	var out []string
	for _, ch := range c.Changes {
		if ch.NewBlob == git.ZeroID || ch.IsGitlink() || slices.Contains(out, ch.NewBlob) {
			continue
		}
		out = append(out, ch.NewBlob)
	}
	return out
}

// commitsAffected returns every commit whose ID changes or disappears and
// the number of dropped ones. Rewriting a commit rewrites all of its
// descendants.
func (sim *simulation) commitsAffected() (objectSet, int) {
	rewritten := make(objectSet)
	dropped := make(objectSet)
	var seeds []string
	for _, t := range sim.p.Targets {
		switch t.Kind {
		case plan.KindKeep:
		case plan.KindRange:
			for _, c := range t.Range.Dropped {
				dropped[c] = struct{}{}
			}
			if t.Action == plan.ActionDropBefore {
				seeds = append(seeds, t.Range.Cutoff)
			}
		default:
			seeds = append(seeds, t.Commits...)
		}
	}

	children := make(map[string][]string)
	for _, id := range sim.hist.Order {
		for _, parent := range sim.hist.Commits[id].Parents {
			children[parent] = append(children[parent], id)
		}
	}
	queue := slices.Clone(seeds)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, done := rewritten[id]; done {
			continue
		}
		rewritten[id] = struct{}{}
		queue = append(queue, children[id]...)
	}

	affected := make(objectSet, len(rewritten)+len(dropped))
	for id := range rewritten {
		if _, d := dropped[id]; !d {
			affected[id] = struct{}{}
		}
	}
	for id := range dropped {
		affected[id] = struct{}{}
	}
	return affected, len(dropped)
}

func (sim *simulation) branchesTouched(affected objectSet) []string {
	ranged := make(map[string]bool)
	for _, t := range sim.p.TargetsOf(plan.KindRange) {
		ranged[t.Range.Branch] = true
	}
	out := []string{}
	for _, b := range sortedKeys(sim.p.Tips) {
		if _, hit := affected[sim.p.Tips[b]]; hit || ranged[b] {
			out = append(out, b)
		}
	}
	return out
}

func tipIDs(p *plan.OperationPlan) []string {
	var out []string
	for _, b := range sortedKeys(p.Tips) {
		if !slices.Contains(out, p.Tips[b]) {
			out = append(out, p.Tips[b])
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	sort.Strings(x)
	sort.Strings(y)
	return slices.Equal(x, y)
}

func intersect(set objectSet, ids []string) []string {
	var out []string
	for _, id := range ids {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
