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
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
)

// resolveRanges freezes a truncation point on every scoped branch the
// cutoff applies to.
//
// # Description
//
// A commit cutoff applies to the branches that contain it and must be on at
// least one. A date cutoff resolves per branch to the newest first-parent
// commit at or before the date; a branch with no such commit is left alone.
// keep-recent N uses the Nth first-parent commit from the tip as a
// "before" cutoff. Branches where the cutoff would drop nothing get no
// target.
func (rn *run) resolveRanges(ctx context.Context) ([]plan.ResolvedTarget, error) {
	t := rn.req.Targets
	cutoff := operation.ParseCutoff(t.Cutoff)

	var cutoffID string
	if t.TruncateMode != operation.TruncateKeepRecent {
		if cutoff.IsZero() {
			return nil, &ResolutionError{Reason: "truncate requires a cutoff"}
		}
		if cutoff.Commit != "" {
			id, err := rn.src.RevParse(ctx, cutoff.Commit)
			if err != nil {
				return nil, &ResolutionError{Reason: "unknown cutoff commit", Input: cutoff.Commit, Err: err}
			}
			cutoffID = id
		}
	}

	var targets []plan.ResolvedTarget
	onAnyBranch := false
	for _, b := range rn.scope {
		tip := rn.tips[b]
		point, err := rn.cutoffPoint(ctx, b, tip, cutoff, cutoffID)
		if err != nil {
			return nil, err
		}
		if point == "" {
			continue
		}
		onAnyBranch = true

		var target *plan.ResolvedTarget
		if t.TruncateMode == operation.TruncateAfter {
			target, err = rn.dropAfter(ctx, b, tip, point)
		} else {
			target, err = rn.dropBefore(ctx, b, tip, point)
		}
		if err != nil {
			return nil, err
		}
		if target != nil {
			targets = append(targets, *target)
		}
	}

	if cutoffID != "" && !onAnyBranch {
		return nil, &ResolutionError{Reason: "cutoff commit is not on any scoped branch", Input: cutoff.Commit}
	}
	return targets, nil
}

// cutoffPoint returns the concrete cutoff commit for branch b, or "" when
// the cutoff does not apply to it.
func (rn *run) cutoffPoint(ctx context.Context, b, tip string, cutoff operation.Cutoff, cutoffID string) (string, error) {
	switch {
	case rn.req.Targets.TruncateMode == operation.TruncateKeepRecent:
		n := rn.req.Targets.KeepRecent
		chain, err := rn.src.FirstParentChain(ctx, tip, n+1)
		if err != nil {
			return "", fmt.Errorf("walk %s: %w", b, err)
		}
		if len(chain) <= n {
			return "", nil
		}
		return chain[n-1], nil

	case cutoff.IsDate():
		point, err := rn.src.FirstParentAtOrBefore(ctx, tip, cutoff.Date)
		if err != nil {
			return "", fmt.Errorf("find cutoff on %s: %w", b, err)
		}
		if point == "" {
			rn.notes = append(rn.notes, fmt.Sprintf("%s has no commit at or before %s", b, cutoff.Date.Format("2006-01-02 15:04:05Z07:00")))
		}
		return point, nil

	default:
		ok, err := rn.src.IsAncestor(ctx, cutoffID, tip)
		if err != nil {
			return "", fmt.Errorf("compare cutoff with %s: %w", b, err)
		}
		if !ok {
			return "", nil
		}
		return cutoffID, nil
	}
}

// dropBefore makes point the root of b. Commits after point are rewritten;
// its ancestors are dropped unless a merged side line still reaches them.
func (rn *run) dropBefore(ctx context.Context, b, tip, point string) (*plan.ResolvedTarget, error) {
	ancestors, err := rn.src.RevList(ctx, []string{point}, nil)
	if err != nil {
		return nil, fmt.Errorf("list ancestors of cutoff: %w", err)
	}
	rewritten, err := rn.src.RevList(ctx, []string{tip}, []string{point})
	if err != nil {
		return nil, fmt.Errorf("list descendants of cutoff: %w", err)
	}

	inRewritten := make(map[string]bool, len(rewritten))
	for _, id := range rewritten {
		inRewritten[id] = true
	}
	var side []string
	for _, id := range rewritten {
		c, ok := rn.hist.Commits[id]
		if !ok {
			continue
		}
		for _, parent := range c.Parents {
			if parent != point && !inRewritten[parent] {
				side = append(side, parent)
			}
		}
	}
	survivors := make(map[string]bool)
	if len(side) > 0 {
		reach, err := rn.src.RevList(ctx, side, nil)
		if err != nil {
			return nil, fmt.Errorf("list merged side lines: %w", err)
		}
		for _, id := range reach {
			survivors[id] = true
		}
	}

	var dropped []string
	for _, id := range ancestors {
		if id != point && !survivors[id] {
			dropped = append(dropped, id)
		}
	}
	if len(dropped) == 0 {
		return nil, nil
	}

	r := &plan.CommitRange{
		Branch:    b,
		Cutoff:    point,
		Tip:       tip,
		Dropped:   dropped,
		Rewritten: rewritten,
		Squash:    rn.req.Targets.Squash,
	}
	if r.Squash {
		r.SquashMessage = rn.squashMessage(point, dropped)
	}
	return &plan.ResolvedTarget{
		Kind:     plan.KindRange,
		Action:   plan.ActionDropBefore,
		Pattern:  rn.req.Targets.Cutoff,
		Branches: []string{b},
		Commits:  append(append([]string(nil), dropped...), rewritten...),
		Range:    r,
	}, nil
}

// dropAfter makes point the tip of b.
func (rn *run) dropAfter(ctx context.Context, b, tip, point string) (*plan.ResolvedTarget, error) {
	dropped, err := rn.src.RevList(ctx, []string{tip}, []string{point})
	if err != nil {
		return nil, fmt.Errorf("list descendants of cutoff: %w", err)
	}
	if len(dropped) == 0 {
		return nil, nil
	}
	return &plan.ResolvedTarget{
		Kind:     plan.KindRange,
		Action:   plan.ActionDropAfter,
		Pattern:  rn.req.Targets.Cutoff,
		Branches: []string{b},
		Commits:  dropped,
		Range: &plan.CommitRange{
			Branch:  b,
			Cutoff:  point,
			Tip:     tip,
			Dropped: dropped,
		},
	}, nil
}

// squashMessage keeps the cutoff's own message and lists the commits it
// absorbed.
func (rn *run) squashMessage(point string, dropped []string) string {
	var b strings.Builder
	if c, ok := rn.hist.Commits[point]; ok {
		b.WriteString(c.Summary)
	}
	fmt.Fprintf(&b, "\n\nSquashed %d earlier commit(s):\n", len(dropped))
	for _, id := range dropped {
		summary := ""
		if c, ok := rn.hist.Commits[id]; ok {
			summary = c.Summary
		}
		fmt.Fprintf(&b, "%s %s\n", id[:min(8, len(id))], summary)
	}
	return b.String()
}
