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

	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
)

// recentRule is the per-branch preserveRecent state.
type recentRule struct {
	tipPaths   map[string]struct{}
	cutoffWins bool
}

// resolvePaths selects every historical path matched by the request's
// patterns, narrowed per branch by preserveRecent.
func (rn *run) resolvePaths(ctx context.Context) ([]plan.ResolvedTarget, error) {
	globs, err := CompileGlobs(rn.req.Targets.Patterns)
	if err != nil {
		return nil, err
	}

	var recent map[string]recentRule
	if rn.req.Flags.PreserveRecent {
		if recent, err = rn.recentRules(ctx); err != nil {
			return nil, err
		}
	}

	var targets []plan.ResolvedTarget
	for _, p := range rn.hist.AllPaths() {
		ok, by := globs.Match(p)
		if !ok {
			continue
		}
		ph := rn.hist.Paths[p]
		touched, err := rn.branchesOf(ctx, ph.Commits)
		if err != nil {
			return nil, err
		}

		var removeOn, keptOn []string
		for _, b := range touched {
			rule, tracked := recent[b]
			_, atTip := rule.tipPaths[p]
			if tracked && atTip && !rule.cutoffWins {
				keptOn = append(keptOn, b)
				continue
			}
			removeOn = append(removeOn, b)
		}
		if len(keptOn) > 0 {
			rn.exempt = append(rn.exempt, plan.Exemption{
				Path:     p,
				Branches: keptOn,
				Reason:   "present in branch tip",
			})
		}
		if len(removeOn) == 0 {
			continue
		}

		commits, err := rn.commitsOn(ctx, ph.Commits, removeOn)
		if err != nil {
			return nil, err
		}
		targets = append(targets, plan.ResolvedTarget{
			Kind:     plan.KindPath,
			Action:   plan.ActionRemove,
			Path:     p,
			Pattern:  by,
			Branches: removeOn,
			Blobs:    rn.pathBlobs(p, commits),
			Commits:  commits,
		})
	}
	return targets, nil
}

// pathBlobs returns the distinct blobs p held in commits, in first-seen
// order.
func (rn *run) pathBlobs(p string, commits []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range commits {
		for _, ch := range rn.hist.Commits[id].Changes {
			if ch.Path != p || ch.IsGitlink() || ch.NewBlob == git.ZeroID || seen[ch.NewBlob] {
				continue
			}
			seen[ch.NewBlob] = true
			out = append(out, ch.NewBlob)
		}
	}
	return out
}

// recentRules computes, per scoped branch, the tip's paths and whether an
// explicit cutoff overrides preserveRecent there. A cutoff wins when it
// precedes or equals the tip.
func (rn *run) recentRules(ctx context.Context) (map[string]recentRule, error) {
	cutoff := operation.ParseCutoff(rn.req.Targets.Cutoff)
	var cutoffID string
	if cutoff.Commit != "" {
		id, err := rn.src.RevParse(ctx, cutoff.Commit)
		if err != nil {
			return nil, &ResolutionError{Reason: "unknown cutoff commit", Input: cutoff.Commit, Err: err}
		}
		cutoffID = id
	}

	rules := make(map[string]recentRule, len(rn.scope))
	for _, b := range rn.scope {
		tip := rn.tips[b]
		paths, err := rn.src.TreePaths(ctx, tip)
		if err != nil {
			return nil, fmt.Errorf("list tip of %s: %w", b, err)
		}
		rule := recentRule{tipPaths: make(map[string]struct{}, len(paths))}
		for _, p := range paths {
			rule.tipPaths[p] = struct{}{}
		}
		switch {
		case cutoff.IsDate():
			tipTime, err := rn.src.CommitTime(ctx, tip)
			if err != nil {
				return nil, fmt.Errorf("read tip time of %s: %w", b, err)
			}
			rule.cutoffWins = !cutoff.Date.After(tipTime)
		case cutoffID != "":
			ok, err := rn.src.IsAncestor(ctx, cutoffID, tip)
			if err != nil {
				return nil, fmt.Errorf("compare cutoff with %s: %w", b, err)
			}
			rule.cutoffWins = ok
		}
		rules[b] = rule
	}
	return rules, nil
}
