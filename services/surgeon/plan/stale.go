// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
)

// CodePlanStale is the stable error code of StaleError.
const CodePlanStale = "PLAN_STALE"

// MovedBranch is one branch whose tip differs from the plan.
type MovedBranch struct {
	Branch   string `json:"branch"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// StaleError reports that scoped branches moved after the plan was
// resolved. Nothing has been mutated when it is returned; re-resolve and
// retry.
type StaleError struct {
	Moved []MovedBranch
}

func (e *StaleError) Error() string {
	parts := make([]string, 0, len(e.Moved))
	for _, m := range e.Moved {
		actual := m.Actual
		if actual == "" {
			actual = "deleted"
		}
		parts = append(parts, fmt.Sprintf("%s %s -> %s", m.Branch, short(m.Expected), short(actual)))
	}
	return "plan is stale: branches moved since resolution: " + strings.Join(parts, ", ")
}

// Code returns CodePlanStale.
func (e *StaleError) Code() string { return CodePlanStale }

// CheckFresh compares the plan's frozen tips with a current snapshot and
// returns a *StaleError listing every moved branch.
func CheckFresh(p *OperationPlan, current *git.Snapshot) error {
	var moved []MovedBranch
	for branch, tip := range p.Tips {
		actual := current.Branches[branch]
		if actual != tip {
			moved = append(moved, MovedBranch{Branch: branch, Expected: tip, Actual: actual})
		}
	}
	if len(moved) == 0 {
		return nil
	}
	sort.Slice(moved, func(i, j int) bool { return moved[i].Branch < moved[j].Branch })
	return &StaleError{Moved: moved}
}
