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
	"strings"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
)

// resolveAuthors builds one remap target per mapping. Emails compare
// case-insensitively and an old identity with an empty name matches on
// email alone.
func (rn *run) resolveAuthors(ctx context.Context) ([]plan.ResolvedTarget, error) {
	if _, err := rn.branchMembers(ctx); err != nil {
		return nil, err
	}
	update := rn.req.Targets.UpdateCommitter

	targets := make([]plan.ResolvedTarget, 0, len(rn.req.Targets.Authors))
	for _, m := range rn.req.Targets.Authors {
		oldID, err := operation.ParseIdentity(m.Old)
		if err != nil {
			return nil, &ResolutionError{Reason: "invalid identity", Input: m.Old, Err: err}
		}
		newID, err := operation.ParseIdentity(m.New)
		if err != nil {
			return nil, &ResolutionError{Reason: "invalid identity", Input: m.New, Err: err}
		}
		old := git.Signature{Name: oldID.Name, Email: oldID.Email}

		var commits []string
		for _, id := range rn.hist.Order {
			c := rn.hist.Commits[id]
			if sameIdentity(old, c.Author) || (update && sameIdentity(old, c.Committer)) {
				commits = append(commits, id)
			}
		}
		targets = append(targets, plan.ResolvedTarget{
			Kind:     plan.KindAuthor,
			Action:   plan.ActionRemap,
			Pattern:  m.Old,
			Branches: rn.containing(commits),
			Commits:  commits,
			Author: &plan.AuthorRemap{
				Old:             old,
				New:             git.Signature{Name: newID.Name, Email: newID.Email},
				UpdateCommitter: update,
			},
		})
	}
	return targets, nil
}

func sameIdentity(want, got git.Signature) bool {
	if !strings.EqualFold(want.Email, got.Email) {
		return false
	}
	return want.Name == "" || want.Name == got.Name
}
