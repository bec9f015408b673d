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
	"regexp"
	"slices"
	"strings"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
)

// resolveClean selects blobs over the size threshold for stripping and
// text blobs with sensitive matches for redaction. A blob selected for
// stripping is never also redacted.
func (rn *run) resolveClean(ctx context.Context) ([]plan.ResolvedTarget, error) {
	t := rn.req.Targets

	var threshold int64 = -1
	if t.SizeThreshold != "" {
		n, err := operation.ParseSize(t.SizeThreshold)
		if err != nil {
			return nil, &ResolutionError{Reason: "invalid size threshold", Input: t.SizeThreshold, Err: err}
		}
		threshold = n
	}

	sensitive := make([]*regexp.Regexp, 0, len(t.SensitivePatterns))
	for _, expr := range rn.req.EffectiveSensitivePatterns() {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, &ResolutionError{Reason: "invalid sensitive pattern", Input: expr, Err: err}
		}
		sensitive = append(sensitive, re)
	}

	var globs *GlobSet
	if len(t.Patterns) > 0 {
		var err error
		if globs, err = CompileGlobs(t.Patterns); err != nil {
			return nil, err
		}
	}

	var candidates []string
	for _, blob := range rn.hist.AllBlobs() {
		if globs != nil {
			if ok, _ := globs.MatchAny(rn.hist.BlobPaths[blob]); !ok {
				continue
			}
		}
		candidates = append(candidates, blob)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if _, err := rn.branchMembers(ctx); err != nil {
		return nil, err
	}
	sizes, err := rn.src.BlobSizes(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("read blob sizes: %w", err)
	}

	var targets []plan.ResolvedTarget
	stripped := make(map[string]bool)
	if threshold >= 0 {
		for _, blob := range candidates {
			size, ok := sizes[blob]
			if !ok || size < threshold {
				continue
			}
			stripped[blob] = true
			targets = append(targets, rn.blobTarget(plan.KindBlob, plan.ActionStrip, blob, size, t.SizeThreshold))
		}
	}

	if len(sensitive) == 0 {
		return targets, nil
	}

	var scan []string
	skipped := 0
	for _, blob := range candidates {
		size, ok := sizes[blob]
		if !ok || stripped[blob] {
			continue
		}
		if rn.maxScanSize > 0 && size > rn.maxScanSize {
			skipped++
			continue
		}
		scan = append(scan, blob)
	}
	if skipped > 0 {
		note := fmt.Sprintf("%d blob(s) larger than %s were not scanned for sensitive content",
			skipped, operation.FormatSize(rn.maxScanSize))
		rn.notes = append(rn.notes, note)
		rn.logger.Warn("sensitive scan skipped large blobs", "count", skipped, "limit", rn.maxScanSize)
	}

	err = rn.src.ScanBlobs(ctx, scan, func(id string, content []byte) error {
		if git.IsBinary(content) {
			return nil
		}
		text := strings.ToValidUTF8(string(content), "\uFFFD")
		var matches int
		var matched int64
		var by []string
		for _, re := range sensitive {
			locs := re.FindAllStringIndex(text, -1)
			if len(locs) == 0 {
				continue
			}
			by = append(by, re.String())
			matches += len(locs)
			for _, loc := range locs {
				matched += int64(loc[1] - loc[0])
			}
		}
		if matches == 0 {
			return nil
		}
		target := rn.blobTarget(plan.KindRedaction, plan.ActionRedact, id, sizes[id], strings.Join(by, "|"))
		target.Matches = matches
		target.MatchedBytes = matched
		targets = append(targets, target)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan blobs: %w", err)
	}
	return targets, nil
}

func (rn *run) blobTarget(kind plan.TargetKind, action plan.Action, blob string, size int64, pattern string) plan.ResolvedTarget {
	paths := slices.Clone(rn.hist.BlobPaths[blob])
	slices.Sort(paths)
	commits := rn.hist.CommitsIntroducing(blob)
	var first string
	if len(paths) > 0 {
		first = paths[0]
	}
	return plan.ResolvedTarget{
		Kind:     kind,
		Action:   action,
		Path:     first,
		Pattern:  pattern,
		Branches: rn.containing(commits),
		Blobs:    []string{blob},
		Paths:    paths,
		Size:     size,
		Commits:  commits,
	}
}
