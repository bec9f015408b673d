// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
)

// pass is one filter-repo invocation.
type pass struct {
	refs     []string
	paths    []string
	blobs    []string
	callback string

	// redactBlobs are the planned redaction blobs; redact holds the
	// regexes applied to them and to nothing else.
	redactBlobs []string
	redact      []string
}

// empty reports whether the pass has no filter, i.e. it only bakes in
// replace refs.
func (ps pass) empty() bool {
	return len(ps.paths) == 0 && len(ps.blobs) == 0 && !ps.redacts() && ps.callback == ""
}

func (ps pass) redacts() bool {
	return len(ps.redactBlobs) > 0 && len(ps.redact) > 0
}

// args writes the pass's input files into dir and returns the filter-repo
// arguments. n keeps file names distinct across passes.
func (ps pass) args(dir string, n int) ([]string, error) {
	args := []string{"filter-repo", "--force", "--quiet"}
	if len(ps.paths) > 0 {
		f, err := writeLines(dir, fmt.Sprintf("paths-%d.txt", n), ps.paths)
		if err != nil {
			return nil, err
		}
		args = append(args, "--invert-paths", "--paths-from-file", f)
	}
	if len(ps.blobs) > 0 {
		f, err := writeLines(dir, fmt.Sprintf("blobs-%d.txt", n), ps.blobs)
		if err != nil {
			return nil, err
		}
		args = append(args, "--strip-blobs-with-ids", f)
	}
	if ps.redacts() {
		args = append(args, "--blob-callback", redactionCallback(ps.redactBlobs, ps.redact))
	}
	if ps.callback != "" {
		args = append(args, "--commit-callback", ps.callback)
	}
	if ps.empty() {
		args = append(args, "--proceed")
	}
	// --refs takes the rest of the command line.
	args = append(args, "--refs")
	return append(args, ps.refs...), nil
}

func writeLines(dir, name string, lines []string) (string, error) {
	path := filepath.Join(dir, name)
	data := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

// buildPasses groups the plan's targets into filter-repo passes, one per
// distinct branch set, in a stable order.
func buildPasses(p *plan.OperationPlan) []pass {
	groups := make(map[string]*pass)
	var keys []string
	group := func(branches []string) *pass {
		if len(branches) == 0 {
			branches = p.Scope
		}
		branches = slices.Clone(branches)
		sort.Strings(branches)
		key := strings.Join(branches, "\x00")
		g, ok := groups[key]
		if !ok {
			refs := make([]string, len(branches))
			for i, b := range branches {
				refs[i] = "refs/heads/" + b
			}
			g = &pass{refs: refs}
			groups[key] = g
			keys = append(keys, key)
		}
		return g
	}

	var remaps []plan.AuthorRemap
	var grafted []string
	for _, t := range p.Targets {
		switch t.Kind {
		case plan.KindPath:
			g := group(t.Branches)
			g.paths = append(g.paths, t.Path)
		case plan.KindBlob:
			g := group(t.Branches)
			g.blobs = append(g.blobs, t.Blobs...)
		case plan.KindRedaction:
			g := group(t.Branches)
			g.redactBlobs = append(g.redactBlobs, t.Blobs...)
		case plan.KindAuthor:
			if t.Author != nil {
				remaps = append(remaps, *t.Author)
			}
		case plan.KindRange:
			if t.Action == plan.ActionDropBefore && t.Range != nil {
				grafted = append(grafted, t.Range.Branch)
			}
		}
	}
	// Replace refs are global, so one pass over exactly the truncated
	// branches bakes them all in.
	if len(grafted) > 0 {
		group(grafted)
	}
	if len(remaps) > 0 {
		group(nil).callback = authorCallback(remaps)
	}
	patterns := redactionPatterns(p)
	for _, g := range groups {
		if len(g.redactBlobs) > 0 {
			g.redact = patterns
		}
	}

	sort.Strings(keys)
	out := make([]pass, 0, len(keys))
	for _, k := range keys {
		g := groups[k]
		g.paths = uniqueSorted(g.paths)
		g.blobs = uniqueSorted(g.blobs)
		g.redactBlobs = uniqueSorted(g.redactBlobs)
		out = append(out, *g)
	}
	return out
}

func uniqueSorted(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := slices.Clone(s)
	sort.Strings(out)
	return slices.Compact(out)
}

// authorCallback renders a filter-repo commit callback applying remaps.
// Mappings that name the old identity are tried before email-only ones.
func authorCallback(remaps []plan.AuthorRemap) string {
	ordered := slices.Clone(remaps)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Old.Name != "" && ordered[j].Old.Name == ""
	})

	var b strings.Builder
	for _, role := range []string{"author", "committer"} {
		first := true
		for _, r := range ordered {
			if role == "committer" && !r.UpdateCommitter {
				continue
			}
			keyword := "elif"
			if first {
				keyword = "if"
				first = false
			}
			cond := fmt.Sprintf("commit.%s_email.lower() == %s", role, pyBytes(strings.ToLower(r.Old.Email)))
			if r.Old.Name != "" {
				cond += fmt.Sprintf(" and commit.%s_name == %s", role, pyBytes(r.Old.Name))
			}
			fmt.Fprintf(&b, "%s %s:\n", keyword, cond)
			fmt.Fprintf(&b, "    commit.%s_name = %s\n", role, pyBytes(r.New.Name))
			fmt.Fprintf(&b, "    commit.%s_email = %s\n", role, pyBytes(r.New.Email))
		}
	}
	return b.String()
}

// redactionCallback renders a filter-repo blob callback that replaces
// every match of patterns in the listed blobs. Other blobs pass through
// untouched. The compiled rules are cached in the callback's globals.
func redactionCallback(blobs, patterns []string) string {
	var b strings.Builder
	b.WriteString("rules = globals().get(\"gitsurgeon_redact\")\n")
	b.WriteString("if rules is None:\n")
	b.WriteString("    import re\n")
	b.WriteString("    rules = ({\n")
	for _, id := range blobs {
		fmt.Fprintf(&b, "        %s,\n", pyBytes(id))
	}
	b.WriteString("    }, [\n")
	for _, p := range patterns {
		fmt.Fprintf(&b, "        re.compile(%s),\n", pyBytes(p))
	}
	b.WriteString("    ])\n")
	b.WriteString("    globals()[\"gitsurgeon_redact\"] = rules\n")
	b.WriteString("if blob.original_id in rules[0]:\n")
	b.WriteString("    for rule in rules[1]:\n")
	fmt.Fprintf(&b, "        blob.data = rule.sub(%s, blob.data)\n", pyBytes(operation.RedactionText))
	return b.String()
}

// pyBytes quotes s as a Python bytes literal.
func pyBytes(s string) string {
	var b strings.Builder
	b.WriteString(`b"`)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' || c == '"':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c >= 0x20 && c < 0x7f:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, `\x%02x`, c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
