// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package operation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func removeRequest() Request {
	return Request{
		Kind:    KindRemove,
		Targets: TargetSpec{Patterns: []string{"**/.env"}},
		Scope:   Scope{Branches: []string{"main"}},
		Flags:   Flags{Backup: true},
	}
}

func TestNew_ValidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"remove", removeRequest()},
		{"truncate before", Request{
			Kind:    KindTruncate,
			Targets: TargetSpec{TruncateMode: TruncateBefore, Cutoff: "2024-01-01"},
			Scope:   Scope{All: true},
			Flags:   Flags{Backup: true},
		}},
		{"truncate keep-recent", Request{
			Kind:    KindTruncate,
			Targets: TargetSpec{TruncateMode: TruncateKeepRecent, KeepRecent: 10},
			Scope:   Scope{Branches: []string{"main", "release/1.x"}},
			Flags:   Flags{Backup: true},
		}},
		{"clean size", Request{
			Kind:    KindClean,
			Targets: TargetSpec{SizeThreshold: "50MB"},
			Scope:   Scope{All: true},
			Flags:   Flags{Backup: true},
		}},
		{"clean sensitive dry-run without backup", Request{
			Kind:    KindClean,
			Targets: TargetSpec{ScanSensitive: true, SensitivePatterns: []string{`AKIA[0-9A-Z]{16}`}},
			Scope:   Scope{All: true},
			Flags:   Flags{DryRun: true},
		}},
		{"rewrite authors", Request{
			Kind: KindRewriteAuthors,
			Targets: TargetSpec{Authors: []AuthorMapping{
				{Old: "Old Name <old@example.com>", New: "New Name <new@example.com>"},
			}},
			Scope: Scope{All: true},
			Flags: Flags{Backup: true},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.req)
			assert.NoError(t, err)
		})
	}
}

func TestNew_InvalidRequests(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Request)
		wantMsg string
	}{
		{"unknown kind", func(r *Request) { r.Kind = "explode" }, "Kind must be one of"},
		{"no scope", func(r *Request) { r.Scope = Scope{} }, "scope requires at least one branch"},
		{"both scopes", func(r *Request) { r.Scope.All = true }, "cannot name branches and select all"},
		{"bad branch", func(r *Request) { r.Scope.Branches = []string{"feat..x"} }, "not a valid branch name"},
		{"only negations", func(r *Request) { r.Targets.Patterns = []string{"!keep.txt"} }, "at least one non-negated pattern"},
		{"bad glob", func(r *Request) { r.Targets.Patterns = []string{"[abc"} }, "not a valid glob pattern"},
		{"mutating without backup", func(r *Request) { r.Flags.Backup = false }, "require a backup"},
		{"bad size", func(r *Request) {
			r.Kind = KindClean
			r.Targets = TargetSpec{SizeThreshold: "fifty megs"}
		}, "not a size"},
		{"bad regexp", func(r *Request) {
			r.Kind = KindClean
			r.Targets = TargetSpec{ScanSensitive: true, SensitivePatterns: []string{"(unclosed"}}
		}, "not a valid regular expression"},
		{"truncate without mode", func(r *Request) {
			r.Kind = KindTruncate
			r.Targets = TargetSpec{}
		}, "truncate requires a mode"},
		{"truncate before without cutoff", func(r *Request) {
			r.Kind = KindTruncate
			r.Targets = TargetSpec{TruncateMode: TruncateBefore}
		}, "truncate before requires a cutoff"},
		{"keep-recent zero", func(r *Request) {
			r.Kind = KindTruncate
			r.Targets = TargetSpec{TruncateMode: TruncateKeepRecent}
		}, "count of at least 1"},
		{"bad identity", func(r *Request) {
			r.Kind = KindRewriteAuthors
			r.Targets = TargetSpec{Authors: []AuthorMapping{{Old: "no email", New: "A <a@b>"}}}
		}, "'Name <email>' form"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := removeRequest()
			tt.mutate(&req)
			_, err := New(req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	req := Request{Kind: KindRemove}
	err := Validate(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scope requires")
	assert.Contains(t, err.Error(), "require a backup")
	assert.Contains(t, err.Error(), "non-negated pattern")
}

func TestNew_ReturnsIndependentCopy(t *testing.T) {
	req := removeRequest()
	got, err := New(req)
	require.NoError(t, err)

	req.Targets.Patterns[0] = "changed"
	req.Scope.Branches[0] = "other"

	assert.Equal(t, "**/.env", got.Targets.Patterns[0])
	assert.Equal(t, "main", got.Scope.Branches[0])
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"50MB", 50 << 20, false},
		{"1.5 gb", int64(1.5 * float64(1<<30)), false},
		{"100B", 100, false},
		{"2KB", 2048, false},
		{"1TB", 1 << 40, false},
		{"10", 0, true},
		{"MB", 0, true},
		{"-1MB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "50.0 MB", FormatSize(50<<20))
	assert.Equal(t, "-1.5 KB", FormatSize(-1536))
}

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity("Ada Lovelace <ada@example.com>")
	require.NoError(t, err)
	assert.Equal(t, Identity{Name: "Ada Lovelace", Email: "ada@example.com"}, id)
	assert.Equal(t, "Ada Lovelace <ada@example.com>", id.String())

	id, err = ParseIdentity("<bot@example.com>")
	require.NoError(t, err)
	assert.Equal(t, "", id.Name)

	_, err = ParseIdentity("Ada ada@example.com")
	assert.Error(t, err)
}

func TestLoadAuthorMappings(t *testing.T) {
	in := `[{"old": "Old <old@x.io>", "new": "New <new@x.io>"}]`
	mappings, err := LoadAuthorMappings(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "New <new@x.io>", mappings[0].New)

	_, err = LoadAuthorMappings(strings.NewReader(`[{"old": "bad", "new": "New <n@x>"}]`))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = LoadAuthorMappings(strings.NewReader(`{"old": "x"}`))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestParseCutoff(t *testing.T) {
	c := ParseCutoff("2024-02-03")
	assert.True(t, c.IsDate())
	assert.Equal(t, time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC), c.Date)

	c = ParseCutoff("HEAD~3")
	assert.False(t, c.IsDate())
	assert.Equal(t, "HEAD~3", c.Commit)

	assert.True(t, ParseCutoff("  ").IsZero())
}

func TestEffectiveSensitivePatterns(t *testing.T) {
	req := Request{Targets: TargetSpec{ScanSensitive: true}}
	assert.Equal(t, DefaultSensitivePatterns, req.EffectiveSensitivePatterns())

	req.Targets.SensitivePatterns = []string{"api_key"}
	assert.Equal(t, []string{"api_key"}, req.EffectiveSensitivePatterns())

	req.Targets.ScanSensitive = false
	assert.Nil(t, req.EffectiveSensitivePatterns())
}
