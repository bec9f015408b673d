// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package git

import (
	"bufio"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	blobA = "1111111111111111111111111111111111111111"
	blobB = "2222222222222222222222222222222222222222"
)

func TestParseStatus(t *testing.T) {
	out := []byte("M  staged.go\x00 M modified.go\x00?? new.txt\x00R  renamed.go\x00old.go\x00UU conflict.go\x00AM both.go\x00")
	s := parseStatus(out)

	assert.Equal(t, []string{"staged.go", "renamed.go", "both.go"}, s.Staged)
	assert.Equal(t, []string{"modified.go", "both.go"}, s.Modified)
	assert.Equal(t, []string{"new.txt"}, s.Untracked)
	assert.Equal(t, []string{"conflict.go"}, s.Conflicted)
	assert.True(t, s.HasUncommittedChanges())
}

func TestParseStatus_UntrackedOnlyIsClean(t *testing.T) {
	s := parseStatus([]byte("?? scratch.txt\x00"))
	assert.False(t, s.HasUncommittedChanges())
	assert.Len(t, s.Untracked, 1)
}

func TestParseRefs(t *testing.T) {
	out := strings.Join([]string{
		"refs/tags/v1\x00aaaa\x00tag\x00cccc\x00",
		"refs/heads/main\x00cccc\x00commit\x00\x00refs/remotes/origin/main",
	}, "\n")
	refs := parseRefs(out)
	require.Len(t, refs, 2)

	assert.Equal(t, "refs/heads/main", refs[0].Name)
	assert.True(t, refs[0].IsBranch())
	assert.Equal(t, "main", refs[0].ShortName())
	assert.Equal(t, "refs/remotes/origin/main", refs[0].Upstream)
	assert.Equal(t, "cccc", refs[1].Commit(), "annotated tag peels to its commit")
}

func TestParseLog(t *testing.T) {
	log := strings.Join([]string{
		"\x1ec3\x1fc2\x1fAda\x1fada@x.io\x1fAda\x1fada@x.io\x1f1700000300\x1fdelete env",
		"",
		":100644 000000 " + blobB + " " + ZeroID + " D\t.env",
		"\x1ec2\x1fc1\x1fAda\x1fada@x.io\x1fBob\x1fbob@x.io\x1f1700000200\x1fupdate env",
		"",
		":100644 100644 " + blobA + " " + blobB + " M\t.env",
		":100644 100644 " + blobA + " " + blobB + " M\t\"dir/with\\ttab\"",
		"\x1ec1\x1f\x1fAda\x1fada@x.io\x1fAda\x1fada@x.io\x1f1700000100\x1fadd env",
		"",
		":000000 100644 " + ZeroID + " " + blobA + " A\t.env",
		":000000 160000 " + ZeroID + " " + blobB + " A\tvendor/sub",
	}, "\n")

	h := &History{Commits: map[string]*Commit{}, Paths: map[string]*PathHistory{}, BlobPaths: map[string][]string{}}
	require.NoError(t, parseLog(strings.NewReader(log), h))

	assert.Equal(t, []string{"c3", "c2", "c1"}, h.Order)
	assert.Equal(t, []string{"c1"}, h.Commits["c2"].Parents)
	assert.Equal(t, "Bob", h.Commits["c2"].Committer.Name)
	assert.Equal(t, "update env", h.Commits["c2"].Summary)

	env := h.Paths[".env"]
	require.NotNil(t, env)
	assert.Equal(t, []string{"c3", "c2", "c1"}, env.Commits)
	assert.ElementsMatch(t, []string{blobA, blobB}, env.Blobs)

	assert.Contains(t, h.Paths, "dir/with\ttab", "quoted paths are unquoted")
	assert.Contains(t, h.Paths, "vendor/sub")
	assert.Empty(t, h.Paths["vendor/sub"].Blobs, "gitlinks are not blobs")
	assert.Equal(t, []string{".env", "dir/with\ttab", "vendor/sub"}, h.AllPaths())
	assert.Equal(t, []string{"c1"}, h.CommitsIntroducing(blobA))
}

func TestParseLog_MergeListedPerParent(t *testing.T) {
	log := strings.Join([]string{
		"\x1em\x1fp1 p2\x1fA\x1fa@x\x1fA\x1fa@x\x1f1700000000\x1fmerge",
		"",
		":100644 100644 " + blobA + " " + blobB + " M\tconfig.yml",
		"\x1em\x1fp1 p2\x1fA\x1fa@x\x1fA\x1fa@x\x1f1700000000\x1fmerge",
		"",
		":000000 100644 " + ZeroID + " " + blobB + " A\tconfig.yml",
	}, "\n")

	h := &History{Commits: map[string]*Commit{}, Paths: map[string]*PathHistory{}, BlobPaths: map[string][]string{}}
	require.NoError(t, parseLog(strings.NewReader(log), h))

	assert.Equal(t, []string{"m"}, h.Order)
	assert.Len(t, h.Commits["m"].Changes, 2)
	assert.Equal(t, []string{"m"}, h.Paths["config.yml"].Commits)
}

func TestParseLog_RawBeforeHeader(t *testing.T) {
	h := &History{Commits: map[string]*Commit{}, Paths: map[string]*PathHistory{}, BlobPaths: map[string][]string{}}
	err := parseLog(strings.NewReader(":100644 100644 a b M\tx\n"), h)
	assert.Error(t, err)
}

func TestReadBatch(t *testing.T) {
	out := blobA + " blob 5\nhello\n" +
		"3333333333333333333333333333333333333333 missing\n" +
		"4444444444444444444444444444444444444444 tree 3\nabc\n" +
		blobB + " blob 0\n\n"

	var got []string
	err := readBatch(bufio.NewReader(strings.NewReader(out)), func(id string, content []byte) error {
		got = append(got, id+"="+string(content))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{blobA + "=hello", blobB + "="}, got)
}

func TestReadBatch_VisitorErrorStops(t *testing.T) {
	stop := errors.New("stop")
	out := blobA + " blob 1\na\n" + blobB + " blob 1\nb\n"
	calls := 0
	err := readBatch(bufio.NewReader(strings.NewReader(out)), func(string, []byte) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestIsBinary(t *testing.T) {
	assert.False(t, IsBinary([]byte("password=hunter2\n")))
	assert.True(t, IsBinary([]byte{0x89, 'P', 'N', 'G', 0x00, 0x01}))

	late := make([]byte, binarySniffLen+10)
	for i := range late {
		late[i] = 'a'
	}
	late[binarySniffLen+5] = 0
	assert.False(t, IsBinary(late), "NUL past the sniff window is ignored")
}

func TestRepoName(t *testing.T) {
	assert.Equal(t, "project", repoName("/src/project"))
	assert.Equal(t, "project", repoName("/src/project/.git"))
	assert.Equal(t, "mirror", repoName("/srv/mirror.git"))
}
