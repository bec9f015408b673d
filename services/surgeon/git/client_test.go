// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package git_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/git/gittest"
)

func TestNewClient_RequiresAbsolutePath(t *testing.T) {
	_, err := git.NewClient("relative/repo", 0)
	assert.Error(t, err)
}

func TestClient_SnapshotAndStatus(t *testing.T) {
	repo := gittest.New(t)
	repo.Write("README.md", "hello\n")
	c1 := repo.Commit("initial")
	repo.Git("branch", "feature")
	repo.Git("tag", "-a", "v1", "-m", "release")

	ctx := context.Background()
	client := repo.Client()

	snap, err := client.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "repo", snap.Name)
	assert.Equal(t, repo.GitDir(), snap.GitDir)
	assert.Equal(t, "main", snap.Head)
	assert.False(t, snap.Detached)
	assert.Equal(t, map[string]string{"main": c1, "feature": c1}, snap.Branches)
	assert.Equal(t, []string{"feature", "main"}, snap.BranchNames())

	tag, ok := snap.Ref("refs/tags/v1")
	require.True(t, ok)
	assert.Equal(t, c1, tag.Commit())

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.HasUncommittedChanges())

	repo.Write("README.md", "changed\n")
	repo.Write("scratch.txt", "x")
	status, err = client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.HasUncommittedChanges())
	assert.Equal(t, []string{"scratch.txt"}, status.Untracked)
}

func TestClient_DetachedHead(t *testing.T) {
	repo := gittest.New(t)
	c1 := repo.Commit("one")
	repo.Commit("two")
	repo.Git("checkout", "--quiet", c1)

	_, detached, err := repo.Client().CurrentBranch(context.Background())
	require.NoError(t, err)
	assert.True(t, detached)
}

func TestClient_HistoryIncludesDeletedPaths(t *testing.T) {
	repo := gittest.New(t)
	repo.Write(".env", "SECRET=1\n")
	repo.Write("app/main.go", "package main\n")
	c1 := repo.Commit("C1 add env")
	repo.Write("app/main.go", "package main\n\nfunc main() {}\n")
	repo.Commit("C2 code")
	repo.Write(".env", "SECRET=2\n")
	c3 := repo.Commit("C3 modify env")
	repo.Commit("C4 empty")
	repo.Remove(".env")
	c5 := repo.Commit("C5 delete env")

	ctx := context.Background()
	h, err := repo.Client().History(ctx, []string{"main"})
	require.NoError(t, err)

	require.Contains(t, h.Paths, ".env")
	assert.Equal(t, []string{c5, c3, c1}, h.Paths[".env"].Commits)
	assert.Len(t, h.Paths[".env"].Blobs, 2)
	assert.Len(t, h.Order, 5)
	assert.Equal(t, "C3 modify env", h.Commits[c3].Summary)

	paths, err := repo.Client().TreePaths(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"app/main.go"}, paths)
}

func TestClient_BlobSizesAndScan(t *testing.T) {
	repo := gittest.New(t)
	repo.Write("small.txt", "token=abc\n")
	repo.Write("bin.dat", "\x00\x01\x02")
	repo.Commit("blobs")

	ctx := context.Background()
	client := repo.Client()
	h, err := client.History(ctx, []string{"main"})
	require.NoError(t, err)

	blobs := h.AllBlobs()
	sizes, err := client.BlobSizes(ctx, blobs)
	require.NoError(t, err)
	require.Len(t, sizes, 2)

	seen := map[string]bool{}
	err = client.ScanBlobs(ctx, blobs, func(id string, content []byte) error {
		seen[h.BlobPaths[id][0]] = git.IsBinary(content)
		assert.Equal(t, int64(len(content)), sizes[id])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"small.txt": false, "bin.dat": true}, seen)
}

func TestClient_RevisionHelpers(t *testing.T) {
	repo := gittest.New(t)
	c1 := repo.Commit("one")
	c2 := repo.Commit("two")
	c3 := repo.Commit("three")

	ctx := context.Background()
	client := repo.Client()

	id, err := client.RevParse(ctx, "HEAD~1")
	require.NoError(t, err)
	assert.Equal(t, c2, id)

	_, err = client.RevParse(ctx, "does-not-exist")
	assert.ErrorIs(t, err, git.ErrUnknownRevision)
	_, err = client.RevParse(ctx, "--all")
	assert.ErrorIs(t, err, git.ErrUnknownRevision)

	ok, err := client.IsAncestor(ctx, c1, c3)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = client.IsAncestor(ctx, c3, c1)
	require.NoError(t, err)
	assert.False(t, ok)

	chain, err := client.FirstParentChain(ctx, "main", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{c3, c2}, chain)

	// Commits are one hour apart starting at Epoch+1h.
	at, err := client.FirstParentAtOrBefore(ctx, "main", gittest.Epoch.Add(2*time.Hour+30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, c2, at)

	ct, err := client.CommitTime(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, gittest.Epoch.Add(time.Hour), ct)

	require.NoError(t, client.Fsck(ctx, "main"))
}

func TestClient_InProgress(t *testing.T) {
	repo := gittest.New(t)
	repo.Commit("one")

	ops, err := repo.Client().InProgress(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops)

	require.NoError(t, os.WriteFile(filepath.Join(repo.GitDir(), "MERGE_HEAD"), []byte("x\n"), 0644))
	ops, err = repo.Client().InProgress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"merge"}, ops)
}

func TestRefWatcher_RecordsBranchMove(t *testing.T) {
	repo := gittest.New(t)
	repo.Commit("one")
	c2 := repo.Commit("two")

	w, err := git.NewRefWatcher(repo.GitDir(), nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	repo.Git("update-ref", "refs/heads/main", c2+"~1")

	assert.Eventually(t, func() bool {
		for _, ref := range w.Changed() {
			if ref == "refs/heads/main" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}
