// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/git/gittest"
)

var backupTime = time.Date(2026, 3, 14, 12, 30, 45, 123_000_000, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func setup(t *testing.T) (*gittest.Repo, *git.Snapshot, string) {
	t.Helper()
	repo := gittest.New(t)
	repo.Write("a.txt", "one\n")
	repo.Commit("initial")
	snap, err := repo.Client().Snapshot(context.Background())
	require.NoError(t, err)
	return repo, snap, t.TempDir()
}

type stubMirror struct {
	err      error
	uploaded []string
}

func (s *stubMirror) Upload(_ context.Context, b *Backup) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.uploaded = append(s.uploaded, b.Name)
	return "gs://bucket/" + b.Name, nil
}

func TestCreate_WritesVerifiedBackup(t *testing.T) {
	_, snap, root := setup(t)
	var mu sync.Mutex
	var last Progress
	m := NewManager(Config{
		Root:    root,
		Workers: 2,
		Now:     fixedClock(backupTime),
		OnProgress: func(p Progress) {
			mu.Lock()
			defer mu.Unlock()
			if p.Phase == "copy" {
				last = p
			}
		},
	}, nil)

	b, err := m.Create(context.Background(), snap)
	require.NoError(t, err)

	assert.Equal(t, "repo_backup_20260314T123045.123Z", b.Name)
	assert.Equal(t, filepath.Join(root, b.Name), b.Path)
	assert.Equal(t, snap.Branches, b.Branches)
	assert.Equal(t, backupTime, b.CreatedAt)
	assert.Positive(t, b.Files)
	assert.Len(t, b.Checksum, 64)
	assert.FileExists(t, filepath.Join(b.Path, "manifest.json"))
	assert.FileExists(t, filepath.Join(b.PayloadPath(), "HEAD"))
	assert.NoDirExists(t, b.Path+".partial")

	mu.Lock()
	assert.Equal(t, last.TotalFiles, last.Files)
	mu.Unlock()

	ok, err := m.Verify(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreate_NeverOverwrites(t *testing.T) {
	_, snap, root := setup(t)
	m := NewManager(Config{Root: root, Now: fixedClock(backupTime)}, nil)

	_, err := m.Create(context.Background(), snap)
	require.NoError(t, err)

	_, err = m.Create(context.Background(), snap)
	var berr *BackupError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, KindCreate, berr.Kind)
	assert.ErrorIs(t, err, os.ErrExist)
	assert.Equal(t, CodeBackupFailed, berr.Code())
}

func TestCreate_CancelledLeavesNothing(t *testing.T) {
	_, snap, root := setup(t)
	m := NewManager(Config{Root: root, Now: fixedClock(backupTime)}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b, err := m.Create(ctx, snap)
	require.Error(t, err)
	assert.Nil(t, b)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreate_DefaultRootIsRepoParent(t *testing.T) {
	repo, snap, _ := setup(t)
	m := NewManager(Config{Now: fixedClock(backupTime)}, nil)

	b, err := m.Create(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(repo.Dir), filepath.Dir(b.Path))
}

func TestVerify_DetectsTampering(t *testing.T) {
	_, snap, root := setup(t)
	m := NewManager(Config{Root: root, Now: fixedClock(backupTime)}, nil)
	b, err := m.Create(context.Background(), snap)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(b.PayloadPath(), "HEAD"), []byte("ref: refs/heads/evil\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(b.PayloadPath(), "extra"), []byte("x"), 0644))

	ok, err := m.Verify(context.Background(), b)
	assert.False(t, ok)
	var berr *BackupError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, KindVerification, berr.Kind)
	assert.Equal(t, CodeVerificationFailed, berr.Code())
	assert.Equal(t, []string{"HEAD (changed)", "extra (unexpected)"}, berr.Mismatches)
}

func TestRestore_RoundTripIsIdempotent(t *testing.T) {
	repo, snap, root := setup(t)
	original := repo.Head()
	client := repo.Client()
	m := NewManager(Config{Root: root, Now: fixedClock(backupTime)}, nil)

	b, err := m.Create(context.Background(), snap)
	require.NoError(t, err)

	repo.Write("a.txt", "two\n")
	repo.Commit("second")
	require.NotEqual(t, original, repo.Head())

	for i := 0; i < 2; i++ {
		result, err := m.Restore(context.Background(), b, snap.GitDir, client)
		require.NoError(t, err)
		assert.Equal(t, b.Checksum, result.Checksum)
		for _, step := range result.Steps {
			assert.True(t, step.OK, step.Name)
		}
		assert.Equal(t, original, repo.Head())
		content, err := os.ReadFile(filepath.Join(repo.Dir, "a.txt"))
		require.NoError(t, err)
		assert.Equal(t, "one\n", string(content))
	}

	matches, err := filepath.Glob(filepath.Join(repo.Dir, ".gitsurgeon-restore-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRestore_RefusesTamperedBackup(t *testing.T) {
	repo, snap, root := setup(t)
	m := NewManager(Config{Root: root, Now: fixedClock(backupTime)}, nil)
	b, err := m.Create(context.Background(), snap)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(b.PayloadPath(), "HEAD")))

	head := repo.Head()
	result, err := m.Restore(context.Background(), b, snap.GitDir, repo.Client())
	var berr *BackupError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, KindVerification, berr.Kind)
	require.NotNil(t, result)
	assert.False(t, result.Steps[len(result.Steps)-1].OK)
	assert.Equal(t, head, repo.Head(), "git dir untouched")
}

func TestMirror(t *testing.T) {
	_, snap, root := setup(t)

	ok := &stubMirror{}
	m := NewManager(Config{Root: root, Now: fixedClock(backupTime), Mirror: ok}, nil)
	b, err := m.Create(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, "gs://bucket/"+b.Name, b.Mirror)
	assert.Equal(t, []string{b.Name}, ok.uploaded)

	failing := &stubMirror{err: errors.New("network down")}
	m = NewManager(Config{Root: root, Now: fixedClock(backupTime.Add(time.Second)), Mirror: failing}, nil)
	b, err = m.Create(context.Background(), snap)
	require.NoError(t, err, "a mirror failure never fails the backup")
	assert.Empty(t, b.Mirror)
	assert.DirExists(t, b.Path)
}

func TestList(t *testing.T) {
	_, snap, root := setup(t)
	older := NewManager(Config{Root: root, Now: fixedClock(backupTime)}, nil)
	newer := NewManager(Config{Root: root, Now: fixedClock(backupTime.Add(time.Hour))}, nil)

	b1, err := older.Create(context.Background(), snap)
	require.NoError(t, err)
	b2, err := newer.Create(context.Background(), snap)
	require.NoError(t, err)

	require.NoError(t, os.Mkdir(filepath.Join(root, "repo_backup_20260101T000000.000Z.partial"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "unrelated"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "repo_backup_20250101T000000.000Z"), 0755))

	list, err := older.List(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b2.Name, list[0].Name)
	assert.Equal(t, b1.Name, list[1].Name)

	_, err = Open(filepath.Join(root, "repo_backup_20260101T000000.000Z.partial"))
	assert.Error(t, err)
}

func TestList_MissingRoot(t *testing.T) {
	list, err := NewManager(Config{}, nil).List(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestChecksum_IndependentOfOrder(t *testing.T) {
	a := []Entry{{Path: "a", Size: 1, SHA256: "x"}, {Path: "b", Size: 2, SHA256: "y"}}
	b := []Entry{a[1], a[0]}
	assert.Equal(t, Checksum(a), Checksum(b))
	assert.NotEqual(t, Checksum(a), Checksum(a[:1]))
}

func TestParseGCSURI(t *testing.T) {
	tests := []struct {
		uri, bucket, prefix string
		wantErr             bool
	}{
		{uri: "gs://backups", bucket: "backups"},
		{uri: "gs://backups/team/repos/", bucket: "backups", prefix: "team/repos"},
		{uri: "s3://backups", wantErr: true},
		{uri: "gs:///prefix", wantErr: true},
	}
	for _, tt := range tests {
		bucket, prefix, err := ParseGCSURI(tt.uri)
		if tt.wantErr {
			assert.Error(t, err, tt.uri)
			continue
		}
		require.NoError(t, err, tt.uri)
		assert.Equal(t, tt.bucket, bucket)
		assert.Equal(t, tt.prefix, prefix)
	}
}
