// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
)

var base = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func openMemory(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func run(id, repo string, offset time.Duration) RunRecord {
	return RunRecord{
		ID:         id,
		Repo:       repo,
		Kind:       operation.KindRemove,
		Status:     "succeeded",
		FinalState: "Succeeded",
		StartedAt:  base.Add(offset),
		FinishedAt: base.Add(offset + time.Second),
	}
}

func TestJournal_RunsNewestFirst(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()

	require.NoError(t, j.RecordRun(ctx, run("a", "/r1", 0)))
	require.NoError(t, j.RecordRun(ctx, run("b", "/r2", time.Minute)))
	require.NoError(t, j.RecordRun(ctx, run("c", "/r1", 2*time.Minute)))

	all, err := j.Runs(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, time.Second, all[0].Duration())

	r1, err := j.Runs(ctx, Filter{Repo: "/r1"})
	require.NoError(t, err)
	require.Len(t, r1, 2)
	assert.Equal(t, "c", r1[0].ID)
	assert.Equal(t, "a", r1[1].ID)

	limited, err := j.Runs(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ID)
}

func TestJournal_RunByID(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()

	rec := run("abc", "/repo", 0)
	rec.Trail = []string{"Idle", "Validating", "DryRun", "Succeeded"}
	require.NoError(t, j.RecordRun(ctx, rec))

	got, err := j.Run(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, rec.Trail, got.Trail)
	assert.True(t, rec.StartedAt.Equal(got.StartedAt))

	_, err = j.Run(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJournal_RecordRunReplacesSameID(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()

	first := run("x", "/repo", 0)
	first.Status = "running"
	require.NoError(t, j.RecordRun(ctx, first))

	final := run("x", "/repo", time.Minute)
	final.Status = "rolled_back"
	require.NoError(t, j.RecordRun(ctx, final))

	runs, err := j.Runs(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "rolled_back", runs[0].Status)

	got, err := j.Run(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "rolled_back", got.Status)
}

func TestJournal_Backups(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()

	require.NoError(t, j.RecordBackup(ctx, BackupRecord{Name: "old", Repo: "/repo", CreatedAt: base}))
	require.NoError(t, j.RecordBackup(ctx, BackupRecord{Name: "new", Repo: "/repo", CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, j.RecordBackup(ctx, BackupRecord{Name: "other", Repo: "/else", CreatedAt: base.Add(2 * time.Hour)}))

	got, err := j.Backups(ctx, Filter{Repo: "/repo"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].Name)
	assert.Equal(t, "old", got[1].Name)

	assert.Error(t, j.RecordBackup(ctx, BackupRecord{}))
}

func TestJournal_SkipsCorruptedEntries(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()

	require.NoError(t, j.RecordRun(ctx, run("good", "/repo", 0)))
	require.NoError(t, j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runPrefix+"99999999999999999999:bad"), []byte("\x00\x00\x00\x00{}"))
	}))

	runs, err := j.Runs(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "good", runs[0].ID)
}

func TestJournal_Closed(t *testing.T) {
	j, err := Open(InMemoryConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.RecordRun(context.Background(), run("a", "/r", 0)), ErrClosed)
	_, err = j.Runs(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestJournal_CancelledContext(t *testing.T) {
	j := openMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, j.RecordRun(ctx, run("a", "/r", 0)), context.Canceled)
}

func TestJournal_PersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j, err := Open(DefaultConfig(dir), nil)
	require.NoError(t, err)
	require.NoError(t, j.RecordRun(ctx, run("kept", "/repo", 0)))
	require.NoError(t, j.Close())

	j, err = Open(DefaultConfig(dir), nil)
	require.NoError(t, err)
	defer j.Close()
	got, err := j.Run(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, "/repo", got.Repo)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{}, nil)
	assert.Error(t, err)
}
