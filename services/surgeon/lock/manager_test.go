// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Dir: filepath.Join(t.TempDir(), "locks"),
		Now: func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) },
	}, nil)
	require.NoError(t, err)
	return m
}

func TestAcquire_ExclusivePerRepository(t *testing.T) {
	m := newTestManager(t)
	repo := t.TempDir()
	ctx := context.Background()

	l, err := m.Acquire(ctx, repo, "run-1")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), l.Holder().PID)
	assert.Equal(t, "run-1", l.Holder().RunID)

	_, err = m.Acquire(ctx, repo, "run-2")
	require.ErrorIs(t, err, ErrOperationInProgress)
	var inProgress *InProgressError
	require.True(t, errors.As(err, &inProgress))
	require.NotNil(t, inProgress.Holder)
	assert.Equal(t, "run-1", inProgress.Holder.RunID)
	assert.Contains(t, err.Error(), "run-1")

	other, err := m.Acquire(ctx, t.TempDir(), "run-3")
	require.NoError(t, err, "other repositories are independent")
	require.NoError(t, other.Release())

	require.NoError(t, l.Release())
	require.NoError(t, l.Release(), "release is idempotent")

	again, err := m.Acquire(ctx, repo, "run-4")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquire_LockFileOutsideRepository(t *testing.T) {
	m := newTestManager(t)
	repo := t.TempDir()

	l, err := m.Acquire(context.Background(), repo, "run-1")
	require.NoError(t, err)
	defer l.Release()

	assert.Equal(t, m.dir, filepath.Dir(l.Path()))
	entries, err := os.ReadDir(repo)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAcquire_ConcurrentCallersOneWins(t *testing.T) {
	m := newTestManager(t)
	repo := t.TempDir()

	const callers = 16
	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	locks := make(chan *Lock, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			l, err := m.Acquire(context.Background(), repo, "racer")
			if err != nil {
				assert.ErrorIs(t, err, ErrOperationInProgress)
				losses.Add(1)
				return
			}
			wins.Add(1)
			locks <- l
		}()
	}
	close(start)
	wg.Wait()
	close(locks)

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(callers-1), losses.Load())
	for l := range locks {
		require.NoError(t, l.Release())
	}
}

func TestAcquire_CancelledContext(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Acquire(ctx, t.TempDir(), "run")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInspect(t *testing.T) {
	m := newTestManager(t)
	repo := t.TempDir()

	holder, _, err := m.Inspect(repo)
	require.NoError(t, err)
	assert.Nil(t, holder)

	l, err := m.Acquire(context.Background(), repo, "run-1")
	require.NoError(t, err)
	holder, stale, err := m.Inspect(repo)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "run-1", holder.RunID)
	assert.False(t, stale)

	require.NoError(t, l.Release())
	holder, _, err = m.Inspect(repo)
	require.NoError(t, err)
	assert.Nil(t, holder, "released lock file is empty")
}

func TestInspect_StaleRecord(t *testing.T) {
	m := newTestManager(t)
	repo := t.TempDir()
	key, err := canonical(repo)
	require.NoError(t, err)

	f, err := os.Create(m.lockPath(key))
	require.NoError(t, err)
	require.NoError(t, writeHolder(f, Holder{Repo: key, PID: 1 << 30, RunID: "ghost"}))
	require.NoError(t, f.Close())

	holder, stale, err := m.Inspect(repo)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "ghost", holder.RunID)
	assert.True(t, stale)

	l, err := m.Acquire(context.Background(), repo, "run-2")
	require.NoError(t, err, "an unlocked file with a dead holder is free")
	require.NoError(t, l.Release())
}

func TestInspect_ForeignHostIsNeverStale(t *testing.T) {
	m := newTestManager(t)
	repo := t.TempDir()
	key, err := canonical(repo)
	require.NoError(t, err)

	f, err := os.Create(m.lockPath(key))
	require.NoError(t, err)
	require.NoError(t, writeHolder(f, Holder{Repo: key, PID: 1 << 30, RunID: "remote", Hostname: "elsewhere.invalid"}))
	require.NoError(t, f.Close())

	holder, stale, err := m.Inspect(repo)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "remote", holder.RunID)
	assert.False(t, stale)
}

func TestIsProcessAlive(t *testing.T) {
	assert.False(t, IsProcessAlive(0))
	assert.False(t, IsProcessAlive(-1))
}
