// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package lock

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// An flock held through a separate open file stands in for another process.
func TestAcquire_ContendsWithForeignFlock(t *testing.T) {
	m := newTestManager(t)
	repo := t.TempDir()
	key, err := canonical(repo)
	require.NoError(t, err)

	f, err := os.OpenFile(m.lockPath(key), os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, flockLocker{}.Lock(f))
	require.NoError(t, writeHolder(f, Holder{Repo: key, PID: 4242, RunID: "elsewhere"}))

	_, err = m.Acquire(context.Background(), repo, "mine")
	require.ErrorIs(t, err, ErrOperationInProgress)
	assert.Contains(t, err.Error(), "pid 4242")

	require.NoError(t, flockLocker{}.Unlock(f))
	l, err := m.Acquire(context.Background(), repo, "mine")
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestIsProcessAlive_Self(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
}
