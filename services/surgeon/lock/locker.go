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
	"errors"
	"os"
)

// errFileLocked is returned by a FileLocker when another holder has the
// lock.
var errFileLocked = errors.New("file is locked")

// FileLocker abstracts platform-specific advisory file locking.
//
// # Description
//
// Unix uses flock(2); Windows uses LockFileEx. Both are non-blocking and
// released by the kernel when the holding process exits, so a crashed run
// never leaves a lock behind.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
type FileLocker interface {
	// Lock acquires an exclusive lock without blocking. Returns
	// errFileLocked if it is held elsewhere.
	Lock(f *os.File) error

	// Unlock releases the lock. Safe to call when not locked.
	Unlock(f *os.File) error
}

// IsProcessAlive reports whether a process with the given PID exists.
// Used to flag stale holder records.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return isProcessAlive(pid)
}
