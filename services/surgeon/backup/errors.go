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
	"fmt"
	"strings"
)

// ErrorKind classifies a BackupError.
type ErrorKind string

const (
	// KindCreate covers every failure while writing a new backup.
	KindCreate ErrorKind = "create"

	// KindVerification means a backup's content does not match its manifest.
	KindVerification ErrorKind = "verification"

	// KindRestore covers failures while restoring a backup.
	KindRestore ErrorKind = "restore"
)

// Stable error codes.
const (
	CodeBackupFailed       = "BACKUP_FAILED"
	CodeVerificationFailed = "BACKUP_VERIFICATION_FAILED"
)

// BackupError is returned by Manager operations.
type BackupError struct {
	Kind ErrorKind
	Path string
	Op   string

	// Mismatches lists files that failed verification.
	Mismatches []string
	Err        error
}

func (e *BackupError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "backup %s failed", e.Kind)
	if e.Op != "" {
		fmt.Fprintf(&b, " (%s)", e.Op)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " for %s", e.Path)
	}
	if len(e.Mismatches) > 0 {
		shown := e.Mismatches
		if len(shown) > 5 {
			shown = shown[:5]
		}
		fmt.Fprintf(&b, ": %d mismatch(es): %s", len(e.Mismatches), strings.Join(shown, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *BackupError) Unwrap() error { return e.Err }

// Code returns the stable error code for the kind.
func (e *BackupError) Code() string {
	if e.Kind == KindVerification {
		return CodeVerificationFailed
	}
	return CodeBackupFailed
}
