// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/pipeline"
)

// ExitError carries the process exit code of a failed command.
//
// # Description
//
// Commands return an ExitError when the outcome code is already decided,
// for example after a pipeline run whose result has been rendered.
// Reported is set when the failure was already shown to the user so main
// does not print it twice.
type ExitError struct {
	Code     int
	Err      error
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// usageError marks err as a command-line usage failure.
func usageError(err error) error {
	return &ExitError{Code: pipeline.ExitUsage, Err: err}
}

// usagef formats a usage failure.
func usagef(format string, args ...any) error {
	return usageError(fmt.Errorf(format, args...))
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return pipeline.ExitSucceeded
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return pipeline.ExitCodeOf(err)
}

// reported reports whether err has already been shown to the user.
func reported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Reported
}
