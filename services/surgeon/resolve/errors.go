// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
)

// CodeResolutionFailed is the stable error code of ResolutionError.
const CodeResolutionFailed = "RESOLUTION_FAILED"

// ResolutionError is returned when a request cannot be turned into a plan:
// an invalid pattern, size, date or commit, an unknown branch, or
// contradictory targets. No partial plan accompanies it.
type ResolutionError struct {
	Reason    string
	Input     string
	Conflicts []plan.Conflict
	Err       error
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	b.WriteString("resolution failed: ")
	b.WriteString(e.Reason)
	if e.Input != "" {
		fmt.Fprintf(&b, " %q", e.Input)
	}
	for i, c := range e.Conflicts {
		if i == 0 {
			b.WriteString(":")
		}
		fmt.Fprintf(&b, " %s wants %s and %s;", c.Key, c.First, c.Other)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return strings.TrimSuffix(b.String(), ";")
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Code returns CodeResolutionFailed.
func (e *ResolutionError) Code() string { return CodeResolutionFailed }
