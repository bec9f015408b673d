// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validate

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Severity is how a finding affects the pipeline.
type Severity string

const (
	// Blocking findings stop the pipeline before anything is mutated.
	Blocking Severity = "blocking"

	// Warning findings are reported and may be suppressed with force.
	Warning Severity = "warning"
)

// Finding codes.
const (
	CodeDirtyWorkingTree    = "DIRTY_WORKING_TREE"
	CodeOperationInProgress = "OPERATION_IN_PROGRESS"
	CodeDetachedHead        = "DETACHED_HEAD"
	CodeUntrackedFiles      = "UNTRACKED_FILES"
	CodeMissingBranch       = "MISSING_BRANCH"
	CodeCorruptRefs         = "CORRUPT_REFS"
	CodeInsufficientDisk    = "INSUFFICIENT_DISK"
	CodeRemoteDiverged      = "REMOTE_DIVERGED"
	CodeRepositoryLocked    = "REPOSITORY_LOCKED"
	CodeStaleLock           = "STALE_LOCK"
	CodeCheckFailed         = "CHECK_FAILED"
)

// Finding is one validation result.
type Finding struct {
	Code     string   `json:"code" yaml:"code"`
	Severity Severity `json:"severity" yaml:"severity"`
	Message  string   `json:"message" yaml:"message"`

	// Details are affected files, branches or remediation hints.
	Details []string `json:"details,omitempty" yaml:"details,omitempty"`
}

// Report is the exhaustive result of a validation pass.
type Report struct {
	Findings []Finding `json:"findings" yaml:"findings"`

	// Suppressed counts warnings removed by Suppress.
	Suppressed int       `json:"suppressed,omitempty" yaml:"suppressed,omitempty"`
	CheckedAt  time.Time `json:"checked_at" yaml:"checked_at"`
}

// Passed reports whether no finding is blocking.
func (r *Report) Passed() bool {
	return len(r.Blocking()) == 0
}

// Blocking returns the blocking findings.
func (r *Report) Blocking() []Finding {
	return r.filter(Blocking)
}

// Warnings returns the warning findings.
func (r *Report) Warnings() []Finding {
	return r.filter(Warning)
}

// Has reports whether a finding with code is present.
func (r *Report) Has(code string) bool {
	for _, f := range r.Findings {
		if f.Code == code {
			return true
		}
	}
	return false
}

// Suppress returns a copy of the report without warnings.
func (r *Report) Suppress() *Report {
	out := &Report{CheckedAt: r.CheckedAt, Suppressed: r.Suppressed}
	for _, f := range r.Findings {
		if f.Severity == Warning {
			out.Suppressed++
			continue
		}
		out.Findings = append(out.Findings, f)
	}
	return out
}

func (r *Report) filter(s Severity) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}

// sortFindings orders blocking before warning, then by code and message.
func sortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity != b.Severity {
			return a.Severity == Blocking
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Message < b.Message
	})
}

// CodeValidationFailed is the stable error code of ValidationError.
const CodeValidationFailed = "VALIDATION_FAILED"

// ValidationError carries a report with at least one blocking finding.
type ValidationError struct {
	Report *Report
}

func (e *ValidationError) Error() string {
	blocking := e.Report.Blocking()
	codes := make([]string, 0, len(blocking))
	for _, f := range blocking {
		codes = append(codes, f.Code)
	}
	return fmt.Sprintf("repository validation failed: %s", strings.Join(codes, ", "))
}

// Code returns CodeValidationFailed.
func (e *ValidationError) Code() string { return CodeValidationFailed }
