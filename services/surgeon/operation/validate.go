// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package operation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidRequest is wrapped by every request validation failure.
var ErrInvalidRequest = errors.New("invalid operation request")

// requestValidate is the validator instance for requests.
// Initialized in init() with the custom tags used by the struct definitions.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New(validator.WithRequiredStructEnabled())

	_ = requestValidate.RegisterValidation("sizespec", validateSizeSpec)
	_ = requestValidate.RegisterValidation("identity", validateIdentity)
	_ = requestValidate.RegisterValidation("globpattern", validateGlobPattern)
	_ = requestValidate.RegisterValidation("regexp", validateRegexp)
	_ = requestValidate.RegisterValidation("branchname", validateBranchName)

	requestValidate.RegisterStructValidation(validateRequestRules, Request{})
}

func validateSizeSpec(fl validator.FieldLevel) bool {
	_, err := ParseSize(fl.Field().String())
	return err == nil
}

func validateIdentity(fl validator.FieldLevel) bool {
	_, err := ParseIdentity(fl.Field().String())
	return err == nil
}

// validateGlobPattern accepts doublestar syntax with an optional leading "!".
func validateGlobPattern(fl validator.FieldLevel) bool {
	p := strings.TrimPrefix(fl.Field().String(), "!")
	return p != "" && doublestar.ValidatePattern(p)
}

func validateRegexp(fl validator.FieldLevel) bool {
	_, err := regexp.Compile(fl.Field().String())
	return err == nil
}

// validateBranchName rejects the characters git forbids in ref names and the
// forms that cannot name a local branch.
func validateBranchName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "" || name == "@" || strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") ||
		strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, ".") {
		return false
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") || strings.Contains(name, "//") {
		return false
	}
	return !strings.ContainsAny(name, " ~^:?*[\\\t\n")
}

// validateRequestRules enforces the per-kind requirements that tags cannot
// express.
func validateRequestRules(sl validator.StructLevel) {
	req := sl.Current().Interface().(Request)
	t := req.Targets

	if req.Scope.All && len(req.Scope.Branches) > 0 {
		sl.ReportError(req.Scope.Branches, "Scope.Branches", "Branches", "scope_exclusive", "")
	}
	if !req.Scope.All && len(req.Scope.Branches) == 0 {
		sl.ReportError(req.Scope.Branches, "Scope.Branches", "Branches", "scope_required", "")
	}
	if req.Mutating() && !req.Flags.Backup {
		sl.ReportError(req.Flags.Backup, "Flags.Backup", "Backup", "backup_required", "")
	}

	switch req.Kind {
	case KindRemove:
		positive := 0
		for _, p := range t.Patterns {
			if !strings.HasPrefix(p, "!") {
				positive++
			}
		}
		if positive == 0 {
			sl.ReportError(t.Patterns, "Targets.Patterns", "Patterns", "remove_pattern", "")
		}
	case KindTruncate:
		switch t.TruncateMode {
		case TruncateBefore, TruncateAfter:
			if strings.TrimSpace(t.Cutoff) == "" {
				sl.ReportError(t.Cutoff, "Targets.Cutoff", "Cutoff", "cutoff_required", string(t.TruncateMode))
			}
		case TruncateKeepRecent:
			if t.KeepRecent < 1 {
				sl.ReportError(t.KeepRecent, "Targets.KeepRecent", "KeepRecent", "keep_recent", "")
			}
		default:
			sl.ReportError(t.TruncateMode, "Targets.TruncateMode", "TruncateMode", "truncate_mode", "")
		}
	case KindClean:
		if t.SizeThreshold == "" && !t.ScanSensitive {
			sl.ReportError(t.SizeThreshold, "Targets.SizeThreshold", "SizeThreshold", "clean_target", "")
		}
	case KindRewriteAuthors:
		if len(t.Authors) == 0 {
			sl.ReportError(t.Authors, "Targets.Authors", "Authors", "authors_required", "")
		}
	}
}

// Validate checks req and returns every violation at once.
func Validate(req Request) error {
	err := requestValidate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Request.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "sizespec":
		return fmt.Sprintf("%s %q is not a size such as 50MB", field, fe.Value())
	case "identity":
		return fmt.Sprintf("%s %q is not in 'Name <email>' form", field, fe.Value())
	case "globpattern":
		return fmt.Sprintf("%s %q is not a valid glob pattern", field, fe.Value())
	case "regexp":
		return fmt.Sprintf("%s %q is not a valid regular expression", field, fe.Value())
	case "branchname":
		return fmt.Sprintf("%s %q is not a valid branch name", field, fe.Value())
	case "scope_exclusive":
		return "scope cannot name branches and select all branches"
	case "scope_required":
		return "scope requires at least one branch or all"
	case "backup_required":
		return "mutating runs require a backup"
	case "remove_pattern":
		return "remove requires at least one non-negated pattern"
	case "cutoff_required":
		return fmt.Sprintf("truncate %s requires a cutoff", fe.Param())
	case "keep_recent":
		return "truncate keep-recent requires a count of at least 1"
	case "truncate_mode":
		return "truncate requires a mode: before, after or keep-recent"
	case "clean_target":
		return "clean requires a size threshold or sensitive scanning"
	case "authors_required":
		return "rewrite-authors requires at least one mapping"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
