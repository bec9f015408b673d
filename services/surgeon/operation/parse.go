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
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var sizeSpecRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([KMGT]?B)$`)

var sizeUnits = map[string]int64{
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// ParseSize converts a size spec such as "50MB" or "1.5 GB" to bytes.
// Units are 1024-based and case-insensitive.
func ParseSize(spec string) (int64, error) {
	m := sizeSpecRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(spec)))
	if m == nil {
		return 0, fmt.Errorf("invalid size specification %q", spec)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size specification %q: %w", spec, err)
	}
	return int64(value * float64(sizeUnits[m[2]])), nil
}

// FormatSize renders bytes with the largest unit that keeps the value >= 1.
func FormatSize(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	value := float64(n)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	var s string
	if i == 0 {
		s = fmt.Sprintf("%d B", n)
	} else {
		s = fmt.Sprintf("%.1f %s", value, units[i])
	}
	if neg {
		return "-" + s
	}
	return s
}

// Identity is a git author or committer identity.
type Identity struct {
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email" yaml:"email"`
}

// String renders the identity in "Name <email>" form.
func (i Identity) String() string {
	return fmt.Sprintf("%s <%s>", i.Name, i.Email)
}

var identityRe = regexp.MustCompile(`^\s*([^<>]*?)\s*<([^<>\s]*)>\s*$`)

// ParseIdentity parses "Name <email>". The name may be empty, the angle
// brackets may not.
func ParseIdentity(s string) (Identity, error) {
	m := identityRe.FindStringSubmatch(s)
	if m == nil {
		return Identity{}, fmt.Errorf("invalid identity %q: expected 'Name <email>'", s)
	}
	return Identity{Name: m[1], Email: m[2]}, nil
}

// LoadAuthorMappings reads a JSON array of {"old": ..., "new": ...} objects.
func LoadAuthorMappings(r io.Reader) ([]AuthorMapping, error) {
	var mappings []AuthorMapping
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&mappings); err != nil {
		return nil, fmt.Errorf("%w: author mapping file: %v", ErrInvalidRequest, err)
	}
	for i, m := range mappings {
		if _, err := ParseIdentity(m.Old); err != nil {
			return nil, fmt.Errorf("%w: author mapping %d: %v", ErrInvalidRequest, i, err)
		}
		if _, err := ParseIdentity(m.New); err != nil {
			return nil, fmt.Errorf("%w: author mapping %d: %v", ErrInvalidRequest, i, err)
		}
	}
	return mappings, nil
}

// Cutoff is a parsed cutoff: either a point in time or a commit-ish.
type Cutoff struct {
	Date   time.Time
	Commit string
}

// IsDate reports whether the cutoff is a date.
func (c Cutoff) IsDate() bool { return !c.Date.IsZero() }

// IsZero reports whether no cutoff was given.
func (c Cutoff) IsZero() bool { return c.Date.IsZero() && c.Commit == "" }

var cutoffLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseCutoff interprets s as a date when it matches one of the supported
// layouts and as a commit-ish otherwise. Dates without a zone are UTC.
func ParseCutoff(s string) Cutoff {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cutoff{}
	}
	for _, layout := range cutoffLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Cutoff{Date: t}
		}
	}
	return Cutoff{Commit: s}
}
