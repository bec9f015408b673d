// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// commitMapFile is where filter-repo leaves the mapping of its last run,
// relative to the git dir.
const commitMapFile = "filter-repo/commit-map"

// ParseCommitMap reads a filter-repo commit-map: a header line
// "old new" followed by one "<old> <new>" pair per line. Pruned commits
// map to the zero ID.
func ParseCommitMap(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("commit-map line %d: expected 2 fields, got %d", lineNo, len(fields))
		}
		if fields[0] == "old" && fields[1] == "new" {
			continue
		}
		if !isObjectID(fields[0]) || !isObjectID(fields[1]) {
			return nil, fmt.Errorf("commit-map line %d: invalid object id", lineNo)
		}
		out[fields[0]] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read commit-map: %w", err)
	}
	return out, nil
}

func readCommitMap(gitDir string) (map[string]string, error) {
	f, err := os.Open(filepath.Join(gitDir, filepath.FromSlash(commitMapFile)))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseCommitMap(f)
}

func isObjectID(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
