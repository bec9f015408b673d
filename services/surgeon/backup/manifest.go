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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	manifestName    = "manifest.json"
	manifestVersion = 1

	// payloadDir is the copy of the git directory inside a backup.
	payloadDir = "git"
)

// Entry is one file of a backup.
type Entry struct {
	Path   string      `json:"path"`
	Size   int64       `json:"size"`
	SHA256 string      `json:"sha256"`
	Mode   os.FileMode `json:"mode"`
}

// Manifest describes a backup's content.
type Manifest struct {
	Version      int               `json:"version"`
	Repo         string            `json:"repo"`
	SourceGitDir string            `json:"source_git_dir"`
	CreatedAt    time.Time         `json:"created_at"`
	Head         string            `json:"head,omitempty"`
	Branches     map[string]string `json:"branches"`
	Entries      []Entry           `json:"entries"`

	// Checksum covers every entry; see Checksum.
	Checksum string `json:"checksum"`
}

// Checksum is the SHA-256 over the entries sorted by path, one
// "path NUL size NUL sha256 LF" line each.
func Checksum(entries []Entry) string {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	h := sha256.New()
	for _, e := range sorted {
		fmt.Fprintf(h, "%s\x00%d\x00%s\n", e.Path, e.Size, e.SHA256)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TotalSize sums the entry sizes.
func (m *Manifest) TotalSize() int64 {
	var n int64
	for _, e := range m.Entries {
		n += e.Size
	}
	return n
}

func writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, manifestName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return &m, nil
}

// diffEntries lists paths whose presence, size or digest differ.
func diffEntries(want, got []Entry) []string {
	index := make(map[string]Entry, len(got))
	for _, e := range got {
		index[e.Path] = e
	}
	var out []string
	for _, w := range want {
		g, ok := index[w.Path]
		switch {
		case !ok:
			out = append(out, w.Path+" (missing)")
		case g.Size != w.Size || g.SHA256 != w.SHA256:
			out = append(out, w.Path+" (changed)")
		}
		delete(index, w.Path)
	}
	extra := make([]string, 0, len(index))
	for p := range index {
		extra = append(extra, p+" (unexpected)")
	}
	sort.Strings(extra)
	return append(out, extra...)
}
