// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"strconv"
	"time"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/backup"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/journal"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
)

// timeLayout is used for every timestamp the renderers print.
const timeLayout = time.RFC3339

// Backups renders a backup listing, newest first as given.
func (p *Printer) Backups(list []*backup.Backup) {
	if p.machine() {
		for _, b := range list {
			kv := []any{
				"name", b.Name,
				"path", b.Path,
				"created", b.CreatedAt.UTC().Format(timeLayout),
				"files", b.Files,
				"size", b.Size,
				"branches", len(b.Branches),
				"checksum", b.Checksum,
			}
			if b.Mirror != "" {
				kv = append(kv, "mirror", b.Mirror)
			}
			p.record("backup", kv...)
		}
		return
	}

	if len(list) == 0 {
		p.Info("no backups found")
		return
	}
	p.Title("Backups")
	rows := make([][]string, 0, len(list))
	for _, b := range list {
		rows = append(rows, []string{
			b.Name,
			b.CreatedAt.UTC().Format(timeLayout),
			operation.FormatSize(b.Size),
			strconv.Itoa(b.Files),
			strconv.Itoa(len(b.Branches)),
			b.Mirror,
		})
	}
	p.table([]string{"NAME", "CREATED", "SIZE", "FILES", "BRANCHES", "MIRROR"}, rows)
}

// Verified renders the outcome of verifying one backup.
func (p *Printer) Verified(b *backup.Backup, err error) {
	if p.machine() {
		if err != nil {
			p.record("verify", "path", b.Path, "ok", false, "error", err.Error())
			return
		}
		p.record("verify", "path", b.Path, "ok", true, "checksum", b.Checksum)
		return
	}
	if err != nil {
		p.Error(fmt.Sprintf("%s: %v", b.Path, err))
		return
	}
	p.Success(fmt.Sprintf("%s verified (%s)", b.Path, shortID(b.Checksum, 12)))
}

// History renders journal run records.
func (p *Printer) History(runs []journal.RunRecord) {
	if p.machine() {
		for _, r := range runs {
			kv := []any{
				"id", r.ID,
				"kind", r.Kind,
				"dry_run", r.DryRun,
				"status", r.Status,
				"exit", r.ExitCode,
				"started", r.StartedAt.UTC().Format(timeLayout),
				"duration", r.Duration().Round(time.Millisecond),
				"repo", r.Repo,
			}
			if r.ErrorCode != "" {
				kv = append(kv, "code", r.ErrorCode)
			}
			if r.Backup != "" {
				kv = append(kv, "backup", r.Backup)
			}
			p.record("run", kv...)
		}
		return
	}

	if len(runs) == 0 {
		p.Info("no runs recorded")
		return
	}
	p.Title("Run history")
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		kind := string(r.Kind)
		if r.DryRun {
			kind += " (dry run)"
		}
		rows = append(rows, []string{
			shortID(r.ID, 8),
			r.StartedAt.UTC().Format(timeLayout),
			kind,
			r.Status,
			strconv.Itoa(r.ExitCode),
			r.ErrorCode,
			r.Duration().Round(time.Millisecond).String(),
		})
	}
	p.table([]string{"RUN", "STARTED", "KIND", "STATUS", "EXIT", "CODE", "DURATION"}, rows)
}

func shortID(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n]
}
