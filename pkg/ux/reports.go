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
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/backup"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/dryrun"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/git"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/pipeline"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/validate"
)

// Validation renders a validation report. A nil report prints nothing.
func (p *Printer) Validation(r *validate.Report) {
	if r == nil {
		return
	}
	if p.machine() {
		p.record("validation",
			"passed", r.Passed(),
			"blocking", len(r.Blocking()),
			"warnings", len(r.Warnings()),
			"suppressed", r.Suppressed)
		for _, f := range r.Findings {
			p.record("finding", "severity", f.Severity, "code", f.Code, "message", f.Message)
			for _, d := range f.Details {
				p.record("detail", "code", f.Code, "value", d)
			}
		}
		return
	}

	p.Title("Repository validation")
	for _, f := range r.Findings {
		icon := IconWarning
		if f.Severity == validate.Blocking {
			icon = IconError
		}
		p.printf("%s %s %s\n", icon.render(p.s), p.s.Bold.Render(f.Code), f.Message)
		for _, d := range f.Details {
			p.printf("    %s %s\n", p.s.Muted.Render(string(IconBullet)), d)
		}
	}
	if r.Suppressed > 0 {
		p.Info(fmt.Sprintf("%d warning(s) suppressed by --force", r.Suppressed))
	}
	if r.Passed() {
		p.Success("validation passed")
	} else {
		p.Error(fmt.Sprintf("%d blocking finding(s)", len(r.Blocking())))
	}
}

// Plan renders a resolved plan, as shown before confirmation.
func (p *Printer) Plan(op *plan.OperationPlan) {
	if op == nil {
		return
	}
	if p.machine() {
		p.record("plan",
			"id", op.ID,
			"kind", op.Request.Kind,
			"repo", op.RepoPath,
			"scope", strings.Join(op.Scope, ","),
			"targets", len(op.Targets))
		for _, t := range op.Targets {
			p.record("target", "kind", t.Kind, "action", t.Action, "label", t.Label())
		}
		p.exemptions(op.Exempted)
		p.notes(op.Notes)
		return
	}

	lines := []string{
		p.field("kind", op.Request.Kind),
		p.field("repository", op.RepoPath),
		p.field("branches", strings.Join(op.Scope, ", ")),
		p.field("targets", len(op.Targets)),
	}
	p.Box("Operation plan", strings.Join(lines, "\n"))
	for _, t := range op.Targets {
		p.printf("  %s %s %s\n",
			p.s.Muted.Render(string(IconArrow)),
			p.s.Highlight.Render(string(t.Action)),
			t.Label())
	}
	p.exemptions(op.Exempted)
	p.notes(op.Notes)
}

// DryRun renders a simulation report.
func (p *Printer) DryRun(r *dryrun.Report) {
	if r == nil {
		return
	}
	if p.machine() {
		p.record("dryrun",
			"plan", r.PlanID,
			"kind", r.Kind,
			"scope", strings.Join(r.Scope, ","),
			"branches", strings.Join(r.BranchesTouched, ","),
			"commits_affected", r.CommitsAffected,
			"commits_dropped", r.CommitsDropped,
			"object_delta", r.ObjectDelta,
			"byte_delta", r.ByteDelta,
			"approximate", r.Approximate)
		for _, e := range r.Effects {
			p.record("effect",
				"target", e.Target,
				"kind", e.Kind,
				"action", e.Action,
				"commits", len(e.Commits),
				"object_delta", e.ObjectDelta,
				"byte_delta", e.ByteDelta)
		}
		for _, c := range r.Collateral {
			p.record("collateral", "ref", c.Ref, "objects", c.Objects, "targets", strings.Join(c.Targets, ","))
		}
		p.exemptions(r.Exempted)
		p.notes(r.Notes)
		return
	}

	p.Title(fmt.Sprintf("Dry run: %s", r.Kind))
	lines := []string{
		p.field("branches", strings.Join(r.BranchesTouched, ", ")),
		p.field("commits", fmt.Sprintf("%d affected, %d dropped", r.CommitsAffected, r.CommitsDropped)),
		p.field("objects", signed(int64(r.ObjectDelta))),
		p.field("size", sizeDelta(r.ByteDelta, r.Approximate)),
	}
	p.Box("Projected changes", strings.Join(lines, "\n"))

	if len(r.Effects) > 0 {
		rows := make([][]string, 0, len(r.Effects))
		for _, e := range r.Effects {
			rows = append(rows, []string{
				e.Target,
				string(e.Action),
				strconv.Itoa(len(e.Commits)),
				signed(int64(e.ObjectDelta)),
				sizeDelta(e.ByteDelta, e.Approximate),
			})
		}
		p.table([]string{"TARGET", "ACTION", "COMMITS", "OBJECTS", "SIZE"}, rows)
	}
	for _, c := range r.Collateral {
		p.Warning(fmt.Sprintf("%s still references %d affected object(s)", c.Ref, c.Objects))
	}
	p.exemptions(r.Exempted)
	p.notes(r.Notes)
	if r.IsNoop() {
		p.Info("nothing to rewrite")
	}
}

// Result renders the outcome of a pipeline run.
func (p *Printer) Result(r *pipeline.ExecutionResult) {
	if r == nil {
		return
	}
	rewritten, dropped := countRewrites(r.CommitMap)

	if p.machine() {
		p.record("result",
			"run", r.RunID,
			"status", r.Status,
			"state", r.FinalState,
			"exit", r.ExitCode,
			"dry_run", r.DryRun,
			"duration", r.Duration().Round(time.Millisecond))
		p.record("trail", "states", strings.Join(r.TrailStrings(), ">"))
		p.Validation(r.Validation)
		p.DryRun(r.Simulation)
		if r.Backup != nil {
			p.record("backup",
				"status", r.BackupStatus,
				"path", r.Backup.Path,
				"checksum", r.Backup.Checksum,
				"size", r.Backup.Size)
		}
		if r.CommitMap != nil {
			p.record("rewrite", "commits", len(r.CommitMap), "rewritten", rewritten, "dropped", dropped)
		}
		p.restoreSteps(r.Rollback)
		p.notes(r.Notes)
		if r.Error != "" {
			p.record("error", "code", r.Code, "message", r.Error)
		}
		return
	}

	if r.Validation != nil && len(r.Validation.Findings) > 0 {
		p.Validation(r.Validation)
	}
	if r.Simulation != nil {
		p.DryRun(r.Simulation)
	}

	lines := []string{
		p.field("run", r.RunID),
		p.field("states", strings.Join(r.TrailStrings(), " → ")),
		p.field("duration", r.Duration().Round(time.Millisecond)),
	}
	if r.Backup != nil {
		lines = append(lines, p.field("backup", fmt.Sprintf("%s (%s)", r.Backup.Path, r.BackupStatus)))
	}
	if r.CommitMap != nil {
		lines = append(lines, p.field("commits", fmt.Sprintf("%d rewritten, %d dropped", rewritten, dropped)))
	}

	switch r.Status {
	case pipeline.StatusSucceeded:
		p.Box("Run succeeded", strings.Join(lines, "\n"))
	case pipeline.StatusRolledBack:
		p.WarningBox("Run rolled back", strings.Join(lines, "\n"))
	default:
		p.ErrorBox("Run failed", strings.Join(lines, "\n"))
	}
	if len(r.Rollback) > 0 {
		p.Title("Rollback")
		p.restoreSteps(r.Rollback)
	}
	p.notes(r.Notes)
	if r.Error != "" {
		p.Error(fmt.Sprintf("[%s] %s", r.Code, r.Error))
	}
}

// Restore renders the result of an explicit backup restore. err is the
// restore failure, if any.
func (p *Printer) Restore(res *backup.RestoreResult, err error) {
	if res == nil {
		return
	}
	path := ""
	if res.Backup != nil {
		path = res.Backup.Path
	}
	if p.machine() {
		p.record("restore", "backup", path, "git_dir", res.GitDir, "checksum", res.Checksum)
		p.restoreSteps(res.Steps)
		if err != nil {
			p.record("error", "message", err.Error())
		}
		return
	}
	p.Title("Restore")
	p.restoreSteps(res.Steps)
	if err != nil {
		p.Error(fmt.Sprintf("restore of %s failed: %v", res.GitDir, err))
		return
	}
	p.Success(fmt.Sprintf("restored %s from %s", res.GitDir, path))
}

func (p *Printer) restoreSteps(steps []backup.RestoreStep) {
	for _, s := range steps {
		if p.machine() {
			if s.Error != "" {
				p.record("step", "name", s.Name, "ok", s.OK, "error", s.Error)
			} else {
				p.record("step", "name", s.Name, "ok", s.OK)
			}
			continue
		}
		switch {
		case s.OK:
			p.Success(s.Name)
		case s.Error != "":
			p.Error(fmt.Sprintf("%s: %s", s.Name, s.Error))
		default:
			p.printf("%s %s\n", IconPending.render(p.s), s.Name)
		}
	}
}

func (p *Printer) exemptions(ex []plan.Exemption) {
	for _, e := range ex {
		if p.machine() {
			p.record("exempted", "path", e.Path, "branches", strings.Join(e.Branches, ","), "reason", e.Reason)
			continue
		}
		p.Info(fmt.Sprintf("kept %s on %s: %s", e.Path, strings.Join(e.Branches, ", "), e.Reason))
	}
}

func (p *Printer) notes(notes []string) {
	for _, n := range notes {
		if p.machine() {
			p.record("note", "text", n)
			continue
		}
		p.Info(n)
	}
}

func (p *Printer) table(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.s.Muted).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.s.Bold.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...)
	p.printf("%s\n", t.Render())
}

func countRewrites(m map[string]string) (rewritten, dropped int) {
	for old, nw := range m {
		switch {
		case nw == git.ZeroID:
			dropped++
		case nw != old:
			rewritten++
		}
	}
	return rewritten, dropped
}

func signed(n int64) string {
	if n > 0 {
		return "+" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}

func sizeDelta(n int64, approximate bool) string {
	s := operation.FormatSize(n)
	if n > 0 {
		s = "+" + s
	}
	if approximate {
		s = "~" + s
	}
	return s
}
