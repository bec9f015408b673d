// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// boxWidth is the width of boxed sections at LevelFull.
const boxWidth = 72

// Printer writes styled text to one writer.
//
// # Description
//
// Write errors are sticky: the first one is kept, later writes are skipped
// and Err returns it.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Printer struct {
	w     io.Writer
	level Level
	s     styles
	err   error
}

// NewPrinter creates a Printer for w at level.
func NewPrinter(w io.Writer, level Level) *Printer {
	return &Printer{
		w:     w,
		level: level,
		s:     newStyles(lipgloss.NewRenderer(w)),
	}
}

// Level returns the printer's output level.
func (p *Printer) Level() Level { return p.level }

// Err returns the first write error.
func (p *Printer) Err() error { return p.err }

func (p *Printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *Printer) machine() bool { return p.level == LevelMachine }

// Title prints a section title. Machine output has no titles.
func (p *Printer) Title(text string) {
	if p.machine() {
		return
	}
	p.printf("%s\n", p.s.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	switch p.level {
	case LevelMachine:
		p.printf("OK: %s\n", text)
	case LevelMinimal:
		p.printf("%s %s\n", IconSuccess.render(p.s), text)
	default:
		p.printf("%s %s\n", IconSuccess.render(p.s), p.s.Success.Render(text))
	}
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	switch p.level {
	case LevelMachine:
		p.printf("WARN: %s\n", text)
	case LevelMinimal:
		p.printf("%s %s\n", IconWarning.render(p.s), text)
	default:
		p.printf("%s %s\n", IconWarning.render(p.s), p.s.Warning.Render(text))
	}
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	switch p.level {
	case LevelMachine:
		p.printf("ERROR: %s\n", text)
	case LevelMinimal:
		p.printf("%s %s\n", IconError.render(p.s), text)
	default:
		p.printf("%s %s\n", IconError.render(p.s), p.s.Error.Render(text))
	}
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if p.machine() {
		p.printf("%s\n", text)
		return
	}
	p.printf("%s %s\n", p.s.Muted.Render("│"), text)
}

// Box prints content in a rounded box under a title.
func (p *Printer) Box(title, content string) {
	p.box(p.s.Box, p.s.Title, title, content)
}

// WarningBox prints content in a warning-colored box.
func (p *Printer) WarningBox(title, content string) {
	p.box(p.s.WarningBox, p.s.Warning.Bold(true), title, content)
}

// ErrorBox prints content in an error-colored box.
func (p *Printer) ErrorBox(title, content string) {
	p.box(p.s.ErrorBox, p.s.Error.Bold(true), title, content)
}

func (p *Printer) box(frame, heading lipgloss.Style, title, content string) {
	if p.machine() {
		p.printf("%s: %s\n", title, strings.ReplaceAll(content, "\n", "; "))
		return
	}
	if p.level == LevelMinimal {
		p.printf("%s\n%s\n", title, content)
		return
	}
	p.printf("%s\n", frame.Width(boxWidth).Render(heading.Render(title)+"\n"+content))
}

// field renders one key/value line for a non-machine block.
func (p *Printer) field(label string, value any) string {
	if p.level == LevelMinimal {
		return fmt.Sprintf("%-14s%v", label, value)
	}
	return p.s.Label.Render(label) + fmt.Sprint(value)
}

// record prints one machine-output record: a tag followed by key=value
// pairs. Values containing spaces are quoted.
func (p *Printer) record(tag string, kv ...any) {
	var b strings.Builder
	b.WriteString(tag)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%s", kv[i], quote(fmt.Sprint(kv[i+1])))
	}
	p.printf("%s\n", b.String())
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
