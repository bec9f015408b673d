// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Level defines how rich text output is.
type Level string

const (
	// LevelFull enables colors, icons and boxes.
	LevelFull Level = "full"

	// LevelMinimal uses icons and basic formatting only.
	LevelMinimal Level = "minimal"

	// LevelMachine outputs plain, line-oriented text for scripts.
	LevelMachine Level = "machine"
)

// StyleEnv overrides the detected Level.
const StyleEnv = "GITSURGEON_STYLE"

// ParseLevel converts a string to a Level. Unknown values map to LevelFull.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return LevelMinimal
	case "machine", "plain", "quiet", "q":
		return LevelMachine
	default:
		return LevelFull
	}
}

// DetectLevel picks the Level for w.
//
// # Description
//
// $GITSURGEON_STYLE wins when set. Otherwise a terminal gets LevelFull and
// anything else (pipes, files, buffers) gets LevelMachine.
func DetectLevel(w io.Writer) Level {
	if env := os.Getenv(StyleEnv); env != "" {
		return ParseLevel(env)
	}
	if IsTerminal(w) {
		return LevelFull
	}
	return LevelMachine
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w any) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
