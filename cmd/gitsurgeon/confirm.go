// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"io"

	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/gitsurgeon/pkg/ux"
)

// Confirmer asks the operator to approve a history rewrite.
type Confirmer interface {
	// Interactive reports whether a prompt can be shown at all.
	Interactive() bool

	// Confirm returns true when the operator approved.
	Confirm(ctx context.Context, title, description string) (bool, error)
}

// huhConfirmer prompts on a terminal with a huh confirm field.
type huhConfirmer struct {
	in  io.Reader
	out io.Writer
}

func newHuhConfirmer(in io.Reader, out io.Writer) *huhConfirmer {
	return &huhConfirmer{in: in, out: out}
}

// Interactive is true only when both ends are terminals.
func (c *huhConfirmer) Interactive() bool {
	return ux.IsTerminal(c.in) && ux.IsTerminal(c.out)
}

func (c *huhConfirmer) Confirm(ctx context.Context, title, description string) (bool, error) {
	var approved bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Rewrite").
			Negative("Cancel").
			Value(&approved),
	)).
		WithInput(c.in).
		WithOutput(c.out)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return approved, nil
}
