// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adaptertest provides a scripted RewriteAdapter for tests.
package adaptertest

import (
	"context"
	"sync"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/adapter"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
)

// Scripted is a RewriteAdapter whose behaviour is set by the test.
//
// On each call it runs Mutate (if set), then blocks until Release is
// closed or ctx is done (if Release is set), then returns Outcome and Err.
// A nil Outcome with a nil Err returns an empty outcome.
type Scripted struct {
	// Mutate simulates the rewrite, e.g. by committing in a test repo.
	Mutate func(ctx context.Context, p *plan.OperationPlan) error

	// Started is closed when the first call begins, if non-nil.
	Started chan struct{}

	// Release makes Rewrite block until it is closed.
	Release chan struct{}

	Outcome *adapter.RewriteOutcome
	Err     error

	mu    sync.Mutex
	calls []*plan.OperationPlan
	once  sync.Once
}

// Rewrite implements adapter.RewriteAdapter.
func (s *Scripted) Rewrite(ctx context.Context, p *plan.OperationPlan) (*adapter.RewriteOutcome, error) {
	s.mu.Lock()
	s.calls = append(s.calls, p)
	s.mu.Unlock()
	if s.Started != nil {
		s.once.Do(func() { close(s.Started) })
	}

	if s.Mutate != nil {
		if err := s.Mutate(ctx, p); err != nil {
			return nil, &adapter.AdapterError{Op: "scripted", Err: err}
		}
	}
	if s.Release != nil {
		select {
		case <-s.Release:
		case <-ctx.Done():
			return nil, &adapter.AdapterError{Op: "scripted", Err: ctx.Err()}
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Outcome != nil {
		return s.Outcome, nil
	}
	return &adapter.RewriteOutcome{CommitMap: map[string]string{}}, nil
}

// Calls returns the plans Rewrite was called with.
func (s *Scripted) Calls() []*plan.OperationPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*plan.OperationPlan, len(s.calls))
	copy(out, s.calls)
	return out
}
