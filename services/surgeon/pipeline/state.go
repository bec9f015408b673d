// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

// State is a state of the execution pipeline.
type State string

const (
	// StateIdle is the state before Run.
	StateIdle State = "idle"

	// StateValidating checks repository state and plan freshness.
	StateValidating State = "validating"

	// StateBackingUp holds the lock and writes the verified backup.
	StateBackingUp State = "backing_up"

	// StateDryRun simulates the plan. Nothing is mutated.
	StateDryRun State = "dry_run"

	// StateExecuting runs the rewrite adapter.
	StateExecuting State = "executing"

	// StatePostValidating checks the rewritten repository.
	StatePostValidating State = "post_validating"

	// StateRollingBack restores the backup.
	StateRollingBack State = "rolling_back"

	// StateSucceeded is terminal.
	StateSucceeded State = "succeeded"

	// StateFailed is terminal.
	StateFailed State = "failed"

	// StateRolledBack is terminal: the rewrite failed and the backup was
	// restored.
	StateRolledBack State = "rolled_back"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateRolledBack
}

// Mutating reports whether the repository may have been modified once s
// is entered.
func (s State) Mutating() bool {
	return s == StateExecuting || s == StatePostValidating || s == StateRollingBack
}

// transitions is the complete table of legal moves.
var transitions = map[State][]State{
	StateIdle:           {StateValidating},
	StateValidating:     {StateBackingUp, StateDryRun, StateFailed},
	StateBackingUp:      {StateExecuting, StateFailed},
	StateDryRun:         {StateSucceeded, StateFailed},
	StateExecuting:      {StatePostValidating, StateRollingBack, StateFailed},
	StatePostValidating: {StateSucceeded, StateRollingBack},
	StateRollingBack:    {StateRolledBack, StateFailed},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllStates returns every state in pipeline order.
func AllStates() []State {
	return []State{
		StateIdle,
		StateValidating,
		StateBackingUp,
		StateDryRun,
		StateExecuting,
		StatePostValidating,
		StateRollingBack,
		StateSucceeded,
		StateFailed,
		StateRolledBack,
	}
}
