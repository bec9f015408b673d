// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dryrun

import (
	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
)

// Effect is the predicted effect of one target.
type Effect struct {
	Target string          `json:"target" yaml:"target"`
	Kind   plan.TargetKind `json:"kind" yaml:"kind"`
	Action plan.Action     `json:"action" yaml:"action"`

	// Commits the target changes directly, newest first.
	Commits []string `json:"commits,omitempty" yaml:"commits,omitempty"`

	// Blobs the target removes or rewrites.
	Blobs []string `json:"blobs,omitempty" yaml:"blobs,omitempty"`

	// ObjectDelta is the change in blob and commit objects held by the
	// repository once the rewrite is pruned. Negative means removed.
	ObjectDelta int `json:"object_delta" yaml:"object_delta"`

	// ByteDelta is the change in uncompressed object bytes.
	ByteDelta int64 `json:"byte_delta" yaml:"byte_delta"`

	// Approximate is set when ByteDelta is an estimate.
	Approximate bool `json:"approximate,omitempty" yaml:"approximate,omitempty"`

	// Collateral lists the unscoped refs that still reference the affected
	// objects after the rewrite.
	Collateral []string `json:"collateral,omitempty" yaml:"collateral,omitempty"`
}

// Collateral is an unscoped ref that keeps affected objects alive.
type Collateral struct {
	Ref     string   `json:"ref" yaml:"ref"`
	Targets []string `json:"targets" yaml:"targets"`
	Objects int      `json:"objects" yaml:"objects"`
}

// Report is the predicted outcome of a plan.
//
// # Description
//
// Plain data with no timestamps, so two simulations of the same plan
// against an unchanged repository compare equal.
type Report struct {
	PlanID string         `json:"plan_id" yaml:"plan_id"`
	Kind   operation.Kind `json:"kind" yaml:"kind"`
	Scope  []string       `json:"scope" yaml:"scope"`

	Effects []Effect `json:"effects" yaml:"effects"`

	// ObjectDelta and ByteDelta sum the per-target deltas.
	ObjectDelta int   `json:"object_delta" yaml:"object_delta"`
	ByteDelta   int64 `json:"byte_delta" yaml:"byte_delta"`
	Approximate bool  `json:"approximate,omitempty" yaml:"approximate,omitempty"`

	// CommitsAffected counts commits whose ID changes, descendants of
	// directly touched commits included. CommitsDropped is part of it.
	CommitsAffected int `json:"commits_affected" yaml:"commits_affected"`
	CommitsDropped  int `json:"commits_dropped" yaml:"commits_dropped"`

	BranchesTouched []string         `json:"branches_touched" yaml:"branches_touched"`
	Collateral      []Collateral     `json:"collateral,omitempty" yaml:"collateral,omitempty"`
	Exempted        []plan.Exemption `json:"exempted,omitempty" yaml:"exempted,omitempty"`
	Notes           []string         `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// IsNoop reports whether the plan would change nothing.
func (r *Report) IsNoop() bool {
	return r.CommitsAffected == 0 && r.ObjectDelta == 0 && len(r.BranchesTouched) == 0
}
