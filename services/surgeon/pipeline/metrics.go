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

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
)

// Package-level meter for pipeline metrics.
var meter = otel.Meter("gitsurgeon.pipeline")

var (
	runTotal         metric.Int64Counter
	stateDuration    metric.Float64Histogram
	stateTransitions metric.Int64Counter
	rollbackTotal    metric.Int64Counter
	backupBytes      metric.Int64Histogram
	rewrittenCommits metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments. Safe to call multiple
// times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runTotal, err = meter.Int64Counter(
			"gitsurgeon_runs_total",
			metric.WithDescription("Total number of pipeline runs by kind and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stateDuration, err = meter.Float64Histogram(
			"gitsurgeon_state_duration_seconds",
			metric.WithDescription("Time spent in each pipeline state"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stateTransitions, err = meter.Int64Counter(
			"gitsurgeon_state_transitions_total",
			metric.WithDescription("Total number of pipeline state transitions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"gitsurgeon_rollbacks_total",
			metric.WithDescription("Total number of rollbacks by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		backupBytes, err = meter.Int64Histogram(
			"gitsurgeon_backup_bytes",
			metric.WithDescription("Size of verified backups"),
			metric.WithUnit("By"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rewrittenCommits, err = meter.Int64Histogram(
			"gitsurgeon_rewritten_commits",
			metric.WithDescription("Commits rewritten or dropped per successful run"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRun(ctx context.Context, kind operation.Kind, dryRun bool, status Status) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	runTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("dry_run", dryRun),
		attribute.String("status", string(status)),
	))
}

func recordStateDuration(ctx context.Context, state State, d time.Duration) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	stateDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("state", string(state))))
}

func recordStateTransition(ctx context.Context, from, to State) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func recordRollback(ctx context.Context, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	rollbackTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func recordBackup(ctx context.Context, size int64) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	backupBytes.Record(ctx, size)
}

func recordRewritten(ctx context.Context, kind operation.Kind, commits int) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	rewrittenCommits.Record(ctx, int64(commits), metric.WithAttributes(attribute.String("kind", string(kind))))
}
