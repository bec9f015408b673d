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
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/plan"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/telemetry"
)

const pipelineTracerName = "gitsurgeon.pipeline"

// Tracer creates pipeline spans: one per run and one per state.
//
// # Description
//
// When disabled every method returns a noop span so callers never branch
// on whether tracing is on.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a pipeline tracer. A nil logger uses slog.Default().
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(pipelineTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartRun starts the root span of a run.
func (t *Tracer) StartRun(ctx context.Context, runID string, p *plan.OperationPlan) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "Pipeline.Run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("gitsurgeon.run_id", runID),
			attribute.String("gitsurgeon.plan_id", p.ID),
			attribute.String("gitsurgeon.kind", string(p.Request.Kind)),
			attribute.Bool("gitsurgeon.dry_run", p.Request.Flags.DryRun),
			attribute.Int("gitsurgeon.targets", len(p.Targets)),
			attribute.StringSlice("gitsurgeon.scope", p.Scope),
		),
	)
}

// StartState starts a span covering one pipeline state.
func (t *Tracer) StartState(ctx context.Context, state State) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "Pipeline."+string(state),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("gitsurgeon.state", string(state))),
	)
}

// EndState ends a state span, recording err when non-nil.
func (t *Tracer) EndState(span trace.Span, err error) {
	if err != nil {
		telemetry.RecordError(span, err, attribute.String("gitsurgeon.code", CodeOf(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// EndRun records the outcome on the run span and ends it.
func (t *Tracer) EndRun(span trace.Span, result *ExecutionResult) {
	span.SetAttributes(
		attribute.String("gitsurgeon.status", string(result.Status)),
		attribute.String("gitsurgeon.final_state", string(result.FinalState)),
		attribute.Int("gitsurgeon.exit_code", result.ExitCode),
		attribute.Int("gitsurgeon.commits_rewritten", len(result.CommitMap)),
	)
	if result.Status == StatusSucceeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, truncateForTrace(result.Error, 256))
	}
	span.End()
}

// AddTransition adds a state transition event to span.
func (t *Tracer) AddTransition(span trace.Span, from, to State) {
	span.AddEvent("state_transition", trace.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func truncateForTrace(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
