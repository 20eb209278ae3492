package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RunRecorder times one agent run. The span it opens becomes the parent of
// every llm.generate and tool.execute span emitted during the run, provided
// the returned context flows into the run.
type RunRecorder struct {
	inst   *Instruments
	span   trace.Span
	source string
	start  time.Time
}

// StartRun opens a run-level span. source names what triggered the run, such
// as "terminal", "telegram", "api", or "autonomous". Call End exactly once
// when the run finishes.
func (in *Instruments) StartRun(ctx context.Context, source string) (context.Context, *RunRecorder) {
	ctx, span := in.Tracer.Start(ctx, "agent.run", trace.WithAttributes(
		AttrRunSource.String(source),
	))
	return ctx, &RunRecorder{inst: in, span: span, source: source, start: time.Now()}
}

// End closes the run span and records run metrics. err is the run's outcome;
// a cancelled context counts as "cancelled" rather than "error".
func (r *RunRecorder) End(ctx context.Context, err error) {
	durationMs := float64(time.Since(r.start).Milliseconds())
	status := "ok"
	switch {
	case err != nil && ctx.Err() != nil:
		status = "cancelled"
		r.span.SetStatus(codes.Error, "cancelled")
	case err != nil:
		status = "error"
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
	r.span.SetAttributes(AttrRunStatus.String(status))
	r.span.End()

	r.inst.AgentRuns.Add(ctx, 1, metric.WithAttributes(
		AttrRunSource.String(r.source),
		attribute.String("status", status),
	))
	r.inst.RunDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrRunSource.String(r.source),
	))
}
