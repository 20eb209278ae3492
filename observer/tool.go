package observer

import (
	"context"
	"encoding/json"
	"time"

	alter "github.com/nevindra/alter"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps an alter.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner alter.Tool
	inst  *Instruments
	name  string
}

// WrapTool returns an instrumented tool.
func WrapTool(inner alter.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst, name: inner.Declaration().Name}
}

func (o *ObservedTool) Declaration() alter.ToolDeclaration {
	return o.inner.Declaration()
}

func (o *ObservedTool) Execute(ctx context.Context, args json.RawMessage) (alter.Result, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(o.name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.Error != "" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Output)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(o.name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(o.name),
	))

	return result, err
}

// compile-time check
var _ alter.Tool = (*ObservedTool)(nil)
