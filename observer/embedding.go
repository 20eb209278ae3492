package observer

import (
	"context"
	"time"

	alter "github.com/nevindra/alter"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WrapEmbedder returns an instrumented embedding function.
func WrapEmbedder(inner alter.EmbedFunc, model string, inst *Instruments) alter.EmbedFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		ctx, span := inst.Tracer.Start(ctx, "llm.embed", trace.WithAttributes(
			AttrLLMModel.String(model),
		))
		defer span.End()
		start := time.Now()

		vec, err := inner(ctx, text)

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(AttrEmbedDimensions.Int(len(vec)))
		}

		inst.EmbedRequests.Add(ctx, 1, metric.WithAttributes(
			AttrLLMModel.String(model),
			attribute.String("status", status),
		))
		inst.EmbedDuration.Record(ctx, durationMs, metric.WithAttributes(
			AttrLLMModel.String(model),
		))

		return vec, err
	}
}
