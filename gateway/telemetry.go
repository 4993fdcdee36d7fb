package gateway

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the gateway's meter and tracer.
const InstrumentationName = "github.com/ggoodman/mcp-gateway-go/gateway"

// Tool call outcomes recorded on metrics and spans.
const (
	OutcomeOK        = "ok"
	OutcomeToolError = "tool_error"
	OutcomeError     = "error"
)

type telemetry struct {
	tracer       trace.Tracer
	calls        metric.Int64Counter
	duration     metric.Float64Histogram
	listFailures metric.Int64Counter
}

func newTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) (*telemetry, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(InstrumentationName)

	t := &telemetry{tracer: tp.Tracer(InstrumentationName)}
	var err error
	if t.calls, err = meter.Int64Counter("mcp.gateway.tool.calls",
		metric.WithDescription("Number of tool calls dispatched to backends"),
		metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("create tool call counter: %w", err)
	}
	if t.duration, err = meter.Float64Histogram("mcp.gateway.tool.duration",
		metric.WithDescription("Duration of backend tool calls"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create tool duration histogram: %w", err)
	}
	if t.listFailures, err = meter.Int64Counter("mcp.gateway.backend.list.failures",
		metric.WithDescription("Number of backend tool listings that failed"),
		metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("create list failure counter: %w", err)
	}
	return t, nil
}

func (t *telemetry) startToolCall(ctx context.Context, backend, tool string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "mcp.gateway.tool.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mcp.backend", backend),
			attribute.String("mcp.tool.name", tool),
		))
}

func (t *telemetry) endToolCall(ctx context.Context, span trace.Span, backend, tool, outcome string, dur time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	t.calls.Add(ctx, 1, attrs)
	t.duration.Record(ctx, float64(dur)/float64(time.Millisecond), attrs)

	span.SetAttributes(attribute.String("mcp.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *telemetry) recordListFailure(ctx context.Context, backend string) {
	t.listFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}
