package gateway

import (
	"context"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumByAttr(t *testing.T, m metricdata.Metrics, key string) map[string]int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: unexpected data type %T", m.Name, m.Data)
	}
	out := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestToolCallTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	calc := calcBackend(t)
	down := listingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	broken := closedBackendURL(t)
	gw := newGateway(t, "calc="+calc.URL+",down="+down.URL+",broken="+broken,
		WithMeterProvider(mp), WithTracerProvider(tp))

	rpc(t, gw.URL+"/mcp", "tools/call", `{"name":"calc__add","arguments":{"a":1,"b":1}}`, nil)
	rpc(t, gw.URL+"/mcp", "tools/call", `{"name":"down__run"}`, nil)
	rpc(t, gw.URL+"/mcp", "tools/list", "", nil)

	metrics := collect(t, reader)
	calls, ok := metrics["mcp.gateway.tool.calls"]
	if !ok {
		t.Fatalf("tool call counter not recorded")
	}
	byOutcome := sumByAttr(t, calls, "outcome")
	if byOutcome[OutcomeOK] != 1 || byOutcome[OutcomeToolError] != 1 {
		t.Fatalf("unexpected outcomes %v", byOutcome)
	}
	if _, ok := metrics["mcp.gateway.tool.duration"]; !ok {
		t.Fatalf("duration histogram not recorded")
	}
	failures, ok := metrics["mcp.gateway.backend.list.failures"]
	if !ok {
		t.Fatalf("list failure counter not recorded")
	}
	if got := sumByAttr(t, failures, "backend"); got["broken"] != 1 {
		t.Fatalf("unexpected list failures %v", got)
	}

	ended := spans.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}
	for _, s := range ended {
		if s.Name() != "mcp.gateway.tool.call" {
			t.Fatalf("unexpected span %q", s.Name())
		}
	}
	if ended[0].Status().Code == codes.Error || ended[1].Status().Code != codes.Error {
		t.Fatalf("unexpected span statuses %v %v", ended[0].Status(), ended[1].Status())
	}
}

func closedBackendURL(t *testing.T) string {
	t.Helper()
	srv := listingBackend(t, nil)
	srv.Close()
	return srv.URL
}
