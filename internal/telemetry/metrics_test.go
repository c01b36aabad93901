package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDecisionCounterRecords(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetricsWith(mp.Meter("test"))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	m.Decision(ctx, "agent.restart", true, "")
	m.Decision(ctx, "agent.restart", false, "TYPED_CONFIRM_REQUIRED")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "clawcontrol.governor.decisions" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", md.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Fatalf("expected 2 decisions, got %d", total)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Decision(context.Background(), "x", true, "")
	m.DispatchPass(context.Background(), "ok", 0.1, 2)
	m.CompletionNoop(context.Background(), "COMPLETION_INVALID_STATE")
}
