// Package telemetry holds the OpenTelemetry instruments and provider setup.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "clawcontrol"

// Metrics holds all metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	GovernorDecisions metric.Int64Counter
	DispatchPasses    metric.Int64Counter
	Assignments       metric.Int64Counter
	CompletionNoops   metric.Int64Counter
	ReceiptsFinalized metric.Int64Counter
	RuntimeChecks     metric.Int64Counter
	DispatchDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.Meter(meterName))
}

// NewMetricsWith creates all metric instruments on the given meter.
func NewMetricsWith(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.GovernorDecisions, err = meter.Int64Counter("clawcontrol.governor.decisions",
		metric.WithDescription("Policy enforcement decisions by action kind and outcome"))
	if err != nil {
		return nil, err
	}

	m.DispatchPasses, err = meter.Int64Counter("clawcontrol.dispatch.passes",
		metric.WithDescription("Dispatch passes by outcome"))
	if err != nil {
		return nil, err
	}

	m.Assignments, err = meter.Int64Counter("clawcontrol.dispatch.assignments",
		metric.WithDescription("Operations assigned to agents"))
	if err != nil {
		return nil, err
	}

	m.CompletionNoops, err = meter.Int64Counter("clawcontrol.operations.completion_noops",
		metric.WithDescription("Completion signals absorbed as no-ops"))
	if err != nil {
		return nil, err
	}

	m.ReceiptsFinalized, err = meter.Int64Counter("clawcontrol.receipts.finalized",
		metric.WithDescription("Receipts finalized by status"))
	if err != nil {
		return nil, err
	}

	m.RuntimeChecks, err = meter.Int64Counter("clawcontrol.runtime.checks",
		metric.WithDescription("Runtime availability checks by status"))
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("clawcontrol.dispatch.duration_seconds",
		metric.WithDescription("Dispatch pass duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) Decision(ctx context.Context, kind string, allowed bool, code string) {
	if m == nil {
		return
	}
	m.GovernorDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action_kind", kind),
		attribute.Bool("allowed", allowed),
		attribute.String("code", code),
	))
}

func (m *Metrics) DispatchPass(ctx context.Context, outcome string, seconds float64, assigned int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.DispatchPasses.Add(ctx, 1, attrs)
	m.DispatchDuration.Record(ctx, seconds, attrs)
	if assigned > 0 {
		m.Assignments.Add(ctx, int64(assigned))
	}
}

func (m *Metrics) CompletionNoop(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.CompletionNoops.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *Metrics) ReceiptFinalized(ctx context.Context, actionKind, status string) {
	if m == nil {
		return
	}
	m.ReceiptsFinalized.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action_kind", actionKind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RuntimeCheck(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.RuntimeChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
