package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics holds the instruments of the request protection pipeline.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	decisions metric.Int64Counter
	rejected  metric.Int64Counter
	costUnits metric.Int64Counter
	faults    metric.Int64Counter
	dropped   metric.Int64Counter
}

func NewPipelineMetrics(serviceName string) (*PipelineMetrics, error) {
	meter := otel.Meter(serviceName)

	decisions, err := meter.Int64Counter(
		"admission_decisions_total",
		metric.WithDescription("Rate limit decisions by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	rejected, err := meter.Int64Counter(
		"authorization_rejections_total",
		metric.WithDescription("Requests rejected for a missing capability"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	costUnits, err := meter.Int64Counter(
		"usage_cost_units_total",
		metric.WithDescription("Estimated cost units charged to admitted requests"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return nil, err
	}

	faults, err := meter.Int64Counter(
		"pipeline_faults_total",
		metric.WithDescription("Faults converted to 500 by the error monitor"),
		metric.WithUnit("{fault}"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter(
		"usage_records_failed_total",
		metric.WithDescription("Usage records the accountant failed to store"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		decisions: decisions,
		rejected:  rejected,
		costUnits: costUnits,
		faults:    faults,
		dropped:   dropped,
	}, nil
}

func (m *PipelineMetrics) RecordDecision(ctx context.Context, allowed bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if allowed {
		outcome = "admitted"
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *PipelineMetrics) RecordAuthorizationRejection(ctx context.Context, requirement string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("requirement", requirement)))
}

func (m *PipelineMetrics) RecordCost(ctx context.Context, route string, units int64) {
	if m == nil || units <= 0 {
		return
	}
	m.costUnits.Add(ctx, units, metric.WithAttributes(attribute.String("route", route)))
}

func (m *PipelineMetrics) RecordFault(ctx context.Context, committed bool) {
	if m == nil {
		return
	}
	m.faults.Add(ctx, 1, metric.WithAttributes(attribute.Bool("committed", committed)))
}

func (m *PipelineMetrics) RecordAccountingFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1)
}
