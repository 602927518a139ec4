package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/rendis/bizflow/internal/engine"

// runMetrics holds the runner's OpenTelemetry instruments.
type runMetrics struct {
	runs         metric.Int64Counter
	duration     metric.Float64Histogram
	stepFailures metric.Int64Counter
}

func newRunMetrics(meter metric.Meter) (*runMetrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	runs, err := meter.Int64Counter("bizflow.workflow.runs",
		metric.WithDescription("Finished workflow runs by type and status."),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("bizflow.workflow.duration",
		metric.WithDescription("Wall-clock duration of workflow runs."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	stepFailures, err := meter.Int64Counter("bizflow.workflow.step_failures",
		metric.WithDescription("Failed workflow steps by type and step."),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}
	return &runMetrics{runs: runs, duration: duration, stepFailures: stepFailures}, nil
}

func (m *runMetrics) recordRun(ctx context.Context, workflowType, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("workflow.type", workflowType),
		attribute.String("workflow.status", status),
	)
	m.runs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *runMetrics) recordStepFailure(ctx context.Context, workflowType, step string) {
	m.stepFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow.type", workflowType),
		attribute.String("workflow.step", step),
	))
}
