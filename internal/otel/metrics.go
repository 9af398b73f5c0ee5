package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all gatekeeper metric instruments.
type Metrics struct {
	ValidationDuration   metric.Float64Histogram
	ValidationRuns       metric.Int64Counter
	ActivePipelines      metric.Int64UpDownCounter
	AutoFixExecutions    metric.Int64Counter
	AutoFixRollbacks     metric.Int64Counter
	ScheduleFirings      metric.Int64Counter
	CoordinationDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ValidationDuration, err = meter.Float64Histogram("gatekeeper.validation.duration",
		metric.WithDescription("Validation run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ValidationRuns, err = meter.Int64Counter("gatekeeper.validation.runs",
		metric.WithDescription("Validation runs by final status"),
	)
	if err != nil {
		return nil, err
	}

	m.ActivePipelines, err = meter.Int64UpDownCounter("gatekeeper.pipelines.active",
		metric.WithDescription("Validation pipelines currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.AutoFixExecutions, err = meter.Int64Counter("gatekeeper.autofix.executions",
		metric.WithDescription("Auto-fix executions by final status"),
	)
	if err != nil {
		return nil, err
	}

	m.AutoFixRollbacks, err = meter.Int64Counter("gatekeeper.autofix.rollbacks",
		metric.WithDescription("Auto-fix rollbacks performed"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduleFirings, err = meter.Int64Counter("gatekeeper.schedule.firings",
		metric.WithDescription("Scheduled executions by kind and status"),
	)
	if err != nil {
		return nil, err
	}

	m.CoordinationDuration, err = meter.Float64Histogram("gatekeeper.coordination.duration",
		metric.WithDescription("Coordination execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Discard returns instruments backed by a no-op meter. Components use it
// when no Metrics were configured.
func Discard() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

// Count adds one to counter with the given attributes.
func Count(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
