package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: ExporterNone,
	}, Process{Role: "cli"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.ValidationDuration == nil {
		t.Error("ValidationDuration is nil")
	}
	if m.ValidationRuns == nil {
		t.Error("ValidationRuns is nil")
	}
	if m.ActivePipelines == nil {
		t.Error("ActivePipelines is nil")
	}
	if m.AutoFixExecutions == nil {
		t.Error("AutoFixExecutions is nil")
	}
	if m.AutoFixRollbacks == nil {
		t.Error("AutoFixRollbacks is nil")
	}
	if m.ScheduleFirings == nil {
		t.Error("ScheduleFirings is nil")
	}
	if m.CoordinationDuration == nil {
		t.Error("CoordinationDuration is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter; metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false}, Process{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestDiscard_Usable(t *testing.T) {
	m := Discard()
	Count(context.Background(), m.ValidationRuns, AttrStatus.String("passed"))
	m.ValidationDuration.Record(context.Background(), 0.5)
}
