package otel

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, Process{})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled config built an SDK provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporterKeepsSpanContexts(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone}, Process{Role: "daemon"})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer.Start(context.Background(), "validation.run")
	defer span.End()
	if !span.SpanContext().HasTraceID() {
		t.Fatal("expected a trace id without an exporter")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "magic-pixie-dust"}, Process{})
	if err == nil || !strings.Contains(err.Error(), ExporterFile) {
		t.Fatalf("err = %v", err)
	}
}

func TestInit_FileExporterNeedsHome(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterFile}, Process{}); err == nil {
		t.Fatal("expected error without a home directory")
	}
}

func TestInit_FileExporterWritesFixSpans(t *testing.T) {
	home := t.TempDir()
	p, err := Init(context.Background(), Config{
		Enabled:    true,
		Exporter:   ExporterFile,
		SampleRate: 1e-12,
	}, Process{Role: "daemon", Workspace: "/srv/app", HomeDir: home})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, fix := StartSpan(context.Background(), p.Tracer, "autofix.apply", AttrExecutionID.String("x-1"))
	EndSpan(fix, nil)
	_, run := StartSpan(context.Background(), p.Tracer, "validation.run", AttrRunID.String("run-1"))
	EndSpan(run, nil)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "traces.jsonl"))
	if err != nil {
		t.Fatalf("read traces: %v", err)
	}
	out := string(raw)
	if !strings.Contains(out, `"autofix.apply"`) {
		t.Fatalf("fix span missing: %s", out)
	}
	if strings.Contains(out, `"validation.run"`) {
		t.Fatalf("validation span should have been sampled out: %s", out)
	}
	for _, want := range []string{"gatekeeper.role", "daemon", "gatekeeper.workspace", "/srv/app"} {
		if !strings.Contains(out, want) {
			t.Fatalf("resource attribute %q missing: %s", want, out)
		}
	}
}

func TestSampler(t *testing.T) {
	never := newSampler(Config{SampleRate: 1e-12, AlwaysSample: []string{"schedule."}})
	params := func(name string) sdktrace.SamplingParameters {
		return sdktrace.SamplingParameters{
			Name:    name,
			TraceID: trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		}
	}
	if got := never.ShouldSample(params("schedule.fire")).Decision; got != sdktrace.RecordAndSample {
		t.Fatalf("schedule.fire decision = %v", got)
	}
	if got := never.ShouldSample(params("autofix.apply")).Decision; got != sdktrace.Drop {
		t.Fatalf("autofix.apply with custom prefixes = %v", got)
	}
	if !strings.Contains(never.Description(), "schedule.") {
		t.Fatalf("description = %q", never.Description())
	}

	all := newSampler(Config{SampleRate: 7})
	if got := all.ShouldSample(params("validation.run")).Decision; got != sdktrace.RecordAndSample {
		t.Fatalf("out-of-range rate should sample everything, got %v", got)
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone}, Process{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "validation.run",
		AttrRunID.String("run-1"),
		AttrMode.String("sequential"),
	)
	EndSpan(span, nil)

	_, span2 := StartSpan(context.Background(), nil, "validation.step.rules")
	EndSpan(span2, context.Canceled)
}

func TestInit_MetricsDisabled(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{
		Enabled:        true,
		Exporter:       ExporterNone,
		MetricsEnabled: &off,
	}, Process{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
}
