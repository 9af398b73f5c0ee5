package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/quality"
	"github.com/basket/gatekeeper/internal/scheduler"
)

func TestParseDaemonSubcommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    daemonSubcommandMode
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: daemonSubcommandRun},
		{name: "double dash help", args: []string{"--help"}, want: daemonSubcommandHelp},
		{name: "single dash help", args: []string{"-h"}, want: daemonSubcommandHelp},
		{name: "help token", args: []string{"help"}, want: daemonSubcommandHelp},
		{name: "unexpected arg", args: []string{"extra"}, want: daemonSubcommandRun, wantErr: true},
		{name: "too many args", args: []string{"--help", "extra"}, want: daemonSubcommandRun, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDaemonSubcommandArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintDaemonSubcommandUsage(t *testing.T) {
	var buf bytes.Buffer
	printDaemonSubcommandUsage(&buf)
	out := buf.String()

	if !strings.Contains(out, "usage: gatekeeper daemon [--help]") {
		t.Fatalf("usage output missing daemon subcommand usage: %q", out)
	}
	if !strings.Contains(out, "gatekeeper -daemon") {
		t.Fatalf("usage output missing flag usage: %q", out)
	}
}

// testHome points the CLI at a fresh home and workspace. config.yaml keeps
// runs deterministic: only the rule pack evaluates.
func testHome(t *testing.T, extra string) (home, workspace string) {
	t.Helper()
	home = t.TempDir()
	workspace = t.TempDir()
	t.Setenv("GATEKEEPER_HOME", home)
	t.Setenv("GATEKEEPER_WORKSPACE", workspace)
	t.Setenv("GATEKEEPER_LOG_LEVEL", "error")
	cfg := `principles:
  enabled: false
coordinator:
  enabled: false
integration:
  pipeline_mode: sequential
` + extra
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return home, workspace
}

func writeWorkspaceFile(t *testing.T, root, name, content string) {
	t.Helper()
	p := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunCommandJSON(t *testing.T) {
	_, ws := testHome(t, "")
	writeWorkspaceFile(t, ws, "clean.ts", "export const answer = 42;\n")
	writeWorkspaceFile(t, ws, "app.ts", "function f() {\n  debugger;\n}\n")

	var buf bytes.Buffer
	if code := runRunCommand(context.Background(), []string{"-json"}, &buf); code != 1 {
		t.Fatalf("exit code = %d, want 1 for a failing target; output %s", code, buf.String())
	}
	var report runReport
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, buf.String())
	}
	if len(report.Runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(report.Runs))
	}
	if report.Stats.Total != 2 || report.Stats.Passed != 1 || report.Stats.Failed != 1 {
		t.Fatalf("stats = %+v", report.Stats)
	}
	for _, run := range report.Runs {
		switch filepath.Base(run.Target) {
		case "clean.ts":
			if run.Status != quality.StatusPassed {
				t.Fatalf("clean.ts status = %s", run.Status)
			}
		case "app.ts":
			if run.Status != quality.StatusFailed {
				t.Fatalf("app.ts status = %s", run.Status)
			}
			if !strings.Contains(strings.Join(run.CriticalIssues, "\n"), "no-debugger") {
				t.Fatalf("critical issues = %v", run.CriticalIssues)
			}
		default:
			t.Fatalf("unexpected target %s", run.Target)
		}
	}

	buf.Reset()
	if code := runHistoryCommand(context.Background(), []string{"-json", "-target", "app.ts"}, &buf); code != 0 {
		t.Fatalf("history exit code = %d", code)
	}
	var recs []persistence.RunRecord
	if err := json.Unmarshal(buf.Bytes(), &recs); err != nil {
		t.Fatalf("decode history: %v\n%s", err, buf.String())
	}
	if len(recs) != 1 || recs[0].Status != string(quality.StatusFailed) {
		t.Fatalf("history = %+v", recs)
	}

	buf.Reset()
	if code := runHistoryCommand(context.Background(), []string{"-id", recs[0].ID}, &buf); code != 0 {
		t.Fatalf("history -id exit code = %d", code)
	}
	var stored struct {
		ID             string         `json:"id"`
		Status         quality.Status `json:"status"`
		CriticalIssues []string       `json:"critical_issues"`
	}
	if err := json.Unmarshal(buf.Bytes(), &stored); err != nil {
		t.Fatalf("decode stored result: %v\n%s", err, buf.String())
	}
	if stored.ID != recs[0].ID || stored.Status != quality.StatusFailed || len(stored.CriticalIssues) == 0 {
		t.Fatalf("stored result = %+v", stored)
	}
	if code := runHistoryCommand(context.Background(), []string{"-id", "no-such-run"}, io.Discard); code != 1 {
		t.Fatalf("unknown run exit code = %d, want 1", code)
	}
}

func TestRunCommandTextPassing(t *testing.T) {
	_, ws := testHome(t, "")
	writeWorkspaceFile(t, ws, "clean.ts", "export const answer = 42;\n")

	var buf bytes.Buffer
	if code := runRunCommand(context.Background(), []string{"clean.ts"}, &buf); code != 0 {
		t.Fatalf("exit code = %d, output %s", code, buf.String())
	}
	out := buf.String()
	if !strings.Contains(out, "passed") || !strings.Contains(out, "clean.ts") {
		t.Fatalf("report missing run line: %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("report to a buffer must not carry ANSI color: %q", out)
	}
}

func TestRunCommandMissingTarget(t *testing.T) {
	testHome(t, "")
	var buf bytes.Buffer
	if code := runRunCommand(context.Background(), []string{"-json", "nope.ts"}, &buf); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	var report runReport
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Error == "" {
		t.Fatalf("missing target must be reported")
	}
}

func TestInitCommandWritesLoadableConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GATEKEEPER_HOME", home)

	var buf bytes.Buffer
	if code := runInitCommand(nil, &buf); code != 0 {
		t.Fatalf("init exit code = %d", code)
	}
	if _, err := os.Stat(filepath.Join(home, "config.yaml")); err != nil {
		t.Fatalf("config.yaml not written: %v", err)
	}
	if code := runInitCommand(nil, &buf); code != 1 {
		t.Fatalf("second init must refuse to overwrite, got %d", code)
	}
	if code := runInitCommand([]string{"--force"}, &buf); code != 0 {
		t.Fatalf("forced init exit code = %d", code)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.NeedsInit {
		t.Fatalf("config reported as missing after init")
	}
	if cfg.DBPath != filepath.Join(home, "gatekeeper.db") {
		t.Fatalf("derived db path = %q, want it under the home dir", cfg.DBPath)
	}
	def := config.Default(home)
	if cfg.Integration.PipelineMode != def.Integration.PipelineMode || cfg.AutoFix.Enabled != def.AutoFix.Enabled {
		t.Fatalf("written config drifted from defaults: %+v", cfg.Integration)
	}
}

func TestEmptyListings(t *testing.T) {
	testHome(t, "")
	var buf bytes.Buffer
	if code := runFixesCommand(context.Background(), []string{"list"}, &buf); code != 0 {
		t.Fatalf("fixes list exit code = %d", code)
	}
	if !strings.Contains(buf.String(), "no auto-fix executions recorded") {
		t.Fatalf("fixes list = %q", buf.String())
	}
	buf.Reset()
	if code := runBackupsCommand(context.Background(), []string{"list"}, &buf); code != 0 {
		t.Fatalf("backups list exit code = %d", code)
	}
	if !strings.Contains(buf.String(), "no backups recorded") {
		t.Fatalf("backups list = %q", buf.String())
	}
	buf.Reset()
	if code := runFixesCommand(context.Background(), []string{"approve", "missing"}, &buf); code != 1 {
		t.Fatalf("approving an unknown fix must fail, got %d", code)
	}
}

func TestSubcommandUsageErrors(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		run  func() int
	}{
		{"fixes no args", func() int { return runFixesCommand(ctx, nil, &bytes.Buffer{}) }},
		{"fixes unknown", func() int { return runFixesCommand(ctx, []string{"explode"}, &bytes.Buffer{}) }},
		{"fixes approve no id", func() int { return runFixesCommand(ctx, []string{"approve"}, &bytes.Buffer{}) }},
		{"backups restore no id", func() int { return runBackupsCommand(ctx, []string{"restore"}, &bytes.Buffer{}) }},
		{"backups list extra", func() int { return runBackupsCommand(ctx, []string{"list", "x"}, &bytes.Buffer{}) }},
		{"schedules help", func() int { return runSchedulesCommand(ctx, []string{"--help"}, &bytes.Buffer{}) }},
		{"schedules trigger no id", func() int { return runSchedulesCommand(ctx, []string{"trigger"}, &bytes.Buffer{}) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := tc.run(); code != 2 {
				t.Fatalf("exit code = %d, want 2", code)
			}
		})
	}
}

const nightlySchedule = `scheduler:
  enabled: false
  schedules:
    - id: nightly
      kind: cron
      cron: "0 2 * * *"
      enabled: true
      targets: ["."]
`

func TestSchedulesListAndTrigger(t *testing.T) {
	_, ws := testHome(t, nightlySchedule)
	writeWorkspaceFile(t, ws, "clean.ts", "export const answer = 42;\n")
	ctx := context.Background()

	var buf bytes.Buffer
	if code := runSchedulesCommand(ctx, []string{"list"}, &buf); code != 0 {
		t.Fatalf("list exit code = %d", code)
	}
	if out := buf.String(); !strings.Contains(out, "nightly") || !strings.Contains(out, `cron "0 2 * * *" next`) {
		t.Fatalf("list = %q", out)
	}

	buf.Reset()
	if code := runSchedulesCommand(ctx, []string{"trigger", "nightly"}, &buf); code != 0 {
		t.Fatalf("trigger exit code = %d, output %q", code, buf.String())
	}
	if !strings.Contains(buf.String(), "nightly") {
		t.Fatalf("trigger output = %q", buf.String())
	}

	buf.Reset()
	if code := runSchedulesCommand(ctx, []string{"history", "-json", "nightly"}, &buf); code != 0 {
		t.Fatalf("history exit code = %d", code)
	}
	var recs []persistence.ScheduledExecutionRecord
	if err := json.Unmarshal(buf.Bytes(), &recs); err != nil {
		t.Fatalf("decode history: %v\n%s", err, buf.String())
	}
	if len(recs) != 1 || recs[0].Status != string(scheduler.ExecutionCompleted) {
		t.Fatalf("history = %+v", recs)
	}
}

func TestDescribeTiming(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		s    scheduler.Schedule
		want string
	}{
		{"interval", scheduler.Schedule{Interval: &scheduler.IntervalSpec{Every: 30 * time.Minute}}, "every 30m0s"},
		{"event", scheduler.Schedule{Event: &scheduler.EventSpec{Events: []string{"file_change", "commit"}}}, "on file_change,commit"},
		{"adaptive", scheduler.Schedule{Adaptive: &scheduler.AdaptiveSpec{Min: time.Minute, Max: time.Hour}}, "adaptive 1m0s..1h0m0s"},
		{"conditional", scheduler.Schedule{Conditional: &scheduler.ConditionalSpec{Conditions: make([]scheduler.Condition, 2)}}, "when 2 conditions"},
		{"bad cron", scheduler.Schedule{Cron: &scheduler.CronSpec{Expression: "not cron"}}, `cron "not cron" (invalid:`},
		{"cron", scheduler.Schedule{Cron: &scheduler.CronSpec{Expression: "0 2 * * *"}}, `cron "0 2 * * *" next `},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := describeTiming(tc.s, now); !strings.HasPrefix(got, tc.want) {
				t.Fatalf("describeTiming = %q, want prefix %q", got, tc.want)
			}
		})
	}
}

func TestReasonArg(t *testing.T) {
	if got := reasonArg(nil, "fallback"); got != "fallback" {
		t.Fatalf("empty reason = %q", got)
	}
	if got := reasonArg([]string{"  "}, "fallback"); got != "fallback" {
		t.Fatalf("blank reason = %q", got)
	}
	if got := reasonArg([]string{"breaks", "the", "build"}, "fallback"); got != "breaks the build" {
		t.Fatalf("joined reason = %q", got)
	}
}

func TestPainterWithoutColor(t *testing.T) {
	p := newPainter(&bytes.Buffer{})
	if got := p.status("passed"); strings.TrimSpace(got) != "passed" || len(got) != 9 {
		t.Fatalf("status = %q", got)
	}
	if got := p.title("Report"); got != "Report" {
		t.Fatalf("title = %q", got)
	}
}
