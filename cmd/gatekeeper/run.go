package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/gatekeeper/internal/integration"
	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/quality"
)

type runReport struct {
	Runs  []integration.RunResult `json:"runs"`
	Stats integration.Stats       `json:"stats"`
	Error string                  `json:"error,omitempty"`
}

func runRunCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	mode := fs.String("mode", "", "pipeline mode: sequential, parallel or adaptive (default: integration.pipeline_mode)")
	jsonOut := fs.Bool("json", false, "print results as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, logger, cleanup, err := startCommand(commandQuiet() || *jsonOut)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer a.Close()

	if err := a.engine.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		return 1
	}
	runErr := a.engine.RunTargets(ctx, fs.Args(), *mode)
	if err := a.engine.Stop(ctx); err != nil {
		logger.Warn("integration engine stop", "error", err)
	}

	report := runReport{Runs: a.engine.History(0), Stats: a.engine.Stats()}
	// History is newest first; print in the order files were visited.
	for i, j := 0, len(report.Runs)-1; i < j; i, j = i+1, j-1 {
		report.Runs[i], report.Runs[j] = report.Runs[j], report.Runs[i]
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}

	if *jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		printRunReport(out, newPainter(out), cfg.WorkspaceRoot, report)
	}

	if runErr != nil || report.Stats.Failed > 0 || report.Stats.Errors > 0 {
		return 1
	}
	return 0
}

func printRunReport(out io.Writer, p painter, root string, r runReport) {
	for _, run := range r.Runs {
		fmt.Fprintf(out, "%s %-40s score=%.2f alignment=%.2f %s\n",
			p.status(string(run.Status)),
			relTarget(root, run.Target),
			run.Score,
			run.Alignment,
			p.muted(fmt.Sprintf("(%s, %s)", strategyLabel(run), run.Metrics.Duration.Round(time.Millisecond))),
		)
		for _, issue := range run.CriticalIssues {
			fmt.Fprintf(out, "    %s %s\n", p.render(failStyle, "!"), issue)
		}
		for _, fx := range run.Fixes {
			line := fmt.Sprintf("fix %s (%s): %s", fx.RuleID, fx.ExecutionID, fx.Status)
			if fx.Error != "" {
				line += ": " + fx.Error
			}
			fmt.Fprintf(out, "    %s\n", p.muted(line))
		}
		if run.Status != quality.StatusPassed {
			for _, rec := range run.Recommendations {
				fmt.Fprintf(out, "    - %s\n", rec)
			}
		}
	}

	s := r.Stats
	summary := fmt.Sprintf("%s\n%d runs: %d passed, %d warning, %d failed, %d error\nmean score %.2f, mean health %.2f",
		p.title("Validation summary"), s.Total, s.Passed, s.Warning, s.Failed, s.Errors, s.Score.Value, s.Health.Value)
	if shown := int64(len(r.Runs)); shown < s.Total {
		summary += fmt.Sprintf("\n%d most recent runs shown (integration.history_limit)", shown)
	}
	fmt.Fprintln(out, p.box(summary))
	if r.Error != "" {
		fmt.Fprintf(out, "%s %s\n", p.render(failStyle, "errors:"), r.Error)
	}
}

func strategyLabel(r integration.RunResult) string {
	if r.Strategy != "" {
		return string(r.Mode) + "/" + string(r.Strategy)
	}
	return string(r.Mode)
}

func relTarget(root, target string) string {
	if rel, err := filepath.Rel(root, target); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return target
}

func runHistoryCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	target := fs.String("target", "", "only runs of this target path")
	limit := fs.Int("limit", 20, "maximum runs to show")
	jsonOut := fs.Bool("json", false, "print runs as JSON")
	runID := fs.String("id", "", "print the full stored result of one run")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, _, cleanup, err := startCommand(true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if *runID != "" {
		r, err := store.GetRun(ctx, *runID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, []byte(r.ResultJSON), "", "  "); err != nil {
			fmt.Fprintf(os.Stderr, "stored result of %s: %v\n", r.ID, err)
			return 1
		}
		buf.WriteByte('\n')
		_, _ = buf.WriteTo(out)
		return 0
	}

	path := *target
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(cfg.WorkspaceRoot, path)
	}
	runs, err := store.ListRuns(ctx, path, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list runs: %v\n", err)
		return 1
	}

	if *jsonOut {
		for i := range runs {
			runs[i].ResultJSON = ""
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	p := newPainter(out)
	if len(runs) == 0 {
		fmt.Fprintln(out, p.muted("no runs recorded"))
		return 0
	}
	for _, r := range runs {
		fmt.Fprintf(out, "%s %s %-40s score=%.2f health=%.2f critical=%d %s\n",
			p.muted(r.CreatedAt.Local().Format(time.DateTime)),
			p.status(r.Status),
			relTarget(cfg.WorkspaceRoot, r.Target),
			r.Score,
			r.Health,
			r.CriticalCount,
			p.muted(r.ID),
		)
	}
	return 0
}
