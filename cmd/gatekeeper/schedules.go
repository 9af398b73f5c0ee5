package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/basket/gatekeeper/internal/scheduler"
)

const schedulesUsage = "usage: gatekeeper schedules list [-json]|history [id]|trigger <id>"

func runSchedulesCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		fmt.Fprintln(os.Stderr, schedulesUsage)
		return 2
	}
	action := strings.ToLower(args[0])
	rest := args[1:]
	jsonOut := false
	if len(rest) > 0 && (rest[0] == "-json" || rest[0] == "--json") {
		jsonOut = true
		rest = rest[1:]
	}
	switch action {
	case "list":
		if len(rest) != 0 {
			fmt.Fprintln(os.Stderr, schedulesUsage)
			return 2
		}
	case "history":
		if len(rest) > 1 {
			fmt.Fprintln(os.Stderr, schedulesUsage)
			return 2
		}
	case "trigger":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: gatekeeper schedules trigger <id>")
			return 2
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown schedules action %q\n%s\n", action, schedulesUsage)
		return 2
	}

	cfg, logger, cleanup, err := startCommand(true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	a, err := newApp(ctx, cfg, logger, appOptions{withScheduler: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer a.Close()

	p := newPainter(out)
	switch action {
	case "list":
		infos := a.scheduler.List()
		if jsonOut {
			return encodeJSON(out, infos)
		}
		printSchedules(out, p, infos, time.Now())
		return 0
	case "history":
		id := ""
		if len(rest) == 1 {
			id = rest[0]
		}
		recs, err := a.store.ListScheduledExecutions(ctx, id, 20)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list executions: %v\n", err)
			return 1
		}
		if jsonOut {
			return encodeJSON(out, recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(out, p.muted("no firings recorded"))
			return 0
		}
		for _, r := range recs {
			line := fmt.Sprintf("%s %s %-20s %-10s %6dms",
				p.muted(r.ScheduledAt.Local().Format(time.DateTime)), p.status(r.Status), r.ScheduleID, r.Trigger, r.DurationMs)
			if r.Error != "" {
				line += " " + r.Error
			}
			fmt.Fprintln(out, line)
		}
		return 0
	default:
		if err := a.engine.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "start: %v\n", err)
			return 1
		}
		x, err := a.scheduler.Trigger(ctx, rest[0])
		if stopErr := a.engine.Stop(ctx); stopErr != nil {
			logger.Warn("integration engine stop", "error", stopErr)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "trigger %s: %v\n", rest[0], err)
			return 1
		}
		if jsonOut {
			return encodeJSON(out, x)
		}
		fmt.Fprintf(out, "%s %s %s\n", p.status(string(x.Status)), x.ScheduleID, p.muted(fmt.Sprintf("%s in %s", x.ID, x.Duration.Round(time.Millisecond))))
		if x.Reason != "" {
			fmt.Fprintf(out, "    %s\n", x.Reason)
		}
		if x.Status != scheduler.ExecutionCompleted {
			return 1
		}
		return 0
	}
}

func printSchedules(out io.Writer, p painter, infos []scheduler.Info, now time.Time) {
	if len(infos) == 0 {
		fmt.Fprintln(out, p.muted("no schedules configured"))
		return
	}
	for _, in := range infos {
		fmt.Fprintf(out, "%s %-20s %-12s %s %s\n",
			p.status(string(in.State)),
			in.Schedule.ID,
			in.Schedule.Kind,
			describeTiming(in.Schedule, now),
			p.muted(strings.Join(in.Schedule.Targets, ",")),
		)
	}
}

// describeTiming summarizes when a schedule fires. The CLI does not start
// the scheduler, so cron times are computed from the expression.
func describeTiming(s scheduler.Schedule, now time.Time) string {
	switch {
	case s.Interval != nil:
		return "every " + s.Interval.Every.String()
	case s.Cron != nil:
		next, err := scheduler.NextRunTime(s.Cron.Expression, s.Cron.Timezone, now)
		if err != nil {
			return fmt.Sprintf("cron %q (invalid: %v)", s.Cron.Expression, err)
		}
		return fmt.Sprintf("cron %q next %s", s.Cron.Expression, next.Local().Format(time.DateTime))
	case s.Event != nil:
		return "on " + strings.Join(s.Event.Events, ",")
	case s.Adaptive != nil:
		return fmt.Sprintf("adaptive %s..%s", s.Adaptive.Min, s.Adaptive.Max)
	case s.Conditional != nil:
		return fmt.Sprintf("when %d conditions", len(s.Conditional.Conditions))
	}
	return ""
}
