package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/basket/gatekeeper/internal/autofix"
	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/shared"
)

const fixesUsage = "usage: gatekeeper fixes list|pending|approve <id>|reject <id> [reason]|rollback <id> [reason]"

func runFixesCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		fmt.Fprintln(os.Stderr, fixesUsage)
		return 2
	}
	action := strings.ToLower(args[0])
	rest := args[1:]

	fs := flag.NewFlagSet("fixes "+action, flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum executions to list")
	status := fs.String("status", "", "only executions in this status")
	jsonOut := fs.Bool("json", false, "print executions as JSON")
	if err := fs.Parse(rest); err != nil {
		return 2
	}
	rest = fs.Args()

	switch action {
	case "list", "pending":
		if len(rest) != 0 {
			fmt.Fprintln(os.Stderr, fixesUsage)
			return 2
		}
		if action == "pending" {
			*status = string(autofix.StatusPending)
		}
	case "approve":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: gatekeeper fixes approve <id>")
			return 2
		}
	case "reject", "rollback":
		if len(rest) < 1 {
			fmt.Fprintf(os.Stderr, "usage: gatekeeper fixes %s <id> [reason]\n", action)
			return 2
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown fixes action %q\n%s\n", action, fixesUsage)
		return 2
	}

	cfg, logger, cleanup, err := startCommand(true)
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

	p := newPainter(out)
	switch action {
	case "list", "pending":
		recs, err := a.store.ListAutoFixExecutions(ctx, *status, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list executions: %v\n", err)
			return 1
		}
		for i := range recs {
			recs[i].ActionJSON = autofix.RedactActionJSON(recs[i].ActionJSON)
			recs[i].Error = shared.Redact(recs[i].Error)
		}
		if *jsonOut {
			return encodeJSON(out, recs)
		}
		printFixRecords(out, p, cfg.WorkspaceRoot, recs)
		return 0
	case "approve":
		id := rest[0]
		err = a.autofix.Approve(ctx, id)
		return reportFix(ctx, out, p, a.autofix, id, "approved", err)
	case "reject":
		id, reason := rest[0], reasonArg(rest[1:], "rejected from cli")
		err = a.autofix.Reject(ctx, id, reason)
		return reportFix(ctx, out, p, a.autofix, id, "rejected", err)
	default:
		id, reason := rest[0], reasonArg(rest[1:], "rolled back from cli")
		err = a.autofix.Rollback(ctx, id, reason)
		return reportFix(ctx, out, p, a.autofix, id, "rolled back", err)
	}
}

func reasonArg(words []string, fallback string) string {
	if r := strings.TrimSpace(strings.Join(words, " ")); r != "" {
		return r
	}
	return fallback
}

func reportFix(ctx context.Context, out io.Writer, p painter, eng *autofix.Engine, id, verb string, err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
		return 1
	}
	ex, getErr := eng.Get(ctx, id)
	if getErr != nil {
		fmt.Fprintf(out, "%s %s\n", id, verb)
		return 0
	}
	fmt.Fprintf(out, "%s %s %s %s\n", p.status(string(ex.Status)), ex.ID, ex.Action.Target, p.muted(verb))
	if ex.Error != "" {
		fmt.Fprintf(out, "    %s\n", ex.Error)
	}
	// An approved fix that failed validation ends failed or rolled back.
	if verb == "approved" && ex.Status != autofix.StatusCompleted {
		return 1
	}
	return 0
}

func printFixRecords(out io.Writer, p painter, root string, recs []persistence.AutoFixRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(out, p.muted("no auto-fix executions recorded"))
		return
	}
	for _, r := range recs {
		fmt.Fprintf(out, "%s %s %-8s %-10s %-30s %s\n",
			p.muted(r.UpdatedAt.Local().Format(time.DateTime)),
			p.status(r.Status),
			r.Risk,
			r.ChangeKind,
			relTarget(root, r.Target),
			p.muted(r.ID),
		)
		if r.Error != "" {
			fmt.Fprintf(out, "    %s\n", r.Error)
		}
	}
}

func encodeJSON(out io.Writer, v any) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
		return 1
	}
	return 0
}
