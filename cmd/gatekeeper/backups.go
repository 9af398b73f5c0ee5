package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/basket/gatekeeper/internal/backup"
)

const backupsUsage = "usage: gatekeeper backups list [-json]|verify [id]|restore <id>|sweep"

func runBackupsCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		fmt.Fprintln(os.Stderr, backupsUsage)
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
	case "list", "sweep":
		if len(rest) != 0 {
			fmt.Fprintln(os.Stderr, backupsUsage)
			return 2
		}
	case "verify":
		if len(rest) > 1 {
			fmt.Fprintln(os.Stderr, backupsUsage)
			return 2
		}
	case "restore":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: gatekeeper backups restore <id>")
			return 2
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown backups action %q\n%s\n", action, backupsUsage)
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
	case "list":
		list := a.backups.List()
		if jsonOut {
			return encodeJSON(out, list)
		}
		printBackups(out, p, cfg.WorkspaceRoot, list)
		return 0
	case "verify":
		ids := rest
		if len(ids) == 0 {
			for _, md := range a.backups.List() {
				ids = append(ids, md.ID)
			}
		}
		return verifyBackups(out, p, a.backups, ids)
	case "restore":
		md, err := a.backups.Restore(rest[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "restore %s: %v\n", rest[0], err)
			return 1
		}
		fmt.Fprintf(out, "%s %s %s\n", p.status("completed"), md.OriginalPath, p.muted("restored from "+md.ID))
		return 0
	default:
		n, err := a.autofix.SweepBackups(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "removed %d backups older than %d days\n", n, cfg.AutoFix.Backups.RetentionDays)
		return 0
	}
}

func printBackups(out io.Writer, p painter, root string, list []backup.Metadata) {
	if len(list) == 0 {
		fmt.Fprintln(out, p.muted("no backups recorded"))
		return
	}
	for _, md := range list {
		compressed := ""
		if md.Compressed {
			compressed = " gzip"
		}
		fmt.Fprintf(out, "%s %-36s %8d bytes%s %s %s\n",
			p.muted(md.CreatedAt.Local().Format(time.DateTime)),
			md.ID,
			md.Size,
			compressed,
			relTarget(root, md.OriginalPath),
			p.muted(md.Checksum[:min(12, len(md.Checksum))]),
		)
	}
}

func verifyBackups(out io.Writer, p painter, store *backup.Store, ids []string) int {
	code := 0
	for _, id := range ids {
		err := store.Verify(id)
		switch {
		case err == nil:
			fmt.Fprintf(out, "%s %s\n", p.status("PASS"), id)
		case errors.Is(err, backup.ErrIntegrity):
			fmt.Fprintf(out, "%s %s %s\n", p.status("FAIL"), id, err)
			code = 1
		default:
			fmt.Fprintf(out, "%s %s %s\n", p.status("error"), id, err)
			code = 1
		}
	}
	return code
}
