package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Continue so the Config check reports why.
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		if code := encodeJSON(out, diag); code != 0 {
			return code
		}
		if diag.Failed() {
			return 1
		}
		return 0
	}

	p := newPainter(out)
	fmt.Fprintln(out, p.title(fmt.Sprintf("Gatekeeper Doctor Report (%s)", diag.Timestamp.Format(time.RFC3339))))
	fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(out, "---")

	for _, res := range diag.Results {
		fmt.Fprintf(out, "%s %-15s: %s\n", p.status(res.Status), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "    %s\n", p.muted(res.Detail))
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
