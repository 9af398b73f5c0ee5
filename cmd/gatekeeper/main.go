package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/basket/gatekeeper/internal/audit"
	"github.com/basket/gatekeeper/internal/backup"
	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                  Run schedules and watch the workspace (logs to stdout)
  %s daemon                   Same as -daemon

SUBCOMMANDS:
  %s run [flags] [targets]    Validate files or directories (default: workspace root)
                              Flags: -mode sequential|parallel|adaptive, -json
  %s history [flags]          Show persisted validation runs
                              Flags: -target <path>, -limit <n>, -id <run>, -json
  %s fixes <action>           Manage auto-fix executions
                              Actions: list, pending, approve <id>, reject <id> [reason],
                                       rollback <id> [reason]
  %s backups <action>         Manage file backups
                              Actions: list, verify <id>, restore <id>, sweep
  %s schedules <action>       Inspect and fire schedules
                              Actions: list, history [id], trigger <id>
  %s doctor [-json]           Run diagnostic checks
  %s init [--force]           Write a default config.yaml
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GATEKEEPER_HOME         Data directory (default: ~/.gatekeeper)
  GATEKEEPER_LOG_LEVEL    Overrides log_level
  GATEKEEPER_WORKSPACE    Overrides workspace_root

EXAMPLES:
  Validate a directory:   %s run ./src
  Daemon mode:            %s -daemon
  Approve a fix:          %s fixes approve <execution-id>
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	daemon := flag.Bool("daemon", false, "run in daemon mode (schedules, watchers, logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if !*daemon {
		if len(args) == 0 {
			printUsage()
			os.Exit(2)
		}
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "run":
			os.Exit(runRunCommand(ctx, args[1:], os.Stdout))
		case "history":
			os.Exit(runHistoryCommand(ctx, args[1:], os.Stdout))
		case "fixes":
			os.Exit(runFixesCommand(ctx, args[1:], os.Stdout))
		case "backups":
			os.Exit(runBackupsCommand(ctx, args[1:], os.Stdout))
		case "schedules":
			os.Exit(runSchedulesCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		case "init":
			os.Exit(runInitCommand(args[1:], os.Stdout))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx))
}

// startCommand loads configuration and the logging stack shared by every
// subcommand that touches the store. quiet keeps logs out of stdout.
func startCommand(quiet bool) (config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("config load: %w", err)
	}
	// Audit only needs homeDir, so it comes up before the logger.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return cfg, nil, nil, fmt.Errorf("audit init: %w", err)
	}
	logger, closer, err := telemetry.NewLogger(telemetry.Options{
		HomeDir:       cfg.HomeDir,
		Level:         cfg.LogLevel,
		Quiet:         quiet,
		WorkspaceRoot: cfg.WorkspaceRoot,
	})
	if err != nil {
		_ = audit.Close()
		return cfg, nil, nil, fmt.Errorf("logger init: %w", err)
	}
	slog.SetDefault(logger)
	cleanup := func() {
		_ = closer.Close()
		_ = audit.Close()
	}
	return cfg, logger, cleanup, nil
}

// commandQuiet reports whether CLI logs should stay file-only. They do when
// a person is reading stdout.
func commandQuiet() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func runInitCommand(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	force := fs.Bool("force", false, "overwrite an existing config.yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	home := config.HomeDir()
	path := config.ConfigPath(home)
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "%s already exists (use --force to overwrite)\n", path)
		return 1
	}
	if err := writeDefaultConfig(home); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "wrote %s\n", path)
	return 0
}

// writeDefaultConfig writes the built-in configuration to config.yaml.
// Paths derived from the home directory are left empty so they follow
// GATEKEEPER_HOME.
func writeDefaultConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	cfg := config.Default(homeDir)
	cfg.DBPath = ""
	cfg.PolicyFile = ""
	cfg.WorkspaceRoot = ""
	cfg.Rules.File = ""
	cfg.AutoFix.Backups.Dir = ""
	cfg.Scheduler.PredicateDir = ""

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return backup.AtomicWrite(config.ConfigPath(homeDir), data, 0o644)
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: gatekeeper daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: gatekeeper daemon [--help]")
	fmt.Fprintln(w, "       gatekeeper -daemon")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs configured schedules and watches the workspace until interrupted.")
}
