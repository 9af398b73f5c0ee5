package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/coordinator"
	"github.com/basket/gatekeeper/internal/evaluators"
	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/policy"
	"github.com/basket/gatekeeper/internal/scheduler"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkRulePack,
		checkPolicy,
		checkSchedules,
		checkDatabase,
		checkPermissions,
		checkExternalTools,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration invalid", Detail: err.Error()}
	}
	if !cfg.AnyComponentEnabled() {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No validation component enabled"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, using defaults (run gatekeeper init)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkRulePack(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Rules", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Rules.Enabled {
		return CheckResult{Name: "Rules", Status: "SKIP", Message: "Rule evaluation disabled"}
	}
	ev, err := evaluators.LoadPatternEvaluator(cfg.Rules.File)
	if err != nil {
		return CheckResult{Name: "Rules", Status: "FAIL", Message: "Rule pack invalid", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Rules",
		Status:  "PASS",
		Message: fmt.Sprintf("%d rules loaded", len(ev.Rules())),
		Detail:  fmt.Sprintf("source=%s", ev.Source()),
	}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.PolicyFile); os.IsNotExist(err) {
		return CheckResult{Name: "Policy", Status: "PASS", Message: "No policy file, built-in defaults apply"}
	}
	p, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return CheckResult{Name: "Policy", Status: "FAIL", Message: "Policy file invalid", Detail: err.Error()}
	}
	return CheckResult{Name: "Policy", Status: "PASS", Message: fmt.Sprintf("Policy %s loaded", p.PolicyVersion())}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "Config missing"}
	}
	var details []string
	status := "PASS"
	schedules, err := scheduler.LoadSchedulesFromConfig(cfg.Scheduler)
	if err != nil {
		status = "FAIL"
		details = append(details, err.Error())
	}
	tasks, err := coordinator.LoadTasksFromConfig(cfg.Coordinator.Tasks)
	if err != nil {
		status = "FAIL"
		details = append(details, err.Error())
	}
	if t := cfg.Integration.CoordinationTask; t != "" && err == nil {
		found := false
		for _, task := range tasks {
			found = found || task.ID == t
		}
		if !found {
			status = "FAIL"
			details = append(details, fmt.Sprintf("integration.coordination_task %q is not declared", t))
		}
	}
	return CheckResult{
		Name:    "Schedules",
		Status:  status,
		Message: fmt.Sprintf("%d schedules, %d coordination tasks", len(schedules), len(tasks)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListRuns(ctx, "", 1); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid", Detail: cfg.DBPath}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	dirs := []string{cfg.HomeDir}
	if cfg.AutoFix.Enabled && cfg.AutoFix.Backups.Enabled {
		dirs = append(dirs, cfg.AutoFix.Backups.Dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(testFile)
	}

	info, err := os.Stat(cfg.WorkspaceRoot)
	if err != nil || !info.IsDir() {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Workspace root %s is not a directory", cfg.WorkspaceRoot)}
	}

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home and backup directories writable"}
}

func checkExternalTools(_ context.Context, cfg *config.Config) CheckResult {
	var details []string
	status := "PASS"

	if _, err := exec.LookPath("git"); err != nil {
		details = append(details, "git: missing (workspace history unavailable)")
		status = "WARN"
	} else {
		details = append(details, "git: ok")
	}

	if cfg != nil && cfg.AutoFix.Enabled && len(cfg.AutoFix.InstallCommand) > 0 {
		bin := cfg.AutoFix.InstallCommand[0]
		if _, err := exec.LookPath(bin); err != nil {
			details = append(details, fmt.Sprintf("%s: missing (required for dependency fixes)", bin))
			status = "FAIL"
		} else {
			details = append(details, bin+": ok")
		}
	} else {
		details = append(details, "install command: skipped (not configured)")
	}

	return CheckResult{
		Name:    "External Tools",
		Status:  status,
		Message: fmt.Sprintf("Checked %d tools", len(details)),
		Detail:  strings.Join(details, ", "),
	}
}

// checkNetwork resolves the OTLP collector host when trace export is on.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.OTel.Enabled || cfg.OTel.Endpoint == "" || !strings.HasPrefix(cfg.OTel.Exporter, "otlp") {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "No remote exporter configured"}
	}
	host := endpointHost(cfg.OTel.Endpoint)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("exporter=%s, latency=%dms", cfg.OTel.Exporter, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("exporter=%s, addresses=%v", cfg.OTel.Exporter, addrs),
	}
}

func endpointHost(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Hostname()
	}
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		return host
	}
	return endpoint
}
