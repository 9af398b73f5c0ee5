// Package audit keeps the append-only record of remediation decisions:
// every auto-fix that is denied, parked, approved, applied, failed or
// rolled back, plus a few system events (schema migrations, predicate
// quarantines, fatal startup). Entries go to logs/audit.jsonl under the
// home directory and, once SetDB is called, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/gatekeeper/internal/shared"
)

// Decisions recorded by the auto-fix engine.
const (
	DecisionAllow        = "allow"
	DecisionDeny         = "deny"
	DecisionApproval     = "approval_required"
	DecisionApproved     = "approved"
	DecisionRejected     = "rejected"
	DecisionApplied      = "applied"
	DecisionFailed       = "failed"
	DecisionRolledBack   = "rolled_back"
	DecisionIntegrityErr = "integrity_violation"
)

// FixEvent is one decision about an auto-fix execution. ExecutionID is
// empty for actions denied before an execution was created.
type FixEvent struct {
	Decision      string
	ExecutionID   string
	Target        string
	ChangeKind    string
	Risk          string
	Guardian      string
	Capabilities  []string
	Reason        string
	PolicyVersion string
}

type entry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id,omitempty"`
	Decision      string `json:"decision"`
	Capability    string `json:"capability"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	Subject       string `json:"subject,omitempty"`
	ExecutionID   string `json:"execution_id,omitempty"`
	ChangeKind    string `json:"change_kind,omitempty"`
	Risk          string `json:"risk,omitempty"`
	Guardian      string `json:"guardian,omitempty"`
}

var (
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB mirrors every entry into the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record appends a system decision about subject.
func Record(ctx context.Context, decision, capability, reason, policyVersion, subject string) {
	write(ctx, entry{
		Decision:      decision,
		Capability:    capability,
		Reason:        reason,
		PolicyVersion: policyVersion,
		Subject:       subject,
	})
}

// Fix appends an auto-fix decision. The target doubles as the entry's
// subject so file-based queries see one shape.
func Fix(ctx context.Context, ev FixEvent) {
	write(ctx, entry{
		Decision:      ev.Decision,
		Capability:    strings.Join(ev.Capabilities, ","),
		Reason:        ev.Reason,
		PolicyVersion: ev.PolicyVersion,
		Subject:       ev.Target,
		ExecutionID:   ev.ExecutionID,
		ChangeKind:    ev.ChangeKind,
		Risk:          ev.Risk,
		Guardian:      ev.Guardian,
	})
}

func write(ctx context.Context, e entry) {
	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)
	e.TraceID = shared.TraceID(ctx)
	if e.TraceID == "-" {
		e.TraceID = ""
	}
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version, execution_id)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.Subject, e.Capability, e.Decision, e.Reason, e.PolicyVersion, e.ExecutionID)
	}
}
