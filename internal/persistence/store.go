// Package persistence is the SQLite store behind run history, schedule
// executions, the backup registry, auto-fix executions and the audit log.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/gatekeeper/internal/audit"
	"github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "gk-v1-2026-09-28-governance"

	// v2 adds schedules and autofix_executions.guardian.
	schemaVersionV2  = 2
	schemaChecksumV2 = "gk-v2-2026-10-06-schedules"

	// v3 adds schedules.runtime_json (firing counts, adaptive interval) and
	// audit_log.execution_id.
	schemaVersionV3  = 3
	schemaChecksumV3 = "gk-v3-2026-10-19-schedule-runtime"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gatekeeper", "gatekeeper.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy matches BUSY (5) and LOCKED (6) by message so callers do not
// need the cgo driver's error type.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
		schemaVersionV3: schemaChecksumV3,
	}
	if maxVersion != 0 {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existing != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existing, want)
		}
	}
	if maxVersion == schemaVersionLatest {
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS validation_runs (
			id TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			mode TEXT NOT NULL,
			strategy TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			score REAL NOT NULL DEFAULT 0,
			alignment REAL NOT NULL DEFAULT 0,
			health REAL NOT NULL DEFAULT 0,
			critical_count INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			schedule_id TEXT NOT NULL DEFAULT '',
			config_fingerprint TEXT NOT NULL DEFAULT '',
			result_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_executions (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			trigger TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'completed', 'failed', 'skipped')),
			scheduled_at DATETIME NOT NULL,
			started_at DATETIME,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS backups (
			id TEXT PRIMARY KEY,
			original_path TEXT NOT NULL,
			blob_key TEXT NOT NULL,
			checksum TEXT NOT NULL,
			size INTEGER NOT NULL,
			compressed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS autofix_executions (
			id TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			change_kind TEXT NOT NULL,
			risk TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'completed', 'failed', 'rolled_back', 'rejected')),
			backup_id TEXT NOT NULL DEFAULT '',
			action_json TEXT NOT NULL DEFAULT '{}',
			validation_json TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			policy_version TEXT NOT NULL DEFAULT '',
			execution_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			config_json TEXT NOT NULL,
			runtime_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Columns added after v1; ignore "duplicate column".
	_, _ = tx.ExecContext(ctx, `ALTER TABLE autofix_executions ADD COLUMN guardian TEXT NOT NULL DEFAULT ''`)
	_, _ = tx.ExecContext(ctx, `ALTER TABLE schedules ADD COLUMN runtime_json TEXT NOT NULL DEFAULT '{}'`)
	_, _ = tx.ExecContext(ctx, `ALTER TABLE audit_log ADD COLUMN execution_id TEXT NOT NULL DEFAULT ''`)

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON validation_runs(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_target ON validation_runs(target, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_sched_exec_schedule ON scheduled_executions(schedule_id, scheduled_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_backups_blob ON backups(blob_key);`,
		`CREATE INDEX IF NOT EXISTS idx_autofix_status ON autofix_executions(status, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_execution ON audit_log(execution_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record(ctx, audit.DecisionAllow, "data.migration", "migration_applied", "",
		fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest))
	return nil
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedRuns       int64 `json:"purged_runs"`
	PurgedExecutions int64 `json:"purged_executions"`
	PurgedAuditLogs  int64 `json:"purged_audit_logs"`
}

// RunRetention deletes records older than each window. Zero keeps forever.
// Pending auto-fix executions are never purged.
func (s *Store) RunRetention(ctx context.Context, runsDays, executionsDays, auditDays int) (RetentionResult, error) {
	var result RetentionResult
	now := time.Now().UTC()

	if runsDays > 0 {
		cutoff := now.AddDate(0, 0, -runsDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM validation_runs WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge validation_runs: %w", err)
		}
		result.PurgedRuns, _ = res.RowsAffected()
	}

	if executionsDays > 0 {
		cutoff := now.AddDate(0, 0, -executionsDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_executions WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge scheduled_executions: %w", err)
		}
		n, _ := res.RowsAffected()
		res, err = s.db.ExecContext(ctx, `DELETE FROM autofix_executions WHERE status != 'pending' AND updated_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge autofix_executions: %w", err)
		}
		m, _ := res.RowsAffected()
		result.PurgedExecutions = n + m
	}

	if auditDays > 0 {
		cutoff := now.AddDate(0, 0, -auditDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}

func clampLimit(limit, def, max int) int {
	switch {
	case limit <= 0:
		return def
	case limit > max:
		return max
	}
	return limit
}
