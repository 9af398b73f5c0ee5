package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/gatekeeper/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "gatekeeper.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"schema_migrations", "validation_runs", "scheduled_executions", "backups", "autofix_executions", "audit_log", "schedules"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}

	var version int
	var checksum string
	if err := db.QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 3 || checksum == "" {
		t.Fatalf("unexpected ledger row: version=%d checksum=%q", version, checksum)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	if err := store.InsertRun(context.Background(), persistence.RunRecord{ID: "r1", Target: "a.go", Mode: "sequential", Status: "passed"}); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	_ = store.Close()

	again, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	runs, err := again.ListRuns(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected run to survive reopen, got %d", len(runs))
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gatekeeper.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=3;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_RunsNewestFirst(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, target := range []string{"a.go", "b.go", "a.go"} {
		rec := persistence.RunRecord{
			ID:        string(rune('a' + i)),
			Target:    target,
			Mode:      "parallel",
			Status:    "passed",
			Score:     0.5 + float64(i)/10,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.InsertRun(ctx, rec); err != nil {
			t.Fatalf("insert run %d: %v", i, err)
		}
	}

	runs, err := store.ListRuns(ctx, "", 2)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", runs)
	}

	onlyA, err := store.ListRuns(ctx, "a.go", 10)
	if err != nil {
		t.Fatalf("list runs by target: %v", err)
	}
	if len(onlyA) != 2 {
		t.Fatalf("expected 2 runs for a.go, got %d", len(onlyA))
	}

	got, err := store.GetRun(ctx, "b")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Target != "b.go" || got.ResultJSON != "{}" {
		t.Fatalf("unexpected run: %+v", got)
	}
	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n, err := store.ClearRuns(ctx)
	if err != nil || n != 3 {
		t.Fatalf("clear runs: n=%d err=%v", n, err)
	}
}

func TestStore_ScheduledExecutionsUpsert(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := persistence.ScheduledExecutionRecord{ID: "e1", ScheduleID: "nightly", Kind: "cron", Status: "running", ScheduledAt: now, StartedAt: &now}
	if err := store.InsertScheduledExecution(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec.Status = "completed"
	rec.DurationMs = 42
	if err := store.InsertScheduledExecution(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	skipped := persistence.ScheduledExecutionRecord{ID: "e2", ScheduleID: "other", Kind: "event", Status: "skipped", ScheduledAt: now.Add(time.Second)}
	if err := store.InsertScheduledExecution(ctx, skipped); err != nil {
		t.Fatalf("insert skipped: %v", err)
	}

	got, err := store.ListScheduledExecutions(ctx, "nightly", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Status != "completed" || got[0].DurationMs != 42 || got[0].StartedAt == nil {
		t.Fatalf("unexpected executions: %+v", got)
	}
	all, err := store.ListScheduledExecutions(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 || all[0].ID != "e2" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	bad := persistence.ScheduledExecutionRecord{ID: "e3", ScheduleID: "x", Kind: "cron", Status: "exploded", ScheduledAt: now}
	if err := store.InsertScheduledExecution(ctx, bad); err == nil {
		t.Fatal("expected CHECK constraint to reject unknown status")
	}
}

func TestStore_Schedules(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertSchedule(ctx, persistence.ScheduleRecord{ID: "s1", Kind: "interval", State: "running", ConfigJSON: `{"id":"s1"}`}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if list, _ := store.ListSchedules(ctx); len(list) != 1 || list[0].RuntimeJSON != "{}" {
		t.Fatalf("runtime state should default to an empty object: %+v", list)
	}
	if err := store.UpsertSchedule(ctx, persistence.ScheduleRecord{ID: "s1", Kind: "interval", State: "paused", ConfigJSON: `{"id":"s1"}`, RuntimeJSON: `{"fired":2}`}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	list, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].State != "paused" || list[0].RuntimeJSON != `{"fired":2}` {
		t.Fatalf("unexpected schedules: %+v", list)
	}
	if err := store.DeleteSchedule(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, _ = store.ListSchedules(ctx)
	if len(list) != 0 {
		t.Fatalf("expected schedule deleted, got %+v", list)
	}
}

func TestStore_BackupRegistry(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"b1", "b2"} {
		rec := persistence.BackupRecord{ID: id, OriginalPath: "/w/a.go", BlobKey: "abc", Checksum: "abc", Size: 10, Compressed: true, CreatedAt: now.Add(time.Duration(i) * time.Second)}
		if err := store.SaveBackup(ctx, rec); err != nil {
			t.Fatalf("save backup: %v", err)
		}
	}
	list, err := store.ListBackups(ctx)
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(list) != 2 || list[0].ID != "b1" || !list[0].Compressed {
		t.Fatalf("unexpected registry: %+v", list)
	}
	if err := store.DeleteBackup(ctx, "b1"); err != nil {
		t.Fatalf("delete backup: %v", err)
	}
	list, _ = store.ListBackups(ctx)
	if len(list) != 1 || list[0].ID != "b2" {
		t.Fatalf("expected only b2 left, got %+v", list)
	}
}

func TestStore_AutoFixExecutions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	rec := persistence.AutoFixRecord{ID: "x1", Target: "pkg.json", Guardian: "deps", ChangeKind: "dependency", Risk: "high", Status: "pending"}
	if err := store.UpsertAutoFixExecution(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	pending, err := store.ListAutoFixExecutions(ctx, "pending", 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending execution, got %v err=%v", pending, err)
	}

	rec.Status = "completed"
	rec.BackupID = "b9"
	rec.UpdatedAt = time.Now().Add(time.Second)
	if err := store.UpsertAutoFixExecution(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := store.GetAutoFixExecution(ctx, "x1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "completed" || got.BackupID != "b9" || got.Guardian != "deps" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, err := store.GetAutoFixExecution(ctx, "nope"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_RunRetention(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -40)

	if err := store.InsertRun(ctx, persistence.RunRecord{ID: "old", Target: "a", Mode: "sequential", Status: "passed", CreatedAt: old}); err != nil {
		t.Fatalf("insert old run: %v", err)
	}
	if err := store.InsertRun(ctx, persistence.RunRecord{ID: "new", Target: "a", Mode: "sequential", Status: "passed"}); err != nil {
		t.Fatalf("insert new run: %v", err)
	}
	if err := store.UpsertAutoFixExecution(ctx, persistence.AutoFixRecord{ID: "p", Target: "t", ChangeKind: "replace", Risk: "high", Status: "pending", CreatedAt: old, UpdatedAt: old}); err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	if err := store.UpsertAutoFixExecution(ctx, persistence.AutoFixRecord{ID: "f", Target: "t", ChangeKind: "replace", Risk: "low", Status: "failed", CreatedAt: old, UpdatedAt: old}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	res, err := store.RunRetention(ctx, 30, 30, 0)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedRuns != 1 {
		t.Fatalf("expected 1 purged run, got %d", res.PurgedRuns)
	}
	if res.PurgedExecutions != 1 {
		t.Fatalf("expected only the finished execution purged, got %d", res.PurgedExecutions)
	}
	if _, err := store.GetAutoFixExecution(ctx, "p"); err != nil {
		t.Fatalf("pending execution must survive retention: %v", err)
	}

	again, err := store.RunRetention(ctx, 30, 30, 0)
	if err != nil {
		t.Fatalf("second retention: %v", err)
	}
	if again.PurgedRuns != 0 || again.PurgedExecutions != 0 {
		t.Fatalf("retention should be idempotent, got %+v", again)
	}
}
