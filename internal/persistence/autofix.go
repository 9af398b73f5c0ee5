package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AutoFixRecord is the persisted form of an auto-fix execution. The action
// and validation result are stored as JSON documents.
type AutoFixRecord struct {
	ID             string    `json:"id"`
	Target         string    `json:"target"`
	Guardian       string    `json:"guardian"`
	ChangeKind     string    `json:"change_kind"`
	Risk           string    `json:"risk"`
	Status         string    `json:"status"`
	BackupID       string    `json:"backup_id,omitempty"`
	ActionJSON     string    `json:"action_json"`
	ValidationJSON string    `json:"validation_json,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (s *Store) UpsertAutoFixExecution(ctx context.Context, r AutoFixRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	if r.ActionJSON == "" {
		r.ActionJSON = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO autofix_executions (id, target, guardian, change_kind, risk, status, backup_id,
				action_json, validation_json, error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status, backup_id = excluded.backup_id,
				validation_json = excluded.validation_json, error = excluded.error, updated_at = excluded.updated_at;
		`, r.ID, r.Target, r.Guardian, r.ChangeKind, r.Risk, r.Status, r.BackupID,
			r.ActionJSON, r.ValidationJSON, r.Error, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("upsert autofix execution: %w", err)
		}
		return nil
	})
}

const autofixColumns = `id, target, guardian, change_kind, risk, status, backup_id, action_json,
	validation_json, error, created_at, updated_at`

func scanAutoFix(scanFn func(dest ...any) error, r *AutoFixRecord) error {
	return scanFn(&r.ID, &r.Target, &r.Guardian, &r.ChangeKind, &r.Risk, &r.Status, &r.BackupID,
		&r.ActionJSON, &r.ValidationJSON, &r.Error, &r.CreatedAt, &r.UpdatedAt)
}

func (s *Store) GetAutoFixExecution(ctx context.Context, id string) (AutoFixRecord, error) {
	var r AutoFixRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+autofixColumns+` FROM autofix_executions WHERE id = ?;`, id)
	if err := scanAutoFix(row.Scan, &r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, fmt.Errorf("autofix execution %s: %w", id, ErrNotFound)
		}
		return r, fmt.Errorf("get autofix execution: %w", err)
	}
	return r, nil
}

// ListAutoFixExecutions returns executions newest first, optionally filtered
// by status.
func (s *Store) ListAutoFixExecutions(ctx context.Context, status string, limit int) ([]AutoFixRecord, error) {
	limit = clampLimit(limit, 50, 1000)
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+autofixColumns+` FROM autofix_executions ORDER BY updated_at DESC, id DESC LIMIT ?;`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+autofixColumns+` FROM autofix_executions WHERE status = ? ORDER BY updated_at DESC, id DESC LIMIT ?;`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query autofix executions: %w", err)
	}
	defer rows.Close()

	var out []AutoFixRecord
	for rows.Next() {
		var r AutoFixRecord
		if err := scanAutoFix(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan autofix execution: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("autofix rows: %w", err)
	}
	return out, nil
}
