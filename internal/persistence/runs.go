package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RunRecord is one persisted validation run.
type RunRecord struct {
	ID                string    `json:"id"`
	Target            string    `json:"target"`
	Mode              string    `json:"mode"`
	Strategy          string    `json:"strategy,omitempty"`
	Status            string    `json:"status"`
	Score             float64   `json:"score"`
	Alignment         float64   `json:"alignment"`
	Health            float64   `json:"health"`
	CriticalCount     int       `json:"critical_count"`
	DurationMs        int64     `json:"duration_ms"`
	ScheduleID        string    `json:"schedule_id,omitempty"`
	ConfigFingerprint string    `json:"config_fingerprint,omitempty"`
	ResultJSON        string    `json:"result_json,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func (s *Store) InsertRun(ctx context.Context, r RunRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.ResultJSON == "" {
		r.ResultJSON = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO validation_runs (id, target, mode, strategy, status, score, alignment, health,
				critical_count, duration_ms, schedule_id, config_fingerprint, result_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, r.ID, r.Target, r.Mode, r.Strategy, r.Status, r.Score, r.Alignment, r.Health,
			r.CriticalCount, r.DurationMs, r.ScheduleID, r.ConfigFingerprint, r.ResultJSON, r.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

const runColumns = `id, target, mode, strategy, status, score, alignment, health, critical_count,
	duration_ms, schedule_id, config_fingerprint, result_json, created_at`

func scanRun(scanFn func(dest ...any) error, r *RunRecord) error {
	return scanFn(&r.ID, &r.Target, &r.Mode, &r.Strategy, &r.Status, &r.Score, &r.Alignment, &r.Health,
		&r.CriticalCount, &r.DurationMs, &r.ScheduleID, &r.ConfigFingerprint, &r.ResultJSON, &r.CreatedAt)
}

// ListRuns returns the most recent runs, newest first. A non-empty target
// restricts the list to that target.
func (s *Store) ListRuns(ctx context.Context, target string, limit int) ([]RunRecord, error) {
	limit = clampLimit(limit, 20, 1000)
	var (
		rows *sql.Rows
		err  error
	)
	if target == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM validation_runs ORDER BY created_at DESC, id DESC LIMIT ?;`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM validation_runs WHERE target = ? ORDER BY created_at DESC, id DESC LIMIT ?;`, target, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := scanRun(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runs rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	var r RunRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM validation_runs WHERE id = ?;`, id)
	if err := scanRun(row.Scan, &r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return r, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ClearRuns deletes every persisted run and returns how many were removed.
func (s *Store) ClearRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM validation_runs;`)
	if err != nil {
		return 0, fmt.Errorf("clear runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
