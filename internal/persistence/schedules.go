package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ScheduledExecutionRecord is one persisted schedule firing.
type ScheduledExecutionRecord struct {
	ID          string     `json:"id"`
	ScheduleID  string     `json:"schedule_id"`
	Kind        string     `json:"kind"`
	Trigger     string     `json:"trigger,omitempty"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
	Error       string     `json:"error,omitempty"`
}

// ScheduleRecord persists a schedule definition and the runtime state a
// restarted scheduler picks up again.
type ScheduleRecord struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	State       string    `json:"state"`
	ConfigJSON  string    `json:"config_json"`
	RuntimeJSON string    `json:"runtime_json"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Store) InsertScheduledExecution(ctx context.Context, r ScheduledExecutionRecord) error {
	var started any
	if r.StartedAt != nil {
		started = r.StartedAt.UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_executions (id, schedule_id, kind, trigger, status, scheduled_at, started_at, duration_ms, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status, started_at = excluded.started_at,
				duration_ms = excluded.duration_ms, error = excluded.error;
		`, r.ID, r.ScheduleID, r.Kind, r.Trigger, r.Status, r.ScheduledAt.UTC(), started, r.DurationMs, r.Error, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert scheduled execution: %w", err)
		}
		return nil
	})
}

// ListScheduledExecutions returns firings newest first. An empty scheduleID
// lists every schedule.
func (s *Store) ListScheduledExecutions(ctx context.Context, scheduleID string, limit int) ([]ScheduledExecutionRecord, error) {
	limit = clampLimit(limit, 50, 1000)
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `id, schedule_id, kind, trigger, status, scheduled_at, started_at, duration_ms, error`
	if scheduleID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+cols+` FROM scheduled_executions ORDER BY scheduled_at DESC, id DESC LIMIT ?;`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+cols+` FROM scheduled_executions WHERE schedule_id = ? ORDER BY scheduled_at DESC, id DESC LIMIT ?;`, scheduleID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query scheduled executions: %w", err)
	}
	defer rows.Close()

	var out []ScheduledExecutionRecord
	for rows.Next() {
		var r ScheduledExecutionRecord
		var started sql.NullTime
		if err := rows.Scan(&r.ID, &r.ScheduleID, &r.Kind, &r.Trigger, &r.Status, &r.ScheduledAt, &started, &r.DurationMs, &r.Error); err != nil {
			return nil, fmt.Errorf("scan scheduled execution: %w", err)
		}
		if started.Valid {
			t := started.Time
			r.StartedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduled execution rows: %w", err)
	}
	return out, nil
}

// UpsertSchedule keeps created_at of an existing row.
func (s *Store) UpsertSchedule(ctx context.Context, r ScheduleRecord) error {
	now := time.Now().UTC()
	if r.RuntimeJSON == "" {
		r.RuntimeJSON = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, kind, state, config_json, runtime_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, state = excluded.state,
				config_json = excluded.config_json, runtime_json = excluded.runtime_json,
				updated_at = excluded.updated_at;
		`, r.ID, r.Kind, r.State, r.ConfigJSON, r.RuntimeJSON, now, now)
		if err != nil {
			return fmt.Errorf("upsert schedule: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, state, config_json, runtime_json, created_at, updated_at
		FROM schedules ORDER BY id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []ScheduleRecord
	for rows.Next() {
		var r ScheduleRecord
		if err := rows.Scan(&r.ID, &r.Kind, &r.State, &r.ConfigJSON, &r.RuntimeJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}
