package persistence

import (
	"context"
	"fmt"
	"time"
)

// BackupRecord is the registry row of one backup snapshot.
type BackupRecord struct {
	ID           string    `json:"id"`
	OriginalPath string    `json:"original_path"`
	BlobKey      string    `json:"blob_key"`
	Checksum     string    `json:"checksum"`
	Size         int64     `json:"size"`
	Compressed   bool      `json:"compressed"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Store) SaveBackup(ctx context.Context, r BackupRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO backups (id, original_path, blob_key, checksum, size, compressed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET original_path = excluded.original_path, blob_key = excluded.blob_key,
				checksum = excluded.checksum, size = excluded.size, compressed = excluded.compressed;
		`, r.ID, r.OriginalPath, r.BlobKey, r.Checksum, r.Size, r.Compressed, r.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("save backup: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete backup: %w", err)
		}
		return nil
	})
}

// ListBackups returns the whole registry ordered by creation time.
func (s *Store) ListBackups(ctx context.Context) ([]BackupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_path, blob_key, checksum, size, compressed, created_at
		FROM backups ORDER BY created_at, id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query backups: %w", err)
	}
	defer rows.Close()

	var out []BackupRecord
	for rows.Next() {
		var r BackupRecord
		if err := rows.Scan(&r.ID, &r.OriginalPath, &r.BlobKey, &r.Checksum, &r.Size, &r.Compressed, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backup rows: %w", err)
	}
	return out, nil
}
