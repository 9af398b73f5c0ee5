// Package backup is the content-addressed snapshot store used by the
// auto-fix engine. Blobs are keyed by the SHA-256 of the original bytes and
// every read is checked against that checksum.
package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/basket/gatekeeper/internal/persistence"
)

// ErrIntegrity is matched by every IntegrityError.
var ErrIntegrity = errors.New("backup integrity violation")

// ErrNotFound is returned for unknown backup ids.
var ErrNotFound = errors.New("backup not found")

// IntegrityError reports a backup whose stored bytes no longer hash to the
// recorded checksum.
type IntegrityError struct {
	BackupID string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("backup %s: checksum mismatch: expected %s, got %s", e.BackupID, e.Expected, e.Actual)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// Metadata describes one snapshot.
type Metadata struct {
	ID           string    `json:"id"`
	OriginalPath string    `json:"original_path"`
	BackupPath   string    `json:"backup_path"`
	Checksum     string    `json:"checksum"`
	Size         int64     `json:"size"`
	Compressed   bool      `json:"compressed"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store keeps blobs under <dir>/blobs and the registry in memory, mirrored
// to SQLite when a persistence store is supplied.
type Store struct {
	dir      string
	compress bool
	db       *persistence.Store // may be nil in tests
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]Metadata
	refs    map[string]int // blob path -> registry entries using it

	now func() time.Time
}

// Open prepares dir and reloads the registry from db.
func Open(ctx context.Context, dir string, compress bool, db *persistence.Store, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		compress: compress,
		db:       db,
		logger:   logger.With("component", "backup"),
		entries:  make(map[string]Metadata),
		refs:     make(map[string]int),
		now:      time.Now,
	}
	if db != nil {
		recs, err := db.ListBackups(ctx)
		if err != nil {
			return nil, fmt.Errorf("load backup registry: %w", err)
		}
		for _, r := range recs {
			md := Metadata{
				ID:           r.ID,
				OriginalPath: r.OriginalPath,
				BackupPath:   r.BlobKey,
				Checksum:     r.Checksum,
				Size:         r.Size,
				Compressed:   r.Compressed,
				CreatedAt:    r.CreatedAt,
			}
			s.entries[md.ID] = md
			s.refs[md.BackupPath]++
		}
	}
	return s, nil
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string { return s.dir }

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Snapshot copies the current bytes of path into the store. The target must
// exist; callers decide what a missing target means.
func (s *Store) Snapshot(ctx context.Context, path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := Checksum(data)
	blob := s.blobPath(sum, s.compress)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(blob); err != nil {
		if err := writeBlob(blob, data, s.compress); err != nil {
			return Metadata{}, err
		}
	}

	md := Metadata{
		ID:           uuid.NewString(),
		OriginalPath: abs,
		BackupPath:   blob,
		Checksum:     sum,
		Size:         int64(len(data)),
		Compressed:   s.compress,
		CreatedAt:    s.now(),
	}
	if s.db != nil {
		if err := s.db.SaveBackup(ctx, toRecord(md)); err != nil {
			return Metadata{}, err
		}
	}
	s.entries[md.ID] = md
	s.refs[blob]++
	s.logger.Debug("backup created", "backup_id", md.ID, "path", abs, "size", md.Size, "compressed", md.Compressed)
	return md, nil
}

// Read returns the original bytes of a backup after checking them against
// the recorded checksum.
func (s *Store) Read(id string) ([]byte, error) {
	md, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	raw, err := os.ReadFile(md.BackupPath)
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", id, err)
	}
	data := raw
	if md.Compressed {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, &IntegrityError{BackupID: id, Expected: md.Checksum, Actual: "unreadable"}
		}
		data, err = io.ReadAll(zr)
		_ = zr.Close()
		if err != nil {
			return nil, &IntegrityError{BackupID: id, Expected: md.Checksum, Actual: "unreadable"}
		}
	}
	if got := Checksum(data); got != md.Checksum {
		return nil, &IntegrityError{BackupID: id, Expected: md.Checksum, Actual: got}
	}
	return data, nil
}

// Verify checks that a backup can be read back intact.
func (s *Store) Verify(id string) error {
	_, err := s.Read(id)
	return err
}

// Restore writes the verified backup bytes over its original path. A
// checksum mismatch leaves the target untouched.
func (s *Store) Restore(id string) (Metadata, error) {
	data, err := s.Read(id)
	if err != nil {
		return Metadata{}, err
	}
	md, _ := s.Get(id)
	mode := os.FileMode(0o644)
	if info, err := os.Stat(md.OriginalPath); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.MkdirAll(filepath.Dir(md.OriginalPath), 0o755); err != nil {
		return md, fmt.Errorf("restore %s: %w", md.OriginalPath, err)
	}
	if err := AtomicWrite(md.OriginalPath, data, mode); err != nil {
		return md, fmt.Errorf("restore %s: %w", md.OriginalPath, err)
	}
	s.logger.Info("backup restored", "backup_id", id, "path", md.OriginalPath)
	return md, nil
}

func (s *Store) Get(id string) (Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.entries[id]
	return md, ok
}

// List returns the registry ordered by creation time.
func (s *Store) List() []Metadata {
	s.mu.Lock()
	out := make([]Metadata, 0, len(s.entries))
	for _, md := range s.entries {
		out = append(out, md)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete drops a registry entry and removes its blob once nothing else
// references it.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(ctx, id)
}

func (s *Store) deleteLocked(ctx context.Context, id string) error {
	md, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if s.db != nil {
		if err := s.db.DeleteBackup(ctx, id); err != nil {
			return err
		}
	}
	delete(s.entries, id)
	s.refs[md.BackupPath]--
	if s.refs[md.BackupPath] <= 0 {
		delete(s.refs, md.BackupPath)
		if err := os.Remove(md.BackupPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove backup blob", "path", md.BackupPath, "error", err)
		}
	}
	return nil
}

// Sweep deletes backups created before now-retention and returns how many
// were removed. Backups listed in keep are never removed.
func (s *Store) Sweep(ctx context.Context, retention time.Duration, keep map[string]bool) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, md := range s.entries {
		if md.CreatedAt.Before(cutoff) && !keep[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var errs []error
	removed := 0
	for _, id := range ids {
		if err := s.deleteLocked(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("backup retention sweep", "removed", removed, "cutoff", cutoff)
	}
	return removed, errors.Join(errs...)
}

func (s *Store) blobPath(sum string, compressed bool) string {
	name := sum
	if compressed {
		name += ".gz"
	}
	return filepath.Join(s.dir, "blobs", sum[:2], name)
}

func toRecord(md Metadata) persistence.BackupRecord {
	return persistence.BackupRecord{
		ID:           md.ID,
		OriginalPath: md.OriginalPath,
		BlobKey:      md.BackupPath,
		Checksum:     md.Checksum,
		Size:         md.Size,
		Compressed:   md.Compressed,
		CreatedAt:    md.CreatedAt,
	}
}

func writeBlob(path string, data []byte, compress bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	if !compress {
		return AtomicWrite(path, data, 0o644)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("compress blob: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return AtomicWrite(path, buf.Bytes(), 0o644)
}

// AtomicWrite writes data to a temp file in the target directory, syncs it
// and renames it over path.
func AtomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	cleanup = false
	return nil
}
