package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/gatekeeper/internal/backup"
	"github.com/basket/gatekeeper/internal/persistence"
)

const files = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "gatekeeper-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	workspace := filepath.Join(baseDir, "workspace")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		fmt.Printf("mkdir_error=%v\n", err)
		os.Exit(1)
	}
	dbPath := filepath.Join(baseDir, "gatekeeper.db")
	dbCopyPath := filepath.Join(baseDir, "copy.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	backups, err := backup.Open(ctx, filepath.Join(baseDir, "backups"), true, store, nil)
	if err != nil {
		fmt.Printf("open_backups_error=%v\n", err)
		os.Exit(1)
	}

	originals := make(map[string]string, files)
	var snapshots []backup.Metadata
	snapshotStart := time.Now().UTC()
	for i := 0; i < files; i++ {
		path := filepath.Join(workspace, fmt.Sprintf("module-%02d.ts", i))
		content := fmt.Sprintf("export const value%d = %d;\n", i, i)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			fmt.Printf("write_error=%v\n", err)
			os.Exit(1)
		}
		md, err := backups.Snapshot(ctx, path)
		if err != nil {
			fmt.Printf("snapshot_error=%v\n", err)
			os.Exit(1)
		}
		originals[path] = content
		snapshots = append(snapshots, md)
		if err := os.WriteFile(path, []byte("// clobbered\n"), 0o644); err != nil {
			fmt.Printf("clobber_error=%v\n", err)
			os.Exit(1)
		}
	}
	snapshotEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored := 0
	for _, md := range snapshots {
		if _, err := backups.Restore(md.ID); err != nil {
			fmt.Printf("restore_error=%v id=%s\n", err, md.ID)
			continue
		}
		data, err := os.ReadFile(md.OriginalPath)
		if err == nil && string(data) == originals[md.OriginalPath] {
			restored++
		}
	}
	restoreEnd := time.Now().UTC()

	// A blob that no longer hashes to its checksum must be refused.
	victim := snapshots[0]
	if err := os.WriteFile(victim.BackupPath, []byte("corrupt"), 0o644); err != nil {
		fmt.Printf("corrupt_error=%v\n", err)
		os.Exit(1)
	}
	integrityErr := backups.Verify(victim.ID)
	detected := errors.Is(integrityErr, backup.ErrIntegrity)

	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?;`, dbCopyPath); err != nil {
		fmt.Printf("vacuum_error=%v\n", err)
		os.Exit(1)
	}
	copyStore, err := persistence.Open(dbCopyPath)
	if err != nil {
		fmt.Printf("open_copy_error=%v\n", err)
		os.Exit(1)
	}
	defer copyStore.Close()
	reopened, err := backup.Open(ctx, filepath.Join(baseDir, "backups"), true, copyStore, nil)
	if err != nil {
		fmt.Printf("reopen_backups_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("snapshot_duration=%s\n", snapshotEnd.Sub(snapshotStart))
	fmt.Printf("restore_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_files=%d\n", restored)
	fmt.Printf("corruption_detected=%v\n", detected)
	fmt.Printf("registry_after_reopen=%d\n", len(reopened.List()))

	if restored < files || !detected || len(reopened.List()) < files {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
