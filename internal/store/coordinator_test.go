package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCoordinatorBackupAndPrune(t *testing.T) {
	dataDir := t.TempDir()
	backupDir := t.TempDir()

	tbl, err := OpenTable(dataDir, "tasks")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	defer tbl.Close()
	if err := tbl.Insert("t1", []byte("hello")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	c := NewCoordinator(dataDir, backupDir, 2, nil)
	c.Register(tbl)

	for i := 0; i < 3; i++ {
		c.BackupAll(context.Background())
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected retention to keep 2 backups, got %d", len(entries))
	}
}

func TestCoordinatorRecoverFromBackup(t *testing.T) {
	dataDir := t.TempDir()
	backupDir := t.TempDir()

	tbl, err := OpenTable(dataDir, "tasks")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if err := tbl.Insert("t1", []byte("hello")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	c := NewCoordinator(dataDir, backupDir, 3, nil)
	c.Register(tbl)
	c.BackupAll(context.Background())

	if err := tbl.Insert("t2", []byte("world")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Simulate corruption: truncate the live file, then recover from backup.
	tbl.mu.Lock()
	tbl.db.Close()
	tbl.db = nil
	tbl.mu.Unlock()
	if err := os.WriteFile(tbl.Path(), []byte("not a bolt file"), 0o600); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	if err := c.Recover("tasks"); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	v, ok, err := tbl.Lookup("t1")
	if err != nil || !ok || string(v) != "hello" {
		t.Fatalf("expected t1 restored from backup, got v=%q ok=%v err=%v", v, ok, err)
	}
	// t2 was written after the backup, so it is expected to be lost.
	if _, ok, _ := tbl.Lookup("t2"); ok {
		t.Fatalf("did not expect post-backup write to survive recovery")
	}
	if tbl.Degraded() {
		t.Fatalf("table should not be degraded after a successful restore")
	}
}

func TestCoordinatorRecoverWithoutBackupGoesDegraded(t *testing.T) {
	dataDir := t.TempDir()
	backupDir := t.TempDir()

	tbl, err := OpenTable(dataDir, "tasks")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if err := tbl.Insert("t1", []byte("hello")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	c := NewCoordinator(dataDir, backupDir, 3, nil)
	c.Register(tbl)
	// No backup taken.

	tbl.mu.Lock()
	tbl.db.Close()
	tbl.db = nil
	tbl.mu.Unlock()
	if err := os.WriteFile(tbl.Path(), []byte("not a bolt file"), 0o600); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	if err := c.Recover("tasks"); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !tbl.Degraded() {
		t.Fatalf("expected table to be in degraded mode after recovery without a backup")
	}
	n, err := tbl.Count()
	if err != nil || n != 0 {
		t.Fatalf("expected empty table after degraded restart, got n=%d err=%v", n, err)
	}
}

func TestCoordinatorCompactSkipsBelowThreshold(t *testing.T) {
	dataDir := t.TempDir()
	backupDir := t.TempDir()
	tbl, err := OpenTable(dataDir, "tasks")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	defer tbl.Close()

	c := NewCoordinator(dataDir, backupDir, 3, nil)
	c.Register(tbl)

	before, err := os.Stat(tbl.Path())
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	c.CompactAll(context.Background(), 0.99) // unreachable threshold
	after, err := os.Stat(filepath.Join(dataDir, "tasks.db"))
	if err != nil {
		t.Fatalf("Stat after: %v", err)
	}
	if before.ModTime() != after.ModTime() {
		t.Fatalf("tasks.db was rewritten at threshold 0.99; compaction should have been skipped")
	}
}
