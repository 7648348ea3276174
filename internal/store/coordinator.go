package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/logging"
)

// Coordinator drives backup, compaction, and corruption recovery for a set
// of registered tables, serially per table, per spec.md §4.1: "Backups are
// serial (never concurrent across tables)" and "[recovery] is serial per
// table to avoid races."
type Coordinator struct {
	mu        sync.Mutex
	tables    map[string]*Table
	dataDir   string
	backupDir string
	retention int

	bus *events.Subject
	log logging.Logger
}

// NewCoordinator creates a backup/compaction/recovery coordinator.
// bus may be nil in tests that don't care about health signals.
func NewCoordinator(dataDir, backupDir string, retention int, bus *events.Subject) *Coordinator {
	if retention <= 0 {
		retention = 3
	}
	return &Coordinator{
		tables:    make(map[string]*Table),
		dataDir:   dataDir,
		backupDir: backupDir,
		retention: retention,
		bus:       bus,
		log:       logging.Component("store.coordinator"),
	}
}

// Register adds a table to the coordinator's management set and installs
// the table's corruption handler so hot-path errors drive recovery.
func (c *Coordinator) Register(t *Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[t.name] = t
	t.SetCorruptionHandler(c.onCorruption)
}

func (c *Coordinator) onCorruption(table, reason string) {
	c.log.Errorf("corruption detected table=%s reason=%s", table, reason)
	if c.bus != nil {
		_ = events.Emit(c.bus, events.TopicTableCorrupted, events.TableCorruptedEvent{Table: table, Reason: reason})
	}
	if err := c.Recover(table); err != nil {
		c.log.Errorf("recovery failed table=%s err=%v", table, err)
	}
}

// tableNames returns a sorted snapshot of registered table names so backup
// and compaction passes have a deterministic, enumerable order.
func (c *Coordinator) tableNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Coordinator) table(name string) *Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tables[name]
}

// --- Backups ---------------------------------------------------------------

// BackupAll copies every registered table's file into a timestamped path
// under backupDir, one table at a time, retrying each failed backup once
// before moving on (spec.md §4.1: "a backup that fails is logged and
// retried on the next tick" — the immediate retry here is the "transient
// I/O" local-recovery rule from §7; the coordinator's own tick is the outer
// retry).
func (c *Coordinator) BackupAll(ctx context.Context) {
	for _, name := range c.tableNames() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.backupOne(name); err != nil {
			c.log.Errorf("backup failed table=%s err=%v (retrying once)", name, err)
			if err := c.backupOne(name); err != nil {
				c.log.Errorf("backup retry failed table=%s err=%v; will retry next cycle", name, err)
			}
		}
	}
}

func (c *Coordinator) backupOne(name string) error {
	t := c.table(name)
	if t == nil {
		return fmt.Errorf("unknown table %s", name)
	}
	if err := os.MkdirAll(c.backupDir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	stamp := time.Now().UTC().Format("20060102T150405.000000000Z")
	dest := filepath.Join(c.backupDir, fmt.Sprintf("%s.%s.bak", name, stamp))

	t.mu.Lock()
	db := t.db
	err := db.View(func(tx *bolt.Tx) error {
		f, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = tx.WriteTo(f)
		return err
	})
	t.mu.Unlock()
	if err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("copy %s: %w", name, err)
	}

	c.log.Infof("backed up table=%s -> %s", name, dest)
	return c.pruneBackups(name)
}

func (c *Coordinator) pruneBackups(name string) error {
	entries, err := os.ReadDir(c.backupDir)
	if err != nil {
		return err
	}
	var matches []string
	prefix := name + "."
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".bak") {
			matches = append(matches, e.Name())
		}
	}
	sort.Strings(matches) // timestamp-prefixed names sort chronologically
	if len(matches) <= c.retention {
		return nil
	}
	toRemove := matches[:len(matches)-c.retention]
	for _, m := range toRemove {
		if err := os.Remove(filepath.Join(c.backupDir, m)); err != nil {
			c.log.Errorf("prune backup failed %s: %v", m, err)
		}
	}
	return nil
}

func (c *Coordinator) latestBackup(name string) (string, bool) {
	entries, err := os.ReadDir(c.backupDir)
	if err != nil {
		return "", false
	}
	var matches []string
	prefix := name + "."
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".bak") {
			matches = append(matches, e.Name())
		}
	}
	if len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	return filepath.Join(c.backupDir, matches[len(matches)-1]), true
}

// RunBackupLoop runs BackupAll on the given interval until ctx is canceled.
func (c *Coordinator) RunBackupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.BackupAll(ctx)
		}
	}
}

// --- Compaction --------------------------------------------------------------

// CompactAll runs compaction for every registered table whose estimated
// fragmentation is at or above threshold, one table at a time.
func (c *Coordinator) CompactAll(ctx context.Context, threshold float64) {
	for _, name := range c.tableNames() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		t := c.table(name)
		if t == nil {
			continue
		}
		ratio, err := t.fragmentationRatio()
		if err != nil {
			c.log.Errorf("fragmentation check failed table=%s err=%v", name, err)
			continue
		}
		if ratio < threshold {
			continue
		}
		if err := c.compactOne(t); err != nil {
			c.log.Errorf("compaction failed table=%s err=%v (retrying once)", name, err)
			if err := c.compactOne(t); err != nil {
				c.log.Errorf("compaction retry failed table=%s err=%v; waiting for next cycle", name, err)
			}
		}
	}
}

// compactOne closes the table, rewrites it contiguously into a temp file,
// and reopens it — spec.md §4.1's "close, reopen with forced repair (which
// rewrites the file contiguously), then resume."
func (c *Coordinator) compactOne(t *Table) error {
	t.mu.Lock()
	path := t.path
	db := t.db
	t.mu.Unlock()
	if db == nil {
		return fmt.Errorf("table %s not open", t.name)
	}

	tmpPath := path + ".compact.tmp"
	dst, err := bolt.Open(tmpPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("open compaction target: %w", err)
	}

	t.mu.Lock()
	err = bolt.Compact(dst, t.db, 0)
	t.mu.Unlock()
	if err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compact: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close compaction target: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.db.Close(); err != nil {
		return fmt.Errorf("close original before swap: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("swap compacted file: %w", err)
	}
	if err := t.open(); err != nil {
		return fmt.Errorf("reopen after compaction: %w", err)
	}
	c.log.Infof("compacted table=%s", t.name)
	return nil
}

// RunCompactionLoop runs CompactAll on the given interval until ctx is
// canceled.
func (c *Coordinator) RunCompactionLoop(ctx context.Context, interval time.Duration, threshold float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CompactAll(ctx, threshold)
		}
	}
}

// --- Corruption recovery -----------------------------------------------------

// Recover performs the spec.md §4.1 corruption recovery sequence for one
// table: terminate the owner, replace the file with the most recent backup,
// restart, and verify. If no backup exists or verification fails, the table
// is restarted empty and a critical health signal is raised (degraded mode).
func (c *Coordinator) Recover(name string) error {
	t := c.table(name)
	if t == nil {
		return fmt.Errorf("unknown table %s", name)
	}

	t.mu.Lock()
	if t.db != nil {
		_ = t.db.Close()
		t.db = nil
	}
	path := t.path
	t.mu.Unlock()

	backupPath, haveBackup := c.latestBackup(name)
	recovered := false
	if haveBackup {
		if err := copyFile(backupPath, path); err != nil {
			c.log.Errorf("restore from backup failed table=%s err=%v", name, err)
		} else {
			recovered = true
		}
	}

	t.mu.Lock()
	openErr := t.open()
	t.mu.Unlock()

	if recovered && openErr == nil {
		if err := c.verify(t); err == nil {
			c.log.Infof("recovered table=%s from backup=%s", name, backupPath)
			return nil
		}
		c.log.Errorf("verification failed after restoring table=%s; falling back to empty", name)
		t.mu.Lock()
		if t.db != nil {
			_ = t.db.Close()
			t.db = nil
		}
		t.mu.Unlock()
	}

	// Degraded mode: restart with an empty table.
	_ = os.Remove(path)
	t.mu.Lock()
	err := t.open()
	if err == nil {
		t.degraded = true
	}
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("degraded restart failed table=%s: %w", name, err)
	}

	c.log.Errorf("table=%s restarted EMPTY in degraded mode", name)
	if c.bus != nil {
		_ = events.Emit(c.bus, events.TopicHealthCritical, events.HealthEvent{
			Source: "store." + name,
			Reason: "table restarted empty after unrecoverable corruption",
		})
	}
	return nil
}

// verify checks record count and performs a full scan traversal, per
// spec.md §4.1 step (d).
func (c *Coordinator) verify(t *Table) error {
	if _, err := t.Count(); err != nil {
		return err
	}
	if _, err := t.Scan(nil); err != nil {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
