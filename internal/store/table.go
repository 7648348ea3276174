// Package store implements C1, the durable small-record store: typed,
// crash-safe, file-backed key-value tables with atomic backups, compaction,
// and corruption recovery (spec.md §4.1).
//
// Each table is its own go.etcd.io/bbolt file, matching spec.md §6's
// "one file per table under a configurable data directory." bbolt itself
// gives per-commit crash safety (copy-on-write B+tree, fsync on commit);
// the Coordinator in coordinator.go layers the backup/compaction/recovery
// policy spec.md asks for on top, grounded on IAmSoThirsty-Project-AI's
// internal/storage/bolt.go bucket-per-concern layout.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/notno/agentcom/internal/logging"
)

// ErrTableCorrupted is returned by a hot-path operation when the underlying
// file is unreadable/unwritable in a way that looks like corruption rather
// than a transient I/O error.
var ErrTableCorrupted = errors.New("table corrupted")

// ErrNotFound is returned by Lookup when the key does not exist. Most
// callers use the two-value form and never see this, but it is exported for
// callers that need to distinguish "absent" from "zero value."
var ErrNotFound = errors.New("key not found")

var dataBucket = []byte("data")

// CorruptionHandler is invoked when a table's hot path detects corruption.
// The Coordinator installs one per table to drive recovery (spec.md §4.1).
type CorruptionHandler func(table string, reason string)

// Table is one named, file-backed key-value table. All operations are
// serialized through an internal mutex, modeling the "serial actor" scheduling
// rule of spec.md §5 — no caller needs its own lock around a Table.
type Table struct {
	name string
	path string

	mu       sync.Mutex
	db       *bolt.DB
	degraded bool

	onCorruption CorruptionHandler
	log          logging.Logger
}

// OpenTable opens (creating if absent) the bbolt file at dir/name.db and
// ensures the data bucket exists. If the file is marked unclean (a prior
// process died mid-write without bbolt's own crash recovery succeeding),
// bolt.Open itself performs the necessary free-list rebuild; AgentCom treats
// any Open failure as corruption for the caller to recover from.
func OpenTable(dir, name string) (*Table, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+".db")
	t := &Table{name: name, path: path, log: logging.Component("store." + name)}
	if err := t.open(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) open() error {
	db, err := bolt.Open(t.path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrTableCorrupted, t.path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dataBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: init buckets for %s: %v", ErrTableCorrupted, t.name, err)
	}
	t.db = db
	t.degraded = false
	return nil
}

// SetCorruptionHandler installs the callback invoked when a hot-path
// operation fails in a way that looks like corruption.
func (t *Table) SetCorruptionHandler(h CorruptionHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCorruption = h
}

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

// Path returns the table's on-disk file path.
func (t *Table) Path() string { return t.path }

// Degraded reports whether this table is running in degraded mode (recovered
// empty after an unrecoverable corruption, spec.md §4.1).
func (t *Table) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

// Insert writes key -> value, replacing any existing value.
func (t *Table) Insert(key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Put([]byte(key), value)
	})
	return t.wrapWriteErr(err)
}

// Lookup returns the value for key, or ok=false if absent.
func (t *Table) Lookup(key string) (value []byte, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	err = t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(dataBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		ok = true
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, t.wrapReadErr(err)
	}
	return value, ok, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (t *Table) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Delete([]byte(key))
	})
	return t.wrapWriteErr(err)
}

// Scan returns every (key, value) for which filter returns true. A nil
// filter matches everything. Values are copied out of the mmap'd page, safe
// to retain after Scan returns.
func (t *Table) Scan(filter func(key string, value []byte) bool) ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Record
	err := t.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).ForEach(func(k, v []byte) error {
			if filter != nil && !filter(string(k), v) {
				return nil
			}
			out = append(out, Record{
				Key:   string(k),
				Value: append([]byte(nil), v...),
			})
			return nil
		})
	})
	if err != nil {
		return nil, t.wrapReadErr(err)
	}
	return out, nil
}

// Count returns the number of records currently stored.
func (t *Table) Count() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	err := t.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(dataBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, t.wrapReadErr(err)
	}
	return n, nil
}

// Sync forces a durability barrier. bbolt fsyncs on every commit by default,
// so this mostly matters for tables opened with a relaxed sync policy; it is
// always safe to call.
func (t *Table) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.db.Sync(); err != nil {
		return t.wrapWriteErr(err)
	}
	return nil
}

// Close closes the underlying file.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}

// Record is one key/value pair returned from Scan.
type Record struct {
	Key   string
	Value []byte
}

// fragmentationRatio estimates wasted space as the bytes held in free pages
// over the size of the table's file, gating compaction per spec.md §4.1.
func (t *Table) fragmentationRatio() (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.db.Stats()
	info, err := os.Stat(t.path)
	if err != nil {
		return 0, err
	}
	total := info.Size()
	if total == 0 {
		return 0, nil
	}
	return float64(stats.FreeAlloc) / float64(total), nil
}

func (t *Table) wrapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if looksCorrupt(err) {
		t.signalCorruption(err)
		return fmt.Errorf("%w: %s: %v", ErrTableCorrupted, t.name, err)
	}
	return fmt.Errorf("write %s: %w", t.name, err)
}

func (t *Table) wrapReadErr(err error) error {
	if err == nil {
		return nil
	}
	if looksCorrupt(err) {
		t.signalCorruption(err)
		return fmt.Errorf("%w: %s: %v", ErrTableCorrupted, t.name, err)
	}
	return fmt.Errorf("read %s: %w", t.name, err)
}

func (t *Table) signalCorruption(cause error) {
	if t.onCorruption != nil {
		go t.onCorruption(t.name, cause.Error())
	}
}

func looksCorrupt(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, bolt.ErrInvalid),
		errors.Is(err, bolt.ErrChecksum),
		errors.Is(err, bolt.ErrVersionMismatch),
		errors.Is(err, bolt.ErrDatabaseNotOpen):
		return true
	}
	return bytes.Contains([]byte(err.Error()), []byte("invalid database"))
}
