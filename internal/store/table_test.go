package store

import (
	"path/filepath"
	"testing"
)

func TestTableInsertLookupDelete(t *testing.T) {
	dir := t.TempDir()
	tbl, err := OpenTable(dir, "widgets")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	defer tbl.Close()

	if _, ok, err := tbl.Lookup("a"); err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}

	if err := tbl.Insert("a", []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, ok, err := tbl.Lookup("a")
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Lookup got v=%q ok=%v err=%v", v, ok, err)
	}

	if err := tbl.Insert("a", []byte("2")); err != nil {
		t.Fatalf("Insert overwrite: %v", err)
	}
	v, _, _ = tbl.Lookup("a")
	if string(v) != "2" {
		t.Fatalf("expected overwrite to take effect, got %q", v)
	}

	if err := tbl.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := tbl.Lookup("a"); ok {
		t.Fatalf("expected key gone after delete")
	}
	if err := tbl.Delete("a"); err != nil {
		t.Fatalf("deleting absent key should not error: %v", err)
	}
}

func TestTableScanAndCount(t *testing.T) {
	dir := t.TempDir()
	tbl, err := OpenTable(dir, "items")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	defer tbl.Close()

	for _, k := range []string{"x", "y", "z"} {
		if err := tbl.Insert(k, []byte(k)); err != nil {
			t.Fatalf("Insert %s: %v", k, err)
		}
	}

	n, err := tbl.Count()
	if err != nil || n != 3 {
		t.Fatalf("Count = %d, err=%v, want 3", n, err)
	}

	recs, err := tbl.Scan(nil)
	if err != nil || len(recs) != 3 {
		t.Fatalf("Scan = %d recs, err=%v, want 3", len(recs), err)
	}

	filtered, err := tbl.Scan(func(key string, value []byte) bool { return key == "y" })
	if err != nil || len(filtered) != 1 || filtered[0].Key != "y" {
		t.Fatalf("filtered Scan = %+v, err=%v", filtered, err)
	}
}

func TestTableReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	tbl, err := OpenTable(dir, "persist")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if err := tbl.Insert("k", []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tbl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenTable(dir, "persist")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	v, ok, err := reopened.Lookup("k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("expected persisted value, got v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestTablePathAndName(t *testing.T) {
	dir := t.TempDir()
	tbl, err := OpenTable(dir, "named")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	defer tbl.Close()
	if tbl.Name() != "named" {
		t.Fatalf("Name() = %q", tbl.Name())
	}
	if tbl.Path() != filepath.Join(dir, "named.db") {
		t.Fatalf("Path() = %q", tbl.Path())
	}
	if tbl.Degraded() {
		t.Fatalf("freshly opened table should not be degraded")
	}
}
