package jobdb

import (
	"path/filepath"
	"testing"
)

func TestSqliteDBRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	db, err := OpenSqlite(path)
	if err != nil {
		t.Fatalf("OpenSqlite failed: %v", err)
	}

	if err := db.Upsert(record("9001", 2, Pending)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := db.Upsert(record("9001", 2, Queued)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := db.Snapshot(); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	db.Close()

	db2, err := OpenSqlite(path)
	if err != nil {
		t.Fatalf("Reopening sqlite db failed: %v", err)
	}
	defer db2.Close()
	rec, ok := db2.Get("9001")
	if !ok {
		t.Fatalf("Expected job 9001 after reopen")
	}
	if rec.State != Queued || rec.TaskIndex != 2 {
		t.Errorf("Expected Queued record for task 2, got %+v", rec)
	}
}

func TestSqliteDBRejectsTerminalRevert(t *testing.T) {
	db, err := OpenSqlite(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSqlite failed: %v", err)
	}
	defer db.Close()

	db.Upsert(record("1", 0, Pending))
	db.Upsert(record("1", 0, Cancelled))
	if err := db.Upsert(record("1", 0, Queued)); err == nil {
		t.Errorf("Expected Cancelled -> Queued to be rejected")
	}
}

func TestSqliteDBOrderingAndActive(t *testing.T) {
	db, err := OpenSqlite(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSqlite failed: %v", err)
	}
	defer db.Close()

	db.Upsert(record("a", 0, Pending))
	db.Upsert(record("b", 1, Pending))
	db.Upsert(record("c", 0, Pending))
	db.Upsert(record("a", 0, Failed))

	all := db.All()
	if len(all) != 3 || all[0].JobID != "a" || all[2].JobID != "c" {
		t.Errorf("Expected insertion order a,b,c, got %v", all)
	}
	active := db.ActiveForTask(0)
	if len(active) != 1 || active[0].JobID != "c" {
		t.Errorf("Expected only job c active for task 0, got %v", active)
	}
}

func TestOpenChoosesBackend(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("Open(.db) failed: %v", err)
	}
	if _, ok := db.(*sqliteDB); !ok {
		t.Errorf("Expected .db path to open a sqlite backend")
	}
	db.Close()

	db, err = Open(filepath.Join(dir, "jobs.jsonl"))
	if err != nil {
		t.Fatalf("Open(.jsonl) failed: %v", err)
	}
	if _, ok := db.(*fileDB); !ok {
		t.Errorf("Expected .jsonl path to open the file backend")
	}
	db.Close()
}
