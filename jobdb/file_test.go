package jobdb

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tmpDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "jobs.jsonl")
}

func record(id JobID, task int, state State) JobRecord {
	now := time.Now()
	return JobRecord{
		JobID:       id,
		JobName:     "testrun-" + string(id),
		TaskIndex:   task,
		State:       state,
		SubmittedAt: now,
		LastSeenAt:  now,
	}
}

func TestFileDBRoundTrip(t *testing.T) {
	path := tmpDBPath(t)
	db, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}

	if err := db.Upsert(record("1001", 0, Pending)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := db.Upsert(record("1001", 0, Queued)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	db.Close()

	// Reopen: replay must keep the last record per job id.
	db2, err := OpenFile(path)
	if err != nil {
		t.Fatalf("Reopening db failed: %v", err)
	}
	defer db2.Close()
	rec, ok := db2.Get("1001")
	if !ok {
		t.Fatalf("Expected job 1001 after replay")
	}
	if rec.State != Queued {
		t.Errorf("Expected replay to keep last state Queued, got %v", rec.State)
	}
}

func TestFileDBRejectsInvalidTransition(t *testing.T) {
	db, err := OpenFile(tmpDBPath(t))
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer db.Close()

	if err := db.Upsert(record("1", 0, Pending)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := db.Upsert(record("1", 0, Queued)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := db.Upsert(record("1", 0, Done)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	// Done is terminal.
	if err := db.Upsert(record("1", 0, Running)); err == nil {
		t.Errorf("Expected terminal state to never revert")
	}
	// Pending cannot skip to Running either.
	if err := db.Upsert(record("2", 1, Pending)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := db.Upsert(record("2", 1, Running)); err == nil {
		t.Errorf("Expected Pending -> Running to be rejected")
	}
}

func TestFileDBSnapshotCompacts(t *testing.T) {
	path := tmpDBPath(t)
	db, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer db.Close()

	db.Upsert(record("1", 0, Pending))
	db.Upsert(record("1", 0, Queued))
	db.Upsert(record("1", 0, Running))
	db.Upsert(record("2", 1, Pending))

	if err := db.Snapshot(); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Opening snapshot failed: %v", err)
	}
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("Expected snapshot to compact to 2 live records, got %d lines", lines)
	}

	// Writes after a snapshot must still land in the file.
	if err := db.Upsert(record("1", 0, Done)); err != nil {
		t.Fatalf("Upsert after snapshot failed: %v", err)
	}
	db2, err := OpenFile(path)
	if err != nil {
		t.Fatalf("Reopen after snapshot failed: %v", err)
	}
	defer db2.Close()
	rec, _ := db2.Get("1")
	if rec.State != Done {
		t.Errorf("Expected post-snapshot write to persist, got %v", rec.State)
	}
}

func TestFileDBActiveForTask(t *testing.T) {
	db, err := OpenFile(tmpDBPath(t))
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer db.Close()

	db.Upsert(record("1", 3, Pending))
	db.Upsert(record("1", 3, Queued))
	db.Upsert(record("1", 3, Failed))
	db.Upsert(record("2", 3, Pending))
	db.Upsert(record("3", 4, Pending))

	active := db.ActiveForTask(3)
	if len(active) != 1 || active[0].JobID != "2" {
		t.Errorf("Expected only job 2 active for task 3, got %v", active)
	}
}

func TestFileDBSkipsTornLine(t *testing.T) {
	path := tmpDBPath(t)
	db, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	db.Upsert(record("1", 0, Pending))
	db.Close()

	// Simulate a crash mid-append.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString(`{"job_id":"2","task_ind`)
	f.Close()

	db2, err := OpenFile(path)
	if err != nil {
		t.Fatalf("Reopen with torn line failed: %v", err)
	}
	defer db2.Close()
	if len(db2.All()) != 1 {
		t.Errorf("Expected torn line to be skipped, got %v", db2.All())
	}
}
