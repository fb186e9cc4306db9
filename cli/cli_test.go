package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hpcsched/runman/jobdb"
)

func writeConfig(t *testing.T, dbPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runman.json")
	conf := fmt.Sprintf(`{
		"run": {"job_name": "testrun", "n_tasks": 2},
		"scheduler": {"type": "fake", "log_folder": %q},
		"database": {"path": %q}
	}`, t.TempDir(), dbPath)
	if err := os.WriteFile(path, []byte(conf), 0644); err != nil {
		t.Fatalf("Writing config failed: %v", err)
	}
	return path
}

func TestCommandTree(t *testing.T) {
	c := New().(*cliRunner)
	got := map[string]bool{}
	for _, cmd := range c.rootCmd.Commands() {
		got[cmd.Name()] = true
	}
	for _, want := range []string{"run", "status", "cancel", "queue"} {
		if !got[want] {
			t.Errorf("Expected subcommand %q, have %v", want, got)
		}
	}
}

func TestStatusCmdPrintsRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "jobs.jsonl")
	db, err := jobdb.Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	now := time.Now()
	db.Upsert(jobdb.JobRecord{JobID: "1.fake", JobName: "testrun-0", State: jobdb.Running, SubmittedAt: now, LastSeenAt: now})
	db.Upsert(jobdb.JobRecord{JobID: "2.fake", JobName: "testrun-1", TaskIndex: 1, State: jobdb.Done, SubmittedAt: now, LastSeenAt: now})
	db.Close()

	c := New().(*cliRunner)
	var buf bytes.Buffer
	c.rootCmd.SetOut(&buf)
	c.rootCmd.SetArgs([]string{"status", "--config", writeConfig(t, dbPath), "--live"})
	if err := c.rootCmd.Execute(); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(buf.String(), "1.fake") {
		t.Errorf("Expected the live record in the output, got %s", buf.String())
	}
	if strings.Contains(buf.String(), "2.fake") {
		t.Errorf("Expected the terminal record filtered out, got %s", buf.String())
	}
}

func TestQueueCmdEmptyQueue(t *testing.T) {
	c := New().(*cliRunner)
	var buf bytes.Buffer
	c.rootCmd.SetOut(&buf)
	c.rootCmd.SetArgs([]string{"queue", "--config", writeConfig(t, filepath.Join(t.TempDir(), "jobs.jsonl"))})
	if err := c.rootCmd.Execute(); err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "{}" {
		t.Errorf("Expected an empty queue, got %s", buf.String())
	}
}
