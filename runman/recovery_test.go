package runman

import (
	"context"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/hpcsched/runman/jobdb"
	"github.com/hpcsched/runman/scheduler"
)

func seedRecord(t *testing.T, db jobdb.Database, id jobdb.JobID, name string, task int, state jobdb.State, fails int, submitted time.Time) {
	t.Helper()
	rec := jobdb.JobRecord{
		JobID:       id,
		JobName:     name,
		TaskIndex:   task,
		State:       state,
		FailCount:   fails,
		SubmittedAt: submitted,
		LastSeenAt:  submitted,
	}
	if err := db.Upsert(rec); err != nil {
		t.Fatalf("Seeding record %s failed: %v", id, err)
	}
}

func TestRecoveryAdoptsSurvivingJob(t *testing.T) {
	f := scheduler.NewFake(t.TempDir())
	db := openTestDB(t)
	now := time.Now()

	// task 0's job survived the restart, task 1's is gone
	id, _ := f.Submit(context.Background(), "testrun-0")
	seedRecord(t, db, id, "testrun-0", 0, jobdb.Queued, 0, now)
	seedRecord(t, db, "99.fake", "testrun-1", 1, jobdb.Queued, 0, now)

	cfg := testConfig()
	cfg.RecoverOnStartup = true
	m, err := NewRunManager(pointTasks(2, 10), nil, f, db, nil, cfg, nil)
	if err != nil {
		t.Fatalf("NewRunManager failed: %v", err)
	}

	if st := m.Status().Tasks[0]; st.State != Active.String() || st.JobID != id {
		t.Errorf("Expected task 0 reattached to %s, got %+v", id, st)
	}
	if rec, _ := db.Get("99.fake"); rec.State != jobdb.Failed {
		t.Errorf("Expected the vanished job marked Failed, got %+v", rec)
	}
	if fc := m.Status().Tasks[1].FailCount; fc != 1 {
		t.Errorf("Expected the vanished job to cost task 1 a fail, got %d", fc)
	}

	settle(m, 4)
	if got := f.Lookup("testrun-0"); len(got) != 1 || got[0] != id {
		t.Errorf("Expected no second submission for task 0, got %v", got)
	}
	if got := f.Lookup("testrun-1"); len(got) != 1 {
		t.Errorf("Expected task 1 resubmitted after recovery, got %v", got)
	}
}

func TestRecoveryRepairsDuplicateLiveJobs(t *testing.T) {
	f := scheduler.NewFake(t.TempDir())
	db := openTestDB(t)
	now := time.Now()

	older, _ := f.Submit(context.Background(), "testrun-0")
	newer, _ := f.Submit(context.Background(), "testrun-0")
	seedRecord(t, db, older, "testrun-0", 0, jobdb.Queued, 0, now.Add(-time.Hour))
	seedRecord(t, db, newer, "testrun-0", 0, jobdb.Queued, 0, now)

	cfg := testConfig()
	cfg.RecoverOnStartup = true
	m, err := NewRunManager(pointTasks(1, 10), nil, f, db, nil, cfg, nil)
	if err != nil {
		t.Fatalf("NewRunManager failed: %v", err)
	}

	settle(m, 4)
	if got := f.Lookup("testrun-0"); len(got) != 1 || got[0] != newer {
		t.Errorf("Expected only the newest job %s to survive, got %v", newer, got)
	}
	if rec, _ := db.Get(older); rec.State != jobdb.Cancelled {
		t.Errorf("Expected the older duplicate cancelled, got %+v", rec)
	}
	if st := m.Status().Tasks[0]; st.JobID != newer {
		t.Errorf("Expected the task bound to %s: %s", newer, spew.Sdump(st))
	}
}

func TestRecoveryRestoresFailBudget(t *testing.T) {
	f := scheduler.NewFake(t.TempDir())
	db := openTestDB(t)
	now := time.Now()

	// two failed attempts on record; budget is 1, so the task is spent
	seedRecord(t, db, "1.fake", "testrun-0", 0, jobdb.Failed, 0, now.Add(-2*time.Hour))
	seedRecord(t, db, "2.fake", "testrun-0", 0, jobdb.Failed, 1, now.Add(-time.Hour))

	cfg := testConfig()
	cfg.RecoverOnStartup = true
	m, err := NewRunManager(pointTasks(1, 10), nil, f, db, nil, cfg, nil)
	if err != nil {
		t.Fatalf("NewRunManager failed: %v", err)
	}

	settle(m, 3)
	rep := m.Status()
	if rep.Tasks[0].State != PermanentlyFailed.String() {
		t.Errorf("Expected the spent task permanently failed on restart: %s", spew.Sdump(rep))
	}
	if got := f.Lookup("testrun-0"); len(got) != 0 {
		t.Errorf("Expected no submissions for a spent task, got %v", got)
	}
	if fc := rep.Tasks[0].FailCount; fc != 1 {
		t.Errorf("Expected the fail count capped at the budget, got %d", fc)
	}
}

func TestRecoveryReleasesJobsOfFinishedTasks(t *testing.T) {
	f := scheduler.NewFake(t.TempDir())
	db := openTestDB(t)

	id, _ := f.Submit(context.Background(), "testrun-0")
	seedRecord(t, db, id, "testrun-0", 0, jobdb.Running, 0, time.Now())

	pt := NewPointTask(5)
	pt.AddResult(Partial{NPoints: 5})
	cfg := testConfig()
	cfg.RecoverOnStartup = true
	m, err := NewRunManager([]Task{pt}, nil, f, db, nil, cfg, nil)
	if err != nil {
		t.Fatalf("NewRunManager failed: %v", err)
	}

	settle(m, 4)
	if queue, _ := f.Queue(context.Background()); len(queue) != 0 {
		t.Errorf("Expected the finished task's job released, got %v", queue)
	}
	if rec, _ := db.Get(id); rec.State != jobdb.Cancelled {
		t.Errorf("Expected the record cancelled, got %+v", rec)
	}
	if rep := m.Status(); !rep.Done {
		t.Errorf("Expected the run done after recovery: %s", spew.Sdump(rep))
	}
}

func TestRecoveryFailsWhenQueueUnavailable(t *testing.T) {
	db := openTestDB(t)
	seedRecord(t, db, "1.fake", "testrun-0", 0, jobdb.Queued, 0, time.Now())

	broken := &queuelessScheduler{}
	cfg := testConfig()
	cfg.RecoverOnStartup = true
	cfg.PollTimeout = 10 * time.Millisecond
	if _, err := NewRunManager(pointTasks(1, 10), nil, broken, db, nil, cfg, nil); err == nil {
		t.Fatalf("Expected recovery to fail when the queue can't be read")
	}
}

// queuelessScheduler errors on every queue read.
type queuelessScheduler struct {
	scheduler.Fake
}

func (q *queuelessScheduler) Queue(ctx context.Context) (map[jobdb.JobID]scheduler.QueueEntry, error) {
	return nil, context.DeadlineExceeded
}
