package runman

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hpcsched/runman/jobdb"
	"github.com/hpcsched/runman/scheduler"
)

// recoverState replays the job database against the live scheduler queue.
// It runs synchronously before the first admission: fail budgets are rebuilt
// from the records, surviving jobs are adopted, and jobs that died while the
// controller was down become retry candidates. A task is never resubmitted
// while it still has a live job.
func (m *RunManager) recoverState() error {
	var queue map[jobdb.JobID]scheduler.QueueEntry
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PollTimeout)
		defer cancel()
		var err error
		queue, err = m.sched.Queue(ctx)
		return err
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 4)); err != nil {
		return errors.Wrap(err, "couldn't query the scheduler queue for recovery")
	}

	recs := m.db.All()
	log.Infof("Recovering from %d job records against %d live jobs", len(recs), len(queue))

	liveByTask := map[int][]jobdb.JobRecord{}
	for _, rec := range recs {
		if rec.TaskIndex < 0 || rec.TaskIndex >= len(m.tasks) {
			log.Errorf("Record %s names unknown task %d; ignoring", rec.JobID, rec.TaskIndex)
			continue
		}
		ts := m.tasks[rec.TaskIndex]

		// rebuild the fail budget: a record's FailCount is the task's fail
		// count at submission, a Failed record adds one more
		prior := rec.FailCount
		if rec.State == jobdb.Failed {
			prior++
		}
		if prior > ts.failCount {
			ts.failCount = prior
		}

		if rec.State.IsTerminal() {
			continue
		}
		if _, live := queue[rec.JobID]; live {
			liveByTask[rec.TaskIndex] = append(liveByTask[rec.TaskIndex], rec)
			continue
		}

		// died while the controller was down
		log.Warnf("Job %s (task %d) is gone from the queue; marking failed", rec.JobID, rec.TaskIndex)
		m.persist(rec, jobdb.Failed)
		m.totalFails++
		if rec.FailCount+1 > ts.failCount {
			ts.failCount = rec.FailCount + 1
		}
	}

	for idx, active := range liveByTask {
		ts := m.tasks[idx]
		if ts.state.IsTerminal() {
			// goal already met; release the surviving jobs
			for _, rec := range active {
				m.asyncCancel(rec.JobID)
				m.persist(rec, jobdb.Cancelled)
			}
			continue
		}
		m.adoptOrRepair(ts, active)
	}

	// tasks that burned past their budget before the restart
	for _, ts := range m.tasks {
		if ts.failCount <= m.cfg.MaxFailsPerJob {
			continue
		}
		ts.failCount = m.cfg.MaxFailsPerJob
		if ts.state.NeedsJob() {
			m.transition(ts, PermanentlyFailed)
		}
	}
	return nil
}
